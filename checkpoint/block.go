package checkpoint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	khash "github.com/hupe1980/kgeflow/internal/hash"
)

// File layout:
//
//	[magic 8][version u32][compression u8][pad 3]
//	block*
//	[terminator block: 0, 0]
//	[crc32c u32 of everything above]
const (
	fileHeaderSize = 16
	fileVersion    = 1
	blockSize      = 1 << 20
	maxBlockSize   = 64 << 20
)

// blockWriter frames a payload stream into compressed blocks.
type blockWriter struct {
	w     io.Writer
	crc   hash.Hash32
	codec Compression
	buf   []byte
	out   []byte
	n     int64
}

func newBlockWriter(w io.Writer, magic string, c Compression) (*blockWriter, error) {
	bw := &blockWriter{
		w:     w,
		crc:   khash.NewCRC32C(),
		codec: c,
		buf:   make([]byte, 0, blockSize),
	}
	var hdr [fileHeaderSize]byte
	copy(hdr[0:8], magic)
	binary.LittleEndian.PutUint32(hdr[8:12], fileVersion)
	hdr[12] = byte(c)
	if err := bw.emit(hdr[:]); err != nil {
		return nil, err
	}
	return bw, nil
}

func (bw *blockWriter) emit(p []byte) error {
	bw.crc.Write(p)
	n, err := bw.w.Write(p)
	bw.n += int64(n)
	return err
}

func (bw *blockWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		room := blockSize - len(bw.buf)
		chunk := min(room, len(p))
		bw.buf = append(bw.buf, p[:chunk]...)
		p = p[chunk:]
		written += chunk
		if len(bw.buf) == blockSize {
			if err := bw.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (bw *blockWriter) flush() error {
	if len(bw.buf) == 0 {
		return nil
	}
	var err error
	bw.out, err = compressBlock(bw.out[:0], bw.buf, bw.codec)
	if err != nil {
		return err
	}
	bw.buf = bw.buf[:0]
	return bw.emit(bw.out)
}

// Close flushes the last block and writes the terminator and checksum.
// It does not close the underlying writer.
func (bw *blockWriter) Close() error {
	if err := bw.flush(); err != nil {
		return err
	}
	var term [blockHeaderSize]byte
	if err := bw.emit(term[:]); err != nil {
		return err
	}
	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], bw.crc.Sum32())
	n, err := bw.w.Write(trailer[:])
	bw.n += int64(n)
	return err
}

// Size returns the bytes written so far.
func (bw *blockWriter) Size() int64 { return bw.n }

// Sum returns the checksum of the framed content.
func (bw *blockWriter) Sum() uint32 { return bw.crc.Sum32() }

// blockReader reverses blockWriter. The checksum is verified when the
// terminator is reached, so callers must read to io.EOF.
type blockReader struct {
	r     *bufio.Reader
	crc   hash.Hash32
	codec Compression
	cur   []byte
	done  bool
}

func newBlockReader(r io.Reader, magic string) (*blockReader, error) {
	br := &blockReader{r: bufio.NewReader(r), crc: khash.NewCRC32C()}

	var hdr [fileHeaderSize]byte
	if err := br.fill(hdr[:]); err != nil {
		return nil, err
	}
	if string(hdr[0:8]) != magic {
		return nil, fmt.Errorf("%w: magic %q, want %q", ErrCorrupt, hdr[0:8], magic)
	}
	if v := binary.LittleEndian.Uint32(hdr[8:12]); v != fileVersion {
		return nil, fmt.Errorf("%w: file version %d", ErrCorrupt, v)
	}
	br.codec = Compression(hdr[12])
	if br.codec > CompressionZSTD {
		return nil, fmt.Errorf("%w: codec %d", ErrCorrupt, hdr[12])
	}
	return br, nil
}

func (br *blockReader) fill(p []byte) error {
	if _, err := io.ReadFull(br.r, p); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: truncated file", ErrCorrupt)
		}
		return err
	}
	br.crc.Write(p)
	return nil
}

func (br *blockReader) next() error {
	var hdr [blockHeaderSize]byte
	if err := br.fill(hdr[:]); err != nil {
		return err
	}
	raw := int(binary.LittleEndian.Uint32(hdr[0:4]))
	stored := int(binary.LittleEndian.Uint32(hdr[4:8]))

	if raw == 0 {
		var trailer [4]byte
		if _, err := io.ReadFull(br.r, trailer[:]); err != nil {
			return fmt.Errorf("%w: missing checksum", ErrCorrupt)
		}
		if got, want := br.crc.Sum32(), binary.LittleEndian.Uint32(trailer[:]); got != want {
			return fmt.Errorf("%w: checksum %08x, want %08x", ErrCorrupt, got, want)
		}
		br.done = true
		return nil
	}
	if raw > maxBlockSize || stored > maxBlockSize {
		return fmt.Errorf("%w: block size %d", ErrCorrupt, raw)
	}

	if stored == 0 {
		buf := make([]byte, raw)
		if err := br.fill(buf); err != nil {
			return err
		}
		br.cur = buf
		return nil
	}

	payload := make([]byte, stored)
	if err := br.fill(payload); err != nil {
		return err
	}
	out, err := decompressBlock(payload, raw, br.codec)
	if err != nil {
		return err
	}
	br.cur = out
	return nil
}

func (br *blockReader) Read(p []byte) (int, error) {
	for len(br.cur) == 0 {
		if br.done {
			return 0, io.EOF
		}
		if err := br.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, br.cur)
	br.cur = br.cur[n:]
	return n, nil
}

// finish drains the reader so the checksum is verified. Payload bytes past
// what the caller consumed mean the file is malformed.
func (br *blockReader) finish() error {
	n, err := io.Copy(io.Discard, br)
	if err != nil {
		return err
	}
	if n != 0 {
		return fmt.Errorf("%w: %d trailing payload bytes", ErrCorrupt, n)
	}
	return nil
}
