package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/hupe1980/kgeflow/internal/hash"
	"github.com/hupe1980/kgeflow/model"
)

// RecordType identifies the type of a journal record.
type RecordType uint8

const (
	// RecordTrace holds one embedding trace.
	RecordTrace RecordType = 1
)

const (
	recordHeaderSize = 4 + 1 + 8 + 4 // crc, type, seq, length
	maxRecordSize    = 256 << 20
)

var (
	ErrInvalidCRC     = errors.New("invalid journal record checksum")
	ErrInvalidType    = errors.New("invalid journal record type")
	ErrShortRead      = errors.New("short read in journal record")
	ErrRecordTooLarge = errors.New("journal record too large")
)

// payloadSize is table(1) dim(4) n(4) rows(n*4) vectors(n*dim*4).
func payloadSize(t *model.Trace) int {
	return 1 + 4 + 4 + len(t.Rows)*4 + len(t.Vectors)*4
}

// encodeTrace appends the framed record for t to buf.
//
// Layout:
// [CRC32C: 4] [Type: 1] [Seq: 8] [Length: 4] [Table: 1] [Dim: 4] [N: 4] [Rows: N*4] [Vectors: N*Dim*4]
//
// The checksum covers everything after itself.
func encodeTrace(buf []byte, t *model.Trace) []byte {
	start := len(buf)
	size := recordHeaderSize + payloadSize(t)
	buf = append(buf, make([]byte, size)...)
	b := buf[start:]

	b[4] = byte(RecordTrace)
	binary.LittleEndian.PutUint64(b[5:], t.Seq)
	binary.LittleEndian.PutUint32(b[13:], uint32(payloadSize(t)))

	p := b[recordHeaderSize:]
	p[0] = byte(t.Table)
	binary.LittleEndian.PutUint32(p[1:], uint32(t.Dim))
	binary.LittleEndian.PutUint32(p[5:], uint32(len(t.Rows)))
	off := 9
	for _, r := range t.Rows {
		binary.LittleEndian.PutUint32(p[off:], uint32(r))
		off += 4
	}
	for _, v := range t.Vectors {
		binary.LittleEndian.PutUint32(p[off:], math.Float32bits(v))
		off += 4
	}

	binary.LittleEndian.PutUint32(b[0:4], hash.CRC32C(b[4:]))
	return buf
}

// decode reads one record from r. It returns the trace and the number of
// bytes consumed.
func decode(r io.Reader) (*model.Trace, int64, error) {
	header := make([]byte, recordHeaderSize)
	if n, err := io.ReadFull(r, header); err != nil {
		return nil, int64(n), err
	}

	checksum := binary.LittleEndian.Uint32(header[0:4])
	typ := RecordType(header[4])
	seq := binary.LittleEndian.Uint64(header[5:])
	length := binary.LittleEndian.Uint32(header[13:])

	if length > maxRecordSize {
		return nil, recordHeaderSize, ErrRecordTooLarge
	}

	payload := make([]byte, length)
	if n, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, recordHeaderSize + int64(n), err
	}
	consumed := int64(recordHeaderSize) + int64(length)

	crc := hash.Update(0, header[4:])
	crc = hash.Update(crc, payload)
	if crc != checksum {
		return nil, consumed, ErrInvalidCRC
	}
	if typ != RecordTrace {
		return nil, consumed, fmt.Errorf("%w: %d", ErrInvalidType, typ)
	}

	t, err := parseTrace(payload)
	if err != nil {
		return nil, consumed, err
	}
	t.Seq = seq
	return t, consumed, nil
}

func parseTrace(p []byte) (*model.Trace, error) {
	if len(p) < 9 {
		return nil, ErrShortRead
	}
	table := model.Table(p[0])
	dim := int(binary.LittleEndian.Uint32(p[1:]))
	n := int(binary.LittleEndian.Uint32(p[5:]))
	if len(p) != 9+n*4+n*dim*4 {
		return nil, ErrShortRead
	}

	t := &model.Trace{
		Table:   table,
		Dim:     dim,
		Rows:    make([]model.RowID, n),
		Vectors: make([]float32, n*dim),
	}
	off := 9
	for i := range t.Rows {
		t.Rows[i] = model.RowID(binary.LittleEndian.Uint32(p[off:]))
		off += 4
	}
	for i := range t.Vectors {
		t.Vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[off:]))
		off += 4
	}
	return t, nil
}
