// Package checkpoint saves and restores training state to a blobstore.
//
// A checkpoint for step n lives under the directory "step_<n>":
//
//	step_<n>/<table>.emb   embedding rows, block framed
//	step_<n>/dense.bin     dense parameters, block framed
//	step_<n>/meta.json     written last; its presence marks the step complete
//
// After meta.json, the blob "LATEST" is overwritten with "step_<n>".
package checkpoint

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/kgeflow/backing"
	"github.com/hupe1980/kgeflow/blobstore"
	"github.com/hupe1980/kgeflow/model"
	"github.com/hupe1980/kgeflow/optim"
)

var (
	// ErrCorrupt is returned when a checkpoint file fails magic, shape or checksum checks.
	ErrCorrupt = errors.New("checkpoint: corrupt file")
	// ErrNoCheckpoint is returned when no checkpoint exists for the requested step.
	ErrNoCheckpoint = errors.New("checkpoint: no checkpoint")
	// ErrMismatch is returned when a checkpoint does not fit the restore target.
	ErrMismatch = errors.New("checkpoint: shape mismatch")
	// ErrUnknownCompression is returned for an unsupported codec.
	ErrUnknownCompression = errors.New("checkpoint: unknown compression")
)

const (
	// LatestName is the pointer blob naming the newest complete step.
	LatestName = "LATEST"
	// MetaVersion is the meta.json format version.
	MetaVersion = 1

	metaFile  = "meta.json"
	denseFile = "dense.bin"
	tableExt  = ".emb"

	embMagic   = "KGEEMB01"
	denseMagic = "KGEDNS01"
)

// Table is an embedding table to snapshot.
type Table interface {
	Dim() int
	Len() int
	Lookup(id model.RowID, dst []float32) error
}

// State is everything Save persists for one step.
type State struct {
	Step       int
	Model      string
	Dim        int
	Gamma      float32
	Tables     map[string]Table
	Dense      []*optim.Param
	Attributes map[string]string
}

// Options configures Save.
type Options struct {
	Compression Compression
	// Concurrency bounds the number of table files written at once (default 2).
	Concurrency int
}

// TableMeta describes one saved embedding table.
type TableMeta struct {
	Name   string `json:"name"`
	Rows   int    `json:"rows"`
	Dim    int    `json:"dim"`
	Size   int64  `json:"size"`
	CRC32C uint32 `json:"crc32c"`
}

// DenseMeta describes one saved dense parameter.
type DenseMeta struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// Meta is the content of meta.json.
type Meta struct {
	Version     int               `json:"version"`
	Step        int               `json:"step"`
	Model       string            `json:"model,omitempty"`
	Dim         int               `json:"dim"`
	Gamma       float32           `json:"gamma"`
	Compression string            `json:"compression"`
	CreatedAt   time.Time         `json:"created_at"`
	Tables      []TableMeta       `json:"tables"`
	Dense       []DenseMeta       `json:"dense,omitempty"`
	DenseSize   int64             `json:"dense_size,omitempty"`
	DenseCRC32C uint32            `json:"dense_crc32c,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// StepDir returns the directory name of a step.
func StepDir(step int) string {
	return "step_" + strconv.Itoa(step)
}

func parseStepDir(s string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "step_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Save writes st as step st.Step and advances LATEST.
func Save(ctx context.Context, store blobstore.BlobStore, st State, opts Options) (*Meta, error) {
	if st.Step < 0 {
		return nil, fmt.Errorf("checkpoint: negative step %d", st.Step)
	}
	if opts.Compression > CompressionZSTD {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, opts.Compression)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}

	dir := StepDir(st.Step)
	names := make([]string, 0, len(st.Tables))
	for name := range st.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	tables := make([]TableMeta, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, name := range names {
		g.Go(func() error {
			tm, err := writeTable(gctx, store, dir+"/"+name+tableExt, st.Tables[name], opts.Compression)
			if err != nil {
				return fmt.Errorf("checkpoint: table %s: %w", name, err)
			}
			tm.Name = name
			tables[i] = tm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	meta := &Meta{
		Version:     MetaVersion,
		Step:        st.Step,
		Model:       st.Model,
		Dim:         st.Dim,
		Gamma:       st.Gamma,
		Compression: opts.Compression.String(),
		CreatedAt:   time.Now().UTC(),
		Tables:      tables,
		Attributes:  st.Attributes,
	}

	if len(st.Dense) > 0 {
		size, sum, err := writeDense(ctx, store, dir+"/"+denseFile, st.Dense, opts.Compression)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: dense: %w", err)
		}
		meta.DenseSize = size
		meta.DenseCRC32C = sum
		for _, p := range st.Dense {
			meta.Dense = append(meta.Dense, DenseMeta{Name: p.Name, Shape: append([]int(nil), p.Shape...)})
		}
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode meta: %w", err)
	}
	if err := store.Put(ctx, dir+"/"+metaFile, data); err != nil {
		return nil, fmt.Errorf("checkpoint: write meta: %w", err)
	}
	if err := store.Put(ctx, LatestName, []byte(dir)); err != nil {
		return nil, fmt.Errorf("checkpoint: advance %s: %w", LatestName, err)
	}
	return meta, nil
}

type aborter interface {
	Abort() error
}

// create opens name for writing and returns a cleanup that discards a
// partial blob.
func create(ctx context.Context, store blobstore.BlobStore, name string) (blobstore.WritableBlob, func(), error) {
	w, err := store.Create(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	discard := func() {
		if a, ok := w.(aborter); ok {
			_ = a.Abort()
			return
		}
		_ = w.Close()
		_ = store.Delete(context.WithoutCancel(ctx), name)
	}
	return w, discard, nil
}

func writeTable(ctx context.Context, store blobstore.BlobStore, name string, t Table, c Compression) (TableMeta, error) {
	w, discard, err := create(ctx, store, name)
	if err != nil {
		return TableMeta{}, err
	}

	rows, dim := t.Len(), t.Dim()
	bw, err := newBlockWriter(w, embMagic, c)
	if err == nil {
		err = encodeRows(ctx, bw, t, rows, dim)
	}
	if err == nil {
		err = bw.Close()
	}
	if err == nil {
		err = w.Sync()
	}
	if err != nil {
		discard()
		return TableMeta{}, err
	}
	if err := w.Close(); err != nil {
		return TableMeta{}, err
	}
	return TableMeta{Rows: rows, Dim: dim, Size: bw.Size(), CRC32C: bw.Sum()}, nil
}

func encodeRows(ctx context.Context, bw *blockWriter, t Table, rows, dim int) error {
	var hdr [12]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(rows))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(dim))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}

	row := make([]float32, dim)
	buf := make([]byte, 4*dim)
	for id := 0; id < rows; id++ {
		if id%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := t.Lookup(model.RowID(id), row); err != nil {
			return fmt.Errorf("row %d: %w", id, err)
		}
		backing.PutRow(buf, row)
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func writeDense(ctx context.Context, store blobstore.BlobStore, name string, params []*optim.Param, c Compression) (int64, uint32, error) {
	w, discard, err := create(ctx, store, name)
	if err != nil {
		return 0, 0, err
	}

	bw, err := newBlockWriter(w, denseMagic, c)
	if err == nil {
		err = encodeDense(bw, params)
	}
	if err == nil {
		err = bw.Close()
	}
	if err == nil {
		err = w.Sync()
	}
	if err != nil {
		discard()
		return 0, 0, err
	}
	if err := w.Close(); err != nil {
		return 0, 0, err
	}
	return bw.Size(), bw.Sum(), nil
}

// Dense payload: [count u32] then per param
// [nameLen u16][name][ndims u8][dims u32...][data f32...].
func encodeDense(w io.Writer, params []*optim.Param) error {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, uint32(len(params)))
	for _, p := range params {
		if len(p.Name) > 0xFFFF || len(p.Shape) > 0xFF {
			return fmt.Errorf("param %q: name or rank too large", p.Name)
		}
		b = binary.LittleEndian.AppendUint16(b, uint16(len(p.Name)))
		b = append(b, p.Name...)
		b = append(b, byte(len(p.Shape)))
		for _, d := range p.Shape {
			b = binary.LittleEndian.AppendUint32(b, uint32(d))
		}
		off := len(b)
		b = append(b, make([]byte, 4*len(p.Data))...)
		backing.PutRow(b[off:], p.Data)
	}
	_, err := w.Write(b)
	return err
}

// RowWriter receives restored rows. backing.Store implements it.
type RowWriter interface {
	Dim() int
	Len() int
	Write(id model.RowID, src []float32) error
}

// Target is what Load restores into. Tables and params absent from the
// target are skipped.
type Target struct {
	Tables map[string]RowWriter
	Dense  []*optim.Param
}

// Latest returns the step LATEST points to.
func Latest(ctx context.Context, store blobstore.BlobStore) (int, error) {
	data, err := blobstore.Get(ctx, store, LatestName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return 0, ErrNoCheckpoint
		}
		return 0, err
	}
	step, ok := parseStepDir(string(data))
	if !ok {
		return 0, fmt.Errorf("%w: %s holds %q", ErrCorrupt, LatestName, data)
	}
	return step, nil
}

// ReadMeta reads meta.json of step (0 resolves LATEST).
func ReadMeta(ctx context.Context, store blobstore.BlobStore, step int) (*Meta, error) {
	if step == 0 {
		var err error
		if step, err = Latest(ctx, store); err != nil {
			return nil, err
		}
	}
	data, err := blobstore.Get(ctx, store, StepDir(step)+"/"+metaFile)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: step %d", ErrNoCheckpoint, step)
		}
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: meta.json: %v", ErrCorrupt, err)
	}
	if meta.Version != MetaVersion {
		return nil, fmt.Errorf("%w: meta version %d", ErrCorrupt, meta.Version)
	}
	if meta.Step != step {
		return nil, fmt.Errorf("%w: meta of step %d found in %s", ErrCorrupt, meta.Step, StepDir(step))
	}
	return &meta, nil
}

// Load restores step (0 resolves LATEST) into tgt.
func Load(ctx context.Context, store blobstore.BlobStore, step int, tgt Target) (*Meta, error) {
	meta, err := ReadMeta(ctx, store, step)
	if err != nil {
		return nil, err
	}
	dir := StepDir(meta.Step)

	for _, tm := range meta.Tables {
		dst, ok := tgt.Tables[tm.Name]
		if !ok {
			continue
		}
		if dst.Dim() != tm.Dim || dst.Len() != tm.Rows {
			return nil, fmt.Errorf("%w: table %s is %dx%d, target is %dx%d",
				ErrMismatch, tm.Name, tm.Rows, tm.Dim, dst.Len(), dst.Dim())
		}
		if err := readTable(ctx, store, dir+"/"+tm.Name+tableExt, tm, dst); err != nil {
			return nil, fmt.Errorf("checkpoint: table %s: %w", tm.Name, err)
		}
	}

	if len(meta.Dense) > 0 && len(tgt.Dense) > 0 {
		if err := readDense(ctx, store, dir+"/"+denseFile, tgt.Dense); err != nil {
			return nil, fmt.Errorf("checkpoint: dense: %w", err)
		}
	}
	return meta, nil
}

func readTable(ctx context.Context, store blobstore.BlobStore, name string, tm TableMeta, dst RowWriter) error {
	blob, err := store.Open(ctx, name)
	if err != nil {
		return err
	}
	defer blob.Close()
	if blob.Size() != tm.Size {
		return fmt.Errorf("%w: size %d, want %d", ErrCorrupt, blob.Size(), tm.Size)
	}

	br, err := newBlockReader(blobstore.NewReader(ctx, blob), embMagic)
	if err != nil {
		return err
	}
	var hdr [12]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	rows := int(binary.LittleEndian.Uint64(hdr[0:8]))
	dim := int(binary.LittleEndian.Uint32(hdr[8:12]))
	if rows != tm.Rows || dim != tm.Dim {
		return fmt.Errorf("%w: file is %dx%d, meta says %dx%d", ErrCorrupt, rows, dim, tm.Rows, tm.Dim)
	}

	row := make([]float32, dim)
	buf := make([]byte, 4*dim)
	for id := 0; id < rows; id++ {
		if _, err := io.ReadFull(br, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: short table at row %d", ErrCorrupt, id)
			}
			return err
		}
		backing.GetRow(row, buf)
		if err := dst.Write(model.RowID(id), row); err != nil {
			return fmt.Errorf("row %d: %w", id, err)
		}
	}
	return br.finish()
}

func readDense(ctx context.Context, store blobstore.BlobStore, name string, params []*optim.Param) error {
	blob, err := store.Open(ctx, name)
	if err != nil {
		return err
	}
	defer blob.Close()

	br, err := newBlockReader(blobstore.NewReader(ctx, blob), denseMagic)
	if err != nil {
		return err
	}
	payload, err := io.ReadAll(br)
	if err != nil {
		return err
	}

	byName := make(map[string]*optim.Param, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}

	d := decoder{b: payload}
	count := int(d.u32())
	for i := 0; i < count && d.err == nil; i++ {
		pname := string(d.bytes(int(d.u16())))
		shape := make([]int, d.u8())
		n := 1
		for j := range shape {
			shape[j] = int(d.u32())
			n *= shape[j]
		}
		raw := d.bytes(4 * n)
		if d.err != nil {
			break
		}
		p, ok := byName[pname]
		if !ok {
			continue
		}
		if !equalShape(p.Shape, shape) {
			return fmt.Errorf("%w: param %s is %v, target is %v", ErrMismatch, pname, shape, p.Shape)
		}
		backing.GetRow(p.Data, raw)
	}
	if d.err != nil {
		return d.err
	}
	if len(d.b) != 0 {
		return fmt.Errorf("%w: %d trailing dense bytes", ErrCorrupt, len(d.b))
	}
	return nil
}

type decoder struct {
	b   []byte
	err error
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.b) {
		d.err = fmt.Errorf("%w: truncated dense payload", ErrCorrupt)
		return nil
	}
	out := d.b[:n]
	d.b = d.b[n:]
	return out
}

func (d *decoder) u8() uint8 {
	b := d.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Steps lists the complete steps in store, ascending.
func Steps(ctx context.Context, store blobstore.BlobStore) ([]int, error) {
	names, err := store.List(ctx, "step_")
	if err != nil {
		return nil, err
	}
	var steps []int
	for _, name := range names {
		dir, file, ok := strings.Cut(name, "/")
		if !ok || file != metaFile {
			continue
		}
		if step, ok := parseStepDir(dir); ok {
			steps = append(steps, step)
		}
	}
	sort.Ints(steps)
	return steps, nil
}

// Prune deletes all but the newest keep steps. The step LATEST points to
// is never deleted.
func Prune(ctx context.Context, store blobstore.BlobStore, keep int) ([]int, error) {
	if keep < 1 {
		keep = 1
	}
	steps, err := Steps(ctx, store)
	if err != nil {
		return nil, err
	}
	if len(steps) <= keep {
		return nil, nil
	}
	latest, err := Latest(ctx, store)
	if err != nil && !errors.Is(err, ErrNoCheckpoint) {
		return nil, err
	}

	var pruned []int
	for _, step := range steps[:len(steps)-keep] {
		if step == latest {
			continue
		}
		prefix := StepDir(step) + "/"
		names, err := store.List(ctx, prefix)
		if err != nil {
			return pruned, err
		}
		// meta.json goes first so a partial prune never looks complete.
		sort.SliceStable(names, func(i, j int) bool {
			return strings.HasSuffix(names[i], "/"+metaFile) && !strings.HasSuffix(names[j], "/"+metaFile)
		})
		for _, name := range names {
			if err := store.Delete(ctx, name); err != nil {
				return pruned, err
			}
		}
		pruned = append(pruned, step)
	}
	return pruned, nil
}
