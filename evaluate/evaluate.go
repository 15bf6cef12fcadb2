// Package evaluate computes link-prediction ranking metrics.
//
// For every test triple and corrupted side, each entity is scored as a
// candidate replacement and the true entity is ranked against the
// candidates that are not known facts. Ties rank optimistically.
//
// Relation rows are copied into memory once per Run. Entity rows are read
// through the Table in blocks of Options.BlockSize per chunk, so memory
// stays bounded for entity tables larger than RAM.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/RoaringBitmap/roaring/v2"
	gojson "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/kgeflow/dataloader"
	"github.com/hupe1980/kgeflow/internal/fs"
	"github.com/hupe1980/kgeflow/model"
	"github.com/hupe1980/kgeflow/score"
)

// ErrNoTriples is returned when there is nothing to evaluate.
var ErrNoTriples = errors.New("no triples to evaluate")

// Table reads embedding rows.
type Table interface {
	Dim() int
	Len() int
	Lookup(id model.RowID, dst []float32) error
}

// Source is the embedding snapshot under evaluation.
type Source struct {
	Entities  Table
	Relations Table
}

// Filter reports the known facts for a query. *graph.Graph implements it.
type Filter interface {
	FilterFor(mode model.CorruptionMode, anchor, relation uint32) *roaring.Bitmap
}

// Options configures Run.
type Options struct {
	// Concurrency bounds the chunks scored in parallel. Default 1.
	Concurrency int
	// ChunkSize is the number of triples per chunk. Default 64.
	ChunkSize int
	// BlockSize is the number of candidate entity rows a chunk holds in
	// memory at once. Default 1024.
	BlockSize int
	// Modes to rank. Default head and tail.
	Modes []model.CorruptionMode
	// DataMode labels the result, e.g. "valid" or "test".
	DataMode string
}

func (o *Options) defaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 64
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 1024
	}
	if len(o.Modes) == 0 {
		o.Modes = []model.CorruptionMode{model.ModeHead, model.ModeTail}
	}
}

// Metrics are ranking metrics averaged over queries.
type Metrics struct {
	MRR    float64 `json:"mrr"`
	MR     float64 `json:"mr"`
	Hits1  float64 `json:"hits@1"`
	Hits3  float64 `json:"hits@3"`
	Hits10 float64 `json:"hits@10"`
}

// Result holds the metrics of one evaluation pass.
type Result struct {
	DataMode string             `json:"data_mode,omitempty"`
	Model    string             `json:"model"`
	Triples  int                `json:"triples"`
	Filtered bool               `json:"filtered"`
	Modes    map[string]Metrics `json:"modes"`
	Average  Metrics            `json:"average"`
}

// Marshal encodes r as indented JSON.
func (r Result) Marshal() ([]byte, error) {
	data, err := gojson.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// WriteFile writes r as indented JSON, replacing path atomically.
func (r Result) WriteFile(path string) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(fs.Default, path, data, 0o644)
}

// ReadResult reads a result written by WriteFile.
func ReadResult(path string) (Result, error) {
	var r Result
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	err = gojson.Unmarshal(data, &r)
	return r, err
}

// Run ranks every triple in triples. filter may be nil for raw ranking.
func Run(ctx context.Context, src Source, m score.Model, triples []model.Triple, filter Filter, opts Options) (Result, error) {
	opts.defaults()
	if len(triples) == 0 {
		return Result{}, ErrNoTriples
	}

	rels, err := snapshot(src.Relations)
	if err != nil {
		return Result{}, fmt.Errorf("load relation rows: %w", err)
	}

	res := Result{
		DataMode: opts.DataMode,
		Model:    m.Name(),
		Triples:  len(triples),
		Filtered: filter != nil,
		Modes:    make(map[string]Metrics, len(opts.Modes)),
	}

	for _, mode := range opts.Modes {
		if !mode.Valid() {
			return Result{}, fmt.Errorf("%w: %v", model.ErrInvalidMode, mode)
		}
		ranks, err := rankAll(ctx, src.Entities, rels, m, triples, filter, mode, opts)
		if err != nil {
			return Result{}, err
		}
		res.Modes[mode.String()] = summarize(ranks)
	}

	for _, mode := range opts.Modes {
		mt := res.Modes[mode.String()]
		res.Average.MRR += mt.MRR
		res.Average.MR += mt.MR
		res.Average.Hits1 += mt.Hits1
		res.Average.Hits3 += mt.Hits3
		res.Average.Hits10 += mt.Hits10
	}
	n := float64(len(opts.Modes))
	res.Average.MRR /= n
	res.Average.MR /= n
	res.Average.Hits1 /= n
	res.Average.Hits3 /= n
	res.Average.Hits10 /= n
	return res, nil
}

type rows struct {
	dim  int
	data []float32
}

func (r *rows) at(id uint32) []float32 {
	return r.data[int(id)*r.dim : (int(id)+1)*r.dim]
}

func (r *rows) len() int { return len(r.data) / r.dim }

// snapshot copies a whole table. Only used for relations; entity rows are
// streamed in blocks.
func snapshot(t Table) (*rows, error) {
	r := &rows{dim: t.Dim(), data: make([]float32, t.Len()*t.Dim())}
	for id := 0; id < t.Len(); id++ {
		if err := t.Lookup(model.RowID(id), r.at(uint32(id))); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func rankAll(ctx context.Context, ents Table, rels *rows, m score.Model, triples []model.Triple, filter Filter, mode model.CorruptionMode, opts Options) ([]int, error) {
	loader, err := dataloader.NewEval(triples, opts.ChunkSize)
	if err != nil {
		return nil, err
	}
	ranks := make([]int, len(triples))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for start := 0; ; {
		chunk, err := loader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		out := ranks[start : start+len(chunk)]
		start += len(chunk)
		g.Go(func() error {
			return rankChunk(ctx, ents, rels, m, chunk, filter, mode, opts.BlockSize, out)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ranks, nil
}

type query struct {
	head, tail []float32
	rel        []float32
	truth      float32
	target     uint32
	known      *roaring.Bitmap
}

// rankChunk ranks a chunk of triples, reading candidate entity rows one
// block at a time. out[i] receives 1 + the number of non-fact candidates
// that outscore chunk[i].
func rankChunk(ctx context.Context, ents Table, rels *rows, m score.Model, chunk []model.Triple, filter Filter, mode model.CorruptionMode, blockSize int, out []int) error {
	dim := ents.Dim()
	numEntities := uint32(ents.Len())
	numRelations := uint32(rels.len())

	qs := make([]query, len(chunk))
	for i, t := range chunk {
		if t.Head >= numEntities || t.Tail >= numEntities || t.Relation >= numRelations {
			return fmt.Errorf("triple %v: id out of range", t)
		}
		q := &qs[i]
		q.head, q.tail = make([]float32, dim), make([]float32, dim)
		if err := ents.Lookup(model.RowID(t.Head), q.head); err != nil {
			return fmt.Errorf("load entity %d: %w", t.Head, err)
		}
		if err := ents.Lookup(model.RowID(t.Tail), q.tail); err != nil {
			return fmt.Errorf("load entity %d: %w", t.Tail, err)
		}
		q.rel = rels.at(t.Relation)
		q.truth = m.Score(q.head, q.rel, q.tail)
		q.target = t.Target(mode)
		if filter != nil {
			q.known = filter.FilterFor(mode, t.Anchor(mode), t.Relation)
		}
	}

	block := &rows{dim: dim, data: make([]float32, blockSize*dim)}
	for first := uint32(0); first < numEntities; first += uint32(blockSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(uint32(blockSize), numEntities-first)
		for j := uint32(0); j < n; j++ {
			if err := ents.Lookup(model.RowID(first+j), block.at(j)); err != nil {
				return fmt.Errorf("load entity %d: %w", first+j, err)
			}
		}
		for i := range qs {
			q := &qs[i]
			for j := uint32(0); j < n; j++ {
				e := first + j
				if e == q.target || (q.known != nil && q.known.Contains(e)) {
					continue
				}
				var s float32
				if mode == model.ModeHead {
					s = m.Score(block.at(j), q.rel, q.tail)
				} else {
					s = m.Score(q.head, q.rel, block.at(j))
				}
				if s > q.truth {
					out[i]++
				}
			}
		}
	}
	for i := range out {
		out[i]++
	}
	return nil
}

func summarize(ranks []int) Metrics {
	var mt Metrics
	for _, r := range ranks {
		mt.MRR += 1 / float64(r)
		mt.MR += float64(r)
		if r <= 1 {
			mt.Hits1++
		}
		if r <= 3 {
			mt.Hits3++
		}
		if r <= 10 {
			mt.Hits10++
		}
	}
	n := float64(len(ranks))
	mt.MRR /= n
	mt.MR /= n
	mt.Hits1 /= n
	mt.Hits3 /= n
	mt.Hits10 /= n
	return mt
}
