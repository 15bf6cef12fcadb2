package model

// Trace is a sparse update for one embedding table: the new value of every
// row a training step touched.
//
// A Trace is immutable after it is handed to the update worker.
type Trace struct {
	// Seq orders traces produced by one store. Assigned by the store.
	Seq   uint64
	Table Table
	Dim   int
	Rows  []RowID
	// Vectors holds len(Rows)*Dim values, row-major.
	Vectors []float32
	// Evicted marks traces written back on eviction rather than by a step.
	Evicted bool
}

// NewTrace allocates a Trace with room for n rows.
func NewTrace(table Table, dim, n int) *Trace {
	return &Trace{
		Table:   table,
		Dim:     dim,
		Rows:    make([]RowID, 0, n),
		Vectors: make([]float32, 0, n*dim),
	}
}

// Append copies value as the new value of row.
func (t *Trace) Append(row RowID, value []float32) {
	t.Rows = append(t.Rows, row)
	t.Vectors = append(t.Vectors, value[:t.Dim]...)
}

// Len returns the number of rows.
func (t *Trace) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Vector returns the value of the i-th row.
func (t *Trace) Vector(i int) []float32 {
	return t.Vectors[i*t.Dim : (i+1)*t.Dim : (i+1)*t.Dim]
}

// SizeBytes returns the payload size used for IO accounting.
func (t *Trace) SizeBytes() int {
	return len(t.Rows)*4 + len(t.Vectors)*4
}
