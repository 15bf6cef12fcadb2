package embedding

import "github.com/hupe1980/kgeflow/model"

// Handles pins a set of resident rows. Row and Grad return live views into
// the window; they stay valid until Release.
type Handles struct {
	store    *Store
	ids      []model.RowID
	slots    []int32
	index    map[model.RowID]int
	released bool
}

// Len returns the number of distinct rows.
func (h *Handles) Len() int { return len(h.ids) }

// IDs returns the row ids in first-seen order.
func (h *Handles) IDs() []model.RowID { return h.ids }

// Row returns the value of the i-th row.
func (h *Handles) Row(i int) []float32 { return h.store.row(h.slots[i]) }

// Grad returns the gradient buffer of the i-th row.
func (h *Handles) Grad(i int) []float32 { return h.store.grad(h.slots[i]) }

// Index returns the position of id in IDs.
func (h *Handles) Index(id model.RowID) (int, bool) {
	i, ok := h.index[id]
	return i, ok
}

// Release unpins the rows. It is safe to call more than once.
func (h *Handles) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true

	s := h.store
	s.mu.Lock()
	for _, sl := range h.slots {
		if s.slots[sl].pins > 0 {
			s.slots[sl].pins--
		}
	}
	s.mu.Unlock()
}
