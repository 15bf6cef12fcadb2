package backing

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kgeflow/model"
)

func testStore(t *testing.T, s Store) {
	t.Helper()

	require.Equal(t, 4, s.Dim())
	require.Equal(t, 8, s.Len())

	row := []float32{1, 2, 3, 4}
	require.NoError(t, s.Write(3, row))

	got := make([]float32, 4)
	require.NoError(t, s.Read(3, got))
	assert.Equal(t, row, got)

	assert.ErrorIs(t, s.Read(8, got), ErrOutOfRange)
	assert.ErrorIs(t, s.Write(0, []float32{1}), ErrDimensionMismatch)

	// Disjoint concurrent writers need no outer lock.
	var wg sync.WaitGroup
	for id := 0; id < s.Len(); id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			v := []float32{float32(id), float32(id), float32(id), float32(id)}
			assert.NoError(t, s.Write(model.RowID(id), v))
		}(id)
	}
	wg.Wait()

	for id := 0; id < s.Len(); id++ {
		require.NoError(t, s.Read(model.RowID(id), got))
		assert.Equal(t, float32(id), got[2])
	}
	require.NoError(t, s.Sync())
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore(8, 4)
	testStore(t, s)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Read(0, make([]float32, 4)), ErrClosed)
}

func TestMmapStore(t *testing.T) {
	s, err := OpenMmap(filepath.Join(t.TempDir(), "entity.emb"), 8, 4)
	require.NoError(t, err)
	assert.True(t, s.Fresh())
	testStore(t, s)
	require.NoError(t, s.Close())
}

func TestMmapStore_SharedPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.emb")

	a, err := OpenMmap(path, 8, 4)
	require.NoError(t, err)
	defer a.Close()

	b, err := OpenMmap(path, 8, 4)
	require.NoError(t, err)
	defer b.Close()
	assert.False(t, b.Fresh())

	require.NoError(t, a.Write(5, []float32{9, 8, 7, 6}))
	got := make([]float32, 4)
	require.NoError(t, b.Read(5, got))
	assert.Equal(t, []float32{9, 8, 7, 6}, got)
}

func TestMmapStore_HeaderMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.emb")
	s, err := OpenMmap(path, 8, 4)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = OpenMmap(path, 8, 2)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestInitialize(t *testing.T) {
	a := NewMemoryStore(16, 8)
	b := NewMemoryStore(16, 8)
	scale := InitScale(12, 8)

	require.NoError(t, Initialize(a, 3, scale))
	require.NoError(t, Initialize(b, 3, scale))

	ra, rb := make([]float32, 8), make([]float32, 8)
	for id := 0; id < 16; id++ {
		require.NoError(t, a.Read(model.RowID(id), ra))
		require.NoError(t, b.Read(model.RowID(id), rb))
		assert.Equal(t, ra, rb)
		for _, v := range ra {
			assert.LessOrEqual(t, v, scale)
			assert.GreaterOrEqual(t, v, -scale)
		}
	}
	assert.InDelta(t, 14.0/8.0, scale, 1e-6)
}

func TestPutGetRow(t *testing.T) {
	b := make([]byte, 12)
	PutRow(b, []float32{1.5, -2, 0})
	got := make([]float32, 3)
	GetRow(got, b)
	assert.Equal(t, []float32{1.5, -2, 0}, got)
}
