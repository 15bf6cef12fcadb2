package graph

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kgeflow/model"
)

func TestNew_FilterFor(t *testing.T) {
	train := []model.Triple{
		{Head: 0, Relation: 0, Tail: 1},
		{Head: 0, Relation: 0, Tail: 2},
		{Head: 3, Relation: 1, Tail: 2},
	}
	test := []model.Triple{{Head: 4, Relation: 0, Tail: 2}}

	g, err := New(5, 2, train, nil, test)
	require.NoError(t, err)

	tails := g.FilterFor(model.ModeTail, 0, 0)
	require.NotNil(t, tails)
	assert.Equal(t, []uint32{1, 2}, tails.ToArray())

	heads := g.FilterFor(model.ModeHead, 2, 0)
	require.NotNil(t, heads)
	assert.Equal(t, []uint32{0, 4}, heads.ToArray(), "test split feeds the filter")

	assert.Nil(t, g.FilterFor(model.ModeTail, 1, 1))
	assert.Nil(t, g.FilterFor(model.CorruptionMode(0), 0, 0))

	// tails(0,0)={1,2}, heads(2,0)={0,4}
	assert.Equal(t, 4, g.Degree(train[1]))
	assert.Equal(t, []float64{2, 1, 2, 1, 0}, g.EntityDegrees())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(5, 1, nil, nil, nil)
	assert.ErrorIs(t, err, ErrMissingSplit)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = New(2, 1, []model.Triple{{Head: 0, Relation: 0, Tail: 2}}, nil, nil)
	assert.ErrorIs(t, err, ErrIDOutOfRange)

	_, err = New(3, 1, []model.Triple{{Head: 0, Relation: 0, Tail: 1}}, []model.Triple{{Head: 0, Relation: 1, Tail: 1}}, nil)
	assert.ErrorIs(t, err, ErrIDOutOfRange)
	assert.Contains(t, err.Error(), "valid triple 0")
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDir_Names(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, TrainFile, "alice\tknows\tbob\nbob knows carol\n\n# comment\n")
	writeFile(t, dir, TestFile, "carol\tlikes\talice\n")

	g, err := LoadDir(dir)
	require.NoError(t, err)

	assert.Equal(t, uint32(3), g.NumEntities())
	assert.Equal(t, uint32(2), g.NumRelations())
	assert.Len(t, g.Train(), 2)
	assert.Empty(t, g.Valid())
	assert.Len(t, g.Test(), 1)
	assert.Equal(t, "alice", g.EntityName(0))
	assert.Equal(t, "likes", g.RelationName(1))
	assert.Equal(t, "", g.EntityName(42))
}

func TestLoadDir_IDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, EntitiesFile, "0\ta\n1\tb\n2\tc\n")
	writeFile(t, dir, RelationsFile, "0\tr\n")
	writeFile(t, dir, TrainFile, "0 0 1\n1 0 2\n")

	g, err := LoadDir(dir, WithFormat(FormatIDs))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), g.NumEntities())
	assert.Equal(t, "c", g.EntityName(2))

	writeFile(t, dir, ValidFile, "0 0 7\n")
	_, err = LoadDir(dir, WithFormat(FormatIDs))
	assert.ErrorIs(t, err, ErrIDOutOfRange)
}

func TestLoadDir_Errors(t *testing.T) {
	t.Run("MissingTrain", func(t *testing.T) {
		_, err := LoadDir(t.TempDir())
		assert.ErrorIs(t, err, ErrMissingSplit)
	})

	t.Run("ShortLine", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, TrainFile, "a r b\na r\n")
		_, err := LoadDir(dir)
		assert.ErrorIs(t, err, ErrMalformed)
		assert.Contains(t, err.Error(), "line 2")
	})

	t.Run("BadID", func(t *testing.T) {
		_, err := ReadTriples(strings.NewReader("1 x 2\n"), FormatIDs)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("MissingDict", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, TrainFile, "0 0 1\n")
		_, err := LoadDir(dir, WithFormat(FormatIDs))
		assert.ErrorIs(t, err, ErrMissingSplit)
	})
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("ids")
	require.NoError(t, err)
	assert.Equal(t, FormatIDs, f)
	_, err = ParseFormat("csv")
	assert.Error(t, err)
}
