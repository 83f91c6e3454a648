package builder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecopia-map/cloud_indexer/internal/storage"
)

func TestManifestAppendAssignsOrigins(t *testing.T) {
	m := NewManifest(files("a", "b"))
	first := m.Append(files("c"))
	assert.Equal(t, uint64(2), first)
	for i, f := range m.Files() {
		assert.Equal(t, uint64(i), f.Origin)
		assert.Equal(t, Outstanding, f.Status)
	}
	assert.Equal(t, []string{"d"}, m.Diff([]string{"a", "d", "c", "d"}))
}

func TestManifestSaveLoad(t *testing.T) {
	ctx := context.Background()
	ep := storage.NewMemory()
	m := NewManifest(files("a", "b"))
	m.Set(0, Inserted, "")
	m.AddPoints(0, PointStats{Inserts: 10, OutOfBounds: 2})
	m.Set(1, Errored, "boom")
	require.NoError(t, m.Save(ctx, ep, "-2", 1))

	back, err := LoadManifest(ctx, ep, "-2")
	require.NoError(t, err)
	assert.Equal(t, m.Files(), back.Files())
	assert.Empty(t, back.Outstanding())

	_, err = LoadManifest(ctx, ep, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManifestMerge(t *testing.T) {
	a := NewManifest(files("x", "y", "z"))
	b := NewManifest(files("x", "y", "z"))
	a.Set(0, Inserted, "")
	a.AddPoints(0, PointStats{Inserts: 4, OutOfBounds: 1, Rejected: 1})
	b.Set(0, Inserted, "")
	b.AddPoints(0, PointStats{Inserts: 6, OutOfBounds: 1, Rejected: 1})
	b.Set(1, Errored, "bad")
	b.Set(2, Omitted, "")

	require.NoError(t, a.Merge(b))
	got := a.Files()
	assert.Equal(t, PointStats{Inserts: 10, OutOfBounds: 1, Rejected: 1}, got[0].Points)
	assert.Equal(t, Errored, got[1].Status)
	assert.Equal(t, "bad", got[1].Message)
	assert.Equal(t, Omitted, got[2].Status)

	assert.Error(t, a.Merge(NewManifest(files("x"))))
	assert.Error(t, a.Merge(NewManifest(files("x", "q", "z"))))
}

func TestSequenceHandsOutOnce(t *testing.T) {
	m := NewManifest(files("a", "b", "c", "d"))
	m.Set(1, Inserted, "")
	s := NewSequence(m, func(f FileInfo) bool { return f.Path != "c" })

	origin, ok := s.Next(0)
	require.True(t, ok)
	assert.Equal(t, uint64(0), origin)
	origin, ok = s.Next(0)
	require.True(t, ok)
	assert.Equal(t, uint64(3), origin)
	_, ok = s.Next(0)
	assert.False(t, ok)
	assert.Equal(t, Omitted, m.Get(2).Status)

	first := m.Append(files("e", "f"))
	s.Append(first, first+1)
	origin, ok = s.Next(3)
	require.True(t, ok)
	assert.Equal(t, uint64(4), origin)
	_, ok = s.Next(3)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Remaining())
}
