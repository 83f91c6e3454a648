package octree

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecopia-map/cloud_indexer/internal/geometry"
)

func TestSubsetValidate(t *testing.T) {
	_, err := NewSubset(1, 3)
	assert.Error(t, err)
	_, err = NewSubset(0, 4)
	assert.Error(t, err)
	_, err = NewSubset(5, 4)
	assert.Error(t, err)
	s, err := NewSubset(4, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), s.Splits())
	assert.Equal(t, uint32(1), s.SplitDepth())
	assert.Equal(t, "-4", s.Postfix())
}

func TestSplitDepth(t *testing.T) {
	for of, want := range map[uint64]uint32{2: 1, 8: 1, 16: 2, 64: 2, 512: 3} {
		assert.Equal(t, want, Subset{ID: 1, Of: of}.SplitDepth(), "of %d", of)
	}
}

func TestSubsetsPartitionTheCube(t *testing.T) {
	root := geometry.Bounds{Mid: r3.Vector{}, Radius: 1}
	pts := []r3.Vector{
		{X: -0.5, Y: -0.5, Z: -0.5},
		{X: 0.5, Y: -0.5, Z: 0.1},
		{X: 0, Y: 0, Z: 0},
		{X: 0.9, Y: 0.9, Z: 0.9},
		{X: -0.2, Y: 0.7, Z: -0.9},
		{X: 0.3, Y: 0.6, Z: -0.5},
	}
	for _, of := range []uint64{2, 4, 8, 16, 32} {
		for _, p := range pts {
			owners := 0
			for id := uint64(1); id <= of; id++ {
				if (Subset{ID: id, Of: of}).Contains(root, p) {
					owners++
				}
			}
			assert.Equal(t, 1, owners, "of %d point %v", of, p)
		}
	}
}

func TestSubsetHalvesOnX(t *testing.T) {
	root := geometry.Bounds{Mid: r3.Vector{}, Radius: 1}
	low := Subset{ID: 1, Of: 2}
	high := Subset{ID: 2, Of: 2}
	assert.True(t, low.Contains(root, r3.Vector{X: -0.5, Y: 0.9}))
	assert.True(t, low.Contains(root, r3.Vector{X: 0}))
	assert.True(t, high.Contains(root, r3.Vector{X: 0.5, Y: -0.9}))
	assert.False(t, high.Contains(root, r3.Vector{X: 2}))
}

func TestOwnsAgreesWithContains(t *testing.T) {
	root := geometry.Bounds{Mid: r3.Vector{}, Radius: 1}
	p := r3.Vector{X: 0.4, Y: -0.3, Z: 0.8}
	for _, of := range []uint64{2, 8, 64} {
		for id := uint64(1); id <= of; id++ {
			s := Subset{ID: id, Of: of}
			node := Climb(root, p, s.SplitDepth()+2)
			assert.Equal(t, s.Contains(root, p), s.Owns(node), "of %d id %d", of, id)
		}
	}
	assert.True(t, Subset{ID: 3, Of: 64}.Owns(Root()))
	assert.True(t, Subset{ID: 1, Of: 2}.IsSibling(Subset{ID: 2, Of: 2}))
	assert.False(t, Subset{ID: 1, Of: 2}.IsSibling(Subset{ID: 1, Of: 2}))
	assert.Equal(t, "", Postfix(nil))
}

func TestSubsetRegion(t *testing.T) {
	root := geometry.Bounds{Mid: r3.Vector{}, Radius: 1}
	r := Subset{ID: 1, Of: 2}.Region(root)
	assert.Equal(t, r3.Vector{X: -1, Y: -1, Z: -1}, r.Min)
	assert.Equal(t, r3.Vector{X: 0, Y: 1, Z: 1}, r.Max)

	r = Subset{ID: 4, Of: 4}.Region(root)
	assert.Equal(t, r3.Vector{X: 0, Y: 0, Z: -1}, r.Min)
	assert.Equal(t, r3.Vector{X: 1, Y: 1, Z: 1}, r.Max)

	for id := uint64(1); id <= 16; id++ {
		s := Subset{ID: id, Of: 16}
		region := s.Region(root)
		p := region.Min.Add(region.Max).Mul(0.5)
		assert.True(t, s.Contains(root, p), "subset %d", id)
	}
}
