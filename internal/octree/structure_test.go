package octree

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecopia-map/cloud_indexer/internal/geometry"
)

func TestGridSize(t *testing.T) {
	for ppc, want := range map[uint64]uint64{1: 1, 7: 1, 8: 2, 100: 4, 262144: 64, 1024: 10} {
		s := Structure{PointsPerChunk: ppc}
		assert.Equal(t, want, s.GridSize(), "ppc %d", ppc)
	}
}

func TestNewStructureValidates(t *testing.T) {
	s, err := NewStructure(2, 4, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(DefaultMaxDepth), s.SparseDepth)
	assert.Equal(t, uint64(1), s.CellsPerSide(3))
	assert.Equal(t, uint64(4), s.CellsPerSide(4))
	assert.True(t, s.IsNull(1))
	assert.True(t, s.InBase(2))
	assert.False(t, s.InBase(4))

	_, err = NewStructure(5, 4, 100, 0)
	assert.Error(t, err)
	_, err = NewStructure(1, 4, 0, 0)
	assert.Error(t, err)
}

func TestPointsHintSetsSparseDepth(t *testing.T) {
	s, err := NewStructure(2, 4, 64, 8*8*8*8*64*8)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), s.SparseDepth)
}

func TestApplyDensity(t *testing.T) {
	s, err := NewStructure(2, 4, 64, 0)
	require.NoError(t, err)
	cube := geometry.Bounds{Mid: r3.Vector{X: 512, Y: 512, Z: 512}, Radius: 512}
	assert.True(t, s.ApplyDensity(1, cube))
	// 1024 / (2^d * 4) <= 1 at d = 8
	assert.Equal(t, uint32(8), s.SparseDepth)
	assert.False(t, s.ApplyDensity(1, cube))
	assert.False(t, s.ApplyDensity(0, cube))
}

func TestBumpAndUnbump(t *testing.T) {
	s, err := NewStructure(1, 1, 64, 0)
	require.NoError(t, err)
	s.Bump(3)
	assert.Equal(t, uint32(3), s.BaseDepth)
	assert.Equal(t, uint32(1), s.BumpDepth)
	assert.Equal(t, uint64(4), s.CellsPerSide(2))
	require.NoError(t, s.Validate())

	u := s.Unbumped()
	assert.Equal(t, uint32(1), u.BaseDepth)
	assert.Equal(t, uint32(0), u.BumpDepth)
	assert.Equal(t, s.CellsPerSide(2), u.CellsPerSide(2))
}
