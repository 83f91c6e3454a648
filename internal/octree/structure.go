package octree

import (
	"math"

	"github.com/pkg/errors"

	"github.com/ecopia-map/cloud_indexer/internal/geometry"
)

const (
	DefaultMaxDepth = 64
)

// Structure is the shape policy of the tree.
//
// Depths below NullDepth are never materialized: points pass through them
// and only the hierarchy counts them. Depths in [NullDepth, BaseDepth) are
// held by the always resident base. Every node at or below BaseDepth is a
// chunk of its own. Nodes at depths in [BaseDepth, SparseDepth) are dense
// grids; deeper nodes keep a plain list until it overflows PointsPerChunk.
type Structure struct {
	NullDepth      uint32 `json:"nullDepth"`
	BaseDepth      uint32 `json:"baseDepth"`
	BumpDepth      uint32 `json:"bumpDepth,omitempty"`
	SparseDepth    uint32 `json:"sparseDepth"`
	MaxDepth       uint32 `json:"maxDepth"`
	PointsPerChunk uint64 `json:"pointsPerChunk"`
	NumPointsHint  uint64 `json:"numPointsHint,omitempty"`
}

func NewStructure(nullDepth, baseDepth uint32, pointsPerChunk, numPointsHint uint64) (Structure, error) {
	s := Structure{
		NullDepth:      nullDepth,
		BaseDepth:      baseDepth,
		MaxDepth:       DefaultMaxDepth,
		PointsPerChunk: pointsPerChunk,
		NumPointsHint:  numPointsHint,
	}
	s.applyPointsHint()
	return s, s.Validate()
}

func (s Structure) Validate() error {
	if s.PointsPerChunk == 0 {
		return errors.New("pointsPerChunk must be positive")
	}
	if s.NullDepth > s.BaseDepth {
		return errors.Errorf("nullDepth %d exceeds baseDepth %d", s.NullDepth, s.BaseDepth)
	}
	if s.BaseDepth > s.SparseDepth {
		return errors.Errorf("baseDepth %d exceeds sparseDepth %d", s.BaseDepth, s.SparseDepth)
	}
	if s.SparseDepth > s.MaxDepth {
		return errors.Errorf("sparseDepth %d exceeds maxDepth %d", s.SparseDepth, s.MaxDepth)
	}
	if s.BumpDepth != 0 && s.BumpDepth > s.BaseDepth {
		return errors.Errorf("bumpDepth %d exceeds baseDepth %d", s.BumpDepth, s.BaseDepth)
	}
	return nil
}

// CapacityBase is the depth from which nodes hold a full grid of cells. A
// bumped base keeps the grid layout of the depth it was bumped from so that
// unbumping changes nothing but where the nodes are stored.
func (s Structure) CapacityBase() uint32 {
	if s.BumpDepth != 0 {
		return s.BumpDepth
	}
	return s.BaseDepth
}

// GridSize is the number of cells per side of a chunk grid.
func (s Structure) GridSize() uint64 {
	g := uint64(math.Cbrt(float64(s.PointsPerChunk)))
	for (g+1)*(g+1)*(g+1) <= s.PointsPerChunk {
		g++
	}
	for g > 1 && g*g*g > s.PointsPerChunk {
		g--
	}
	if g == 0 {
		g = 1
	}
	return g
}

// CellsPerSide returns the grid size of a node at depth.
func (s Structure) CellsPerSide(depth uint32) uint64 {
	if depth < s.CapacityBase() {
		return 1
	}
	return s.GridSize()
}

func (s Structure) IsNull(depth uint32) bool {
	return depth < s.NullDepth
}

func (s Structure) InBase(depth uint32) bool {
	return depth >= s.NullDepth && depth < s.BaseDepth
}

func (s Structure) IsSparse(depth uint32) bool {
	return depth >= s.SparseDepth
}

func (s Structure) IsTerminal(depth uint32) bool {
	return depth >= s.MaxDepth
}

// applyPointsHint places the sparse depth at the first depth whose dense
// capacity covers the expected number of points.
func (s *Structure) applyPointsHint() {
	if s.MaxDepth == 0 {
		s.MaxDepth = DefaultMaxDepth
	}
	if s.NumPointsHint == 0 {
		if s.SparseDepth < s.BaseDepth {
			s.SparseDepth = s.MaxDepth
		}
		return
	}
	g3 := float64(s.GridSize() * s.GridSize() * s.GridSize())
	d := s.BaseDepth
	for d < s.MaxDepth && math.Pow(8, float64(d))*g3 < float64(s.NumPointsHint) {
		d++
	}
	s.SparseDepth = d
}

// ApplyDensity pulls the sparse depth up to the first depth whose cell width
// is no wider than the expected point spacing for the given density (points
// per square unit). It reports whether the structure changed.
func (s *Structure) ApplyDensity(density float64, cube geometry.Bounds) bool {
	if density <= 0 {
		return false
	}
	spacing := 1 / math.Sqrt(density)
	g := float64(s.GridSize())
	d := s.BaseDepth
	for d < s.MaxDepth && cube.Width()/(math.Pow(2, float64(d))*g) > spacing {
		d++
	}
	if d >= s.SparseDepth {
		return false
	}
	s.SparseDepth = d
	return true
}

// Bump raises the base depth to depth, remembering the original base so
// that the grid layout stays the same.
func (s *Structure) Bump(depth uint32) {
	if depth <= s.BaseDepth {
		return
	}
	if s.BumpDepth == 0 {
		s.BumpDepth = s.BaseDepth
	}
	s.BaseDepth = depth
	if s.SparseDepth < s.BaseDepth {
		s.SparseDepth = s.BaseDepth
	}
}

// Unbumped returns the structure with its base depth reverted.
func (s Structure) Unbumped() Structure {
	if s.BumpDepth == 0 {
		return s
	}
	base := s.BumpDepth
	if base < s.NullDepth {
		base = s.NullDepth
	}
	s.BaseDepth = base
	s.BumpDepth = 0
	return s
}
