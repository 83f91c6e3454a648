package octree

import (
	"fmt"
	"math/bits"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/ecopia-map/cloud_indexer/internal/geometry"
)

// Subset identifies the spatial partition owned by one build job. The root
// cube is halved log2(Of) times, cycling through x, y and z at each level,
// and the bits of ID-1 pick the half kept at every split.
type Subset struct {
	ID uint64 `json:"id"`
	Of uint64 `json:"of"`
}

func NewSubset(id, of uint64) (*Subset, error) {
	s := &Subset{ID: id, Of: of}
	return s, s.Validate()
}

func (s Subset) Validate() error {
	if s.Of < 2 || s.Of&(s.Of-1) != 0 {
		return errors.Errorf("subset count must be a power of 2 of at least 2, got %d", s.Of)
	}
	if s.ID < 1 || s.ID > s.Of {
		return errors.Errorf("subset id %d out of range [1, %d]", s.ID, s.Of)
	}
	return nil
}

// Splits is the number of binary splits that define the partition.
func (s Subset) Splits() uint32 {
	return uint32(bits.TrailingZeros64(s.Of))
}

// SplitDepth is the shallowest depth at which every node lies entirely
// inside a single subset.
func (s Subset) SplitDepth() uint32 {
	return (s.Splits() + 2) / 3
}

func (s Subset) MinimumNullDepth() uint32 {
	return s.SplitDepth()
}

func (s Subset) MinimumBaseDepth() uint32 {
	return s.SplitDepth() + 1
}

func (s Subset) bit(i uint32) uint8 {
	return uint8(((s.ID - 1) >> i) & 1)
}

// matches reports whether the octant dir taken at level (1 based) agrees with
// the splits constrained at that level.
func (s Subset) matches(level uint32, dir uint8) bool {
	k := s.Splits()
	for axis := uint32(0); axis < 3; axis++ {
		i := (level-1)*3 + axis
		if i >= k {
			break
		}
		if (dir>>axis)&1 != s.bit(i) {
			return false
		}
	}
	return true
}

// Contains reports whether p falls in the owned region of root.
func (s Subset) Contains(root geometry.Bounds, p r3.Vector) bool {
	if !root.Contains(p) {
		return false
	}
	b := root
	for level := uint32(1); level <= s.SplitDepth(); level++ {
		dir := b.Octant(p)
		if !s.matches(level, dir) {
			return false
		}
		b = b.Child(dir)
	}
	return true
}

// Owns reports whether the node at id overlaps the owned region. Nodes
// shallower than SplitDepth may be shared with other subsets.
func (s Subset) Owns(id Id) bool {
	max := id.Depth()
	if max > s.SplitDepth() {
		max = s.SplitDepth()
	}
	for level := uint32(1); level <= max; level++ {
		if !s.matches(level, id.Dir(level)) {
			return false
		}
	}
	return true
}

// Region returns the box of root owned by the subset.
func (s Subset) Region(root geometry.Bounds) geometry.Box {
	b := geometry.Box{Min: root.Min(), Max: root.Max()}
	for i := uint32(0); i < s.Splits(); i++ {
		lo, hi := axisOf(&b, i%3)
		mid := (*lo + *hi) / 2
		if s.bit(i) == 1 {
			*lo = mid
		} else {
			*hi = mid
		}
	}
	return b
}

func axisOf(b *geometry.Box, axis uint32) (*float64, *float64) {
	switch axis {
	case 0:
		return &b.Min.X, &b.Max.X
	case 1:
		return &b.Min.Y, &b.Max.Y
	}
	return &b.Min.Z, &b.Max.Z
}

// IsSibling reports whether o is another partition of the same split.
func (s Subset) IsSibling(o Subset) bool {
	return s.Of == o.Of && s.ID != o.ID
}

// Postfix names files written by this subset only.
func (s Subset) Postfix() string {
	return fmt.Sprintf("-%d", s.ID)
}

// Postfix returns the file postfix for an optional subset.
func Postfix(s *Subset) string {
	if s == nil {
		return ""
	}
	return s.Postfix()
}
