package geometry

import (
	"encoding/json"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Box is an arbitrary axis aligned box, used for the conforming bounds of the
// input data before it is cubeified.
type Box struct {
	Min r3.Vector
	Max r3.Vector
}

// EmptyBox returns an inverted box that any Grow call will replace.
func EmptyBox() Box {
	inf := math.Inf(1)
	return Box{
		Min: r3.Vector{X: inf, Y: inf, Z: inf},
		Max: r3.Vector{X: -inf, Y: -inf, Z: -inf},
	}
}

func BoxFromArray(a []float64) (Box, error) {
	if len(a) != 6 {
		return Box{}, errors.Errorf("bounds must have 6 values, got %d", len(a))
	}
	b := Box{
		Min: r3.Vector{X: a[0], Y: a[1], Z: a[2]},
		Max: r3.Vector{X: a[3], Y: a[4], Z: a[5]},
	}
	if b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z {
		return Box{}, errors.Errorf("invalid bounds %v", a)
	}
	return b, nil
}

func (b Box) Array() [6]float64 {
	return [6]float64{b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z}
}

func (b Box) IsEmpty() bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

func (b *Box) Grow(p r3.Vector) {
	b.Min = r3.Vector{X: math.Min(b.Min.X, p.X), Y: math.Min(b.Min.Y, p.Y), Z: math.Min(b.Min.Z, p.Z)}
	b.Max = r3.Vector{X: math.Max(b.Max.X, p.X), Y: math.Max(b.Max.Y, p.Y), Z: math.Max(b.Max.Z, p.Z)}
}

func (b *Box) GrowBox(o Box) {
	if o.IsEmpty() {
		return
	}
	b.Grow(o.Min)
	b.Grow(o.Max)
}

func (b Box) Contains(p r3.Vector) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

func (b Box) Area() float64 {
	return (b.Max.X - b.Min.X) * (b.Max.Y - b.Min.Y)
}

// Cube returns the cube used as the octree root for this box.
func (b Box) Cube() Bounds {
	return NewBounds(b.Min, b.Max)
}

// Overlaps reports whether the boxes share at least one point.
func (b Box) Overlaps(o Box) bool {
	return b.Min.X <= o.Max.X && b.Max.X >= o.Min.X &&
		b.Min.Y <= o.Max.Y && b.Max.Y >= o.Min.Y &&
		b.Min.Z <= o.Max.Z && b.Max.Z >= o.Min.Z
}

// MarshalJSON writes the box as [minx, miny, minz, maxx, maxy, maxz].
func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Array())
}

func (b *Box) UnmarshalJSON(raw []byte) error {
	var a []float64
	if err := json.Unmarshal(raw, &a); err != nil {
		return err
	}
	out, err := BoxFromArray(a)
	if err != nil {
		return err
	}
	*b = out
	return nil
}
