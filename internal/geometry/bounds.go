package geometry

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// Bounds is an axis aligned cube described by its midpoint and half width.
// Every octree node cube is derived from the root cube by repeated calls to Child.
type Bounds struct {
	Mid    r3.Vector
	Radius float64
}

// NewBounds returns the smallest cube centered on the midpoint of [min, max]
// that contains the box. A tiny epsilon keeps points on the far faces inside.
func NewBounds(min, max r3.Vector) Bounds {
	mid := min.Add(max).Mul(0.5)
	radius := math.Max(max.X-min.X, math.Max(max.Y-min.Y, max.Z-min.Z)) / 2
	radius += math.Max(radius*1e-9, 1e-9)
	return Bounds{Mid: mid, Radius: radius}
}

func (b Bounds) Min() r3.Vector {
	return r3.Vector{X: b.Mid.X - b.Radius, Y: b.Mid.Y - b.Radius, Z: b.Mid.Z - b.Radius}
}

func (b Bounds) Max() r3.Vector {
	return r3.Vector{X: b.Mid.X + b.Radius, Y: b.Mid.Y + b.Radius, Z: b.Mid.Z + b.Radius}
}

func (b Bounds) Width() float64 {
	return b.Radius * 2
}

// Returns the index of the octant that contains the given point within this cube.
// Points lying exactly on a splitting plane resolve to the lower side.
func (b Bounds) Octant(p r3.Vector) uint8 {
	var result uint8 = 0
	if p.X > b.Mid.X {
		result += 1
	}
	if p.Y > b.Mid.Y {
		result += 2
	}
	if p.Z > b.Mid.Z {
		result += 4
	}
	return result
}

// Child returns the cube of the octant dir.
func (b Bounds) Child(dir uint8) Bounds {
	half := b.Radius / 2
	mid := b.Mid
	if dir&1 != 0 {
		mid.X += half
	} else {
		mid.X -= half
	}
	if dir&2 != 0 {
		mid.Y += half
	} else {
		mid.Y -= half
	}
	if dir&4 != 0 {
		mid.Z += half
	} else {
		mid.Z -= half
	}
	return Bounds{Mid: mid, Radius: half}
}

// Contains reports whether p lies in the closed cube.
func (b Bounds) Contains(p r3.Vector) bool {
	min, max := b.Min(), b.Max()
	return p.X >= min.X && p.X <= max.X &&
		p.Y >= min.Y && p.Y <= max.Y &&
		p.Z >= min.Z && p.Z <= max.Z
}

func (b Bounds) Equal(o Bounds) bool {
	return b.Mid == o.Mid && b.Radius == o.Radius
}

// Array returns [minx, miny, minz, maxx, maxy, maxz].
func (b Bounds) Array() [6]float64 {
	return b.Box().Array()
}

func (b Bounds) Box() Box {
	return Box{Min: b.Min(), Max: b.Max()}
}

func (b Bounds) String() string {
	return fmt.Sprintf("cube(mid=%v, r=%g)", b.Mid, b.Radius)
}
