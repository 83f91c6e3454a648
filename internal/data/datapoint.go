package data

import (
	"math"

	"github.com/golang/geo/r3"
)

// Contains data of a Point Cloud Point, namely X,Y,Z coords,
// R,G,B color components, Intensity and Classification
type Point struct {
	X              float64
	Y              float64
	Z              float64
	R              uint8
	G              uint8
	B              uint8
	Intensity      uint8
	Classification uint8
}

// Builds a new Point from the given coordinates, colors, intensity and classification values
func NewPoint(X, Y, Z float64, R, G, B, Intensity, Classification uint8) *Point {
	return &Point{
		X:              X,
		Y:              Y,
		Z:              Z,
		R:              R,
		G:              G,
		B:              B,
		Intensity:      Intensity,
		Classification: Classification,
	}
}

func (p *Point) Vector() r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: p.Z}
}

// IsValid reports whether every coordinate is a finite number.
func (p *Point) IsValid() bool {
	return !(math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsNaN(p.Z) ||
		math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) || math.IsInf(p.Z, 0))
}

// Cell is a point stored in the tree together with the manifest origin of the
// file it was read from.
type Cell struct {
	Point
	Origin uint64
}

// Less is a total order over every field of a cell, used to break ties
// between competing points so that placement never depends on arrival order.
func Less(a, b *Cell) bool {
	switch {
	case a.X != b.X:
		return a.X < b.X
	case a.Y != b.Y:
		return a.Y < b.Y
	case a.Z != b.Z:
		return a.Z < b.Z
	case a.Origin != b.Origin:
		return a.Origin < b.Origin
	case a.Intensity != b.Intensity:
		return a.Intensity < b.Intensity
	case a.Classification != b.Classification:
		return a.Classification < b.Classification
	case a.R != b.R:
		return a.R < b.R
	case a.G != b.G:
		return a.G < b.G
	}
	return a.B < b.B
}
