package builder

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/ecopia-map/cloud_indexer/internal/data"
	"github.com/ecopia-map/cloud_indexer/internal/geometry"
)

// Delta snaps coordinates onto a scaled grid anchored at Offset, so that
// every stored coordinate is exactly representable as an integer count of
// Scale steps.
type Delta struct {
	Scale  r3.Vector
	Offset r3.Vector
}

var ten = decimal.NewFromInt(10)

// NewDelta builds a delta from the configured scale and offset. No scale
// means absolute coordinates and a nil delta. A missing offset defaults to
// the midpoint of conforming.
func NewDelta(scale, offset []float64, conforming geometry.Box) (*Delta, error) {
	if len(scale) == 0 {
		return nil, nil
	}
	if len(scale) == 1 {
		scale = []float64{scale[0], scale[0], scale[0]}
	}
	if len(scale) != 3 {
		return nil, errors.Errorf("scale takes 1 or 3 values, got %d", len(scale))
	}
	d := &Delta{Scale: r3.Vector{X: scale[0], Y: scale[1], Z: scale[2]}}
	if d.Scale.X <= 0 || d.Scale.Y <= 0 || d.Scale.Z <= 0 {
		return nil, errors.Errorf("scale must be positive, got %v", scale)
	}
	switch len(offset) {
	case 0:
		d.Offset = DefaultOffset(conforming)
	case 3:
		d.Offset = r3.Vector{X: offset[0], Y: offset[1], Z: offset[2]}
	default:
		return nil, errors.Errorf("offset takes 3 values, got %d", len(offset))
	}
	return d, nil
}

// DefaultOffset is the midpoint of box with each axis truncated to an
// integer and moved up to a multiple of ten unless it already is one.
func DefaultOffset(box geometry.Box) r3.Vector {
	mid := box.Min.Add(box.Max).Mul(0.5)
	return r3.Vector{X: roundTen(mid.X), Y: roundTen(mid.Y), Z: roundTen(mid.Z)}
}

func roundTen(f float64) float64 {
	d := decimal.NewFromFloat(f)
	v := d.Truncate(0)
	if v.Div(ten).Truncate(0).Mul(ten).Equal(d) {
		return v.InexactFloat64()
	}
	return v.Add(ten).Div(ten).Truncate(0).Mul(ten).InexactFloat64()
}

// Quantize snaps p in place.
func (d *Delta) Quantize(p *data.Point) {
	p.X = snap(p.X, d.Offset.X, d.Scale.X)
	p.Y = snap(p.Y, d.Offset.Y, d.Scale.Y)
	p.Z = snap(p.Z, d.Offset.Z, d.Scale.Z)
}

func snap(v, offset, scale float64) float64 {
	return offset + math.Round((v-offset)/scale)*scale
}

// Grow widens box by one scale step on each side so that snapped points on
// its faces stay inside.
func (d *Delta) Grow(box geometry.Box) geometry.Box {
	return geometry.Box{Min: box.Min.Sub(d.Scale), Max: box.Max.Add(d.Scale)}
}
