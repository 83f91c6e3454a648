package converters

import (
	"math"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	proj4 "github.com/xeonx/proj4"

	"github.com/ecopia-map/cloud_indexer/internal/data"
	"github.com/ecopia-map/cloud_indexer/internal/geometry"
)

const (
	toRadians = math.Pi / 180
	toDegrees = 180 / math.Pi
)

// Proj4CoordinateConverter reprojects through the proj4 library. Projection
// handles are not safe for concurrent use, so every conversion holds a lock.
type Proj4CoordinateConverter struct {
	sync.Mutex
	src *proj4.Proj
	dst *proj4.Proj
}

func NewProj4CoordinateConverter(r Reprojection) (*Proj4CoordinateConverter, error) {
	if r.In == "" || r.Out == "" {
		return nil, errors.Errorf("reprojection needs both srs, got in=%q out=%q", r.In, r.Out)
	}
	src, err := proj4.InitPlus(toProjDefinition(r.In))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid input srs %q", r.In)
	}
	dst, err := proj4.InitPlus(toProjDefinition(r.Out))
	if err != nil {
		src.Close()
		return nil, errors.Wrapf(err, "invalid output srs %q", r.Out)
	}
	return &Proj4CoordinateConverter{src: src, dst: dst}, nil
}

func (c *Proj4CoordinateConverter) ConvertPoints(points []data.Point) error {
	if len(points) == 0 {
		return nil
	}
	x := make([]float64, len(points))
	y := make([]float64, len(points))
	z := make([]float64, len(points))
	for i := range points {
		x[i], y[i], z[i] = points[i].X, points[i].Y, points[i].Z
	}
	if err := c.transform(x, y, z); err != nil {
		return err
	}
	for i := range points {
		points[i].X, points[i].Y, points[i].Z = x[i], y[i], z[i]
	}
	return nil
}

func (c *Proj4CoordinateConverter) ConvertBox(box geometry.Box) (geometry.Box, error) {
	var x, y, z []float64
	for i := 0; i < 8; i++ {
		p := box.Min
		if i&1 != 0 {
			p.X = box.Max.X
		}
		if i&2 != 0 {
			p.Y = box.Max.Y
		}
		if i&4 != 0 {
			p.Z = box.Max.Z
		}
		x, y, z = append(x, p.X), append(y, p.Y), append(z, p.Z)
	}
	if err := c.transform(x, y, z); err != nil {
		return geometry.Box{}, err
	}
	out := geometry.EmptyBox()
	for i := range x {
		out.Grow(r3.Vector{X: x[i], Y: y[i], Z: z[i]})
	}
	return out, nil
}

func (c *Proj4CoordinateConverter) transform(x, y, z []float64) error {
	c.Lock()
	defer c.Unlock()
	if c.src.IsLatLong() {
		scale(x, y, toRadians)
	}
	if err := proj4.TransformRaw(c.src, c.dst, x, y, z); err != nil {
		return errors.Wrap(err, "reprojection failed")
	}
	if c.dst.IsLatLong() {
		scale(x, y, toDegrees)
	}
	return nil
}

func scale(x, y []float64, f float64) {
	for i := range x {
		x[i] *= f
		y[i] *= f
	}
}

// Releases the proj4 handles
func (c *Proj4CoordinateConverter) Cleanup() {
	c.Lock()
	defer c.Unlock()
	if c.src != nil {
		c.src.Close()
		c.src = nil
	}
	if c.dst != nil {
		c.dst.Close()
		c.dst = nil
	}
}
