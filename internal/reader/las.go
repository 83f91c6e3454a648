package reader

import (
	"context"

	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ecopia-map/cloud_indexer/internal/data"
	"github.com/ecopia-map/cloud_indexer/internal/geometry"
)

// LasReader decodes LAS files.
type LasReader struct{}

func NewLasReader() *LasReader {
	return &LasReader{}
}

func (r *LasReader) Preview(_ context.Context, path string) (info *Info, err error) {
	lf, err := lidario.NewLasFile(path, "r")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer func() { err = multierr.Append(err, lf.Close()) }()

	h := lf.Header
	return &Info{
		NumPoints: uint64(h.NumberPoints),
		Bounds: geometry.Box{
			Min: r3.Vector{X: h.MinX, Y: h.MinY, Z: h.MinZ},
			Max: r3.Vector{X: h.MaxX, Y: h.MaxY, Z: h.MaxZ},
		},
	}, nil
}

func (r *LasReader) Read(ctx context.Context, path string, fn func([]data.Point) error) (err error) {
	lf, err := lidario.NewLasFile(path, "r")
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer func() { err = multierr.Append(err, lf.Close()) }()

	batch := make([]data.Point, 0, BatchSize)
	for i := 0; i < lf.Header.NumberPoints; i++ {
		p, err := lf.LasPoint(i)
		if err != nil {
			return errors.Wrapf(err, "failed to read point %d of %s", i, path)
		}
		d := p.PointData()
		pt := data.Point{
			X:              d.X,
			Y:              d.Y,
			Z:              d.Z,
			Intensity:      uint8(d.Intensity >> 8),
			Classification: uint8(d.ClassBitField.Value & 0x1f),
		}
		if rgb := p.RgbData(); rgb != nil {
			pt.R = uint8(rgb.Red / 256)
			pt.G = uint8(rgb.Green / 256)
			pt.B = uint8(rgb.Blue / 256)
		}
		batch = append(batch, pt)
		if len(batch) == BatchSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}
