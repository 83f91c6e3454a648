package reader

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ecopia-map/cloud_indexer/internal/data"
	"github.com/ecopia-map/cloud_indexer/internal/geometry"
)

// TextReader decodes one point per line: x y z, then optionally intensity,
// classification and r g b. Fields are separated by whitespace or commas;
// blank lines and lines starting with '#' are skipped.
type TextReader struct{}

func NewTextReader() *TextReader {
	return &TextReader{}
}

func (r *TextReader) Preview(ctx context.Context, path string) (*Info, error) {
	info := &Info{Bounds: geometry.EmptyBox()}
	err := r.Read(ctx, path, func(points []data.Point) error {
		for i := range points {
			info.Bounds.Grow(points[i].Vector())
		}
		info.NumPoints += uint64(len(points))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (r *TextReader) Read(ctx context.Context, path string, fn func([]data.Point) error) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	batch := make([]data.Point, 0, BatchSize)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		p, err := parseLine(text)
		if err != nil {
			return errors.Wrapf(err, "%s:%d", path, line)
		}
		batch = append(batch, p)
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
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "failed to read %s", path)
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

func parseLine(text string) (data.Point, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) < 3 {
		return data.Point{}, errors.Errorf("expected at least 3 fields, got %d", len(fields))
	}
	var xyz [3]float64
	for i := range xyz {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return data.Point{}, errors.Wrapf(err, "field %d", i+1)
		}
		xyz[i] = v
	}
	var extra [5]uint8
	for i := 3; i < len(fields) && i < 8; i++ {
		v, err := strconv.ParseUint(fields[i], 10, 8)
		if err != nil {
			return data.Point{}, errors.Wrapf(err, "field %d", i+1)
		}
		extra[i-3] = uint8(v)
	}
	return data.Point{
		X:              xyz[0],
		Y:              xyz[1],
		Z:              xyz[2],
		Intensity:      extra[0],
		Classification: extra[1],
		R:              extra[2],
		G:              extra[3],
		B:              extra[4],
	}, nil
}
