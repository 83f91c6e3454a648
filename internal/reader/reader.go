package reader

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/ecopia-map/cloud_indexer/internal/data"
	"github.com/ecopia-map/cloud_indexer/internal/geometry"
)

// BatchSize is the number of points handed to a Read callback at once.
const BatchSize = 4096

// Info is what a file header claims about its content.
type Info struct {
	NumPoints uint64       `json:"numPoints"`
	Bounds    geometry.Box `json:"bounds"`
	Srs       string       `json:"srs,omitempty"`
}

// Reader decodes point cloud files. Implementations must be safe for
// concurrent use on different paths.
type Reader interface {
	Preview(ctx context.Context, path string) (*Info, error)
	// Read calls fn with consecutive batches of points. The slice is reused
	// between calls.
	Read(ctx context.Context, path string, fn func(points []data.Point) error) error
}

// ErrUnsupported is returned for files no reader handles.
var ErrUnsupported = errors.New("unsupported file type")

// Multi dispatches on the lower case file extension.
type Multi map[string]Reader

// Default reads LAS and whitespace or comma separated text files.
func Default() Multi {
	text := NewTextReader()
	return Multi{
		".las": NewLasReader(),
		".xyz": text,
		".txt": text,
		".csv": text,
	}
}

func (m Multi) pick(path string) (Reader, error) {
	r, ok := m[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, errors.Wrap(ErrUnsupported, path)
	}
	return r, nil
}

// Supports reports whether some reader handles path.
func (m Multi) Supports(path string) bool {
	_, err := m.pick(path)
	return err == nil
}

func (m Multi) Preview(ctx context.Context, path string) (*Info, error) {
	r, err := m.pick(path)
	if err != nil {
		return nil, err
	}
	return r.Preview(ctx, path)
}

func (m Multi) Read(ctx context.Context, path string, fn func([]data.Point) error) error {
	r, err := m.pick(path)
	if err != nil {
		return err
	}
	return r.Read(ctx, path, fn)
}
