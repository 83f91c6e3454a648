package builder

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/ecopia-map/cloud_indexer/internal/geometry"
	"github.com/ecopia-map/cloud_indexer/internal/storage"
)

// Status is the insertion state of one input file.
type Status string

const (
	Outstanding Status = "outstanding"
	Inserted    Status = "inserted"
	Errored     Status = "error"
	Omitted     Status = "omitted"
)

func (s Status) rank() int {
	switch s {
	case Omitted:
		return 1
	case Inserted:
		return 2
	case Errored:
		return 3
	}
	return 0
}

// PointStats counts what happened to the points of a file.
type PointStats struct {
	Inserts     uint64 `json:"inserts"`
	OutOfBounds uint64 `json:"outOfBounds"`
	Rejected    uint64 `json:"rejected"`
}

func (p *PointStats) Add(o PointStats) {
	p.Inserts += o.Inserts
	p.OutOfBounds += o.OutOfBounds
	p.Rejected += o.Rejected
}

// FileInfo is the manifest entry of one input file. Origin is its position
// in the manifest and is stored with every point read from it.
type FileInfo struct {
	Path      string        `json:"path"`
	Origin    uint64        `json:"origin"`
	Status    Status        `json:"status"`
	NumPoints uint64        `json:"numPoints,omitempty"`
	Bounds    *geometry.Box `json:"bounds,omitempty"`
	Srs       string        `json:"srs,omitempty"`
	Points    PointStats    `json:"points"`
	Message   string        `json:"message,omitempty"`
}

// Manifest is the ordered list of input files of a build. Entries are only
// ever appended, so an origin never changes its meaning.
type Manifest struct {
	mu    sync.Mutex
	files []FileInfo
}

func NewManifest(files []FileInfo) *Manifest {
	m := &Manifest{}
	m.Append(files)
	return m
}

func manifestName(postfix string) string {
	return "entwine-manifest" + postfix + ".json"
}

func (m *Manifest) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

func (m *Manifest) Get(origin uint64) FileInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[origin]
}

// Files returns a copy of every entry.
func (m *Manifest) Files() []FileInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FileInfo(nil), m.files...)
}

// Outstanding returns the origins of the files not yet handled.
func (m *Manifest) Outstanding() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint64
	for _, f := range m.files {
		if f.Status == Outstanding {
			out = append(out, f.Origin)
		}
	}
	return out
}

// Diff returns the paths that are not in the manifest yet, in input order.
func (m *Manifest) Diff(paths []string) []string {
	m.mu.Lock()
	known := make(map[string]bool, len(m.files))
	for _, f := range m.files {
		known[f.Path] = true
	}
	m.mu.Unlock()

	var out []string
	for _, p := range paths {
		if !known[p] {
			known[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Append adds files at the end and assigns their origins. It returns the
// first origin assigned.
func (m *Manifest) Append(files []FileInfo) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := uint64(len(m.files))
	for _, f := range files {
		f.Origin = uint64(len(m.files))
		if f.Status == "" {
			f.Status = Outstanding
		}
		m.files = append(m.files, f)
	}
	return first
}

func (m *Manifest) Set(origin uint64, status Status, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[origin].Status = status
	m.files[origin].Message = message
}

func (m *Manifest) AddPoints(origin uint64, stats PointStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[origin].Points.Add(stats)
}

// Totals sums the point statistics of every file.
func (m *Manifest) Totals() PointStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var t PointStats
	for _, f := range m.files {
		t.Add(f.Points)
	}
	return t
}

// Merge folds in the manifest of a sibling subset built from the same input.
// Inserts are disjoint between subsets and add up; out of bounds and rejected
// points are seen by every subset alike, so the larger count is kept.
func (m *Manifest) Merge(other *Manifest) error {
	theirs := other.Files()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(theirs) != len(m.files) {
		return errors.Errorf("manifest has %d files, sibling has %d", len(m.files), len(theirs))
	}
	for i := range m.files {
		if m.files[i].Path != theirs[i].Path {
			return errors.Errorf("manifest entry %d differs: %s != %s", i, m.files[i].Path, theirs[i].Path)
		}
	}
	for i := range m.files {
		mine, t := &m.files[i], theirs[i]
		if t.Status.rank() > mine.Status.rank() {
			mine.Status = t.Status
			mine.Message = t.Message
		}
		mine.Points.Inserts += t.Points.Inserts
		mine.Points.OutOfBounds = max(mine.Points.OutOfBounds, t.Points.OutOfBounds)
		mine.Points.Rejected = max(mine.Points.Rejected, t.Points.Rejected)
	}
	return nil
}

func (m *Manifest) Save(ctx context.Context, ep storage.Endpoint, postfix string, retries uint64) error {
	m.mu.Lock()
	raw, err := json.MarshalIndent(m.files, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrap(storage.PutWithRetry(ctx, ep, manifestName(postfix), raw, retries), "failed to save manifest")
}

func LoadManifest(ctx context.Context, ep storage.Endpoint, postfix string) (*Manifest, error) {
	raw, err := ep.Get(ctx, manifestName(postfix))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read manifest")
	}
	var files []FileInfo
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, errors.Wrap(err, "invalid manifest")
	}
	for i, f := range files {
		if f.Origin != uint64(i) {
			return nil, errors.Errorf("manifest entry %d has origin %d", i, f.Origin)
		}
	}
	return &Manifest{files: files}, nil
}
