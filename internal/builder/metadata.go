package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/ecopia-map/cloud_indexer/internal/config"
	"github.com/ecopia-map/cloud_indexer/internal/converters"
	"github.com/ecopia-map/cloud_indexer/internal/geometry"
	"github.com/ecopia-map/cloud_indexer/internal/hierarchy"
	"github.com/ecopia-map/cloud_indexer/internal/octree"
	"github.com/ecopia-map/cloud_indexer/internal/storage"
)

// ErrIncompatible is returned when a build configuration disagrees with the
// index saved at its output.
var ErrIncompatible = errors.New("configuration is incompatible with the saved index")

// DefaultSchema is the layout of a stored cell.
var DefaultSchema = []config.Dimension{
	{Name: "X", Type: "floating"},
	{Name: "Y", Type: "floating"},
	{Name: "Z", Type: "floating"},
	{Name: "Red", Type: "unsigned"},
	{Name: "Green", Type: "unsigned"},
	{Name: "Blue", Type: "unsigned"},
	{Name: "Intensity", Type: "unsigned"},
	{Name: "Classification", Type: "unsigned"},
	{Name: "OriginId", Type: "unsigned"},
}

// Metadata describes an index: everything a build needs to place points
// the same way again.
type Metadata struct {
	Cube                 geometry.Bounds
	BoundsConforming     geometry.Box
	Schema               []config.Dimension
	Structure            octree.Structure
	HierarchyStructure   hierarchy.Structure
	Subset               *octree.Subset
	Delta                *Delta
	Reprojection         *converters.Reprojection
	Storage              storage.Compression
	HierarchyCompression storage.Compression
	TrustHeaders         bool
	Density              float64
}

type cube struct {
	Mid    [3]float64 `json:"mid"`
	Radius float64    `json:"radius"`
}

type document struct {
	Bounds               [6]float64               `json:"bounds"`
	Cube                 cube                     `json:"cube"`
	BoundsConforming     geometry.Box             `json:"boundsConforming"`
	Schema               []config.Dimension       `json:"schema"`
	Structure            octree.Structure         `json:"structure"`
	HierarchyStructure   hierarchy.Structure      `json:"hierarchyStructure"`
	Subset               *octree.Subset           `json:"subset,omitempty"`
	Scale                *[3]float64              `json:"scale,omitempty"`
	Offset               *[3]float64              `json:"offset,omitempty"`
	Reprojection         *converters.Reprojection `json:"reprojection,omitempty"`
	Storage              storage.Compression      `json:"storage"`
	HierarchyCompression storage.Compression      `json:"hierarchyCompression"`
	TrustHeaders         bool                     `json:"trustHeaders"`
	Density              float64                  `json:"density,omitempty"`
}

func array(v r3.Vector) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}

func vector(a [3]float64) r3.Vector {
	return r3.Vector{X: a[0], Y: a[1], Z: a[2]}
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	d := document{
		Bounds:               m.Cube.Array(),
		Cube:                 cube{Mid: array(m.Cube.Mid), Radius: m.Cube.Radius},
		BoundsConforming:     m.BoundsConforming,
		Schema:               m.Schema,
		Structure:            m.Structure,
		HierarchyStructure:   m.HierarchyStructure,
		Subset:               m.Subset,
		Reprojection:         m.Reprojection,
		Storage:              m.Storage,
		HierarchyCompression: m.HierarchyCompression,
		TrustHeaders:         m.TrustHeaders,
		Density:              m.Density,
	}
	if m.Delta != nil {
		scale, offset := array(m.Delta.Scale), array(m.Delta.Offset)
		d.Scale, d.Offset = &scale, &offset
	}
	return json.Marshal(d)
}

func (m *Metadata) UnmarshalJSON(raw []byte) error {
	var d document
	if err := json.Unmarshal(raw, &d); err != nil {
		return err
	}
	*m = Metadata{
		Cube:                 geometry.Bounds{Mid: vector(d.Cube.Mid), Radius: d.Cube.Radius},
		BoundsConforming:     d.BoundsConforming,
		Schema:               d.Schema,
		Structure:            d.Structure,
		HierarchyStructure:   d.HierarchyStructure,
		Subset:               d.Subset,
		Reprojection:         d.Reprojection,
		Storage:              d.Storage,
		HierarchyCompression: d.HierarchyCompression,
		TrustHeaders:         d.TrustHeaders,
		Density:              d.Density,
	}
	if d.Scale != nil && d.Offset != nil {
		m.Delta = &Delta{Scale: vector(*d.Scale), Offset: vector(*d.Offset)}
	}
	return nil
}

// MetadataFromConfig assembles the metadata of a new build. The bounds must
// be known by now, either configured or inferred. A subset build pushes the
// null and base depths below its split depth so that no materialized node is
// shared with a sibling.
func MetadataFromConfig(cfg *config.Config) (*Metadata, error) {
	conforming, err := geometry.BoxFromArray(cfg.Bounds)
	if err != nil {
		return nil, err
	}
	var subset *octree.Subset
	if cfg.Subset != nil {
		if subset, err = octree.NewSubset(cfg.Subset.ID, cfg.Subset.Of); err != nil {
			return nil, err
		}
	}
	delta, err := NewDelta(cfg.ScaleVector(), cfg.Offset, conforming)
	if err != nil {
		return nil, err
	}
	box := conforming
	if delta != nil {
		box = delta.Grow(conforming)
	}
	root := box.Cube()

	nullDepth, baseDepth := cfg.NullDepth, cfg.BaseDepth
	var bumpTo uint32
	if subset != nil {
		if d := subset.MinimumNullDepth(); nullDepth < d {
			glog.Infof("Bumping null depth to accommodate subset: %d", d)
			nullDepth = d
		}
		if d := subset.MinimumBaseDepth(); baseDepth < d {
			glog.Infof("Bumping base depth to accommodate subset: %d", d)
			bumpTo = d
		}
		if baseDepth < nullDepth {
			baseDepth = nullDepth
		}
	}
	s, err := octree.NewStructure(nullDepth, baseDepth, cfg.PointsPerChunk, cfg.NumPointsHint)
	if err != nil {
		return nil, err
	}
	if cfg.MaxDepth != 0 {
		s.MaxDepth = cfg.MaxDepth
		if s.SparseDepth > s.MaxDepth {
			s.SparseDepth = s.MaxDepth
		}
	}
	s.Bump(bumpTo)
	if s.ApplyDensity(cfg.Density, root) {
		glog.Infof("Applied density %.3f, sparse depth %d", cfg.Density, s.SparseDepth)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	compression, err := storage.ParseCompression(cfg.Storage)
	if err != nil {
		return nil, err
	}
	hierarchyCompression, err := storage.ParseCompression(cfg.HierarchyCompression)
	if err != nil {
		return nil, err
	}
	schema := cfg.Schema
	if len(schema) == 0 {
		schema = DefaultSchema
	}
	return &Metadata{
		Cube:                 root,
		BoundsConforming:     conforming,
		Schema:               schema,
		Structure:            s,
		HierarchyStructure:   hierarchy.NewStructure(s, subset),
		Subset:               subset,
		Delta:                delta,
		Reprojection:         cfg.Reprojection,
		Storage:              compression,
		HierarchyCompression: hierarchyCompression,
		TrustHeaders:         cfg.TrustHeaders,
		Density:              cfg.Density,
	}, nil
}

// Postfix names the files of this build: "-<id>" for a subset, empty once
// whole.
func (m *Metadata) Postfix() string {
	return octree.Postfix(m.Subset)
}

// ActiveBounds is the part of the cube this build inserts into.
func (m *Metadata) ActiveBounds() geometry.Box {
	if m.Subset != nil {
		return m.Subset.Region(m.Cube)
	}
	return m.Cube.Box()
}

// Compatible reports whether other describes the same index apart from the
// subset it covers.
func (m *Metadata) Compatible(other *Metadata) bool {
	a, b := *m, *other
	a.Subset, b.Subset = nil, nil
	ra, err := json.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

// CheckResume compares a resumed build's configuration with the saved
// metadata. The subset must match exactly; other layout keys are compared
// only when the configuration sets them, so a bare resume takes the saved
// values.
func (m *Metadata) CheckResume(cfg *config.Config) error {
	var conflicts []string
	conflict := func(key string, want, have interface{}) {
		conflicts = append(conflicts, fmt.Sprintf("%s %v, index has %v", key, want, have))
	}

	var want *octree.Subset
	if cfg.Subset != nil {
		want = &octree.Subset{ID: cfg.Subset.ID, Of: cfg.Subset.Of}
	}
	if (want == nil) != (m.Subset == nil) || (want != nil && *want != *m.Subset) {
		conflict("subset", want, m.Subset)
	}

	s := m.Structure
	if cfg.IsSet("pointsPerChunk") && cfg.PointsPerChunk != s.PointsPerChunk {
		conflict("pointsPerChunk", cfg.PointsPerChunk, s.PointsPerChunk)
	}
	nullDepth := cfg.NullDepth
	if m.Subset != nil {
		nullDepth = max(nullDepth, m.Subset.MinimumNullDepth())
	}
	if cfg.IsSet("nullDepth") && nullDepth != s.NullDepth {
		conflict("nullDepth", nullDepth, s.NullDepth)
	}
	if cfg.IsSet("baseDepth") && !m.sameBase(cfg.BaseDepth, nullDepth) {
		conflict("baseDepth", cfg.BaseDepth, s.BaseDepth)
	}
	if cfg.IsSet("maxDepth") && cfg.MaxDepth != 0 && cfg.MaxDepth != s.MaxDepth {
		conflict("maxDepth", cfg.MaxDepth, s.MaxDepth)
	}

	if cfg.IsSet("bounds") {
		box, err := geometry.BoxFromArray(cfg.Bounds)
		if err != nil {
			return err
		}
		if box.Array() != m.BoundsConforming.Array() {
			conflict("bounds", box.Array(), m.BoundsConforming.Array())
		}
	}
	if cfg.IsSet("scale") || cfg.IsSet("offset") {
		have := "none"
		if m.Delta != nil {
			have = fmt.Sprintf("scale %v offset %v", array(m.Delta.Scale), array(m.Delta.Offset))
		}
		if m.Delta == nil ||
			(cfg.IsSet("scale") && !sameVector(cfg.ScaleVector(), m.Delta.Scale)) ||
			(cfg.IsSet("offset") && !sameVector(cfg.Offset, m.Delta.Offset)) {
			conflict("scale/offset", fmt.Sprintf("scale %v offset %v", cfg.Scale, cfg.Offset), have)
		}
	}
	if cfg.IsSet("reprojection") && !sameReprojection(cfg.Reprojection, m.Reprojection) {
		conflict("reprojection", cfg.Reprojection, m.Reprojection)
	}
	if cfg.IsSet("storage") {
		if c, err := storage.ParseCompression(cfg.Storage); err != nil || c != m.Storage {
			conflict("storage", cfg.Storage, m.Storage)
		}
	}
	if cfg.IsSet("hierarchyCompression") {
		if c, err := storage.ParseCompression(cfg.HierarchyCompression); err != nil || c != m.HierarchyCompression {
			conflict("hierarchyCompression", cfg.HierarchyCompression, m.HierarchyCompression)
		}
	}

	if len(conflicts) > 0 {
		return errors.Wrap(ErrIncompatible, strings.Join(conflicts, "; "))
	}
	return nil
}

// sameBase reports whether requesting base depth base, with null depth
// nullDepth, yields the saved base. A subset build may have bumped it.
func (m *Metadata) sameBase(base, nullDepth uint32) bool {
	s := m.Structure
	if m.Subset != nil && base < nullDepth {
		base = nullDepth
	}
	if s.BumpDepth != 0 {
		return base == s.BumpDepth
	}
	return base == s.BaseDepth
}

func sameVector(a []float64, v r3.Vector) bool {
	return len(a) == 3 && a[0] == v.X && a[1] == v.Y && a[2] == v.Z
}

func sameReprojection(a, b *converters.Reprojection) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func metadataName(postfix string) string {
	return "entwine" + postfix + ".json"
}

func (m *Metadata) Save(ctx context.Context, ep storage.Endpoint, retries uint64) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrap(storage.PutWithRetry(ctx, ep, metadataName(m.Postfix()), raw, retries), "failed to save metadata")
}

// LoadMetadata reads the metadata written under postfix. It returns
// storage.ErrNotFound, wrapped, when no index exists there.
func LoadMetadata(ctx context.Context, ep storage.Endpoint, postfix string) (*Metadata, error) {
	raw, err := ep.Get(ctx, metadataName(postfix))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read metadata")
	}
	m := &Metadata{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, errors.Wrap(err, "invalid metadata")
	}
	return m, nil
}
