package builder

import (
	"context"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/ecopia-map/cloud_indexer/internal/converters"
	"github.com/ecopia-map/cloud_indexer/internal/data"
	"github.com/ecopia-map/cloud_indexer/internal/hierarchy"
	"github.com/ecopia-map/cloud_indexer/internal/octree"
	"github.com/ecopia-map/cloud_indexer/internal/pool"
	"github.com/ecopia-map/cloud_indexer/internal/reader"
	"github.com/ecopia-map/cloud_indexer/internal/registry"
	"github.com/ecopia-map/cloud_indexer/internal/storage"
)

const (
	hierarchyDir = "h"
	retries      = 3
)

// State is the lifecycle stage of a build.
type State int

const (
	Building State = iota
	Saved
	Merging
	Whole
)

func (s State) String() string {
	switch s {
	case Building:
		return "building"
	case Saved:
		return "saved"
	case Merging:
		return "merging"
	case Whole:
		return "whole"
	}
	return "unknown"
}

// Threads sizes the two pools of a build: work threads read and insert
// files, clip threads write evicted chunks.
type Threads struct {
	Work int
	Clip int
}

// ConverterFactory creates the coordinate converter of one file.
type ConverterFactory func(r converters.Reprojection) (converters.CoordinateConverter, error)

func proj4Converter(r converters.Reprojection) (converters.CoordinateConverter, error) {
	c, err := converters.NewProj4CoordinateConverter(r)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Options carries the collaborators of a build.
type Options struct {
	Reader     reader.Reader
	Converter  ConverterFactory
	ClipBudget int
}

func (o Options) withDefaults() Options {
	if o.Reader == nil {
		o.Reader = reader.Default()
	}
	if o.Converter == nil {
		o.Converter = proj4Converter
	}
	if o.ClipBudget <= 0 {
		o.ClipBudget = registry.DefaultClipBudget
	}
	return o
}

// fatalError marks a failure of the tree itself, as opposed to a failure to
// read one file. It stops the build.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.err
}

// IsFatal reports whether err stopped a build rather than a single file.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Builder indexes the files of a manifest into an octree stored at out.
type Builder struct {
	mu    sync.Mutex
	state State

	meta     *Metadata
	manifest *Manifest
	sequence *Sequence
	out      storage.Endpoint
	tmp      string
	opts     Options
	exists   bool

	cells     *data.CellPool
	hierarchy *hierarchy.Hierarchy
	registry  *registry.Registry
	workPool  *pool.Pool
	clipPool  *pool.Pool

	clippers atomic.Uint64
	merged   map[uint64]bool
}

// New starts a build of the files in manifest.
func New(meta *Metadata, manifest *Manifest, out storage.Endpoint, tmp string, threads Threads, opts Options) (*Builder, error) {
	if err := meta.Structure.Validate(); err != nil {
		return nil, err
	}
	return assemble(meta, manifest, out, tmp, threads, opts, hierarchy.New(meta.HierarchyStructure)), nil
}

// Load resumes the build saved at out for subset, which is nil for a whole
// index. The error wraps storage.ErrNotFound when nothing was saved there.
func Load(ctx context.Context, out storage.Endpoint, tmp string, subset *octree.Subset, threads Threads, opts Options) (*Builder, error) {
	postfix := octree.Postfix(subset)
	meta, err := LoadMetadata(ctx, out, postfix)
	if err != nil {
		return nil, err
	}
	manifest, err := LoadManifest(ctx, out, postfix)
	if err != nil {
		return nil, err
	}
	h, err := hierarchy.Load(ctx, out.Sub(hierarchyDir), postfix, meta.HierarchyStructure, hierarchy.Codec{Compression: meta.HierarchyCompression})
	if err != nil {
		return nil, err
	}
	b := assemble(meta, manifest, out, tmp, threads, opts, h)
	if err := b.registry.Load(ctx); err != nil {
		return nil, multierr.Append(err, b.Close())
	}
	b.exists = true
	glog.Infof("Resumed build at %s: %d points, %d files outstanding", out.Root(), h.Total(), len(manifest.Outstanding()))
	return b, nil
}

func assemble(meta *Metadata, manifest *Manifest, out storage.Endpoint, tmp string, threads Threads, opts Options, h *hierarchy.Hierarchy) *Builder {
	b := &Builder{
		state:     Building,
		meta:      meta,
		manifest:  manifest,
		out:       out,
		tmp:       tmp,
		opts:      opts.withDefaults(),
		cells:     data.NewCellPool(),
		hierarchy: h,
		workPool:  pool.New(threads.Work),
		clipPool:  pool.New(threads.Clip),
		merged:    map[uint64]bool{},
	}
	b.registry = registry.New(out, registry.Params{
		Root:        meta.Cube,
		Structure:   meta.Structure,
		Postfix:     meta.Postfix(),
		Compression: meta.Storage,
		Retries:     retries,
	}, b.cells, h, b.clipPool)
	active := meta.ActiveBounds()
	b.sequence = NewSequence(manifest, func(info FileInfo) bool {
		return !meta.TrustHeaders || info.Bounds == nil || info.Bounds.Overlaps(active)
	})
	return b
}

func (b *Builder) Metadata() *Metadata {
	return b.meta
}

func (b *Builder) Manifest() *Manifest {
	return b.manifest
}

func (b *Builder) Sequence() *Sequence {
	return b.sequence
}

func (b *Builder) Registry() *registry.Registry {
	return b.registry
}

func (b *Builder) Hierarchy() *hierarchy.Hierarchy {
	return b.hierarchy
}

func (b *Builder) Out() storage.Endpoint {
	return b.out
}

// IsContinuation reports whether the build was resumed from storage.
func (b *Builder) IsContinuation() bool {
	return b.exists
}

func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Go inserts outstanding files until the manifest is exhausted or, when
// maxFileInsertions is positive, that many files were handed out. Files that
// fail to read are marked as errors and skipped; only a failure of the tree
// itself is returned.
func (b *Builder) Go(ctx context.Context, maxFileInsertions int) error {
	if s := b.State(); s != Building {
		return errors.Errorf("cannot insert into a %s build", s)
	}
	for ctx.Err() == nil {
		origin, ok := b.sequence.Next(maxFileInsertions)
		if !ok {
			break
		}
		b.workPool.Add(func() error {
			return b.insertFile(ctx, origin)
		})
	}
	err := b.workPool.Await()
	if err == nil {
		err = ctx.Err()
	}
	t := b.manifest.Totals()
	glog.Infof("Inserted %d points, %d out of bounds, %d rejected", t.Inserts, t.OutOfBounds, t.Rejected)
	if n := b.registry.ClipFailures(); n > 0 {
		glog.Warningf("%d chunk clips failed and are retried at save", n)
	}
	return err
}

func (b *Builder) insertFile(ctx context.Context, origin uint64) error {
	info := b.manifest.Get(origin)
	glog.Infof("Adding %d - %s", origin, info.Path)

	local, cleanup, err := storage.Localize(ctx, info.Path, b.tmp, strconv.FormatUint(origin, 10))
	if err != nil {
		glog.Warningf("Failed to localize %s: %v", info.Path, err)
		b.manifest.Set(origin, Errored, err.Error())
		return nil
	}
	defer cleanup()

	clipper := registry.NewClipper(b.clippers.Inc(), b.registry, b.opts.ClipBudget)
	climber := octree.NewClimber(b.meta.Cube)
	stats, err := b.insertPath(ctx, origin, local, info, clipper, climber)
	err = multierr.Append(err, clipper.Done(ctx, false))
	b.manifest.AddPoints(origin, stats)

	switch {
	case IsFatal(err):
		b.manifest.Set(origin, Errored, err.Error())
		return errors.Wrapf(err, "failed to insert %s", info.Path)
	case err != nil:
		glog.Warningf("Failed to read %s: %v", info.Path, err)
		b.manifest.Set(origin, Errored, err.Error())
	default:
		b.manifest.Set(origin, Inserted, "")
		glog.V(1).Infof("Done %d - %s: %d points", origin, info.Path, stats.Inserts)
	}
	return nil
}

func (b *Builder) insertPath(ctx context.Context, origin uint64, path string, info FileInfo, clipper *registry.Clipper, climber *octree.Climber) (PointStats, error) {
	var stats PointStats
	converter, err := b.converterFor(info)
	if err != nil {
		return stats, err
	}
	if converter != nil {
		defer converter.Cleanup()
	}

	cube := b.meta.Cube
	subset := b.meta.Subset
	cells := make([]*data.Cell, 0, reader.BatchSize)
	err = b.opts.Reader.Read(ctx, path, func(points []data.Point) error {
		if converter != nil {
			if err := converter.ConvertPoints(points); err != nil {
				return err
			}
		}
		cells = cells[:0]
		for i := range points {
			p := &points[i]
			if b.meta.Delta != nil {
				b.meta.Delta.Quantize(p)
			}
			switch v := p.Vector(); {
			case !p.IsValid():
				stats.Rejected++
			case !cube.Contains(v):
				stats.OutOfBounds++
			case subset == nil || subset.Contains(cube, v):
				cells = append(cells, b.cells.Acquire(*p, origin))
			}
		}
		rejected, err := b.registry.Insert(ctx, cells, clipper, climber)
		stats.Inserts += uint64(len(cells) - len(rejected))
		stats.Rejected += uint64(len(rejected))
		b.cells.Put(rejected...)
		if err != nil {
			return &fatalError{err: err}
		}
		return clipper.Clip(ctx)
	})
	return stats, err
}

func (b *Builder) converterFor(info FileInfo) (converters.CoordinateConverter, error) {
	if b.meta.Reprojection == nil {
		return nil, nil
	}
	r := *b.meta.Reprojection
	if r.In == "" {
		r.In = info.Srs
	}
	if r.In == "" {
		return nil, errors.Errorf("no input srs for %s", info.Path)
	}
	return b.opts.Converter(r)
}

// Save waits for running insertions and writes the whole state of the
// build. After a save no more files may be inserted in this session.
func (b *Builder) Save(ctx context.Context) error {
	if err := b.workPool.Await(); err != nil {
		return errors.Wrap(err, "insertion failed")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.save(ctx)
}

func (b *Builder) save(ctx context.Context) error {
	postfix := b.meta.Postfix()
	if err := b.registry.Save(ctx); err != nil {
		return err
	}
	codec := hierarchy.Codec{Compression: b.meta.HierarchyCompression}
	if err := b.hierarchy.Save(ctx, b.out.Sub(hierarchyDir), postfix, codec, retries); err != nil {
		return err
	}
	if err := b.manifest.Save(ctx, b.out, postfix, retries); err != nil {
		return err
	}
	if err := b.meta.Save(ctx, b.out, retries); err != nil {
		return err
	}
	if b.state == Building {
		b.state = Saved
	}
	glog.Infof("Saved %d points to %s", b.hierarchy.Total(), b.out.Root())
	return nil
}

// Merge folds a sibling subset build into this one. The sibling is saved
// first if it is still building.
func (b *Builder) Merge(ctx context.Context, other *Builder) error {
	mine, theirs := b.meta.Subset, other.meta.Subset
	if mine == nil || theirs == nil || !mine.IsSibling(*theirs) {
		return errors.Errorf("can only merge sibling subsets, got %v and %v", mine, theirs)
	}
	if !b.meta.Compatible(other.meta) {
		return errors.Errorf("subset %d was built with a different configuration", theirs.ID)
	}
	if other.State() == Building {
		if err := other.Save(ctx); err != nil {
			return errors.Wrapf(err, "failed to save subset %d", theirs.ID)
		}
	}
	if err := b.workPool.Await(); err != nil {
		return errors.Wrap(err, "insertion failed")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.merged[theirs.ID] {
		return errors.Errorf("subset %d already merged", theirs.ID)
	}
	if err := b.registry.Merge(ctx, other.registry); err != nil {
		return err
	}
	b.hierarchy.Merge(other.hierarchy)
	if err := b.manifest.Merge(other.manifest); err != nil {
		return err
	}
	b.merged[mine.ID] = true
	b.merged[theirs.ID] = true
	b.state = Merging
	glog.Infof("Merged subset %d into %d", theirs.ID, mine.ID)
	return nil
}

// MakeWhole turns a subset build into which every sibling was merged into
// the build of the whole index.
func (b *Builder) MakeWhole(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.meta.Subset
	if s == nil {
		return errors.New("build is already whole")
	}
	for id := uint64(1); id <= s.Of; id++ {
		if !b.merged[id] {
			return errors.Errorf("subset %d of %d has not been merged", id, s.Of)
		}
	}
	if err := b.registry.Rename(ctx, ""); err != nil {
		return err
	}
	b.meta.Subset = nil
	b.state = Whole
	return nil
}

// Unbump moves the base back to the depth configured before a subset build
// pushed it down. Base nodes below the restored depth become chunks.
func (b *Builder) Unbump() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.meta.Structure.BumpDepth == 0 {
		return
	}
	b.meta.Structure = b.meta.Structure.Unbumped()
	b.registry.Rebase(b.meta.Structure)
}

// Append adds files to the manifest and queues them for insertion.
func (b *Builder) Append(files []FileInfo) error {
	if s := b.State(); s != Building {
		return errors.Errorf("cannot append to a %s build", s)
	}
	if len(files) == 0 {
		return nil
	}
	first := b.manifest.Append(files)
	origins := make([]uint64, len(files))
	for i := range origins {
		origins[i] = first + uint64(i)
	}
	b.sequence.Append(origins...)
	return nil
}

// Close drains both pools before dropping every chunk.
func (b *Builder) Close() error {
	err := multierr.Combine(b.workPool.Close(), b.clipPool.Close())
	b.registry.Close()
	return err
}
