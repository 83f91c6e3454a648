package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ecopia-map/cloud_indexer/internal/data"
	"github.com/ecopia-map/cloud_indexer/internal/geometry"
	"github.com/ecopia-map/cloud_indexer/internal/hierarchy"
	"github.com/ecopia-map/cloud_indexer/internal/octree"
	"github.com/ecopia-map/cloud_indexer/internal/pool"
	"github.com/ecopia-map/cloud_indexer/internal/storage"
)

const (
	numSlots       = 256
	saveParallel   = 16
	defaultRetries = 3
)

// Params are the parts of the build metadata the registry depends on.
type Params struct {
	Root        geometry.Bounds
	Structure   octree.Structure
	Postfix     string
	Compression storage.Compression
	Retries     uint64
}

type slot struct {
	sync.Mutex
	chunks map[string]*Chunk
}

// Registry owns every chunk of the tree. The chunk map is striped by key so
// that lookups of unrelated nodes do not contend, and each chunk carries its
// own lock for the cells it holds.
type Registry struct {
	params    Params
	ep        storage.Endpoint
	cells     *data.CellPool
	hierarchy *hierarchy.Hierarchy
	clipPool  *pool.Pool

	slots [numSlots]slot

	clipFailures atomic.Uint64
}

func New(ep storage.Endpoint, params Params, cells *data.CellPool, h *hierarchy.Hierarchy, clipPool *pool.Pool) *Registry {
	if params.Retries == 0 {
		params.Retries = defaultRetries
	}
	r := &Registry{
		params:    params,
		ep:        ep,
		cells:     cells,
		hierarchy: h,
		clipPool:  clipPool,
	}
	for i := range r.slots {
		r.slots[i].chunks = map[string]*Chunk{}
	}
	return r
}

func (r *Registry) Params() Params {
	return r.params
}

func (r *Registry) Hierarchy() *hierarchy.Hierarchy {
	return r.hierarchy
}

func (r *Registry) chunkName(key string) string {
	return fmt.Sprintf("data/%s%s.bin", key, r.params.Postfix)
}

func (r *Registry) baseName() string {
	return "base" + r.params.Postfix + ".bin"
}

func (r *Registry) idsName() string {
	return "chunks" + r.params.Postfix + ".json"
}

// entry returns the chunk of id, creating it when create is set.
func (r *Registry) entry(id octree.Id, create bool) *Chunk {
	key := id.Key()
	s := &r.slots[octree.Shard(key, numSlots)]
	s.Lock()
	defer s.Unlock()
	c := s.chunks[key]
	if c == nil && create {
		c = newChunk(id, r.params.Root, r.params.Structure)
		if c.base {
			c.state = Resident
		}
		s.chunks[key] = c
	}
	return c
}

func (r *Registry) each(fn func(c *Chunk)) {
	for i := range r.slots {
		s := &r.slots[i]
		s.Lock()
		chunks := make([]*Chunk, 0, len(s.chunks))
		for _, c := range s.chunks {
			chunks = append(chunks, c)
		}
		s.Unlock()
		for _, c := range chunks {
			fn(c)
		}
	}
}

// Acquire takes a reference to the chunk at id and makes it resident.
func (r *Registry) Acquire(ctx context.Context, id octree.Id) (*Chunk, error) {
	c := r.entry(id, true)
	c.refs.Inc()
	c.Lock()
	defer c.Unlock()
	switch c.state {
	case Unloaded:
		c.state = Resident
	case Persisted:
		payload, err := r.ep.Get(ctx, r.chunkName(id.Key()))
		if err == nil {
			err = c.decode(payload, r.params.Compression, r.cells)
		}
		if err != nil {
			c.refs.Dec()
			return nil, errors.Wrapf(err, "failed to load chunk %s", id)
		}
		c.state = Resident
		glog.V(2).Infof("loaded chunk %s with %d points", id, c.Len())
	}
	return c, nil
}

// Clip drops one reference to the chunk at id. When no reference is left the
// chunk is saved and its cells released, inline when sync is set and on the
// clip pool otherwise. chunkNum and clipperID only identify the request in
// logs.
func (r *Registry) Clip(ctx context.Context, id octree.Id, chunkNum, clipperID uint64, sync bool) error {
	c := r.entry(id, false)
	if c == nil {
		panic(fmt.Sprintf("registry: clip of unknown chunk %s", id))
	}
	n := c.refs.Dec()
	if n < 0 {
		panic(fmt.Sprintf("registry: chunk %s released more often than acquired", id))
	}
	if n > 0 {
		return nil
	}
	if sync {
		return r.evict(ctx, c, chunkNum, clipperID)
	}
	r.clipPool.Add(func() error {
		if err := r.evict(ctx, c, chunkNum, clipperID); err != nil {
			// the chunk stays resident and dirty, the next save retries it
			r.clipFailures.Inc()
			glog.Warningf("clip of chunk %s failed: %v", id, err)
		}
		return nil
	})
	return nil
}

func (r *Registry) evict(ctx context.Context, c *Chunk, chunkNum, clipperID uint64) error {
	c.Lock()
	defer c.Unlock()
	if c.refs.Load() > 0 || c.base {
		return nil
	}
	switch c.state {
	case Dirty:
		if err := r.write(ctx, c); err != nil {
			return err
		}
	case Resident:
	default:
		return nil
	}
	if !c.stored && c.Len() == 0 {
		c.state = Unloaded
		return nil
	}
	c.release(r.cells)
	c.state = Persisted
	glog.V(2).Infof("clipper %d released chunk %s (#%d)", clipperID, c.id, chunkNum)
	return nil
}

// write stores a dirty chunk. The caller holds the chunk lock.
func (r *Registry) write(ctx context.Context, c *Chunk) error {
	payload, err := c.encode(r.params.Compression)
	if err != nil {
		return err
	}
	if err := storage.PutWithRetry(ctx, r.ep, r.chunkName(c.id.Key()), payload, r.params.Retries); err != nil {
		return errors.Wrapf(err, "failed to save chunk %s", c.id)
	}
	c.stored = true
	c.state = Resident
	return nil
}

// ClipFailures is the number of asynchronous clips whose save failed.
func (r *Registry) ClipFailures() uint64 {
	return r.clipFailures.Load()
}

// Insert routes every cell to its node. Cells that are not finite or fall
// outside the root cube are returned untouched so the caller can recycle
// them. Cells pass through null depths without being stored but are counted
// there by the hierarchy.
func (r *Registry) Insert(ctx context.Context, cells []*data.Cell, clipper *Clipper, climber *octree.Climber) ([]*data.Cell, error) {
	type pending struct {
		cell   *data.Cell
		id     octree.Id
		bounds geometry.Bounds
	}
	var (
		rejected []*data.Cell
		stack    []pending
		losers   []*data.Cell
	)
	s := r.params.Structure

	for _, cell := range cells {
		p := cell.Vector()
		if !cell.IsValid() || !r.params.Root.Contains(p) {
			rejected = append(rejected, cell)
			continue
		}

		climber.Reset()
		for climber.Depth() < s.NullDepth {
			climber.Magnify(p)
		}
		stack = append(stack[:0], pending{cell: cell, id: climber.Id(), bounds: climber.Bounds()})

		for len(stack) > 0 {
			next := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			chunk, err := r.chunkFor(ctx, next.id, clipper)
			if err != nil {
				return rejected, err
			}
			losers = chunk.Insert(next.cell, losers[:0])
			for _, l := range losers {
				climber.MoveTo(next.id, next.bounds)
				climber.Magnify(l.Vector())
				stack = append(stack, pending{cell: l, id: climber.Id(), bounds: climber.Bounds()})
			}
		}
		r.hierarchy.AddPath(climber.Path())
	}
	return rejected, nil
}

func (r *Registry) chunkFor(ctx context.Context, id octree.Id, clipper *Clipper) (*Chunk, error) {
	if r.params.Structure.InBase(id.Depth()) {
		return r.entry(id, true), nil
	}
	return clipper.Get(ctx, id)
}

type baseNode struct {
	Key  string `cbor:"k"`
	Data []byte `cbor:"d"`
}

var baseMode, baseModeErr = cbor.CoreDetEncOptions().EncMode()

// Save writes every dirty chunk, the base and the list of stored chunks. It
// waits for pending clips first; no insertion may run concurrently.
func (r *Registry) Save(ctx context.Context) error {
	if err := r.clipPool.Await(); err != nil {
		return errors.Wrap(err, "clip tasks failed")
	}

	var base []*Chunk
	var dirty []*Chunk
	r.each(func(c *Chunk) {
		switch {
		case c.base:
			base = append(base, c)
		case c.state == Dirty:
			dirty = append(dirty, c)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(saveParallel)
	for _, c := range dirty {
		c := c
		g.Go(func() error {
			c.Lock()
			defer c.Unlock()
			return r.write(gctx, c)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := r.saveBase(ctx, base); err != nil {
		return err
	}
	ids, err := json.Marshal(keys(r.Stored()))
	if err != nil {
		return errors.WithStack(err)
	}
	if err := storage.PutWithRetry(ctx, r.ep, r.idsName(), ids, r.params.Retries); err != nil {
		return errors.Wrap(err, "failed to save chunk list")
	}
	glog.Infof("registry: saved %d chunks, %d base nodes", len(dirty), len(base))
	return nil
}

func (r *Registry) saveBase(ctx context.Context, base []*Chunk) error {
	if baseModeErr != nil {
		return errors.Wrap(baseModeErr, "invalid cbor options")
	}
	sort.Slice(base, func(i, j int) bool { return octree.Compare(base[i].id, base[j].id) < 0 })
	nodes := make([]baseNode, 0, len(base))
	for _, c := range base {
		c.Lock()
		if c.Len() == 0 {
			c.Unlock()
			continue
		}
		payload, err := c.encode(r.params.Compression)
		if err == nil {
			c.state = Resident
		}
		c.Unlock()
		if err != nil {
			return err
		}
		nodes = append(nodes, baseNode{Key: c.id.Key(), Data: payload})
	}
	raw, err := baseMode.Marshal(nodes)
	if err != nil {
		return errors.Wrap(err, "failed to encode base")
	}
	return errors.Wrap(storage.PutWithRetry(ctx, r.ep, r.baseName(), raw, r.params.Retries), "failed to save base")
}

// Load restores the base and the list of stored chunks written by Save. A
// missing index leaves the registry empty.
func (r *Registry) Load(ctx context.Context) error {
	ids, err := storage.GetOptional(ctx, r.ep, r.idsName())
	if err != nil {
		return errors.Wrap(err, "failed to read chunk list")
	}
	if ids != nil {
		var list []string
		if err := json.Unmarshal(ids, &list); err != nil {
			return errors.Wrap(err, "invalid chunk list")
		}
		for _, key := range list {
			id, err := octree.ParseKey(key)
			if err != nil {
				return err
			}
			c := r.entry(id, true)
			c.stored = true
			c.state = Persisted
		}
	}

	raw, err := storage.GetOptional(ctx, r.ep, r.baseName())
	if err != nil || raw == nil {
		return errors.Wrap(err, "failed to read base")
	}
	var nodes []baseNode
	if err := cbor.Unmarshal(raw, &nodes); err != nil {
		return errors.Wrap(err, "invalid base")
	}
	for _, n := range nodes {
		id, err := octree.ParseKey(n.Key)
		if err != nil {
			return err
		}
		c := r.entry(id, true)
		c.Lock()
		err = c.decode(n.Data, r.params.Compression, r.cells)
		c.state = Resident
		c.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Stored returns the non base chunks that have a blob, depth first. Like
// Base and Resident it locks every chunk in turn, so a result taken while
// workers run is only a snapshot.
func (r *Registry) Stored() []octree.Id {
	var ids []octree.Id
	r.each(func(c *Chunk) {
		c.Lock()
		defer c.Unlock()
		if !c.base && c.stored {
			ids = append(ids, c.id)
		}
	})
	sort.Slice(ids, func(i, j int) bool { return octree.Compare(ids[i], ids[j]) < 0 })
	return ids
}

// Base returns the base chunks holding points, depth first.
func (r *Registry) Base() []*Chunk {
	var out []*Chunk
	r.each(func(c *Chunk) {
		c.Lock()
		defer c.Unlock()
		if c.base && c.Len() > 0 {
			out = append(out, c)
		}
	})
	sort.Slice(out, func(i, j int) bool { return octree.Compare(out[i].id, out[j].id) < 0 })
	return out
}

// Resident is the number of non base chunks currently in memory.
func (r *Registry) Resident() int {
	n := 0
	r.each(func(c *Chunk) {
		c.Lock()
		defer c.Unlock()
		if !c.base && (c.state == Resident || c.state == Dirty) {
			n++
		}
	})
	return n
}

// Chunk returns the chunk at id if the registry knows it.
func (r *Registry) Chunk(id octree.Id) *Chunk {
	return r.entry(id, false)
}

// ReadChunk decodes the stored blob of id without making it resident. The
// cells come from the registry pool.
func (r *Registry) ReadChunk(ctx context.Context, id octree.Id) ([]*data.Cell, error) {
	payload, err := r.ep.Get(ctx, r.chunkName(id.Key()))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read chunk %s", id)
	}
	cells, _, err := decodeCells(payload, r.params.Compression, r.cells)
	return cells, errors.Wrapf(err, "chunk %s", id)
}

// Merge adopts the chunks of other, a saved registry of a sibling subset.
// Siblings never share a materialized node, so every stored blob is copied
// under this registry's name and the cells of every base node are moved
// into this registry's pool.
func (r *Registry) Merge(ctx context.Context, other *Registry) error {
	for _, id := range other.Stored() {
		key := id.Key()
		if c := r.entry(id, false); c != nil && (c.stored || c.Len() > 0) {
			return errors.Errorf("chunk %s exists in both subsets", id)
		}
		payload, err := other.ep.Get(ctx, other.chunkName(key))
		if err != nil {
			return errors.Wrapf(err, "failed to read chunk %s", id)
		}
		if err := storage.PutWithRetry(ctx, r.ep, r.chunkName(key), payload, r.params.Retries); err != nil {
			return errors.Wrapf(err, "failed to copy chunk %s", id)
		}
		c := r.entry(id, true)
		c.stored = true
		c.state = Persisted
	}

	for _, oc := range other.Base() {
		c := r.entry(oc.id, true)
		c.Lock()
		if c.Len() > 0 {
			c.Unlock()
			return errors.Errorf("base node %s exists in both subsets", oc.id)
		}
		oc.Lock()
		c.gridded = oc.gridded
		for k, cell := range oc.slots {
			c.slots[k] = r.cells.Acquire(cell.Point, cell.Origin)
		}
		for _, cell := range oc.list {
			c.list = append(c.list, r.cells.Acquire(cell.Point, cell.Origin))
		}
		oc.release(other.cells)
		oc.Unlock()
		c.state = Dirty
		c.Unlock()
	}
	return nil
}

// Rename moves every stored chunk to the names of postfix. Resident chunks
// are marked dirty so that the next save writes them under the new name.
func (r *Registry) Rename(ctx context.Context, postfix string) error {
	if postfix == r.params.Postfix {
		return nil
	}
	old := r.params.Postfix
	var errs error
	r.each(func(c *Chunk) {
		if c.base || !c.stored {
			return
		}
		c.Lock()
		defer c.Unlock()
		if c.state != Persisted {
			c.state = Dirty
			return
		}
		key := c.id.Key()
		payload, err := r.ep.Get(ctx, fmt.Sprintf("data/%s%s.bin", key, old))
		if err == nil {
			err = storage.PutWithRetry(ctx, r.ep, fmt.Sprintf("data/%s%s.bin", key, postfix), payload, r.params.Retries)
		}
		errs = multierr.Append(errs, errors.Wrapf(err, "failed to rename chunk %s", c.id))
	})
	if errs != nil {
		return errs
	}
	r.params.Postfix = postfix
	return nil
}

// Rebase applies a structure with a shallower base depth: base nodes at or
// below the new base become ordinary chunks and are written at the next save.
func (r *Registry) Rebase(s octree.Structure) {
	r.params.Structure = s
	r.each(func(c *Chunk) {
		if c.base && !s.InBase(c.id.Depth()) {
			c.Lock()
			c.base = false
			if c.Len() > 0 {
				c.state = Dirty
			} else {
				c.state = Unloaded
			}
			c.Unlock()
		}
	})
}

// Close releases the cells of every chunk back to the pool.
func (r *Registry) Close() {
	r.each(func(c *Chunk) {
		c.Lock()
		c.release(r.cells)
		c.Unlock()
	})
}

func keys(ids []octree.Id) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Key()
	}
	return out
}
