package registry

import (
	"context"
	"sort"

	"go.uber.org/multierr"

	"github.com/ecopia-map/cloud_indexer/internal/octree"
)

// DefaultClipBudget is the number of chunks a worker keeps referenced
// between files.
const DefaultClipBudget = 64

// Target is what a Clipper needs from the registry.
type Target interface {
	Acquire(ctx context.Context, id octree.Id) (*Chunk, error)
	Clip(ctx context.Context, id octree.Id, chunkNum, clipperID uint64, sync bool) error
}

type held struct {
	id    octree.Id
	chunk *Chunk
	used  uint64
}

// Clipper tracks the chunks referenced by one worker. Each chunk is acquired
// once on first use and kept until the clipper lets it go, so the registry
// reference count of a chunk is the number of workers holding it.
//
// A Clipper is not safe for concurrent use.
type Clipper struct {
	id     uint64
	target Target
	budget int
	clock  uint64
	held   map[string]*held
}

func NewClipper(id uint64, target Target, budget int) *Clipper {
	if budget <= 0 {
		budget = DefaultClipBudget
	}
	return &Clipper{
		id:     id,
		target: target,
		budget: budget,
		held:   map[string]*held{},
	}
}

func (c *Clipper) Id() uint64 {
	return c.id
}

// Len is the number of chunks currently held.
func (c *Clipper) Len() int {
	return len(c.held)
}

// Get returns the chunk at id, acquiring it on first use.
func (c *Clipper) Get(ctx context.Context, id octree.Id) (*Chunk, error) {
	c.clock++
	key := id.Key()
	if h, ok := c.held[key]; ok {
		h.used = c.clock
		return h.chunk, nil
	}
	chunk, err := c.target.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	c.held[key] = &held{id: id, chunk: chunk, used: c.clock}
	return chunk, nil
}

// Clip lets go of the least recently used chunks until at most budget remain.
// Their eviction runs on the clip pool.
func (c *Clipper) Clip(ctx context.Context) error {
	if len(c.held) <= c.budget {
		return nil
	}
	return c.release(ctx, len(c.held)-c.budget, false)
}

// Done lets go of every held chunk.
func (c *Clipper) Done(ctx context.Context, sync bool) error {
	return c.release(ctx, len(c.held), sync)
}

func (c *Clipper) release(ctx context.Context, n int, sync bool) error {
	all := make([]*held, 0, len(c.held))
	for _, h := range c.held {
		all = append(all, h)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].used < all[j].used })

	var errs error
	for _, h := range all[:n] {
		delete(c.held, h.id.Key())
		errs = multierr.Append(errs, c.target.Clip(ctx, h.id, h.used, c.id, sync))
	}
	return errs
}
