package hierarchy

import (
	"context"
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/ecopia-map/cloud_indexer/internal/octree"
	"github.com/ecopia-map/cloud_indexer/internal/storage"
)

const (
	numShards = 64
	topName   = "top"
)

// Structure is the blob layout of the hierarchy. Counts above BaseDepth go
// to a single top blob; below it, every node at BaseDepth + k*Step anchors a
// blob holding the counts of its subtree down to the next anchor depth.
type Structure struct {
	BaseDepth uint32 `json:"baseDepth"`
	Step      uint32 `json:"step"`
}

const defaultStep = 6

// NewStructure derives the hierarchy layout from the point structure. A
// partitioned build never anchors a blob above its split depth, so that no
// two subsets write the same anchor.
func NewStructure(s octree.Structure, subset *octree.Subset) Structure {
	base := s.BaseDepth
	if subset != nil && base < subset.SplitDepth() {
		base = subset.SplitDepth()
	}
	return Structure{BaseDepth: base, Step: defaultStep}
}

func (s Structure) step() uint32 {
	if s.Step == 0 {
		return defaultStep
	}
	return s.Step
}

// anchorOf returns the id of the blob that stores the count of id, and
// whether that blob is the top blob.
func (s Structure) anchorOf(id octree.Id) (octree.Id, bool) {
	d := id.Depth()
	if d < s.BaseDepth {
		return octree.Root(), true
	}
	return id.Ancestor(d - (d-s.BaseDepth)%s.step()), false
}

type counter struct {
	id octree.Id
	n  atomic.Uint64
}

type shard struct {
	sync.RWMutex
	counts map[string]*counter
}

// Hierarchy keeps the cumulative number of points that entered every node,
// null depths included.
type Hierarchy struct {
	structure Structure
	// chain guards snapshots against half applied paths: adders share it,
	// snapshots take it exclusively.
	chain  sync.RWMutex
	shards [numShards]shard
}

func New(structure Structure) *Hierarchy {
	h := &Hierarchy{structure: structure}
	for i := range h.shards {
		h.shards[i].counts = map[string]*counter{}
	}
	return h
}

func (h *Hierarchy) Structure() Structure {
	return h.structure
}

func (h *Hierarchy) counter(id octree.Id) *counter {
	key := id.Key()
	s := &h.shards[octree.Shard(key, numShards)]
	s.RLock()
	c := s.counts[key]
	s.RUnlock()
	if c != nil {
		return c
	}
	s.Lock()
	defer s.Unlock()
	if c = s.counts[key]; c == nil {
		c = &counter{id: id}
		s.counts[key] = c
	}
	return c
}

// AddPath counts one point into every node of path as a single unit.
func (h *Hierarchy) AddPath(path []octree.Id) {
	h.chain.RLock()
	defer h.chain.RUnlock()
	for _, id := range path {
		h.counter(id).n.Inc()
	}
}

func (h *Hierarchy) Add(id octree.Id, n uint64) {
	h.chain.RLock()
	defer h.chain.RUnlock()
	h.counter(id).n.Add(n)
}

func (h *Hierarchy) Count(id octree.Id) uint64 {
	key := id.Key()
	s := &h.shards[octree.Shard(key, numShards)]
	s.RLock()
	defer s.RUnlock()
	if c := s.counts[key]; c != nil {
		return c.n.Load()
	}
	return 0
}

// Total is the number of points in the tree.
func (h *Hierarchy) Total() uint64 {
	return h.Count(octree.Root())
}

// Snapshot returns every non zero count keyed by node key.
func (h *Hierarchy) Snapshot() map[string]uint64 {
	h.chain.Lock()
	defer h.chain.Unlock()
	out := map[string]uint64{}
	for i := range h.shards {
		for k, c := range h.shards[i].counts {
			if n := c.n.Load(); n != 0 {
				out[k] = n
			}
		}
	}
	return out
}

// Ids returns the nodes with a non zero count in depth first order.
func (h *Hierarchy) Ids() []octree.Id {
	h.chain.Lock()
	defer h.chain.Unlock()
	var ids []octree.Id
	for i := range h.shards {
		for _, c := range h.shards[i].counts {
			if c.n.Load() != 0 {
				ids = append(ids, c.id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return octree.Compare(ids[i], ids[j]) < 0 })
	return ids
}

// Merge adds every count of other into h.
func (h *Hierarchy) Merge(other *Hierarchy) {
	for _, id := range other.Ids() {
		h.Add(id, other.Count(id))
	}
}

// Save writes the counts below ep, naming every blob with postfix. Each put
// is retried up to retries times.
func (h *Hierarchy) Save(ctx context.Context, ep storage.Endpoint, postfix string, codec Codec, retries uint64) error {
	top := &blob{Counts: map[string]uint64{}}
	anchors := map[string]*blob{}

	// ids are depth first, so anchors are listed in depth first order too
	for _, id := range h.Ids() {
		anchor, isTop := h.structure.anchorOf(id)
		b := top
		if !isTop {
			if b = anchors[anchor.Key()]; b == nil {
				b = &blob{Counts: map[string]uint64{}}
				anchors[anchor.Key()] = b
				top.Anchors = append(top.Anchors, anchor.Key())
			}
		}
		b.Counts[id.Key()] = h.Count(id)
	}

	if err := h.put(ctx, ep, topName+postfix, top, codec, retries); err != nil {
		return err
	}
	for key, b := range anchors {
		if err := h.put(ctx, ep, key+postfix, b, codec, retries); err != nil {
			return err
		}
	}
	glog.V(1).Infof("hierarchy: wrote %d blobs, %d points", len(anchors)+1, h.Total())
	return nil
}

func (h *Hierarchy) put(ctx context.Context, ep storage.Endpoint, name string, b *blob, codec Codec, retries uint64) error {
	payload, err := codec.encode(b)
	if err != nil {
		return err
	}
	return errors.Wrapf(storage.PutWithRetry(ctx, ep, name, payload, retries), "failed to write hierarchy blob %s", name)
}

// Load reads the counts written by Save.
func Load(ctx context.Context, ep storage.Endpoint, postfix string, structure Structure, codec Codec) (*Hierarchy, error) {
	h := New(structure)
	topData, err := ep.Get(ctx, topName+postfix)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read hierarchy")
	}
	top, err := codec.decode(topData)
	if err != nil {
		return nil, err
	}
	if err := h.addAll(top.Counts); err != nil {
		return nil, err
	}
	for _, key := range top.Anchors {
		data, err := ep.Get(ctx, key+postfix)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read hierarchy blob %s", key)
		}
		b, err := codec.decode(data)
		if err != nil {
			return nil, err
		}
		if err := h.addAll(b.Counts); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Hierarchy) addAll(counts map[string]uint64) error {
	for key, n := range counts {
		id, err := octree.ParseKey(key)
		if err != nil {
			return err
		}
		h.Add(id, n)
	}
	return nil
}
