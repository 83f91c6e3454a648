package registry

import (
	"math"
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"go.uber.org/atomic"

	"github.com/ecopia-map/cloud_indexer/internal/data"
	"github.com/ecopia-map/cloud_indexer/internal/geometry"
	"github.com/ecopia-map/cloud_indexer/internal/octree"
)

// State is the residency of a chunk.
type State int32

const (
	// Unloaded chunks have never held a point.
	Unloaded State = iota
	// Resident chunks are in memory and match their stored blob, if any.
	Resident
	// Dirty chunks are in memory and differ from storage.
	Dirty
	// Persisted chunks live only in storage.
	Persisted
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Resident:
		return "resident"
	case Dirty:
		return "dirty"
	case Persisted:
		return "persisted"
	}
	return "unknown"
}

// Chunk is the point buffer of one node. Dense chunks keep at most one cell
// per grid slot; sparse chunks keep a plain list until it overflows and then
// turn into a grid for good. Among cells competing for a slot the one nearest
// to the slot centre stays, so the final content of every chunk does not
// depend on the order in which cells arrived.
type Chunk struct {
	sync.Mutex

	id       octree.Id
	bounds   geometry.Bounds
	grid     uint64
	capacity uint64
	terminal bool
	base     bool

	gridded bool
	slots   map[uint64]*data.Cell
	list    []*data.Cell
	state   State
	stored  bool

	refs atomic.Int64
}

func newChunk(id octree.Id, root geometry.Bounds, s octree.Structure) *Chunk {
	depth := id.Depth()
	return &Chunk{
		id:       id,
		bounds:   id.Bounds(root),
		grid:     s.CellsPerSide(depth),
		capacity: s.PointsPerChunk,
		terminal: s.IsTerminal(depth),
		base:     s.InBase(depth),
		gridded:  !s.IsSparse(depth),
		slots:    map[uint64]*data.Cell{},
		state:    Unloaded,
	}
}

func (c *Chunk) Id() octree.Id {
	return c.id
}

func (c *Chunk) Bounds() geometry.Bounds {
	return c.bounds
}

// State returns the residency of the chunk. It is only stable while the
// caller holds the chunk lock or no worker is active.
func (c *Chunk) State() State {
	return c.state
}

func (c *Chunk) Refs() int64 {
	return c.refs.Load()
}

// Len is the number of cells held.
func (c *Chunk) Len() int {
	return len(c.slots) + len(c.list)
}

// Cells returns the held cells in data.Less order.
func (c *Chunk) Cells() []*data.Cell {
	out := make([]*data.Cell, 0, c.Len())
	for _, cell := range c.slots {
		out = append(out, cell)
	}
	out = append(out, c.list...)
	sort.Slice(out, func(i, j int) bool { return data.Less(out[i], out[j]) })
	return out
}

// Insert places cell and appends to out every cell that must move one level
// deeper: the loser of a slot, or all of them when a list overflows.
func (c *Chunk) Insert(cell *data.Cell, out []*data.Cell) []*data.Cell {
	c.Lock()
	defer c.Unlock()
	c.state = Dirty
	return c.place(cell, out)
}

func (c *Chunk) place(cell *data.Cell, out []*data.Cell) []*data.Cell {
	if c.gridded {
		return c.placeInGrid(cell, out)
	}
	c.list = append(c.list, cell)
	if c.terminal || uint64(len(c.list)) <= c.capacity {
		return out
	}
	list := c.list
	c.list = nil
	c.gridded = true
	for _, l := range list {
		out = c.placeInGrid(l, out)
	}
	return out
}

func (c *Chunk) placeInGrid(cell *data.Cell, out []*data.Cell) []*data.Cell {
	slot, dist := c.slotOf(cell.Vector())
	current := c.slots[slot]
	if current == nil {
		c.slots[slot] = cell
		return out
	}
	_, currentDist := c.slotOf(current.Vector())
	if dist < currentDist || dist == currentDist && data.Less(cell, current) {
		c.slots[slot] = cell
		return append(out, current)
	}
	return append(out, cell)
}

// slotOf returns the grid slot of p and its squared distance to the slot
// centre.
func (c *Chunk) slotOf(p r3.Vector) (uint64, float64) {
	min := c.bounds.Min()
	size := c.bounds.Width() / float64(c.grid)
	axis := func(v, lo float64) (uint64, float64) {
		i := math.Floor((v - lo) / size)
		if i < 0 {
			i = 0
		}
		if i > float64(c.grid-1) {
			i = float64(c.grid - 1)
		}
		d := v - (lo + (i+0.5)*size)
		return uint64(i), d * d
	}
	x, dx := axis(p.X, min.X)
	y, dy := axis(p.Y, min.Y)
	z, dz := axis(p.Z, min.Z)
	return x + y*c.grid + z*c.grid*c.grid, dx + dy + dz
}

// release hands every cell back to the pool.
func (c *Chunk) release(cells *data.CellPool) {
	for k, cell := range c.slots {
		cells.Put(cell)
		delete(c.slots, k)
	}
	cells.Put(c.list...)
	c.list = nil
}
