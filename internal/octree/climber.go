package octree

import (
	"github.com/golang/geo/r3"

	"github.com/ecopia-map/cloud_indexer/internal/geometry"
)

// Climber is a descent cursor. It tracks the current address and cube and
// records every node it enters so the hierarchy can be updated in one go.
type Climber struct {
	root   geometry.Bounds
	id     Id
	bounds geometry.Bounds
	path   []Id
}

func NewClimber(root geometry.Bounds) *Climber {
	c := &Climber{root: root}
	c.Reset()
	return c
}

// Reset moves the cursor back to the root and starts a new path with it.
func (c *Climber) Reset() {
	c.id = Root()
	c.bounds = c.root
	c.path = append(c.path[:0], c.id)
}

// MoveTo positions the cursor at a known node without recording it.
func (c *Climber) MoveTo(id Id, bounds geometry.Bounds) {
	c.id = id
	c.bounds = bounds
}

// Magnify descends one level toward p and returns the octant taken.
func (c *Climber) Magnify(p r3.Vector) uint8 {
	dir := c.bounds.Octant(p)
	c.id = c.id.Child(dir)
	c.bounds = c.bounds.Child(dir)
	c.path = append(c.path, c.id)
	return dir
}

func (c *Climber) Id() Id {
	return c.id
}

func (c *Climber) Depth() uint32 {
	return c.id.Depth()
}

func (c *Climber) Bounds() geometry.Bounds {
	return c.bounds
}

func (c *Climber) Root() geometry.Bounds {
	return c.root
}

// Path returns the nodes entered since the last Reset.
func (c *Climber) Path() []Id {
	return c.path
}

// Climb returns the address of p at depth.
func Climb(root geometry.Bounds, p r3.Vector, depth uint32) Id {
	id := Root()
	b := root
	for id.Depth() < depth {
		dir := b.Octant(p)
		id = id.Child(dir)
		b = b.Child(dir)
	}
	return id
}
