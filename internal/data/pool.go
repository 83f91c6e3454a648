package data

import (
	"sync"

	"go.uber.org/atomic"
)

// CellPool recycles cells so that reading and evicting chunks does not churn
// the heap with one allocation per point.
type CellPool struct {
	pool        sync.Pool
	outstanding atomic.Int64
}

func NewCellPool() *CellPool {
	return &CellPool{
		pool: sync.Pool{New: func() interface{} { return new(Cell) }},
	}
}

// Get returns a zeroed cell.
func (p *CellPool) Get() *Cell {
	p.outstanding.Inc()
	c := p.pool.Get().(*Cell)
	*c = Cell{}
	return c
}

// Acquire returns a pooled cell holding pt.
func (p *CellPool) Acquire(pt Point, origin uint64) *Cell {
	c := p.Get()
	c.Point = pt
	c.Origin = origin
	return c
}

func (p *CellPool) Put(cells ...*Cell) {
	for _, c := range cells {
		if c == nil {
			continue
		}
		p.outstanding.Dec()
		p.pool.Put(c)
	}
}

// Outstanding is the number of cells handed out and not yet returned.
func (p *CellPool) Outstanding() int64 {
	return p.outstanding.Load()
}
