package octree

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"

	"github.com/ecopia-map/cloud_indexer/internal/geometry"
)

func TestClimbIsDeterministicAcrossGoroutines(t *testing.T) {
	root := geometry.NewBounds(r3.Vector{}, r3.Vector{X: 100, Y: 100, Z: 100})
	r := rand.New(rand.NewSource(7))
	points := make([]r3.Vector, 200)
	for i := range points {
		points[i] = r3.Vector{X: r.Float64() * 100, Y: r.Float64() * 100, Z: r.Float64() * 100}
	}
	// exact split plane
	points[0] = root.Mid

	want := make([]string, len(points))
	for i, p := range points {
		want[i] = Climb(root, p, 30).Key()
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			c := NewClimber(root)
			for i := len(points) - 1; i >= 0; i-- {
				j := (i + w*37) % len(points)
				c.Reset()
				for c.Depth() < 30 {
					c.Magnify(points[j])
				}
				assert.Equal(t, want[j], c.Id().Key())
			}
		}(w)
	}
	wg.Wait()
}

func TestClimberMoveToDoesNotRecord(t *testing.T) {
	root := geometry.Bounds{Radius: 1}
	c := NewClimber(root)
	id := Root().Child(6)
	c.MoveTo(id, id.Bounds(root))
	assert.Len(t, c.Path(), 1)
	c.Magnify(r3.Vector{X: -0.9, Y: 0.9, Z: 0.9})
	assert.Len(t, c.Path(), 2)
	assert.Equal(t, uint32(2), c.Depth())
	assert.Equal(t, uint8(6), c.Id().Dir(2))
}
