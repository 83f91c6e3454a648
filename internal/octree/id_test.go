package octree

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecopia-map/cloud_indexer/internal/geometry"
)

func TestKeyLevelOrder(t *testing.T) {
	assert.Equal(t, "0", Root().Key())
	assert.Equal(t, "1", Root().Child(0).Key())
	assert.Equal(t, "8", Root().Child(7).Key())
	assert.Equal(t, "9", Root().Child(0).Child(0).Key())
	assert.Equal(t, "72", Root().Child(7).Child(7).Key())
}

func TestKeyRoundTripDeep(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	id := Root()
	for d := 0; d < 40; d++ {
		id = id.Child(uint8(r.Intn(8)))
	}
	assert.Equal(t, uint32(40), id.Depth())

	parsed, err := ParseKey(id.Key())
	require.NoError(t, err)
	assert.True(t, parsed.Equal(id))
	assert.Equal(t, id.Key(), parsed.Key())

	_, err = ParseKey("abc")
	assert.Error(t, err)
	_, err = ParseKey("-3")
	assert.Error(t, err)
}

func TestParentAncestorDir(t *testing.T) {
	id := Root().Child(3).Child(5).Child(1)
	assert.True(t, id.Parent().Equal(Root().Child(3).Child(5)))
	assert.True(t, id.Ancestor(1).Equal(Root().Child(3)))
	assert.Equal(t, uint8(3), id.Dir(1))
	assert.Equal(t, uint8(5), id.Dir(2))
	assert.Equal(t, uint8(1), id.Dir(3))
	assert.True(t, Root().IsAncestorOf(id))
	assert.True(t, id.Ancestor(2).IsAncestorOf(id))
	assert.False(t, Root().Child(2).IsAncestorOf(id))
	assert.True(t, Root().Parent().Equal(Root()))
}

func TestCompareIsPreorder(t *testing.T) {
	a := Root().Child(0)
	aa := a.Child(7)
	b := Root().Child(1)
	ids := []Id{b, aa, Root(), a.Child(1), a}
	sort.Slice(ids, func(i, j int) bool { return Compare(ids[i], ids[j]) < 0 })

	want := []Id{Root(), a, a.Child(1), aa, b}
	for i := range want {
		assert.True(t, want[i].Equal(ids[i]), "position %d: got %s want %s", i, ids[i], want[i])
	}
	assert.Equal(t, 0, Compare(aa, a.Child(7)))
}

func TestBoundsDerivedFromAddress(t *testing.T) {
	root := geometry.Bounds{Mid: r3.Vector{X: 1, Y: 1, Z: 1}, Radius: 1}
	p := r3.Vector{X: 0.3, Y: 1.7, Z: 1.2}
	c := NewClimber(root)
	for i := 0; i < 12; i++ {
		c.Magnify(p)
	}
	assert.True(t, c.Bounds().Equal(c.Id().Bounds(root)))
	assert.True(t, c.Bounds().Contains(p))
	assert.Len(t, c.Path(), 13)
}

func TestShard(t *testing.T) {
	// FNV-1a of the empty key is its offset basis, 0x811c9dc5
	assert.Equal(t, 0xc5, Shard("", 256))
	assert.Equal(t, 5, Shard("", 64))

	used := map[int]bool{}
	for dir := uint8(0); dir < 8; dir++ {
		for sub := uint8(0); sub < 8; sub++ {
			key := Root().Child(dir).Child(sub).Key()
			s := Shard(key, 64)
			assert.Equal(t, s, Shard(key, 64))
			assert.True(t, s >= 0 && s < 64)
			used[s] = true
		}
	}
	assert.Greater(t, len(used), 8)
}
