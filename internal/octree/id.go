package octree

import (
	"hash/fnv"
	"math/big"
	"strings"

	"github.com/pkg/errors"

	"github.com/ecopia-map/cloud_indexer/internal/geometry"
)

var (
	bigOne   = big.NewInt(1)
	bigSeven = big.NewInt(7)
)

// Id addresses an octree node: its depth plus the octant chosen at every
// level, packed three bits per level into an arbitrary precision integer so
// that trees deeper than 21 levels are addressable.
type Id struct {
	depth uint32
	path  *big.Int
}

// Root returns the address of the root node.
func Root() Id {
	return Id{path: new(big.Int)}
}

func (i Id) Depth() uint32 {
	return i.depth
}

func (i Id) pathOrZero() *big.Int {
	if i.path == nil {
		return new(big.Int)
	}
	return i.path
}

// Child returns the address of the octant dir below i.
func (i Id) Child(dir uint8) Id {
	p := new(big.Int).Lsh(i.pathOrZero(), 3)
	p.Or(p, big.NewInt(int64(dir&7)))
	return Id{depth: i.depth + 1, path: p}
}

// Parent returns the address one level up. The root is its own parent.
func (i Id) Parent() Id {
	if i.depth == 0 {
		return i
	}
	return Id{depth: i.depth - 1, path: new(big.Int).Rsh(i.pathOrZero(), 3)}
}

// Ancestor returns the address of the ancestor of i at depth d, which must
// not exceed the depth of i.
func (i Id) Ancestor(d uint32) Id {
	if d >= i.depth {
		return i
	}
	return Id{depth: d, path: new(big.Int).Rsh(i.pathOrZero(), uint(3*(i.depth-d)))}
}

// Dir returns the octant taken when descending from depth level-1 to level.
func (i Id) Dir(level uint32) uint8 {
	if level == 0 || level > i.depth {
		return 0
	}
	shifted := new(big.Int).Rsh(i.pathOrZero(), uint(3*(i.depth-level)))
	return uint8(shifted.Uint64() & 7)
}

func (i Id) Equal(o Id) bool {
	return i.depth == o.depth && i.pathOrZero().Cmp(o.pathOrZero()) == 0
}

// IsAncestorOf reports whether o lies in the subtree rooted at i, i included.
func (i Id) IsAncestorOf(o Id) bool {
	return o.depth >= i.depth && o.Ancestor(i.depth).Equal(i)
}

func levelOffset(depth uint32) *big.Int {
	off := new(big.Int).Lsh(bigOne, uint(3*depth))
	off.Sub(off, bigOne)
	return off.Div(off, bigSeven)
}

// Key is the level order index of the node, (8^depth-1)/7 + path, in
// decimal. It names the node in maps and in storage.
func (i Id) Key() string {
	k := levelOffset(i.depth)
	return k.Add(k, i.pathOrZero()).String()
}

func (i Id) String() string {
	return i.Key()
}

// Shard spreads node keys over n lock shards.
func Shard(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// ParseKey is the inverse of Key.
func ParseKey(s string) (Id, error) {
	s = strings.TrimSpace(s)
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return Id{}, errors.Errorf("invalid node key %q", s)
	}
	var depth uint32
	for {
		next := levelOffset(depth + 1)
		if n.Cmp(next) < 0 {
			break
		}
		depth++
	}
	return Id{depth: depth, path: n.Sub(n, levelOffset(depth))}, nil
}

// Compare orders addresses depth first: an ancestor precedes its
// descendants, and siblings follow octant order.
func Compare(a, b Id) int {
	if a.depth == b.depth {
		return a.pathOrZero().Cmp(b.pathOrZero())
	}
	if a.depth < b.depth {
		if c := a.pathOrZero().Cmp(b.Ancestor(a.depth).pathOrZero()); c != 0 {
			return c
		}
		return -1
	}
	if c := a.Ancestor(b.depth).pathOrZero().Cmp(b.pathOrZero()); c != 0 {
		return c
	}
	return 1
}

// Bounds derives the cube of the node from the root cube.
func (i Id) Bounds(root geometry.Bounds) geometry.Bounds {
	b := root
	for level := uint32(1); level <= i.depth; level++ {
		b = b.Child(i.Dir(level))
	}
	return b
}
