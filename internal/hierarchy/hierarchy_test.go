package hierarchy

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecopia-map/cloud_indexer/internal/octree"
	"github.com/ecopia-map/cloud_indexer/internal/storage"
)

func chain(dirs ...uint8) []octree.Id {
	id := octree.Root()
	path := []octree.Id{id}
	for _, d := range dirs {
		id = id.Child(d)
		path = append(path, id)
	}
	return path
}

func TestAddPathConcurrent(t *testing.T) {
	h := New(Structure{BaseDepth: 2, Step: 2})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.AddPath(chain(uint8(w), uint8(i%8), 3))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, uint64(800), h.Total())
	assert.Equal(t, uint64(100), h.Count(octree.Root().Child(5)))
	assert.Equal(t, uint64(0), h.Count(octree.Root().Child(5).Child(0).Child(0)))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	ep := storage.NewMemory()
	structure := Structure{BaseDepth: 2, Step: 2}
	codec := Codec{Compression: storage.CompressionZstd}

	h := New(structure)
	for i := 0; i < 50; i++ {
		h.AddPath(chain(uint8(i%8), uint8(i%3), uint8(i%5), uint8(i%7), 1))
	}
	require.NoError(t, h.Save(ctx, ep, "-1", codec, 1))

	loaded, err := Load(ctx, ep, "-1", structure, codec)
	require.NoError(t, err)
	assert.Equal(t, h.Snapshot(), loaded.Snapshot())

	_, err = Load(ctx, ep, "", structure, codec)
	assert.Error(t, err)
}

func TestSaveIsDeterministic(t *testing.T) {
	ctx := context.Background()
	codec := Codec{Compression: storage.CompressionNone}
	a, b := storage.NewMemory(), storage.NewMemory()

	h := New(Structure{BaseDepth: 1, Step: 1})
	h.AddPath(chain(1, 2, 3))
	h.AddPath(chain(4, 5))
	require.NoError(t, h.Save(ctx, a, "", codec, 1))
	require.NoError(t, h.Save(ctx, b, "", codec, 1))

	keys, err := a.List(ctx, "", true)
	require.NoError(t, err)
	require.NotEmpty(t, keys)
	for _, k := range keys {
		x, err := a.Get(ctx, k)
		require.NoError(t, err)
		y, err := b.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, x, y, k)
	}
}

func TestSaveRetriesPuts(t *testing.T) {
	ctx := context.Background()
	codec := Codec{Compression: storage.CompressionNone}
	h := New(Structure{BaseDepth: 4, Step: 4})
	h.AddPath(chain(3))

	flaky := func() *storage.Memory {
		ep := storage.NewMemory()
		failed := map[string]bool{}
		ep.FailPut = func(path string) error {
			if failed[path] {
				return nil
			}
			failed[path] = true
			return errors.New("transient")
		}
		return ep
	}
	assert.Error(t, h.Save(ctx, flaky(), "", codec, 0))

	ep := flaky()
	require.NoError(t, h.Save(ctx, ep, "", codec, 1))
	loaded, err := Load(ctx, ep, "", h.Structure(), codec)
	require.NoError(t, err)
	assert.Equal(t, h.Snapshot(), loaded.Snapshot())
}

func TestMergeSumsDisjointSubsets(t *testing.T) {
	a := New(Structure{BaseDepth: 1, Step: 3})
	b := New(Structure{BaseDepth: 1, Step: 3})
	for i := 0; i < 500; i++ {
		a.AddPath(chain(0, uint8(i%8)))
		b.AddPath(chain(1, uint8(i%8)))
	}
	a.Merge(b)
	assert.Equal(t, uint64(1000), a.Total())
	assert.Equal(t, uint64(500), a.Count(octree.Root().Child(1)))
}

func TestStructureRespectsSubsetSplit(t *testing.T) {
	s := octree.Structure{NullDepth: 0, BaseDepth: 0, SparseDepth: 10, MaxDepth: 10, PointsPerChunk: 8}
	sub, err := octree.NewSubset(3, 64)
	require.NoError(t, err)
	assert.Equal(t, sub.SplitDepth(), NewStructure(s, sub).BaseDepth)
	assert.Equal(t, uint32(0), NewStructure(s, nil).BaseDepth)
}
