package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exercise(t *testing.T, ep Endpoint) {
	ctx := context.Background()

	_, err := ep.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	data, err := GetOptional(ctx, ep, "missing")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, ep.Put(ctx, "a/b/c.bin", []byte("hello")))
	require.NoError(t, ep.Put(ctx, "a/top.bin", []byte("top")))
	got, err := ep.Get(ctx, "a/b/c.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	ok, err := ep.Exists(ctx, "a/top.bin")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ep.Exists(ctx, "a/none.bin")
	require.NoError(t, err)
	assert.False(t, ok)

	flat, err := ep.List(ctx, "a", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/top.bin"}, flat)
	deep, err := ep.List(ctx, "a", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b/c.bin", "a/top.bin"}, deep)

	sub := ep.Sub("a")
	got, err = sub.Get(ctx, "top.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("top"), got)
}

func TestLocalEndpoint(t *testing.T) {
	dir := t.TempDir()
	exercise(t, NewLocal(dir))

	entries, err := os.ReadDir(filepath.Join(dir, "a"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestMemoryEndpoint(t *testing.T) {
	exercise(t, NewMemory())
}

func TestPutWithRetryGivesUp(t *testing.T) {
	m := NewMemory()
	calls := 0
	m.FailPut = func(string) error {
		calls++
		return errors.New("disk full")
	}
	err := PutWithRetry(context.Background(), m, "x", []byte("1"), 0)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, m.Puts())
}

func TestPutWithRetryRecovers(t *testing.T) {
	m := NewMemory()
	calls := 0
	m.FailPut = func(string) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	}
	require.NoError(t, PutWithRetry(context.Background(), m, "x", []byte("1"), 2))
	assert.Equal(t, 2, calls)
}

func TestDirectorify(t *testing.T) {
	assert.Equal(t, "data/*", Directorify("data"))
	assert.Equal(t, "data/*", Directorify("data/"))
	assert.Equal(t, "data/a.las", Directorify("data/a.las"))
	assert.Equal(t, "data/**", Directorify("data/**"))
	assert.Equal(t, "gs://bucket/tiles/*", Directorify("gs://bucket/tiles"))
}

func TestResolveSortsLocalFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c.las", "a.las", "b.xyz"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte{}, 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o777))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "d.las"), []byte{}, 0o644))

	files, err := Resolve(context.Background(), Directorify(dir))
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.las"),
		filepath.Join(dir, "b.xyz"),
		filepath.Join(dir, "c.las"),
	}, files)

	files, err = Resolve(context.Background(), dir+"/**")
	require.NoError(t, err)
	assert.Len(t, files, 4)

	files, err = Resolve(context.Background(), filepath.Join(dir, "a.las"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.las")}, files)
}

func TestJoinAndSplit(t *testing.T) {
	assert.Equal(t, "gs://b/p/x", Join("gs://b/p", "x"))
	assert.Equal(t, "/tmp/x", Join("/tmp", "x"))
	d, f := Split("gs://b/p/x.las")
	assert.Equal(t, "gs://b/p", d)
	assert.Equal(t, "x.las", f)
	d, f = Split("x.las")
	assert.Equal(t, ".", d)
	assert.Equal(t, "x.las", f)
}
