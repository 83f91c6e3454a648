package tools

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecopia-map/cloud_indexer/internal/reader"
)

func touch(t *testing.T, p string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o777))
	require.NoError(t, os.WriteFile(p, []byte("0 0 0\n"), 0o644))
}

func TestGetFilesToIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, name := range []string{"b.xyz", "a.las", "notes.md", "sub/c.txt"} {
		touch(t, filepath.Join(dir, name))
	}
	finder := NewStandardFileFinder(reader.Default().Supports)

	files, err := finder.GetFilesToIndex(ctx, []string{dir})
	require.NoError(t, err)
	assert.Equal(t, []string{path.Join(dir, "a.las"), path.Join(dir, "b.xyz")}, files)

	files, err = finder.GetFilesToIndex(ctx, []string{dir + "/**"})
	require.NoError(t, err)
	assert.Equal(t, []string{path.Join(dir, "a.las"), path.Join(dir, "b.xyz"), path.Join(dir, "sub/c.txt")}, files)

	explicit := filepath.Join(dir, "notes.md")
	files, err = finder.GetFilesToIndex(ctx, []string{explicit, dir + "/", explicit})
	require.NoError(t, err)
	assert.Equal(t, []string{explicit, path.Join(dir, "a.las"), path.Join(dir, "b.xyz")}, files)
}

func TestGetFilesToIndexNeedsFiles(t *testing.T) {
	finder := NewStandardFileFinder(reader.Default().Supports)
	empty := t.TempDir()
	touch(t, filepath.Join(empty, "readme.md"))
	_, err := finder.GetFilesToIndex(context.Background(), []string{empty})
	assert.Error(t, err)
}
