package pkg

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecopia-map/cloud_indexer/internal/builder"
	"github.com/ecopia-map/cloud_indexer/internal/config"
	"github.com/ecopia-map/cloud_indexer/internal/indexer"
	"github.com/ecopia-map/cloud_indexer/internal/octree"
	"github.com/ecopia-map/cloud_indexer/internal/storage"
	"github.com/ecopia-map/cloud_indexer/pkg/collaborators"
	"github.com/ecopia-map/cloud_indexer/tools"
)

// writeCloud writes n points uniformly spread over the unit cube.
func writeCloud(t *testing.T, dir, name string, n int, seed int64) string {
	rnd := rand.New(rand.NewSource(seed))
	var sb strings.Builder
	sb.WriteString("# x y z intensity\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "%v %v %v %d\n", rnd.Float64(), rnd.Float64(), rnd.Float64(), i%256)
	}
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(sb.String()), 0o644))
	return p
}

func testConfig(t *testing.T, output string, input ...string) *config.Config {
	c := config.Defaults(config.ProfileShallow)
	c.Input = input
	c.Output = output
	c.Tmp = t.TempDir()
	c.Threads = []int{4}
	c.PointsPerChunk = 64
	c.NullDepth = 1
	c.BaseDepth = 3
	return &c
}

func managers() (collaborators.CollaboratorManager, tools.FileFinder) {
	m := collaborators.NewCollaboratorManager()
	return m, tools.NewStandardFileFinder(m.Supports)
}

func build(t *testing.T, cfg *config.Config) {
	m, finder := managers()
	opts := &indexer.IndexerOptions{Command: indexer.CommandBuild, Config: cfg}
	require.NoError(t, NewIndexerBuild(finder, m).RunIndexer(context.Background(), opts))
}

func verify(t *testing.T, output string, subset *octree.Subset) *VerifyReport {
	m, _ := managers()
	report, err := NewIndexerVerify(m).Verify(context.Background(), &indexer.IndexerOptions{
		Command:              indexer.CommandVerify,
		IndexerVerifyOptions: &indexer.IndexerVerifyOptions{Output: output, Subset: subset},
	})
	require.NoError(t, err)
	return report
}

func TestBuildInfersBoundsAndVerifies(t *testing.T) {
	in := t.TempDir()
	writeCloud(t, in, "a.xyz", 700, 1)
	writeCloud(t, in, "b.xyz", 300, 2)
	require.NoError(t, os.WriteFile(filepath.Join(in, "readme.md"), []byte("not a cloud"), 0o644))
	out := t.TempDir()

	cfg := testConfig(t, out, in)
	build(t, cfg)
	assert.Empty(t, cfg.Bounds, "the caller's configuration is left untouched")

	report := verify(t, out, nil)
	assert.Empty(t, report.Problems())
	assert.Equal(t, uint64(1000), report.Points)
	assert.Equal(t, uint64(1000), report.Hierarchy)
	assert.Positive(t, report.Chunks+report.BaseNodes)

	meta, err := builder.LoadMetadata(context.Background(), storage.NewLocal(out), "")
	require.NoError(t, err)
	assert.True(t, meta.BoundsConforming.Max.X <= 1)
	assert.Positive(t, meta.Density)
}

func TestBuildResumesWithNewFiles(t *testing.T) {
	in := t.TempDir()
	writeCloud(t, in, "a.xyz", 400, 3)
	out := t.TempDir()

	cfg := testConfig(t, out, in)
	cfg.Bounds = []float64{0, 0, 0, 1, 1, 1}
	build(t, cfg)
	assert.Equal(t, uint64(400), verify(t, out, nil).Points)

	writeCloud(t, in, "b.xyz", 600, 4)
	build(t, cfg)
	report := verify(t, out, nil)
	assert.Empty(t, report.Problems())
	assert.Equal(t, uint64(1000), report.Points)

	m, err := builder.LoadManifest(context.Background(), storage.NewLocal(out), "")
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())
	assert.Equal(t, builder.Inserted, m.Get(1).Status)
	assert.Equal(t, uint64(600), m.Get(1).Points.Inserts)
}

func TestForcedBuildStartsOver(t *testing.T) {
	in := t.TempDir()
	writeCloud(t, in, "a.xyz", 200, 5)
	out := t.TempDir()

	cfg := testConfig(t, out, in)
	build(t, cfg)
	cfg.Force = true
	build(t, cfg)
	assert.Equal(t, uint64(200), verify(t, out, nil).Points)
}

func TestInferThenBuildFromInferenceFile(t *testing.T) {
	ctx := context.Background()
	in := t.TempDir()
	writeCloud(t, in, "a.xyz", 250, 6)
	writeCloud(t, in, "b.xyz", 250, 7)
	target := filepath.Join(t.TempDir(), "cloud")

	m, finder := managers()
	inferCfg := testConfig(t, target, in)
	require.NoError(t, NewIndexerInfer(finder, m).RunIndexer(ctx, &indexer.IndexerOptions{
		Command: indexer.CommandInfer,
		Config:  inferCfg,
	}))

	path := InferencePath(target)
	result, err := LoadInference(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), result.NumPoints)
	require.NotNil(t, result.Bounds)
	require.Len(t, result.FileInfo, 2)
	for _, f := range result.FileInfo {
		assert.Equal(t, uint64(250), f.NumPoints)
		assert.NotNil(t, f.Bounds)
	}

	out := t.TempDir()
	build(t, testConfig(t, out, path))
	report := verify(t, out, nil)
	assert.Empty(t, report.Problems())
	assert.Equal(t, uint64(500), report.Points)
}

func TestMergeSubsets(t *testing.T) {
	in := t.TempDir()
	writeCloud(t, in, "a.xyz", 600, 8)
	writeCloud(t, in, "b.xyz", 400, 9)
	out := t.TempDir()

	for id := uint64(1); id <= 2; id++ {
		cfg := testConfig(t, out, in)
		cfg.Bounds = []float64{0, 0, 0, 1, 1, 1}
		cfg.NullDepth = 0
		cfg.BaseDepth = 1
		cfg.Subset = &config.Subset{ID: id, Of: 2}
		build(t, cfg)
	}
	one := verify(t, out, &octree.Subset{ID: 1, Of: 2})
	two := verify(t, out, &octree.Subset{ID: 2, Of: 2})
	assert.Equal(t, uint64(1000), one.Points+two.Points)

	m, _ := managers()
	require.NoError(t, NewIndexerMerge(m).RunIndexer(context.Background(), &indexer.IndexerOptions{
		Command: indexer.CommandMerge,
		IndexerMergeOptions: &indexer.IndexerMergeOptions{
			Output:  out,
			Tmp:     t.TempDir(),
			Threads: builder.Threads{Work: 2, Clip: 2},
		},
	}))

	whole := verify(t, out, nil)
	assert.Empty(t, whole.Problems())
	assert.Equal(t, uint64(1000), whole.Points)

	meta, err := builder.LoadMetadata(context.Background(), storage.NewLocal(out), "")
	require.NoError(t, err)
	assert.Nil(t, meta.Subset)
	assert.Equal(t, uint32(1), meta.Structure.BaseDepth)
}

func TestMergeNeedsSubsetBuild(t *testing.T) {
	in := t.TempDir()
	writeCloud(t, in, "a.xyz", 100, 10)
	out := t.TempDir()
	build(t, testConfig(t, out, in))

	m, _ := managers()
	err := NewIndexerMerge(m).RunIndexer(context.Background(), &indexer.IndexerOptions{
		Command:             indexer.CommandMerge,
		IndexerMergeOptions: &indexer.IndexerMergeOptions{Output: out, Tmp: t.TempDir(), Threads: builder.Threads{Work: 1, Clip: 1}},
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVerifyMissingIndex(t *testing.T) {
	m, _ := managers()
	err := NewIndexerVerify(m).RunIndexer(context.Background(), &indexer.IndexerOptions{
		Command:              indexer.CommandVerify,
		IndexerVerifyOptions: &indexer.IndexerVerifyOptions{Output: t.TempDir()},
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVerifyReportProblems(t *testing.T) {
	r := VerifyReport{Points: 10, Hierarchy: 10, Inserts: 10}
	assert.Empty(t, r.Problems())
	r.Hierarchy, r.Misplaced = 9, 1
	assert.Len(t, r.Problems(), 2)
}

func subsetDoc(in, out, tmp string, overrides map[string]interface{}) map[string]interface{} {
	doc := map[string]interface{}{
		"input":          in,
		"output":         out,
		"tmp":            tmp,
		"threads":        4,
		"pointsPerChunk": 64,
		"nullDepth":      0,
		"baseDepth":      1,
		"bounds":         []interface{}{0, 0, 0, 1, 1, 1},
		"subset":         map[string]interface{}{"id": 1, "of": 2},
	}
	for k, v := range overrides {
		doc[k] = v
	}
	return doc
}

func parsedConfig(t *testing.T, doc map[string]interface{}) *config.Config {
	cfg, err := config.Parse(doc, config.ProfileShallow)
	require.NoError(t, err)
	return cfg
}

func TestResumeRejectsConflictingConfig(t *testing.T) {
	ctx := context.Background()
	in := t.TempDir()
	writeCloud(t, in, "a.xyz", 300, 13)
	out, tmp := t.TempDir(), t.TempDir()
	build(t, parsedConfig(t, subsetDoc(in, out, tmp, nil)))

	m, finder := managers()
	parser := NewConfigParser(finder, m)
	for name, override := range map[string]map[string]interface{}{
		"subset count":     {"subset": map[string]interface{}{"id": 1, "of": 4}},
		"points per chunk": {"pointsPerChunk": 512},
		"null depth":       {"nullDepth": 2, "baseDepth": 3},
		"base depth":       {"baseDepth": 3},
		"bounds":           {"bounds": []interface{}{0, 0, 0, 2, 2, 2}},
		"scale":            {"scale": 0.01},
		"reprojection":     {"reprojection": map[string]interface{}{"out": "EPSG:3857"}},
		"storage":          {"storage": "none"},
	} {
		_, err := parser.GetBuilder(ctx, parsedConfig(t, subsetDoc(in, out, tmp, override)))
		assert.ErrorIs(t, err, builder.ErrIncompatible, name)
	}

	same, err := parser.GetBuilder(ctx, parsedConfig(t, subsetDoc(in, out, tmp, nil)))
	require.NoError(t, err)
	assert.True(t, same.IsContinuation())
	require.NoError(t, same.Close())

	// keys left out take the saved values, even where the profile default differs
	bare, err := parser.GetBuilder(ctx, parsedConfig(t, map[string]interface{}{
		"input":  in,
		"output": out,
		"tmp":    tmp,
		"subset": map[string]interface{}{"id": 1, "of": 2},
	}))
	require.NoError(t, err)
	assert.Equal(t, uint64(64), bare.Metadata().Structure.PointsPerChunk)
	require.NoError(t, bare.Close())

	whole := testConfig(t, out, in)
	whole.Subset = &config.Subset{ID: 1, Of: 4}
	_, err = parser.GetBuilder(ctx, whole)
	assert.ErrorIs(t, err, builder.ErrIncompatible, "the subset is compared even when set directly")
}
