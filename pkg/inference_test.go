package pkg

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecopia-map/cloud_indexer/internal/builder"
	"github.com/ecopia-map/cloud_indexer/internal/config"
	"github.com/ecopia-map/cloud_indexer/internal/converters"
	"github.com/ecopia-map/cloud_indexer/internal/data"
	"github.com/ecopia-map/cloud_indexer/internal/geometry"
	"github.com/ecopia-map/cloud_indexer/internal/reader"
)

// shift moves everything by a fixed vector.
type shift struct {
	by r3.Vector
}

func (s shift) ConvertPoints(points []data.Point) error {
	for i := range points {
		points[i].X += s.by.X
		points[i].Y += s.by.Y
		points[i].Z += s.by.Z
	}
	return nil
}

func (s shift) ConvertBox(box geometry.Box) (geometry.Box, error) {
	return geometry.Box{Min: box.Min.Add(s.by), Max: box.Max.Add(s.by)}, nil
}

func (s shift) Cleanup() {}

func shiftFactory(r converters.Reprojection) (converters.CoordinateConverter, error) {
	return shift{by: r3.Vector{X: 100}}, nil
}

func TestInferenceReportsBadFiles(t *testing.T) {
	in := t.TempDir()
	good := writeCloud(t, in, "good.xyz", 100, 11)
	bad := filepath.Join(in, "bad.xyz")
	require.NoError(t, os.WriteFile(bad, []byte("1 2 3\nnot a point\n"), 0o644))
	empty := filepath.Join(in, "empty.xyz")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	inf := NewInference(reader.Default(), shiftFactory, nil, true, 2, t.TempDir())
	result, err := inf.Go(context.Background(), []string{bad, good, empty})
	require.NoError(t, err)

	require.Len(t, result.FileInfo, 3)
	assert.Equal(t, builder.Errored, result.FileInfo[0].Status)
	assert.NotEmpty(t, result.FileInfo[0].Message)
	assert.Equal(t, builder.FileInfo{}.Status, result.FileInfo[1].Status)
	assert.Equal(t, builder.Omitted, result.FileInfo[2].Status)
	assert.Equal(t, uint64(100), result.NumPoints)
	assert.Equal(t, *result.FileInfo[1].Bounds, *result.Bounds)
	assert.Positive(t, result.Density)
}

func TestInferenceReprojectsBounds(t *testing.T) {
	in := t.TempDir()
	p := writeCloud(t, in, "a.xyz", 50, 12)

	missingSrs := NewInference(reader.Default(), shiftFactory, &converters.Reprojection{Out: "EPSG:3857"}, false, 1, t.TempDir())
	result, err := missingSrs.Go(context.Background(), []string{p})
	require.NoError(t, err)
	assert.Equal(t, builder.Errored, result.FileInfo[0].Status)
	assert.Nil(t, result.Bounds)

	inf := NewInference(reader.Default(), shiftFactory, &converters.Reprojection{In: "EPSG:4326", Out: "EPSG:3857"}, false, 1, t.TempDir())
	result, err = inf.Go(context.Background(), []string{p})
	require.NoError(t, err)
	require.NotNil(t, result.Bounds)
	assert.GreaterOrEqual(t, result.Bounds.Min.X, 100.0)
	assert.Less(t, result.Bounds.Max.X, 101.0)

	cfg := config.Defaults(config.ProfileShallow)
	require.NoError(t, result.Apply(&cfg))
	assert.Equal(t, uint64(50), cfg.NumPointsHint)
	assert.Equal(t, result.Bounds.Min.X, cfg.Bounds[0])
	assert.Equal(t, "EPSG:4326", cfg.Reprojection.In)
}

func TestInferenceApplyKeepsConfiguredKeys(t *testing.T) {
	box := geometry.Box{Max: r3.Vector{X: 2, Y: 2, Z: 2}}
	result := &InferenceResult{Bounds: &box, NumPoints: 10, Density: 3}

	cfg := config.Defaults(config.ProfileFull)
	cfg.Bounds = []float64{0, 0, 0, 1, 1, 1}
	cfg.NumPointsHint = 99
	require.NoError(t, result.Apply(&cfg))
	assert.Equal(t, []float64{0, 0, 0, 1, 1, 1}, cfg.Bounds)
	assert.Equal(t, uint64(99), cfg.NumPointsHint)
	assert.Equal(t, 3.0, cfg.Density)

	empty := config.Defaults(config.ProfileFull)
	assert.Error(t, (&InferenceResult{}).Apply(&empty))

	picked := (&InferenceResult{FileInfo: []builder.FileInfo{{Path: "a", NumPoints: 4}}}).Select([]string{"b", "a"})
	assert.Equal(t, []builder.FileInfo{{Path: "b"}, {Path: "a", NumPoints: 4}}, picked)
}
