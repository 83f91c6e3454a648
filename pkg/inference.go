package pkg

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ecopia-map/cloud_indexer/internal/builder"
	"github.com/ecopia-map/cloud_indexer/internal/config"
	"github.com/ecopia-map/cloud_indexer/internal/converters"
	"github.com/ecopia-map/cloud_indexer/internal/data"
	"github.com/ecopia-map/cloud_indexer/internal/geometry"
	"github.com/ecopia-map/cloud_indexer/internal/reader"
	"github.com/ecopia-map/cloud_indexer/internal/storage"
)

const inferenceRetries = 3

// InferenceResult is what previewing the input files yields, and the
// document of an inference file.
type InferenceResult struct {
	FileInfo     []builder.FileInfo       `json:"fileInfo"`
	Bounds       *geometry.Box            `json:"bounds,omitempty"`
	NumPoints    uint64                   `json:"numPoints"`
	Density      float64                  `json:"density,omitempty"`
	Reprojection *converters.Reprojection `json:"reprojection,omitempty"`
}

// Inference previews input files in parallel to learn their bounds, point
// counts and srs before a build starts.
type Inference struct {
	reader       reader.Reader
	converter    builder.ConverterFactory
	reprojection *converters.Reprojection
	trustHeaders bool
	threads      int
	tmp          string
}

func NewInference(r reader.Reader, converter builder.ConverterFactory, reprojection *converters.Reprojection, trustHeaders bool, threads int, tmp string) *Inference {
	return &Inference{
		reader:       r,
		converter:    converter,
		reprojection: reprojection,
		trustHeaders: trustHeaders,
		threads:      max(1, threads),
		tmp:          tmp,
	}
}

// Go previews every path. A file that cannot be previewed is reported as an
// error in its FileInfo and left out of the aggregates; only cancellation
// fails the whole inference.
func (inf *Inference) Go(ctx context.Context, paths []string) (*InferenceResult, error) {
	files := make([]builder.FileInfo, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inf.threads)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			files[i] = inf.previewFile(gctx, i, path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &InferenceResult{FileInfo: files, Reprojection: inf.reprojection}
	bounds := geometry.EmptyBox()
	var area float64
	var areaPoints uint64
	for _, f := range files {
		if f.Bounds == nil {
			continue
		}
		bounds.GrowBox(*f.Bounds)
		result.NumPoints += f.NumPoints
		if a := f.Bounds.Area(); a > 0 {
			area += a
			areaPoints += f.NumPoints
		}
	}
	if !bounds.IsEmpty() {
		result.Bounds = &bounds
	}
	if area > 0 {
		result.Density = float64(areaPoints) / area
	}
	glog.Infof("Inferred %d points in %d files, bounds %v", result.NumPoints, len(files), bounds.Array())
	return result, nil
}

func (inf *Inference) previewFile(ctx context.Context, i int, path string) builder.FileInfo {
	info := builder.FileInfo{Path: path}
	preview, err := inf.preview(ctx, i, path)
	if err != nil {
		glog.Warningf("Failed to preview %s: %v", path, err)
		info.Status = builder.Errored
		info.Message = err.Error()
		return info
	}
	info.NumPoints = preview.NumPoints
	info.Srs = preview.Srs
	if preview.NumPoints == 0 || preview.Bounds.IsEmpty() {
		info.Status = builder.Omitted
		info.Message = "no points"
		return info
	}

	box := preview.Bounds
	if inf.reprojection != nil {
		if box, err = inf.reproject(preview); err != nil {
			glog.Warningf("Failed to reproject the bounds of %s: %v", path, err)
			info.Status = builder.Errored
			info.Message = err.Error()
			return info
		}
	}
	info.Bounds = &box
	glog.V(1).Infof("Previewed %s: %d points", path, info.NumPoints)
	return info
}

func (inf *Inference) preview(ctx context.Context, i int, path string) (*reader.Info, error) {
	local, cleanup, err := storage.Localize(ctx, path, inf.tmp, "inference-"+strconv.Itoa(i))
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if inf.trustHeaders {
		return inf.reader.Preview(ctx, local)
	}

	// Headers may lie about the bounds, so every point is read.
	info := &reader.Info{Bounds: geometry.EmptyBox()}
	if header, err := inf.reader.Preview(ctx, local); err == nil {
		info.Srs = header.Srs
	}
	err = inf.reader.Read(ctx, local, func(points []data.Point) error {
		for j := range points {
			if points[j].IsValid() {
				info.Bounds.Grow(points[j].Vector())
				info.NumPoints++
			}
		}
		return nil
	})
	return info, err
}

func (inf *Inference) reproject(preview *reader.Info) (geometry.Box, error) {
	r := *inf.reprojection
	if r.In == "" {
		r.In = preview.Srs
	}
	if r.In == "" {
		return geometry.Box{}, errors.New("no input srs")
	}
	converter, err := inf.converter(r)
	if err != nil {
		return geometry.Box{}, err
	}
	defer converter.Cleanup()
	return converter.ConvertBox(preview.Bounds)
}

// Apply fills the keys of cfg that the inference can answer and that were
// not configured.
func (r *InferenceResult) Apply(cfg *config.Config) error {
	if len(cfg.Bounds) == 0 {
		if r.Bounds == nil {
			return errors.New("no bounds could be inferred, no input file holds points")
		}
		a := r.Bounds.Array()
		cfg.Bounds = a[:]
	}
	if cfg.NumPointsHint == 0 {
		cfg.NumPointsHint = r.NumPoints
	}
	if cfg.Density == 0 {
		cfg.Density = r.Density
	}
	if cfg.Reprojection == nil {
		cfg.Reprojection = r.Reprojection
	}
	return nil
}

// Select returns the entries of paths in the order given. Paths the
// inference never saw are returned bare.
func (r *InferenceResult) Select(paths []string) []builder.FileInfo {
	byPath := make(map[string]builder.FileInfo, len(r.FileInfo))
	for _, f := range r.FileInfo {
		byPath[f.Path] = f
	}
	out := make([]builder.FileInfo, 0, len(paths))
	for _, p := range paths {
		f, ok := byPath[p]
		if !ok {
			f = builder.FileInfo{Path: p}
		}
		out = append(out, f)
	}
	return out
}

func (r *InferenceResult) Paths() []string {
	out := make([]string, len(r.FileInfo))
	for i, f := range r.FileInfo {
		out[i] = f.Path
	}
	return out
}

// Save writes the result to path, a local file or a gs:// uri.
func (r *InferenceResult) Save(ctx context.Context, path string) error {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	dir, file := storage.Split(path)
	ep, err := storage.Open(ctx, dir)
	if err != nil {
		return err
	}
	return errors.Wrapf(storage.PutWithRetry(ctx, ep, file, raw, inferenceRetries), "failed to write %s", path)
}

func LoadInference(ctx context.Context, path string) (*InferenceResult, error) {
	dir, file := storage.Split(path)
	ep, err := storage.Open(ctx, dir)
	if err != nil {
		return nil, err
	}
	raw, err := ep.Get(ctx, file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	r := &InferenceResult{}
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, errors.Wrapf(err, "invalid inference file %s", path)
	}
	return r, nil
}
