package pkg

import (
	"context"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ecopia-map/cloud_indexer/internal/builder"
	"github.com/ecopia-map/cloud_indexer/internal/config"
	"github.com/ecopia-map/cloud_indexer/internal/octree"
	"github.com/ecopia-map/cloud_indexer/internal/storage"
	"github.com/ecopia-map/cloud_indexer/pkg/collaborators"
	"github.com/ecopia-map/cloud_indexer/tools"
)

// ConfigParser turns a build configuration into a ready builder, resuming
// the index at the output when there is one.
type ConfigParser struct {
	fileFinder    tools.FileFinder
	collaborators collaborators.CollaboratorManager
}

func NewConfigParser(fileFinder tools.FileFinder, collaboratorManager collaborators.CollaboratorManager) *ConfigParser {
	return &ConfigParser{
		fileFinder:    fileFinder,
		collaborators: collaboratorManager,
	}
}

func threadsOf(cfg *config.Config) builder.Threads {
	return builder.Threads{Work: cfg.WorkThreads(), Clip: cfg.ClipThreads()}
}

func (p *ConfigParser) builderOptions(cfg *config.Config) builder.Options {
	return builder.Options{
		Reader:     p.collaborators.GetReader(),
		Converter:  p.collaborators.GetCoordinateConverterFactory(),
		ClipBudget: cfg.ClipBudget,
	}
}

// GetBuilder may fill in the configuration keys it infers.
func (p *ConfigParser) GetBuilder(ctx context.Context, cfg *config.Config) (*builder.Builder, error) {
	if err := tools.CreateDirectoryIfDoesNotExist(cfg.Tmp); err != nil {
		return nil, err
	}
	out, err := storage.Open(ctx, cfg.Output)
	if err != nil {
		return nil, err
	}
	inferred, paths, err := p.normalizeInput(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if !cfg.Force {
		var subset *octree.Subset
		if cfg.Subset != nil {
			subset = &octree.Subset{ID: cfg.Subset.ID, Of: cfg.Subset.Of}
		}
		b, err := builder.Load(ctx, out, cfg.Tmp, subset, threadsOf(cfg), p.builderOptions(cfg))
		switch {
		case err == nil:
			if err := b.Metadata().CheckResume(cfg); err != nil {
				return nil, multierr.Append(errors.Wrapf(err, "cannot resume the index at %s", out.Root()), b.Close())
			}
			if err := p.appendNewFiles(ctx, b, cfg, inferred, paths); err != nil {
				return nil, multierr.Append(err, b.Close())
			}
			return b, nil
		case !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
	}

	files := make([]builder.FileInfo, len(paths))
	for i, path := range paths {
		files[i] = builder.FileInfo{Path: path}
	}
	if inferred == nil && (len(cfg.Bounds) == 0 || cfg.NumPointsHint == 0) {
		tools.LogOutput("> inferring bounds of", len(paths), "files...")
		inf := NewInference(p.collaborators.GetReader(), p.collaborators.GetCoordinateConverterFactory(),
			cfg.Reprojection, cfg.TrustHeaders, cfg.WorkThreads()+cfg.ClipThreads(), cfg.Tmp)
		if inferred, err = inf.Go(ctx, paths); err != nil {
			return nil, err
		}
	}
	if inferred != nil {
		if err := inferred.Apply(cfg); err != nil {
			return nil, err
		}
		files = inferred.Select(paths)
	}

	meta, err := builder.MetadataFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return builder.New(meta, builder.NewManifest(files), out, cfg.Tmp, threadsOf(cfg), p.builderOptions(cfg))
}

// normalizeInput resolves the inputs into file paths. A single inference
// file stands for the files it previewed.
func (p *ConfigParser) normalizeInput(ctx context.Context, cfg *config.Config) (*InferenceResult, []string, error) {
	if len(cfg.Input) == 1 && strings.HasSuffix(cfg.Input[0], config.InferenceExtension) {
		glog.Infof("Loading inference file %s", cfg.Input[0])
		inferred, err := LoadInference(ctx, cfg.Input[0])
		if err != nil {
			return nil, nil, err
		}
		return inferred, inferred.Paths(), nil
	}
	if len(cfg.Input) == 0 {
		return nil, nil, nil
	}
	paths, err := p.fileFinder.GetFilesToIndex(ctx, cfg.Input)
	return nil, paths, err
}

// appendNewFiles queues the inputs a resumed build has not seen yet.
func (p *ConfigParser) appendNewFiles(ctx context.Context, b *builder.Builder, cfg *config.Config, inferred *InferenceResult, paths []string) error {
	diff := b.Manifest().Diff(paths)
	if len(diff) == 0 {
		return nil
	}
	tools.LogOutput("> adding", len(diff), "new files")

	meta := b.Metadata()
	switch {
	case inferred != nil:
		return b.Append(inferred.Select(diff))
	case meta.TrustHeaders:
		inf := NewInference(p.collaborators.GetReader(), p.collaborators.GetCoordinateConverterFactory(),
			meta.Reprojection, true, cfg.WorkThreads()+cfg.ClipThreads(), cfg.Tmp)
		result, err := inf.Go(ctx, diff)
		if err != nil {
			return err
		}
		return b.Append(result.FileInfo)
	}
	files := make([]builder.FileInfo, len(diff))
	for i, path := range diff {
		files[i] = builder.FileInfo{Path: path}
	}
	return b.Append(files)
}
