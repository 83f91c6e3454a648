package pkg

import (
	"context"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/ecopia-map/cloud_indexer/internal/config"
	"github.com/ecopia-map/cloud_indexer/internal/indexer"
	"github.com/ecopia-map/cloud_indexer/pkg/collaborators"
	"github.com/ecopia-map/cloud_indexer/tools"
)

type IndexerInfer struct {
	fileFinder    tools.FileFinder
	collaborators collaborators.CollaboratorManager
}

func NewIndexerInfer(fileFinder tools.FileFinder, collaboratorManager collaborators.CollaboratorManager) indexer.IIndexer {
	return &IndexerInfer{
		fileFinder:    fileFinder,
		collaborators: collaboratorManager,
	}
}

// InferencePath names the inference file written for output.
func InferencePath(output string) string {
	if strings.HasSuffix(output, config.InferenceExtension) {
		return output
	}
	return output + config.InferenceExtension
}

// Previews the input files and writes the inference file
func (ii *IndexerInfer) RunIndexer(ctx context.Context, opts *indexer.IndexerOptions) error {
	cfg := opts.Config
	if cfg == nil {
		return errors.New("infer needs a configuration")
	}
	if err := tools.CreateDirectoryIfDoesNotExist(cfg.Tmp); err != nil {
		return err
	}

	glog.Infoln("Preparing list of files to process...")
	paths, err := ii.fileFinder.GetFilesToIndex(ctx, cfg.Input)
	if err != nil {
		return err
	}

	tools.LogOutput("> previewing", len(paths), "files...")
	inf := NewInference(ii.collaborators.GetReader(), ii.collaborators.GetCoordinateConverterFactory(),
		cfg.Reprojection, cfg.TrustHeaders, cfg.WorkThreads()+cfg.ClipThreads(), cfg.Tmp)
	result, err := inf.Go(ctx, paths)
	if err != nil {
		return err
	}

	path := InferencePath(cfg.Output)
	if err := result.Save(ctx, path); err != nil {
		return err
	}
	tools.LogOutput("> done inferring", path, "-", result.NumPoints, "points")
	return nil
}
