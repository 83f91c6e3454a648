package pkg

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ecopia-map/cloud_indexer/internal/builder"
	"github.com/ecopia-map/cloud_indexer/internal/indexer"
	"github.com/ecopia-map/cloud_indexer/internal/octree"
	"github.com/ecopia-map/cloud_indexer/internal/storage"
	"github.com/ecopia-map/cloud_indexer/pkg/collaborators"
	"github.com/ecopia-map/cloud_indexer/tools"
)

type IndexerMerge struct {
	collaborators collaborators.CollaboratorManager
}

func NewIndexerMerge(collaboratorManager collaborators.CollaboratorManager) indexer.IIndexer {
	return &IndexerMerge{
		collaborators: collaboratorManager,
	}
}

// Folds every subset build at the output into subset 1 and saves the result
// as the whole index
func (im *IndexerMerge) RunIndexer(ctx context.Context, opts *indexer.IndexerOptions) (err error) {
	mergeOpts := opts.IndexerMergeOptions
	if mergeOpts == nil {
		return errors.New("merge needs its options")
	}
	out, err := storage.Open(ctx, mergeOpts.Output)
	if err != nil {
		return err
	}
	builderOpts := builder.Options{
		Reader:    im.collaborators.GetReader(),
		Converter: im.collaborators.GetCoordinateConverterFactory(),
	}

	glog.Infoln("Loading subset 1 from", out.Root())
	first, err := builder.Load(ctx, out, mergeOpts.Tmp, &octree.Subset{ID: 1}, mergeOpts.Threads, builderOpts)
	if err != nil {
		return errors.Wrap(err, "cannot load subset 1")
	}
	defer func() { err = multierr.Append(err, first.Close()) }()

	subset := first.Metadata().Subset
	if subset == nil {
		return errors.Errorf("index at %s is not a subset build", out.Root())
	}

	for id := uint64(2); id <= subset.Of; id++ {
		tools.LogOutput(fmt.Sprintf("Merging subset %d/%d", id, subset.Of))
		if err := im.mergeOne(ctx, first, out, &octree.Subset{ID: id, Of: subset.Of}, mergeOpts, builderOpts); err != nil {
			return err
		}
	}

	tools.LogOutput("> making index whole...")
	if err := first.MakeWhole(ctx); err != nil {
		return err
	}
	first.Unbump()
	if err := first.Save(ctx); err != nil {
		return err
	}

	tools.LogOutput("> done merging", out.Root(), "-", first.Hierarchy().Total(), "points")
	return nil
}

func (im *IndexerMerge) mergeOne(ctx context.Context, into *builder.Builder, out storage.Endpoint, subset *octree.Subset, mergeOpts *indexer.IndexerMergeOptions, builderOpts builder.Options) (err error) {
	other, err := builder.Load(ctx, out, mergeOpts.Tmp, subset, mergeOpts.Threads, builderOpts)
	if err != nil {
		return errors.Wrapf(err, "cannot load subset %d", subset.ID)
	}
	defer func() { err = multierr.Append(err, other.Close()) }()
	return into.Merge(ctx, other)
}
