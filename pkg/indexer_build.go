package pkg

import (
	"context"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ecopia-map/cloud_indexer/internal/builder"
	"github.com/ecopia-map/cloud_indexer/internal/indexer"
	"github.com/ecopia-map/cloud_indexer/pkg/collaborators"
	"github.com/ecopia-map/cloud_indexer/tools"
)

type IndexerBuild struct {
	configParser *ConfigParser
}

func NewIndexerBuild(fileFinder tools.FileFinder, collaboratorManager collaborators.CollaboratorManager) indexer.IIndexer {
	return &IndexerBuild{
		configParser: NewConfigParser(fileFinder, collaboratorManager),
	}
}

// Starts the build
func (ib *IndexerBuild) RunIndexer(ctx context.Context, opts *indexer.IndexerOptions) (err error) {
	if opts.Config == nil {
		return errors.New("build needs a configuration")
	}
	// inference fills in the configuration, keep the caller's copy intact
	opts = opts.Copy()

	glog.Infoln("Preparing list of files to process...")
	b, err := ib.configParser.GetBuilder(ctx, opts.Config)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, b.Close()) }()

	logBuildInfo(b)

	tools.LogOutput("> inserting points...")
	if err := b.Go(ctx, opts.MaxFileInsertions); err != nil {
		return err
	}

	tools.LogOutput("> saving index...")
	if err := b.Save(ctx); err != nil {
		return err
	}

	t := b.Manifest().Totals()
	tools.LogOutput("> done building", b.Out().Root(), "-", t.Inserts, "points")
	return nil
}

func logBuildInfo(b *builder.Builder) {
	meta := b.Metadata()
	if b.IsContinuation() {
		glog.Infoln("Continuing previous index at", b.Out().Root())
	}
	glog.Infof("Cube: %v", meta.Cube)
	glog.Infof("Bounds: %v", meta.BoundsConforming.Array())
	s := meta.Structure
	glog.Infof("Structure: null %d, base %d, sparse %d, max %d, %d points per chunk",
		s.NullDepth, s.BaseDepth, s.SparseDepth, s.MaxDepth, s.PointsPerChunk)
	if meta.Subset != nil {
		glog.Infof("Subset: %d of %d", meta.Subset.ID, meta.Subset.Of)
	}
	if meta.Reprojection != nil {
		glog.Infof("Reprojection: %q -> %q", meta.Reprojection.In, meta.Reprojection.Out)
	}
	glog.Infof("Files: %d, outstanding %d", b.Manifest().Len(), len(b.Manifest().Outstanding()))
}
