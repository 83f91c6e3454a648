package pkg

import (
	"context"
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ecopia-map/cloud_indexer/internal/builder"
	"github.com/ecopia-map/cloud_indexer/internal/data"
	"github.com/ecopia-map/cloud_indexer/internal/indexer"
	"github.com/ecopia-map/cloud_indexer/internal/storage"
	"github.com/ecopia-map/cloud_indexer/pkg/collaborators"
	"github.com/ecopia-map/cloud_indexer/tools"
)

// VerifyReport is what a verification counted.
type VerifyReport struct {
	Chunks    int    `json:"chunks"`
	BaseNodes int    `json:"baseNodes"`
	Points    uint64 `json:"points"`
	Hierarchy uint64 `json:"hierarchy"`
	Inserts   uint64 `json:"inserts"`
	Misplaced uint64 `json:"misplaced"`
}

// Problems lists every disagreement found.
func (r *VerifyReport) Problems() []string {
	var out []string
	if r.Points != r.Hierarchy {
		out = append(out, fmt.Sprintf("stored points %d != hierarchy total %d", r.Points, r.Hierarchy))
	}
	if r.Points != r.Inserts {
		out = append(out, fmt.Sprintf("stored points %d != manifest inserts %d", r.Points, r.Inserts))
	}
	if r.Misplaced > 0 {
		out = append(out, fmt.Sprintf("%d points lie outside their node", r.Misplaced))
	}
	return out
}

type IndexerVerify struct {
	collaborators collaborators.CollaboratorManager
}

func NewIndexerVerify(collaboratorManager collaborators.CollaboratorManager) *IndexerVerify {
	return &IndexerVerify{
		collaborators: collaboratorManager,
	}
}

func (iv *IndexerVerify) RunIndexer(ctx context.Context, opts *indexer.IndexerOptions) error {
	report, err := iv.Verify(ctx, opts)
	if err != nil {
		return err
	}
	tools.LogOutput("> verified", tools.FmtJSONString(report))
	if problems := report.Problems(); len(problems) > 0 {
		for _, p := range problems {
			glog.Errorln(p)
		}
		return errors.Errorf("index failed verification with %d problems", len(problems))
	}
	return nil
}

// Verify reloads the index and decodes every stored chunk.
func (iv *IndexerVerify) Verify(ctx context.Context, opts *indexer.IndexerOptions) (report *VerifyReport, err error) {
	verifyOpts := opts.IndexerVerifyOptions
	if verifyOpts == nil {
		return nil, errors.New("verify needs its options")
	}
	out, err := storage.Open(ctx, verifyOpts.Output)
	if err != nil {
		return nil, err
	}
	b, err := builder.Load(ctx, out, "", verifyOpts.Subset, builder.Threads{Work: 1, Clip: 1}, builder.Options{
		Reader:    iv.collaborators.GetReader(),
		Converter: iv.collaborators.GetCoordinateConverterFactory(),
	})
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, b.Close()) }()

	report = &VerifyReport{
		Hierarchy: b.Hierarchy().Total(),
		Inserts:   b.Manifest().Totals().Inserts,
	}
	root := b.Metadata().Cube
	reg := b.Registry()

	for _, c := range reg.Base() {
		report.BaseNodes++
		report.Points += uint64(c.Len())
		report.Misplaced += misplaced(c.Bounds().Contains, c.Cells())
	}

	stored := reg.Stored()
	for i, id := range stored {
		cells, err := reg.ReadChunk(ctx, id)
		if err != nil {
			return nil, err
		}
		report.Chunks++
		report.Points += uint64(len(cells))
		report.Misplaced += misplaced(id.Bounds(root).Contains, cells)
		if (i+1)%1000 == 0 {
			glog.Infof("verify progress: %d/%d chunks", i+1, len(stored))
		}
	}
	return report, nil
}

func misplaced(contains func(p r3.Vector) bool, cells []*data.Cell) uint64 {
	var n uint64
	for _, cell := range cells {
		if !contains(cell.Point.Vector()) {
			n++
		}
	}
	return n
}
