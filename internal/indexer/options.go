package indexer

import (
	"context"
	"strings"

	"github.com/ecopia-map/cloud_indexer/internal/builder"
	"github.com/ecopia-map/cloud_indexer/internal/config"
	"github.com/ecopia-map/cloud_indexer/internal/octree"
)

type Command string

const (
	// Inserts the input files into a new index, or into the index already at
	// the output unless the build is forced.
	CommandBuild Command = "build"

	// Folds the subset builds saved at the output into one whole index.
	CommandMerge Command = "merge"

	// Previews the input files and writes what it learned to an inference
	// file that a later build can start from.
	CommandInfer Command = "infer"

	// Reloads a saved index and checks that every chunk decodes and that the
	// stored points agree with the hierarchy and the manifest.
	CommandVerify Command = "verify"
)

func (c Command) String() string {
	return string(c)
}

func ParseCommand(value string) Command {
	switch c := Command(strings.TrimSpace(strings.ToLower(value))); c {
	case CommandBuild, CommandMerge, CommandInfer, CommandVerify:
		return c
	}
	return ""
}

// IIndexer runs one command against an index.
type IIndexer interface {
	RunIndexer(ctx context.Context, opts *IndexerOptions) error
}

// Contains the options of one indexer run
type IndexerOptions struct {
	Command Command

	// Build and infer configuration
	Config *config.Config

	// Stop a build after handing out this many files, 0 for no limit
	MaxFileInsertions int

	IndexerMergeOptions  *IndexerMergeOptions
	IndexerVerifyOptions *IndexerVerifyOptions
}

type IndexerMergeOptions struct {
	Output  string // Location of the subset builds
	Tmp     string
	Threads builder.Threads
}

type IndexerVerifyOptions struct {
	Output string         // Location of the index
	Subset *octree.Subset // nil for a whole index
}

func (opt *IndexerOptions) Copy() *IndexerOptions {
	newOpt := &IndexerOptions{
		Command:           opt.Command,
		MaxFileInsertions: opt.MaxFileInsertions,
	}

	if opt.Config != nil {
		cfg := *opt.Config
		cfg.Input = append([]string(nil), opt.Config.Input...)
		cfg.Threads = append([]int(nil), opt.Config.Threads...)
		cfg.Bounds = append([]float64(nil), opt.Config.Bounds...)
		newOpt.Config = &cfg
	}

	if opt.IndexerMergeOptions != nil {
		mergeOpt := *opt.IndexerMergeOptions
		newOpt.IndexerMergeOptions = &mergeOpt
	}

	if opt.IndexerVerifyOptions != nil {
		verifyOpt := *opt.IndexerVerifyOptions
		newOpt.IndexerVerifyOptions = &verifyOpt
	}

	return newOpt
}
