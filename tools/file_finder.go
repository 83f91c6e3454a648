package tools

import (
	"context"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/ecopia-map/cloud_indexer/internal/storage"
)

type FileFinder interface {
	// GetFilesToIndex expands every input into the files it names
	GetFilesToIndex(ctx context.Context, inputs []string) ([]string, error)
}

type StandardFileFinder struct {
	supports func(path string) bool
}

// Directories are listed one level deep, or recursively when the input ends
// in "/**". Only the listed files that supports accepts are kept; files
// named explicitly are always kept.
func NewStandardFileFinder(supports func(path string) bool) FileFinder {
	return &StandardFileFinder{supports: supports}
}

func (f *StandardFileFinder) GetFilesToIndex(ctx context.Context, inputs []string) ([]string, error) {
	var files []string
	seen := map[string]bool{}
	for _, input := range inputs {
		pattern := input
		if !storage.IsRemote(input) && !strings.HasSuffix(input, "/") && IsDirectory(input) {
			pattern = input + "/"
		}
		pattern = storage.Directorify(pattern)

		paths, err := storage.Resolve(ctx, pattern)
		if err != nil {
			return nil, err
		}
		listed := strings.HasSuffix(pattern, "*")
		for _, p := range paths {
			if listed && !f.supports(p) {
				glog.V(1).Infof("Skipping unsupported file %s", p)
				continue
			}
			if !seen[p] {
				seen[p] = true
				files = append(files, p)
			}
		}
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no input files found in %v", inputs)
	}
	return files, nil
}
