package storage

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get when no blob exists at the path.
var ErrNotFound = errors.New("blob not found")

const gsScheme = "gs://"

// Endpoint is a key value byte store rooted at a location. Paths passed to
// its methods are relative to Root.
type Endpoint interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
	Exists(ctx context.Context, path string) (bool, error)
	// List returns the relative paths of the blobs directly under dir, or
	// under every nested level when recursive is set.
	List(ctx context.Context, dir string, recursive bool) ([]string, error)
	Root() string
	Sub(prefix string) Endpoint
	IsRemote() bool
}

// Open returns the endpoint for uri: gs://bucket/prefix or a local directory.
func Open(ctx context.Context, uri string) (Endpoint, error) {
	if strings.HasPrefix(uri, gsScheme) {
		return NewGCS(ctx, uri)
	}
	return NewLocal(uri), nil
}

func IsRemote(uri string) bool {
	return strings.HasPrefix(uri, gsScheme)
}

// Join appends elem to a local path or a gs:// uri.
func Join(base string, elem ...string) string {
	if strings.HasPrefix(base, gsScheme) {
		return gsScheme + path.Join(append([]string{strings.TrimPrefix(base, gsScheme)}, elem...)...)
	}
	return path.Join(append([]string{base}, elem...)...)
}

// Split separates the directory of a path or uri from its final element.
func Split(p string) (dir, file string) {
	if strings.HasPrefix(p, gsScheme) {
		d, f := path.Split(strings.TrimPrefix(p, gsScheme))
		return gsScheme + strings.TrimSuffix(d, "/"), f
	}
	d, f := path.Split(p)
	if d == "" {
		d = "."
	}
	return strings.TrimSuffix(d, "/"), f
}

// Directorify turns a directory or a path without an extension into a glob
// over all files beneath it. Other paths are returned unchanged.
func Directorify(p string) string {
	if strings.HasSuffix(p, "*") {
		return p
	}
	if strings.HasSuffix(p, "/") {
		return p + "*"
	}
	_, file := Split(p)
	if !strings.Contains(file, ".") {
		return p + "/*"
	}
	return p
}

// Resolve expands a path ending in "/*" (one level) or "/**" (recursive)
// into the sorted list of blobs it names. Any other path is returned as is.
func Resolve(ctx context.Context, pattern string) ([]string, error) {
	recursive := strings.HasSuffix(pattern, "/**")
	if !recursive && !strings.HasSuffix(pattern, "/*") {
		return []string{pattern}, nil
	}
	dir := strings.TrimSuffix(strings.TrimSuffix(pattern, "*"), "*")
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" {
		dir = "/"
	}

	ep, err := Open(ctx, dir)
	if err != nil {
		return nil, err
	}
	rel, err := ep.List(ctx, "", recursive)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot resolve %s", pattern)
	}
	out := make([]string, 0, len(rel))
	for _, r := range rel {
		out = append(out, Join(dir, r))
	}
	sort.Strings(out)
	return out, nil
}

// PutWithRetry retries transient put failures with exponential backoff.
func PutWithRetry(ctx context.Context, ep Endpoint, path string, data []byte, retries uint64) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)
	return backoff.Retry(func() error {
		return ep.Put(ctx, path, data)
	}, policy)
}

// GetOptional returns nil data and no error for a missing blob.
func GetOptional(ctx context.Context, ep Endpoint, path string) ([]byte, error) {
	data, err := ep.Get(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return data, err
}
