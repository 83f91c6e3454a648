package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Local stores blobs as files under a directory.
type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) Root() string {
	return l.root
}

func (l *Local) IsRemote() bool {
	return false
}

func (l *Local) Sub(prefix string) Endpoint {
	return NewLocal(filepath.Join(l.root, prefix))
}

func (l *Local) full(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(p))
}

func (l *Local) Get(_ context.Context, p string) ([]byte, error) {
	data, err := os.ReadFile(l.full(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(ErrNotFound, p)
	}
	return data, errors.WithStack(err)
}

// Put writes to a sibling temporary file and renames it into place so that a
// reader never observes a partial blob.
func (l *Local) Put(_ context.Context, p string, data []byte) error {
	dst := l.full(p)
	if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return errors.WithStack(err)
	}
	tmp := dst + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.WithStack(err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return errors.WithStack(err)
	}
	return nil
}

func (l *Local) Exists(_ context.Context, p string) (bool, error) {
	_, err := os.Stat(l.full(p))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, errors.WithStack(err)
}

func (l *Local) List(_ context.Context, dir string, recursive bool) ([]string, error) {
	base := l.full(dir)
	var out []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != base && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sort.Strings(out)
	return out, nil
}

// Localize copies a remote blob into dir so that file based readers can open
// it. Local paths are returned unchanged. The returned func removes the copy.
func Localize(ctx context.Context, p, dir, prefix string) (string, func(), error) {
	if !IsRemote(p) {
		return p, func() {}, nil
	}
	parent, file := Split(p)
	ep, err := Open(ctx, parent)
	if err != nil {
		return "", nil, err
	}
	raw, err := ep.Get(ctx, file)
	if err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return "", nil, errors.WithStack(err)
	}
	local := filepath.Join(dir, prefix+"-"+uuid.NewString()+filepath.Ext(file))
	if err := os.WriteFile(local, raw, 0o644); err != nil {
		return "", nil, errors.WithStack(err)
	}
	return local, func() {
		if err := os.Remove(local); err != nil {
			glog.Warningf("Failed to remove %s: %v", local, err)
		}
	}, nil
}
