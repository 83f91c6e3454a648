package storage

import (
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

var (
	clientMu sync.Mutex
	client   *gcs.Client
)

func sharedClient(ctx context.Context, opts ...option.ClientOption) (*gcs.Client, error) {
	clientMu.Lock()
	defer clientMu.Unlock()
	if client != nil {
		return client, nil
	}
	opts = append(opts, option.WithScopes(gcs.ScopeReadWrite))
	c, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create storage client")
	}
	client = c
	return c, nil
}

// GCS stores blobs under a prefix of a Cloud Storage bucket.
type GCS struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCS opens gs://bucket/prefix.
func NewGCS(ctx context.Context, uri string, opts ...option.ClientOption) (*GCS, error) {
	rest := strings.TrimPrefix(uri, gsScheme)
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return nil, errors.Errorf("invalid bucket uri %q", uri)
	}
	c, err := sharedClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &GCS{client: c, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (g *GCS) Root() string {
	if g.prefix == "" {
		return gsScheme + g.bucket
	}
	return gsScheme + g.bucket + "/" + g.prefix
}

func (g *GCS) IsRemote() bool {
	return true
}

func (g *GCS) Sub(prefix string) Endpoint {
	return &GCS{client: g.client, bucket: g.bucket, prefix: path.Join(g.prefix, prefix)}
}

func (g *GCS) key(p string) string {
	return strings.TrimPrefix(path.Join(g.prefix, p), "/")
}

func (g *GCS) Get(ctx context.Context, p string) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(g.key(p)).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, errors.Wrap(ErrNotFound, p)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", p)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	return data, errors.Wrapf(err, "failed to read %s", p)
}

func (g *GCS) Put(ctx context.Context, p string, data []byte) error {
	w := g.client.Bucket(g.bucket).Object(g.key(p)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "failed to write data to GCS")
	}
	return errors.Wrap(w.Close(), "failed to close GCS writer")
}

func (g *GCS) Exists(ctx context.Context, p string) (bool, error) {
	_, err := g.client.Bucket(g.bucket).Object(g.key(p)).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (g *GCS) List(ctx context.Context, dir string, recursive bool) ([]string, error) {
	prefix := g.key(dir)
	if prefix != "" {
		prefix += "/"
	}
	q := &gcs.Query{Prefix: prefix}
	if !recursive {
		q.Delimiter = "/"
	}
	var out []string
	it := g.client.Bucket(g.bucket).Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to list objects")
		}
		if attrs.Name == "" {
			// synthetic directory entry
			continue
		}
		rel := strings.TrimPrefix(attrs.Name, g.prefix)
		out = append(out, strings.TrimPrefix(rel, "/"))
	}
	sort.Strings(out)
	return out, nil
}
