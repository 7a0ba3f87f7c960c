package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig holds Google Cloud Storage settings. CredentialsFile may be
// empty to use application default credentials.
type GCSConfig struct {
	ProjectID       string
	CredentialsFile string
	Endpoint        string
}

// GCSStore implements Store on Google Cloud Storage.
type GCSStore struct {
	client  *storage.Client
	project string
}

// OpenGCS creates a storage client.
func OpenGCS(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("open gcs: %w", err)
	}
	return &GCSStore{client: client, project: cfg.ProjectID}, nil
}

func (g *GCSStore) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	query := storage.Query{
		Projection: storage.ProjectionNoACL,
		Prefix:     prefix,
	}

	var out []Object
	it := g.client.Bucket(bucket).Objects(ctx, &query)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, gcsError("list", bucket, prefix, err)
		}
		out = append(out, Object{Key: attrs.Name, Size: attrs.Size, LastModified: attrs.Updated})
	}
	// GCS lists in lexicographic order already.
	return out, nil
}

func (g *GCSStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	r, err := g.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, gcsError("get", bucket, key, err)
	}
	defer func() { _ = r.Close() }()

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, gcsError("get", bucket, key, err)
	}
	return body, nil
}

func (g *GCSStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	w := g.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return gcsError("put", bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return gcsError("put", bucket, key, err)
	}
	return nil
}

func (g *GCSStore) Delete(ctx context.Context, bucket, key string) error {
	if err := g.client.Bucket(bucket).Object(key).Delete(ctx); err != nil {
		return gcsError("delete", bucket, key, err)
	}
	return nil
}

func (g *GCSStore) Stat(ctx context.Context, bucket, key string) (Object, error) {
	attrs, err := g.client.Bucket(bucket).Object(key).Attrs(ctx)
	if err != nil {
		return Object{}, gcsError("stat", bucket, key, err)
	}
	return Object{Key: key, Size: attrs.Size, LastModified: attrs.Updated}, nil
}

func (g *GCSStore) EnsureBucket(ctx context.Context, bucket string) error {
	b := g.client.Bucket(bucket)
	_, err := b.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return gcsError("head bucket", bucket, "", err)
	}
	if g.project == "" {
		return wrap("create bucket", bucket, "", errors.New("project id required to create buckets"), false)
	}
	if err := b.Create(ctx, g.project, nil); err != nil {
		return gcsError("create bucket", bucket, "", err)
	}
	return nil
}

func (g *GCSStore) Close() error { return g.client.Close() }

func gcsError(op, bucket, key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return wrap(op, bucket, key, fmt.Errorf("%w: %v", ErrNotFound, err), false)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusNotFound {
			return wrap(op, bucket, key, fmt.Errorf("%w: %v", ErrNotFound, err), false)
		}
		return wrap(op, bucket, key, err, gerr.Code >= 500 || gerr.Code == http.StatusTooManyRequests)
	}

	return wrap(op, bucket, key, err, true)
}
