package objstore

import (
	"context"
	"log/slog"

	"github.com/dustin/go-humanize"
)

// DryRunStore passes reads through to the wrapped store and discards
// writes and deletes, logging what would have happened.
type DryRunStore struct {
	Store Store
	Log   *slog.Logger
}

func (d DryRunStore) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	return d.Store.List(ctx, bucket, prefix)
}

func (d DryRunStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	return d.Store.Get(ctx, bucket, key)
}

func (d DryRunStore) Stat(ctx context.Context, bucket, key string) (Object, error) {
	return d.Store.Stat(ctx, bucket, key)
}

func (d DryRunStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	d.Log.Info("dry run: skipping put", "bucket", bucket, "key", key, "size", humanize.Bytes(uint64(len(body))))
	return nil
}

func (d DryRunStore) Delete(ctx context.Context, bucket, key string) error {
	d.Log.Info("dry run: skipping delete", "bucket", bucket, "key", key)
	return nil
}

func (d DryRunStore) EnsureBucket(ctx context.Context, bucket string) error { return nil }

func (d DryRunStore) Close() error { return d.Store.Close() }
