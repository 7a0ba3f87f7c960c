package objstore

import (
	"context"
	"errors"
	"time"
)

// DefaultTimeout bounds a single store call when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// TimeoutStore gives every call on the wrapped store its own deadline. A
// call that runs out of time fails with a transient error.
type TimeoutStore struct {
	Store   Store
	Timeout time.Duration
}

// WithTimeout wraps s so no call outlives d. A non-positive d selects
// DefaultTimeout. A store that is already bounded at least as tightly is
// returned unchanged.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		d = DefaultTimeout
	}
	if ts, ok := s.(TimeoutStore); ok && ts.Timeout <= d {
		return ts
	}
	return TimeoutStore{Store: s, Timeout: d}
}

func (t TimeoutStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	d := t.Timeout
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}

// expired marks a deadline hit by this wrapper as transient when the
// backend returned the bare context error.
func expired(op, bucket, key string, err error) error {
	var oe *Error
	if err == nil || errors.As(err, &oe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(op, bucket, key, err, true)
	}
	return err
}

func (t TimeoutStore) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	objs, err := t.Store.List(ctx, bucket, prefix)
	return objs, expired("list", bucket, prefix, err)
}

func (t TimeoutStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	body, err := t.Store.Get(ctx, bucket, key)
	return body, expired("get", bucket, key, err)
}

func (t TimeoutStore) Stat(ctx context.Context, bucket, key string) (Object, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	obj, err := t.Store.Stat(ctx, bucket, key)
	return obj, expired("stat", bucket, key, err)
}

func (t TimeoutStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return expired("put", bucket, key, t.Store.Put(ctx, bucket, key, body, contentType))
}

func (t TimeoutStore) Delete(ctx context.Context, bucket, key string) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return expired("delete", bucket, key, t.Store.Delete(ctx, bucket, key))
}

func (t TimeoutStore) EnsureBucket(ctx context.Context, bucket string) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return expired("ensure bucket", bucket, "", t.Store.EnsureBucket(ctx, bucket))
}

func (t TimeoutStore) Close() error { return t.Store.Close() }
