// Package objstore provides a small bucket/key object storage interface with
// S3-compatible, Google Cloud Storage and in-memory implementations.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNotFound is returned when a bucket or key does not exist.
var ErrNotFound = errors.New("object not found")

// Object describes a stored object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the set of object operations the collector needs.
type Store interface {
	// List returns every object in bucket whose key starts with prefix,
	// sorted by key.
	List(ctx context.Context, bucket, prefix string) ([]Object, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
	Delete(ctx context.Context, bucket, key string) error
	// Stat returns the metadata for a key, or ErrNotFound.
	Stat(ctx context.Context, bucket, key string) (Object, error)
	// EnsureBucket creates bucket when it does not exist yet.
	EnsureBucket(ctx context.Context, bucket string) error
	Close() error
}

// Error records a failed object operation and whether retrying it later
// may succeed.
type Error struct {
	Op        string
	Bucket    string
	Key       string
	Err       error
	Transient bool
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err means the object or bucket is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether err is worth retrying on a later attempt.
// Errors that are not classified are treated as transient.
func IsTransient(err error) bool {
	if err == nil || IsNotFound(err) {
		return false
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Transient
	}
	return true
}

// transientCause classifies errors common to every backend.
func transientCause(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

func wrap(op, bucket, key string, err error, transient bool) error {
	return &Error{Op: op, Bucket: bucket, Key: key, Err: err, Transient: transient}
}
