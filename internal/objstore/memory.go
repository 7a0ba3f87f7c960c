package objstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	body        []byte
	contentType string
	modified    time.Time
}

// MemoryStore keeps objects in process memory. It backs tests and the
// "memory" backend for running without an object store.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memObject

	// Now stamps LastModified; defaults to time.Now.
	Now func() time.Time

	// FailPut and FailGet, when set, are consulted before the operation and
	// can inject errors.
	FailPut func(bucket, key string) error
	FailGet func(bucket, key string) error
	FailDel func(bucket, key string) error

	// Hang, when it returns true, makes the call block until ctx is done
	// and fail with the context error, like an unresponsive server.
	Hang func(op, bucket, key string) bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]map[string]memObject),
		Now:     time.Now,
	}
}

func (m *MemoryStore) hang(ctx context.Context, op, bucket, key string) error {
	if m.Hang == nil || !m.Hang(op, bucket, key) {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *MemoryStore) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	if err := m.hang(ctx, "list", bucket, prefix); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	objs := m.buckets[bucket]
	out := make([]Object, 0, len(objs))
	for k, o := range objs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Object{Key: k, Size: int64(len(o.body)), LastModified: o.modified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := m.hang(ctx, "get", bucket, key); err != nil {
		return nil, err
	}
	if m.FailGet != nil {
		if err := m.FailGet(bucket, key); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.buckets[bucket][key]
	if !ok {
		return nil, wrap("get", bucket, key, ErrNotFound, false)
	}
	return append([]byte(nil), o.body...), nil
}

func (m *MemoryStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	if err := m.hang(ctx, "put", bucket, key); err != nil {
		return err
	}
	if m.FailPut != nil {
		if err := m.FailPut(bucket, key); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string]memObject)
		m.buckets[bucket] = b
	}
	b[key] = memObject{
		body:        append([]byte(nil), body...),
		contentType: contentType,
		modified:    m.Now(),
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	if err := m.hang(ctx, "delete", bucket, key); err != nil {
		return err
	}
	if m.FailDel != nil {
		if err := m.FailDel(bucket, key); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], key)
	return nil
}

func (m *MemoryStore) Stat(ctx context.Context, bucket, key string) (Object, error) {
	if err := m.hang(ctx, "stat", bucket, key); err != nil {
		return Object{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.buckets[bucket][key]
	if !ok {
		return Object{}, wrap("stat", bucket, key, ErrNotFound, false)
	}
	return Object{Key: key, Size: int64(len(o.body)), LastModified: o.modified}, nil
}

func (m *MemoryStore) EnsureBucket(ctx context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string]memObject)
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// ContentType returns the content type an object was stored with.
func (m *MemoryStore) ContentType(bucket, key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.buckets[bucket][key].contentType
}
