package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"airsquawk/internal/objstore"
)

// CacheTimeFormat is the timestamp layout of per-hex cache objects.
const CacheTimeFormat = "2006-01-02T15:04:05Z"

// DefaultCacheTTL is how long a per-hex cache object stays fresh.
const DefaultCacheTTL = 7 * 24 * time.Hour

// CacheEntry is the body of a per-hex cache object.
type CacheEntry struct {
	Registration string `json:"registration"`
	Type         string `json:"type"`
	Timestamp    string `json:"timestamp"`
}

// HexCache stores one small JSON object per resolved hex in a bucket.
type HexCache struct {
	store  objstore.Store
	bucket string
	ttl    time.Duration
	now    func() time.Time
}

// NewHexCache returns a cache over bucket.
func NewHexCache(store objstore.Store, bucket string, ttl time.Duration) *HexCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &HexCache{store: store, bucket: bucket, ttl: ttl, now: time.Now}
}

func (c *HexCache) key(hex string) string { return hex + ".json" }

// Get returns the cached identity. A missing, corrupt or expired object is
// a miss (ok false, nil error); only transport failures return an error.
func (c *HexCache) Get(ctx context.Context, hex string) (Identity, bool, error) {
	body, err := c.store.Get(ctx, c.bucket, c.key(hex))
	if err != nil {
		if objstore.IsNotFound(err) {
			return Identity{}, false, nil
		}
		return Identity{}, false, err
	}

	var e CacheEntry
	if err := json.Unmarshal(body, &e); err != nil {
		return Identity{}, false, nil
	}
	ts, err := time.Parse(CacheTimeFormat, e.Timestamp)
	if err != nil || c.now().Sub(ts) >= c.ttl {
		return Identity{}, false, nil
	}
	return newIdentity(e.Registration, e.Type), true, nil
}

// Put writes id for hex stamped with the current time.
func (c *HexCache) Put(ctx context.Context, hex string, id Identity) error {
	body, err := json.Marshal(CacheEntry{
		Registration: id.Registration,
		Type:         id.Type,
		Timestamp:    c.now().UTC().Format(CacheTimeFormat),
	})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return c.store.Put(ctx, c.bucket, c.key(hex), body, "application/json")
}
