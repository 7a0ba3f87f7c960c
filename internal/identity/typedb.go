package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"airsquawk/internal/objstore"
)

const (
	// TypeDatabaseKey is the object name of the bulk type database.
	TypeDatabaseKey = "aircraft_type_database.json"

	// TypeDatabaseMaxAge is how old the bulk database may get before it is
	// rebuilt.
	TypeDatabaseMaxAge = 30 * 24 * time.Hour

	typeDBTimeFormat = "2006-01-02 15:04:05 UTC"
	hexDigits        = "0123456789abcdef"
)

// TypeIndex is an immutable hex → identity map.
type TypeIndex struct {
	entries map[string]Identity
	Files   int
}

// Len returns the number of aircraft in the index.
func (ti *TypeIndex) Len() int {
	if ti == nil {
		return 0
	}
	return len(ti.entries)
}

// Lookup returns the identity stored for hex.
func (ti *TypeIndex) Lookup(hex string) (Identity, bool) {
	if ti == nil {
		return Identity{}, false
	}
	id, ok := ti.entries[strings.ToLower(hex)]
	return id, ok
}

type typeDBEntry struct {
	Type         string `json:"type"`
	Registration string `json:"registration"`
}

type typeDBMetadata struct {
	Source        string `json:"source"`
	CachedAt      string `json:"cached_at"`
	TotalAircraft int    `json:"total_aircraft"`
	FilesFound    int    `json:"files_found"`
}

type typeDBDocument struct {
	Metadata typeDBMetadata         `json:"metadata"`
	Aircraft map[string]typeDBEntry `json:"aircraft"`
}

// TypeDatabase is the bulk type database cached as one object. The
// in-memory index is loaded lazily and only replaced through Swap.
type TypeDatabase struct {
	store  objstore.Store
	bucket string

	index   *TypeIndex
	loaded  bool
	retryAt time.Time
	now     func() time.Time
}

// loadRetryDelay spaces out attempts to load the database after a
// transient failure.
const loadRetryDelay = 5 * time.Minute

// NewTypeDatabase returns a database stored in bucket.
func NewTypeDatabase(store objstore.Store, bucket string) *TypeDatabase {
	return &TypeDatabase{store: store, bucket: bucket, now: time.Now}
}

// Lookup consults the index, loading it on first use. A missing object
// leaves the index empty until the next Swap; a transient failure is
// retried after loadRetryDelay.
func (db *TypeDatabase) Lookup(ctx context.Context, hex string) (Identity, error) {
	if !db.loaded && !db.now().Before(db.retryAt) {
		idx, err := db.Load(ctx)
		switch {
		case err == nil:
			db.index, db.loaded = idx, true
		case objstore.IsNotFound(err):
			db.loaded = true
		default:
			db.retryAt = db.now().Add(loadRetryDelay)
			return Identity{}, err
		}
	}
	id, _ := db.index.Lookup(hex)
	return id, nil
}

// Swap installs a freshly built index.
func (db *TypeDatabase) Swap(idx *TypeIndex) {
	db.index = idx
	db.loaded = true
}

// Len returns the size of the loaded index.
func (db *TypeDatabase) Len() int { return db.index.Len() }

// Load reads and parses the stored database.
func (db *TypeDatabase) Load(ctx context.Context) (*TypeIndex, error) {
	body, err := db.store.Get(ctx, db.bucket, TypeDatabaseKey)
	if err != nil {
		return nil, fmt.Errorf("load type database: %w", err)
	}

	var doc typeDBDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode type database: %w", err)
	}

	idx := &TypeIndex{entries: make(map[string]Identity, len(doc.Aircraft)), Files: doc.Metadata.FilesFound}
	for hex, e := range doc.Aircraft {
		id := newIdentity(e.Registration, e.Type)
		if !id.IsZero() {
			idx.entries[strings.ToLower(hex)] = id
		}
	}
	return idx, nil
}

// Age returns how long ago the stored database was written. A database
// that does not exist is reported as infinitely old.
func (db *TypeDatabase) Age(ctx context.Context, now time.Time) (time.Duration, error) {
	obj, err := db.store.Stat(ctx, db.bucket, TypeDatabaseKey)
	if err != nil {
		if objstore.IsNotFound(err) {
			return time.Duration(math.MaxInt64), nil
		}
		return 0, err
	}
	return now.Sub(obj.LastModified), nil
}

// NeedsRefresh reports whether the stored database is older than maxAge.
func (db *TypeDatabase) NeedsRefresh(ctx context.Context, now time.Time, maxAge time.Duration) (bool, error) {
	age, err := db.Age(ctx, now)
	if err != nil {
		return false, err
	}
	return age > maxAge, nil
}

// Build crawls every three character prefix file of the static database
// with at most parallel concurrent requests. Files the server lacks are
// skipped.
func Build(ctx context.Context, src StaticFetcher, parallel int) (*TypeIndex, error) {
	if parallel <= 0 {
		parallel = 8
	}

	var (
		mu  sync.Mutex
		idx = &TypeIndex{entries: make(map[string]Identity)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, c1 := range hexDigits {
		for _, c2 := range hexDigits {
			for _, c3 := range hexDigits {
				prefix := string([]rune{c1, c2, c3})
				g.Go(func() error {
					file, err := src.StaticPrefix(gctx, strings.ToUpper(prefix))
					if err != nil {
						// Missing or unreadable files do not abort the crawl.
						return gctx.Err()
					}

					mu.Lock()
					defer mu.Unlock()
					idx.Files++
					for suffix, e := range file {
						id := newIdentity(e.Registration, e.Type)
						if id.Type == "" {
							continue
						}
						idx.entries[prefix+strings.ToLower(suffix)] = id
					}
					return nil
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("crawl static database: %w", err)
	}
	return idx, nil
}

// Publish stores idx as the bulk database object.
func (db *TypeDatabase) Publish(ctx context.Context, idx *TypeIndex, now time.Time) error {
	doc := typeDBDocument{
		Metadata: typeDBMetadata{
			Source:        "PiAware Local Database",
			CachedAt:      now.UTC().Format(typeDBTimeFormat),
			TotalAircraft: idx.Len(),
			FilesFound:    idx.Files,
		},
		Aircraft: make(map[string]typeDBEntry, idx.Len()),
	}
	for hex, id := range idx.entries {
		doc.Aircraft[hex] = typeDBEntry{Type: id.Type, Registration: id.Registration}
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal type database: %w", err)
	}
	if err := db.store.Put(ctx, db.bucket, TypeDatabaseKey, body, "application/json"); err != nil {
		return fmt.Errorf("store type database: %w", err)
	}
	return nil
}
