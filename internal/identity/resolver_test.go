package identity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"airsquawk/internal/adsb"
	"airsquawk/internal/objstore"
	"airsquawk/internal/source"
)

// fakeStatic serves prefix files from a map and counts requests.
type fakeStatic struct {
	files map[string]map[string]adsb.StaticEntry
	calls atomic.Int64
	err   error
}

func (f *fakeStatic) StaticPrefix(ctx context.Context, prefix string) (map[string]adsb.StaticEntry, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	file, ok := f.files[prefix]
	if !ok {
		return nil, source.ErrNotFound
	}
	return file, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestResolver(t *testing.T, tiers Tiers) *Resolver {
	t.Helper()
	r, err := NewResolver(Config{}, tiers, testLogger())
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	return r
}

func putCacheEntry(t *testing.T, store objstore.Store, hex string, e CacheEntry) {
	t.Helper()
	body, _ := json.Marshal(e)
	if err := store.Put(context.Background(), "cache", hex+".json", body, "application/json"); err != nil {
		t.Fatal(err)
	}
}

func TestResolveTierOrder(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()

	history := NewHistoryIndex([]adsb.Snapshot{{
		Now:      100,
		Aircraft: []adsb.Aircraft{{Hex: "aaa111", Registration: "N-HIST"}},
	}})
	static := &fakeStatic{files: map[string]map[string]adsb.StaticEntry{
		"AAA": {"111": {Registration: "N-STATIC", Type: "C172"}},
	}}
	sdb, _ := NewStaticDB(static, 0)

	r := newTestResolver(t, Tiers{
		History: history,
		Cache:   NewHexCache(store, "cache", 0),
		Static:  sdb,
	})

	var tiers []string
	r.OnTier = func(tier string) { tiers = append(tiers, tier) }

	id := r.Resolve(ctx, "AAA111")
	if id.Registration != "N-HIST" {
		t.Errorf("Registration = %q, want history value to win", id.Registration)
	}
	if id.Type != "C172" {
		t.Errorf("Type = %q, want static fill", id.Type)
	}
	if len(tiers) != 2 || tiers[0] != TierHistory || tiers[1] != TierStatic {
		t.Errorf("tiers = %v, want [history static]", tiers)
	}

	// The resolved pair is written back to the hex cache.
	body, err := store.Get(ctx, "cache", "aaa111.json")
	if err != nil {
		t.Fatalf("cache object missing: %v", err)
	}
	var e CacheEntry
	_ = json.Unmarshal(body, &e)
	if e.Registration != "N-HIST" || e.Type != "C172" || e.Timestamp == "" {
		t.Errorf("cache entry = %+v", e)
	}
}

func TestResolveMemoisesNegative(t *testing.T) {
	static := &fakeStatic{files: map[string]map[string]adsb.StaticEntry{}}
	sdb, _ := NewStaticDB(static, 0)
	r := newTestResolver(t, Tiers{Static: sdb})

	for i := 0; i < 3; i++ {
		if id := r.Resolve(context.Background(), "bbb222"); !id.IsZero() {
			t.Fatalf("Resolve() = %+v, want unknown", id)
		}
	}
	// Three prefix lengths on the first walk, none after.
	if static.calls.Load() != 3 {
		t.Errorf("static calls = %d, want 3", static.calls.Load())
	}
	if r.Memoised() != 1 {
		t.Errorf("Memoised() = %d, want 1", r.Memoised())
	}
}

func TestResolveFreshCacheNotRewritten(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	putCacheEntry(t, store, "ccc333", CacheEntry{
		Registration: "G-ABCD",
		Type:         "A320",
		Timestamp:    time.Now().UTC().Add(-time.Hour).Format(CacheTimeFormat),
	})

	puts := 0
	store.FailPut = func(bucket, key string) error {
		puts++
		return nil
	}

	r := newTestResolver(t, Tiers{Cache: NewHexCache(store, "cache", 0)})
	id := r.Resolve(ctx, "ccc333")
	if id.Registration != "G-ABCD" || id.Type != "A320" {
		t.Errorf("Resolve() = %+v", id)
	}
	if puts != 0 {
		t.Errorf("cache puts = %d, want 0 for an already cached pair", puts)
	}
}

func TestHexCacheExpiry(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	now := time.Date(2025, 11, 16, 12, 0, 0, 0, time.UTC)

	putCacheEntry(t, store, "old", CacheEntry{Registration: "N1", Type: "B738", Timestamp: now.Add(-8 * 24 * time.Hour).Format(CacheTimeFormat)})
	putCacheEntry(t, store, "new", CacheEntry{Registration: "N2", Type: "B738", Timestamp: now.Add(-6 * 24 * time.Hour).Format(CacheTimeFormat)})
	_ = store.Put(ctx, "cache", "bad.json", []byte("{not json"), "")

	c := NewHexCache(store, "cache", 0)
	c.now = func() time.Time { return now }

	tests := []struct {
		hex    string
		wantOK bool
	}{
		{"old", false},
		{"new", true},
		{"bad", false},
		{"missing", false},
	}
	for _, tt := range tests {
		t.Run(tt.hex, func(t *testing.T) {
			_, ok, err := c.Get(ctx, tt.hex)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if ok != tt.wantOK {
				t.Errorf("Get() ok = %v, want %v", ok, tt.wantOK)
			}
		})
	}
}

func TestHexCacheTransientError(t *testing.T) {
	store := objstore.NewMemoryStore()
	store.FailGet = func(bucket, key string) error {
		return &objstore.Error{Op: "get", Bucket: bucket, Key: key, Err: errors.New("timeout"), Transient: true}
	}
	c := NewHexCache(store, "cache", 0)
	if _, _, err := c.Get(context.Background(), "abc"); !objstore.IsTransient(err) {
		t.Errorf("Get() error = %v, want transient", err)
	}

	// The resolver degrades to unresolved and keeps going.
	r := newTestResolver(t, Tiers{Cache: c})
	if id := r.Resolve(context.Background(), "abc"); !id.IsZero() {
		t.Errorf("Resolve() = %+v, want unknown", id)
	}
}

func TestStaticDBPrefixes(t *testing.T) {
	static := &fakeStatic{files: map[string]map[string]adsb.StaticEntry{
		"A":  {"BC123": {Registration: "N100", Type: "PA28"}},
		"DE": {"f456": {Registration: "D-EFGH", Type: "A20N"}},
	}}
	sdb, _ := NewStaticDB(static, 0)

	tests := []struct {
		hex  string
		want Identity
	}{
		{"abc123", Identity{"N100", "PA28"}},
		{"def456", Identity{"D-EFGH", "A20N"}},
		{"999999", Identity{}},
	}
	for _, tt := range tests {
		t.Run(tt.hex, func(t *testing.T) {
			got, err := sdb.Lookup(context.Background(), tt.hex)
			if err != nil {
				t.Fatalf("Lookup() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Lookup() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTypeDatabaseBuildPublishLoad(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	static := &fakeStatic{files: map[string]map[string]adsb.StaticEntry{
		"ABC": {"123": {Registration: "N12345", Type: "B738"}, "999": {Registration: "N0TYPE"}},
		"0FF": {"001": {Registration: "EI-ABC", Type: "B38M"}},
	}}

	idx, err := Build(ctx, static, 4)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if static.calls.Load() != 4096 {
		t.Errorf("crawl made %d requests, want 4096", static.calls.Load())
	}
	if idx.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (entries without a type are skipped)", idx.Len())
	}

	db := NewTypeDatabase(store, "cache")
	now := time.Date(2025, 11, 16, 12, 0, 0, 0, time.UTC)
	if err := db.Publish(ctx, idx, now); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	id, err := db.Lookup(ctx, "ABC123")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if id.Type != "B738" || id.Registration != "N12345" {
		t.Errorf("Lookup() = %+v", id)
	}
}

func TestTypeDatabaseNeedsRefresh(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	written := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return written }
	db := NewTypeDatabase(store, "cache")

	stale, err := db.NeedsRefresh(ctx, written, TypeDatabaseMaxAge)
	if err != nil || !stale {
		t.Errorf("missing database: NeedsRefresh() = %v, %v, want true", stale, err)
	}

	_ = store.Put(ctx, "cache", TypeDatabaseKey, []byte(`{"aircraft":{}}`), "application/json")

	stale, _ = db.NeedsRefresh(ctx, written.Add(10*24*time.Hour), TypeDatabaseMaxAge)
	if stale {
		t.Error("10 day old database should not need a refresh")
	}
	stale, _ = db.NeedsRefresh(ctx, written.Add(31*24*time.Hour), TypeDatabaseMaxAge)
	if !stale {
		t.Error("31 day old database should need a refresh")
	}
}

func TestHistoryIndexNewestWins(t *testing.T) {
	idx := NewHistoryIndex([]adsb.Snapshot{
		{Now: 200, Aircraft: []adsb.Aircraft{{Hex: "abc", Flight: "NEW1"}}},
		{Now: 100, Aircraft: []adsb.Aircraft{{Hex: "abc", Flight: "OLD1", Squawk: "1200", Type: "B738"}}},
	})

	e, ok := idx.Lookup("abc")
	if !ok {
		t.Fatal("Lookup() missed")
	}
	if e.Flight != "NEW1" {
		t.Errorf("Flight = %q, want NEW1", e.Flight)
	}
	if e.Squawk != "1200" || e.Type != "B738" {
		t.Errorf("older fields lost: %+v", e)
	}
}

func TestStaticDBOverHTTPSkipsChildren(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/db/A.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"children":["A0","A1"],"BC123":{"r":"N12345","t":"B738"}}`))
	}))
	defer srv.Close()

	sdb, err := NewStaticDB(source.New(srv.URL, time.Second), 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := sdb.Lookup(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if want := (Identity{"N12345", "B738"}); got != want {
		t.Errorf("Lookup() = %+v, want %+v", got, want)
	}
}
