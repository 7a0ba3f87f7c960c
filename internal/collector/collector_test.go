package collector

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"airsquawk/internal/adsb"
	"airsquawk/internal/config"
	"airsquawk/internal/identity"
	"airsquawk/internal/logging"
	"airsquawk/internal/metrics"
	"airsquawk/internal/objstore"
	"airsquawk/internal/source"
	"airsquawk/internal/upload"
)

func fp(f float64) *float64 { return &f }

var t0 = time.Date(2025, 11, 16, 14, 0, 0, 0, time.UTC)

// fakeSource serves a settable snapshot and a small static database.
type fakeSource struct {
	mu       sync.Mutex
	snap     adsb.Snapshot
	err      error
	receiver adsb.Receiver
	rxErr    error
	rxCalls  int
	static   map[string]map[string]adsb.StaticEntry
	crawled  int
}

func (f *fakeSource) set(aircraft ...adsb.Aircraft) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = adsb.Snapshot{Aircraft: aircraft}
}

func (f *fakeSource) Aircraft(ctx context.Context) (adsb.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.err
}

func (f *fakeSource) Receiver(ctx context.Context) (adsb.Receiver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rxCalls++
	return f.receiver, f.rxErr
}

func (f *fakeSource) History(ctx context.Context, n int) ([]adsb.Snapshot, error) {
	return nil, source.ErrNotFound
}

func (f *fakeSource) StaticPrefix(ctx context.Context, prefix string) (map[string]adsb.StaticEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crawled++
	if file, ok := f.static[prefix]; ok {
		return file, nil
	}
	return nil, source.ErrNotFound
}

type fakeFeed struct {
	records []upload.Record
}

func (f *fakeFeed) Publish(records []upload.Record) (int, error) {
	f.records = append(f.records, records...)
	return len(records), nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Backend = "memory"
	cfg.Receiver.Lat, cfg.Receiver.Lon = 40.1, -74.1
	cfg.Reception.File = filepath.Join(t.TempDir(), "piaware.reception.record")
	cfg.Source.HistoryFiles = 0
	return cfg
}

func newTestCollector(t *testing.T, cfg config.Config, src *fakeSource, store objstore.Store, deps Deps) *Collector {
	t.Helper()
	deps.Source, deps.Store = src, store
	c, err := New(cfg, deps, logging.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestTickTracksAndRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{}
	store := objstore.NewMemoryStore()
	feed := &fakeFeed{}
	c := newTestCollector(t, testConfig(t), src, store, Deps{Feed: feed})
	if err := c.Start(ctx, t0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	src.set(adsb.Aircraft{Hex: "ABC123", Flight: "TEST01", Lat: fp(40.5), Lon: fp(-74.0), AltBaro: fp(35000)})
	c.Tick(ctx, t0)

	st := c.Status()
	if st == nil || len(st.Aircraft) != 1 {
		t.Fatalf("Status() = %+v", st)
	}
	a, ok := st.Find("abc123")
	if !ok {
		t.Fatal("abc123 not tracked")
	}
	if a.Quality != "GPS" || a.Range == nil || *a.Range <= 0 {
		t.Errorf("aircraft = %+v, want GPS with a positive range", a)
	}
	if len(st.Reception) != 1 || st.Reception[0].Zone != 7 {
		t.Errorf("Reception = %+v, want one zone 7 record", st.Reception)
	}
	if st.BestRange == nil || st.BestRange.Hex != "abc123" {
		t.Errorf("BestRange = %+v", st.BestRange)
	}
	if st.Buffered != 1 || st.Positions.Total != 1 {
		t.Errorf("Buffered = %d, Positions = %+v", st.Buffered, st.Positions)
	}
	if len(feed.records) != 1 || feed.records[0].ICAO != "abc123" {
		t.Errorf("feed records = %+v", feed.records)
	}
}

func TestLongVisibilityUploadsURL(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{}
	store := objstore.NewMemoryStore()
	c := newTestCollector(t, testConfig(t), src, store, Deps{})
	if err := c.Start(ctx, t0); err != nil {
		t.Fatal(err)
	}

	src.set(adsb.Aircraft{Hex: "abc123", Flight: "BAW123", Registration: "G-ABCD"})
	for at := t0; !at.After(t0.Add(5 * time.Minute)); at = at.Add(30 * time.Second) {
		c.Tick(ctx, at)
	}
	src.set()
	c.Tick(ctx, t0.Add(5*time.Minute+31*time.Second))

	if n := len(c.Status().Aircraft); n != 0 {
		t.Fatalf("tracked = %d after the timeout", n)
	}
	objs, err := store.List(ctx, "flighturls", "flightaware_urls_")
	if err != nil || len(objs) != 1 {
		t.Fatalf("url objects = %v, %v", objs, err)
	}
	body, _ := store.Get(ctx, "flighturls", objs[0].Key)
	if !strings.Contains(string(body), "https://flightaware.com/live/flight/BAW123") {
		t.Errorf("url object = %s", body)
	}
}

func TestFetchFailureIsNotFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{}
	c := newTestCollector(t, testConfig(t), src, objstore.NewMemoryStore(), Deps{Metrics: m})
	if err := c.Start(ctx, t0); err != nil {
		t.Fatal(err)
	}

	src.set(adsb.Aircraft{Hex: "abc123"})
	c.Tick(ctx, t0)
	src.err = errors.New("connection refused")
	c.Tick(ctx, t0.Add(time.Second))

	if got := testutil.ToFloat64(m.FetchFailures); got != 1 {
		t.Errorf("fetch failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Ticks); got != 2 {
		t.Errorf("ticks = %v, want 2", got)
	}
	if len(c.Status().Aircraft) != 1 {
		t.Error("aircraft dropped on a failed fetch")
	}
}

func TestReceiverRefetch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	cfg.Receiver.Lat, cfg.Receiver.Lon = 0, 0
	src := &fakeSource{rxErr: errors.New("not yet"), receiver: adsb.Receiver{Lat: 51.47, Lon: -0.45}}
	c := newTestCollector(t, cfg, src, objstore.NewMemoryStore(), Deps{})
	if err := c.Start(ctx, t0); err != nil {
		t.Fatal(err)
	}
	if c.Status().Receiver != nil {
		t.Fatal("receiver known after a failed fetch")
	}

	src.rxErr = nil
	c.Tick(ctx, t0.Add(time.Minute))
	if c.Status().Receiver != nil || src.rxCalls != 1 {
		t.Fatalf("refetched too early: calls = %d", src.rxCalls)
	}
	c.Tick(ctx, t0.Add(10*time.Minute))
	rx := c.Status().Receiver
	if rx == nil || rx.Point.Lat != 51.47 || src.rxCalls != 2 {
		t.Errorf("Receiver = %+v after %d calls", rx, src.rxCalls)
	}
}

func TestStartRestoresFromStorage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := objstore.NewMemoryStore()
	keys := upload.Keys{}
	seen := func(s string) *string { return &s }
	prev := []upload.Record{{
		ICAO: "def456", Ident: seen("DLH400"),
		Latitude: fp(41.5), Longitude: fp(-73.0), AltitudeFt: fp(38000),
		FirstSeen: "2025-11-16T13:10:00Z", LastSeen: "2025-11-16T13:20:00Z", DataQuality: "GPS",
	}}
	body, _ := upload.Encode(prev)
	if err := store.Put(ctx, "aircraft-data", keys.Hour(t0.Add(-time.Hour)), body, upload.ContentType); err != nil {
		t.Fatal(err)
	}
	cur := []upload.Record{
		{ICAO: "abc123", Latitude: fp(40.5), Longitude: fp(-74.0), AltitudeFt: fp(12000), LastSeen: "2025-11-16T14:00:10Z"},
		{ICAO: "abc123", LastSeen: "2025-11-16T14:00:11Z"},
	}
	body, _ = upload.Encode(cur)
	if err := store.Put(ctx, "aircraft-data", keys.Minute(t0, 1), body, upload.ContentType); err != nil {
		t.Fatal(err)
	}

	c := newTestCollector(t, testConfig(t), &fakeSource{}, store, Deps{})
	if err := c.Start(ctx, t0.Add(30*time.Second)); err != nil {
		t.Fatal(err)
	}

	st := c.Status()
	if st.Positions.Total != 1 {
		t.Errorf("seeded positions = %d, want 1", st.Positions.Total)
	}
	if len(st.Reception) != 2 {
		t.Fatalf("Reception = %+v, want records from both hours", st.Reception)
	}
	found := false
	for _, r := range st.Reception {
		if r.Hex == "def456" && r.Flight == "DLH400" {
			found = true
		}
	}
	if !found {
		t.Errorf("backfill missing def456: %+v", st.Reception)
	}
}

func TestTypeDatabaseRebuild(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{static: map[string]map[string]adsb.StaticEntry{
		"ABC": {"123": {Registration: "G-ABCD", Type: "A320"}},
	}}
	store := objstore.NewMemoryStore()
	c := newTestCollector(t, testConfig(t), src, store, Deps{})
	if err := c.Start(ctx, t0); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	at := t0
	for c.Status().TypeDatabase == 0 {
		if time.Now().After(deadline) {
			t.Fatal("type database never swapped in")
		}
		time.Sleep(10 * time.Millisecond)
		at = at.Add(time.Second)
		c.Tick(ctx, at)
	}
	if _, err := store.Stat(ctx, "icao-hex-cache", identity.TypeDatabaseKey); err != nil {
		t.Errorf("type database not published: %v", err)
	}
}

func (f *fakeSource) crawls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.crawled
}

func TestTypeDatabaseDailyCheck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{static: map[string]map[string]adsb.StaticEntry{
		"ABC": {"123": {Registration: "G-ABCD", Type: "A320"}},
	}}
	store := objstore.NewMemoryStore()
	store.Now = func() time.Time { return t0 }
	if err := store.Put(ctx, "icao-hex-cache", identity.TypeDatabaseKey, []byte(`{"metadata":{},"aircraft":{}}`), "application/json"); err != nil {
		t.Fatal(err)
	}

	c := newTestCollector(t, testConfig(t), src, store, Deps{})
	if err := c.Start(ctx, t0); err != nil {
		t.Fatal(err)
	}
	if want := t0.Add(typeDBCheckInterval); !c.nextTypeDBCheck.Equal(want) {
		t.Errorf("next check = %v, want %v", c.nextTypeDBCheck, want)
	}

	c.Tick(ctx, t0.Add(time.Hour))
	if n := src.crawls(); n != 0 {
		t.Fatalf("fresh database crawled %d files", n)
	}

	at := t0.Add(31 * 24 * time.Hour)
	deadline := time.Now().Add(5 * time.Second)
	for c.Status().TypeDatabase == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stale type database never rebuilt")
		}
		c.Tick(ctx, at)
		time.Sleep(10 * time.Millisecond)
		at = at.Add(time.Second)
	}
	if n := src.crawls(); n != 16*16*16 {
		t.Errorf("crawled %d files, want one full crawl", n)
	}
	if want := t0.Add(31 * 24 * time.Hour).Add(typeDBCheckInterval); !c.nextTypeDBCheck.Equal(want) {
		t.Errorf("next check = %v, want %v", c.nextTypeDBCheck, want)
	}
}

func TestTypeDatabaseCheckSkipsWhileBuilding(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{}
	c := newTestCollector(t, testConfig(t), src, objstore.NewMemoryStore(), Deps{})
	c.typeDBBuilding.Store(true)

	c.checkTypeDatabase(ctx, t0)
	time.Sleep(50 * time.Millisecond)
	if n := src.crawls(); n != 0 {
		t.Errorf("crawled %d files while a rebuild was running", n)
	}
	if want := t0.Add(typeDBCheckInterval); !c.nextTypeDBCheck.Equal(want) {
		t.Errorf("next check = %v, want %v", c.nextTypeDBCheck, want)
	}
}

func TestTickBoundedOnHungStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hung atomic.Bool
	var puts atomic.Int64
	store := objstore.NewMemoryStore()
	store.Hang = func(op, bucket, key string) bool {
		if !hung.Load() || op != "put" {
			return false
		}
		puts.Add(1)
		return true
	}

	cfg := testConfig(t)
	cfg.Store.Timeout = 50 * time.Millisecond
	cfg.Upload.FlushInterval = time.Second
	src := &fakeSource{}
	c := newTestCollector(t, cfg, src, store, Deps{})
	if err := c.Start(ctx, t0); err != nil {
		t.Fatal(err)
	}

	hung.Store(true)
	src.set(adsb.Aircraft{Hex: "abc123", Lat: fp(40.5), Lon: fp(-74.0), AltBaro: fp(35000)})
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Tick(ctx, t0.Add(time.Second))
		c.Tick(ctx, t0.Add(5*time.Second))
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Tick blocked on a hung store")
	}

	if puts.Load() == 0 {
		t.Error("no upload was attempted")
	}
	if c.Status().Buffered == 0 {
		t.Error("records dropped after a timed out upload")
	}
}

func TestShutdownFlushes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{}
	store := objstore.NewMemoryStore()
	c := newTestCollector(t, testConfig(t), src, store, Deps{})
	if err := c.Start(ctx, t0); err != nil {
		t.Fatal(err)
	}
	src.set(adsb.Aircraft{Hex: "abc123", Lat: fp(40.5), Lon: fp(-74.0), AltBaro: fp(35000)})
	c.Tick(ctx, t0)

	c.Shutdown(t0.Add(10 * time.Second))

	objs, _ := store.List(ctx, "aircraft-data", "minutes/")
	if len(objs) != 1 {
		t.Errorf("minute objects = %v, want 1", objs)
	}
	if _, err := store.Get(ctx, "piawarereceptiondata", "piaware.reception.record"); err != nil {
		t.Errorf("reception mirror: %v", err)
	}
}

func TestSamples(t *testing.T) {
	recs := []upload.Record{
		{ICAO: "ABC123", Latitude: fp(40.5), Longitude: fp(-74.0), AltitudeFt: fp(35000), LastSeen: "2025-11-16T14:00:10Z", PositionTimestamp: "2025-11-16T14:00:08Z"},
		{ICAO: "nopos1", AltitudeFt: fp(35000), LastSeen: "2025-11-16T14:00:10Z"},
		{ICAO: "noalt1", Latitude: fp(40.5), Longitude: fp(-74.0), LastSeen: "2025-11-16T14:00:10Z"},
	}
	got := Samples(recs)
	if len(got) != 1 {
		t.Fatalf("Samples() = %+v, want 1", got)
	}
	if got[0].Hex != "abc123" || !got[0].At.Equal(time.Date(2025, 11, 16, 14, 0, 8, 0, time.UTC)) {
		t.Errorf("sample = %+v", got[0])
	}
}
