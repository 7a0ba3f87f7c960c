// Package reception keeps the longest slant range ever received per bearing
// sector and altitude zone, and persists the set as a tab separated file.
package reception

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"airsquawk/internal/geo"
	"airsquawk/internal/objstore"
	"airsquawk/internal/state"
)

// DefaultFileName is the name of the local file and of its bucket mirror.
const DefaultFileName = "piaware.reception.record"

// DefaultMirrorRetry is how long a failed mirror upload waits before the
// next attempt.
const DefaultMirrorRetry = time.Minute

// Key identifies one record slot.
type Key struct {
	Sector int `json:"sector"`
	Zone   int `json:"zone"`
}

// Less orders keys by sector, then zone.
func (k Key) Less(o Key) bool {
	if k.Sector != o.Sector {
		return k.Sector < o.Sector
	}
	return k.Zone < o.Zone
}

// Record is the best reception seen for one key.
type Record struct {
	Key
	Bearing      float64   `json:"bearing"`
	Slant        float64   `json:"slant_nm"`
	Positional   *float64  `json:"positional_nm"`
	Altitude     float64   `json:"altitude_ft"`
	Hex          string    `json:"hex"`
	Flight       string    `json:"flight,omitempty"`
	Registration string    `json:"registration,omitempty"`
	Type         string    `json:"type,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Sample is one position fix offered to the recorder.
type Sample struct {
	Hex          string
	Flight       string
	Registration string
	Type         string
	Position     geo.Point
	Altitude     float64
	At           time.Time
}

// Config locates the persisted file.
type Config struct {
	// Path is the local file. Empty disables local persistence.
	Path string
	// Bucket and Key name the mirror object. An empty Bucket disables the
	// mirror.
	Bucket string
	Key    string
	// MirrorRetry delays a retry after a failed mirror upload.
	MirrorRetry time.Duration
	// Timeout bounds each mirror read or write.
	Timeout time.Duration
}

// Recorder holds the per-key records. Writes come from the poll loop;
// reads may come from any goroutine.
type Recorder struct {
	cfg   Config
	store objstore.Store
	log   *slog.Logger
	now   func() time.Time

	mu      sync.RWMutex
	records map[Key]Record
	best    *Record

	dirty         bool
	mirrorPending bool
	mirrorAfter   time.Time
}

// NewRecorder creates an empty recorder. store may be nil when there is no
// bucket mirror.
func NewRecorder(cfg Config, store objstore.Store, log *slog.Logger) *Recorder {
	if cfg.Key == "" {
		cfg.Key = DefaultFileName
	}
	if cfg.MirrorRetry <= 0 {
		cfg.MirrorRetry = DefaultMirrorRetry
	}
	if store != nil {
		store = objstore.WithTimeout(store, cfg.Timeout)
	}
	return &Recorder{
		cfg:     cfg,
		store:   store,
		log:     log.With("component", "reception"),
		now:     time.Now,
		records: make(map[Key]Record),
	}
}

// Record offers a tracked aircraft's current fix. It returns whether a
// record was replaced. Aircraft without a position or altitude are ignored.
func (r *Recorder) Record(a state.Aircraft, rx state.Receiver) bool {
	if a.Position == nil || a.Altitude == nil {
		return false
	}
	at := a.PositionAt
	if at.IsZero() {
		at = a.LastSeen
	}
	return r.Observe(Sample{
		Hex:          a.Hex,
		Flight:       a.Callsign,
		Registration: a.Registration,
		Type:         a.Type,
		Position:     *a.Position,
		Altitude:     *a.Altitude,
		At:           at,
	}, rx)
}

// Observe computes the sample's geometry against rx and keeps it when its
// slant range beats the current record for its key.
func (r *Recorder) Observe(s Sample, rx state.Receiver) bool {
	if !rx.Known() || !s.Position.Valid() {
		return false
	}
	pos := geo.Distance(rx.Point, s.Position)
	bearing := geo.Bearing(rx.Point, s.Position)
	rec := Record{
		Key: Key{
			Sector: geo.Sector(bearing),
			Zone:   geo.AltitudeZone(s.Altitude),
		},
		Bearing:      bearing,
		Slant:        geo.Slant(pos, s.Altitude, rx.AltitudeFt),
		Positional:   &pos,
		Altitude:     s.Altitude,
		Hex:          s.Hex,
		Flight:       s.Flight,
		Registration: s.Registration,
		Type:         s.Type,
		Timestamp:    s.At.UTC(),
	}
	return r.offer(rec)
}

// offer installs rec when it is strictly longer than the current record.
func (r *Recorder) offer(rec Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.records[rec.Key]; ok && rec.Slant <= cur.Slant {
		return false
	}
	r.records[rec.Key] = rec
	r.dirty = true
	if r.best == nil || rec.Slant > r.best.Slant {
		b := rec
		r.best = &b
	}
	return true
}

// Backfill replays samples, typically decoded from stored observation
// objects, and returns how many records changed.
func (r *Recorder) Backfill(samples []Sample, rx state.Receiver) int {
	changed := 0
	for _, s := range samples {
		if r.Observe(s, rx) {
			changed++
		}
	}
	return changed
}

// Get returns the record for k.
func (r *Recorder) Get(k Key) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[k]
	return rec, ok
}

// Records returns every record sorted by key.
func (r *Recorder) Records() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// Best returns the longest slant range recorded since startup, including
// loaded records.
func (r *Recorder) Best() (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.best == nil {
		return Record{}, false
	}
	return *r.best, true
}

// Len returns the number of keys holding a record.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Dirty reports whether records changed since the last successful write.
func (r *Recorder) Dirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}
