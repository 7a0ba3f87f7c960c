// Package notify reports aircraft that stayed visible for a long time.
// Each one becomes a FlightAware link line; lines are batched into one
// object per minute, and sightings are also stored in PostgreSQL when it
// is configured.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"airsquawk/internal/adsb"
	"airsquawk/internal/objstore"
	"airsquawk/internal/state"
	"airsquawk/internal/storage"
)

// DefaultInterval is the minimum time between URL batch uploads.
const DefaultInterval = time.Minute

// TimeFormat is the timestamp layout of a URL line.
const TimeFormat = "2006-01-02 15:04:05 UTC"

// SightingStore persists long-visibility sightings.
type SightingStore interface {
	RecordSighting(ctx context.Context, s storage.Sighting) error
}

// Config configures a Notifier.
type Config struct {
	Bucket   string
	Interval time.Duration
	// Timeout bounds the batch upload and each sighting write.
	Timeout time.Duration
}

// Notifier buffers long-visibility reports and uploads them in batches.
type Notifier struct {
	cfg       Config
	store     objstore.Store
	sightings SightingStore
	log       *slog.Logger

	mu         sync.Mutex
	buffer     []string
	lastUpload time.Time
}

// New returns a notifier. sightings may be nil.
func New(cfg Config, store objstore.Store, sightings SightingStore, log *slog.Logger) *Notifier {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = objstore.DefaultTimeout
	}
	return &Notifier{
		cfg:       cfg,
		store:     objstore.WithTimeout(store, cfg.Timeout),
		sightings: sightings,
		log:       log.With("component", "notify"),
	}
}

// Ident returns the FlightAware identifier for a: the callsign, else the
// registration, else the hex.
func Ident(a state.Aircraft) string {
	if s := strings.TrimSpace(a.Callsign); s != "" {
		return s
	}
	if a.Registration != "" {
		return a.Registration
	}
	return a.Hex
}

// URL returns the FlightAware link for a.
func URL(a state.Aircraft) string {
	return "https://flightaware.com/live/flight/" + Ident(a)
}

// Line formats one URL batch line.
func Line(a state.Aircraft, at time.Time) string {
	return strings.Join([]string{
		at.UTC().Format(TimeFormat),
		a.Hex,
		orNA(strings.TrimSpace(a.Callsign)),
		orNA(a.Registration),
		orNA(a.Type),
		fmt.Sprintf("%.1fmin", a.Tracked().Minutes()),
		URL(a),
	}, "\t")
}

func orNA(s string) string {
	if s == "" {
		return adsb.Unavailable
	}
	return s
}

// Key returns the object key of a batch uploaded at t.
func Key(t time.Time) string {
	return "flightaware_urls_" + t.UTC().Format("20060102_150405") + ".txt"
}

// Notify buffers a and records the sighting. Database failures are
// logged; they never block the URL batch.
func (n *Notifier) Notify(ctx context.Context, a state.Aircraft, at time.Time) {
	n.mu.Lock()
	n.buffer = append(n.buffer, Line(a, at))
	n.mu.Unlock()

	n.log.Info("long visibility",
		slog.String("hex", a.Hex),
		slog.String("ident", Ident(a)),
		slog.Duration("visible", a.Tracked().Round(time.Second)))

	if n.sightings == nil {
		return
	}
	s := storage.Sighting{
		ICAOHex:      a.Hex,
		Callsign:     optional(strings.TrimSpace(a.Callsign)),
		Registration: optional(a.Registration),
		TypeCode:     optional(a.Type),
		FirstSeen:    a.FirstSeen,
		LastSeen:     a.LastSeen,
		LastRangeNM:  a.Range,
		URL:          URL(a),
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()
	if err := n.sightings.RecordSighting(ctx, s); err != nil {
		n.log.Warn("record sighting failed", slog.String("hex", a.Hex), slog.Any("error", err))
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Buffered returns the number of lines waiting for upload.
func (n *Notifier) Buffered() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.buffer)
}

// Tick uploads the buffer when it is non-empty and the interval has
// passed since the last upload.
func (n *Notifier) Tick(ctx context.Context, now time.Time) {
	n.mu.Lock()
	due := len(n.buffer) > 0 && now.Sub(n.lastUpload) >= n.cfg.Interval
	n.mu.Unlock()
	if !due {
		return
	}
	if err := n.Flush(ctx, now); err != nil {
		n.log.Warn("url upload failed", slog.Any("error", err))
	}
}

// Flush uploads every buffered line as one object. The buffer is kept
// when the upload fails and the attempt still counts toward the interval.
func (n *Notifier) Flush(ctx context.Context, now time.Time) error {
	n.mu.Lock()
	lines := append([]string(nil), n.buffer...)
	n.lastUpload = now
	n.mu.Unlock()
	if len(lines) == 0 {
		return nil
	}

	body := []byte(strings.Join(lines, "\n") + "\n")
	key := Key(now)
	if err := n.store.Put(ctx, n.cfg.Bucket, key, body, "text/plain"); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	n.mu.Lock()
	n.buffer = n.buffer[len(lines):]
	n.mu.Unlock()
	n.log.Info("uploaded flightaware urls", slog.String("key", key), slog.Int("lines", len(lines)))
	return nil
}
