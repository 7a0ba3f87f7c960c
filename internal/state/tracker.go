// Package state tracks the aircraft currently visible to the receiver and
// turns every poll into per-aircraft observations.
package state

import (
	"context"
	"sort"
	"time"

	"airsquawk/internal/adsb"
	"airsquawk/internal/geo"
	"airsquawk/internal/identity"
)

// Defaults for Config.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultLongVisibility = 300 * time.Second
	DefaultApproxWindow   = 5 * time.Second
)

// IdentityResolver fills registration and type for a hex address.
type IdentityResolver interface {
	Resolve(ctx context.Context, hex string) identity.Identity
}

// HistoryLookup supplies callsign and squawk fallbacks from the receiver's
// recent history.
type HistoryLookup interface {
	Lookup(hex string) (identity.HistoryEntry, bool)
}

// RangeRecorder is handed every aircraft that reported a valid position
// during a tick.
type RangeRecorder interface {
	Record(a Aircraft, rx Receiver) bool
}

// Config holds the tracking timeouts.
type Config struct {
	// Timeout evicts aircraft not seen for longer than this.
	Timeout time.Duration
	// LongVisibility is the tracked duration at which an evicted aircraft
	// is reported to the long-visibility callback.
	LongVisibility time.Duration
	// ApproxWindow is how long a position may be reused as GPS-approx.
	ApproxWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.LongVisibility <= 0 {
		c.LongVisibility = DefaultLongVisibility
	}
	if c.ApproxWindow <= 0 {
		c.ApproxWindow = DefaultApproxWindow
	}
	return c
}

// Table owns the tracked aircraft. It is not safe for concurrent use; the
// poll loop is its only caller.
type Table struct {
	cfg      Config
	aircraft map[string]*Aircraft
	receiver Receiver
	resolver IdentityResolver
	history  HistoryLookup
	ranges   RangeRecorder
	counter  *PositionCounter

	// Callbacks for change notifications.
	onAircraftNew    func(Aircraft)
	onLongVisibility func(Aircraft, time.Time)
}

// NewTable creates an empty table. resolver, history and ranges may be nil.
func NewTable(cfg Config, resolver IdentityResolver, history HistoryLookup, ranges RangeRecorder) *Table {
	return &Table{
		cfg:      cfg.withDefaults(),
		aircraft: make(map[string]*Aircraft),
		resolver: resolver,
		history:  history,
		ranges:   ranges,
		counter:  NewPositionCounter(),
	}
}

// OnAircraftNew sets a callback for when a new aircraft is seen.
func (t *Table) OnAircraftNew(fn func(Aircraft)) {
	t.onAircraftNew = fn
}

// OnLongVisibility sets a callback for evicted aircraft that were tracked
// for at least the long-visibility duration.
func (t *Table) OnLongVisibility(fn func(Aircraft, time.Time)) {
	t.onLongVisibility = fn
}

// SetReceiver sets the station ranges are measured from.
func (t *Table) SetReceiver(rx Receiver) {
	t.receiver = rx
}

// Receiver returns the configured station.
func (t *Table) Receiver() Receiver {
	return t.receiver
}

// Apply merges one poll's snapshots into the table and returns one
// observation per distinct hex present in snaps.
func (t *Table) Apply(ctx context.Context, now time.Time, snaps []adsb.Aircraft) []Observation {
	out := make([]Observation, 0, len(snaps))
	index := make(map[string]int, len(snaps))

	for _, snap := range snaps {
		hex := adsb.NormalizeHex(snap.Hex)
		if hex == "" {
			continue
		}

		var obs Observation
		if a, exists := t.aircraft[hex]; exists {
			obs = t.update(now, a, snap)
		} else {
			obs = t.insert(ctx, now, hex, snap)
		}

		// A hex repeated within one poll is merged as an update and only
		// its latest observation is kept.
		if i, dup := index[hex]; dup {
			out[i] = obs
			continue
		}
		index[hex] = len(out)
		out = append(out, obs)
	}

	if t.ranges != nil && t.receiver.Known() {
		for _, obs := range out {
			a := t.aircraft[obs.Hex]
			if a.Quality == QualityGPS && a.Altitude != nil {
				t.ranges.Record(a.Clone(), t.receiver)
			}
		}
	}

	return out
}

func (t *Table) insert(ctx context.Context, now time.Time, hex string, snap adsb.Aircraft) Observation {
	a := &Aircraft{
		Hex:       hex,
		FirstSeen: now,
		LastSeen:  now,
		Quality:   QualityNone,
	}
	a.merge(snap)

	if t.history != nil && (a.Callsign == "" || a.Squawk == "") {
		if h, ok := t.history.Lookup(hex); ok {
			if a.Callsign == "" {
				a.Callsign = h.Flight
			}
			if a.Squawk == "" {
				a.Squawk = h.Squawk
			}
		}
	}

	if t.resolver != nil && (a.Registration == "" || a.Type == "") {
		id := identity.Identity{Registration: a.Registration, Type: a.Type}.Fill(t.resolver.Resolve(ctx, hex))
		a.Registration, a.Type = id.Registration, id.Type
	}

	if p, ok := snap.Position(); ok {
		a.Position = &p
		a.PositionAt = now
		a.Quality = QualityGPS
		t.counter.Add(now, 1)
	}
	a.Range = t.rangeFor(a, snap)

	t.aircraft[hex] = a
	if t.onAircraftNew != nil {
		t.onAircraftNew(a.Clone())
	}
	return a.observe(now, false)
}

func (t *Table) update(now time.Time, a *Aircraft, snap adsb.Aircraft) Observation {
	prevSquawk := a.Squawk
	a.merge(snap)
	a.LastSeen = now
	squawkChanged := snap.Squawk != "" && snap.Squawk != prevSquawk

	if p, ok := snap.Position(); ok {
		moved := a.Position == nil || *a.Position != p
		a.Position = &p
		a.PositionAt = now
		a.Quality = QualityGPS
		if moved {
			t.counter.Add(now, 1)
			a.Range = t.rangeFor(a, snap)
		}
	} else {
		if a.Position != nil && now.Sub(a.PositionAt) <= t.cfg.ApproxWindow {
			a.Quality = QualityApprox
		} else {
			a.Quality = QualityNone
		}
		if snap.RDst != nil && !t.receiver.Known() {
			a.Range = t.rangeFor(a, snap)
		}
	}

	return a.observe(now, squawkChanged)
}

// rangeFor computes the great-circle distance to the receiver, falling
// back to the distance the feed reported.
func (t *Table) rangeFor(a *Aircraft, snap adsb.Aircraft) *float64 {
	if a.Position != nil && a.Quality == QualityGPS && t.receiver.Known() {
		d := geo.Distance(t.receiver.Point, *a.Position)
		return &d
	}
	if snap.RDst != nil {
		d := *snap.RDst
		return &d
	}
	return a.Range
}

// merge copies every field the snapshot carries. Missing fields keep their
// previous value.
func (a *Aircraft) merge(snap adsb.Aircraft) {
	if snap.Flight != "" {
		a.Callsign = snap.Flight
	}
	if snap.Squawk != "" {
		a.Squawk = snap.Squawk
	}
	if snap.Registration != "" {
		a.Registration = snap.Registration
	}
	if snap.Type != "" {
		a.Type = snap.Type
	}
	if snap.AltBaro != nil {
		a.Altitude = cloneFloat(snap.AltBaro)
		a.OnGround = snap.OnGround
	}
	if snap.GroundSpeed != nil {
		a.GroundSpeed = cloneFloat(snap.GroundSpeed)
	}
	if snap.BaroRate != nil {
		a.VerticalRate = cloneFloat(snap.BaroRate)
	}
	if snap.Track != nil {
		a.Track = cloneFloat(snap.Track)
	}
	if snap.Messages != nil {
		m := *snap.Messages
		a.Messages = &m
	}
	if snap.Seen != nil {
		a.Seen = cloneFloat(snap.Seen)
	}
	if snap.RSSI != nil {
		a.RSSI = cloneFloat(snap.RSSI)
	}
	if snap.DBFlags != 0 {
		a.DBFlags = snap.DBFlags
	}
}

// observe snapshots the aircraft into an observation.
func (a *Aircraft) observe(now time.Time, squawkChanged bool) Observation {
	obs := Observation{
		Aircraft:      a.Clone(),
		SquawkChanged: squawkChanged,
		ObservedAt:    now,
	}
	if a.Quality == QualityNone {
		obs.Position = nil
		obs.PositionAt = time.Time{}
	}
	return obs
}

// Sweep evicts every aircraft not seen for longer than the timeout and
// returns them sorted by hex. Aircraft tracked for at least the
// long-visibility duration are passed to the callback first.
func (t *Table) Sweep(now time.Time) []Aircraft {
	var evicted []Aircraft
	for hex, a := range t.aircraft {
		if now.Sub(a.LastSeen) <= t.cfg.Timeout {
			continue
		}
		gone := a.Clone()
		if t.onLongVisibility != nil && now.Sub(a.FirstSeen) >= t.cfg.LongVisibility {
			t.onLongVisibility(gone, now)
		}
		delete(t.aircraft, hex)
		evicted = append(evicted, gone)
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i].Hex < evicted[j].Hex })
	return evicted
}

// Len returns the number of tracked aircraft.
func (t *Table) Len() int {
	return len(t.aircraft)
}

// Aircraft returns a copy of the tracked state for hex.
func (t *Table) Aircraft(hex string) (Aircraft, bool) {
	a, ok := t.aircraft[adsb.NormalizeHex(hex)]
	if !ok {
		return Aircraft{}, false
	}
	return a.Clone(), true
}

// Snapshot returns copies of all tracked aircraft sorted by hex.
func (t *Table) Snapshot() []Aircraft {
	out := make([]Aircraft, 0, len(t.aircraft))
	for _, a := range t.aircraft {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex < out[j].Hex })
	return out
}

// LongestVisible returns the aircraft tracked the longest. With withType
// set, only aircraft with a known type are considered.
func (t *Table) LongestVisible(withType bool) (Aircraft, bool) {
	var best *Aircraft
	for _, a := range t.aircraft {
		if withType && a.Type == "" {
			continue
		}
		if best == nil || a.Tracked() > best.Tracked() ||
			(a.Tracked() == best.Tracked() && a.Hex < best.Hex) {
			best = a
		}
	}
	if best == nil {
		return Aircraft{}, false
	}
	return best.Clone(), true
}

// Stats returns the position report statistics as of now.
func (t *Table) Stats(now time.Time) PositionStats {
	return t.counter.Stats(now)
}

// SeedPositions adds position reports recovered from storage to the
// statistics.
func (t *Table) SeedPositions(times []time.Time) {
	for _, at := range times {
		t.counter.Add(at, 1)
	}
}
