package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"airsquawk/internal/objstore"
	"airsquawk/internal/state"
)

// Defaults for Config.
const (
	DefaultFlushInterval = time.Minute
	DefaultRetryInterval = time.Minute
	DefaultParallel      = 8
	maxKeyAttempts       = 100
)

// Journal keeps buffered records on local disk until their minute object
// is written, so a crash loses nothing that was appended.
type Journal interface {
	Append(ctx context.Context, lines [][]byte) error
	Pending(ctx context.Context) ([][]byte, error)
	Clear(ctx context.Context) error
}

// Sink receives the consolidated records of every rolled up hour.
type Sink interface {
	InsertObservations(ctx context.Context, hour time.Time, records []Record) error
}

// Config configures a Pipeline.
type Config struct {
	Bucket        string
	Prefix        string
	FlushInterval time.Duration
	RetryInterval time.Duration
	// Parallel bounds concurrent downloads during a rollup.
	Parallel int
	// Timeout bounds each store call and the analytics insert.
	Timeout time.Duration
}

// RollupResult summarises one hourly consolidation.
type RollupResult struct {
	Hour       time.Time
	Objects    int
	Lines      int
	Records    int
	Duplicates int
	Corrupt    int
	Deleted    int
}

// Pipeline buffers records, flushes them once a minute and consolidates
// each finished hour. It is driven by Tick from a single goroutine.
type Pipeline struct {
	cfg     Config
	keys    Keys
	store   objstore.Store
	journal Journal
	sink    Sink
	log     *slog.Logger

	buffer    []Record
	lastFlush time.Time
	hour      time.Time

	pending     []time.Time
	rollupRetry time.Time

	onFlush  func(records int, err error)
	onRollup func(RollupResult, error)
}

// New creates a pipeline. journal and sink may be nil.
func New(cfg Config, store objstore.Store, journal Journal, sink Sink, log *slog.Logger) *Pipeline {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = DefaultParallel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = objstore.DefaultTimeout
	}
	return &Pipeline{
		cfg:     cfg,
		keys:    Keys{Prefix: cfg.Prefix},
		store:   objstore.WithTimeout(store, cfg.Timeout),
		journal: journal,
		sink:    sink,
		log:     log.With("component", "upload"),
	}
}

// OnFlush sets a callback invoked after every flush attempt.
func (p *Pipeline) OnFlush(fn func(records int, err error)) {
	p.onFlush = fn
}

// OnRollup sets a callback invoked after every rollup attempt.
func (p *Pipeline) OnRollup(fn func(RollupResult, error)) {
	p.onRollup = fn
}

// Keys returns the object naming in use.
func (p *Pipeline) Keys() Keys { return p.keys }

// Buffered returns the number of records waiting for the next flush.
func (p *Pipeline) Buffered() int { return len(p.buffer) }

// PendingRollups returns the hours whose rollup failed and awaits a retry.
func (p *Pipeline) PendingRollups() []time.Time {
	return append([]time.Time(nil), p.pending...)
}

// Append buffers observations and journals them.
func (p *Pipeline) Append(ctx context.Context, obs ...state.Observation) {
	if len(obs) == 0 {
		return
	}
	lines := make([][]byte, 0, len(obs))
	for _, o := range obs {
		rec := FromObservation(o)
		p.buffer = append(p.buffer, rec)
		if p.journal != nil {
			line, err := json.Marshal(rec)
			if err != nil {
				p.log.Warn("encoding journal line", "hex", rec.ICAO, "error", err)
				continue
			}
			lines = append(lines, line)
		}
	}
	if p.journal != nil && len(lines) > 0 {
		if err := p.journal.Append(ctx, lines); err != nil {
			p.log.Warn("journal append failed", "records", len(lines), "error", err)
		}
	}
}

// Recover restores records journaled by a previous run that never reached
// a minute object.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	if p.journal == nil {
		return 0, nil
	}
	lines, err := p.journal.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading journal: %w", err)
	}
	recovered := 0
	for _, line := range lines {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil || rec.ICAO == "" {
			continue
		}
		p.buffer = append(p.buffer, rec)
		recovered++
	}
	if recovered > 0 {
		p.log.Info("recovered journaled records", "records", humanize.Comma(int64(recovered)))
	}
	return recovered, nil
}

// Tick runs the timers: a flush once per elapsed interval and a rollup of
// every finished hour. Failures are logged and retried on a later tick.
func (p *Pipeline) Tick(ctx context.Context, now time.Time) {
	if p.lastFlush.IsZero() {
		p.lastFlush = now
	}
	if now.Sub(p.lastFlush) >= p.cfg.FlushInterval {
		p.lastFlush = now
		if len(p.buffer) > 0 {
			if err := p.Flush(ctx, now); err != nil {
				p.log.Warn("minute flush failed, will retry", "records", len(p.buffer), "error", err)
			}
		}
	}

	hour := now.UTC().Truncate(time.Hour)
	if p.hour.IsZero() {
		p.hour = hour
	}
	if hour.After(p.hour) {
		p.queue(p.hour)
		p.hour = hour
		p.rollupRetry = time.Time{}
	}

	if len(p.pending) > 0 && !now.Before(p.rollupRetry) {
		p.runPending(ctx, now)
	}
}

func (p *Pipeline) queue(hour time.Time) {
	for _, h := range p.pending {
		if h.Equal(hour) {
			return
		}
	}
	p.pending = append(p.pending, hour)
	sort.Slice(p.pending, func(i, j int) bool { return p.pending[i].Before(p.pending[j]) })
}

func (p *Pipeline) runPending(ctx context.Context, now time.Time) {
	var failed []time.Time
	for _, hour := range p.pending {
		if _, err := p.Rollup(ctx, hour); err != nil {
			p.log.Warn("hourly rollup failed, will retry", "hour", hour.Format(time.RFC3339), "error", err)
			failed = append(failed, hour)
		}
	}
	p.pending = failed
	if len(failed) > 0 {
		p.rollupRetry = now.Add(p.cfg.RetryInterval)
	}
}

// Flush writes the buffer as one minute object named after now. The buffer
// and journal are cleared only when the write succeeds.
func (p *Pipeline) Flush(ctx context.Context, now time.Time) (err error) {
	n := len(p.buffer)
	defer func() {
		if p.onFlush != nil {
			p.onFlush(n, err)
		}
	}()
	if n == 0 {
		return nil
	}

	body, err := Encode(p.buffer)
	if err != nil {
		return err
	}
	key, err := p.freeMinuteKey(ctx, now)
	if err != nil {
		return err
	}
	if err := p.store.Put(ctx, p.cfg.Bucket, key, body, ContentType); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}

	p.buffer = p.buffer[:0]
	if p.journal != nil {
		if err := p.journal.Clear(ctx); err != nil {
			p.log.Warn("journal clear failed", "error", err)
		}
	}
	p.log.Info("uploaded minute object", "key", key, "records", n, "size", humanize.Bytes(uint64(len(body))))
	return nil
}

// freeMinuteKey finds a minute key not written yet, adding a numeric
// suffix after a restart within the same minute.
func (p *Pipeline) freeMinuteKey(ctx context.Context, now time.Time) (string, error) {
	for attempt := 1; attempt <= maxKeyAttempts; attempt++ {
		key := p.keys.Minute(now, attempt)
		_, err := p.store.Stat(ctx, p.cfg.Bucket, key)
		if objstore.IsNotFound(err) {
			return key, nil
		}
		if err != nil {
			return "", fmt.Errorf("checking %s: %w", key, err)
		}
	}
	return "", fmt.Errorf("no free minute key for %s", now.UTC().Format(minuteStamp))
}

// Rollup consolidates the minute objects of hour, together with any
// existing hourly object, into one hourly object deduplicated on
// (ICAO, Last_Seen). Minute objects are deleted only after the hourly
// object is written.
func (p *Pipeline) Rollup(ctx context.Context, hour time.Time) (res RollupResult, err error) {
	hour = hour.UTC().Truncate(time.Hour)
	res.Hour = hour
	defer func() {
		if p.onRollup != nil {
			p.onRollup(res, err)
		}
	}()

	objs, err := p.store.List(ctx, p.cfg.Bucket, p.keys.MinutePrefix(hour))
	if err != nil {
		return res, fmt.Errorf("listing minute objects: %w", err)
	}
	if len(objs) == 0 {
		return res, nil
	}
	sortMinutes(objs)
	res.Objects = len(objs)

	bodies, err := p.download(ctx, objs)
	if err != nil {
		return res, err
	}

	hourKey := p.keys.Hour(hour)
	existing, err := p.store.Get(ctx, p.cfg.Bucket, hourKey)
	if err != nil && !objstore.IsNotFound(err) {
		return res, fmt.Errorf("reading %s: %w", hourKey, err)
	}

	merged := newDedup()
	if existing != nil {
		if err := merged.add(existing); err != nil {
			return res, fmt.Errorf("reading %s: %w", hourKey, err)
		}
	}
	for i, body := range bodies {
		if err := merged.add(body); err != nil {
			return res, fmt.Errorf("reading %s: %w", objs[i].Key, err)
		}
	}
	res.Lines, res.Corrupt = merged.lines, merged.corrupt
	res.Records = len(merged.records)
	res.Duplicates = res.Lines - res.Corrupt - res.Records

	body := merged.encode()
	if err := p.store.Put(ctx, p.cfg.Bucket, hourKey, body, ContentType); err != nil {
		return res, fmt.Errorf("writing %s: %w", hourKey, err)
	}

	for _, o := range objs {
		err := p.store.Delete(ctx, p.cfg.Bucket, o.Key)
		if err == nil {
			res.Deleted++
			continue
		}
		p.log.Warn("deleting minute object", "key", o.Key, "error", err)
		if objstore.IsTransient(err) {
			// Leftovers are merged again by the next catch-up.
			break
		}
	}

	p.log.Info("hourly rollup",
		"key", hourKey,
		"minute_objects", res.Objects,
		"records", humanize.Comma(int64(res.Records)),
		"duplicates", res.Duplicates,
		"corrupt", res.Corrupt,
		"size", humanize.Bytes(uint64(len(body))))

	if p.sink != nil {
		sctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		err := p.sink.InsertObservations(sctx, hour, merged.decoded())
		cancel()
		if err != nil {
			p.log.Warn("analytics insert failed", "hour", hour.Format(time.RFC3339), "error", err)
		}
	}
	return res, nil
}

// download fetches objs in parallel. Each body lands in its own slot so
// the result keeps key order.
func (p *Pipeline) download(ctx context.Context, objs []objstore.Object) ([][]byte, error) {
	bodies := make([][]byte, len(objs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Parallel)
	for i, o := range objs {
		g.Go(func() error {
			body, err := p.store.Get(gctx, p.cfg.Bucket, o.Key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", o.Key, err)
			}
			bodies[i] = body
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bodies, nil
}

// CatchUp rolls up minute objects left behind from hours before now, for
// example by a run that stopped before its rollup. Hours that fail are
// queued for a retry.
func (p *Pipeline) CatchUp(ctx context.Context, now time.Time) error {
	objs, err := p.store.List(ctx, p.cfg.Bucket, p.keys.AllMinutes())
	if err != nil {
		return fmt.Errorf("listing minute objects: %w", err)
	}
	current := now.UTC().Truncate(time.Hour)
	seen := make(map[time.Time]bool)
	var hours []time.Time
	for _, o := range objs {
		h, ok := p.keys.MinuteHour(o.Key)
		if !ok || !h.Before(current) || seen[h] {
			continue
		}
		seen[h] = true
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

	var errs []error
	for _, h := range hours {
		if _, err := p.Rollup(ctx, h); err != nil {
			p.queue(h)
			errs = append(errs, fmt.Errorf("hour %s: %w", h.Format(hourStamp), err))
		}
	}
	if len(p.pending) > 0 {
		p.rollupRetry = now.Add(p.cfg.RetryInterval)
	}
	return errors.Join(errs...)
}

// Reconcile reads the current hour's minute objects and returns the
// Last_Seen time of every record with a valid position, for seeding the
// position statistics. Nothing is rewritten.
func (p *Pipeline) Reconcile(ctx context.Context, now time.Time) ([]time.Time, error) {
	recs, err := p.minuteRecords(ctx, now.UTC().Truncate(time.Hour))
	if err != nil {
		return nil, err
	}
	var times []time.Time
	for _, rec := range recs {
		if _, ok := rec.Position(); !ok {
			continue
		}
		t, err := rec.LastSeenTime()
		if err != nil {
			continue
		}
		times = append(times, t)
	}
	return times, nil
}

// HourRecords returns every stored record of hour: the hourly object, if
// any, followed by the minute objects not yet rolled up.
func (p *Pipeline) HourRecords(ctx context.Context, hour time.Time) ([]Record, error) {
	hour = hour.UTC().Truncate(time.Hour)
	var out []Record
	body, err := p.store.Get(ctx, p.cfg.Bucket, p.keys.Hour(hour))
	switch {
	case err == nil:
		recs, _ := Decode(body)
		out = append(out, recs...)
	case !objstore.IsNotFound(err):
		return nil, fmt.Errorf("reading %s: %w", p.keys.Hour(hour), err)
	}
	recs, err := p.minuteRecords(ctx, hour)
	if err != nil {
		return nil, err
	}
	return append(out, recs...), nil
}

func (p *Pipeline) minuteRecords(ctx context.Context, hour time.Time) ([]Record, error) {
	objs, err := p.store.List(ctx, p.cfg.Bucket, p.keys.MinutePrefix(hour))
	if err != nil {
		return nil, fmt.Errorf("listing minute objects: %w", err)
	}
	sortMinutes(objs)
	bodies, err := p.download(ctx, objs)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, body := range bodies {
		recs, _ := Decode(body)
		out = append(out, recs...)
	}
	return out, nil
}
