// Package collector runs the poll loop. A Collector owns the tracking
// table, identity resolver, reception recorder, upload pipeline and
// notifier, and drives them once per tick from a single goroutine.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"airsquawk/internal/adsb"
	"airsquawk/internal/config"
	"airsquawk/internal/geo"
	"airsquawk/internal/identity"
	"airsquawk/internal/metrics"
	"airsquawk/internal/notify"
	"airsquawk/internal/objstore"
	"airsquawk/internal/reception"
	"airsquawk/internal/state"
	"airsquawk/internal/upload"
)

const (
	// shutdownTimeout bounds the final flush when Run stops.
	shutdownTimeout = 15 * time.Second

	// typeDBTimeoutScale stretches the store timeout for the type
	// database, the one object that runs to megabytes.
	typeDBTimeoutScale = 6

	// typeDBCheckInterval is how often a running collector asks whether
	// the stored type database has gone stale.
	typeDBCheckInterval = 24 * time.Hour
)

// Source is the receiver web server.
type Source interface {
	Aircraft(ctx context.Context) (adsb.Snapshot, error)
	Receiver(ctx context.Context) (adsb.Receiver, error)
	History(ctx context.Context, n int) ([]adsb.Snapshot, error)
	identity.StaticFetcher
}

// Feed receives every tick's records.
type Feed interface {
	Publish(records []upload.Record) (int, error)
}

// Deps are the collaborators a Collector is built from. Only Source and
// Store are required.
type Deps struct {
	Source    Source
	Store     objstore.Store
	Journal   upload.Journal
	Sink      upload.Sink
	Sightings notify.SightingStore
	Feed      Feed
	Metrics   *metrics.Metrics
}

// Collector is the process's single owner of mutable tracking state.
type Collector struct {
	cfg     config.Config
	timeout time.Duration
	src     Source
	store   objstore.Store
	feed    Feed
	metrics *metrics.Metrics
	log     *slog.Logger

	typeDB   *identity.TypeDatabase
	hexCache *identity.HexCache
	static   *identity.StaticDB
	resolver *identity.Resolver
	table    *state.Table
	recorder *reception.Recorder
	pipeline *upload.Pipeline
	notifier *notify.Notifier

	typeIndex       chan *identity.TypeIndex
	typeDBBuilding  atomic.Bool
	nextTypeDBCheck time.Time
	nextReceiver    time.Time
	ticks           uint64

	status atomic.Pointer[Status]
}

// New wires a collector. Nothing touches the network until Start.
func New(cfg config.Config, deps Deps, log *slog.Logger) (*Collector, error) {
	if deps.Source == nil || deps.Store == nil {
		return nil, errors.New("collector needs a source and a store")
	}
	timeout := cfg.Store.Timeout
	if timeout <= 0 {
		timeout = objstore.DefaultTimeout
	}
	store := objstore.WithTimeout(deps.Store, timeout)
	static, err := identity.NewStaticDB(deps.Source, 0)
	if err != nil {
		return nil, fmt.Errorf("static database: %w", err)
	}

	c := &Collector{
		cfg:       cfg,
		timeout:   timeout,
		src:       deps.Source,
		store:     store,
		feed:      deps.Feed,
		metrics:   deps.Metrics,
		log:       log.With("component", "collector"),
		typeDB:    identity.NewTypeDatabase(objstore.WithTimeout(deps.Store, typeDBTimeoutScale*timeout), cfg.Store.IdentityBucket),
		hexCache:  identity.NewHexCache(store, cfg.Store.IdentityBucket, cfg.Identity.CacheTTL),
		static:    static,
		typeIndex: make(chan *identity.TypeIndex, 1),
	}

	c.recorder = reception.NewRecorder(reception.Config{
		Path:    cfg.Reception.File,
		Bucket:  cfg.Store.ReceptionBucket,
		Key:     cfg.Store.Prefix + reception.DefaultFileName,
		Timeout: cfg.Store.Timeout,
	}, store, log)

	c.pipeline = upload.New(upload.Config{
		Bucket:        cfg.Store.ObservationsBucket,
		Prefix:        cfg.Store.Prefix,
		FlushInterval: cfg.Upload.FlushInterval,
		RetryInterval: cfg.Upload.RetryInterval,
		Parallel:      cfg.Upload.Parallel,
		Timeout:       cfg.Store.Timeout,
	}, store, deps.Journal, deps.Sink, log)
	c.pipeline.OnFlush(func(_ int, err error) { c.metrics.Flush(err) })
	c.pipeline.OnRollup(func(res upload.RollupResult, err error) {
		c.metrics.Rollup(res.Duplicates, res.Corrupt, err)
	})

	c.notifier = notify.New(notify.Config{
		Bucket:  cfg.Store.URLBucket,
		Timeout: cfg.Store.Timeout,
	}, store, deps.Sightings, log)
	return c, nil
}

// Start prepares the collector: receiver position, history index, type
// database, journal recovery, catch-up rollups, statistics seeding and
// reception records. Only a failure to read the journal is fatal.
func (c *Collector) Start(ctx context.Context, now time.Time) error {
	history := c.loadHistory(ctx)
	c.loadTypeDatabase(ctx, now)

	resolver, err := identity.NewResolver(identity.Config{
		MemoSize:    c.cfg.Identity.MemoSize,
		TierTimeout: c.cfg.Store.Timeout,
	}, identity.Tiers{
		History: history,
		TypeDB:  c.typeDB,
		Cache:   c.hexCache,
		Static:  c.static,
	}, c.log)
	if err != nil {
		return fmt.Errorf("identity resolver: %w", err)
	}
	resolver.OnTier = c.metrics.IdentityResolved
	c.resolver = resolver

	c.table = state.NewTable(state.Config{
		Timeout:        c.cfg.Tracking.Timeout,
		LongVisibility: c.cfg.Tracking.LongVisibility,
		ApproxWindow:   c.cfg.Tracking.ApproxWindow,
	}, resolver, history, c.recorder)
	c.table.OnLongVisibility(func(a state.Aircraft, at time.Time) {
		c.notifier.Notify(ctx, a, at)
		c.metrics.Sighting()
	})
	c.setupReceiver(ctx, now)

	if _, err := c.pipeline.Recover(ctx); err != nil {
		return err
	}
	if err := c.pipeline.CatchUp(ctx, now); err != nil {
		c.log.Warn("catch-up rollup incomplete", slog.Any("error", err))
	}
	if times, err := c.pipeline.Reconcile(ctx, now); err != nil {
		c.log.Warn("reconcile failed", slog.Any("error", err))
	} else {
		c.table.SeedPositions(times)
	}

	c.loadReception(ctx, now)
	c.publish(now)
	return nil
}

func (c *Collector) setupReceiver(ctx context.Context, now time.Time) {
	if c.cfg.ReceiverKnown() {
		c.table.SetReceiver(state.Receiver{
			Point:      geo.Point{Lat: c.cfg.Receiver.Lat, Lon: c.cfg.Receiver.Lon},
			AltitudeFt: c.cfg.Receiver.AltitudeFt,
		})
		return
	}
	c.fetchReceiver(ctx, now)
}

// fetchReceiver asks the receiver for its position. Failures schedule
// another attempt after the refetch interval.
func (c *Collector) fetchReceiver(ctx context.Context, now time.Time) {
	refetch := c.cfg.Receiver.Refetch
	if refetch <= 0 {
		refetch = 10 * time.Minute
	}
	c.nextReceiver = now.Add(refetch)

	rx, err := c.src.Receiver(ctx)
	if err != nil {
		c.log.Warn("receiver position unavailable", slog.Any("error", err))
		return
	}
	r := state.Receiver{Point: rx.Point(), AltitudeFt: c.cfg.Receiver.AltitudeFt}
	if !r.Known() {
		c.log.Warn("receiver reports no position")
		return
	}
	c.table.SetReceiver(r)
	c.log.Info("receiver position", slog.Float64("lat", rx.Lat), slog.Float64("lon", rx.Lon))
}

func (c *Collector) loadHistory(ctx context.Context) *identity.HistoryIndex {
	if c.cfg.Source.HistoryFiles <= 0 {
		return nil
	}
	snaps, err := c.src.History(ctx, c.cfg.Source.HistoryFiles)
	if err != nil {
		c.log.Warn("history files unavailable", slog.Any("error", err))
	}
	idx := identity.NewHistoryIndex(snaps)
	c.log.Info("history index built", slog.Int("files", len(snaps)), slog.Int("aircraft", idx.Len()))
	return idx
}

// loadTypeDatabase installs the stored type database and starts a
// background rebuild when it is missing or stale.
func (c *Collector) loadTypeDatabase(ctx context.Context, now time.Time) {
	if idx, err := c.typeDB.Load(ctx); err == nil {
		c.typeDB.Swap(idx)
		c.log.Info("type database loaded", slog.String("aircraft", humanize.Comma(int64(idx.Len()))))
	} else if !objstore.IsNotFound(err) {
		c.log.Warn("type database unreadable", slog.Any("error", err))
	}
	c.checkTypeDatabase(ctx, now)
}

// checkTypeDatabase schedules the next check and starts a background
// rebuild when the stored type database is missing or stale. At most one
// rebuild runs at a time.
func (c *Collector) checkTypeDatabase(ctx context.Context, now time.Time) {
	c.nextTypeDBCheck = now.Add(typeDBCheckInterval)
	if c.typeDBBuilding.Load() {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	stale, err := c.typeDB.NeedsRefresh(sctx, now, c.cfg.Identity.TypeDBMaxAge)
	if err != nil {
		c.log.Warn("type database age unknown", slog.Any("error", err))
		return
	}
	if !stale {
		return
	}
	c.typeDBBuilding.Store(true)
	go func() {
		defer c.typeDBBuilding.Store(false)
		c.rebuildTypeDatabase(ctx, now)
	}()
}

func (c *Collector) rebuildTypeDatabase(ctx context.Context, now time.Time) {
	start := time.Now()
	idx, err := identity.Build(ctx, c.src, c.cfg.Identity.CrawlParallel)
	if err != nil {
		c.log.Warn("type database rebuild failed", slog.Any("error", err))
		return
	}
	if err := c.typeDB.Publish(ctx, idx, now); err != nil {
		c.log.Warn("type database upload failed", slog.Any("error", err))
	}
	c.log.Info("type database rebuilt",
		slog.Int("files", idx.Files),
		slog.String("aircraft", humanize.Comma(int64(idx.Len()))),
		slog.Duration("took", time.Since(start).Round(time.Millisecond)))
	select {
	case c.typeIndex <- idx:
	case <-ctx.Done():
	}
}

// loadReception restores the reception records and folds in the positions
// stored over the configured number of past hours.
func (c *Collector) loadReception(ctx context.Context, now time.Time) {
	n, err := c.recorder.Load(ctx)
	if err != nil {
		c.log.Warn("reception records unreadable", slog.Any("error", err))
	}
	c.log.Info("reception records loaded", slog.Int("records", n))

	rx := c.table.Receiver()
	if !rx.Known() || c.cfg.Reception.HistoryHours <= 0 {
		return
	}
	hour := now.UTC().Truncate(time.Hour)
	improved := 0
	for i := 0; i <= c.cfg.Reception.HistoryHours; i++ {
		h := hour.Add(-time.Duration(i) * time.Hour)
		recs, err := c.pipeline.HourRecords(ctx, h)
		if err != nil {
			c.log.Warn("reception backfill read failed", slog.Time("hour", h), slog.Any("error", err))
			continue
		}
		improved += c.recorder.Backfill(Samples(recs), rx)
	}
	if improved > 0 {
		c.log.Info("reception backfilled", slog.Int("improved", improved))
	}
}

// Samples converts stored records into reception samples, skipping those
// without a valid position or altitude.
func Samples(recs []upload.Record) []reception.Sample {
	out := make([]reception.Sample, 0, len(recs))
	for _, r := range recs {
		p, ok := r.Position()
		if !ok || r.AltitudeFt == nil {
			continue
		}
		at, err := r.PositionTime()
		if err != nil {
			continue
		}
		out = append(out, reception.Sample{
			Hex:          adsb.NormalizeHex(r.ICAO),
			Flight:       upload.Text(r.Ident),
			Registration: upload.Text(r.Registration),
			Type:         upload.Text(r.AircraftType),
			Position:     p,
			Altitude:     *r.AltitudeFt,
			At:           at,
		})
	}
	return out
}

// Tick runs one poll cycle. No failure inside a tick is fatal.
func (c *Collector) Tick(ctx context.Context, now time.Time) {
	start := time.Now()

	select {
	case idx := <-c.typeIndex:
		c.typeDB.Swap(idx)
	default:
	}
	if !now.Before(c.nextTypeDBCheck) {
		c.checkTypeDatabase(ctx, now)
	}
	if !c.table.Receiver().Known() && !now.Before(c.nextReceiver) {
		c.fetchReceiver(ctx, now)
	}

	var obs []state.Observation
	snap, err := c.src.Aircraft(ctx)
	if err != nil {
		c.metrics.FetchFailed()
		c.log.Warn("aircraft fetch failed", slog.Any("error", err))
	} else {
		obs = c.table.Apply(ctx, now, snap.Aircraft)
		c.pipeline.Append(ctx, obs...)
		c.publishFeed(obs)
	}

	evicted := c.table.Sweep(now)
	if err := c.recorder.Persist(ctx); err != nil {
		c.log.Warn("reception persist failed", slog.Any("error", err))
	}
	c.pipeline.Tick(ctx, now)
	c.notifier.Tick(ctx, now)

	c.ticks++
	c.metrics.Tick(time.Since(start), c.table.Len(), len(obs), len(evicted))
	if best, ok := c.recorder.Best(); ok {
		c.metrics.Reception(c.recorder.Len(), best.Slant)
	}
	c.publish(now)
}

func (c *Collector) publishFeed(obs []state.Observation) {
	if c.feed == nil || len(obs) == 0 {
		return
	}
	recs := make([]upload.Record, len(obs))
	for i, o := range obs {
		recs[i] = upload.FromObservation(o)
	}
	if _, err := c.feed.Publish(recs); err != nil {
		c.log.Warn("feed publish failed", slog.Any("error", err))
	}
}

// Run starts the collector and ticks every source interval until ctx is
// cancelled, then flushes what is buffered.
func (c *Collector) Run(ctx context.Context) error {
	if err := c.Start(ctx, time.Now().UTC()); err != nil {
		return err
	}

	interval := c.cfg.Source.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info("collector running", slog.String("server", c.cfg.Source.Server), slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			c.Shutdown(time.Now().UTC())
			return nil
		case t := <-ticker.C:
			c.Tick(ctx, t.UTC())
		}
	}
}

// Shutdown flushes buffered records, reception records and URL lines.
// Unflushed records stay in the journal for the next run.
func (c *Collector) Shutdown(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := c.pipeline.Flush(ctx, now); err != nil {
		c.log.Warn("final flush failed", slog.Int("records", c.pipeline.Buffered()), slog.Any("error", err))
	}
	if err := c.recorder.Persist(ctx); err != nil {
		c.log.Warn("final reception persist failed", slog.Any("error", err))
	}
	if err := c.notifier.Flush(ctx, now); err != nil {
		c.log.Warn("final url upload failed", slog.Any("error", err))
	}
	c.log.Info("collector stopped", slog.Uint64("ticks", c.ticks))
}
