// Package metrics holds the collector's Prometheus instruments.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collector's Prometheus metrics. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	Ticks           prometheus.Counter
	FetchFailures   prometheus.Counter
	TickDuration    prometheus.Histogram
	AircraftTracked prometheus.Gauge
	Records         prometheus.Counter
	Evictions       prometheus.Counter
	Flushes         *prometheus.CounterVec
	Rollups         *prometheus.CounterVec
	RollupDupes     prometheus.Counter
	RollupCorrupt   prometheus.Counter
	IdentityTier    *prometheus.CounterVec
	ReceptionCells  prometheus.Gauge
	BestSlant       prometheus.Gauge
	Sightings       prometheus.Counter
}

// New registers the metrics against reg, defaulting to the global
// registry when nil. Registering twice returns the existing collectors.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{gatherer: gatherer}
	var err error

	counter := func(name, help string) prometheus.Counter {
		if err != nil {
			return nil
		}
		var c prometheus.Counter
		c, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help}), name)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		if err != nil {
			return nil
		}
		var g prometheus.Gauge
		g, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help}), name)
		return g
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		if err != nil {
			return nil
		}
		var v *prometheus.CounterVec
		v, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels), name)
		return v
	}

	m.Ticks = counter("airsquawk_ticks_total", "Completed collector ticks.")
	m.FetchFailures = counter("airsquawk_fetch_failures_total", "Ticks whose aircraft snapshot could not be fetched.")
	m.AircraftTracked = gauge("airsquawk_aircraft_tracked", "Aircraft currently in the tracking table.")
	m.Records = counter("airsquawk_records_total", "Observation records emitted to the upload pipeline.")
	m.Evictions = counter("airsquawk_evictions_total", "Aircraft evicted after going silent.")
	m.Flushes = counterVec("airsquawk_flushes_total", "Minute flushes by result.", "result")
	m.Rollups = counterVec("airsquawk_rollups_total", "Hourly rollups by result.", "result")
	m.RollupDupes = counter("airsquawk_rollup_duplicates_total", "Duplicate records dropped by rollups.")
	m.RollupCorrupt = counter("airsquawk_rollup_corrupt_total", "Corrupt lines dropped by rollups.")
	m.IdentityTier = counterVec("airsquawk_identity_lookups_total", "Identity resolutions by answering tier.", "tier")
	m.ReceptionCells = gauge("airsquawk_reception_records", "Populated (sector, altitude zone) reception records.")
	m.BestSlant = gauge("airsquawk_reception_best_slant_nm", "Longest slant range ever recorded, in NM.")
	m.Sightings = counter("airsquawk_long_visibility_total", "Aircraft reported for long visibility.")
	if err != nil {
		return nil, err
	}

	m.TickDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "airsquawk_tick_duration_seconds",
		Help:    "Wall time of one collector tick.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}), "airsquawk_tick_duration_seconds")
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return c, nil
}

// Handler exposes a /metrics handler for the registry.
func (m *Metrics) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if m != nil && m.gatherer != nil {
		gatherer = m.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Tick records one completed tick.
func (m *Metrics) Tick(d time.Duration, tracked int, records int, evicted int) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickDuration.Observe(d.Seconds())
	m.AircraftTracked.Set(float64(tracked))
	m.Records.Add(float64(records))
	m.Evictions.Add(float64(evicted))
}

// FetchFailed counts a tick without a snapshot.
func (m *Metrics) FetchFailed() {
	if m == nil {
		return
	}
	m.FetchFailures.Inc()
}

// Flush counts a minute flush.
func (m *Metrics) Flush(err error) {
	if m == nil {
		return
	}
	m.Flushes.WithLabelValues(result(err)).Inc()
}

// Rollup counts an hourly rollup and the lines it dropped.
func (m *Metrics) Rollup(duplicates, corrupt int, err error) {
	if m == nil {
		return
	}
	m.Rollups.WithLabelValues(result(err)).Inc()
	m.RollupDupes.Add(float64(duplicates))
	m.RollupCorrupt.Add(float64(corrupt))
}

// IdentityResolved counts the tier that answered a lookup.
func (m *Metrics) IdentityResolved(tier string) {
	if m == nil {
		return
	}
	m.IdentityTier.WithLabelValues(tier).Inc()
}

// Reception sets the reception gauges.
func (m *Metrics) Reception(records int, bestSlant float64) {
	if m == nil {
		return
	}
	m.ReceptionCells.Set(float64(records))
	m.BestSlant.Set(bestSlant)
}

// Sighting counts a long-visibility report.
func (m *Metrics) Sighting() {
	if m == nil {
		return
	}
	m.Sightings.Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
