package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	m.Tick(20*time.Millisecond, 12, 11, 1)
	m.Flush(nil)
	m.Flush(errors.New("boom"))
	m.Rollup(3, 1, nil)
	m.IdentityResolved("static")
	m.Reception(40, 212.5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"airsquawk_ticks_total 1",
		"airsquawk_aircraft_tracked 12",
		"airsquawk_records_total 11",
		`airsquawk_flushes_total{result="error"} 1`,
		`airsquawk_flushes_total{result="ok"} 1`,
		"airsquawk_rollup_duplicates_total 3",
		`airsquawk_identity_lookups_total{tier="static"} 1`,
		"airsquawk_reception_best_slant_nm 212.5",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestNewTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := New(reg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(reg)
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	if a.Ticks != b.Ticks {
		t.Error("second New() did not reuse the registered counter")
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Tick(time.Second, 1, 1, 1)
	m.FetchFailed()
	m.Flush(nil)
	m.Rollup(0, 0, nil)
	m.IdentityResolved("memo")
	m.Reception(0, 0)
	m.Sighting()
}
