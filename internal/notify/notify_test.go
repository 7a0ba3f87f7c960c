package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"airsquawk/internal/logging"
	"airsquawk/internal/objstore"
	"airsquawk/internal/state"
	"airsquawk/internal/storage"
)

type memSightings struct {
	got []storage.Sighting
	err error
}

func (m *memSightings) RecordSighting(ctx context.Context, s storage.Sighting) error {
	m.got = append(m.got, s)
	return m.err
}

var t0 = time.Date(2025, 11, 16, 14, 0, 0, 0, time.UTC)

func TestIdent(t *testing.T) {
	tests := []struct {
		name string
		a    state.Aircraft
		want string
	}{
		{"callsign", state.Aircraft{Hex: "abc123", Callsign: "BAW123 ", Registration: "G-ABCD"}, "BAW123"},
		{"registration", state.Aircraft{Hex: "abc123", Registration: "G-ABCD"}, "G-ABCD"},
		{"hex", state.Aircraft{Hex: "abc123"}, "abc123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Ident(tt.a); got != tt.want {
				t.Errorf("Ident() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLine(t *testing.T) {
	a := state.Aircraft{Hex: "abc123", Callsign: "BAW123", Type: "A320", FirstSeen: t0, LastSeen: t0.Add(6*time.Minute + 30*time.Second)}
	got := Line(a, t0.Add(7*time.Minute))
	want := "2025-11-16 14:07:00 UTC\tabc123\tBAW123\tN/A\tA320\t6.5min\thttps://flightaware.com/live/flight/BAW123"
	if got != want {
		t.Errorf("Line() =\n%q\nwant\n%q", got, want)
	}
}

func TestNotifierBatches(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	db := &memSightings{}
	n := New(Config{Bucket: "flighturls"}, store, db, logging.Discard())

	a := state.Aircraft{Hex: "abc123", Callsign: "BAW123", FirstSeen: t0, LastSeen: t0.Add(6 * time.Minute)}
	b := state.Aircraft{Hex: "def456", Registration: "N12345", FirstSeen: t0, LastSeen: t0.Add(8 * time.Minute)}
	n.Notify(ctx, a, t0.Add(7*time.Minute))
	n.Notify(ctx, b, t0.Add(9*time.Minute))

	if len(db.got) != 2 || db.got[1].URL != "https://flightaware.com/live/flight/N12345" {
		t.Fatalf("sightings = %+v", db.got)
	}
	if db.got[0].Registration != nil || *db.got[0].Callsign != "BAW123" {
		t.Errorf("sighting optional fields = %+v", db.got[0])
	}

	flushAt := t0.Add(9*time.Minute + 5*time.Second)
	n.Tick(ctx, flushAt)
	if n.Buffered() != 0 {
		t.Fatalf("Buffered() = %d after tick", n.Buffered())
	}
	body, err := store.Get(ctx, "flighturls", "flightaware_urls_20251116_140905.txt")
	if err != nil {
		t.Fatalf("batch object: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(string(body)), "\n"); len(lines) != 2 {
		t.Errorf("batch has %d lines, want 2", len(lines))
	}
	if ct := store.ContentType("flighturls", "flightaware_urls_20251116_140905.txt"); ct != "text/plain" {
		t.Errorf("content type = %q", ct)
	}

	// Within the interval nothing is uploaded.
	n.Notify(ctx, a, flushAt)
	n.Tick(ctx, flushAt.Add(30*time.Second))
	if n.Buffered() != 1 {
		t.Errorf("Buffered() = %d, want 1 before the interval", n.Buffered())
	}
	n.Tick(ctx, flushAt.Add(time.Minute))
	if n.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0 after the interval", n.Buffered())
	}
}

func TestNotifierKeepsBufferOnFailure(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	store.FailPut = func(bucket, key string) error { return errors.New("minio down") }
	db := &memSightings{err: errors.New("no db")}
	n := New(Config{Bucket: "flighturls"}, store, db, logging.Discard())

	n.Notify(ctx, state.Aircraft{Hex: "abc123", FirstSeen: t0, LastSeen: t0.Add(6 * time.Minute)}, t0.Add(7*time.Minute))
	if err := n.Flush(ctx, t0.Add(8*time.Minute)); err == nil {
		t.Fatal("Flush() succeeded against a failing store")
	}
	if n.Buffered() != 1 {
		t.Fatalf("Buffered() = %d, want 1", n.Buffered())
	}

	store.FailPut = nil
	if err := n.Flush(ctx, t0.Add(9*time.Minute)); err != nil {
		t.Fatalf("Flush() retry error = %v", err)
	}
	if n.Buffered() != 0 {
		t.Errorf("Buffered() = %d after retry", n.Buffered())
	}
}

// stuckSightings blocks until the caller gives up.
type stuckSightings struct{}

func (stuckSightings) RecordSighting(ctx context.Context, s storage.Sighting) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestNotifierBoundedOnHungBackends(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	store.Hang = func(op, bucket, key string) bool { return op == "put" }
	n := New(Config{Bucket: "flighturls", Timeout: 20 * time.Millisecond}, store, stuckSightings{}, logging.Discard())

	a := state.Aircraft{Hex: "abc123", FirstSeen: t0, LastSeen: t0.Add(6 * time.Minute)}
	done := make(chan error, 1)
	go func() {
		n.Notify(ctx, a, t0.Add(7*time.Minute))
		done <- n.Flush(ctx, t0.Add(8*time.Minute))
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Flush() on a hung store should fail")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("notifier still blocked on hung backends")
	}
	if n.Buffered() != 1 {
		t.Errorf("Buffered() = %d, want the line kept", n.Buffered())
	}
}
