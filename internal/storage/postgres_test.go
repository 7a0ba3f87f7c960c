package storage

import (
	"context"
	"os"
	"testing"
	"time"
)

// setupTestPostgres creates a test database connection.
// Returns nil if no PostgreSQL connection is available.
func setupTestPostgres(t *testing.T) *PostgresDB {
	t.Helper()

	// Check for environment variable or use defaults.
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}
	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = "airsquawk"
	}
	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		password = "airsquawk"
	}
	database := os.Getenv("POSTGRES_DB")
	if database == "" {
		database = "airsquawk"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pg, err := OpenPostgres(ctx, PostgresConfig{
		Host:     host,
		Port:     5432,
		User:     user,
		Password: password,
		Database: database,
	})
	if err != nil {
		return nil
	}

	if err := pg.CreateSchema(ctx); err != nil {
		pg.Close()
		return nil
	}

	return pg
}

func stringPtr(s string) *string { return &s }

func TestRecordSighting(t *testing.T) {
	pg := setupTestPostgres(t)
	if pg == nil {
		t.Skip("No PostgreSQL connection available")
	}
	defer pg.Close()

	ctx := context.Background()
	const hex = "fff0aa"
	cleanup := func() {
		_, _ = pg.pool.Exec(ctx, "DELETE FROM sightings WHERE icao_hex = $1", hex)
		_, _ = pg.pool.Exec(ctx, "DELETE FROM aircraft WHERE icao_hex = $1", hex)
	}
	cleanup()
	defer cleanup()

	first := time.Date(2025, 11, 16, 14, 0, 0, 0, time.UTC)
	s := Sighting{
		ICAOHex:   hex,
		Callsign:  stringPtr("TEST01"),
		TypeCode:  stringPtr("B738"),
		FirstSeen: first,
		LastSeen:  first.Add(6 * time.Minute),
		URL:       "https://flightaware.com/live/modes/fff0aa/redirect",
	}
	if err := pg.RecordSighting(ctx, s); err != nil {
		t.Fatalf("RecordSighting() error = %v", err)
	}
	// Same visit again does not add a sighting row.
	if err := pg.RecordSighting(ctx, s); err != nil {
		t.Fatalf("RecordSighting() repeat error = %v", err)
	}

	// A later visit with a registration fills it in.
	s2 := s
	s2.FirstSeen = first.Add(2 * time.Hour)
	s2.LastSeen = s2.FirstSeen.Add(10 * time.Minute)
	s2.Registration = stringPtr("G-TEST")
	s2.TypeCode = nil
	if err := pg.RecordSighting(ctx, s2); err != nil {
		t.Fatalf("RecordSighting() second visit error = %v", err)
	}

	a, err := pg.GetAircraft(ctx, hex)
	if err != nil {
		t.Fatalf("GetAircraft() error = %v", err)
	}
	if a == nil {
		t.Fatal("GetAircraft() = nil")
	}
	if a.Registration == nil || *a.Registration != "G-TEST" {
		t.Errorf("Registration = %v, want G-TEST", a.Registration)
	}
	if a.TypeCode == nil || *a.TypeCode != "B738" {
		t.Errorf("TypeCode = %v, want B738 kept", a.TypeCode)
	}
	if !a.LastSeen.Equal(s2.LastSeen) {
		t.Errorf("LastSeen = %v, want %v", a.LastSeen, s2.LastSeen)
	}

	recent, err := pg.RecentSightings(ctx, 100)
	if err != nil {
		t.Fatalf("RecentSightings() error = %v", err)
	}
	n := 0
	for _, r := range recent {
		if r.ICAOHex == hex {
			n++
		}
	}
	if n != 2 {
		t.Errorf("sightings for %s = %d, want 2", hex, n)
	}
}

func TestGetAircraftMissing(t *testing.T) {
	pg := setupTestPostgres(t)
	if pg == nil {
		t.Skip("No PostgreSQL connection available")
	}
	defer pg.Close()

	a, err := pg.GetAircraft(context.Background(), "nohex0")
	if err != nil {
		t.Fatalf("GetAircraft() error = %v", err)
	}
	if a != nil {
		t.Errorf("GetAircraft() = %+v, want nil", a)
	}
}

func TestSightingDuration(t *testing.T) {
	first := time.Date(2025, 11, 16, 14, 0, 0, 0, time.UTC)
	s := Sighting{FirstSeen: first, LastSeen: first.Add(7 * time.Minute)}
	if got := s.Duration(); got != 7*time.Minute {
		t.Errorf("Duration() = %v, want 7m", got)
	}
}
