package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PostgresDB wraps a PostgreSQL connection pool for sightings.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() {
	d.pool.Close()
}

// CreateSchema creates the PostgreSQL tables.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	schema := `
	-- One row per aircraft ever seen for a long visit.
	CREATE TABLE IF NOT EXISTS aircraft (
		icao_hex        TEXT PRIMARY KEY,
		registration    TEXT,
		type_code       TEXT,
		first_seen      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		sightings       INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_aircraft_registration ON aircraft(registration);

	-- Long visibility sightings.
	CREATE TABLE IF NOT EXISTS sightings (
		id              BIGSERIAL PRIMARY KEY,
		icao_hex        TEXT NOT NULL REFERENCES aircraft(icao_hex),
		callsign        TEXT,
		registration    TEXT,
		type_code       TEXT,
		first_seen      TIMESTAMPTZ NOT NULL,
		last_seen       TIMESTAMPTZ NOT NULL,
		last_range_nm   DOUBLE PRECISION,
		url             TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE(icao_hex, first_seen)
	);

	CREATE INDEX IF NOT EXISTS idx_sightings_last_seen ON sightings(last_seen DESC);
	`

	_, err := d.pool.Exec(ctx, schema)
	return err
}

// Sighting is one aircraft visit that lasted long enough to be reported.
type Sighting struct {
	ID           int64     `json:"id"`
	ICAOHex      string    `json:"icao_hex"`
	Callsign     *string   `json:"callsign,omitempty"`
	Registration *string   `json:"registration,omitempty"`
	TypeCode     *string   `json:"type_code,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	LastRangeNM  *float64  `json:"last_range_nm,omitempty"`
	URL          string    `json:"url"`
}

// Duration returns how long the aircraft was visible.
func (s Sighting) Duration() time.Duration {
	return s.LastSeen.Sub(s.FirstSeen)
}

// AircraftRecord is the accumulated identity of one aircraft.
type AircraftRecord struct {
	ICAOHex      string    `json:"icao_hex"`
	Registration *string   `json:"registration,omitempty"`
	TypeCode     *string   `json:"type_code,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	Sightings    int       `json:"sightings"`
}

// RecordSighting upserts the aircraft and stores the sighting. Recording
// the same visit twice is a no-op for the sightings table.
func (d *PostgresDB) RecordSighting(ctx context.Context, s Sighting) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO aircraft (icao_hex, registration, type_code, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (icao_hex) DO UPDATE SET
			registration = COALESCE(EXCLUDED.registration, aircraft.registration),
			type_code = COALESCE(EXCLUDED.type_code, aircraft.type_code),
			last_seen = GREATEST(EXCLUDED.last_seen, aircraft.last_seen),
			sightings = aircraft.sightings + 1
	`, s.ICAOHex, s.Registration, s.TypeCode, s.FirstSeen, s.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert aircraft: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sightings (icao_hex, callsign, registration, type_code, first_seen, last_seen, last_range_nm, url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (icao_hex, first_seen) DO NOTHING
	`, s.ICAOHex, s.Callsign, s.Registration, s.TypeCode, s.FirstSeen, s.LastSeen, s.LastRangeNM, s.URL)
	if err != nil {
		return fmt.Errorf("insert sighting: %w", err)
	}

	return tx.Commit(ctx)
}

// GetAircraft retrieves an aircraft by ICAO hex. It returns nil when the
// aircraft was never recorded.
func (d *PostgresDB) GetAircraft(ctx context.Context, icaoHex string) (*AircraftRecord, error) {
	var a AircraftRecord
	err := d.pool.QueryRow(ctx, `
		SELECT icao_hex, registration, type_code, first_seen, last_seen, sightings
		FROM aircraft WHERE icao_hex = $1
	`, icaoHex).Scan(&a.ICAOHex, &a.Registration, &a.TypeCode, &a.FirstSeen, &a.LastSeen, &a.Sightings)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// RecentSightings returns the latest sightings, newest first.
func (d *PostgresDB) RecentSightings(ctx context.Context, limit int) ([]Sighting, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.pool.Query(ctx, `
		SELECT id, icao_hex, callsign, registration, type_code, first_seen, last_seen, last_range_nm, url
		FROM sightings
		ORDER BY last_seen DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sighting
	for rows.Next() {
		var s Sighting
		if err := rows.Scan(&s.ID, &s.ICAOHex, &s.Callsign, &s.Registration, &s.TypeCode,
			&s.FirstSeen, &s.LastSeen, &s.LastRangeNM, &s.URL); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Pool returns the underlying connection pool.
func (d *PostgresDB) Pool() *pgxpool.Pool {
	return d.pool
}
