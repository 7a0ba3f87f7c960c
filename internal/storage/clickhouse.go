package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"airsquawk/internal/upload"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseDB wraps a ClickHouse connection for observation analytics.
type ClickHouseDB struct {
	conn driver.Conn
}

// Conn returns the underlying ClickHouse connection for direct queries.
func (d *ClickHouseDB) Conn() driver.Conn {
	return d.conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// CreateSchema creates the ClickHouse tables.
func (d *ClickHouseDB) CreateSchema(ctx context.Context) error {
	// ReplacingMergeTree collapses a re-inserted hour onto the same
	// (icao, last_seen) rows.
	query := `
	CREATE TABLE IF NOT EXISTS observations (
		hour               DateTime,
		icao               LowCardinality(String),
		ident              Nullable(String),
		registration       Nullable(String),
		aircraft_type      LowCardinality(Nullable(String)),
		squawk             Nullable(String),
		squawk_changed     UInt8,
		altitude_ft        Nullable(Float64),
		speed_kt           Nullable(Float64),
		vertical_rate      Nullable(Float64),
		distance_nm        Nullable(Float64),
		heading            Nullable(Float64),
		messages           Nullable(Int64),
		rssi               Nullable(Float64),
		latitude           Nullable(Float64),
		longitude          Nullable(Float64),
		nationality        LowCardinality(String),
		first_seen         DateTime,
		last_seen          DateTime,
		position_time      DateTime,
		data_quality       LowCardinality(String)
	) ENGINE = ReplacingMergeTree()
	PARTITION BY toYYYYMM(hour)
	ORDER BY (icao, last_seen)
	`
	if err := d.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create observations table: %w", err)
	}
	return nil
}

// InsertObservations stores the consolidated records of one hour.
func (d *ClickHouseDB) InsertObservations(ctx context.Context, hour time.Time, records []upload.Record) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, `
		INSERT INTO observations (hour, icao, ident, registration, aircraft_type, squawk, squawk_changed,
			altitude_ft, speed_kt, vertical_rate, distance_nm, heading, messages, rssi,
			latitude, longitude, nationality, first_seen, last_seen, position_time, data_quality)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	skipped := 0
	for _, r := range records {
		lastSeen, err := r.LastSeenTime()
		if err != nil {
			skipped++
			continue
		}
		firstSeen, err := time.Parse(upload.TimeFormat, r.FirstSeen)
		if err != nil {
			firstSeen = lastSeen
		}
		posTime, _ := r.PositionTime()

		var changed uint8
		if r.SquawkChanged {
			changed = 1
		}
		err = batch.Append(hour, r.ICAO, r.Ident, r.Registration, r.AircraftType, r.Squawk, changed,
			r.AltitudeFt, r.SpeedKt, r.VerticalRate, r.DistanceNM, r.Heading, r.Messages, r.RSSI,
			r.Latitude, r.Longitude, r.Nationality, firstSeen, lastSeen, posTime, r.DataQuality)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}
	if skipped == len(records) {
		_ = batch.Abort()
		return fmt.Errorf("no insertable records in %d", len(records))
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// CountObservations returns the number of stored observations since t.
func (d *ClickHouseDB) CountObservations(ctx context.Context, since time.Time) (uint64, error) {
	var count uint64
	err := d.conn.QueryRow(ctx, "SELECT count() FROM observations FINAL WHERE last_seen >= ?", since).Scan(&count)
	return count, err
}
