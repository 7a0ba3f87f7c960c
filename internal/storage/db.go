package storage

import (
	"context"
	"errors"
	"fmt"
)

// Config holds database connection settings for ClickHouse and PostgreSQL.
// A backend with an empty Host is not opened.
type Config struct {
	ClickHouse ClickHouseConfig
	Postgres   PostgresConfig
}

// DefaultConfig returns a configuration with default local development settings.
// Both hosts are empty, so nothing is opened until one is configured.
func DefaultConfig() Config {
	return Config{
		ClickHouse: ClickHouseConfig{
			Port:     9000,
			Database: "airsquawk",
			User:     "default",
		},
		Postgres: PostgresConfig{
			Port:     5432,
			Database: "airsquawk",
			User:     "airsquawk",
			Password: "airsquawk",
		},
	}
}

// DB wraps the optional ClickHouse and PostgreSQL connections.
type DB struct {
	CH *ClickHouseDB // ClickHouse for rolled up observations.
	PG *PostgresDB   // PostgreSQL for sightings and aircraft identities.
}

// Open opens the configured backends and creates their schemas.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	db := &DB{}

	if cfg.ClickHouse.Host != "" {
		ch, err := OpenClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		db.CH = ch
	}

	if cfg.Postgres.Host != "" {
		pg, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		db.PG = pg
	}

	if err := db.CreateSchemas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes every open connection.
func (d *DB) Close() error {
	var errs []error
	if d.CH != nil {
		if err := d.CH.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clickhouse: %w", err))
		}
	}
	if d.PG != nil {
		d.PG.Close()
	}
	return errors.Join(errs...)
}

// CreateSchemas creates the schemas in every open database.
func (d *DB) CreateSchemas(ctx context.Context) error {
	if d.CH != nil {
		if err := d.CH.CreateSchema(ctx); err != nil {
			return fmt.Errorf("clickhouse schema: %w", err)
		}
	}
	if d.PG != nil {
		if err := d.PG.CreateSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
	}
	return nil
}
