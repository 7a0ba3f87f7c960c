// Package storage provides the local upload journal and the optional
// PostgreSQL and ClickHouse stores.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Spool is a SQLite journal of records waiting for their minute object.
// It survives restarts, so buffered records are not lost in a crash.
type Spool struct {
	db *sql.DB
}

// OpenSpool opens or creates the journal at path.
func OpenSpool(path string) (*Spool, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create spool directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	// A single connection keeps appends and clears strictly ordered.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}

	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS pending (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		line TEXT NOT NULL
	);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Spool{db: db}, nil
}

// Close closes the journal.
func (s *Spool) Close() error {
	return s.db.Close()
}

// Append journals lines in one transaction.
func (s *Spool) Append(ctx context.Context, lines [][]byte) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO pending (line) VALUES (?)")
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, line := range lines {
		if _, err := stmt.ExecContext(ctx, string(line)); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
	}
	return tx.Commit()
}

// Pending returns every journaled line in append order.
func (s *Spool) Pending(ctx context.Context) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT line FROM pending ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		out = append(out, []byte(line))
	}
	return out, rows.Err()
}

// Count returns the number of journaled lines.
func (s *Spool) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending").Scan(&n)
	return n, err
}

// Clear empties the journal.
func (s *Spool) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pending"); err != nil {
		return fmt.Errorf("clear pending: %w", err)
	}
	return nil
}
