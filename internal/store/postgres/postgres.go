// Package postgres persists telemetry records into PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/dsn-monitor/internal/record"
	"github.com/JakeFAU/dsn-monitor/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Store writes records into a Postgres table.
type Store struct {
	pool  pool
	table string
}

var _ store.Store = (*Store)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	table, err := store.TableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, table: table}, nil
}

// poolConfig applies the non-zero pool limits in cfg on top of the DSN.
func poolConfig(cfg Config) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	return poolCfg, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := store.TableName(table)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, table: name}, nil
}

func (s *Store) schemaSQL() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	"timestamp" TIMESTAMPTZ NOT NULL,
	spacecraft TEXT NOT NULL,
	antenna_id TEXT NOT NULL,
	signal_strength DOUBLE PRECISION NOT NULL,
	communication_duration DOUBLE PRECISION NOT NULL,
	data_rate DOUBLE PRECISION,
	frequency DOUBLE PRECISION,
	azimuth DOUBLE PRECISION,
	elevation DOUBLE PRECISION,
	spacecraft_range DOUBLE PRECISION,
	range_display TEXT
)`, s.table)
}

func (s *Store) insertSQL() string {
	cols := make([]string, len(store.Columns))
	params := make([]string, len(store.Columns))
	for i, c := range store.Columns {
		cols[i] = c
		if c == "timestamp" {
			cols[i] = `"timestamp"`
		}
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.table, strings.Join(cols, ", "), strings.Join(params, ", "))
}

// EnsureSchema creates the table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, s.schemaSQL()); err != nil {
		return &store.StorageError{Op: "schema", Table: s.table, Err: err}
	}
	return nil
}

// Persist inserts records in a single transaction. Any failure rolls the
// whole batch back.
func (s *Store) Persist(ctx context.Context, records []record.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, &store.StorageError{Op: "begin", Table: s.table, Err: err}
	}
	if err := s.persistTx(ctx, tx, records); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return 0, &store.StorageError{Op: "insert", Table: s.table, Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, &store.StorageError{Op: "commit", Table: s.table, Err: err}
	}
	return len(records), nil
}

func (s *Store) persistTx(ctx context.Context, tx pgx.Tx, records []record.Record) error {
	if _, err := tx.Exec(ctx, s.schemaSQL()); err != nil {
		return fmt.Errorf("ensure table: %w", err)
	}
	query := s.insertSQL()
	for i, r := range records {
		if _, err := tx.Exec(ctx, query, args(r)...); err != nil {
			return fmt.Errorf("insert record %d: %w", i, err)
		}
	}
	return nil
}

func args(r record.Record) []any {
	return []any{
		r.Timestamp.UTC(),
		r.Spacecraft,
		r.AntennaID,
		r.SignalStrength,
		r.CommunicationDuration,
		store.Nullable(r.DataRate),
		store.Nullable(r.Frequency),
		store.Nullable(r.Azimuth),
		store.Nullable(r.Elevation),
		store.Nullable(r.SpacecraftRange),
		r.RangeDisplay,
	}
}

// Recent returns up to limit rows ordered newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]record.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT "timestamp", spacecraft, antenna_id, signal_strength,
	communication_duration, data_rate, frequency, azimuth, elevation,
	spacecraft_range, COALESCE(range_display, '')
FROM %s ORDER BY id DESC LIMIT $1`, s.table)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, &store.StorageError{Op: "select", Table: s.table, Err: err}
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		var rec record.Record
		if err := rows.Scan(
			&rec.Timestamp,
			&rec.Spacecraft,
			&rec.AntennaID,
			&rec.SignalStrength,
			&rec.CommunicationDuration,
			&rec.DataRate,
			&rec.Frequency,
			&rec.Azimuth,
			&rec.Elevation,
			&rec.SpacecraftRange,
			&rec.RangeDisplay,
		); err != nil {
			return nil, &store.StorageError{Op: "scan", Table: s.table, Err: err}
		}
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StorageError{Op: "select", Table: s.table, Err: err}
	}
	return out, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
