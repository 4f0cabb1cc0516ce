// Package sqlite persists telemetry records into a local SQLite file using a
// pooled zombiezen connection set in WAL mode.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/JakeFAU/dsn-monitor/internal/record"
	"github.com/JakeFAU/dsn-monitor/internal/store"
)

// Config holds the parameters for opening the database file.
type Config struct {
	// Path is the database file. Its parent directory is created if missing.
	Path     string
	Table    string
	PoolSize int
}

// Store is a SQLite-backed store.Store.
type Store struct {
	pool   *sqlitex.Pool
	table  string
	path   string
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// Open creates the pool. Connections are initialized lazily on first use.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store.location is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	table, err := store.TableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = 2
	}
	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, &store.StorageError{Op: "open", Table: table, Err: err}
	}
	logger.Info("sqlite store opened",
		zap.String("path", cfg.Path),
		zap.String("table", table),
		zap.Int("pool_size", size),
	)
	return &Store{pool: pool, table: table, path: cfg.Path, logger: logger}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) schemaSQL() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	spacecraft TEXT NOT NULL,
	antenna_id TEXT NOT NULL,
	signal_strength REAL NOT NULL,
	communication_duration REAL NOT NULL,
	data_rate REAL,
	frequency REAL,
	azimuth REAL,
	elevation REAL,
	spacecraft_range REAL,
	range_display TEXT
);`, s.table)
}

func (s *Store) insertSQL() string {
	params := strings.TrimSuffix(strings.Repeat("?, ", len(store.Columns)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.table, strings.Join(store.Columns, ", "), params)
}

// EnsureSchema creates the table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return &store.StorageError{Op: "connect", Table: s.table, Err: err}
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, s.schemaSQL(), nil); err != nil {
		return &store.StorageError{Op: "schema", Table: s.table, Err: err}
	}
	return nil
}

// Persist appends records inside one immediate transaction.
func (s *Store) Persist(ctx context.Context, records []record.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, &store.StorageError{Op: "connect", Table: s.table, Err: err}
	}
	defer s.pool.Put(conn)

	if err := s.persistBatch(conn, records); err != nil {
		return 0, &store.StorageError{Op: "insert", Table: s.table, Err: err}
	}
	return len(records), nil
}

func (s *Store) persistBatch(conn *sqlite.Conn, records []record.Record) (err error) {
	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer endFn(&err)

	if err = sqlitex.ExecuteScript(conn, s.schemaSQL(), nil); err != nil {
		return fmt.Errorf("ensure table: %w", err)
	}
	query := s.insertSQL()
	for i, r := range records {
		if err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args(r)}); err != nil {
			return fmt.Errorf("insert record %d: %w", i, err)
		}
	}
	return nil
}

func args(r record.Record) []any {
	return []any{
		r.Timestamp.UTC().Format(time.RFC3339Nano),
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
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, &store.StorageError{Op: "connect", Table: s.table, Err: err}
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, s.schemaSQL(), nil); err != nil {
		return nil, &store.StorageError{Op: "schema", Table: s.table, Err: err}
	}

	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id DESC LIMIT ?`,
		strings.Join(store.Columns, ", "), s.table)
	var out []record.Record
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ts, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("parse timestamp: %w", err)
			}
			out = append(out, record.Record{
				Timestamp:             ts.UTC(),
				Spacecraft:            stmt.ColumnText(1),
				AntennaID:             stmt.ColumnText(2),
				SignalStrength:        stmt.ColumnFloat(3),
				CommunicationDuration: stmt.ColumnFloat(4),
				DataRate:              nullableColumn(stmt, 5),
				Frequency:             nullableColumn(stmt, 6),
				Azimuth:               nullableColumn(stmt, 7),
				Elevation:             nullableColumn(stmt, 8),
				SpacecraftRange:       nullableColumn(stmt, 9),
				RangeDisplay:          stmt.ColumnText(10),
			})
			return nil
		},
	})
	if err != nil {
		return nil, &store.StorageError{Op: "select", Table: s.table, Err: err}
	}
	return out, nil
}

func nullableColumn(stmt *sqlite.Stmt, col int) *float64 {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	return record.Float(stmt.ColumnFloat(col))
}

// Close closes all pooled connections.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.path, err)
	}
	s.logger.Info("sqlite store closed", zap.String("path", s.path))
	return nil
}
