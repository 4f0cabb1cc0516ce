// Package store defines the append-only persistence contract for telemetry
// records. Backends live in the sqlite and postgres subpackages.
package store

import (
	"context"
	"fmt"
	"regexp"

	"github.com/JakeFAU/dsn-monitor/internal/record"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "communication_logs"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Columns lists the inserted columns in bind order. The auto-increment id is
// assigned by the database.
var Columns = []string{
	"timestamp",
	"spacecraft",
	"antenna_id",
	"signal_strength",
	"communication_duration",
	"data_rate",
	"frequency",
	"azimuth",
	"elevation",
	"spacecraft_range",
	"range_display",
}

// Store persists records. Implementations are used by a single writer.
type Store interface {
	// Persist appends records atomically and returns how many were stored.
	// An empty slice is a no-op.
	Persist(ctx context.Context, records []record.Record) (int, error)
	// EnsureSchema creates the table if it does not exist.
	EnsureSchema(ctx context.Context) error
	// Recent returns up to limit rows, newest first.
	Recent(ctx context.Context, limit int) ([]record.Record, error)
	Close() error
}

// StorageError reports a failed schema or write operation. The batch that
// triggered it was rolled back.
type StorageError struct {
	Op    string
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s on %s: %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// TableName validates name, falling back to DefaultTable when empty.
func TableName(name string) (string, error) {
	if name == "" {
		return DefaultTable, nil
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}

// Nullable converts an optional float into a driver argument.
func Nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
