package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Querier is satisfied by both *sql.DB and *sql.Tx so that repository code can
// run the same statements inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store represents the SQLite storage implementation
type Store struct {
	db *sql.DB
}

// NewStore creates a new SQLite store instance
func NewStore(dbPath string) (*Store, error) {
	// Ensure target directory exists (e.g., ./data)
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open(sqliteDriver, sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serialises writers and keeps ":memory:" databases
	// shared between every statement issued by the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle for repositories that own their own tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise. fn must only use tx: the store holds a
// single connection, so issuing statements on the *sql.DB from inside fn blocks.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// migrate performs database migrations
func (s *Store) migrate() error {
	for _, migration := range schema {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// bulkUpdateChunk keeps every statement below SQLite's host parameter limit.
const bulkUpdateChunk = 200

// BulkUpdate writes per-row column values for the given ids using one
// "UPDATE ... SET col = CASE id WHEN ? THEN ? ... END WHERE id IN (...)"
// statement per chunk. values[col][i] is the new value of col for ids[i].
func BulkUpdate(ctx context.Context, q Querier, table string, ids []int64, values map[string][]any) error {
	if len(ids) == 0 || len(values) == 0 {
		return nil
	}
	columns := make([]string, 0, len(values))
	for col, vals := range values {
		if len(vals) != len(ids) {
			return fmt.Errorf("bulk update %s.%s: %d values for %d ids", table, col, len(vals), len(ids))
		}
		columns = append(columns, col)
	}
	// deterministic statement text
	sort.Strings(columns)

	for start := 0; start < len(ids); start += bulkUpdateChunk {
		end := start + bulkUpdateChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		var sb strings.Builder
		args := make([]any, 0, len(chunk)*(2*len(columns)+1))
		sb.WriteString("UPDATE ")
		sb.WriteString(table)
		sb.WriteString(" SET ")
		for ci, col := range columns {
			if ci > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(col)
			sb.WriteString(" = CASE id")
			for i, id := range chunk {
				sb.WriteString(" WHEN ? THEN ?")
				args = append(args, id, values[col][start+i])
			}
			sb.WriteString(" END")
		}
		sb.WriteString(" WHERE id IN (")
		sb.WriteString(Placeholders(len(chunk)))
		sb.WriteString(")")
		for _, id := range chunk {
			args = append(args, id)
		}

		if _, err := q.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("bulk update %s: %w", table, err)
		}
	}
	return nil
}

// Placeholders returns "?,?,...,?" with n markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimRight(strings.Repeat("?,", n), ",")
}

// Int64Args converts ids to a variadic argument slice.
func Int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, v := range ids {
		args[i] = v
	}
	return args
}

// UnixOrNull converts an optional time to a nullable unix-seconds column value.
func UnixOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// TimeFromNull converts a nullable unix-seconds column into an optional time.
func TimeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// Truncate deletes every row from every table, keeping the schema.
func (s *Store) Truncate(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range resetTables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("truncate %s: %w", table, err)
			}
		}
		return nil
	})
}
