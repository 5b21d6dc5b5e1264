package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Classification is the observable type of an analyzable.
type Classification string

const (
	ClassificationDomain  Classification = "domain"
	ClassificationURL     Classification = "url"
	ClassificationIP      Classification = "ip"
	ClassificationHash    Classification = "hash"
	ClassificationGeneric Classification = "generic"
)

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationDomain, ClassificationURL, ClassificationIP, ClassificationHash, ClassificationGeneric:
		return true
	}
	return false
}

// Analyzable is an indicator under analysis.
type Analyzable struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Classification Classification `json:"classification"`
	CreatedAt      time.Time      `json:"created_at"`
}

const analyzableColumns = `id, name, classification, created_at`

// GetOrCreateAnalyzable returns the analyzable identified by (name, classification),
// inserting it when missing. created reports whether a row was inserted.
func GetOrCreateAnalyzable(ctx context.Context, q Querier, name string, c Classification) (a *Analyzable, created bool, err error) {
	if !c.Valid() {
		return nil, false, fmt.Errorf("invalid classification %q", c)
	}
	res, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO analyzables (name, classification, created_at) VALUES (?, ?, ?)`,
		name, string(c), time.Now().Unix())
	if err != nil {
		return nil, false, fmt.Errorf("failed to save analyzable %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	a, err = scanAnalyzable(q.QueryRowContext(ctx,
		`SELECT `+analyzableColumns+` FROM analyzables WHERE name = ? AND classification = ?`, name, string(c)))
	if err != nil {
		return nil, false, err
	}
	return a, n > 0, nil
}

// GetOrCreateAnalyzable is the non-transactional variant of the package function.
func (s *Store) GetOrCreateAnalyzable(ctx context.Context, name string, c Classification) (*Analyzable, bool, error) {
	return GetOrCreateAnalyzable(ctx, s.db, name, c)
}

// GetAnalyzable returns an analyzable by id
func (s *Store) GetAnalyzable(ctx context.Context, id int64) (*Analyzable, error) {
	return scanAnalyzable(s.db.QueryRowContext(ctx,
		`SELECT `+analyzableColumns+` FROM analyzables WHERE id = ?`, id))
}

// FindAnalyzable returns an analyzable by name and classification.
func (s *Store) FindAnalyzable(ctx context.Context, name string, c Classification) (*Analyzable, error) {
	return scanAnalyzable(s.db.QueryRowContext(ctx,
		`SELECT `+analyzableColumns+` FROM analyzables WHERE name = ? AND classification = ?`, name, string(c)))
}

// ListAnalyzablesByClassification returns analyzables of the given classifications ordered by id.
func ListAnalyzablesByClassification(ctx context.Context, q Querier, classes ...Classification) ([]Analyzable, error) {
	if len(classes) == 0 {
		return nil, nil
	}
	args := make([]any, len(classes))
	for i, c := range classes {
		args[i] = string(c)
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+analyzableColumns+` FROM analyzables WHERE classification IN (`+Placeholders(len(classes))+`) ORDER BY id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyzables: %w", err)
	}
	defer rows.Close()
	return scanAnalyzables(rows)
}

// ListAnalyzablesByID returns the analyzables with the given ids ordered by id.
func ListAnalyzablesByID(ctx context.Context, q Querier, ids []int64) ([]Analyzable, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+analyzableColumns+` FROM analyzables WHERE id IN (`+Placeholders(len(ids))+`) ORDER BY id`,
		Int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyzables: %w", err)
	}
	defer rows.Close()
	return scanAnalyzables(rows)
}

func scanAnalyzable(row *sql.Row) (*Analyzable, error) {
	var a Analyzable
	var class string
	var createdAt int64
	if err := row.Scan(&a.ID, &a.Name, &class, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("analyzable: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan analyzable: %w", err)
	}
	a.Classification = Classification(class)
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &a, nil
}

func scanAnalyzables(rows *sql.Rows) ([]Analyzable, error) {
	var result []Analyzable
	for rows.Next() {
		var a Analyzable
		var class string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.Name, &class, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan analyzable: %w", err)
		}
		a.Classification = Classification(class)
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analyzable rows: %w", err)
	}
	return result, nil
}
