package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notification is a message surfaced to administrators (new release, rate-limit
// re-enable, tree integrity issues).
type Notification struct {
	ID          string                 `json:"id"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Level       string                 `json:"level"` // "info", "warning", "error"
	ForAdmins   bool                   `json:"for_admins"`
	Details     map[string]interface{} `json:"details,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// UpdateCheckStatus is the single-row state of the release checker.
type UpdateCheckStatus struct {
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	LatestVersion string     `json:"latest_version,omitempty"`
	Notified      bool       `json:"notified"`
}

// AddNotification stores a notification
func AddNotification(ctx context.Context, q Querier, n Notification) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Level == "" {
		n.Level = "info"
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	var detailsJSON []byte
	if n.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(n.Details)
		if err != nil {
			return "", fmt.Errorf("failed to marshal notification details: %w", err)
		}
	}

	_, err := q.ExecContext(ctx, `INSERT INTO notifications (
		id, title, description, level, for_admins, details, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Title, n.Description, n.Level, n.ForAdmins, nullableString(detailsJSON), n.CreatedAt.Unix())
	if err != nil {
		return "", fmt.Errorf("failed to insert notification: %w", err)
	}
	return n.ID, nil
}

// AddNotification stores a notification outside any transaction.
func (s *Store) AddNotification(ctx context.Context, n Notification) (string, error) {
	return AddNotification(ctx, s.db, n)
}

// ListNotifications returns notifications newest first
func (s *Store) ListNotifications(ctx context.Context, adminsOnly bool, limit int) ([]Notification, error) {
	query := `SELECT id, title, description, level, for_admins, details, created_at FROM notifications`
	args := []interface{}{}
	if adminsOnly {
		query += ` WHERE for_admins = ?`
		args = append(args, true)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var result []Notification
	for rows.Next() {
		var n Notification
		var details sql.NullString
		var createdAt int64
		if err := rows.Scan(&n.ID, &n.Title, &n.Description, &n.Level, &n.ForAdmins, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &n.Details); err != nil {
				n.Details = map[string]interface{}{"raw": details.String}
			}
		}
		n.CreatedAt = time.Unix(createdAt, 0).UTC()
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification rows: %w", err)
	}
	return result, nil
}

// LockUpdateCheckStatus returns the update-check row, creating it when missing.
// Call it inside a transaction: SQLite serialises writers, which gives the
// same guarantee as a row lock on the single status row.
func LockUpdateCheckStatus(ctx context.Context, tx *sql.Tx) (*UpdateCheckStatus, error) {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO update_check_status (id, notified) VALUES (1, 0)`); err != nil {
		return nil, fmt.Errorf("failed to initialise update check status: %w", err)
	}
	return scanUpdateCheckStatus(tx.QueryRowContext(ctx,
		`SELECT last_checked_at, latest_version, notified FROM update_check_status WHERE id = 1`))
}

// SaveUpdateCheckStatus persists the update-check row.
func SaveUpdateCheckStatus(ctx context.Context, q Querier, st *UpdateCheckStatus) error {
	_, err := q.ExecContext(ctx,
		`UPDATE update_check_status SET last_checked_at = ?, latest_version = ?, notified = ? WHERE id = 1`,
		UnixOrNull(st.LastCheckedAt), nullableString([]byte(st.LatestVersion)), st.Notified)
	if err != nil {
		return fmt.Errorf("failed to save update check status: %w", err)
	}
	return nil
}

// GetUpdateCheckStatus reads the update-check row; a zero status is returned when none exists yet.
func (s *Store) GetUpdateCheckStatus(ctx context.Context) (*UpdateCheckStatus, error) {
	st, err := scanUpdateCheckStatus(s.db.QueryRowContext(ctx,
		`SELECT last_checked_at, latest_version, notified FROM update_check_status WHERE id = 1`))
	if errors.Is(err, ErrNotFound) {
		return &UpdateCheckStatus{}, nil
	}
	return st, err
}

func scanUpdateCheckStatus(row *sql.Row) (*UpdateCheckStatus, error) {
	var (
		st      UpdateCheckStatus
		checked sql.NullInt64
		latest  sql.NullString
	)
	if err := row.Scan(&checked, &latest, &st.Notified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("update check status: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan update check status: %w", err)
	}
	st.LastCheckedAt = TimeFromNull(checked)
	if latest.Valid {
		st.LatestVersion = latest.String
	}
	return &st, nil
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
