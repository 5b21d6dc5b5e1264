// Package jobs stores analysis jobs as nodes of a materialized-path tree.
// Pivots create child jobs, so every lineage has a single root submission.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Ashfaaq98/intelcore/internal/store"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrMultipleRoots = errors.New("multiple roots found")
	ErrUnknownStatus = errors.New("unknown job status")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending              Status = "pending"
	StatusRunning              Status = "running"
	StatusAnalyzersRunning     Status = "analyzers_running"
	StatusConnectorsRunning    Status = "connectors_running"
	StatusPivotsRunning        Status = "pivots_running"
	StatusVisualizersRunning   Status = "visualizers_running"
	StatusReportedWithoutFails Status = "reported_without_fails"
	StatusReportedWithFails    Status = "reported_with_fails"
	StatusKilled               Status = "killed"
	StatusFailed               Status = "failed"
)

// Statuses lists every job status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusRunning, StatusAnalyzersRunning, StatusConnectorsRunning,
	StatusPivotsRunning, StatusVisualizersRunning, StatusReportedWithoutFails,
	StatusReportedWithFails, StatusKilled, StatusFailed,
}

func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Final reports whether no further work happens for a job in this status.
func (s Status) Final() bool {
	switch s {
	case StatusReportedWithoutFails, StatusReportedWithFails, StatusKilled, StatusFailed:
		return true
	}
	return false
}

// Job is one node of a job tree.
type Job struct {
	ID                   int64      `json:"id"`
	Path                 string     `json:"path"`
	Depth                int        `json:"depth"`
	NumChild             int        `json:"numchild"`
	UserID               *int64     `json:"user_id,omitempty"`
	AnalyzableID         *int64     `json:"analyzable_id,omitempty"`
	Status               Status     `json:"status"`
	ReceivedRequestTime  time.Time  `json:"received_request_time"`
	FinishedAnalysisTime *time.Time `json:"finished_analysis_time,omitempty"`
}

// NewJob holds the caller-provided fields of a job.
type NewJob struct {
	UserID       *int64
	AnalyzableID *int64
	Status       Status
}

const jobColumns = `id, path, depth, numchild, user_id, analyzable_id, status, received_request_time, finished_analysis_time`

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		var (
			j          Job
			user, an   sql.NullInt64
			status     string
			received   int64
			finishedAt sql.NullInt64
		)
		if err := rows.Scan(&j.ID, &j.Path, &j.Depth, &j.NumChild, &user, &an, &status, &received, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		if user.Valid {
			id := user.Int64
			j.UserID = &id
		}
		if an.Valid {
			id := an.Int64
			j.AnalyzableID = &id
		}
		j.Status = Status(status)
		j.ReceivedRequestTime = time.Unix(received, 0).UTC()
		j.FinishedAnalysisTime = store.TimeFromNull(finishedAt)
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	return out, nil
}

func queryJobs(ctx context.Context, q store.Querier, query string, args ...any) ([]Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func getJob(ctx context.Context, q store.Querier, id int64) (*Job, error) {
	jobs, err := queryJobs(ctx, q, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return &jobs[0], nil
}

// Repository reads and updates jobs outside the tree structure.
type Repository struct {
	store *store.Store
}

func NewRepository(s *store.Store) *Repository {
	return &Repository{store: s}
}

// Get returns a job by id.
func (r *Repository) Get(ctx context.Context, id int64) (*Job, error) {
	return getJob(ctx, r.store.DB(), id)
}

// SetStatus moves a job to status, stamping the finish time on final statuses.
func (r *Repository) SetStatus(ctx context.Context, id int64, status Status) error {
	var finished any
	if status.Final() {
		finished = time.Now().Unix()
	}
	res, err := r.store.DB().ExecContext(ctx,
		`UPDATE jobs SET status = ?, finished_analysis_time = COALESCE(?, finished_analysis_time) WHERE id = ?`,
		string(status), finished, id)
	if err != nil {
		return fmt.Errorf("failed to update job %d status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetPluginsToExecute replaces the plugin configs scheduled for a job.
func (r *Repository) SetPluginsToExecute(ctx context.Context, jobID int64, configIDs []int64) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_plugins WHERE job_id = ?`, jobID); err != nil {
			return fmt.Errorf("failed to clear plugins of job %d: %w", jobID, err)
		}
		for _, id := range configIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO job_plugins (job_id, plugin_config_id) VALUES (?, ?)`, jobID, id); err != nil {
				return fmt.Errorf("failed to add plugin %d to job %d: %w", id, jobID, err)
			}
		}
		return nil
	})
}

// PluginsToExecute returns the plugin config ids scheduled for a job.
func PluginsToExecute(ctx context.Context, q store.Querier, jobID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT plugin_config_id FROM job_plugins WHERE job_id = ? ORDER BY plugin_config_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugins of job %d: %w", jobID, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan plugin config id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PluginsToExecute returns the plugin config ids scheduled for a job.
func (r *Repository) PluginsToExecute(ctx context.Context, jobID int64) ([]int64, error) {
	return PluginsToExecute(ctx, r.store.DB(), jobID)
}
