package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Ashfaaq98/intelcore/internal/logging"
	"github.com/Ashfaaq98/intelcore/internal/store"
)

const (
	stepLen  = 4
	alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// maxSiblings is the number of distinct steps at one level.
var maxSiblings = pow(len(alphabet), stepLen) - 1

func pow(b, e int) int {
	n := 1
	for i := 0; i < e; i++ {
		n *= b
	}
	return n
}

// encodeStep renders n as a fixed-width base-36 path step.
func encodeStep(n int) string {
	buf := make([]byte, stepLen)
	for i := stepLen - 1; i >= 0; i-- {
		buf[i] = alphabet[n%len(alphabet)]
		n /= len(alphabet)
	}
	return string(buf)
}

func decodeStep(s string) (int, error) {
	n := 0
	for _, c := range s {
		i := strings.IndexRune(alphabet, c)
		if i < 0 {
			return 0, fmt.Errorf("invalid path step %q", s)
		}
		n = n*len(alphabet) + i
	}
	return n, nil
}

// Tree is the narrow surface of the job tree used by the rest of the system.
type Tree interface {
	AddRoot(ctx context.Context, j NewJob) (*Job, error)
	AddChild(ctx context.Context, parent *Job, j NewJob) (*Job, error)
	// Root returns the root of job's lineage, ErrMultipleRoots when the
	// lineage is corrupted, or ErrNotFound when no root exists.
	Root(ctx context.Context, job *Job) (*Job, error)
	IsRoot(job *Job) bool
}

// PathTree is a materialized-path Tree stored in the jobs table.
type PathTree struct {
	store *store.Store
	now   func() time.Time
}

func NewPathTree(s *store.Store) *PathTree {
	return &PathTree{store: s, now: time.Now}
}

var _ Tree = (*PathTree)(nil)

// AddRoot creates a job at depth 1.
func (t *PathTree) AddRoot(ctx context.Context, j NewJob) (*Job, error) {
	var job *Job
	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		var last sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT MAX(path) FROM jobs WHERE depth = 1`).Scan(&last); err != nil {
			return fmt.Errorf("failed to read last root path: %w", err)
		}
		next := 1
		if last.Valid {
			n, err := decodeStep(last.String)
			if err != nil {
				return err
			}
			next = n + 1
		}
		if next > maxSiblings {
			return fmt.Errorf("job tree is full at depth 1")
		}
		var err error
		job, err = t.insert(ctx, tx, encodeStep(next), 1, j)
		return err
	})
	return job, err
}

// AddChild creates a job one level below parent.
func (t *PathTree) AddChild(ctx context.Context, parent *Job, j NewJob) (*Job, error) {
	var job *Job
	err := t.store.WithTx(ctx, func(tx *sql.Tx) error {
		var numchild, depth int
		var path string
		err := tx.QueryRowContext(ctx, `SELECT path, depth, numchild FROM jobs WHERE id = ?`, parent.ID).
			Scan(&path, &depth, &numchild)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("parent job %d: %w", parent.ID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load parent job %d: %w", parent.ID, err)
		}
		// numchild can lag behind deleted children, so start after the highest existing step
		var last sql.NullString
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(path) FROM jobs WHERE path LIKE ? AND depth = ?`, path+"%", depth+1).Scan(&last); err != nil {
			return fmt.Errorf("failed to read last child path: %w", err)
		}
		next := numchild + 1
		if last.Valid {
			n, err := decodeStep(last.String[len(last.String)-stepLen:])
			if err != nil {
				return err
			}
			if n+1 > next {
				next = n + 1
			}
		}
		if next > maxSiblings {
			return fmt.Errorf("job %d has too many children", parent.ID)
		}
		job, err = t.insert(ctx, tx, path+encodeStep(next), depth+1, j)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET numchild = numchild + 1 WHERE id = ?`, parent.ID); err != nil {
			return fmt.Errorf("failed to update parent job %d: %w", parent.ID, err)
		}
		parent.NumChild = numchild + 1
		return nil
	})
	return job, err
}

func (t *PathTree) insert(ctx context.Context, tx *sql.Tx, path string, depth int, j NewJob) (*Job, error) {
	status := j.Status
	if status == "" {
		status = StatusPending
	}
	received := time.Unix(t.now().Unix(), 0).UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (path, depth, numchild, user_id, analyzable_id, status, received_request_time) VALUES (?, ?, 0, ?, ?, ?, ?)`,
		path, depth, nullableID(j.UserID), nullableID(j.AnalyzableID), string(status), received.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read job id: %w", err)
	}
	return &Job{
		ID:                  id,
		Path:                path,
		Depth:               depth,
		UserID:              j.UserID,
		AnalyzableID:        j.AnalyzableID,
		Status:              status,
		ReceivedRequestTime: received,
	}, nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

// Root looks up the job whose path is the first step of job's path.
func (t *PathTree) Root(ctx context.Context, job *Job) (*Job, error) {
	if len(job.Path) < stepLen {
		return nil, fmt.Errorf("job %d has malformed path %q", job.ID, job.Path)
	}
	roots, err := queryJobs(ctx, t.store.DB(), `SELECT `+jobColumns+` FROM jobs WHERE path = ?`, job.Path[:stepLen])
	if err != nil {
		return nil, err
	}
	switch len(roots) {
	case 0:
		return nil, fmt.Errorf("root of job %d: %w", job.ID, ErrNotFound)
	case 1:
		return &roots[0], nil
	}
	return nil, fmt.Errorf("%w for job %d: %d candidates", ErrMultipleRoots, job.ID, len(roots))
}

func (t *PathTree) IsRoot(job *Job) bool {
	return job.Depth == 1
}

// Children returns the direct children of job ordered by path.
func (t *PathTree) Children(ctx context.Context, job *Job) ([]Job, error) {
	return queryJobs(ctx, t.store.DB(),
		`SELECT `+jobColumns+` FROM jobs WHERE path LIKE ? AND depth = ? ORDER BY path`, job.Path+"%", job.Depth+1)
}

// Ancestors returns the ancestors of job from the root down, excluding job.
func (t *PathTree) Ancestors(ctx context.Context, job *Job) ([]Job, error) {
	if job.Depth <= 1 {
		return nil, nil
	}
	paths := make([]any, 0, job.Depth-1)
	for d := 1; d < job.Depth; d++ {
		paths = append(paths, job.Path[:d*stepLen])
	}
	return queryJobs(ctx, t.store.DB(),
		`SELECT `+jobColumns+` FROM jobs WHERE path IN (`+store.Placeholders(len(paths))+`) ORDER BY depth`, paths...)
}

// Resolver finds the root of a job lineage and tolerates a corrupted tree.
type Resolver struct {
	tree   Tree
	store  *store.Store
	logger *zap.Logger
}

func NewResolver(tree Tree, s *store.Store, logger *zap.Logger) *Resolver {
	return &Resolver{tree: tree, store: s, logger: logging.OrNop(logger)}
}

// IsRoot reports whether job has no parent.
func (r *Resolver) IsRoot(job *Job) bool {
	return r.tree.IsRoot(job)
}

// GetRoot returns the root job of job's lineage. When the tree reports more
// than one root, or none, it falls back to the lowest-id job at depth 1 that
// shares job's first path step and logs the integrity error. It never writes.
func (r *Resolver) GetRoot(ctx context.Context, job *Job) (*Job, error) {
	if r.tree.IsRoot(job) {
		return job, nil
	}
	root, err := r.tree.Root(ctx, job)
	if err == nil {
		return root, nil
	}
	if !errors.Is(err, ErrMultipleRoots) && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	r.logger.Warn("Tree Integrity Error: "+err.Error(),
		zap.Int64("job_id", job.ID), zap.String("path", job.Path))

	return r.fallbackRoot(ctx, job)
}

func (r *Resolver) fallbackRoot(ctx context.Context, job *Job) (*Job, error) {
	if len(job.Path) < stepLen {
		return nil, fmt.Errorf("job %d has malformed path %q", job.ID, job.Path)
	}
	prefix := job.Path[:stepLen]
	q := r.store.DB()
	found, err := queryJobs(ctx, q,
		`SELECT `+jobColumns+` FROM jobs WHERE path LIKE ? AND depth = 1 ORDER BY id LIMIT 1`, prefix+"%")
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		// no depth-1 node left: take the shallowest, oldest job of the lineage
		found, err = queryJobs(ctx, q,
			`SELECT `+jobColumns+` FROM jobs WHERE path LIKE ? ORDER BY depth, id LIMIT 1`, prefix+"%")
		if err != nil {
			return nil, err
		}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("root of job %d: %w", job.ID, ErrNotFound)
	}
	return &found[0], nil
}
