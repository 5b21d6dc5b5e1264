package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is an account that owns events, jobs and plugin values.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	IsStaff   bool      `json:"is_staff"`
	CreatedAt time.Time `json:"created_at"`
}

// Organization groups users that share events and plugin configuration.
type Organization struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership links a user to at most one organization.
type Membership struct {
	ID             int64 `json:"id"`
	UserID         int64 `json:"user_id"`
	OrganizationID int64 `json:"organization_id"`
	IsOwner        bool  `json:"is_owner"`
	IsAdmin        bool  `json:"is_admin"`
}

// CreateUser inserts a new user
func (s *Store) CreateUser(ctx context.Context, username string, isStaff bool) (*User, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, is_staff, created_at) VALUES (?, ?, ?)`,
		username, isStaff, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", username, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read user id: %w", err)
	}
	return &User{ID: id, Username: username, IsStaff: isStaff, CreatedAt: time.Unix(now.Unix(), 0).UTC()}, nil
}

// GetUser returns a user by id
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, is_staff, created_at FROM users WHERE id = ?`, id))
}

// GetUserByName returns a user by username
func (s *Store) GetUserByName(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, is_staff, created_at FROM users WHERE username = ?`, username))
}

// GetOrCreateUser returns the named user, creating it when missing.
func (s *Store) GetOrCreateUser(ctx context.Context, username string, isStaff bool) (*User, error) {
	u, err := s.GetUserByName(ctx, username)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.CreateUser(ctx, username, isStaff)
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	var createdAt int64
	if err := row.Scan(&u.ID, &u.Username, &u.IsStaff, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

// CreateOrganization inserts a new organization
func (s *Store) CreateOrganization(ctx context.Context, name string) (*Organization, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (name, created_at) VALUES (?, ?)`, name, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create organization %s: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read organization id: %w", err)
	}
	return &Organization{ID: id, Name: name, CreatedAt: time.Unix(now.Unix(), 0).UTC()}, nil
}

// AddMembership makes userID a member of orgID. A user belongs to at most one organization.
func (s *Store) AddMembership(ctx context.Context, userID, orgID int64, isOwner, isAdmin bool) (*Membership, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (user_id, organization_id, is_owner, is_admin, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, orgID, isOwner, isAdmin, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to add user %d to organization %d: %w", userID, orgID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read membership id: %w", err)
	}
	return &Membership{ID: id, UserID: userID, OrganizationID: orgID, IsOwner: isOwner, IsAdmin: isAdmin}, nil
}

// RemoveMembership deletes the membership of userID, if any.
func (s *Store) RemoveMembership(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memberships WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to remove membership for user %d: %w", userID, err)
	}
	return nil
}

// MembershipFor returns the membership of userID or ErrNotFound when the user
// has no organization.
func MembershipFor(ctx context.Context, q Querier, userID int64) (*Membership, error) {
	var m Membership
	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, organization_id, is_owner, is_admin FROM memberships WHERE user_id = ?`, userID).
		Scan(&m.ID, &m.UserID, &m.OrganizationID, &m.IsOwner, &m.IsAdmin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("membership: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query membership for user %d: %w", userID, err)
	}
	return &m, nil
}

// Membership returns the membership of userID or ErrNotFound.
func (s *Store) Membership(ctx context.Context, userID int64) (*Membership, error) {
	return MembershipFor(ctx, s.db, userID)
}

// VisibleUserIDs returns userID plus every user in the same organization.
func VisibleUserIDs(ctx context.Context, q Querier, userID int64) ([]int64, error) {
	m, err := MembershipFor(ctx, q, userID)
	if errors.Is(err, ErrNotFound) {
		return []int64{userID}, nil
	}
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM memberships WHERE organization_id = ? ORDER BY user_id`, m.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query organization members: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	seenSelf := false
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member id: %w", err)
		}
		if id == userID {
			seenSelf = true
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating members: %w", err)
	}
	if !seenSelf {
		ids = append(ids, userID)
	}
	return ids, nil
}
