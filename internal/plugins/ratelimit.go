package plugins

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Ashfaaq98/intelcore/internal/store"
)

// DisableForRateLimit disables config for an organization until its rate
// limit timeout has elapsed. It returns the time the config comes back.
func (r *Repository) DisableForRateLimit(ctx context.Context, orgID, configID int64, now time.Time) (time.Time, error) {
	oc, err := GetOrgConfig(ctx, r.store.DB(), orgID, configID)
	if err != nil {
		return time.Time{}, err
	}
	if oc.RateLimitTimeout <= 0 {
		return time.Time{}, fmt.Errorf("config %d for organization %d: %w", configID, orgID, ErrRateLimitTimeoutMissing)
	}
	until := time.Unix(now.Add(oc.RateLimitTimeout).Unix(), 0).UTC()
	oc.Disabled = true
	oc.RateLimitUntil = &until
	if err := r.SetOrgConfig(ctx, *oc); err != nil {
		return time.Time{}, err
	}
	return until, nil
}

// EnableExpiredRateLimits re-enables every organization config whose rate
// limit expired at now, notifies administrators, and returns how many were enabled.
func (r *Repository) EnableExpiredRateLimits(ctx context.Context, now time.Time) (int, error) {
	var enabled int
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT o.id, o.organization_id, c.name FROM org_plugin_configurations o
			 JOIN plugin_configs c ON c.id = o.plugin_config_id
			 WHERE o.disabled = 1 AND o.rate_limit_until IS NOT NULL AND o.rate_limit_until <= ?
			 ORDER BY o.id`, now.Unix())
		if err != nil {
			return fmt.Errorf("failed to query expired rate limits: %w", err)
		}
		type expired struct {
			id    int64
			orgID int64
			name  string
		}
		var list []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.id, &e.orgID, &e.name); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan expired rate limit: %w", err)
			}
			list = append(list, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range list {
			if _, err := tx.ExecContext(ctx,
				`UPDATE org_plugin_configurations SET disabled = 0, rate_limit_until = NULL WHERE id = ?`, e.id); err != nil {
				return fmt.Errorf("failed to re-enable organization config %d: %w", e.id, err)
			}
			if _, err := store.AddNotification(ctx, tx, store.Notification{
				Title:       "Plugin re-enabled",
				Description: fmt.Sprintf("%s is available again after its rate limit expired", e.name),
				Level:       "info",
				ForAdmins:   true,
				Details:     map[string]interface{}{"plugin": e.name, "organization_id": e.orgID},
				CreatedAt:   now,
			}); err != nil {
				return err
			}
		}
		enabled = len(list)
		return nil
	})
	return enabled, err
}
