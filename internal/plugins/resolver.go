package plugins

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Ashfaaq98/intelcore/internal/logging"
	"github.com/Ashfaaq98/intelcore/internal/store"
)

// Source tells where a resolved value came from.
type Source string

const (
	SourceUser         Source = "user"
	SourceOrganization Source = "organization"
	SourceDefault      Source = "default"
	SourceAny          Source = "any"
)

// ResolvedParam is a parameter together with the value visible to a user.
type ResolvedParam struct {
	Parameter Parameter   `json:"parameter"`
	Value     interface{} `json:"value"`
	Source    Source      `json:"source"`
}

// Resolver answers configuration questions for one deployment environment.
type Resolver struct {
	store  *store.Store
	env    Environment
	logger *zap.Logger
}

func NewResolver(s *store.Store, env Environment, logger *zap.Logger) *Resolver {
	return &Resolver{store: s, env: env, logger: logging.OrNop(logger)}
}

type lookup struct {
	source Source
	where  string
	args   []any
}

// resolve returns the value of param for config visible to userID: the
// user's own value, then one shared by a member of the user's organization,
// then a non-secret default. found is false when none exists.
func (r *Resolver) resolve(ctx context.Context, q store.Querier, param Parameter, configID, userID int64) (rp ResolvedParam, found bool, err error) {
	rp.Parameter = param

	lookups := []lookup{{SourceUser, `owner_id = ? AND for_organization = 0`, []any{userID}}}

	m, err := store.MembershipFor(ctx, q, userID)
	switch {
	case err == nil:
		lookups = append(lookups, lookup{SourceOrganization,
			`for_organization = 1 AND owner_id IN (SELECT user_id FROM memberships WHERE organization_id = ?)`,
			[]any{m.OrganizationID}})
	case !errors.Is(err, store.ErrNotFound):
		return rp, false, err
	}
	if !param.IsSecret {
		lookups = append(lookups, lookup{SourceDefault, `owner_id IS NULL`, nil})
	}

	for _, l := range lookups {
		raw, ok, err := latestValue(ctx, q, param.ID, configID, l.where, l.args...)
		if err != nil {
			return rp, false, err
		}
		if ok {
			rp.Value = decodeValue(raw)
			rp.Source = l.source
			return rp, true, nil
		}
	}
	return rp, false, nil
}

func latestValue(ctx context.Context, q store.Querier, paramID, configID int64, where string, args ...any) (string, bool, error) {
	query := `SELECT value FROM plugin_config_values WHERE parameter_id = ? AND plugin_config_id = ?`
	if where != "" {
		query += ` AND ` + where
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT 1`
	rows, err := q.QueryContext(ctx, query, append([]any{paramID, configID}, args...)...)
	if err != nil {
		return "", false, fmt.Errorf("failed to query parameter values: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return "", false, rows.Err()
	}
	var raw string
	if err := rows.Scan(&raw); err != nil {
		return "", false, fmt.Errorf("failed to scan parameter value: %w", err)
	}
	return raw, true, nil
}

// IsConfigured reports whether every required parameter of config has a value
// visible to userID. Optional parameters never block.
func (r *Resolver) IsConfigured(ctx context.Context, config *Config, userID int64) (bool, error) {
	q := r.store.DB()
	params, err := Parameters(ctx, q, config.ModuleID)
	if err != nil {
		return false, err
	}
	for _, p := range params {
		if !p.Required {
			continue
		}
		_, found, err := r.resolve(ctx, q, p, config.ID, userID)
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

// ReadConfiguredParams resolves every parameter of config for userID. A
// required parameter without a visible value yields a *ParameterError, unless
// StageCI is set and some value is stored for it. Optional parameters without
// a value are omitted.
func (r *Resolver) ReadConfiguredParams(ctx context.Context, config *Config, userID int64) ([]ResolvedParam, error) {
	q := r.store.DB()
	params, err := Parameters(ctx, q, config.ModuleID)
	if err != nil {
		return nil, err
	}
	out := make([]ResolvedParam, 0, len(params))
	for _, p := range params {
		rp, found, err := r.resolve(ctx, q, p, config.ID, userID)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, rp)
			continue
		}
		if !p.Required {
			continue
		}
		if r.env.StageCI {
			raw, ok, err := latestValue(ctx, q, p.ID, config.ID, "")
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, ResolvedParam{Parameter: p, Value: decodeValue(raw), Source: SourceAny})
				continue
			}
		}
		return nil, &ParameterError{Parameter: p.Name, Plugin: config.Name}
	}
	return out, nil
}

// orgDisabled reports whether the user's organization disabled config.
func (r *Resolver) orgDisabled(ctx context.Context, config *Config, userID int64) (bool, error) {
	q := r.store.DB()
	m, err := store.MembershipFor(ctx, q, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	oc, err := GetOrgConfig(ctx, q, m.OrganizationID, config.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return oc.Disabled, nil
}

// IsRunnable reports whether config is enabled, not disabled by the user's
// organization, and configured for the user.
func (r *Resolver) IsRunnable(ctx context.Context, config *Config, userID int64) (bool, error) {
	if config.Disabled {
		return false, nil
	}
	disabled, err := r.orgDisabled(ctx, config, userID)
	if err != nil {
		return false, err
	}
	if disabled {
		return false, nil
	}
	return r.IsConfigured(ctx, config, userID)
}

// AnnotateRunnable sets Runnable on every config for userID.
func (r *Resolver) AnnotateRunnable(ctx context.Context, configs []Config, userID int64) error {
	for i := range configs {
		ok, err := r.IsRunnable(ctx, &configs[i], userID)
		if err != nil {
			return fmt.Errorf("runnable check for %s: %w", configs[i].Name, err)
		}
		configs[i].Runnable = &ok
	}
	return nil
}

// RoutingKey returns the queue for config, falling back to the default queue
// when the config names one that is not deployed.
func (r *Resolver) RoutingKey(config *Config) string {
	if config.RoutingKey == "" {
		return DefaultRoutingKey
	}
	if len(r.env.Queues) == 0 {
		return config.RoutingKey
	}
	for _, q := range r.env.Queues {
		if q == config.RoutingKey {
			return q
		}
	}
	r.logger.Warn("unknown routing key, using default queue",
		zap.String("plugin", config.Name), zap.String("routing_key", config.RoutingKey))
	return DefaultRoutingKey
}
