package plugins

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Ashfaaq98/intelcore/internal/store"
)

// Repository stores modules, configs, parameters and values.
type Repository struct {
	store *store.Store
}

func NewRepository(s *store.Store) *Repository {
	return &Repository{store: s}
}

// EnsureModule returns the module at basePath.module, creating it when missing.
func (r *Repository) EnsureModule(ctx context.Context, basePath, module string) (*Module, error) {
	db := r.store.DB()
	if _, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO python_modules (base_path, module) VALUES (?, ?)`, basePath, module); err != nil {
		return nil, fmt.Errorf("failed to save module %s.%s: %w", basePath, module, err)
	}
	m := Module{BasePath: basePath, Module: module}
	if err := db.QueryRowContext(ctx,
		`SELECT id FROM python_modules WHERE base_path = ? AND module = ?`, basePath, module).Scan(&m.ID); err != nil {
		return nil, fmt.Errorf("failed to load module %s.%s: %w", basePath, module, err)
	}
	return &m, nil
}

// AddParameter declares a parameter on a module.
func (r *Repository) AddParameter(ctx context.Context, p Parameter) (*Parameter, error) {
	if p.Type == "" {
		p.Type = "str"
	}
	res, err := r.store.DB().ExecContext(ctx,
		`INSERT INTO parameters (python_module_id, name, type, description, is_secret, required) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ModuleID, p.Name, p.Type, p.Description, p.IsSecret, p.Required)
	if err != nil {
		return nil, fmt.Errorf("failed to add parameter %s: %w", p.Name, err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read parameter id: %w", err)
	}
	return &p, nil
}

// CreateConfig stores a new plugin config.
func (r *Repository) CreateConfig(ctx context.Context, c Config) (*Config, error) {
	if !c.Type.Valid() {
		return nil, fmt.Errorf("invalid plugin type %q", c.Type)
	}
	if c.RoutingKey == "" {
		c.RoutingKey = DefaultRoutingKey
	}
	if c.SoftTimeLimit == 0 {
		c.SoftTimeLimit = 60
	}
	res, err := r.store.DB().ExecContext(ctx,
		`INSERT INTO plugin_configs (type, name, description, python_module_id, disabled, routing_key, soft_time_limit)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(c.Type), c.Name, c.Description, c.ModuleID, c.Disabled, c.RoutingKey, c.SoftTimeLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s config %s: %w", c.Type, c.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read config id: %w", err)
	}
	return r.GetConfig(ctx, id)
}

// SetDisabled toggles the global disabled flag of a config.
func (r *Repository) SetDisabled(ctx context.Context, configID int64, disabled bool) error {
	res, err := r.store.DB().ExecContext(ctx, `UPDATE plugin_configs SET disabled = ? WHERE id = ?`, disabled, configID)
	if err != nil {
		return fmt.Errorf("failed to update config %d: %w", configID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("config %d: %w", configID, ErrNotFound)
	}
	return nil
}

const configColumns = `c.id, c.type, c.name, c.description, c.python_module_id, m.base_path || '.' || m.module,
	c.disabled, c.routing_key, c.soft_time_limit`

const configFrom = ` FROM plugin_configs c JOIN python_modules m ON m.id = c.python_module_id`

func queryConfigs(ctx context.Context, q store.Querier, where string, args ...any) ([]Config, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+configColumns+configFrom+where+` ORDER BY c.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugin configs: %w", err)
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		var c Config
		var typ string
		if err := rows.Scan(&c.ID, &typ, &c.Name, &c.Description, &c.ModuleID, &c.ModulePath,
			&c.Disabled, &c.RoutingKey, &c.SoftTimeLimit); err != nil {
			return nil, fmt.Errorf("failed to scan plugin config: %w", err)
		}
		c.Type = Type(typ)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plugin configs: %w", err)
	}
	return out, nil
}

// GetConfig returns a config by id.
func (r *Repository) GetConfig(ctx context.Context, id int64) (*Config, error) {
	configs, err := queryConfigs(ctx, r.store.DB(), ` WHERE c.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("config %d: %w", id, ErrNotFound)
	}
	return &configs[0], nil
}

// GetConfigByName returns the config of type t called name.
func (r *Repository) GetConfigByName(ctx context.Context, t Type, name string) (*Config, error) {
	configs, err := queryConfigs(ctx, r.store.DB(), ` WHERE c.type = ? AND c.name = ?`, string(t), name)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("%s config %s: %w", t, name, ErrNotFound)
	}
	return &configs[0], nil
}

// ListConfigs returns configs of the given types, or every config when none are given.
func (r *Repository) ListConfigs(ctx context.Context, types ...Type) ([]Config, error) {
	if len(types) == 0 {
		return queryConfigs(ctx, r.store.DB(), "")
	}
	args := make([]any, len(types))
	for i, t := range types {
		args[i] = string(t)
	}
	return queryConfigs(ctx, r.store.DB(), ` WHERE c.type IN (`+store.Placeholders(len(types))+`)`, args...)
}

// ListConfigsByID returns the configs with the given ids.
func (r *Repository) ListConfigsByID(ctx context.Context, ids []int64) ([]Config, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return queryConfigs(ctx, r.store.DB(), ` WHERE c.id IN (`+store.Placeholders(len(ids))+`)`, store.Int64Args(ids)...)
}

// Parameters returns the parameters declared by a module ordered by name.
func Parameters(ctx context.Context, q store.Querier, moduleID int64) ([]Parameter, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, python_module_id, name, type, description, is_secret, required FROM parameters
		 WHERE python_module_id = ? ORDER BY name`, moduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query parameters: %w", err)
	}
	defer rows.Close()
	var out []Parameter
	for rows.Next() {
		var p Parameter
		if err := rows.Scan(&p.ID, &p.ModuleID, &p.Name, &p.Type, &p.Description, &p.IsSecret, &p.Required); err != nil {
			return nil, fmt.Errorf("failed to scan parameter: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetValue stores a parameter value for a config.
func (r *Repository) SetValue(ctx context.Context, v Value) (*Value, error) {
	raw, err := json.Marshal(v.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	if v.OwnerID == nil && v.ForOrganization {
		return nil, errors.New("an organization value needs an owner")
	}
	v.UpdatedAt = time.Unix(time.Now().Unix(), 0).UTC()
	var owner any
	if v.OwnerID != nil {
		owner = *v.OwnerID
	}
	res, err := r.store.DB().ExecContext(ctx,
		`INSERT INTO plugin_config_values (parameter_id, plugin_config_id, owner_id, for_organization, value, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		v.ParameterID, v.ConfigID, owner, v.ForOrganization, string(raw), v.UpdatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to save value for parameter %d: %w", v.ParameterID, err)
	}
	if v.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read value id: %w", err)
	}
	return &v, nil
}

// SetOrgConfig creates or replaces an organization's overrides for a config.
func (r *Repository) SetOrgConfig(ctx context.Context, oc OrgConfig) error {
	_, err := r.store.DB().ExecContext(ctx,
		`INSERT INTO org_plugin_configurations (organization_id, plugin_config_id, disabled, rate_limit_timeout, rate_limit_until)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (organization_id, plugin_config_id) DO UPDATE SET
		   disabled = excluded.disabled,
		   rate_limit_timeout = excluded.rate_limit_timeout,
		   rate_limit_until = excluded.rate_limit_until`,
		oc.OrganizationID, oc.ConfigID, oc.Disabled, int64(oc.RateLimitTimeout/time.Second), store.UnixOrNull(oc.RateLimitUntil))
	if err != nil {
		return fmt.Errorf("failed to save organization config: %w", err)
	}
	return nil
}

// GetOrgConfig returns the overrides of an organization for a config.
func GetOrgConfig(ctx context.Context, q store.Querier, orgID, configID int64) (*OrgConfig, error) {
	oc := OrgConfig{OrganizationID: orgID, ConfigID: configID}
	var timeout int64
	var until sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT disabled, rate_limit_timeout, rate_limit_until FROM org_plugin_configurations
		 WHERE organization_id = ? AND plugin_config_id = ?`, orgID, configID).Scan(&oc.Disabled, &timeout, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("organization config: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query organization config: %w", err)
	}
	oc.RateLimitTimeout = time.Duration(timeout) * time.Second
	oc.RateLimitUntil = store.TimeFromNull(until)
	return &oc, nil
}

// SetRelatedConfigs replaces the configs a pivot depends on.
func (r *Repository) SetRelatedConfigs(ctx context.Context, pivotID int64, related []int64) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pivot_related_configs WHERE pivot_id = ?`, pivotID); err != nil {
			return fmt.Errorf("failed to clear related configs of pivot %d: %w", pivotID, err)
		}
		for _, id := range related {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO pivot_related_configs (pivot_id, related_config_id) VALUES (?, ?)`, pivotID, id); err != nil {
				return fmt.Errorf("failed to relate config %d to pivot %d: %w", id, pivotID, err)
			}
		}
		return nil
	})
}

func decodeValue(raw string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
