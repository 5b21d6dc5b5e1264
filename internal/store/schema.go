package store

// schema is applied in order on every start; every statement is idempotent.
var schema = []string{
	// Identity
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		is_staff INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS organizations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memberships (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
		organization_id INTEGER NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		is_owner INTEGER NOT NULL DEFAULT 0,
		is_admin INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,

	// Analyzables
	`CREATE TABLE IF NOT EXISTS analyzables (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		classification TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (name, classification)
	)`,

	// Data models, one table per concrete kind
	`CREATE TABLE IF NOT EXISTS domain_data_models (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		evaluation TEXT NOT NULL DEFAULT '',
		reliability INTEGER NOT NULL DEFAULT 5 CHECK (reliability >= 0),
		tags TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ip_data_models (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		evaluation TEXT NOT NULL DEFAULT '',
		reliability INTEGER NOT NULL DEFAULT 5 CHECK (reliability >= 0),
		tags TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS file_data_models (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		evaluation TEXT NOT NULL DEFAULT '',
		reliability INTEGER NOT NULL DEFAULT 5 CHECK (reliability >= 0),
		tags TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	)`,

	// User events
	`CREATE TABLE IF NOT EXISTS user_analyzable_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		analyzable_id INTEGER NOT NULL REFERENCES analyzables(id) ON DELETE CASCADE,
		data_model_kind TEXT NOT NULL DEFAULT '',
		data_model_id INTEGER,
		date INTEGER NOT NULL,
		decay_progression INTEGER NOT NULL,
		decay_timedelta_days INTEGER NOT NULL CHECK (decay_timedelta_days >= 0),
		decay_times INTEGER NOT NULL DEFAULT 0,
		next_decay INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS user_domain_wildcard_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		query TEXT NOT NULL,
		data_model_kind TEXT NOT NULL DEFAULT 'domain',
		data_model_id INTEGER,
		date INTEGER NOT NULL,
		decay_progression INTEGER NOT NULL,
		decay_timedelta_days INTEGER NOT NULL CHECK (decay_timedelta_days >= 0),
		decay_times INTEGER NOT NULL DEFAULT 0,
		next_decay INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS user_ip_wildcard_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		network TEXT NOT NULL DEFAULT '',
		start_ip TEXT NOT NULL,
		end_ip TEXT NOT NULL,
		ip_family INTEGER NOT NULL,
		start_key BLOB NOT NULL,
		end_key BLOB NOT NULL,
		data_model_kind TEXT NOT NULL DEFAULT 'ip',
		data_model_id INTEGER,
		date INTEGER NOT NULL,
		decay_progression INTEGER NOT NULL,
		decay_timedelta_days INTEGER NOT NULL CHECK (decay_timedelta_days >= 0),
		decay_times INTEGER NOT NULL DEFAULT 0,
		next_decay INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS user_domain_wildcard_event_analyzables (
		event_id INTEGER NOT NULL REFERENCES user_domain_wildcard_events(id) ON DELETE CASCADE,
		analyzable_id INTEGER NOT NULL REFERENCES analyzables(id) ON DELETE CASCADE,
		PRIMARY KEY (event_id, analyzable_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_ip_wildcard_event_analyzables (
		event_id INTEGER NOT NULL REFERENCES user_ip_wildcard_events(id) ON DELETE CASCADE,
		analyzable_id INTEGER NOT NULL REFERENCES analyzables(id) ON DELETE CASCADE,
		PRIMARY KEY (event_id, analyzable_id)
	)`,

	// Jobs (materialized path tree)
	`CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		depth INTEGER NOT NULL,
		numchild INTEGER NOT NULL DEFAULT 0,
		user_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
		analyzable_id INTEGER REFERENCES analyzables(id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		received_request_time INTEGER NOT NULL,
		finished_analysis_time INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS job_plugins (
		job_id INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		plugin_config_id INTEGER NOT NULL REFERENCES plugin_configs(id) ON DELETE CASCADE,
		PRIMARY KEY (job_id, plugin_config_id)
	)`,

	// Plugin configuration
	`CREATE TABLE IF NOT EXISTS python_modules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		base_path TEXT NOT NULL,
		module TEXT NOT NULL,
		UNIQUE (base_path, module)
	)`,
	`CREATE TABLE IF NOT EXISTS plugin_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		python_module_id INTEGER NOT NULL REFERENCES python_modules(id),
		disabled INTEGER NOT NULL DEFAULT 0,
		routing_key TEXT NOT NULL DEFAULT 'default',
		soft_time_limit INTEGER NOT NULL DEFAULT 60,
		UNIQUE (type, name)
	)`,
	`CREATE TABLE IF NOT EXISTS parameters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		python_module_id INTEGER NOT NULL REFERENCES python_modules(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_secret INTEGER NOT NULL DEFAULT 0,
		required INTEGER NOT NULL DEFAULT 0,
		UNIQUE (python_module_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS plugin_config_values (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		parameter_id INTEGER NOT NULL REFERENCES parameters(id) ON DELETE CASCADE,
		plugin_config_id INTEGER NOT NULL REFERENCES plugin_configs(id) ON DELETE CASCADE,
		owner_id INTEGER REFERENCES users(id) ON DELETE CASCADE,
		for_organization INTEGER NOT NULL DEFAULT 0,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS org_plugin_configurations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		organization_id INTEGER NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		plugin_config_id INTEGER NOT NULL REFERENCES plugin_configs(id) ON DELETE CASCADE,
		disabled INTEGER NOT NULL DEFAULT 0,
		rate_limit_timeout INTEGER NOT NULL DEFAULT 0,
		rate_limit_until INTEGER,
		UNIQUE (organization_id, plugin_config_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pivot_related_configs (
		pivot_id INTEGER NOT NULL REFERENCES plugin_configs(id) ON DELETE CASCADE,
		related_config_id INTEGER NOT NULL REFERENCES plugin_configs(id) ON DELETE CASCADE,
		PRIMARY KEY (pivot_id, related_config_id)
	)`,

	// Admin notifications and update-check state
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		level TEXT NOT NULL,
		for_admins INTEGER NOT NULL DEFAULT 0,
		details TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS update_check_status (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_checked_at INTEGER,
		latest_version TEXT,
		notified INTEGER NOT NULL DEFAULT 0
	)`,

	// Indexes for performance
	`CREATE INDEX IF NOT EXISTS idx_analyzables_classification ON analyzables(classification)`,
	`CREATE INDEX IF NOT EXISTS idx_uae_next_decay ON user_analyzable_events(next_decay)`,
	`CREATE INDEX IF NOT EXISTS idx_uae_analyzable ON user_analyzable_events(analyzable_id)`,
	`CREATE INDEX IF NOT EXISTS idx_udwe_next_decay ON user_domain_wildcard_events(next_decay)`,
	`CREATE INDEX IF NOT EXISTS idx_uipwe_next_decay ON user_ip_wildcard_events(next_decay)`,
	`CREATE INDEX IF NOT EXISTS idx_uipwe_range ON user_ip_wildcard_events(ip_family, start_key, end_key)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_depth ON jobs(depth)`,
	`CREATE INDEX IF NOT EXISTS idx_pcv_lookup ON plugin_config_values(parameter_id, plugin_config_id)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_created_at ON notifications(created_at)`,
}

// resetTables lists tables in dependency order (children first) for Truncate.
var resetTables = []string{
	"notifications",
	"update_check_status",
	"pivot_related_configs",
	"org_plugin_configurations",
	"plugin_config_values",
	"job_plugins",
	"jobs",
	"parameters",
	"plugin_configs",
	"python_modules",
	"user_domain_wildcard_event_analyzables",
	"user_ip_wildcard_event_analyzables",
	"user_analyzable_events",
	"user_domain_wildcard_events",
	"user_ip_wildcard_events",
	"domain_data_models",
	"ip_data_models",
	"file_data_models",
	"analyzables",
	"memberships",
	"organizations",
	"users",
}
