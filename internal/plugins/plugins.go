// Package plugins resolves plugin configuration for users and turns runnable
// configs into signatures for the task workers.
package plugins

import (
	"errors"
	"fmt"
	"time"
)

// Type is the plugin family of a config.
type Type string

const (
	TypeAnalyzer   Type = "analyzer"
	TypeConnector  Type = "connector"
	TypeVisualizer Type = "visualizer"
	TypePivot      Type = "pivot"
)

func (t Type) Valid() bool {
	switch t {
	case TypeAnalyzer, TypeConnector, TypeVisualizer, TypePivot:
		return true
	}
	return false
}

// DefaultRoutingKey is the queue used when a config names an unknown queue.
const DefaultRoutingKey = "default"

// Module is the implementation a config runs.
type Module struct {
	ID       int64  `json:"id"`
	BasePath string `json:"base_path"`
	Module   string `json:"module"`
}

// Path is the dotted import path of the module.
func (m Module) Path() string {
	return m.BasePath + "." + m.Module
}

// Config is a named, configured instance of a module.
type Config struct {
	ID            int64  `json:"id"`
	Type          Type   `json:"type"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	ModuleID      int64  `json:"python_module_id"`
	ModulePath    string `json:"module"`
	Disabled      bool   `json:"disabled"`
	RoutingKey    string `json:"routing_key"`
	SoftTimeLimit int    `json:"soft_time_limit"`

	// Runnable is set by Resolver.AnnotateRunnable for one user.
	Runnable *bool `json:"runnable,omitempty"`
}

// Parameter is a setting declared by a module.
type Parameter struct {
	ID          int64  `json:"id"`
	ModuleID    int64  `json:"python_module_id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	IsSecret    bool   `json:"is_secret"`
	Required    bool   `json:"required"`
}

// Value is a stored parameter value. A nil OwnerID marks the default value;
// ForOrganization marks a value shared with the owner's organization.
type Value struct {
	ID              int64       `json:"id"`
	ParameterID     int64       `json:"parameter_id"`
	ConfigID        int64       `json:"plugin_config_id"`
	OwnerID         *int64      `json:"owner_id,omitempty"`
	ForOrganization bool        `json:"for_organization"`
	Value           interface{} `json:"value"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// OrgConfig holds an organization's overrides for a config.
type OrgConfig struct {
	OrganizationID   int64         `json:"organization_id"`
	ConfigID         int64         `json:"plugin_config_id"`
	Disabled         bool          `json:"disabled"`
	RateLimitTimeout time.Duration `json:"rate_limit_timeout"`
	RateLimitUntil   *time.Time    `json:"rate_limit_until,omitempty"`
}

// Environment carries deployment flags that change resolution.
type Environment struct {
	// StageCI accepts any stored value for a required parameter.
	StageCI bool
	// Queues lists the known routing keys; empty accepts every key.
	Queues []string
}

var (
	ErrPluginDisabled          = errors.New("plugin is disabled")
	ErrNotRunnable             = errors.New("plugin is not runnable")
	ErrParameterNotConfigured  = errors.New("required parameter is not configured")
	ErrNotAnnotated            = errors.New("configs must be annotated with AnnotateRunnable first")
	ErrNotFound                = errors.New("plugin config not found")
	ErrRateLimitTimeoutMissing = errors.New("rate limit timeout is not set")
)

// SkipError tells the caller to leave the plugin out of this run.
type SkipError struct {
	Plugin string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("plugin %s is disabled, skipping", e.Plugin)
}

func (e *SkipError) Unwrap() error { return ErrPluginDisabled }

// RunnableError reports an enabled plugin that cannot run for a user, which
// points at a configuration problem.
type RunnableError struct {
	Plugin string
	User   int64
	Err    error
}

func (e *RunnableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plugin %s is not runnable for user %d: %v", e.Plugin, e.User, e.Err)
	}
	return fmt.Sprintf("plugin %s is not runnable for user %d", e.Plugin, e.User)
}

func (e *RunnableError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrNotRunnable, e.Err}
	}
	return []error{ErrNotRunnable}
}

// ParameterError names a required parameter without a value for the user.
type ParameterError struct {
	Parameter string
	Plugin    string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("required parameter %s of plugin %s is not configured", e.Parameter, e.Plugin)
}

func (e *ParameterError) Unwrap() error { return ErrParameterNotConfigured }
