// Package events implements decaying user events: analyzable-linked events and
// standing wildcard rules over domains and IP ranges. Each event carries a data
// model whose reliability is lowered by Decay until the event goes dormant.
package events

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/Ashfaaq98/intelcore/internal/logging"
	"github.com/Ashfaaq98/intelcore/internal/store"
)

var (
	ErrInvalidIPRange   = errors.New("invalid ip range")
	ErrInvalidPattern   = errors.New("invalid domain pattern")
	ErrMissingDataModel = errors.New("event has no data model")
	ErrUnknownKind      = errors.New("unknown event kind")
)

// DecayProgression controls how next_decay moves after each decay.
type DecayProgression int

const (
	Linear DecayProgression = iota
	InverseExponential
	Fixed
)

func (p DecayProgression) String() string {
	switch p {
	case Linear:
		return "linear"
	case InverseExponential:
		return "inverse_exponential"
	case Fixed:
		return "fixed"
	}
	return fmt.Sprintf("progression(%d)", int(p))
}

// ParseDecayProgression accepts the names returned by String.
func ParseDecayProgression(s string) (DecayProgression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linear":
		return Linear, nil
	case "inverse_exponential", "inverse-exponential", "exponential":
		return InverseExponential, nil
	case "fixed":
		return Fixed, nil
	}
	return 0, fmt.Errorf("unknown decay progression %q", s)
}

// Kind tags the concrete event variant and selects its storage table.
type Kind string

const (
	KindAnalyzable     Kind = "analyzable"
	KindDomainWildcard Kind = "domain_wildcard"
	KindIPWildcard     Kind = "ip_wildcard"
)

// Kinds lists every event variant in decay order.
var Kinds = []Kind{KindAnalyzable, KindDomainWildcard, KindIPWildcard}

// ParseKind maps CLI names ("analyzable", "domain", "ip") to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "analyzable":
		return KindAnalyzable, nil
	case "domain", "domain_wildcard":
		return KindDomainWildcard, nil
	case "ip", "ip_wildcard":
		return KindIPWildcard, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

type eventTable struct {
	name      string
	joinTable string
	extra     []string
}

var tables = map[Kind]eventTable{
	KindAnalyzable: {
		name:  "user_analyzable_events",
		extra: []string{"analyzable_id"},
	},
	KindDomainWildcard: {
		name:      "user_domain_wildcard_events",
		joinTable: "user_domain_wildcard_event_analyzables",
		extra:     []string{"query"},
	},
	KindIPWildcard: {
		name:      "user_ip_wildcard_events",
		joinTable: "user_ip_wildcard_event_analyzables",
		extra:     []string{"network", "start_ip", "end_ip"},
	},
}

const eventColumns = `id, user_id, date, decay_progression, decay_timedelta_days, decay_times, next_decay, data_model_kind, data_model_id`

func (t eventTable) columns() string {
	return eventColumns + ", " + strings.Join(t.extra, ", ")
}

// Event is one row of any event variant. Fields that do not apply to the
// variant are left at their zero value.
type Event struct {
	ID     int64 `json:"id"`
	Kind   Kind  `json:"kind"`
	UserID int64 `json:"user_id"`

	Date               time.Time        `json:"date"`
	DecayProgression   DecayProgression `json:"decay_progression"`
	DecayTimedeltaDays int              `json:"decay_timedelta_days"`
	DecayTimes         int              `json:"decay_times"`
	NextDecay          *time.Time       `json:"next_decay,omitempty"`

	DataModelKind DataModelKind `json:"data_model_kind"`
	DataModelID   *int64        `json:"data_model_id,omitempty"`
	DataModel     *DataModel    `json:"data_model,omitempty"`

	// analyzable events
	AnalyzableID int64 `json:"analyzable_id,omitempty"`

	// domain wildcards
	Query string `json:"query,omitempty"`

	// ip wildcards
	Network string `json:"network,omitempty"`
	StartIP string `json:"start_ip,omitempty"`
	EndIP   string `json:"end_ip,omitempty"`

	// wildcard matches
	AnalyzableIDs []int64 `json:"analyzable_ids,omitempty"`
}

// Dormant reports whether the event will never be decayed again.
func (e *Event) Dormant() bool {
	return e.NextDecay == nil
}

// Filter narrows the events an operation applies to. The zero Filter selects all events.
type Filter struct {
	UserIDs []int64
	IDs     []int64
}

func (f Filter) where(clauses []string, args []any) ([]string, []any) {
	if f.UserIDs != nil {
		if len(f.UserIDs) == 0 {
			clauses = append(clauses, "0")
		} else {
			clauses = append(clauses, "user_id IN ("+store.Placeholders(len(f.UserIDs))+")")
			args = append(args, store.Int64Args(f.UserIDs)...)
		}
	}
	if f.IDs != nil {
		if len(f.IDs) == 0 {
			clauses = append(clauses, "0")
		} else {
			clauses = append(clauses, "id IN ("+store.Placeholders(len(f.IDs))+")")
			args = append(args, store.Int64Args(f.IDs)...)
		}
	}
	return clauses, args
}

const regexCacheSize = 1024

// Repository owns the event tables.
type Repository struct {
	store   *store.Store
	logger  *zap.Logger
	regexes *lru.Cache[string, *regexp.Regexp]
	now     func() time.Time
}

// NewRepository creates a repository on top of s. A nil logger disables logging.
func NewRepository(s *store.Store, logger *zap.Logger) *Repository {
	cache, _ := lru.New[string, *regexp.Regexp](regexCacheSize)
	return &Repository{
		store:   s,
		logger:  logging.OrNop(logger),
		regexes: cache,
		now:     time.Now,
	}
}

// WithClock replaces the time source used for decay eligibility and defaults.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

func (r *Repository) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := r.regexes.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}
	r.regexes.Add(pattern, re)
	return re, nil
}
