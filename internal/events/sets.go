package events

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"github.com/Ashfaaq98/intelcore/internal/metrics"
	"github.com/Ashfaaq98/intelcore/internal/store"
)

// EventSet is a filtered collection of events of one variant.
type EventSet interface {
	Kind() Kind
	// Decay ages every eligible event of the set and returns the count.
	Decay(ctx context.Context) (int, error)
	// Matches returns the events of the set that apply to the analyzable.
	Matches(ctx context.Context, a store.Analyzable) ([]Event, error)
}

// Set returns the EventSet of kind restricted by f.
func (r *Repository) Set(kind Kind, f Filter) (EventSet, error) {
	switch kind {
	case KindAnalyzable:
		return &AnalyzableEvents{repo: r, filter: f}, nil
	case KindDomainWildcard:
		return &DomainWildcards{repo: r, filter: f}, nil
	case KindIPWildcard:
		return &IPWildcards{repo: r, filter: f}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// VisibleForUser returns the filter selecting events owned by userID or by any
// member of the user's organization.
func (r *Repository) VisibleForUser(ctx context.Context, userID int64) (Filter, error) {
	ids, err := store.VisibleUserIDs(ctx, r.store.DB(), userID)
	if err != nil {
		return Filter{}, err
	}
	return Filter{UserIDs: ids}, nil
}

// AnalyzableEvents are events bound to a single analyzable.
type AnalyzableEvents struct {
	repo   *Repository
	filter Filter
}

func (s *AnalyzableEvents) Kind() Kind { return KindAnalyzable }

func (s *AnalyzableEvents) Decay(ctx context.Context) (int, error) {
	return s.repo.decay(ctx, KindAnalyzable, s.filter)
}

func (s *AnalyzableEvents) Matches(ctx context.Context, a store.Analyzable) ([]Event, error) {
	t := tables[KindAnalyzable]
	clauses, args := s.filter.where([]string{"analyzable_id = ?"}, []any{a.ID})
	return loadEvents(ctx, s.repo.store.DB(), KindAnalyzable,
		`SELECT `+t.columns()+` FROM `+t.name+whereSQL(clauses)+` ORDER BY id`, args...)
}

var domainClasses = []store.Classification{store.ClassificationDomain, store.ClassificationURL}

// DomainWildcards are regex rules over domain and URL names.
type DomainWildcards struct {
	repo   *Repository
	filter Filter
}

func (s *DomainWildcards) Kind() Kind { return KindDomainWildcard }

func (s *DomainWildcards) Decay(ctx context.Context) (int, error) {
	return s.repo.decay(ctx, KindDomainWildcard, s.filter)
}

// Matches returns the rules whose pattern matches anywhere in the analyzable
// name, ignoring case. Analyzables that are neither domains nor URLs never match.
func (s *DomainWildcards) Matches(ctx context.Context, a store.Analyzable) ([]Event, error) {
	if a.Classification != store.ClassificationDomain && a.Classification != store.ClassificationURL {
		return nil, nil
	}
	t := tables[KindDomainWildcard]
	clauses, args := s.filter.where(nil, nil)
	rules, err := loadEvents(ctx, s.repo.store.DB(), KindDomainWildcard,
		`SELECT `+t.columns()+` FROM `+t.name+whereSQL(clauses)+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, ev := range rules {
		re, err := s.repo.compile(ev.Query)
		if err != nil {
			s.repo.logger.Warn("skipping wildcard with invalid pattern",
				zap.Int64("event_id", ev.ID), zap.Error(err))
			continue
		}
		if re.MatchString(a.Name) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// IPWildcards are inclusive IP range rules.
type IPWildcards struct {
	repo   *Repository
	filter Filter
}

func (s *IPWildcards) Kind() Kind { return KindIPWildcard }

func (s *IPWildcards) Decay(ctx context.Context) (int, error) {
	return s.repo.decay(ctx, KindIPWildcard, s.filter)
}

// Matches returns the rules whose range contains the analyzable address. Only
// IP analyzables with a parseable name can match.
func (s *IPWildcards) Matches(ctx context.Context, a store.Analyzable) ([]Event, error) {
	if a.Classification != store.ClassificationIP {
		return nil, nil
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(a.Name))
	if err != nil {
		return nil, nil
	}
	addr = addr.Unmap()
	family := 6
	if addr.Is4() {
		family = 4
	}
	key := ipKey(addr)

	t := tables[KindIPWildcard]
	clauses, args := s.filter.where(
		[]string{"ip_family = ?", "start_key <= ?", "end_key >= ?"},
		[]any{family, key, key},
	)
	return loadEvents(ctx, s.repo.store.DB(), KindIPWildcard,
		`SELECT `+t.columns()+` FROM `+t.name+whereSQL(clauses)+` ORDER BY id`, args...)
}

// AttachMatches links a newly observed analyzable to every wildcard rule that
// matches it and returns the number of new links.
func (r *Repository) AttachMatches(ctx context.Context, a store.Analyzable) (int, error) {
	var attached int
	for _, kind := range []Kind{KindDomainWildcard, KindIPWildcard} {
		set, err := r.Set(kind, Filter{})
		if err != nil {
			return attached, err
		}
		rules, err := set.Matches(ctx, a)
		if err != nil {
			return attached, err
		}
		if len(rules) == 0 {
			continue
		}
		join := tables[kind].joinTable
		err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
			for _, ev := range rules {
				res, err := tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO `+join+` (event_id, analyzable_id) VALUES (?, ?)`, ev.ID, a.ID)
				if err != nil {
					return fmt.Errorf("failed to attach analyzable %d to event %d: %w", a.ID, ev.ID, err)
				}
				n, err := res.RowsAffected()
				if err != nil {
					return err
				}
				attached += int(n)
			}
			return nil
		})
		if err != nil {
			return attached, err
		}
	}
	if attached > 0 {
		metrics.WildcardAttachments.Add(float64(attached))
		r.logger.Debug("analyzable attached to wildcards",
			zap.String("analyzable", a.Name), zap.Int("attached", attached))
	}
	return attached, nil
}

// DecayAll runs Decay on every event kind and returns the counts per kind.
func (r *Repository) DecayAll(ctx context.Context, f Filter) (map[Kind]int, error) {
	counts := make(map[Kind]int, len(Kinds))
	for _, kind := range Kinds {
		set, err := r.Set(kind, f)
		if err != nil {
			return counts, err
		}
		n, err := set.Decay(ctx)
		if err != nil {
			return counts, err
		}
		counts[kind] = n
	}
	return counts, nil
}
