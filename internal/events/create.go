package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Ashfaaq98/intelcore/internal/store"
)

// EventParams holds the fields shared by every event variant.
type EventParams struct {
	UserID             int64
	Date               time.Time // zero means now
	DecayProgression   DecayProgression
	DecayTimedeltaDays int
	DataModel          *DataModelInput
}

func (p *EventParams) validate() error {
	if p.DataModel == nil {
		return ErrMissingDataModel
	}
	if p.DecayTimedeltaDays < 0 {
		return fmt.Errorf("decay timedelta must not be negative, got %d", p.DecayTimedeltaDays)
	}
	switch p.DecayProgression {
	case Linear, InverseExponential, Fixed:
	default:
		return fmt.Errorf("unknown decay progression %d", p.DecayProgression)
	}
	return nil
}

// firstDecay is set only for events that start with a nonzero reliability.
func (p *EventParams) firstDecay(reliability int) *time.Time {
	if reliability == 0 {
		return nil
	}
	next := p.Date.Add(days(p.DecayTimedeltaDays))
	return &next
}

func (r *Repository) prepare(p *EventParams) error {
	if err := p.validate(); err != nil {
		return err
	}
	if p.Date.IsZero() {
		p.Date = r.now()
	}
	p.Date = time.Unix(p.Date.Unix(), 0).UTC()
	return nil
}

// insertEvent writes the shared columns plus the variant columns in cols/vals.
func insertEvent(ctx context.Context, q store.Querier, kind Kind, p EventParams, dm *DataModel, cols []string, vals []any) (*Event, error) {
	t := tables[kind]
	ev := &Event{
		Kind:               kind,
		UserID:             p.UserID,
		Date:               p.Date,
		DecayProgression:   p.DecayProgression,
		DecayTimedeltaDays: p.DecayTimedeltaDays,
		NextDecay:          p.firstDecay(dm.Reliability),
		DataModelKind:      dm.Kind,
		DataModelID:        &dm.ID,
		DataModel:          dm,
	}

	columns := []string{"user_id", "date", "decay_progression", "decay_timedelta_days", "decay_times", "next_decay", "data_model_kind", "data_model_id"}
	args := []any{ev.UserID, ev.Date.Unix(), int(ev.DecayProgression), ev.DecayTimedeltaDays, 0, store.UnixOrNull(ev.NextDecay), string(dm.Kind), dm.ID}
	columns = append(columns, cols...)
	args = append(args, vals...)

	query := `INSERT INTO ` + t.name + ` (`
	for i, c := range columns {
		if i > 0 {
			query += ", "
		}
		query += c
	}
	query += `) VALUES (` + store.Placeholders(len(columns)) + `)`

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert %s event: %w", kind, err)
	}
	if ev.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read event id: %w", err)
	}
	return ev, nil
}

// AnalyzableEventParams creates an event bound to one analyzable.
type AnalyzableEventParams struct {
	EventParams
	AnalyzableID int64
}

// CreateAnalyzableEvent stores a user event about an analyzable. Its data model
// kind follows the analyzable's classification.
func (r *Repository) CreateAnalyzableEvent(ctx context.Context, p AnalyzableEventParams) (*Event, error) {
	if err := r.prepare(&p.EventParams); err != nil {
		return nil, err
	}
	var ev *Event
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		var class string
		err := tx.QueryRowContext(ctx, `SELECT classification FROM analyzables WHERE id = ?`, p.AnalyzableID).Scan(&class)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("analyzable %d: %w", p.AnalyzableID, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load analyzable %d: %w", p.AnalyzableID, err)
		}
		dm, err := createDataModel(ctx, tx, DataModelKindFor(store.Classification(class)), *p.DataModel)
		if err != nil {
			return err
		}
		ev, err = insertEvent(ctx, tx, KindAnalyzable, p.EventParams, dm, []string{"analyzable_id"}, []any{p.AnalyzableID})
		if err != nil {
			return err
		}
		ev.AnalyzableID = p.AnalyzableID
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("analyzable event created",
		zap.Int64("event_id", ev.ID), zap.Int64("analyzable_id", ev.AnalyzableID), zap.Int64("user_id", ev.UserID))
	return ev, nil
}

// DomainWildcardParams creates a rule matching domain and URL analyzables by regex.
type DomainWildcardParams struct {
	EventParams
	Query string
}

// CreateDomainWildcard stores the rule and attaches every existing domain or
// URL analyzable whose name matches it.
func (r *Repository) CreateDomainWildcard(ctx context.Context, p DomainWildcardParams) (*Event, error) {
	if err := r.prepare(&p.EventParams); err != nil {
		return nil, err
	}
	if p.Query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidPattern)
	}
	re, err := r.compile(p.Query)
	if err != nil {
		return nil, err
	}

	var ev *Event
	err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
		dm, err := createDataModel(ctx, tx, DataModelDomain, *p.DataModel)
		if err != nil {
			return err
		}
		ev, err = insertEvent(ctx, tx, KindDomainWildcard, p.EventParams, dm, []string{"query"}, []any{p.Query})
		if err != nil {
			return err
		}
		ev.Query = p.Query

		candidates, err := store.ListAnalyzablesByClassification(ctx, tx, domainClasses...)
		if err != nil {
			return err
		}
		for _, a := range candidates {
			if re.MatchString(a.Name) {
				ev.AnalyzableIDs = append(ev.AnalyzableIDs, a.ID)
			}
		}
		return attach(ctx, tx, tables[KindDomainWildcard].joinTable, ev.ID, ev.AnalyzableIDs)
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("domain wildcard created",
		zap.Int64("event_id", ev.ID), zap.String("query", ev.Query), zap.Int("attached", len(ev.AnalyzableIDs)))
	return ev, nil
}

// IPWildcardParams creates a rule over an inclusive IP range. Either Network
// (CIDR) or both StartIP and EndIP must be set.
type IPWildcardParams struct {
	EventParams
	Network string
	StartIP string
	EndIP   string
}

// CreateIPWildcard stores the rule and attaches every existing IP analyzable
// inside the range. Inverted or mixed-family ranges are rejected.
func (r *Repository) CreateIPWildcard(ctx context.Context, p IPWildcardParams) (*Event, error) {
	if err := r.prepare(&p.EventParams); err != nil {
		return nil, err
	}
	rng, err := resolveRange(p.Network, p.StartIP, p.EndIP)
	if err != nil {
		return nil, err
	}

	var ev *Event
	err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
		dm, err := createDataModel(ctx, tx, DataModelIP, *p.DataModel)
		if err != nil {
			return err
		}
		ev, err = insertEvent(ctx, tx, KindIPWildcard, p.EventParams, dm,
			[]string{"network", "start_ip", "end_ip", "ip_family", "start_key", "end_key"},
			[]any{rng.network, rng.start.String(), rng.end.String(), rng.family(), ipKey(rng.start), ipKey(rng.end)})
		if err != nil {
			return err
		}
		ev.Network, ev.StartIP, ev.EndIP = rng.network, rng.start.String(), rng.end.String()

		candidates, err := store.ListAnalyzablesByClassification(ctx, tx, store.ClassificationIP)
		if err != nil {
			return err
		}
		for _, a := range candidates {
			if rng.contains(a.Name) {
				ev.AnalyzableIDs = append(ev.AnalyzableIDs, a.ID)
			}
		}
		return attach(ctx, tx, tables[KindIPWildcard].joinTable, ev.ID, ev.AnalyzableIDs)
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("ip wildcard created",
		zap.Int64("event_id", ev.ID), zap.String("start_ip", ev.StartIP), zap.String("end_ip", ev.EndIP),
		zap.Int("attached", len(ev.AnalyzableIDs)))
	return ev, nil
}

// attachChunk keeps each insert below SQLite's host parameter limit.
const attachChunk = 400

func attach(ctx context.Context, q store.Querier, joinTable string, eventID int64, analyzableIDs []int64) error {
	for start := 0; start < len(analyzableIDs); start += attachChunk {
		end := start + attachChunk
		if end > len(analyzableIDs) {
			end = len(analyzableIDs)
		}
		query := `INSERT OR IGNORE INTO ` + joinTable + ` (event_id, analyzable_id) VALUES `
		args := make([]any, 0, 2*(end-start))
		for i, id := range analyzableIDs[start:end] {
			if i > 0 {
				query += ", "
			}
			query += "(?, ?)"
			args = append(args, eventID, id)
		}
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to attach analyzables to event %d: %w", eventID, err)
		}
	}
	return nil
}

// Get returns one event with its data model and, for wildcards, its attached analyzables.
func (r *Repository) Get(ctx context.Context, kind Kind, id int64) (*Event, error) {
	t, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	q := r.store.DB()
	evs, err := loadEvents(ctx, q, kind, `SELECT `+t.columns()+` FROM `+t.name+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, fmt.Errorf("%s event %d: %w", kind, id, store.ErrNotFound)
	}
	ev := &evs[0]
	if ev.DataModelID != nil {
		if ev.DataModel, err = getDataModel(ctx, q, ev.DataModelKind, *ev.DataModelID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if t.joinTable != "" {
		if ev.AnalyzableIDs, err = attachedIDs(ctx, q, t.joinTable, ev.ID); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// List returns the events of a kind selected by f, ordered by id.
func (r *Repository) List(ctx context.Context, kind Kind, f Filter) ([]Event, error) {
	t, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	clauses, args := f.where(nil, nil)
	return loadEvents(ctx, r.store.DB(), kind, `SELECT `+t.columns()+` FROM `+t.name+whereSQL(clauses)+` ORDER BY id`, args...)
}

func attachedIDs(ctx context.Context, q store.Querier, joinTable string, eventID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT analyzable_id FROM `+joinTable+` WHERE event_id = ? ORDER BY analyzable_id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attached analyzables: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan analyzable id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func whereSQL(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	s := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		s += " AND " + c
	}
	return s
}

// loadEvents runs query (which must select tables[kind].columns()) and scans every row.
func loadEvents(ctx context.Context, q store.Querier, kind Kind, query string, args ...any) ([]Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s events: %w", kind, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev          = Event{Kind: kind}
			date        int64
			progression int
			next        sql.NullInt64
			dmKind      string
			dmID        sql.NullInt64
		)
		dest := []any{&ev.ID, &ev.UserID, &date, &progression, &ev.DecayTimedeltaDays, &ev.DecayTimes, &next, &dmKind, &dmID}
		switch kind {
		case KindAnalyzable:
			dest = append(dest, &ev.AnalyzableID)
		case KindDomainWildcard:
			dest = append(dest, &ev.Query)
		case KindIPWildcard:
			dest = append(dest, &ev.Network, &ev.StartIP, &ev.EndIP)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s event: %w", kind, err)
		}
		ev.Date = time.Unix(date, 0).UTC()
		ev.DecayProgression = DecayProgression(progression)
		ev.NextDecay = store.TimeFromNull(next)
		ev.DataModelKind = DataModelKind(dmKind)
		if dmID.Valid {
			id := dmID.Int64
			ev.DataModelID = &id
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s events: %w", kind, err)
	}
	return out, nil
}
