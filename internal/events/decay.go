package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Ashfaaq98/intelcore/internal/metrics"
	"github.com/Ashfaaq98/intelcore/internal/store"
)

// maxDecayDays caps a single inverse exponential step at roughly a century.
const maxDecayDays = 100 * 365

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// decayStep returns the number of days to add after the decay that brought the
// event to decayTimes.
func decayStep(p DecayProgression, timedeltaDays, decayTimes int) int {
	switch p {
	case Linear:
		return timedeltaDays
	case InverseExponential:
		return saturatingPow(timedeltaDays, decayTimes+1, maxDecayDays)
	}
	return 0
}

func saturatingPow(base, exp, limit int) int {
	result := 1
	for i := 0; i < exp; i++ {
		if base != 0 && result > limit/base {
			return limit
		}
		result *= base
	}
	if result > limit {
		return limit
	}
	return result
}

type dmKey struct {
	kind DataModelKind
	id   int64
}

// decay ages every eligible event of kind selected by f inside one
// transaction and returns how many were decayed.
func (r *Repository) decay(ctx context.Context, kind Kind, f Filter) (int, error) {
	t := tables[kind]
	now := r.now()

	clauses, args := f.where(
		[]string{"decay_progression != ?", "next_decay IS NOT NULL", "next_decay <= ?"},
		[]any{int(Fixed), now.Unix()},
	)
	query := `SELECT ` + t.columns() + ` FROM ` + t.name + whereSQL(clauses) + ` ORDER BY id`

	var decayed int
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		evs, err := loadEvents(ctx, tx, kind, query, args...)
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			return nil
		}

		// current reliability per data model, grouped by concrete kind
		idsByKind := map[DataModelKind][]int64{}
		for _, ev := range evs {
			if ev.DataModelID != nil {
				idsByKind[ev.DataModelKind] = append(idsByKind[ev.DataModelKind], *ev.DataModelID)
			}
		}
		current := map[dmKey]int{}
		for dk, ids := range idsByKind {
			rels, err := reliabilities(ctx, tx, dk, ids)
			if err != nil {
				return err
			}
			for id, rel := range rels {
				current[dmKey{dk, id}] = rel
			}
		}

		var (
			eventIDs    = make([]int64, 0, len(evs))
			decayTimes  = make([]any, 0, len(evs))
			nextDecays  = make([]any, 0, len(evs))
			touched     = map[dmKey]bool{}
			touchedList []dmKey
		)
		for _, ev := range evs {
			ev.DecayTimes++

			key := dmKey{}
			rel, hasModel := 0, false
			if ev.DataModelID != nil {
				key = dmKey{ev.DataModelKind, *ev.DataModelID}
				rel, hasModel = current[key]
			}
			if hasModel {
				if rel > 0 {
					rel--
				}
				current[key] = rel
				if !touched[key] {
					touched[key] = true
					touchedList = append(touchedList, key)
				}
			}

			if !hasModel || rel == 0 {
				ev.NextDecay = nil
			} else {
				next := ev.NextDecay.Add(days(decayStep(ev.DecayProgression, ev.DecayTimedeltaDays, ev.DecayTimes)))
				ev.NextDecay = &next
			}

			eventIDs = append(eventIDs, ev.ID)
			decayTimes = append(decayTimes, ev.DecayTimes)
			nextDecays = append(nextDecays, store.UnixOrNull(ev.NextDecay))
		}

		modelIDs := map[DataModelKind][]int64{}
		modelRels := map[DataModelKind][]any{}
		for _, key := range touchedList {
			modelIDs[key.kind] = append(modelIDs[key.kind], key.id)
			modelRels[key.kind] = append(modelRels[key.kind], current[key])
		}
		for dk, ids := range modelIDs {
			table, err := dk.table()
			if err != nil {
				return err
			}
			if err := store.BulkUpdate(ctx, tx, table, ids, map[string][]any{"reliability": modelRels[dk]}); err != nil {
				return err
			}
		}
		if err := store.BulkUpdate(ctx, tx, t.name, eventIDs, map[string][]any{
			"decay_times": decayTimes,
			"next_decay":  nextDecays,
		}); err != nil {
			return err
		}
		decayed = len(evs)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("decay %s events: %w", kind, err)
	}
	if decayed > 0 {
		metrics.DecayedEvents.WithLabelValues(string(kind)).Add(float64(decayed))
		r.logger.Info("events decayed", zap.String("kind", string(kind)), zap.Int("count", decayed))
	}
	return decayed, nil
}
