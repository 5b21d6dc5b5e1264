package plugins

import (
	"context"
	"fmt"

	"github.com/Ashfaaq98/intelcore/internal/jobs"
	"github.com/Ashfaaq98/intelcore/internal/store"
)

// PivotsToExecute returns the enabled pivots whose related analyzers, or
// related connectors, are a non-empty subset of the plugins scheduled for job.
func (r *Repository) PivotsToExecute(ctx context.Context, jobID int64) ([]Config, error) {
	q := r.store.DB()
	scheduledIDs, err := jobs.PluginsToExecute(ctx, q, jobID)
	if err != nil {
		return nil, err
	}
	scheduled := make(map[int64]bool, len(scheduledIDs))
	for _, id := range scheduledIDs {
		scheduled[id] = true
	}

	pivots, err := queryConfigs(ctx, q, ` WHERE c.type = ? AND c.disabled = 0`, string(TypePivot))
	if err != nil {
		return nil, err
	}
	var out []Config
	for _, p := range pivots {
		related, err := relatedByType(ctx, q, p.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range []Type{TypeAnalyzer, TypeConnector} {
			if subset(related[t], scheduled) {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

func relatedByType(ctx context.Context, q store.Querier, pivotID int64) (map[Type][]int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT c.id, c.type FROM pivot_related_configs r JOIN plugin_configs c ON c.id = r.related_config_id
		 WHERE r.pivot_id = ? ORDER BY c.id`, pivotID)
	if err != nil {
		return nil, fmt.Errorf("failed to query related configs of pivot %d: %w", pivotID, err)
	}
	defer rows.Close()
	out := map[Type][]int64{}
	for rows.Next() {
		var id int64
		var t string
		if err := rows.Scan(&id, &t); err != nil {
			return nil, fmt.Errorf("failed to scan related config: %w", err)
		}
		out[Type(t)] = append(out[Type(t)], id)
	}
	return out, rows.Err()
}

func subset(ids []int64, of map[int64]bool) bool {
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		if !of[id] {
			return false
		}
	}
	return true
}
