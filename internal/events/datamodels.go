package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Ashfaaq98/intelcore/internal/store"
)

// DataModelKind names the concrete data model table.
type DataModelKind string

const (
	DataModelDomain DataModelKind = "domain"
	DataModelIP     DataModelKind = "ip"
	DataModelFile   DataModelKind = "file"
)

// DefaultReliability is the reliability given to data models created without one.
const DefaultReliability = 5

func (k DataModelKind) table() (string, error) {
	switch k {
	case DataModelDomain:
		return "domain_data_models", nil
	case DataModelIP:
		return "ip_data_models", nil
	case DataModelFile:
		return "file_data_models", nil
	}
	return "", fmt.Errorf("unknown data model kind %q", k)
}

// DataModelKindFor returns the data model kind used for an analyzable classification.
func DataModelKindFor(c store.Classification) DataModelKind {
	switch c {
	case store.ClassificationIP:
		return DataModelIP
	case store.ClassificationHash:
		return DataModelFile
	}
	return DataModelDomain
}

// DataModel is the evaluation attached to an event. Reliability only goes down.
type DataModel struct {
	ID          int64         `json:"id"`
	Kind        DataModelKind `json:"kind"`
	Evaluation  string        `json:"evaluation"`
	Reliability int           `json:"reliability"`
	Tags        []string      `json:"tags"`
}

// DataModelInput describes the data model created together with an event.
type DataModelInput struct {
	Evaluation  string
	Reliability int
	Tags        []string
}

func createDataModel(ctx context.Context, q store.Querier, kind DataModelKind, in DataModelInput) (*DataModel, error) {
	table, err := kind.table()
	if err != nil {
		return nil, err
	}
	if in.Reliability < 0 {
		return nil, fmt.Errorf("reliability must not be negative, got %d", in.Reliability)
	}
	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO `+table+` (evaluation, reliability, tags, created_at) VALUES (?, ?, ?, ?)`,
		in.Evaluation, in.Reliability, string(tagsJSON), time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert %s data model: %w", kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read data model id: %w", err)
	}
	return &DataModel{ID: id, Kind: kind, Evaluation: in.Evaluation, Reliability: in.Reliability, Tags: tags}, nil
}

func getDataModel(ctx context.Context, q store.Querier, kind DataModelKind, id int64) (*DataModel, error) {
	table, err := kind.table()
	if err != nil {
		return nil, err
	}
	dm := DataModel{ID: id, Kind: kind}
	var tags string
	err = q.QueryRowContext(ctx, `SELECT evaluation, reliability, tags FROM `+table+` WHERE id = ?`, id).
		Scan(&dm.Evaluation, &dm.Reliability, &tags)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s data model %d: %w", kind, id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query %s data model %d: %w", kind, id, err)
	}
	if err := json.Unmarshal([]byte(tags), &dm.Tags); err != nil {
		dm.Tags = []string{}
	}
	return &dm, nil
}

// reliabilities loads the current reliability of the given data models.
func reliabilities(ctx context.Context, q store.Querier, kind DataModelKind, ids []int64) (map[int64]int, error) {
	table, err := kind.table()
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, reliability FROM `+table+` WHERE id IN (`+store.Placeholders(len(ids))+`)`,
		store.Int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s reliabilities: %w", kind, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var rel int
		if err := rows.Scan(&id, &rel); err != nil {
			return nil, fmt.Errorf("failed to scan reliability: %w", err)
		}
		out[id] = rel
	}
	return out, rows.Err()
}
