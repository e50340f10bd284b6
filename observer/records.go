package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dcshock/contentpipe/pipeline"
)

// Saver assigns durable ids to items and stores them.
type Saver interface {
	Save(ctx context.Context, items []*pipeline.Item) ([]*pipeline.Item, error)
}

// Store is implemented by SQLStore and PgStore.
type Store interface {
	pipeline.Observer
	Saver
	Migrate(ctx context.Context) error
	Run(ctx context.Context, runID string) (RunRecord, error)
	StageRuns(ctx context.Context, runID string) ([]StageRun, error)
	Item(ctx context.Context, durableID string) (*pipeline.Item, error)
	Close() error
}

// Run statuses.
const (
	RunRunning  = "running"
	RunFinished = "finished"
)

// RunRecord is one content_run row.
type RunRecord struct {
	RunID      string
	Plan       string
	Status     string
	Items      int
	Counts     map[pipeline.Status]int
	Tokens     int64
	Iterations int
	StartedAt  time.Time
	FinishedAt *time.Time
}

// StageRun is one content_run_stage row.
type StageRun struct {
	RunID      string
	Cursor     int
	Visit      int
	Stage      string
	Status     string
	Eligible   int
	Partitions int
	Failed     int
	Redirected int
	Exhausted  int
	Statuses   map[pipeline.Status]int
	Error      string
	Duration   time.Duration
}

// NotFoundError is returned by the readers when no row matches.
type NotFoundError struct {
	Kind, ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("observer: %s %q not found", e.Kind, e.ID) }

// itemRow is the column form of an item.
type itemRow struct {
	DurableID string
	TempID    string
	RunID     string
	Status    string
	Payload   []byte
	Findings  []byte
	Audit     []byte
	Tokens    int64
}

// prepareSave clones items, assigns missing durable ids and encodes rows.
func prepareSave(ctx context.Context, items []*pipeline.Item) ([]*pipeline.Item, []itemRow, error) {
	runID := ""
	if meta, ok := pipeline.StageFromContext(ctx); ok {
		runID = meta.RunID
	}
	out := make([]*pipeline.Item, len(items))
	rows := make([]itemRow, len(items))
	for i, in := range items {
		it := in.Clone()
		if it.DurableID == "" {
			it.DurableID = uuid.NewString()
		}
		row, err := encodeItem(it, runID)
		if err != nil {
			return nil, nil, err
		}
		out[i], rows[i] = it, row
	}
	return out, rows, nil
}

func encodeItem(it *pipeline.Item, runID string) (itemRow, error) {
	payload, err := json.Marshal(it.Payload)
	if err != nil {
		return itemRow{}, fmt.Errorf("marshal payload of %s: %w", it.TempID, err)
	}
	findings, err := json.Marshal(it.Findings)
	if err != nil {
		return itemRow{}, fmt.Errorf("marshal findings of %s: %w", it.TempID, err)
	}
	audit, err := json.Marshal(it.Audit)
	if err != nil {
		return itemRow{}, fmt.Errorf("marshal audit of %s: %w", it.TempID, err)
	}
	return itemRow{
		DurableID: it.DurableID,
		TempID:    it.TempID,
		RunID:     runID,
		Status:    string(it.Status),
		Payload:   payload,
		Findings:  findings,
		Audit:     audit,
		Tokens:    it.Tokens,
	}, nil
}

func decodeItem(r itemRow) (*pipeline.Item, error) {
	it := &pipeline.Item{
		DurableID: r.DurableID,
		TempID:    r.TempID,
		Status:    pipeline.Status(r.Status),
		Tokens:    r.Tokens,
	}
	if err := unmarshalOptional(r.Payload, &it.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := unmarshalOptional(r.Findings, &it.Findings); err != nil {
		return nil, fmt.Errorf("unmarshal findings: %w", err)
	}
	if err := unmarshalOptional(r.Audit, &it.Audit); err != nil {
		return nil, fmt.Errorf("unmarshal audit: %w", err)
	}
	return it, nil
}

func unmarshalOptional(b []byte, v interface{}) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return json.Unmarshal(b, v)
}

func stageStatus(r pipeline.StageReport) string {
	if r.Failed > 0 {
		return "failed"
	}
	return "success"
}
