package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dcshock/contentpipe/pipeline"
)

// PgStore persists runs and items to Postgres.
type PgStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to dsn and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("observer: connect postgres: %w", err)
	}
	s := NewPgStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPgStore wraps an existing pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("observer: migrate postgres: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

// BeforeRun implements pipeline.Observer.
func (s *PgStore) BeforeRun(ctx context.Context, runID, plan string, items []*pipeline.Item) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO content_run (run_id, plan, status, item_count, started_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (run_id) DO UPDATE SET
			plan = EXCLUDED.plan, status = EXCLUDED.status,
			item_count = EXCLUDED.item_count, started_at = now(), finished_at = NULL`,
		runID, plan, RunRunning, len(items))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", runID, err)
	}
	return nil
}

// AfterRun implements pipeline.Observer.
func (s *PgStore) AfterRun(ctx context.Context, res *pipeline.Result) error {
	counts, err := json.Marshal(res.Counts())
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE content_run SET status = $1, counts_json = $2, tokens = $3, iterations = $4, finished_at = now()
		WHERE run_id = $5`,
		RunFinished, counts, res.Context.Tokens(), res.Iterations, res.RunID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", res.RunID, err)
	}
	return nil
}

// BeforeStage implements pipeline.Observer.
func (s *PgStore) BeforeStage(ctx context.Context, runID string, cursor int, spec pipeline.StageSpec, items []*pipeline.Item) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO content_run_stage (run_id, stage_index, visit, stage, status, eligible)
		VALUES ($1, $2, (SELECT COALESCE(MAX(visit), 0) + 1 FROM content_run_stage WHERE run_id = $1 AND stage_index = $2), $3, 'running', $4)`,
		runID, int32(cursor), spec.Name, len(items))
	if err != nil {
		return fmt.Errorf("insert stage %s/%d: %w", runID, cursor, err)
	}
	return nil
}

// AfterStage implements pipeline.Observer.
func (s *PgStore) AfterStage(ctx context.Context, runID string, cursor int, spec pipeline.StageSpec, report pipeline.StageReport, items []*pipeline.Item, duration time.Duration) error {
	statuses, err := json.Marshal(report.Statuses)
	if err != nil {
		return fmt.Errorf("marshal statuses: %w", err)
	}
	errText := pgtype.Text{}
	if report.Error != "" {
		errText.String = report.Error
		errText.Valid = true
	}
	durationMs := pgtype.Int8{Int64: duration.Milliseconds(), Valid: true}
	tag, err := s.pool.Exec(ctx, `
		UPDATE content_run_stage SET status = $1, partitions = $2, failed = $3, redirected = $4, exhausted = $5,
			statuses_json = $6, error = $7, duration_ms = $8
		WHERE run_id = $9 AND stage_index = $10 AND status = 'running'
			AND visit = (SELECT MAX(visit) FROM content_run_stage WHERE run_id = $9 AND stage_index = $10)`,
		stageStatus(report), report.Partitions, report.Failed, report.Redirected, report.Exhausted,
		statuses, errText, durationMs, runID, int32(cursor))
	if err != nil {
		return fmt.Errorf("update stage %s/%d: %w", runID, cursor, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update stage %s/%d: no running row", runID, cursor)
	}
	return nil
}

// Save implements Saver. All rows are sent in one batch inside a transaction.
func (s *PgStore) Save(ctx context.Context, items []*pipeline.Item) ([]*pipeline.Item, error) {
	out, rows, err := prepareSave(ctx, items)
	if err != nil {
		return nil, err
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range rows {
			runID := pgtype.Text{String: r.RunID, Valid: r.RunID != ""}
			batch.Queue(`
				INSERT INTO content_item (durable_id, temp_id, run_id, status, payload_json, findings_json, audit_json, tokens, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
				ON CONFLICT (durable_id) DO UPDATE SET
					temp_id = EXCLUDED.temp_id, run_id = COALESCE(EXCLUDED.run_id, content_item.run_id),
					status = EXCLUDED.status, payload_json = EXCLUDED.payload_json,
					findings_json = EXCLUDED.findings_json, audit_json = EXCLUDED.audit_json,
					tokens = EXCLUDED.tokens, updated_at = now()`,
				r.DurableID, r.TempID, runID, r.Status, r.Payload, r.Findings, r.Audit, r.Tokens)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return nil, fmt.Errorf("save items: %w", err)
	}
	return out, nil
}

// Item loads a saved item by durable id.
func (s *PgStore) Item(ctx context.Context, durableID string) (*pipeline.Item, error) {
	var r itemRow
	var runID pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT durable_id, temp_id, run_id, status, payload_json, findings_json, audit_json, tokens
		FROM content_item WHERE durable_id = $1`, durableID).
		Scan(&r.DurableID, &r.TempID, &runID, &r.Status, &r.Payload, &r.Findings, &r.Audit, &r.Tokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Kind: "item", ID: durableID}
	}
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", durableID, err)
	}
	r.RunID = runID.String
	return decodeItem(r)
}

// Run loads a run record.
func (s *PgStore) Run(ctx context.Context, runID string) (RunRecord, error) {
	var rec RunRecord
	var counts []byte
	var finished pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, plan, status, item_count, counts_json, tokens, iterations, started_at, finished_at
		FROM content_run WHERE run_id = $1`, runID).
		Scan(&rec.RunID, &rec.Plan, &rec.Status, &rec.Items, &counts, &rec.Tokens, &rec.Iterations, &rec.StartedAt, &finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return RunRecord{}, &NotFoundError{Kind: "run", ID: runID}
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if err := unmarshalOptional(counts, &rec.Counts); err != nil {
		return RunRecord{}, fmt.Errorf("unmarshal counts: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	return rec, nil
}

// StageRuns loads the stage invocations of a run in execution order.
func (s *PgStore) StageRuns(ctx context.Context, runID string) ([]StageRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, stage_index, visit, stage, status, eligible, partitions, failed, redirected, exhausted,
			statuses_json, error, duration_ms
		FROM content_run_stage WHERE run_id = $1 ORDER BY started_at, stage_index, visit`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stages of %s: %w", runID, err)
	}
	defer rows.Close()
	var out []StageRun
	for rows.Next() {
		var sr StageRun
		var statuses []byte
		var errText pgtype.Text
		var ms pgtype.Int8
		if err := rows.Scan(&sr.RunID, &sr.Cursor, &sr.Visit, &sr.Stage, &sr.Status, &sr.Eligible, &sr.Partitions,
			&sr.Failed, &sr.Redirected, &sr.Exhausted, &statuses, &errText, &ms); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		if err := unmarshalOptional(statuses, &sr.Statuses); err != nil {
			return nil, fmt.Errorf("unmarshal statuses: %w", err)
		}
		sr.Error = errText.String
		sr.Duration = time.Duration(ms.Int64) * time.Millisecond
		out = append(out, sr)
	}
	return out, rows.Err()
}

var _ Store = (*PgStore)(nil)
