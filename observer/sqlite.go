package observer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/dcshock/contentpipe/pipeline"
)

// SQLStore persists runs and items to SQLite through database/sql.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the SQLite database at dsn and
// migrates it. Use ":memory:" for a private in-memory database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("observer: open sqlite %q: %w", dsn, err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from being per-connection.
	db.SetMaxOpenConns(1)
	s := NewSQLStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database. Call Migrate before use.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("observer: migrate sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) millis() int64 { return s.now().UnixMilli() }

// BeforeRun implements pipeline.Observer. Upserts the content_run row so a
// run id can be reused.
func (s *SQLStore) BeforeRun(ctx context.Context, runID, plan string, items []*pipeline.Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_run (run_id, plan, status, item_count, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			plan = excluded.plan, status = excluded.status,
			item_count = excluded.item_count, started_at = excluded.started_at,
			finished_at = NULL`,
		runID, plan, RunRunning, len(items), s.millis())
	if err != nil {
		return fmt.Errorf("insert run %s: %w", runID, err)
	}
	return nil
}

// AfterRun implements pipeline.Observer.
func (s *SQLStore) AfterRun(ctx context.Context, res *pipeline.Result) error {
	counts, err := json.Marshal(res.Counts())
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE content_run SET status = ?, counts_json = ?, tokens = ?, iterations = ?, finished_at = ?
		WHERE run_id = ?`,
		RunFinished, string(counts), res.Context.Tokens(), res.Iterations, s.millis(), res.RunID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", res.RunID, err)
	}
	return nil
}

// BeforeStage implements pipeline.Observer. Inserts a content_run_stage row
// with status 'running' and the next visit number for the stage index.
func (s *SQLStore) BeforeStage(ctx context.Context, runID string, cursor int, spec pipeline.StageSpec, items []*pipeline.Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_run_stage (run_id, stage_index, visit, stage, status, eligible, started_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(visit), 0) + 1 FROM content_run_stage WHERE run_id = ? AND stage_index = ?), ?, 'running', ?, ?)`,
		runID, cursor, runID, cursor, spec.Name, len(items), s.millis())
	if err != nil {
		return fmt.Errorf("insert stage %s/%d: %w", runID, cursor, err)
	}
	return nil
}

// AfterStage implements pipeline.Observer. It completes the latest running
// row of the stage index, so visits keep counting when a run id is reused.
func (s *SQLStore) AfterStage(ctx context.Context, runID string, cursor int, spec pipeline.StageSpec, report pipeline.StageReport, items []*pipeline.Item, duration time.Duration) error {
	statuses, err := json.Marshal(report.Statuses)
	if err != nil {
		return fmt.Errorf("marshal statuses: %w", err)
	}
	errText := sql.NullString{String: report.Error, Valid: report.Error != ""}
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_run_stage SET status = ?, partitions = ?, failed = ?, redirected = ?, exhausted = ?,
			statuses_json = ?, error = ?, duration_ms = ?
		WHERE run_id = ? AND stage_index = ? AND status = 'running'
			AND visit = (SELECT MAX(visit) FROM content_run_stage WHERE run_id = ? AND stage_index = ?)`,
		stageStatus(report), report.Partitions, report.Failed, report.Redirected, report.Exhausted,
		string(statuses), errText, duration.Milliseconds(), runID, cursor, runID, cursor)
	if err != nil {
		return fmt.Errorf("update stage %s/%d: %w", runID, cursor, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update stage %s/%d: no running row", runID, cursor)
	}
	return nil
}

// Save implements Saver. Rows are written in one transaction.
func (s *SQLStore) Save(ctx context.Context, items []*pipeline.Item) ([]*pipeline.Item, error) {
	out, rows, err := prepareSave(ctx, items)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	now := s.millis()
	for _, r := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO content_item (durable_id, temp_id, run_id, status, payload_json, findings_json, audit_json, tokens, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (durable_id) DO UPDATE SET
				temp_id = excluded.temp_id, run_id = COALESCE(excluded.run_id, content_item.run_id),
				status = excluded.status, payload_json = excluded.payload_json,
				findings_json = excluded.findings_json, audit_json = excluded.audit_json,
				tokens = excluded.tokens, updated_at = excluded.updated_at`,
			r.DurableID, r.TempID, sql.NullString{String: r.RunID, Valid: r.RunID != ""}, r.Status,
			string(r.Payload), string(r.Findings), string(r.Audit), r.Tokens, now)
		if err != nil {
			return nil, fmt.Errorf("save item %s: %w", r.DurableID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// Item loads a saved item by durable id.
func (s *SQLStore) Item(ctx context.Context, durableID string) (*pipeline.Item, error) {
	var r itemRow
	var runID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT durable_id, temp_id, run_id, status, payload_json, findings_json, audit_json, tokens
		FROM content_item WHERE durable_id = ?`, durableID).
		Scan(&r.DurableID, &r.TempID, &runID, &r.Status, &r.Payload, &r.Findings, &r.Audit, &r.Tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "item", ID: durableID}
	}
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", durableID, err)
	}
	r.RunID = runID.String
	return decodeItem(r)
}

// Run loads a run record.
func (s *SQLStore) Run(ctx context.Context, runID string) (RunRecord, error) {
	var rec RunRecord
	var counts []byte
	var started int64
	var finished sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, plan, status, item_count, counts_json, tokens, iterations, started_at, finished_at
		FROM content_run WHERE run_id = ?`, runID).
		Scan(&rec.RunID, &rec.Plan, &rec.Status, &rec.Items, &counts, &rec.Tokens, &rec.Iterations, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, &NotFoundError{Kind: "run", ID: runID}
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if err := unmarshalOptional(counts, &rec.Counts); err != nil {
		return RunRecord{}, fmt.Errorf("unmarshal counts: %w", err)
	}
	rec.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		rec.FinishedAt = &t
	}
	return rec, nil
}

// StageRuns loads the stage invocations of a run in execution order.
func (s *SQLStore) StageRuns(ctx context.Context, runID string) ([]StageRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, stage_index, visit, stage, status, eligible, partitions, failed, redirected, exhausted,
			statuses_json, error, duration_ms
		FROM content_run_stage WHERE run_id = ? ORDER BY started_at, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stages of %s: %w", runID, err)
	}
	defer rows.Close()
	var out []StageRun
	for rows.Next() {
		var sr StageRun
		var statuses []byte
		var errText sql.NullString
		var ms sql.NullInt64
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

var (
	_ Store             = (*SQLStore)(nil)
	_ pipeline.Observer = (*SQLStore)(nil)
)
