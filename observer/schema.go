package observer

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS content_run (
	run_id      TEXT PRIMARY KEY,
	plan        TEXT NOT NULL,
	status      TEXT NOT NULL,
	item_count  INTEGER NOT NULL DEFAULT 0,
	counts_json TEXT,
	tokens      INTEGER NOT NULL DEFAULT 0,
	iterations  INTEGER NOT NULL DEFAULT 0,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS content_run_stage (
	run_id        TEXT NOT NULL REFERENCES content_run(run_id),
	stage_index   INTEGER NOT NULL,
	visit         INTEGER NOT NULL,
	stage         TEXT NOT NULL,
	status        TEXT NOT NULL,
	eligible      INTEGER NOT NULL DEFAULT 0,
	partitions    INTEGER NOT NULL DEFAULT 0,
	failed        INTEGER NOT NULL DEFAULT 0,
	redirected    INTEGER NOT NULL DEFAULT 0,
	exhausted     INTEGER NOT NULL DEFAULT 0,
	statuses_json TEXT,
	error         TEXT,
	duration_ms   INTEGER,
	started_at    INTEGER NOT NULL,
	PRIMARY KEY (run_id, stage_index, visit)
);
CREATE TABLE IF NOT EXISTS content_item (
	durable_id    TEXT PRIMARY KEY,
	temp_id       TEXT NOT NULL,
	run_id        TEXT,
	status        TEXT NOT NULL,
	payload_json  TEXT,
	findings_json TEXT,
	audit_json    TEXT,
	tokens        INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS content_run (
	run_id      TEXT PRIMARY KEY,
	plan        TEXT NOT NULL,
	status      TEXT NOT NULL,
	item_count  INTEGER NOT NULL DEFAULT 0,
	counts_json JSONB,
	tokens      BIGINT NOT NULL DEFAULT 0,
	iterations  INTEGER NOT NULL DEFAULT 0,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS content_run_stage (
	run_id        TEXT NOT NULL REFERENCES content_run(run_id),
	stage_index   INTEGER NOT NULL,
	visit         INTEGER NOT NULL,
	stage         TEXT NOT NULL,
	status        TEXT NOT NULL,
	eligible      INTEGER NOT NULL DEFAULT 0,
	partitions    INTEGER NOT NULL DEFAULT 0,
	failed        INTEGER NOT NULL DEFAULT 0,
	redirected    INTEGER NOT NULL DEFAULT 0,
	exhausted     INTEGER NOT NULL DEFAULT 0,
	statuses_json JSONB,
	error         TEXT,
	duration_ms   BIGINT,
	started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, stage_index, visit)
);
CREATE TABLE IF NOT EXISTS content_item (
	durable_id    TEXT PRIMARY KEY,
	temp_id       TEXT NOT NULL,
	run_id        TEXT,
	status        TEXT NOT NULL,
	payload_json  JSONB,
	findings_json JSONB,
	audit_json    JSONB,
	tokens        BIGINT NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
