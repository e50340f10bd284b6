// Package observer persists content pipeline runs and their items.
//
//   - SQLStore keeps runs, stage invocations and saved items in SQLite
//     (modernc.org/sqlite, no cgo). It is the default store of the CLI and
//     works in memory for tests.
//   - PgStore keeps the same records in Postgres through a pgx pool.
//
// Both implement pipeline.Observer, so passing one in RunOptions records a
// content_run row per run and a content_run_stage row per stage invocation
// (refinement revisits get their own row, numbered by visit). Both also
// implement Saver, used by the persist stage to give items a durable id.
// Saving is idempotent per durable id: saving an item again updates its row.
package observer
