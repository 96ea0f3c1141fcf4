// Package main hosts the jobtracker entrypoint.
//
// Architecture overview:
//   - Run store: Postgres table collector_runs is the only coordination point. Workers claim the oldest pending run
//     for their source with SELECT ... FOR UPDATE SKIP LOCKED, so any number of replicas can poll the same source
//     without double execution.
//   - Workers: `jobtracker worker --source NAME` binds the collector for the source's config kind, then loops
//     claim → collect → merge → finalize until the source is disabled. Records are merged one at a time into
//     jobs keyed by (source, source_id); the run tally counts new and updated rows.
//   - Collectors: hiringcafe pages through the hiring.cafe search API with a headless Chrome fallback when the
//     API answers 403/429; careerspage scrapes HTML boards with Colly using per-source CSS selectors.
//   - Sweep: `jobtracker sweep` (or `serve --sweep`) fails runs stuck in running longer than sweep.timeout_seconds
//     with the error "claim timeout".
//   - Triggers: `jobtracker enqueue`, POST /api/v1/collectors/{name}/runs, or cron entries run by
//     `jobtracker schedule`.
//   - Fanout: raw records are archived as NDJSON (memory/local/GCS) and a run-finished event is published to
//     Pub/Sub when a topic is configured.
//
// Quick checklist:
//   - Configure JOBTRACKER_DATABASE_DSN (or database.dsn) and run `jobtracker migrate` once.
//   - Register a source: `jobtracker source upsert acme --config-file acme.json`.
//   - Start `jobtracker serve` and one `jobtracker worker --source acme` per source.
package main
