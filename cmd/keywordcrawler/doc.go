// Package main hosts the keyword graph crawler entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts seed keywords (POST /seed), reports progress (GET /seed) and pages the
//     keyword view (GET /keywords). Bearer-protected routes run collection batches (POST /collect/related and
//     /collect/docs) and expose credential and system health (GET /admin/keys, /admin/health).
//   - Key pool: every provider call is admitted through internal/keypool, which rotates credentials under a per-key
//     token bucket, a daily quota and a 429 cooldown. Usage lives in memory or in Redis when several replicas share
//     the same keys.
//   - Queue & worker: jobs (fetch_related, count_docs) are claimed atomically from the job store, executed by the
//     orchestrator and completed or retried with a per-type backoff. With worker.auto_collect the dispatcher runs
//     batches on a timer; otherwise an external scheduler calls the /collect endpoints.
//   - Persistence & fanout: keywords, jobs and daily document snapshots live in Postgres (or memory). Raw provider
//     payloads go to the configured archive (memory/local/GCS) and graph events are published to Pub/Sub.
//   - Configuration & plumbing: Viper loads config from file and KEYGRAPH_* env vars, with credentials also read from
//     NAVER_OPENAPI_KEYS and NAVER_SEARCHAD_KEYS; zap logs; Prometheus metrics on /metrics; OpenTelemetry spans.
//
// Quick checklist:
//   - Set KEYGRAPH_AUTH_SERVER_TOKEN and at least one credential per provider.
//   - Run locally: go run ./cmd/keywordcrawler -config config.yaml (or rely solely on env overrides).
//   - Set KEYGRAPH_DB_DSN for Postgres; migrations run on startup unless db.migrate is false.
package main
