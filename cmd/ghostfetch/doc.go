// Package main hosts the ghostfetch service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server validates submissions and hands them to the dispatcher. Sync requests wait on
//     the event broker for a terminal state; async requests return a job id at once.
//   - Dispatcher: a fixed set of worker loops, one per pool slot, claim the oldest ready job, reserve the next
//     per-host slot from the domain gate, lease a browser session and run one attempt. Retryable failures go back to
//     the queue with a backoff delay; the attempt ceiling turns them into failures.
//   - Sessions: internal/session pools chromedp (or colly) sessions, prefers the session bound to a caller's
//     context_id, and retires sessions at a use ceiling or when they break.
//   - Persistence: jobs live in SQLite (gorm), Postgres (pgx) or memory. Raw HTML may be archived to local disk or
//     GCS. Terminal jobs are purged by a cron-scheduled reaper once they outlive jobs.ttl.
//   - Callbacks: terminal jobs with a callback_url are delivered by internal/notify over webhooks or Pub/Sub with
//     bounded retries. Delivery never changes the job status.
//   - Observability: zap logs, Prometheus at /metrics and, with tracing.enabled, OpenTelemetry spans per attempt
//     and per API request.
//
// Quick checklist:
//   - Configure env vars: GHOSTFETCH_POOL_CAPACITY, GHOSTFETCH_PACING_MIN_SPACING, GHOSTFETCH_STORE_DRIVER and
//     GHOSTFETCH_STORE_DSN, GHOSTFETCH_SERVER_API_KEY. A .env file in the working directory is loaded first.
//   - Run locally: go run ./cmd/ghostfetch serve --config config.yaml
//   - One-shot: go run ./cmd/ghostfetch fetch https://example.com --timeout 90s
package main
