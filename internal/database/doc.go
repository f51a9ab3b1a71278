// Package database provides the PostgreSQL connection pool and the durable
// store for sessions, alerts and sampled telemetry.
//
// Sessions are upserted by ID so the latest snapshot wins. Alerts and
// telemetry samples are inserted with ON CONFLICT DO NOTHING, which makes a
// retried batch safe to replay.
package database
