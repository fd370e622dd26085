// Package storage is the relational persistence layer: the job ledger, the
// notification history ledger, notification groups and the read side of the
// tracked-item catalog.
//
// SQLite (modernc, pure Go) is the default; Postgres is reachable through the
// pgx stdlib driver. Both share one query set written with '?' placeholders
// and rebound by sqlx. Every write is a single-row atomic upsert or delete.
package storage
