package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path (default)
//   - "postgres": Postgres reachable at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Job is one ledger row.
type Job struct {
	ID        string `db:"id"`
	Trigger   string `db:"trigger"`
	Text      string `db:"text"`
	UpdatedAt int64  `db:"updated_at"`
}

// HistoryEntry is one dedup row of the notification history.
type HistoryEntry struct {
	OwnerID           int64 `db:"owner_id"`
	ExternalContentID int64 `db:"external_content_id"`
	CreatedAt         int64 `db:"created_at"`
}

// Group is a chat that receives daily digests.
type Group struct {
	ID      int64   `db:"id"`
	ChatID  int64   `db:"chat_id"`
	Members []int64 `db:"-"`
}

// ItemKind is the tracked-item family.
type ItemKind string

const (
	KindAnime ItemKind = "anime"
	KindNovel ItemKind = "novel"
)

// TrackedItem is a user's progress on one title.
type TrackedItem struct {
	ID                int64    `db:"id"`
	OwnerID           int64    `db:"owner_id"`
	Kind              ItemKind `db:"kind"`
	Name              string   `db:"name"`
	ExternalContentID *int64   `db:"external_content_id"`
	Progress          int      `db:"progress"`
}
