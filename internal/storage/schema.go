package storage

import (
	"context"
	"fmt"
)

// Init applies the schema for visitors, events, users and step-up challenges.
// Timestamps are stored as epoch milliseconds so ordering is identical on
// every engine.
func (db *DB) Init(ctx context.Context) error {
	for _, stmt := range schemaFor(db.dialect) {
		if err := db.Conn().Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func schemaFor(dialect Dialect) []string {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == DialectPostgres {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS visitors (
			visitor_id TEXT PRIMARY KEY,
			first_seen BIGINT NOT NULL,
			last_seen BIGINT NOT NULL,
			visit_count INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			` + idColumn + `,
			visitor_id TEXT NOT NULL REFERENCES visitors(visitor_id),
			request_id TEXT UNIQUE,
			timestamp BIGINT NOT NULL,
			event_time TEXT NOT NULL,
			ip TEXT,
			incognito BOOLEAN NOT NULL DEFAULT FALSE,
			url TEXT,
			raw_data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_visitor ON events(visitor_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp DESC, id DESC)`,
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			fingerprints TEXT NOT NULL,
			registered_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stepup_challenges (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL REFERENCES users(username),
			fingerprint TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stepup_username ON stepup_challenges(username)`,
	}
}
