package store

import "database/sql"

// migrateV001 creates the events table.
//
// The unique index on (title_norm, date, source) is the upsert conflict
// target; it is what makes repeated ingestion converge on one row per
// logical event. title_norm holds the normalized comparison form so a
// cosmetic rename ("Fall Festival!" to "Fall Festival") still lands on
// the existing row; title keeps the display form.
func migrateV001(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE events (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL,
			title_norm  TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			location    TEXT NOT NULL DEFAULT '',
			address     TEXT NOT NULL DEFAULT '',
			category    TEXT NOT NULL DEFAULT 'community',
			source      TEXT NOT NULL,
			date        TEXT NOT NULL,
			time        TEXT NOT NULL DEFAULT '',
			image_url   TEXT NOT NULL DEFAULT '',
			image_type  TEXT NOT NULL DEFAULT 'none',
			upvotes     INTEGER NOT NULL DEFAULT 0,
			downvotes   INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX idx_events_identity ON events(title_norm, date, source)`,
		`CREATE INDEX idx_events_date ON events(date)`,
		`CREATE INDEX idx_events_image_type ON events(image_type)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
