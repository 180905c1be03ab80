// Package store persists canonical events in SQLite.
//
// The write path is an idempotent upsert keyed on (title_norm, date,
// source) whose merge rule preserves previously attached image fields:
// ingestion batches never carry images, and a row's non-empty
// image_url/image_type must survive every re-ingestion. Only the expiry
// job clears them.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"towncal/internal/identity"
	"towncal/internal/logging"
	"towncal/internal/model"
)

// upsertChunkSize bounds statements per transaction; feeds are small but a
// first backfill of a new source can be a few hundred rows.
const upsertChunkSize = 100

// upsertSQL merges an incoming row into an existing one matched by the
// identity index. The image and time columns keep the stored value
// whenever the incoming one is empty; the merge lives in the statement
// itself, so the guarantee holds no matter how the caller builds the
// batch. upvotes, downvotes and created_at are deliberately absent from
// the SET lists: they belong to the stored row. title is refreshed so a
// cosmetic rename updates the display form while title_norm keeps the
// row identity. The second conflict clause covers the id primary key:
// id derives from the same (source, title_norm, day) triple, so SQLite
// may attribute the collision to either constraint.
const upsertSQL = `
	INSERT INTO events (id, title, title_norm, description, location, address,
	                    category, source, date, time, image_url, image_type,
	                    created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(title_norm, date, source) DO UPDATE SET
		title       = excluded.title,
		description = excluded.description,
		location    = excluded.location,
		address     = excluded.address,
		category    = excluded.category,
		time        = CASE WHEN excluded.time <> ''
		                   THEN excluded.time ELSE events.time END,
		image_url   = CASE WHEN excluded.image_url <> ''
		                   THEN excluded.image_url ELSE events.image_url END,
		image_type  = CASE WHEN excluded.image_type NOT IN ('', 'none')
		                   THEN excluded.image_type ELSE events.image_type END
	ON CONFLICT(id) DO UPDATE SET
		title       = excluded.title,
		title_norm  = excluded.title_norm,
		description = excluded.description,
		location    = excluded.location,
		address     = excluded.address,
		category    = excluded.category,
		time        = CASE WHEN excluded.time <> ''
		                   THEN excluded.time ELSE events.time END,
		image_url   = CASE WHEN excluded.image_url <> ''
		                   THEN excluded.image_url ELSE events.image_url END,
		image_type  = CASE WHEN excluded.image_type NOT IN ('', 'none')
		                   THEN excluded.image_type ELSE events.image_type END
`

const selectColumns = `id, title, description, location, address, category,
	source, date, time, image_url, image_type, upvotes, downvotes, created_at`

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := NewMigrationRunner(db).Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an already-opened and migrated database (used by tests).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertResult reports the outcome of a batched write.
type UpsertResult struct {
	Written      int
	FailedChunks int
}

// UpsertEvents writes the batch in chunks, one transaction per chunk. A
// chunk whose upsert fails is retried once as plain inserts (ignoring
// conflicts); if that also fails the chunk is counted failed and its
// siblings still commit. Per-chunk failures are part of the result, not
// an error; a non-nil error means the database itself failed.
func (s *Store) UpsertEvents(ctx context.Context, events []model.Event) (UpsertResult, error) {
	var res UpsertResult

	for start := 0; start < len(events); start += upsertChunkSize {
		end := start + upsertChunkSize
		if end > len(events) {
			end = len(events)
		}
		chunk := events[start:end]

		if err := s.writeChunk(ctx, chunk, upsertSQL); err != nil {
			logging.Warn().Err(err).Int("chunk_size", len(chunk)).
				Msg("upsert failed; retrying chunk as plain inserts")

			insertSQL := `INSERT OR IGNORE INTO events
				(id, title, title_norm, description, location, address,
				 category, source, date, time, image_url, image_type,
				 created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
			if err := s.writeChunk(ctx, chunk, insertSQL); err != nil {
				logging.Error().Err(err).Int("chunk_size", len(chunk)).
					Msg("insert fallback failed; chunk lost for this run")
				res.FailedChunks++
				continue
			}
		}
		res.Written += len(chunk)
	}

	return res, nil
}

func (s *Store) writeChunk(ctx context.Context, chunk []model.Event, query string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range chunk {
		createdAt := ev.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		imageType := ev.ImageType
		if imageType == "" {
			imageType = model.ImageNone
		}

		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.Title, identity.NormalizeTitle(ev.Title),
			ev.Description, ev.Location, ev.Address,
			ev.Category, ev.Source, formatDate(ev.Date), ev.Time,
			ev.ImageURL, string(imageType), formatTime(createdAt),
		); err != nil {
			return fmt.Errorf("write event %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

// GetByID fetches one event.
func (s *Store) GetByID(ctx context.Context, id string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &ev, nil
}

// EventsBetween returns events whose date falls in [from, to], used as the
// stored comparison set for cross-source deduplication.
func (s *Store) EventsBetween(ctx context.Context, from, to time.Time) ([]model.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+selectColumns+` FROM events WHERE date >= ? AND date <= ? ORDER BY date`,
		formatDate(from), formatDate(to))
}

// Upcoming returns events with date >= now, soonest first.
func (s *Store) Upcoming(ctx context.Context, now time.Time, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryEvents(ctx,
		`SELECT `+selectColumns+` FROM events WHERE date >= ? ORDER BY date LIMIT ?`,
		formatDate(now), limit)
}

// BackfillCandidates returns upcoming events not yet carrying a real image.
// Gradient rows are included: the gradient is a fallback and a later image
// still upgrades it.
func (s *Store) BackfillCandidates(ctx context.Context, now time.Time, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEvents(ctx,
		`SELECT `+selectColumns+` FROM events
		 WHERE date >= ? AND image_type != 'image'
		 ORDER BY date LIMIT ?`,
		formatDate(now), limit)
}

// ExpiredImageEvents returns events dated before cutoff that still hold a
// stored image asset.
func (s *Store) ExpiredImageEvents(ctx context.Context, cutoff time.Time) ([]model.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+selectColumns+` FROM events
		 WHERE date < ? AND image_type = 'image' AND image_url <> ''
		 ORDER BY date`,
		formatDate(cutoff))
}

// SetImage records a stored asset for the event. The WHERE clause refuses
// to touch rows that already carry a real image, so backfill can never
// clobber one even if its candidate query raced another writer.
func (s *Store) SetImage(ctx context.Context, id, url string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET image_url = ?, image_type = 'image'
		 WHERE id = ? AND image_type != 'image'`,
		url, id)
	if err != nil {
		return false, fmt.Errorf("set image: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetGradient downgrades an event to the deterministic gradient fallback.
// Rows already holding a real image are left alone.
func (s *Store) SetGradient(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET image_url = '', image_type = 'gradient'
		 WHERE id = ? AND image_type != 'image'`,
		id)
	if err != nil {
		return fmt.Errorf("set gradient: %w", err)
	}
	return nil
}

// ClearImage empties both image fields; used by expiry after the asset is
// deleted. Re-running on an already-cleared row is a no-op.
func (s *Store) ClearImage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET image_url = '', image_type = 'none' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clear image: %w", err)
	}
	return nil
}

// NormalizeGradientPlaceholders repairs legacy rows whose image_url holds a
// literal CSS gradient string instead of an asset URL, converting them to
// the structured gradient form. Returns how many rows were repaired.
func (s *Store) NormalizeGradientPlaceholders(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET image_url = '', image_type = 'gradient'
		 WHERE image_url LIKE 'linear-gradient%'`)
	if err != nil {
		return 0, fmt.Errorf("normalize gradient placeholders: %w", err)
	}
	return res.RowsAffected()
}

// CountBySource returns stored row counts per source.
func (s *Store) CountBySource(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, COUNT(*) FROM events GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("count by source: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, err
		}
		out[source] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (model.Event, error) {
	var ev model.Event
	var dateStr, createdStr, imageType string
	err := row.Scan(
		&ev.ID, &ev.Title, &ev.Description, &ev.Location, &ev.Address,
		&ev.Category, &ev.Source, &dateStr, &ev.Time,
		&ev.ImageURL, &imageType, &ev.Upvotes, &ev.Downvotes, &createdStr,
	)
	if err != nil {
		return ev, err
	}
	ev.ImageType = model.ImageType(imageType)
	ev.Date, _ = parseTimestamp(dateStr)
	ev.CreatedAt, _ = parseTimestamp(createdStr)
	return ev, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// formatDate reduces an instant to its UTC calendar day. The date column
// is day-granular: it is part of the upsert conflict target, and a source
// shifting an event's start time must still converge on the same row (the
// time-of-day lives in the time column).
func formatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// formatTime stores instants as UTC RFC3339 so lexicographic comparison in
// SQL matches chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTimestamp tries the formats that can appear in stored rows.
func parseTimestamp(s string) (time.Time, error) {
	for _, f := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp: %s", s)
}
