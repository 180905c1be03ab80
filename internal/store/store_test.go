package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towncal/internal/identity"
	"towncal/internal/model"
)

// openTestStore creates a migrated in-memory Store.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, NewMigrationRunner(db).Run())
	return NewStore(db)
}

func makeEvent(title, source string, date time.Time) model.Event {
	return model.Event{
		ID:          identity.EventID(source, title, date),
		Title:       title,
		Description: "desc",
		Address:     "Bonita, CA 91902",
		Category:    "community",
		Source:      source,
		Date:        date,
		ImageType:   model.ImageNone,
	}
}

func TestUpsert_InsertThenIdempotentReingest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	date := time.Date(2025, 10, 18, 18, 0, 0, 0, time.UTC)

	ev := makeEvent("Fall Festival", "library", date)
	res, err := s.UpsertEvents(ctx, []model.Event{ev})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 0, res.FailedChunks)

	// Second run, identical payload: still exactly one row, same id.
	res, err = s.UpsertEvents(ctx, []model.Event{ev})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)

	got, err := s.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fall Festival", got.Title)

	counts, err := s.CountBySource(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"library": 1}, counts)
}

func TestUpsert_CosmeticRenameConvergesOnSameRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	date := time.Date(2025, 10, 18, 18, 0, 0, 0, time.UTC)

	first := makeEvent("Fall Festival!", "library", date)
	first.Description = "old description"
	sibling := makeEvent("Movie Night", "library", date)
	sibling.Description = "old sibling"
	_, err := s.UpsertEvents(ctx, []model.Event{first, sibling})
	require.NoError(t, err)

	// The feed drops the punctuation between runs. The normalized title,
	// and therefore the id, is unchanged; the rename must merge into the
	// existing row and must not poison the chunk for its sibling.
	renamed := makeEvent("Fall Festival", "library", date)
	renamed.Description = "new description"
	require.Equal(t, first.ID, renamed.ID)
	sibling.Description = "new sibling"

	res, err := s.UpsertEvents(ctx, []model.Event{renamed, sibling})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 0, res.FailedChunks)

	got, err := s.GetByID(ctx, renamed.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fall Festival", got.Title, "display form refreshed")
	assert.Equal(t, "new description", got.Description)

	sib, err := s.GetByID(ctx, sibling.ID)
	require.NoError(t, err)
	assert.Equal(t, "new sibling", sib.Description)

	counts, err := s.CountBySource(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"library": 2}, counts)
}

func TestUpsert_PreservesExistingImage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	date := time.Date(2025, 10, 18, 18, 0, 0, 0, time.UTC)

	ev := makeEvent("Fall Festival", "library", date)
	_, err := s.UpsertEvents(ctx, []model.Event{ev})
	require.NoError(t, err)

	// Backfill attaches an image between ingestion runs.
	ok, err := s.SetImage(ctx, ev.ID, "https://assets.towncal.test/events/x.jpg")
	require.NoError(t, err)
	require.True(t, ok)

	// Fresh ingestion batch: same logical event, empty image fields.
	_, err = s.UpsertEvents(ctx, []model.Event{ev})
	require.NoError(t, err)

	got, err := s.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://assets.towncal.test/events/x.jpg", got.ImageURL)
	assert.Equal(t, model.ImageAsset, got.ImageType)
}

func TestUpsert_RefreshesMutableFieldsOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	date := time.Date(2025, 10, 18, 18, 0, 0, 0, time.UTC)

	ev := makeEvent("Fall Festival", "library", date)
	ev.Time = "18:00"
	_, err := s.UpsertEvents(ctx, []model.Event{ev})
	require.NoError(t, err)

	// Simulate community votes landing on the stored row.
	_, err = s.db.ExecContext(ctx,
		`UPDATE events SET upvotes = 7, downvotes = 2 WHERE id = ?`, ev.ID)
	require.NoError(t, err)

	updated := ev
	updated.Description = "new description"
	updated.Time = "" // source dropped the time; stored one must survive
	_, err = s.UpsertEvents(ctx, []model.Event{updated})
	require.NoError(t, err)

	got, err := s.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "new description", got.Description)
	assert.Equal(t, "18:00", got.Time, "empty incoming time must not erase stored time")
	assert.Equal(t, 7, got.Upvotes, "vote counters are never touched by ingestion")
	assert.Equal(t, 2, got.Downvotes)
}

func TestUpsert_ChunksLargeBatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)

	batch := make([]model.Event, 0, 250)
	for i := 0; i < 250; i++ {
		batch = append(batch, makeEvent(fmt.Sprintf("Event %03d", i), "bulk", base.AddDate(0, 0, i%30)))
	}

	res, err := s.UpsertEvents(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 250, res.Written)
	assert.Equal(t, 0, res.FailedChunks)
}

func TestSetImage_NeverClobbersExistingImage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ev := makeEvent("Movie Night", "parks", time.Date(2025, 12, 1, 19, 0, 0, 0, time.UTC))
	_, err := s.UpsertEvents(ctx, []model.Event{ev})
	require.NoError(t, err)

	ok, err := s.SetImage(ctx, ev.ID, "https://assets.towncal.test/a.jpg")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetImage(ctx, ev.ID, "https://assets.towncal.test/b.jpg")
	require.NoError(t, err)
	assert.False(t, ok, "a row with a real image is off limits")

	got, err := s.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://assets.towncal.test/a.jpg", got.ImageURL)
}

func TestSetGradient_UpgradePathStaysOpen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ev := makeEvent("Craft Fair", "library", time.Date(2025, 12, 5, 0, 0, 0, 0, time.UTC))
	_, err := s.UpsertEvents(ctx, []model.Event{ev})
	require.NoError(t, err)

	require.NoError(t, s.SetGradient(ctx, ev.ID))
	got, err := s.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ImageGradient, got.ImageType)
	assert.Empty(t, got.ImageURL)

	// A gradient row is still a backfill candidate and upgrades to image.
	candidates, err := s.BackfillCandidates(ctx, time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC), 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	ok, err := s.SetImage(ctx, ev.ID, "https://assets.towncal.test/c.jpg")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpiredImageEvents_BoundaryAndFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 10, 20, 12, 0, 0, 0, time.UTC)
	cutoff := now.AddDate(0, 0, -10)

	old := makeEvent("Old Concert", "parks", now.AddDate(0, 0, -11))
	recent := makeEvent("Recent Concert", "parks", now.AddDate(0, 0, -9))
	oldGradient := makeEvent("Old Fair", "parks", now.AddDate(0, 0, -12))

	_, err := s.UpsertEvents(ctx, []model.Event{old, recent, oldGradient})
	require.NoError(t, err)

	for _, id := range []string{old.ID, recent.ID} {
		ok, err := s.SetImage(ctx, id, "https://assets.towncal.test/"+id+".jpg")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, s.SetGradient(ctx, oldGradient.ID))

	expired, err := s.ExpiredImageEvents(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, expired, 1, "only the 11-day-old image row expires")
	assert.Equal(t, old.ID, expired[0].ID)

	require.NoError(t, s.ClearImage(ctx, old.ID))
	got, err := s.GetByID(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ImageURL)
	assert.Equal(t, model.ImageNone, got.ImageType)

	// Idempotent: clearing again is a no-op.
	require.NoError(t, s.ClearImage(ctx, old.ID))
}

func TestNormalizeGradientPlaceholders(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ev := makeEvent("Legacy Row", "library", time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC))
	_, err := s.UpsertEvents(ctx, []model.Event{ev})
	require.NoError(t, err)

	// Legacy data: a CSS gradient literal stored where a URL belongs.
	_, err = s.db.ExecContext(ctx,
		`UPDATE events SET image_url = 'linear-gradient(45deg, #f00, #00f)', image_type = 'image' WHERE id = ?`,
		ev.ID)
	require.NoError(t, err)

	n, err := s.NormalizeGradientPlaceholders(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ImageGradient, got.ImageType)
	assert.Empty(t, got.ImageURL)

	n, err = s.NormalizeGradientPlaceholders(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "repair is one-shot")
}

func TestEventsBetween(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := makeEvent("A", "s", time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC))
	b := makeEvent("B", "s", time.Date(2025, 10, 20, 0, 0, 0, 0, time.UTC))
	c := makeEvent("C", "s", time.Date(2025, 10, 30, 0, 0, 0, 0, time.UTC))
	_, err := s.UpsertEvents(ctx, []model.Event{a, b, c})
	require.NoError(t, err)

	got, err := s.EventsBetween(ctx,
		time.Date(2025, 10, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 10, 25, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].Title)
}

func TestUpcoming(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 10, 20, 0, 0, 0, 0, time.UTC)

	past := makeEvent("Past", "s", now.AddDate(0, 0, -2))
	soon := makeEvent("Soon", "s", now.AddDate(0, 0, 1))
	later := makeEvent("Later", "s", now.AddDate(0, 0, 5))
	_, err := s.UpsertEvents(ctx, []model.Event{later, past, soon})
	require.NoError(t, err)

	got, err := s.Upcoming(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Soon", got[0].Title, "soonest first")
	assert.Equal(t, "Later", got[1].Title)
}
