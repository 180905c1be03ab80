package images

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towncal/internal/identity"
	"towncal/internal/model"
	"towncal/internal/store"
)

func openTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func newDiskStore(t *testing.T) *DiskStore {
	t.Helper()
	ds, err := NewDiskStore(t.TempDir(), "https://assets.towncal.test")
	require.NoError(t, err)
	return ds
}

func seedEvent(t *testing.T, s *store.Store, title string, date time.Time) model.Event {
	t.Helper()
	ev := model.Event{
		ID:        identity.EventID("library", title, date),
		Title:     title,
		Category:  "community",
		Source:    "library",
		Date:      date,
		ImageType: model.ImageNone,
	}
	_, err := s.UpsertEvents(context.Background(), []model.Event{ev})
	require.NoError(t, err)
	return ev
}

func TestDiskStore_PutKeyRemove(t *testing.T) {
	ds := newDiskStore(t)
	ctx := context.Background()

	url, err := ds.Put(ctx, "events/abc.jpg", strings.NewReader("fake-jpeg"), 9, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "https://assets.towncal.test/events/abc.jpg", url)

	data, err := os.ReadFile(filepath.Join(ds.Dir(), "events", "abc.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "fake-jpeg", string(data))

	key, ok := ds.Key(url)
	require.True(t, ok)
	assert.Equal(t, "events/abc.jpg", key)

	_, ok = ds.Key("https://images.example.org/foreign.jpg")
	assert.False(t, ok)

	require.NoError(t, ds.Remove(ctx, key))
	_, err = os.Stat(filepath.Join(ds.Dir(), "events", "abc.jpg"))
	assert.True(t, os.IsNotExist(err))

	// Removing again is a no-op.
	require.NoError(t, ds.Remove(ctx, key))
}

func TestDiskStore_RejectsTraversal(t *testing.T) {
	ds := newDiskStore(t)
	url, err := ds.Put(context.Background(), "../escape.jpg", strings.NewReader("x"), 1, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "https://assets.towncal.test/../escape.jpg", url)

	// The cleaned path must stay inside the root.
	_, err = os.Stat(filepath.Join(ds.Dir(), "escape.jpg"))
	assert.NoError(t, err)
}

func TestSearchClient_HitMissAndError(t *testing.T) {
	var status int
	var payload string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("q"))
		w.WriteHeader(status)
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	c := NewSearchClient(srv.URL, 5*time.Second)
	ctx := context.Background()

	status, payload = http.StatusOK, `{"result_count":1,"results":[{"url":"https://img.example/x.jpg","title":"x"}]}`
	got, err := c.Search(ctx, "fall festival")
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/x.jpg", got)

	status, payload = http.StatusOK, `{"result_count":0,"results":[]}`
	_, err = c.Search(ctx, "nothing")
	assert.ErrorIs(t, err, ErrNoMatch)

	status, payload = http.StatusInternalServerError, ``
	_, err = c.Search(ctx, "boom")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoMatch)
}

func TestBackfill_FillMissAndErrorOutcomes(t *testing.T) {
	s, _ := openTestStore(t)
	ds := newDiskStore(t)
	ctx := context.Background()
	now := time.Date(2025, 10, 20, 6, 0, 0, 0, time.UTC)

	imgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer imgSrv.Close()

	searchSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Query().Get("q"), "Fall Festival"):
			w.Write([]byte(`{"result_count":1,"results":[{"url":"` + imgSrv.URL + `/x.png"}]}`))
		case strings.Contains(r.URL.Query().Get("q"), "Obscure"):
			w.Write([]byte(`{"result_count":0,"results":[]}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer searchSrv.Close()

	hit := seedEvent(t, s, "Fall Festival", now.AddDate(0, 0, 2))
	miss := seedEvent(t, s, "Obscure Gathering", now.AddDate(0, 0, 3))
	fail := seedEvent(t, s, "Broken Provider Night", now.AddDate(0, 0, 4))

	b := NewBackfiller(s, NewSearchClient(searchSrv.URL, 5*time.Second), ds, 5*time.Second, 50)
	res, err := b.Run(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Candidates)
	assert.Equal(t, 1, res.Filled)
	assert.Equal(t, 1, res.Downgraded)
	assert.Equal(t, 1, res.Skipped)

	got, err := s.GetByID(ctx, hit.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ImageAsset, got.ImageType)
	assert.Equal(t, "https://assets.towncal.test/events/"+hit.ID+".png", got.ImageURL)
	_, err = os.Stat(filepath.Join(ds.Dir(), "events", hit.ID+".png"))
	assert.NoError(t, err)

	got, err = s.GetByID(ctx, miss.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ImageGradient, got.ImageType)
	assert.Empty(t, got.ImageURL)

	// Transport failure leaves the row untouched for a later retry.
	got, err = s.GetByID(ctx, fail.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ImageNone, got.ImageType)
	assert.Empty(t, got.ImageURL)
}

func TestBackfill_NeverTouchesFilledRows(t *testing.T) {
	s, _ := openTestStore(t)
	ds := newDiskStore(t)
	ctx := context.Background()
	now := time.Date(2025, 10, 20, 6, 0, 0, 0, time.UTC)

	ev := seedEvent(t, s, "Already Pictured", now.AddDate(0, 0, 1))
	ok, err := s.SetImage(ctx, ev.ID, "https://assets.towncal.test/events/"+ev.ID+".jpg")
	require.NoError(t, err)
	require.True(t, ok)

	searchSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("search must not be called for a filled row")
	}))
	defer searchSrv.Close()

	b := NewBackfiller(s, NewSearchClient(searchSrv.URL, 5*time.Second), ds, 5*time.Second, 50)
	res, err := b.Run(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)
}

func TestBackfill_RepairsLegacyGradientLiterals(t *testing.T) {
	s, path := openTestStore(t)
	ds := newDiskStore(t)
	ctx := context.Background()
	now := time.Date(2025, 10, 20, 6, 0, 0, 0, time.UTC)

	ev := seedEvent(t, s, "Legacy Style Row", now.AddDate(0, 0, 1))

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`UPDATE events SET image_url = 'linear-gradient(120deg, #a18cd1, #fbc2eb)', image_type = 'image' WHERE id = ?`,
		ev.ID)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	searchSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result_count":0,"results":[]}`))
	}))
	defer searchSrv.Close()

	b := NewBackfiller(s, NewSearchClient(searchSrv.URL, 5*time.Second), ds, 5*time.Second, 50)
	res, err := b.Run(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Repaired)

	got, err := s.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ImageGradient, got.ImageType)
	assert.Empty(t, got.ImageURL)
}

func TestExpiry_BoundaryAndOwnership(t *testing.T) {
	s, _ := openTestStore(t)
	ds := newDiskStore(t)
	ctx := context.Background()
	now := time.Date(2025, 10, 20, 6, 0, 0, 0, time.UTC)

	old := seedEvent(t, s, "Old Concert", now.AddDate(0, 0, -11))
	recent := seedEvent(t, s, "Recent Concert", now.AddDate(0, 0, -9))
	foreign := seedEvent(t, s, "Foreign URL Row", now.AddDate(0, 0, -20))

	url, err := ds.Put(ctx, "events/"+old.ID+".jpg", strings.NewReader("jpeg"), 4, "image/jpeg")
	require.NoError(t, err)
	for id, u := range map[string]string{
		old.ID:     url,
		recent.ID:  "https://assets.towncal.test/events/" + recent.ID + ".jpg",
		foreign.ID: "https://images.example.org/theirs.jpg",
	} {
		ok, err := s.SetImage(ctx, id, u)
		require.NoError(t, err)
		require.True(t, ok)
	}

	e := NewExpirer(s, ds, 10)
	res, err := e.Run(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Selected)
	assert.Equal(t, 1, res.Cleared)
	assert.Equal(t, 1, res.Skipped)

	got, err := s.GetByID(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ImageNone, got.ImageType)
	assert.Empty(t, got.ImageURL)
	_, err = os.Stat(filepath.Join(ds.Dir(), "events", old.ID+".jpg"))
	assert.True(t, os.IsNotExist(err))

	// Inside the retention window: untouched.
	got, err = s.GetByID(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ImageAsset, got.ImageType)

	// Rerunning is a no-op.
	res, err = e.Run(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Selected, "only the foreign row remains selected")
	assert.Zero(t, res.Cleared)
}
