package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towncal/internal/config"
	"towncal/internal/geo"
	"towncal/internal/ics"
	"towncal/internal/model"
	"towncal/internal/source"
	"towncal/internal/store"
)

func TestCanonicalize(t *testing.T) {
	now := time.Date(2025, 10, 10, 12, 0, 0, 0, time.UTC)
	start := time.Date(2025, 10, 18, 18, 0, 0, 0, time.UTC)

	raws := []model.RawEvent{
		{
			Title:       "  Fall Festival  ",
			Description: "<p>Doors open <b>5:30 p.m.</b>, show at 6:00 p.m.</p>",
			Location:    "Community Park",
			Address:     "Bonita, CA 91902",
			Source:      "library",
			Start:       start,
			AllDay:      true, // a stated clock time overrides this
		},
		{
			Title:  "", // dropped: no title
			Source: "library",
			Start:  start,
		},
		{
			Title:  "Ancient History",
			Source: "library",
			Start:  now.AddDate(0, 0, -30), // dropped: before the window
		},
		{
			Title:  "Next Decade Gala",
			Source: "library",
			Start:  now.AddDate(2, 0, 0), // dropped: past the window
		},
		{
			Title:  "Morning Walk",
			Source: "parks",
			Start:  time.Date(2025, 10, 12, 7, 30, 0, 0, time.UTC),
		},
	}

	events := Canonicalize(raws, now)
	require.Len(t, events, 2)

	ff := events[0]
	assert.Equal(t, "Fall Festival", ff.Title)
	assert.Equal(t, "Doors open 5:30 p.m., show at 6:00 p.m.", ff.Description)
	assert.Equal(t, "17:30", ff.Time, "earliest stated time wins and overrides all-day")
	assert.Equal(t, "community", ff.Category, "category defaults when raw one is empty")
	assert.Equal(t, model.ImageNone, ff.ImageType)
	assert.NotEmpty(t, ff.ID)

	walk := events[1]
	assert.Equal(t, "07:30", walk.Time, "start instant clock is the fallback")
}

func TestCanonicalize_DeterministicIDs(t *testing.T) {
	now := time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC)
	raw := model.RawEvent{
		Title:  "Fall Festival",
		Source: "library",
		Start:  time.Date(2025, 10, 18, 18, 0, 0, 0, time.UTC),
	}
	a := Canonicalize([]model.RawEvent{raw}, now)
	b := Canonicalize([]model.RawEvent{raw}, now)
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].ID, b[0].ID)
}

// upcomingStart is an event instant safely inside the ingestion window
// no matter when the tests run.
func upcomingStart() time.Time {
	day := time.Now().UTC().AddDate(0, 0, 8)
	return time.Date(day.Year(), day.Month(), day.Day(), 18, 0, 0, 0, time.UTC)
}

func feedBodyFor(start time.Time) string {
	return "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//towncal//test//EN\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:fall-festival@library\r\n" +
		"DTSTAMP:" + start.AddDate(0, 0, -14).Format("20060102T150405Z") + "\r\n" +
		"DTSTART:" + start.Format("20060102T150405Z") + "\r\n" +
		"DTEND:" + start.Add(3*time.Hour).Format("20060102T150405Z") + "\r\n" +
		"SUMMARY:Fall Festival\r\n" +
		"LOCATION:Bonita\\, CA 91902\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
}

func feedServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestRunner(t *testing.T, adapters []source.Adapter, zips []string) (*Runner, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return NewRunner(adapters, geo.NewFilter(zips), st), st
}

func feedAdapter(t *testing.T, name, url string) source.Adapter {
	t.Helper()
	cfg := config.SourceConfig{Name: name, URL: url, Type: "ics", Enabled: true}
	return source.NewFeedAdapter(cfg, ics.NewFetcher(t.TempDir(), 2*time.Second))
}

func TestRun_WritesHealthyFeedDespiteFailingSibling(t *testing.T) {
	healthy := feedServer(t, feedBodyFor(upcomingStart()))

	// The broken feed's server is already closed: connection refused.
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	broken.Close()

	r, st := newTestRunner(t, []source.Adapter{
		feedAdapter(t, "broken", broken.URL),
		feedAdapter(t, "library", healthy.URL),
	}, []string{"91902"})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Errored())
	assert.Equal(t, 1, res.Written)

	require.Len(t, res.Sources, 2)
	bySource := map[string]model.SourceReport{}
	for _, s := range res.Sources {
		bySource[s.Source] = s
	}
	assert.NotEmpty(t, bySource["broken"].Error)
	assert.Empty(t, bySource["library"].Error)
	assert.Equal(t, 1, bySource["library"].Fetched)

	counts, err := st.CountBySource(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"library": 1}, counts)
}

func TestRun_GeoFilterDropsOutOfAreaEvents(t *testing.T) {
	srv := feedServer(t, feedBodyFor(upcomingStart()))
	r, st := newTestRunner(t, []source.Adapter{feedAdapter(t, "library", srv.URL)}, []string{"92101"})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Filtered)
	assert.Zero(t, res.Written)

	counts, err := st.CountBySource(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestRun_StoredCrossSourceRowWins(t *testing.T) {
	start := upcomingStart()
	srv := feedServer(t, feedBodyFor(start))
	r, st := newTestRunner(t, []source.Adapter{feedAdapter(t, "library", srv.URL)}, nil)

	// Another source already contributed the same occurrence, slightly
	// renamed and half an hour off.
	prior := Canonicalize([]model.RawEvent{{
		Title:  "Fall Festival!",
		Source: "townsite",
		Start:  start.Add(30 * time.Minute),
	}}, time.Now())
	require.Len(t, prior, 1)
	_, err := st.UpsertEvents(context.Background(), prior)
	require.NoError(t, err)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deduped)
	assert.Zero(t, res.Written)

	counts, err := st.CountBySource(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"townsite": 1}, counts)
}

func TestRun_Rerun_IsIdempotent(t *testing.T) {
	srv := feedServer(t, feedBodyFor(upcomingStart()))
	r, st := newTestRunner(t, []source.Adapter{feedAdapter(t, "library", srv.URL)}, nil)

	for i := 0; i < 2; i++ {
		res, err := r.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Written)
	}
	counts, err := st.CountBySource(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"library": 1}, counts)
}

func TestRunSource_UnknownName(t *testing.T) {
	r, _ := newTestRunner(t, nil, nil)
	_, err := r.RunSource(context.Background(), "nope")
	require.Error(t, err)
}
