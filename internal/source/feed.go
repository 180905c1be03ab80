package source

import (
	"context"
	"fmt"
	"time"

	"towncal/internal/config"
	"towncal/internal/ics"
	"towncal/internal/model"
)

// FeedAdapter ingests an ICS calendar feed: conditional-GET fetch,
// parse, recurrence expansion within the ingestion window.
type FeedAdapter struct {
	src      ics.Source
	category string
	fetcher  *ics.Fetcher

	now func() time.Time
}

func NewFeedAdapter(cfg config.SourceConfig, fetcher *ics.Fetcher) *FeedAdapter {
	return &FeedAdapter{
		src:      ics.Source{Name: cfg.Name, URL: cfg.URL},
		category: cfg.Category,
		fetcher:  fetcher,
		now:      time.Now,
	}
}

func (a *FeedAdapter) Name() string { return a.src.Name }

func (a *FeedAdapter) Fetch(ctx context.Context) ([]model.RawEvent, error) {
	res, err := a.fetcher.Fetch(ctx, a.src)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", a.src.Name, err)
	}

	parsed, err := ics.Parse(a.src, res.Body)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", a.src.Name, err)
	}

	from, to := Window(a.now())
	occs, err := ics.Expand(parsed, ics.ExpandConfig{RangeStart: from, RangeEnd: to})
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", a.src.Name, err)
	}

	return occurrenceRawEvents(occs, a.src.Name, a.category), nil
}
