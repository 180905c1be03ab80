// Package source defines the adapter interface over external event
// origins and its two concrete strategies: structured calendar feeds
// and HTML-scraped listing pages.
package source

import (
	"context"
	"fmt"
	"time"

	"towncal/internal/config"
	"towncal/internal/ics"
	"towncal/internal/model"
)

// Adapter pulls raw events from one configured source. Implementations
// isolate their own partial failures (a bad entry or page is skipped);
// a returned error means the source as a whole produced nothing.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context) ([]model.RawEvent, error)
}

// Window is the ingestion window: events starting from yesterday up to
// one year out are of interest.
func Window(now time.Time) (time.Time, time.Time) {
	return now.AddDate(0, 0, -1), now.AddDate(1, 0, 0)
}

// occurrenceRawEvents maps expanded calendar occurrences to raw events,
// filling in the source's configured category where the calendar carried
// none.
func occurrenceRawEvents(occs []ics.Occurrence, source, defaultCategory string) []model.RawEvent {
	raws := make([]model.RawEvent, 0, len(occs))
	for _, occ := range occs {
		category := occ.Category
		if category == "" {
			category = defaultCategory
		}
		raws = append(raws, model.RawEvent{
			Title:       occ.Summary,
			Description: occ.Description,
			Location:    occ.Location,
			Address:     occ.Location,
			Category:    category,
			Source:      source,
			Start:       occ.Start,
			End:         occ.End,
			AllDay:      occ.AllDay,
		})
	}
	return raws
}

// NewFromConfig builds the adapter for one source entry.
func NewFromConfig(cfg config.SourceConfig, fetch config.FetchConfig) (Adapter, error) {
	switch cfg.Type {
	case "ics":
		return NewFeedAdapter(cfg, ics.NewFetcher(fetch.CacheDir, fetch.Timeout)), nil
	case "html":
		return NewScrapeAdapter(cfg, fetch), nil
	default:
		return nil, fmt.Errorf("source %s: unknown type %q", cfg.Name, cfg.Type)
	}
}

// NewAll builds adapters for every enabled source.
func NewAll(sources []config.SourceConfig, fetch config.FetchConfig) ([]Adapter, error) {
	adapters := make([]Adapter, 0, len(sources))
	for _, sc := range sources {
		if !sc.Enabled {
			continue
		}
		a, err := NewFromConfig(sc, fetch)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}
