// Package pipeline turns raw source events into stored canonical rows:
// canonicalization, geographic filtering, deduplication, and the batched
// preservation upsert, orchestrated as one ingestion run.
package pipeline

import (
	"strings"
	"time"

	"towncal/internal/identity"
	"towncal/internal/model"
	"towncal/internal/normalize"
	"towncal/internal/source"
)

const defaultCategory = "community"

// Canonicalize maps raw events into canonical ones. Events without a
// title or outside the ingestion window are dropped. The clock time is
// taken from the description when one is stated there, which also
// overrides a source's all-day flag; otherwise the feed's start instant
// is used.
func Canonicalize(raws []model.RawEvent, now time.Time) []model.Event {
	from, to := source.Window(now)

	events := make([]model.Event, 0, len(raws))
	for _, raw := range raws {
		title := strings.TrimSpace(raw.Title)
		if title == "" || raw.Start.IsZero() {
			continue
		}
		if raw.Start.Before(from) || raw.Start.After(to) {
			continue
		}

		desc := normalize.StripHTML(raw.Description)

		clock, found := normalize.ExtractClockTime(desc)
		if !found && !raw.AllDay {
			clock = raw.Start.UTC().Format("15:04")
		}

		category := strings.TrimSpace(raw.Category)
		if category == "" {
			category = defaultCategory
		}

		events = append(events, model.Event{
			ID:          identity.EventID(raw.Source, title, raw.Start),
			Title:       title,
			Description: desc,
			Location:    strings.TrimSpace(raw.Location),
			Address:     strings.TrimSpace(raw.Address),
			Category:    category,
			Source:      raw.Source,
			Date:        raw.Start,
			Time:        clock,
			ImageType:   model.ImageNone,
		})
	}
	return events
}
