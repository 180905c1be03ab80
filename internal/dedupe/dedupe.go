// Package dedupe removes near-duplicate events within an ingestion batch
// and against rows already stored from other sources.
package dedupe

import (
	"strings"
	"time"

	"towncal/internal/identity"
	"towncal/internal/model"
)

// fuzzyWindow is how far apart two start instants can be while still
// describing the same occurrence.
const fuzzyWindow = time.Hour

// Result is the outcome of one deduplication pass.
type Result struct {
	Keep []model.Event
	// DroppedInBatch counts later in-batch duplicates of an earlier event.
	DroppedInBatch int
	// DroppedCrossSource counts batch events dropped because a stored row
	// from another source already represents them. The stored row wins so
	// its id (and any attached image) is never fragmented.
	DroppedCrossSource int
}

// Dedupe returns the subset of batch to write. Within the batch the first
// occurrence wins; against stored rows from other sources, the stored row
// wins. Stored rows are never mutated here; this only decides what to
// write.
//
// Quadratic over the batch; a batch is one scheduled run of a handful of
// feeds, so no index structure is needed.
func Dedupe(batch []model.Event, stored []model.Event) Result {
	res := Result{Keep: make([]model.Event, 0, len(batch))}

	type keyed struct {
		ev   model.Event
		norm string
	}

	storedKeyed := make([]keyed, 0, len(stored))
	for _, ev := range stored {
		storedKeyed = append(storedKeyed, keyed{ev: ev, norm: identity.NormalizeTitle(ev.Title)})
	}

	kept := make([]keyed, 0, len(batch))

nextEvent:
	for _, ev := range batch {
		norm := identity.NormalizeTitle(ev.Title)

		for _, prev := range kept {
			if isDuplicate(ev, norm, prev.ev, prev.norm) {
				res.DroppedInBatch++
				continue nextEvent
			}
		}

		for _, st := range storedKeyed {
			if st.ev.Source == ev.Source {
				// Same-source re-ingestion converges on the same row via
				// the upsert conflict target; nothing to drop here.
				continue
			}
			if fuzzyMatch(ev, norm, st.ev, st.norm) {
				res.DroppedCrossSource++
				continue nextEvent
			}
		}

		kept = append(kept, keyed{ev: ev, norm: norm})
		res.Keep = append(res.Keep, ev)
	}

	return res
}

// isDuplicate applies both rules: exact (same normalized title, calendar
// day, and source) and fuzzy (title match within the 1-hour window).
func isDuplicate(a model.Event, aNorm string, b model.Event, bNorm string) bool {
	if a.Source == b.Source && aNorm == bNorm && sameDay(a.Date, b.Date) {
		return true
	}
	return fuzzyMatch(a, aNorm, b, bNorm)
}

// fuzzyMatch reports whether two events describe the same occurrence:
// normalized titles equal or one containing the other, with start instants
// within fuzzyWindow.
func fuzzyMatch(a model.Event, aNorm string, b model.Event, bNorm string) bool {
	if aNorm == "" || bNorm == "" {
		return false
	}
	if !titlesMatch(aNorm, bNorm) {
		return false
	}
	diff := startInstant(a).Sub(startInstant(b))
	if diff < 0 {
		diff = -diff
	}
	return diff <= fuzzyWindow
}

// startInstant combines the calendar day with the extracted clock time.
// Rows read back from storage carry a day-granular Date, so the time
// column is the only place the start hour survives the round trip.
func startInstant(ev model.Event) time.Time {
	if t, err := time.Parse("15:04", ev.Time); err == nil {
		y, m, d := ev.Date.Date()
		return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, time.UTC)
	}
	return ev.Date
}

func titlesMatch(a, b string) bool {
	return a == b || strings.Contains(a, b) || strings.Contains(b, a)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
