package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"towncal/internal/dedupe"
	"towncal/internal/geo"
	"towncal/internal/logging"
	"towncal/internal/metrics"
	"towncal/internal/model"
	"towncal/internal/source"
	"towncal/internal/store"
)

// Runner executes ingestion runs over a fixed set of adapters.
type Runner struct {
	adapters []source.Adapter
	geo      *geo.Filter
	store    *store.Store

	now func() time.Time
}

func NewRunner(adapters []source.Adapter, geoFilter *geo.Filter, st *store.Store) *Runner {
	return &Runner{
		adapters: adapters,
		geo:      geoFilter,
		store:    st,
		now:      time.Now,
	}
}

// Run executes one ingestion: concurrent per-source fetch, canonicalize,
// geographic filter, dedupe against batch and stored rows, upsert. A
// failed source or chunk is recorded in the result; only storage being
// unreachable returns an error.
func (r *Runner) Run(ctx context.Context) (model.RunResult, error) {
	return r.run(ctx, "")
}

// RunSource runs ingestion for a single named source, for the manual
// trigger endpoint.
func (r *Runner) RunSource(ctx context.Context, name string) (model.RunResult, error) {
	for _, a := range r.adapters {
		if a.Name() == name {
			return r.run(ctx, name)
		}
	}
	return model.RunResult{}, fmt.Errorf("unknown source %q", name)
}

func (r *Runner) run(ctx context.Context, only string) (model.RunResult, error) {
	started := r.now()
	res := model.RunResult{StartedAt: started}

	adapters := r.adapters
	if only != "" {
		adapters = nil
		for _, a := range r.adapters {
			if a.Name() == only {
				adapters = append(adapters, a)
			}
		}
	}

	// One goroutine per source; each outcome lands in its own slot so a
	// slow or failing feed never blocks or cancels the others.
	reports := make([]model.SourceReport, len(adapters))
	fetched := make([][]model.RawEvent, len(adapters))
	var wg sync.WaitGroup
	for i, a := range adapters {
		i, a := i, a
		wg.Add(1)
		go func() {
			defer wg.Done()
			raws, err := a.Fetch(ctx)
			reports[i] = model.SourceReport{Source: a.Name(), Fetched: len(raws)}
			if err != nil {
				reports[i].Error = err.Error()
				metrics.SourceErrors.WithLabelValues(a.Name()).Inc()
				logging.Error().Str("source", a.Name()).Err(err).Msg("source fetch failed")
				return
			}
			fetched[i] = raws
			metrics.EventsFetched.WithLabelValues(a.Name()).Add(float64(len(raws)))
		}()
	}
	wg.Wait()

	res.Sources = reports
	var raws []model.RawEvent
	for _, page := range fetched {
		raws = append(raws, page...)
	}
	res.Fetched = len(raws)

	batch := Canonicalize(raws, started)

	filtered := r.geo.Apply(batch)
	res.Filtered = filtered.Dropped
	metrics.EventsFiltered.Add(float64(filtered.Dropped))
	if filtered.KeptUnresolved > 0 {
		logging.Debug().Int("events", filtered.KeptUnresolved).Msg("kept events with unresolvable addresses")
	}

	stored, err := r.storedComparisonSet(ctx, filtered.Kept)
	if err != nil {
		return res, err
	}

	deduped := dedupe.Dedupe(filtered.Kept, stored)
	res.Deduped = deduped.DroppedInBatch + deduped.DroppedCrossSource
	metrics.EventsDeduped.WithLabelValues("batch").Add(float64(deduped.DroppedInBatch))
	metrics.EventsDeduped.WithLabelValues("cross_source").Add(float64(deduped.DroppedCrossSource))

	written, err := r.store.UpsertEvents(ctx, deduped.Keep)
	if err != nil {
		return res, fmt.Errorf("upsert events: %w", err)
	}
	res.Written = written.Written
	res.FailedChunks = written.FailedChunks
	metrics.EventsWritten.Add(float64(written.Written))
	metrics.UpsertChunkFailures.Add(float64(written.FailedChunks))

	res.Duration = r.now().Sub(started)
	metrics.IngestDuration.Observe(res.Duration.Seconds())
	outcome := "ok"
	if res.Errored() {
		outcome = "partial"
	}
	metrics.IngestRuns.WithLabelValues(outcome).Inc()

	logging.Info().
		Int("fetched", res.Fetched).
		Int("filtered", res.Filtered).
		Int("deduped", res.Deduped).
		Int("written", res.Written).
		Int("failed_chunks", res.FailedChunks).
		Dur("duration", res.Duration).
		Msg("ingestion run finished")
	return res, nil
}

// storedComparisonSet loads the stored rows the deduplicator compares
// against: everything dated within the batch's date range, one day of
// slack on each side.
func (r *Runner) storedComparisonSet(ctx context.Context, batch []model.Event) ([]model.Event, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	min, max := batch[0].Date, batch[0].Date
	for _, ev := range batch[1:] {
		if ev.Date.Before(min) {
			min = ev.Date
		}
		if ev.Date.After(max) {
			max = ev.Date
		}
	}
	stored, err := r.store.EventsBetween(ctx, min.AddDate(0, 0, -1), max.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("load stored comparison set: %w", err)
	}
	return stored, nil
}
