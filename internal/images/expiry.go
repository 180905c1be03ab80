package images

import (
	"context"
	"fmt"
	"time"

	"towncal/internal/logging"
	"towncal/internal/metrics"
	"towncal/internal/store"
)

// Expirer clears stored images for events long past their date and
// deletes the underlying object storage assets. Gradient rows carry no
// asset and are never selected.
type Expirer struct {
	store         *store.Store
	objects       ObjectStore
	retentionDays int
}

func NewExpirer(st *store.Store, objects ObjectStore, retentionDays int) *Expirer {
	return &Expirer{store: st, objects: objects, retentionDays: retentionDays}
}

// ExpiryResult accounts for one expiry run.
type ExpiryResult struct {
	Selected int `json:"selected"`
	Cleared  int `json:"cleared"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Run deletes assets and clears image fields for events dated before
// now minus the retention window. Each row is handled independently; a
// failed delete leaves that row for the next run.
func (e *Expirer) Run(ctx context.Context, now time.Time) (ExpiryResult, error) {
	var res ExpiryResult

	cutoff := now.AddDate(0, 0, -e.retentionDays)
	rows, err := e.store.ExpiredImageEvents(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("select expired image events: %w", err)
	}
	res.Selected = len(rows)

	for _, ev := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		key, ok := e.objects.Key(ev.ImageURL)
		if !ok {
			// Not one of ours. Ingestion never writes foreign URLs, so
			// leave the row for manual inspection.
			logging.Warn().Str("event", ev.ID).Str("url", ev.ImageURL).Msg("expiry: foreign image url, skipping")
			res.Skipped++
			continue
		}
		if err := e.objects.Remove(ctx, key); err != nil {
			logging.Error().Err(err).Str("event", ev.ID).Str("key", key).Msg("expiry: delete asset")
			res.Failed++
			continue
		}
		if err := e.store.ClearImage(ctx, ev.ID); err != nil {
			logging.Error().Err(err).Str("event", ev.ID).Msg("expiry: clear image fields")
			res.Failed++
			continue
		}
		res.Cleared++
		metrics.ImagesExpired.Inc()
	}
	return res, nil
}
