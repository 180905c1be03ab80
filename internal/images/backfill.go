package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"towncal/internal/logging"
	"towncal/internal/metrics"
	"towncal/internal/model"
	"towncal/internal/store"
)

const maxImageBytes = 10 << 20

// Backfiller assigns images to upcoming events that do not have one.
// Rows already carrying a real image are never touched.
type Backfiller struct {
	store   *store.Store
	search  *SearchClient
	objects ObjectStore
	client  *http.Client
	limit   int
}

func NewBackfiller(st *store.Store, search *SearchClient, objects ObjectStore, timeout time.Duration, limit int) *Backfiller {
	return &Backfiller{
		store:   st,
		search:  search,
		objects: objects,
		client:  &http.Client{Timeout: timeout},
		limit:   limit,
	}
}

// BackfillResult accounts for one backfill run.
type BackfillResult struct {
	Repaired   int64 `json:"repaired"`
	Candidates int   `json:"candidates"`
	Filled     int   `json:"filled"`
	Downgraded int   `json:"downgraded"`
	Skipped    int   `json:"skipped"`
}

// Run processes up to the configured number of candidate rows. A search
// miss downgrades the row to the gradient fallback; transport, download
// and storage failures leave the row untouched so a later run can retry.
func (b *Backfiller) Run(ctx context.Context, now time.Time) (BackfillResult, error) {
	var res BackfillResult

	// Legacy rows stored CSS gradient literals in image_url. Repair
	// them before candidate selection so they are never treated as
	// filled.
	repaired, err := b.store.NormalizeGradientPlaceholders(ctx)
	if err != nil {
		return res, fmt.Errorf("normalize gradient placeholders: %w", err)
	}
	if repaired > 0 {
		logging.Warn().Int64("rows", repaired).Msg("repaired legacy gradient placeholders")
	}
	res.Repaired = repaired

	candidates, err := b.store.BackfillCandidates(ctx, now, b.limit)
	if err != nil {
		return res, fmt.Errorf("select backfill candidates: %w", err)
	}
	res.Candidates = len(candidates)

	for _, ev := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		switch err := b.fill(ctx, ev); {
		case err == nil:
			res.Filled++
			metrics.ImagesBackfilled.WithLabelValues("filled").Inc()
		case errors.Is(err, ErrNoMatch):
			if err := b.store.SetGradient(ctx, ev.ID); err != nil {
				logging.Error().Err(err).Str("event", ev.ID).Msg("set gradient fallback")
				res.Skipped++
				metrics.ImagesBackfilled.WithLabelValues("error").Inc()
				continue
			}
			res.Downgraded++
			metrics.ImagesBackfilled.WithLabelValues("gradient").Inc()
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			// Provider is down; stop burning the remaining candidates.
			logging.Warn().Err(err).Msg("image search unavailable, ending backfill run")
			res.Skipped += len(candidates) - res.Filled - res.Downgraded - res.Skipped
			return res, nil
		default:
			logging.Warn().Err(err).Str("event", ev.ID).Str("title", ev.Title).Msg("backfill failed")
			res.Skipped++
			metrics.ImagesBackfilled.WithLabelValues("error").Inc()
		}
	}
	return res, nil
}

func (b *Backfiller) fill(ctx context.Context, ev model.Event) error {
	src, err := b.search.Search(ctx, searchQuery(ev))
	if err != nil {
		return err
	}

	data, contentType, err := b.download(ctx, src)
	if err != nil {
		return err
	}

	key := "events/" + ev.ID + extensionFor(contentType)
	publicURL, err := b.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
	if err != nil {
		return fmt.Errorf("store image copy: %w", err)
	}

	ok, err := b.store.SetImage(ctx, ev.ID, publicURL)
	if err != nil {
		return fmt.Errorf("record image: %w", err)
	}
	if !ok {
		// The row gained an image since candidate selection; drop the
		// orphaned copy.
		if err := b.objects.Remove(ctx, key); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("remove orphaned image copy")
		}
	}
	return nil
}

func (b *Backfiller) download(ctx context.Context, src string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", fmt.Errorf("image download request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("image download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("image download: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("image download: read body: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("image download: empty body")
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image download: larger than %d bytes", maxImageBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// searchQuery derives provider keywords from the event.
func searchQuery(ev model.Event) string {
	q := strings.TrimSpace(ev.Title)
	if ev.Category != "" && ev.Category != "community" {
		q += " " + ev.Category
	}
	return q
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
