package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"towncal/internal/config"
	"towncal/internal/ics"
	"towncal/internal/logging"
	"towncal/internal/model"
)

const (
	maxDetailPages = 100
	maxPageBytes   = 4 << 20
)

// PageFetcher retrieves one HTML page. The plain implementation issues
// a GET; the rendered one drives headless Chromium for pages that only
// build their content client-side.
type PageFetcher interface {
	FetchPage(ctx context.Context, pageURL string) ([]byte, error)
}

type plainPageFetcher struct {
	client *http.Client
}

func (f *plainPageFetcher) FetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "towncal/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// ScrapeAdapter ingests an HTML listing page: the index page yields
// detail-page links via a configured selector, detail pages are fetched
// with a bounded, rate-limited fan-out, and each page's schema.org
// Event markup is extracted. A detail page without embedded markup is
// checked for a downloadable calendar attachment instead. A failing page
// is skipped, never fatal.
type ScrapeAdapter struct {
	name         string
	indexURL     string
	category     string
	linkSelector string

	fetcher     PageFetcher
	attachments PageFetcher // plain GET even in render mode; attachments are data, not pages
	limiter     *rate.Limiter
	concurrency int

	now func() time.Time
}

func NewScrapeAdapter(cfg config.SourceConfig, fetch config.FetchConfig) *ScrapeAdapter {
	plain := &plainPageFetcher{client: &http.Client{Timeout: fetch.Timeout}}
	var fetcher PageFetcher = plain
	if cfg.Render {
		fetcher = NewChromeFetcher(fetch.Timeout)
	}
	return &ScrapeAdapter{
		name:         cfg.Name,
		indexURL:     cfg.URL,
		category:     cfg.Category,
		linkSelector: cfg.LinkSelector,
		fetcher:      fetcher,
		attachments:  plain,
		limiter:      rate.NewLimiter(rate.Limit(fetch.PageRatePerSec), 1),
		concurrency:  fetch.PageConcurrency,
		now:          time.Now,
	}
}

func (a *ScrapeAdapter) Name() string { return a.name }

func (a *ScrapeAdapter) Fetch(ctx context.Context) ([]model.RawEvent, error) {
	index, err := a.fetcher.FetchPage(ctx, a.indexURL)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: index page: %w", a.name, err)
	}

	links, err := a.extractLinks(index)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", a.name, err)
	}
	if len(links) == 0 {
		logging.Warn().Str("source", a.name).Msg("index page yielded no event links")
		return nil, nil
	}

	// Fan out over detail pages. Each page's outcome is captured
	// independently; one bad page never cancels its siblings.
	results := make([][]model.RawEvent, len(links))
	var mu sync.Mutex
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, link := range links {
		i, link := i, link
		g.Go(func() error {
			if err := a.limiter.Wait(gctx); err != nil {
				return err
			}
			events, err := a.fetchDetail(gctx, link)
			if err != nil {
				logging.Warn().Str("source", a.name).Str("page", link).Err(err).Msg("detail page failed")
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			results[i] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Only context cancellation reaches here.
		return nil, fmt.Errorf("scrape %s: %w", a.name, err)
	}
	if failed > 0 {
		logging.Info().Str("source", a.name).Int("failed", failed).Int("pages", len(links)).Msg("scrape finished with page failures")
	}

	var raws []model.RawEvent
	for _, page := range results {
		raws = append(raws, page...)
	}
	return raws, nil
}

func (a *ScrapeAdapter) fetchDetail(ctx context.Context, link string) ([]model.RawEvent, error) {
	body, err := a.fetcher.FetchPage(ctx, link)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse detail page: %w", err)
	}
	if raws := a.extractEvents(doc); len(raws) > 0 {
		return raws, nil
	}
	// No embedded markup; some sites link the data as a downloadable
	// calendar attachment instead.
	calURL, ok := calendarAttachmentURL(doc, link)
	if !ok {
		return nil, nil
	}
	return a.fetchCalendarAttachment(ctx, calURL)
}

// calendarAttachmentURL finds the first calendar download link on the
// page, resolved against the page URL.
func calendarAttachmentURL(doc *goquery.Document, pageURL string) (string, bool) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", false
	}

	var found string
	doc.Find(`a[href], link[href]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		ref, err := url.Parse(href)
		if err != nil || href == "" {
			return true
		}
		typ, _ := sel.Attr("type")
		if typ != "text/calendar" && !strings.HasSuffix(strings.ToLower(ref.Path), ".ics") {
			return true
		}
		found = base.ResolveReference(ref).String()
		return false
	})
	return found, found != ""
}

func (a *ScrapeAdapter) fetchCalendarAttachment(ctx context.Context, calURL string) ([]model.RawEvent, error) {
	body, err := a.attachments.FetchPage(ctx, calURL)
	if err != nil {
		return nil, fmt.Errorf("calendar attachment: %w", err)
	}
	parsed, err := ics.Parse(ics.Source{Name: a.name, URL: calURL}, body)
	if err != nil {
		return nil, fmt.Errorf("calendar attachment: %w", err)
	}
	from, to := Window(a.now())
	occs, err := ics.Expand(parsed, ics.ExpandConfig{RangeStart: from, RangeEnd: to})
	if err != nil {
		return nil, fmt.Errorf("calendar attachment: %w", err)
	}
	return occurrenceRawEvents(occs, a.name, a.category), nil
}

// extractLinks resolves the configured selector's hrefs against the
// index URL, deduplicated in document order.
func (a *ScrapeAdapter) extractLinks(index []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(index))
	if err != nil {
		return nil, fmt.Errorf("parse index page: %w", err)
	}
	base, err := url.Parse(a.indexURL)
	if err != nil {
		return nil, fmt.Errorf("parse index url: %w", err)
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find(a.linkSelector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return true
		}
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref).String()
		if _, dup := seen[abs]; dup {
			return true
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
		return len(links) < maxDetailPages
	})
	return links, nil
}

// ldEvent mirrors the schema.org Event fields detail pages embed as
// JSON-LD. location and address come in both string and object form.
type ldEvent struct {
	Type        any    `json:"@type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
	Location    struct {
		Name    string `json:"name"`
		Address any    `json:"address"`
	} `json:"location"`
}

type ldDocument struct {
	Graph []json.RawMessage `json:"@graph"`
}

func (a *ScrapeAdapter) extractEvents(doc *goquery.Document) []model.RawEvent {
	var raws []model.RawEvent
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, sel *goquery.Selection) {
		for _, node := range splitLD([]byte(sel.Text())) {
			var ev ldEvent
			if err := json.Unmarshal(node, &ev); err != nil {
				continue
			}
			raw, ok := a.toRawEvent(ev)
			if !ok {
				continue
			}
			raws = append(raws, raw)
		}
	})
	return raws
}

// splitLD flattens a JSON-LD payload into candidate nodes: a single
// object, a top-level array, or an @graph container.
func splitLD(data []byte) []json.RawMessage {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if data[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil
		}
		return arr
	}
	var doc ldDocument
	if err := json.Unmarshal(data, &doc); err == nil && len(doc.Graph) > 0 {
		return doc.Graph
	}
	return []json.RawMessage{data}
}

func (a *ScrapeAdapter) toRawEvent(ev ldEvent) (model.RawEvent, bool) {
	if !isEventType(ev.Type) || ev.Name == "" {
		return model.RawEvent{}, false
	}
	start, allDay, ok := parseLDTime(ev.StartDate)
	if !ok {
		return model.RawEvent{}, false
	}
	end, _, _ := parseLDTime(ev.EndDate)

	return model.RawEvent{
		Title:       ev.Name,
		Description: ev.Description,
		Location:    ev.Location.Name,
		Address:     flattenAddress(ev.Location.Address),
		Category:    a.category,
		Source:      a.name,
		Start:       start,
		End:         end,
		AllDay:      allDay,
	}, true
}

func isEventType(t any) bool {
	switch v := t.(type) {
	case string:
		return strings.Contains(v, "Event")
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.Contains(s, "Event") {
				return true
			}
		}
	}
	return false
}

// parseLDTime accepts the date shapes seen in the wild: full RFC 3339,
// a local datetime without zone, and a bare date (all-day).
func parseLDTime(v string) (t time.Time, allDay, ok bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, false, true
		}
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, true, true
	}
	return time.Time{}, false, false
}

// flattenAddress renders a schema.org address (plain string or
// PostalAddress object) as one line.
func flattenAddress(addr any) string {
	switch v := addr.(type) {
	case string:
		return v
	case map[string]any:
		parts := make([]string, 0, 4)
		for _, key := range []string{"streetAddress", "addressLocality", "addressRegion", "postalCode"} {
			if s, ok := v[key].(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}
