package source

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// ChromeFetcher retrieves pages through headless Chromium and returns
// the rendered DOM, for listing pages that only materialize their
// content client-side.
type ChromeFetcher struct {
	timeout time.Duration
}

func NewChromeFetcher(timeout time.Duration) *ChromeFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChromeFetcher{timeout: timeout}
}

func (f *ChromeFetcher) FetchPage(parentCtx context.Context, pageURL string) ([]byte, error) {
	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, f.timeout)
	defer timeoutCancel()

	var html string
	tasks := chromedp.Tasks{
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		// Small extra delay so late scripts finish populating the list.
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("render %s: %w", pageURL, err)
	}
	return []byte(html), nil
}
