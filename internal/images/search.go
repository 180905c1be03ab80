package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"towncal/internal/logging"
)

// ErrNoMatch means the provider answered but returned zero results for
// the query. Distinct from transport failures so callers can downgrade
// the row instead of retrying.
var ErrNoMatch = errors.New("image search: no match")

const searchPageSize = 1

// SearchClient queries an Openverse-compatible image search API. A
// circuit breaker shields the provider: repeated transport failures
// open the breaker and subsequent calls fail fast with
// gobreaker.ErrOpenState.
type SearchClient struct {
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[string]
}

func NewSearchClient(endpoint string, timeout time.Duration) *SearchClient {
	settings := gobreaker.Settings{
		Name:    "image-search",
		Timeout: 2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A clean miss is a healthy provider answer, not a failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoMatch)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("image search breaker state change")
		},
	}
	return &SearchClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		breaker:  gobreaker.NewCircuitBreaker[string](settings),
	}
}

type searchResponse struct {
	ResultCount int `json:"result_count"`
	Results     []struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"results"`
}

// Search returns the URL of the best matching image for the query.
func (c *SearchClient) Search(ctx context.Context, query string) (string, error) {
	return c.breaker.Execute(func() (string, error) {
		return c.search(ctx, query)
	})
}

func (c *SearchClient) search(ctx context.Context, query string) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("image search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("page_size", fmt.Sprint(searchPageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("image search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("image search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNoMatch
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("image search: unexpected status %d", resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("image search: decode response: %w", err)
	}
	for _, r := range body.Results {
		if r.URL != "" {
			return r.URL, nil
		}
	}
	return "", ErrNoMatch
}
