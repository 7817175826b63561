package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/config"
)

const userAgent = "daily-digest/1.0 (+https://github.com/ryosukesatoh/daily-digest)"

// Fetcher retrieves the current candidate items of one source. Fetch never
// touches storage and returns items in the source's natural order.
type Fetcher interface {
	Key() string
	Fetch(ctx context.Context) ([]Item, error)
}

// Deps are the shared collaborators handed to every adapter.
type Deps struct {
	Client *http.Client
	Logger *slog.Logger
	Now    func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Client == nil {
		d.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// ErrUnsupportedFetcherType is returned when an unsupported fetcher type is specified
var ErrUnsupportedFetcherType = errors.New("unsupported fetcher type")

// New creates the adapter for a configured source.
func New(src config.SourceConfig, deps Deps) (Fetcher, error) {
	deps = deps.withDefaults()
	logger := deps.Logger.With("component", "fetcher", "source", src.Key)
	switch src.Type {
	case string(KindReddit):
		return NewRedditFetcher(src, deps.Client, logger), nil
	case string(KindHackerNews):
		return NewHackerNewsFetcher(src, deps.Client, logger), nil
	case string(KindGitHubTrending):
		return NewGitHubTrendingFetcher(src, deps.Client, logger), nil
	case string(KindRSS):
		return NewRSSFetcher(src, deps.Client, logger, deps.Now), nil
	case string(KindArxiv):
		return NewArxivFetcher(src, deps.Client, logger), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedFetcherType, src.Type)
	}
}

// StatusError is an unexpected upstream HTTP status.
type StatusError struct {
	Source     string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Source, e.StatusCode)
}

func get(ctx context.Context, client *http.Client, name, rawURL, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", name, err)
	}
	req.Header.Set("User-Agent", userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Source: name, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", name, err)
	}
	return body, nil
}

func getJSON(ctx context.Context, client *http.Client, name, rawURL string, out any) error {
	body, err := get(ctx, client, name, rawURL, "application/json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: failed to parse JSON: %w", name, err)
	}
	return nil
}

// finalize drops items without an id and truncates to maxItems.
func finalize(items []Item, maxItems int, logger *slog.Logger) []Item {
	out := items[:0]
	for _, it := range items {
		if it.ID == "" {
			logger.Warn("dropping item without id", "title", it.Title, "url", it.URL)
			continue
		}
		out = append(out, it)
	}
	if maxItems > 0 && len(out) > maxItems {
		out = out[:maxItems]
	}
	return out
}
