package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/config"
)

type redditListing struct {
	Data struct {
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	Name        string  `json:"name"`
	Title       string  `json:"title"`
	Selftext    string  `json:"selftext"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	Subreddit   string  `json:"subreddit"`
	Stickied    bool    `json:"stickied"`
	IsSelf      bool    `json:"is_self"`
	CreatedUTC  float64 `json:"created_utc"`
	Thumbnail   string  `json:"thumbnail"`
}

// RedditFetcher reads the top posts of configured subreddits.
type RedditFetcher struct {
	key      string
	cfg      config.RedditConfig
	maxItems int
	client   *http.Client
	baseURL  string
	logger   *slog.Logger
}

func NewRedditFetcher(src config.SourceConfig, client *http.Client, logger *slog.Logger) *RedditFetcher {
	baseURL := src.BaseURL
	if baseURL == "" {
		baseURL = "https://www.reddit.com"
	}
	return &RedditFetcher{
		key:      src.Key,
		cfg:      *src.Reddit,
		maxItems: src.MaxItems,
		client:   client,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		logger:   logger,
	}
}

func (f *RedditFetcher) Key() string { return f.key }

// Fetch reads every subreddit in order. A failing subreddit is logged and
// skipped; the source fails only when every subreddit failed.
func (f *RedditFetcher) Fetch(ctx context.Context) ([]Item, error) {
	var (
		items   []Item
		lastErr error
		failed  int
	)
	for _, sub := range f.cfg.Subreddits {
		posts, err := f.fetchSubreddit(ctx, sub)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.logger.Warn("failed to read subreddit", "subreddit", sub, "error", err)
			lastErr = err
			failed++
			continue
		}
		items = append(items, posts...)
	}
	if failed > 0 && failed == len(f.cfg.Subreddits) {
		return nil, fmt.Errorf("reddit: all %d subreddits failed: %w", failed, lastErr)
	}
	return finalize(items, f.maxItems, f.logger), nil
}

func (f *RedditFetcher) fetchSubreddit(ctx context.Context, sub string) ([]Item, error) {
	query := url.Values{}
	query.Set("t", f.cfg.TimeWindow)
	query.Set("limit", fmt.Sprintf("%d", f.cfg.Limit))
	reqURL := fmt.Sprintf("%s/r/%s/top.json?%s", f.baseURL, url.PathEscape(sub), query.Encode())

	var listing redditListing
	if err := getJSON(ctx, f.client, "reddit", reqURL, &listing); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		p := child.Data
		if p.Stickied || p.Score < f.cfg.MinScore {
			continue
		}

		link := p.URL
		if p.IsSelf || link == "" {
			link = "https://www.reddit.com" + p.Permalink
		}

		var published time.Time
		if p.CreatedUTC > 0 {
			published = time.Unix(int64(p.CreatedUTC), 0).UTC()
		}
		thumb := ""
		if strings.HasPrefix(p.Thumbnail, "http") {
			thumb = p.Thumbnail
		}

		items = append(items, Item{
			SourceKey:   f.key,
			Kind:        KindReddit,
			ID:          p.Name,
			Title:       strings.TrimSpace(p.Title),
			Body:        strings.TrimSpace(p.Selftext),
			URL:         link,
			PublishedAt: published,
			Meta: Meta{
				Score:     p.Score,
				HasScore:  true,
				Comments:  p.NumComments,
				Community: p.Subreddit,
				Thumbnail: thumb,
			},
			// Link posts carry no text of their own; read the linked page.
			FullContent: !p.IsSelf && p.URL != "",
		})
	}
	return items, nil
}
