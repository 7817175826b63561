package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ryosukesatoh/daily-digest/internal/config"
)

const hnItemConcurrency = 8

type hnItem struct {
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Text        string `json:"text"`
	Score       int    `json:"score"`
	Descendants int    `json:"descendants"`
	Time        int64  `json:"time"`
	Deleted     bool   `json:"deleted"`
	Dead        bool   `json:"dead"`
}

// HackerNewsFetcher reads the current top stories.
type HackerNewsFetcher struct {
	key      string
	cfg      config.HackerNewsConfig
	maxItems int
	client   *http.Client
	baseURL  string
	logger   *slog.Logger
}

func NewHackerNewsFetcher(src config.SourceConfig, client *http.Client, logger *slog.Logger) *HackerNewsFetcher {
	baseURL := src.BaseURL
	if baseURL == "" {
		baseURL = "https://hacker-news.firebaseio.com"
	}
	return &HackerNewsFetcher{
		key:      src.Key,
		cfg:      *src.HackerNews,
		maxItems: src.MaxItems,
		client:   client,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		logger:   logger,
	}
}

func (f *HackerNewsFetcher) Key() string { return f.key }

func (f *HackerNewsFetcher) Fetch(ctx context.Context) ([]Item, error) {
	var ids []int64
	if err := getJSON(ctx, f.client, "hackernews", f.baseURL+"/v0/topstories.json", &ids); err != nil {
		return nil, err
	}
	if f.cfg.Limit > 0 && len(ids) > f.cfg.Limit {
		ids = ids[:f.cfg.Limit]
	}

	// Index-addressed so the ranking order survives concurrent fetches.
	stories := make([]*hnItem, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hnItemConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			var it hnItem
			err := getJSON(gctx, f.client, "hackernews", fmt.Sprintf("%s/v0/item/%d.json", f.baseURL, id), &it)
			if err != nil {
				// One missing story does not fail the listing.
				var se *StatusError
				if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
					return nil
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				f.logger.Warn("failed to fetch story", "item_id", id, "error", err)
				return nil
			}
			stories[i] = &it
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("hackernews: %w", err)
	}

	items := make([]Item, 0, len(stories))
	for _, s := range stories {
		if s == nil || s.Deleted || s.Dead || s.Type != "story" || s.Score < f.cfg.MinScore {
			continue
		}
		discussion := fmt.Sprintf("https://news.ycombinator.com/item?id=%d", s.ID)
		link := s.URL
		if link == "" {
			link = discussion
		}
		var published time.Time
		if s.Time > 0 {
			published = time.Unix(s.Time, 0).UTC()
		}
		items = append(items, Item{
			SourceKey:   f.key,
			Kind:        KindHackerNews,
			ID:          fmt.Sprintf("%d", s.ID),
			Title:       strings.TrimSpace(s.Title),
			Body:        htmlToText(s.Text),
			URL:         link,
			PublishedAt: published,
			Meta: Meta{
				Score:    s.Score,
				HasScore: true,
				Comments: s.Descendants,
			},
			FullContent: s.URL != "",
		})
	}
	return finalize(items, f.maxItems, f.logger), nil
}
