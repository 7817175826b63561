package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"github.com/ryosukesatoh/daily-digest/internal/config"
)

var (
	strictPolicy = bluemonday.StrictPolicy()
	youtubeID    = regexp.MustCompile(`(?:v=|youtu\.be/)([A-Za-z0-9_-]+)`)
	spaces       = regexp.MustCompile(`\s+`)
)

// htmlToText strips markup and collapses whitespace.
func htmlToText(s string) string {
	text := html.UnescapeString(strictPolicy.Sanitize(s))
	return strings.TrimSpace(spaces.ReplaceAllString(text, " "))
}

// RSSFetcher reads recent entries from a list of RSS/Atom feeds.
type RSSFetcher struct {
	key      string
	cfg      config.RSSConfig
	maxItems int
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

func NewRSSFetcher(src config.SourceConfig, client *http.Client, logger *slog.Logger, now func() time.Time) *RSSFetcher {
	return &RSSFetcher{
		key:      src.Key,
		cfg:      *src.RSS,
		maxItems: src.MaxItems,
		client:   client,
		logger:   logger,
		now:      now,
	}
}

func (f *RSSFetcher) Key() string { return f.key }

// Fetch reads every feed in order. A failing feed is logged and skipped; the
// source fails only when every feed failed.
func (f *RSSFetcher) Fetch(ctx context.Context) ([]Item, error) {
	threshold := f.now().Add(-time.Duration(f.cfg.ThresholdDays) * 24 * time.Hour)

	var (
		items   []Item
		lastErr error
		failed  int
	)
	for _, feed := range f.cfg.Feeds {
		entries, err := f.fetchFeed(ctx, feed, threshold)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.logger.Warn("failed to read feed", "feed", feed.Name, "url", feed.URL, "error", err)
			lastErr = err
			failed++
			continue
		}
		items = append(items, entries...)
	}
	if failed > 0 && failed == len(f.cfg.Feeds) {
		return nil, fmt.Errorf("rss: all %d feeds failed: %w", failed, lastErr)
	}
	return finalize(items, f.maxItems, f.logger), nil
}

func (f *RSSFetcher) fetchFeed(ctx context.Context, feedCfg config.FeedConfig, threshold time.Time) ([]Item, error) {
	body, err := get(ctx, f.client, "rss", feedCfg.URL, "application/rss+xml, application/atom+xml, application/xml, text/xml")
	if err != nil {
		return nil, err
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rss: failed to parse %s: %w", feedCfg.Name, err)
	}

	feedImage := ""
	if feed.Image != nil && isHTTPURL(feed.Image.URL) {
		feedImage = feed.Image.URL
	}

	var items []Item
	for _, entry := range feed.Items {
		published := entryTime(entry)
		if published.IsZero() || !published.After(threshold) {
			continue
		}

		id := strings.TrimSpace(entry.GUID)
		if id == "" {
			id = strings.TrimSpace(entry.Link)
		}

		items = append(items, Item{
			SourceKey:   f.key,
			Kind:        KindRSS,
			ID:          id,
			Title:       strings.TrimSpace(entry.Title),
			Body:        htmlToText(entryHTML(entry)),
			URL:         strings.TrimSpace(entry.Link),
			PublishedAt: published.UTC(),
			Meta: Meta{
				Community: feedCfg.Name,
				Thumbnail: thumbnail(entry, feedImage),
			},
			FullContent: f.cfg.FetchFullContent,
		})
		if len(items) >= f.cfg.MaxEntriesPerFeed {
			break
		}
	}
	return items, nil
}

// entryTime prefers the updated time, as feeds revise entries in place.
func entryTime(entry *gofeed.Item) time.Time {
	if entry.UpdatedParsed != nil {
		return *entry.UpdatedParsed
	}
	if entry.PublishedParsed != nil {
		return *entry.PublishedParsed
	}
	return time.Time{}
}

func entryHTML(entry *gofeed.Item) string {
	if entry.ITunesExt != nil && entry.ITunesExt.Summary != "" {
		return entry.ITunesExt.Summary
	}
	if entry.Description != "" {
		return entry.Description
	}
	return entry.Content
}

// thumbnail picks a YouTube still, then the entry's own image, then the
// feed's channel image.
func thumbnail(entry *gofeed.Item, feedImage string) string {
	if strings.Contains(entry.Link, "youtube.com/watch") || strings.Contains(entry.Link, "youtu.be/") {
		if m := youtubeID.FindStringSubmatch(entry.Link); m != nil {
			return fmt.Sprintf("https://img.youtube.com/vi/%s/hqdefault.jpg", m[1])
		}
	}
	if entry.ITunesExt != nil && isHTTPURL(entry.ITunesExt.Image) {
		return entry.ITunesExt.Image
	}
	if entry.Image != nil && isHTTPURL(entry.Image.URL) {
		return entry.Image.URL
	}
	if media, ok := entry.Extensions["media"]; ok {
		for _, thumb := range media["thumbnail"] {
			if u := thumb.Attrs["url"]; isHTTPURL(u) {
				return u
			}
		}
		for _, content := range media["content"] {
			if u := content.Attrs["url"]; content.Attrs["medium"] == "image" && isHTTPURL(u) {
				return u
			}
		}
	}
	for _, enc := range entry.Enclosures {
		if strings.HasPrefix(enc.Type, "image/") && isHTTPURL(enc.URL) {
			return enc.URL
		}
	}
	return feedImage
}

func isHTTPURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
