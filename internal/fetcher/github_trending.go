package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ryosukesatoh/daily-digest/internal/config"
)

// GitHubTrendingFetcher scrapes the trending repository pages.
type GitHubTrendingFetcher struct {
	key      string
	cfg      config.GitHubConfig
	maxItems int
	client   *http.Client
	baseURL  string
	logger   *slog.Logger
}

func NewGitHubTrendingFetcher(src config.SourceConfig, client *http.Client, logger *slog.Logger) *GitHubTrendingFetcher {
	baseURL := src.BaseURL
	if baseURL == "" {
		baseURL = "https://github.com"
	}
	return &GitHubTrendingFetcher{
		key:      src.Key,
		cfg:      *src.GitHub,
		maxItems: src.MaxItems,
		client:   client,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		logger:   logger,
	}
}

func (f *GitHubTrendingFetcher) Key() string { return f.key }

func (f *GitHubTrendingFetcher) Fetch(ctx context.Context) ([]Item, error) {
	languages := f.cfg.Languages
	if len(languages) == 0 {
		languages = []string{""}
	}

	seen := make(map[string]bool)
	var items []Item
	for _, lang := range languages {
		repos, err := f.fetchLanguage(ctx, lang)
		if err != nil {
			return nil, err
		}
		for _, r := range repos {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			items = append(items, r)
		}
	}
	return finalize(items, f.maxItems, f.logger), nil
}

func (f *GitHubTrendingFetcher) trendingURL(lang string) string {
	path := "/trending"
	if lang != "" {
		path += "/" + url.PathEscape(strings.ToLower(lang))
	}
	q := url.Values{}
	q.Set("since", f.cfg.Since)
	return f.baseURL + path + "?" + q.Encode()
}

func (f *GitHubTrendingFetcher) fetchLanguage(ctx context.Context, lang string) ([]Item, error) {
	body, err := get(ctx, f.client, "github", f.trendingURL(lang), "text/html")
	if err != nil {
		return nil, err
	}
	items, err := parseTrending(body, f.key)
	if err != nil {
		return nil, err
	}

	trend := lang
	if trend == "" {
		trend = "All languages"
	}
	out := items[:0]
	for _, it := range items {
		if it.Meta.Stars < f.cfg.MinStars {
			continue
		}
		it.Meta.Trend = trend
		out = append(out, it)
	}
	return out, nil
}

// parseTrending reads the current Box-row layout and falls back to the
// older bare h2 layout.
func parseTrending(body []byte, sourceKey string) ([]Item, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("github: failed to parse HTML: %w", err)
	}

	rows := doc.Find("article.Box-row")
	if rows.Length() == 0 {
		rows = doc.Find("h2").FilterFunction(func(_ int, s *goquery.Selection) bool {
			return s.Find("a").Length() > 0
		}).Parent()
	}

	var items []Item
	rows.Each(func(_ int, row *goquery.Selection) {
		href, ok := row.Find("h2 a").First().Attr("href")
		if !ok {
			return
		}
		name := repoName(href)
		if name == "" {
			return
		}

		desc := strings.TrimSpace(row.Find("p").First().Text())
		lang := strings.TrimSpace(row.Find(`[itemprop="programmingLanguage"]`).First().Text())
		stars := parseCount(row.Find(`a[href$="/stargazers"]`).First().Text())

		items = append(items, Item{
			SourceKey: sourceKey,
			Kind:      KindGitHubTrending,
			ID:        name,
			Title:     name,
			Body:      desc,
			URL:       "https://github.com/" + name,
			Meta: Meta{
				Stars:    stars,
				Language: lang,
			},
		})
	})
	return items, nil
}

func repoName(href string) string {
	name := strings.Trim(strings.Join(strings.Fields(href), ""), "/")
	parts := strings.Split(name, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return name
}

// parseCount reads "1,234" or "1.2k".
func parseCount(s string) int {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
	if s == "" {
		return 0
	}
	mult := 1.0
	if strings.HasSuffix(s, "k") {
		mult = 1000
		s = strings.TrimSuffix(s, "k")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int(v * mult)
}
