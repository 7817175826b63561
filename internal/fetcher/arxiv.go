package fetcher

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/config"
)

// arXiv Atom feed XML structures

type arxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID        string          `xml:"id"`
	Title     string          `xml:"title"`
	Summary   string          `xml:"summary"`
	Authors   []arxivAuthor   `xml:"author"`
	Links     []arxivLink     `xml:"link"`
	Published string          `xml:"published"`
	Updated   string          `xml:"updated"`
	Category  []arxivCategory `xml:"category"`
}

type arxivAuthor struct {
	Name string `xml:"name"`
}

type arxivLink struct {
	Href string `xml:"href,attr"`
	Type string `xml:"type,attr"`
	Rel  string `xml:"rel,attr"`
}

type arxivCategory struct {
	Term string `xml:"term,attr"`
}

var arxivVersion = regexp.MustCompile(`v\d+$`)

// ArxivFetcher fetches the newest papers matching a query from the arXiv API.
type ArxivFetcher struct {
	key      string
	cfg      config.ArxivConfig
	maxItems int
	client   *http.Client
	baseURL  string
	logger   *slog.Logger
}

func NewArxivFetcher(src config.SourceConfig, client *http.Client, logger *slog.Logger) *ArxivFetcher {
	baseURL := src.BaseURL
	if baseURL == "" {
		baseURL = "http://export.arxiv.org/api/query"
	}
	return &ArxivFetcher{
		key:      src.Key,
		cfg:      *src.Arxiv,
		maxItems: src.MaxItems,
		client:   client,
		baseURL:  baseURL,
		logger:   logger,
	}
}

func (f *ArxivFetcher) Key() string { return f.key }

func (f *ArxivFetcher) Fetch(ctx context.Context) ([]Item, error) {
	query := url.Values{}
	query.Set("search_query", f.cfg.Query)
	query.Set("start", "0")
	query.Set("max_results", fmt.Sprintf("%d", f.cfg.MaxResults))
	query.Set("sortBy", "submittedDate")
	query.Set("sortOrder", "descending")

	body, err := get(ctx, f.client, "arxiv", fmt.Sprintf("%s?%s", f.baseURL, query.Encode()), "application/atom+xml")
	if err != nil {
		return nil, err
	}

	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("arxiv: failed to parse XML: %w", err)
	}

	items := make([]Item, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		published, _ := time.Parse(time.RFC3339, strings.TrimSpace(entry.Published))

		authors := make([]string, len(entry.Authors))
		for i, a := range entry.Authors {
			authors[i] = strings.TrimSpace(a.Name)
		}

		var paperURL string
		for _, link := range entry.Links {
			if link.Rel == "alternate" || (link.Type == "text/html" && paperURL == "") {
				paperURL = link.Href
			}
		}
		if paperURL == "" && len(entry.Links) > 0 {
			paperURL = entry.Links[0].Href
		}

		var category string
		if len(entry.Category) > 0 {
			category = entry.Category[0].Term
		}

		items = append(items, Item{
			SourceKey:   f.key,
			Kind:        KindArxiv,
			ID:          arxivID(entry.ID),
			Title:       spaces.ReplaceAllString(strings.TrimSpace(entry.Title), " "),
			Body:        spaces.ReplaceAllString(strings.TrimSpace(entry.Summary), " "),
			URL:         paperURL,
			PublishedAt: published,
			Meta: Meta{
				Authors:  authors,
				Category: category,
			},
		})
	}

	return finalize(items, f.maxItems, f.logger), nil
}

// arxivID turns "http://arxiv.org/abs/2501.00001v2" into "2501.00001", so a
// revised paper is not reported twice.
func arxivID(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "/abs/"); i >= 0 {
		raw = raw[i+len("/abs/"):]
	}
	return arxivVersion.ReplaceAllString(raw, "")
}
