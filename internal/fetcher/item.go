package fetcher

import "time"

// Kind identifies the upstream protocol an Item was produced by.
type Kind string

const (
	KindReddit         Kind = "reddit"
	KindHackerNews     Kind = "hackernews"
	KindGitHubTrending Kind = "github_trending"
	KindRSS            Kind = "rss"
	KindArxiv          Kind = "arxiv"
)

// Item is one normalized piece of content fetched from a source.
// Items are values and are never modified after Fetch returns them.
type Item struct {
	SourceKey   string    `json:"source_key"`
	Kind        Kind      `json:"kind"`
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	Meta        Meta      `json:"meta"`

	// FullContent asks the summarizer to fetch URL for a fuller body
	// before prompting.
	FullContent bool `json:"full_content,omitempty"`
}

// Meta carries source-specific metadata in a closed, typed shape.
type Meta struct {
	Score     int      `json:"score,omitempty"`
	HasScore  bool     `json:"has_score,omitempty"`
	Comments  int      `json:"comments,omitempty"`
	Stars     int      `json:"stars,omitempty"`
	Language  string   `json:"language,omitempty"`
	Trend     string   `json:"trend,omitempty"`     // trending list a repository came from
	Community string   `json:"community,omitempty"` // subreddit, feed name
	Authors   []string `json:"authors,omitempty"`
	Category  string   `json:"category,omitempty"`
	Thumbnail string   `json:"thumbnail,omitempty"`
}

// Rank returns the source's natural ranking value, if it has one.
func (i Item) Rank() (int, bool) {
	if i.Meta.HasScore {
		return i.Meta.Score, true
	}
	if i.Kind == KindGitHubTrending {
		return i.Meta.Stars, true
	}
	return 0, false
}

// HasPublishedAt reports whether the upstream supplied a timestamp.
func (i Item) HasPublishedAt() bool {
	return !i.PublishedAt.IsZero()
}
