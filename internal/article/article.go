// Package article fetches a linked page and extracts its readable text.
package article

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"codeberg.org/readeck/go-readability/v2"
	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/microcosm-cc/bluemonday"
	"github.com/temoto/robotstxt"
)

const (
	userAgent       = "daily-digest"
	maxBodyBytes    = 4 << 20
	minReadableText = 200
)

var (
	ErrDisallowed         = errors.New("article: disallowed by robots.txt")
	ErrUnsupportedContent = errors.New("article: unsupported content")
)

// Extractor pulls readable text from web pages. Safe for concurrent use.
type Extractor struct {
	client   *http.Client
	maxChars int
	logger   *slog.Logger
	// robots caches parsed robots.txt per scheme+host; a nil value means
	// robots.txt was unavailable and everything is allowed.
	robots *lru.Cache[string, *robotstxt.RobotsData]
}

func New(client *http.Client, maxChars int, logger *slog.Logger) *Extractor {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	cache, _ := lru.New[string, *robotstxt.RobotsData](256)
	return &Extractor{
		client:   client,
		maxChars: maxChars,
		logger:   logger,
		robots:   cache,
	}
}

// Extract returns the main text of the page at rawURL, truncated to the
// configured number of runes.
func (e *Extractor) Extract(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: invalid url %q", ErrUnsupportedContent, rawURL)
	}
	lower := strings.ToLower(u.Path)
	if strings.HasSuffix(lower, ".pdf") || strings.HasSuffix(lower, ".mp3") {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedContent, rawURL)
	}

	if !e.allowed(ctx, u) {
		return "", fmt.Errorf("%w: %s", ErrDisallowed, rawURL)
	}

	body, err := e.fetch(ctx, u)
	if err != nil {
		return "", err
	}

	text := extractText(body, u)
	if text == "" {
		return "", fmt.Errorf("%w: no readable text at %s", ErrUnsupportedContent, rawURL)
	}
	return truncateRunes(text, e.maxChars), nil
}

func (e *Extractor) fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("article: failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("article: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("article: unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt, _, _ := mime.ParseMediaType(ct)
		if mt != "text/html" && mt != "application/xhtml+xml" {
			return nil, fmt.Errorf("%w: content type %q", ErrUnsupportedContent, mt)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("article: failed to read response: %w", err)
	}
	return body, nil
}

// allowed consults robots.txt for u's host. Any failure to obtain it allows
// the fetch.
func (e *Extractor) allowed(ctx context.Context, u *url.URL) bool {
	origin := u.Scheme + "://" + u.Host
	data, ok := e.robots.Get(origin)
	if !ok {
		data = e.loadRobots(ctx, origin)
		e.robots.Add(origin, data)
	}
	if data == nil {
		return true
	}
	return data.TestAgent(u.EscapedPath(), userAgent)
}

func (e *Extractor) loadRobots(ctx context.Context, origin string) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Debug("robots.txt unavailable", "origin", origin, "error", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil
	}
	if resp.StatusCode >= 500 {
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		e.logger.Debug("robots.txt unparsable", "origin", origin, "error", err)
		return nil
	}
	return data
}

// extractText tries readability first and falls back to collecting block
// text with goquery when readability yields too little.
func extractText(body []byte, u *url.URL) string {
	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err == nil {
		var buf strings.Builder
		if err := article.RenderText(&buf); err == nil {
			text := normalizeWhitespace(buf.String())
			if len(text) >= minReadableText {
				return text
			}
		}
	}
	return extractParagraphs(body)
}

func extractParagraphs(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return normalizeWhitespace(bluemonday.StrictPolicy().Sanitize(string(body)))
	}
	doc.Find("script, style, nav, header, footer, aside, noscript").Remove()

	var parts []string
	doc.Find("h1, h2, h3, p, li, pre").Each(func(_ int, s *goquery.Selection) {
		if text := normalizeWhitespace(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		return normalizeWhitespace(doc.Find("body").Text())
	}
	return strings.Join(parts, "\n")
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
