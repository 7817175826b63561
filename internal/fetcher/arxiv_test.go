package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ryosukesatoh/daily-digest/internal/config"
	"github.com/ryosukesatoh/daily-digest/internal/logging"
)

const sampleAtomFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/2501.00001v2</id>
    <title>  Sample Paper
      Title  </title>
    <summary>  This is the abstract of the paper.  </summary>
    <author><name> Alice </name></author>
    <author><name> Bob </name></author>
    <link href="http://arxiv.org/abs/2501.00001v2" rel="alternate" type="text/html"/>
    <link href="http://arxiv.org/pdf/2501.00001v2" title="pdf" type="application/pdf"/>
    <published>2025-01-15T00:00:00Z</published>
    <category term="cs.AI"/>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/2501.00002v1</id>
    <title>Another Paper</title>
    <summary>Second abstract.</summary>
    <author><name>Charlie</name></author>
    <link href="http://arxiv.org/abs/2501.00002v1" rel="alternate" type="text/html"/>
    <published>2025-01-14T00:00:00Z</published>
    <category term="cs.LG"/>
    <category term="cs.CL"/>
  </entry>
  <entry>
    <title>No identifier</title>
    <summary>Dropped.</summary>
  </entry>
</feed>`

func newTestArxivFetcher(ts *httptest.Server, maxItems int) *ArxivFetcher {
	return NewArxivFetcher(config.SourceConfig{
		Key:      "papers",
		BaseURL:  ts.URL,
		MaxItems: maxItems,
		Arxiv:    &config.ArxivConfig{Query: "cat:cs.AI", MaxResults: 5},
	}, ts.Client(), logging.Discard())
}

func TestFetchParsesAtomFeed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(sampleAtomFeed))
	}))
	defer ts.Close()

	items, err := newTestArxivFetcher(ts, 10).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}

	if len(items) != 2 {
		t.Fatalf("Expected 2 papers, got %d", len(items))
	}

	p := items[0]
	if p.ID != "2501.00001" {
		t.Errorf("Expected version-less id '2501.00001', got %q", p.ID)
	}
	if p.Title != "Sample Paper Title" {
		t.Errorf("Expected normalized title 'Sample Paper Title', got %q", p.Title)
	}
	if p.Body != "This is the abstract of the paper." {
		t.Errorf("Expected trimmed abstract, got %q", p.Body)
	}
	if p.SourceKey != "papers" || p.Kind != KindArxiv {
		t.Errorf("Unexpected source fields: %q %q", p.SourceKey, p.Kind)
	}
	if len(p.Meta.Authors) != 2 || p.Meta.Authors[0] != "Alice" || p.Meta.Authors[1] != "Bob" {
		t.Errorf("Unexpected authors: %v", p.Meta.Authors)
	}
	if p.URL != "http://arxiv.org/abs/2501.00001v2" {
		t.Errorf("Expected alternate link URL, got %q", p.URL)
	}
	if p.Meta.Category != "cs.AI" {
		t.Errorf("Expected category 'cs.AI', got %q", p.Meta.Category)
	}
	if p.PublishedAt.Year() != 2025 || p.PublishedAt.Month() != 1 || p.PublishedAt.Day() != 15 {
		t.Errorf("Unexpected published date: %v", p.PublishedAt)
	}

	if items[1].Meta.Category != "cs.LG" {
		t.Errorf("Expected first category 'cs.LG', got %q", items[1].Meta.Category)
	}
}

func TestFetchQueryParameters(t *testing.T) {
	var receivedQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedQuery = r.URL.RawQuery
		w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><feed xmlns="http://www.w3.org/2005/Atom"></feed>`))
	}))
	defer ts.Close()

	if _, err := newTestArxivFetcher(ts, 10).Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}

	for _, want := range []string{"search_query=cat%3Acs.AI", "max_results=5", "sortBy=submittedDate", "sortOrder=descending"} {
		if !strings.Contains(receivedQuery, want) {
			t.Errorf("Expected query to contain %q, got %q", want, receivedQuery)
		}
	}
}

func TestFetchTruncatesToMaxItems(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleAtomFeed))
	}))
	defer ts.Close()

	items, err := newTestArxivFetcher(ts, 1).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(items) != 1 || items[0].ID != "2501.00001" {
		t.Fatalf("Expected only the first paper, got %+v", items)
	}
}

func TestFetchBadStatusCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := newTestArxivFetcher(ts, 10).Fetch(context.Background())
	if err == nil {
		t.Fatal("Expected error for 500 status code")
	}
	if !strings.Contains(err.Error(), "unexpected status 500") {
		t.Errorf("Expected 'unexpected status 500' error, got: %v", err)
	}
}

func TestFetchInvalidXML(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not xml"))
	}))
	defer ts.Close()

	_, err := newTestArxivFetcher(ts, 10).Fetch(context.Background())
	if err == nil {
		t.Fatal("Expected error for invalid XML")
	}
	if !strings.Contains(err.Error(), "failed to parse XML") {
		t.Errorf("Expected 'failed to parse XML' error, got: %v", err)
	}
}

func TestFetchEmptyFeed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><feed xmlns="http://www.w3.org/2005/Atom"></feed>`))
	}))
	defer ts.Close()

	items, err := newTestArxivFetcher(ts, 10).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Expected 0 papers, got %d", len(items))
	}
}

func TestArxivID(t *testing.T) {
	tests := map[string]string{
		"http://arxiv.org/abs/2501.00001v1":     "2501.00001",
		"https://arxiv.org/abs/2501.00001":      "2501.00001",
		"http://arxiv.org/abs/hep-th/9901001v3": "hep-th/9901001",
		"":                                      "",
	}
	for in, want := range tests {
		if got := arxivID(in); got != want {
			t.Errorf("arxivID(%q) = %q, want %q", in, got, want)
		}
	}
}
