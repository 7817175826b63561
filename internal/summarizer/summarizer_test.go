package summarizer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryosukesatoh/daily-digest/internal/fetcher"
	"github.com/ryosukesatoh/daily-digest/internal/llm"
	"github.com/ryosukesatoh/daily-digest/internal/logging"
	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

// fakeLLM answers with a function of the request and counts calls.
type fakeLLM struct {
	mu       sync.Mutex
	calls    int
	requests []llm.Request
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	respond  func(req llm.Request, call int) (string, error)
}

func (f *fakeLLM) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls++
	call := f.calls
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	text, err := f.respond(req, call)
	if err != nil {
		return llm.Response{}, err
	}
	return llm.Response{Text: text}, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeExtractor struct {
	text string
	err  error
}

func (f fakeExtractor) Extract(ctx context.Context, rawURL string) (string, error) {
	return f.text, f.err
}

func testOptions() Options {
	return Options{
		Language:     "Japanese",
		MaxInFlight:  3,
		SummaryChars: 200,
		MaxTokens:    256,
		Retry:        retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

func titleOf(req llm.Request) string {
	content := req.Messages[len(req.Messages)-1].Content
	line, _, _ := strings.Cut(content, "\n")
	return strings.TrimPrefix(line, "Title: ")
}

func items(n int) []fetcher.Item {
	out := make([]fetcher.Item, n)
	for i := range out {
		out[i] = fetcher.Item{
			SourceKey: "test",
			Kind:      fetcher.KindReddit,
			ID:        fmt.Sprintf("id-%d", i),
			Title:     fmt.Sprintf("item %d", i),
			Body:      "body",
		}
	}
	return out
}

func TestSummarizeManyPreservesOrder(t *testing.T) {
	client := &fakeLLM{respond: func(req llm.Request, _ int) (string, error) {
		time.Sleep(time.Duration(rand.IntN(5)) * time.Millisecond)
		return "summary of " + titleOf(req), nil
	}}
	s := New(client, nil, testOptions(), logging.Discard())

	in := items(20)
	records := s.SummarizeMany(context.Background(), in)

	require.Len(t, records, len(in))
	for i, r := range records {
		assert.Equal(t, in[i].ID, r.Item.ID)
		assert.Equal(t, StatusOK, r.Status)
		assert.Equal(t, "summary of "+in[i].Title, r.Summary)
	}
}

func TestSummarizeManyBoundsInFlight(t *testing.T) {
	client := &fakeLLM{respond: func(llm.Request, int) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	}}
	opts := testOptions()
	opts.MaxInFlight = 2
	s := New(client, nil, opts, logging.Discard())

	s.SummarizeMany(context.Background(), items(10))
	assert.LessOrEqual(t, client.maxSeen.Load(), int32(2))
}

func TestSummarizeRetriesTransientFailures(t *testing.T) {
	client := &fakeLLM{respond: func(_ llm.Request, call int) (string, error) {
		if call < 3 {
			return "", &llm.Error{Provider: "fake", StatusCode: 503, Transient: true}
		}
		return "recovered", nil
	}}
	s := New(client, nil, testOptions(), logging.Discard())

	r := s.Summarize(context.Background(), items(1)[0])
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, "recovered", r.Summary)
	assert.Equal(t, 3, client.callCount())
}

func TestSummarizeDoesNotRetryNonTransient(t *testing.T) {
	client := &fakeLLM{respond: func(llm.Request, int) (string, error) {
		return "", &llm.Error{Provider: "fake", StatusCode: 400, Message: "bad request"}
	}}
	s := New(client, nil, testOptions(), logging.Discard())

	r := s.Summarize(context.Background(), items(1)[0])
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.Err, "400")
	assert.Equal(t, 1, client.callCount())
}

func TestSummarizeExhaustedRetriesIsData(t *testing.T) {
	client := &fakeLLM{respond: func(req llm.Request, _ int) (string, error) {
		if titleOf(req) == "item 2" {
			return "", &llm.Error{Provider: "fake", StatusCode: 429, Transient: true}
		}
		return "fine", nil
	}}
	s := New(client, nil, testOptions(), logging.Discard())

	records := s.SummarizeMany(context.Background(), items(5))
	for i, r := range records {
		if i == 2 {
			assert.Equal(t, StatusFailed, r.Status)
			assert.Contains(t, r.Err, "after 3 attempts")
			continue
		}
		assert.True(t, r.OK(), "item %d", i)
	}
}

func TestSummarizeAttemptTimeout(t *testing.T) {
	client := &fakeLLM{respond: func(_ llm.Request, call int) (string, error) {
		if call == 1 {
			time.Sleep(50 * time.Millisecond)
			return "", context.DeadlineExceeded
		}
		return "second try", nil
	}}
	opts := testOptions()
	opts.Retry.AttemptTimeout = 10 * time.Millisecond
	s := New(client, nil, opts, logging.Discard())

	r := s.Summarize(context.Background(), items(1)[0])
	assert.Equal(t, "second try", r.Summary)
}

func TestSummarizeFullContent(t *testing.T) {
	var got string
	client := &fakeLLM{respond: func(req llm.Request, _ int) (string, error) {
		got = req.Messages[0].Content
		return "ok", nil
	}}
	item := fetcher.Item{SourceKey: "feeds", Kind: fetcher.KindRSS, ID: "a", Title: "Post", Body: "short excerpt", URL: "https://example.com/a", FullContent: true}

	opts := testOptions()
	opts.FetchFullContent = true

	t.Run("uses fetched page", func(t *testing.T) {
		s := New(client, fakeExtractor{text: "the whole article"}, opts, logging.Discard())
		r := s.Summarize(context.Background(), item)
		assert.Equal(t, ModeFullContent, r.Mode)
		assert.Contains(t, got, "the whole article")
	})

	t.Run("falls back to excerpt", func(t *testing.T) {
		s := New(client, fakeExtractor{err: errors.New("boom")}, opts, logging.Discard())
		r := s.Summarize(context.Background(), item)
		assert.True(t, r.OK())
		assert.Equal(t, ModeExcerpt, r.Mode)
		assert.Contains(t, got, "short excerpt")
	})

	t.Run("disabled globally", func(t *testing.T) {
		off := opts
		off.FetchFullContent = false
		s := New(client, fakeExtractor{text: "the whole article"}, off, logging.Discard())
		r := s.Summarize(context.Background(), item)
		assert.Equal(t, ModeExcerpt, r.Mode)
	})
}

func TestSummarizeTitleOnly(t *testing.T) {
	var req llm.Request
	client := &fakeLLM{respond: func(r llm.Request, _ int) (string, error) {
		req = r
		return "翻訳されたタイトル", nil
	}}
	s := New(client, nil, testOptions(), logging.Discard())

	r := s.Summarize(context.Background(), fetcher.Item{SourceKey: "feeds", Kind: fetcher.KindRSS, ID: "x", Title: "A new release"})
	assert.Equal(t, ModeTitle, r.Mode)
	assert.Equal(t, "翻訳されたタイトル", r.Summary)
	assert.Contains(t, req.System, "Translate")
	assert.Contains(t, req.Messages[0].Content, "A new release")
}

func TestSummarizeEmptyReplyFails(t *testing.T) {
	client := &fakeLLM{respond: func(llm.Request, int) (string, error) { return "   ", nil }}
	s := New(client, nil, testOptions(), logging.Discard())

	r := s.Summarize(context.Background(), items(1)[0])
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.Err, "empty summary")
}

func TestBuildRequestPerKind(t *testing.T) {
	s := New(&fakeLLM{}, nil, testOptions(), logging.Discard())

	tests := []struct {
		item    fetcher.Item
		subject string
		meta    string
	}{
		{fetcher.Item{Kind: fetcher.KindReddit, Title: "t", Meta: fetcher.Meta{Community: "golang", Score: 12}}, "Reddit post", "r/golang"},
		{fetcher.Item{Kind: fetcher.KindGitHubTrending, Title: "o/r", Meta: fetcher.Meta{Language: "Go", Stars: 99}}, "GitHub repository", "Stars: 99"},
		{fetcher.Item{Kind: fetcher.KindArxiv, Title: "p", Meta: fetcher.Meta{Authors: []string{"A", "B"}}}, "research paper", "Authors: A, B"},
		{fetcher.Item{Kind: fetcher.KindHackerNews, Title: "s", Meta: fetcher.Meta{Score: 300}}, "Hacker News", "Points: 300"},
		{fetcher.Item{Kind: fetcher.KindRSS, Title: "f", Meta: fetcher.Meta{Community: "blog"}}, "feed", "Feed: blog"},
	}
	for _, tt := range tests {
		t.Run(string(tt.item.Kind), func(t *testing.T) {
			req := s.buildRequest(tt.item, "content", ModeExcerpt)
			assert.Contains(t, req.System, tt.subject)
			assert.Contains(t, req.System, "Japanese")
			assert.Contains(t, req.System, "200 characters")
			assert.Contains(t, req.Messages[0].Content, tt.meta)
			assert.Equal(t, 256, req.MaxTokens)
		})
	}
}
