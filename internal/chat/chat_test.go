package chat

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryosukesatoh/daily-digest/internal/digest"
	"github.com/ryosukesatoh/daily-digest/internal/llm"
	"github.com/ryosukesatoh/daily-digest/internal/logging"
	"github.com/ryosukesatoh/daily-digest/internal/retry"
	"github.com/ryosukesatoh/daily-digest/internal/storage"
)

var sampleEntries = []digest.Entry{
	{Title: "Go 1.30 released with generic methods", Link: "https://go.dev/blog/go1.30", Summary: "The Go team shipped version 1.30 adding generic methods."},
	{Title: "Rust async traits stabilized", Link: "https://blog.rust-lang.org/async", Summary: "Rust stabilizes async functions in traits after years of work."},
	{Title: "PostgreSQL 18 performance", Link: "https://postgresql.org/18", Summary: "Benchmarks show faster vacuum and parallel queries."},
}

type fakeLLM struct {
	mu       sync.Mutex
	requests []llm.Request
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	reply    func(call int) (string, error)
}

func (f *fakeLLM) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	if n > f.maxSeen.Load() {
		f.maxSeen.Store(n)
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	f.mu.Unlock()

	text, err := f.reply(call)
	return llm.Response{Text: text}, err
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeLLM) last() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func answering(text string) func(int) (string, error) {
	return func(int) (string, error) { return `{"answer":"` + text + `","insufficient":false}`, nil }
}

var sharedRetriever *Retriever

func retriever(t *testing.T) *Retriever {
	t.Helper()
	if sharedRetriever == nil {
		r, err := NewRetriever()
		require.NoError(t, err)
		sharedRetriever = r
	}
	return sharedRetriever
}

func newService(t *testing.T, client llm.Client, opts Options) *Service {
	t.Helper()
	store := storage.NewMemory()
	d := &digest.Digest{Source: "tech", Date: "2026-10-15", GeneratedAt: time.Date(2026, 10, 15, 7, 0, 0, 0, time.UTC), Entries: sampleEntries}
	require.NoError(t, store.Put(context.Background(), "tech/2026-10-15", digest.Render(d)))

	if opts.MaxTurns == 0 {
		opts.MaxTurns = 10
	}
	if opts.MaxExcerpts == 0 {
		opts.MaxExcerpts = 5
	}
	if opts.ContextChars == 0 {
		opts.ContextChars = 6000
	}
	if opts.MaxSessions == 0 {
		opts.MaxSessions = 100
	}
	opts.Retry = retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond}

	s, err := New(store, client, retriever(t), opts, logging.Discard())
	require.NoError(t, err)
	return s
}

func ask(question, session string) Request {
	return Request{SourceKey: "tech", Date: "2026-10-15", SessionID: session, Question: question}
}

func TestAskAnswersFromExcerpts(t *testing.T) {
	client := &fakeLLM{reply: answering("Async functions in traits are stable.")}
	s := newService(t, client, Options{})

	resp, err := s.Ask(context.Background(), ask("What changed for Rust async traits?", ""))
	require.NoError(t, err)

	assert.Equal(t, "Async functions in traits are stable.", resp.Answer)
	assert.NotEmpty(t, resp.SessionID, "a session id is issued")
	require.NotEmpty(t, resp.Excerpts)
	assert.Equal(t, 1, resp.Excerpts[0].Index)

	req := client.last()
	assert.True(t, req.JSON)
	assert.Contains(t, req.System, "ONLY on the provided &lt;excerpts&gt;")
	user := req.Messages[len(req.Messages)-1].Content
	assert.Contains(t, user, "<title>Rust async traits stabilized</title>")
	assert.NotContains(t, user, "PostgreSQL", "unrelated entries are not sent")
	assert.Contains(t, user, "<question>\nWhat changed for Rust async traits?\n</question>")
}

func TestAskWithoutMatchingExcerpts(t *testing.T) {
	client := &fakeLLM{reply: answering("made up")}
	s := newService(t, client, Options{})

	resp, err := s.Ask(context.Background(), ask("What is the weather in Paris?", "s1"))
	assert.ErrorIs(t, err, ErrInsufficientContext)
	assert.Empty(t, resp.Answer)
	assert.Equal(t, 0, client.calls(), "no model call without grounding")
}

func TestAskFollowUpUsesEarlierQuestions(t *testing.T) {
	client := &fakeLLM{reply: answering("ok")}
	s := newService(t, client, Options{})
	ctx := context.Background()

	_, err := s.Ask(ctx, ask("Rust async traits?", "s1"))
	require.NoError(t, err)

	for i, q := range []string{"Tell me more about that", "Why does it matter?"} {
		resp, err := s.Ask(ctx, ask(q, "s1"))
		require.NoError(t, err, q)
		require.NotEmpty(t, resp.Excerpts, q)
		assert.Equal(t, 1, resp.Excerpts[0].Index, q)
		assert.Equal(t, i+2, client.calls())

		msgs := client.last().Messages
		assert.Equal(t, "Rust async traits?", msgs[0].Content)
		assert.Contains(t, msgs[len(msgs)-1].Content, "<question>\n"+q+"\n</question>")
	}

	_, err = s.Ask(ctx, ask("Tell me more about that", "fresh"))
	assert.ErrorIs(t, err, ErrInsufficientContext, "a new session has nothing to follow up on")
	assert.Equal(t, 3, client.calls())
}

func TestAskModelReportsInsufficient(t *testing.T) {
	client := &fakeLLM{reply: func(int) (string, error) { return `{"answer":"","insufficient":true}`, nil }}
	s := newService(t, client, Options{})

	_, err := s.Ask(context.Background(), ask("Who maintains Go generic methods?", "s1"))
	assert.ErrorIs(t, err, ErrInsufficientContext)

	client.reply = answering("ok")
	_, err = s.Ask(context.Background(), ask("Go generic methods again?", "s1"))
	require.NoError(t, err)
	assert.Len(t, client.last().Messages, 1, "insufficient turns are not kept in history")
}

func TestAskPlainTextReply(t *testing.T) {
	client := &fakeLLM{reply: func(int) (string, error) { return "Vacuum got faster.", nil }}
	s := newService(t, client, Options{})

	resp, err := s.Ask(context.Background(), ask("PostgreSQL vacuum?", ""))
	require.NoError(t, err)
	assert.Equal(t, "Vacuum got faster.", resp.Answer)
}

func TestAskFencedJSONReply(t *testing.T) {
	assert.Equal(t, "x", mustAnswer(t, "```json\n{\"answer\":\"x\",\"insufficient\":false}\n```"))
}

func mustAnswer(t *testing.T, text string) string {
	t.Helper()
	answer, insufficient := parseReply(text)
	require.False(t, insufficient)
	return answer
}

func TestAskLLMUnavailable(t *testing.T) {
	client := &fakeLLM{reply: func(int) (string, error) {
		return "", &llm.Error{Provider: "fake", StatusCode: 503, Transient: true}
	}}
	s := newService(t, client, Options{})

	_, err := s.Ask(context.Background(), ask("Rust async?", "s1"))
	assert.ErrorIs(t, err, ErrLLMUnavailable)
	assert.Equal(t, 2, client.calls())
}

func TestAskDigestNotFound(t *testing.T) {
	s := newService(t, &fakeLLM{reply: answering("x")}, Options{})
	_, err := s.Ask(context.Background(), Request{SourceKey: "tech", Date: "2026-10-14", Question: "Rust?"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAskInvalidRequest(t *testing.T) {
	s := newService(t, &fakeLLM{reply: answering("x")}, Options{})
	for _, req := range []Request{
		{SourceKey: "tech", Date: "2026-10-15"},
		{Date: "2026-10-15", Question: "q"},
		{SourceKey: "tech", Date: "yesterday", Question: "q"},
	} {
		_, err := s.Ask(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
}

func TestAskHistoryBound(t *testing.T) {
	client := &fakeLLM{reply: func(call int) (string, error) {
		return `{"answer":"answer ` + string(rune('0'+call)) + `"}`, nil
	}}
	s := newService(t, client, Options{MaxTurns: 2})
	ctx := context.Background()

	for _, q := range []string{"Rust first?", "Rust second?", "Rust third?"} {
		_, err := s.Ask(ctx, ask(q, "s1"))
		require.NoError(t, err)
	}
	_, err := s.Ask(ctx, ask("Rust fourth?", "s1"))
	require.NoError(t, err)

	var history []string
	for _, m := range client.last().Messages[:len(client.last().Messages)-1] {
		history = append(history, m.Content)
	}
	assert.Equal(t, []string{"Rust second?", "answer 2", "Rust third?", "answer 3"}, history)

	_, err = s.Ask(ctx, ask("Rust in another session?", "s2"))
	require.NoError(t, err)
	assert.Len(t, client.last().Messages, 1, "sessions do not share history")
}

func TestAskSerializesSession(t *testing.T) {
	client := &fakeLLM{delay: 20 * time.Millisecond, reply: answering("ok")}
	s := newService(t, client, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Ask(context.Background(), ask("Rust async?", "same"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), client.maxSeen.Load())
}

func TestRetrieverTerms(t *testing.T) {
	r := retriever(t)

	terms := r.Terms("What changed in the ＲＵＳＴ release?")
	assert.Contains(t, terms, "rust", "NFKC folds full-width letters")
	assert.Contains(t, terms, "release")
	assert.NotContains(t, terms, "the")
	assert.NotContains(t, terms, "?")

	ja := r.Terms("量子ビットについて教えてください")
	assert.Contains(t, strings.Join(ja, " "), "量子")
	for _, term := range ja {
		assert.NotEqual(t, "て", term)
		assert.NotEqual(t, "教える", term)
	}
}

func TestRetrieverSelect(t *testing.T) {
	r := retriever(t)
	entries := []digest.Entry{
		{Title: "量子コンピュータの新しい誤り訂正", Summary: "研究チームが量子ビットの誤り訂正手法を発表した。"},
		{Title: "東京で桜が開花", Summary: "気象庁は東京の桜の開花を発表した。"},
		{Title: "Quantum startup raises funds", Summary: "A quantum computing startup raised money."},
	}

	got := r.Select("量子ビットの誤り訂正について", entries, 5, 6000)
	require.NotEmpty(t, got)
	assert.Equal(t, 0, got[0].Index)
	for _, ex := range got {
		assert.NotEqual(t, 1, ex.Index)
	}

	t.Run("title matches rank higher", func(t *testing.T) {
		got := r.Select("quantum", []digest.Entry{
			{Title: "Funding news", Summary: "A quantum company raised money."},
			{Title: "Quantum chips", Summary: "New chips."},
		}, 5, 6000)
		require.Len(t, got, 2)
		assert.Equal(t, 1, got[0].Index)
	})

	t.Run("bounded by count and size", func(t *testing.T) {
		many := []digest.Entry{
			{Title: "rust one", Summary: strings.Repeat("x", 50)},
			{Title: "rust two", Summary: strings.Repeat("y", 50)},
			{Title: "rust three", Summary: strings.Repeat("z", 50)},
		}
		assert.Len(t, r.Select("rust", many, 2, 6000), 2)
		assert.Len(t, r.Select("rust", many, 5, 100), 1)

		one := r.Select("rust", many[:1], 5, 20)
		require.Len(t, one, 1)
		assert.LessOrEqual(t, len([]rune(one[0].Title+one[0].Summary)), 20)
	})

	assert.Empty(t, r.Select("tokyo weather", entries[2:], 5, 6000))
}
