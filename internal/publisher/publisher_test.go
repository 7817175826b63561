package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ryosukesatoh/daily-digest/internal/config"
	"github.com/ryosukesatoh/daily-digest/internal/digest"
	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

func sampleDigest() *digest.Digest {
	return &digest.Digest{
		Source:      "arxiv-ml",
		Date:        "2025-01-15",
		GeneratedAt: time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC),
		Skipped:     1,
		Entries: []digest.Entry{
			{
				Title:   "Test Paper One",
				Link:    "http://example.com/1",
				Meta:    "Alice, Bob · cs.AI",
				Summary: "This is a summary of paper one.",
			},
			{
				Title:   "Test Paper Two",
				Link:    "http://example.com/2",
				Meta:    "Charlie · cs.LG",
				Summary: "This is a summary of paper two.",
			},
		},
	}
}

func TestStdoutPublish(t *testing.T) {
	var buf bytes.Buffer
	pub := NewStdoutPublisher(&buf)
	if err := pub.Publish(context.Background(), sampleDigest()); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"# arxiv-ml — 2025-01-15",
		"Test Paper One",
		"Test Paper Two",
		"Alice, Bob · cs.AI",
		"skipped: 1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected output to contain %q", want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		check func(string) bool
		desc  string
	}{
		{
			name:  "short string unchanged",
			input: "hello",
			max:   10,
			check: func(s string) bool { return s == "hello" },
			desc:  "expected 'hello'",
		},
		{
			name:  "exact length unchanged",
			input: "hello",
			max:   5,
			check: func(s string) bool { return s == "hello" },
			desc:  "expected 'hello'",
		},
		{
			name:  "long string truncated with ellipsis",
			input: "This is a very long string that should be truncated.",
			max:   20,
			check: func(s string) bool { return utf8.RuneCountInString(s) == 20 && strings.HasSuffix(s, "…") },
			desc:  "expected truncated string ending with ellipsis",
		},
		{
			name:  "truncation prefers sentence boundary",
			input: "A long enough first sentence. The rest is extra padding text here.",
			max:   40,
			check: func(s string) bool { return s == "A long enough first sentence." },
			desc:  "expected truncation at sentence boundary",
		},
		{
			name:  "japanese sentence boundary",
			input: "最初の文はここで終わる。二番目の文はとても長くて途中で切られてしまうはずです",
			max:   20,
			check: func(s string) bool { return s == "最初の文はここで終わる。" },
			desc:  "expected truncation at the Japanese full stop",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := truncate(tt.input, tt.max)
			if !tt.check(result) {
				t.Errorf("%s, got %q", tt.desc, result)
			}
		})
	}
}

func TestEmbedSize(t *testing.T) {
	e := webhookEmbed{
		Title:       "Title",
		Description: "Description",
		Fields:      []webhookField{{Name: "Field", Value: "Value"}},
		Footer:      &webhookFooter{Text: "Footer"},
	}
	if got, want := e.size(), 5+11+5+5+6; got != want {
		t.Errorf("Expected size %d, got %d", want, got)
	}

	ja := webhookEmbed{Title: "要約", Description: "日本語"}
	if got := ja.size(); got != 5 {
		t.Errorf("Expected runes to be counted, got %d", got)
	}
}

func TestPack(t *testing.T) {
	one := func(int) int { return 1 }
	self := func(n int) int { return n }

	tests := []struct {
		name     string
		items    []int
		size     func(int) int
		maxCount int
		maxSize  int
		want     []int
	}{
		{"fits in one", []int{1, 2, 3, 4, 5}, one, 10, 100, []int{5}},
		{"count limit", make([]int, 12), one, 10, 100, []int{10, 2}},
		{"size limit", []int{2000, 2000, 2000, 2000}, self, 10, 6000, []int{3, 1}},
		{"oversized item alone", []int{10, 7000, 10}, self, 10, 6000, []int{1, 1, 1}},
		{"no count limit", make([]int, 30), one, 0, 100, []int{30}},
		{"empty", nil, one, 10, 100, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := pack(tt.items, tt.size, tt.maxCount, tt.maxSize)
			var got []int
			for _, b := range batches {
				got = append(got, len(b))
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected batch sizes %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Expected batch sizes %v, got %v", tt.want, got)
					break
				}
			}
		})
	}
}

func TestDigestEmbedsBatching(t *testing.T) {
	d := &digest.Digest{Source: "hn", Date: "2025-01-15"}
	for i := 0; i < 12; i++ {
		d.Entries = append(d.Entries, digest.Entry{Title: "Entry", Summary: "short"})
	}
	embeds := digestEmbeds(d)
	if len(embeds) != 13 {
		t.Fatalf("Expected 13 embeds, got %d", len(embeds))
	}
	if embeds[12].Title != "12. Entry" {
		t.Errorf("Expected numbered titles, got %q", embeds[12].Title)
	}
	batches := pack(embeds, webhookEmbed.size, discordMaxEmbeds, discordMaxChars)
	if len(batches) != 2 || len(batches[0]) != 10 {
		t.Errorf("Expected batches of 10 and 3, got %d batches", len(batches))
	}
}

func TestDiscordPublishWithMockWebhook(t *testing.T) {
	var receivedPayloads []webhookMessage

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %q", r.Header.Get("Content-Type"))
		}

		body, _ := io.ReadAll(r.Body)
		var payload webhookMessage
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("Failed to parse webhook payload: %v", err)
		}
		receivedPayloads = append(receivedPayloads, payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	pub := &DiscordPublisher{url: ts.URL, client: ts.Client()}

	if err := pub.Publish(context.Background(), sampleDigest()); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	if len(receivedPayloads) != 1 {
		t.Fatalf("Expected 1 webhook payload, got %d", len(receivedPayloads))
	}
	embeds := receivedPayloads[0].Embeds
	if len(embeds) != 3 {
		t.Fatalf("Expected 3 embeds (1 header + 2 entries), got %d", len(embeds))
	}
	if !strings.Contains(embeds[0].Title, "arxiv-ml") {
		t.Errorf("Expected header title to contain source, got %q", embeds[0].Title)
	}
	if embeds[0].Fields[1].Value != "1" {
		t.Errorf("Expected skipped field 1, got %q", embeds[0].Fields[1].Value)
	}
	if embeds[1].URL != "http://example.com/1" || embeds[1].Footer.Text != "Alice, Bob · cs.AI" {
		t.Errorf("Unexpected entry embed: %+v", embeds[1])
	}
}

func TestDiscordPublishWebhookError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	pub := &DiscordPublisher{
		url:    ts.URL,
		client: ts.Client(),
		retry:  retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}

	err := pub.Publish(context.Background(), sampleDigest())
	if err == nil {
		t.Fatal("Expected error for webhook failure")
	}
	if !strings.Contains(err.Error(), "unexpected status 400") {
		t.Errorf("Expected 'unexpected status 400' error, got: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 400 not to be retried, got %d calls", calls.Load())
	}
}

func TestDiscordPublishRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	pub := &DiscordPublisher{
		url:    ts.URL,
		client: ts.Client(),
		retry:  retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}
	if err := pub.Publish(context.Background(), sampleDigest()); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 calls, got %d", calls.Load())
	}
}

type fakeSender struct {
	sent  []tgbotapi.MessageConfig
	calls int
	// errs are returned by the first calls, in order.
	errs []error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.calls++
	if f.calls <= len(f.errs) && f.errs[f.calls-1] != nil {
		return tgbotapi.Message{}, f.errs[f.calls-1]
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestTelegramPublish(t *testing.T) {
	sender := &fakeSender{}
	pub := &TelegramPublisher{bot: sender, chatID: 42}

	d := sampleDigest()
	d.Entries[0].Title = "Tags <b> & more"
	if err := pub.Publish(context.Background(), d); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.ChatID != 42 || msg.ParseMode != tgbotapi.ModeHTML {
		t.Errorf("Unexpected message config: chat %d mode %q", msg.ChatID, msg.ParseMode)
	}
	for _, want := range []string{
		"<b>arxiv-ml — 2025-01-15</b>",
		`<a href="http://example.com/1">Tags &lt;b&gt; &amp; more</a>`,
		"<i>Charlie · cs.LG</i>",
	} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("Expected message to contain %q, got %q", want, msg.Text)
		}
	}
}

func TestTelegramRetry(t *testing.T) {
	cfg := retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}

	sender := &fakeSender{errs: []error{&tgbotapi.Error{Code: 429, Message: "Too Many Requests"}}}
	pub := &TelegramPublisher{bot: sender, chatID: 42, retry: cfg}
	if err := pub.Publish(context.Background(), sampleDigest()); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if sender.calls != 2 || len(sender.sent) != 1 {
		t.Errorf("Expected one retried send, got %d calls and %d sent", sender.calls, len(sender.sent))
	}

	sender = &fakeSender{errs: []error{&tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}}}
	pub = &TelegramPublisher{bot: sender, chatID: 42, retry: cfg}
	if err := pub.Publish(context.Background(), sampleDigest()); err == nil {
		t.Fatal("Expected an error for a rejected message")
	}
	if sender.calls != 1 {
		t.Errorf("Expected 400 not to be retried, got %d calls", sender.calls)
	}
}

func TestTelegramMessagesSplitBetweenEntries(t *testing.T) {
	d := &digest.Digest{Source: "hn", Date: "2025-01-15"}
	for i := 0; i < 20; i++ {
		d.Entries = append(d.Entries, digest.Entry{Title: "Entry", Summary: strings.Repeat("あ", 400)})
	}

	chunks := telegramMessages(d)
	if len(chunks) < 2 {
		t.Fatalf("Expected the digest to be split, got %d chunk(s)", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		if n := utf8.RuneCountInString(c); n > telegramLimit {
			t.Errorf("Chunk exceeds limit: %d runes", n)
		}
		total += strings.Count(c, "<b>Entry</b>")
	}
	if total != 20 {
		t.Errorf("Expected all 20 entries across chunks, got %d", total)
	}
}

func TestNewPublisher(t *testing.T) {
	p, err := New(config.PublisherConfig{Type: "discord", Discord: &config.DiscordConfig{WebhookURL: "http://example.com"}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, ok := p.(*DiscordPublisher); !ok {
		t.Errorf("Expected *DiscordPublisher, got %T", p)
	}

	if _, err := New(config.PublisherConfig{Type: "email"}); err == nil {
		t.Error("Expected error for unsupported publisher type")
	}
}
