package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/ryosukesatoh/daily-digest/internal/digest"
	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

// Webhook limits for a single Discord message.
const (
	discordMaxEmbeds   = 10
	discordMaxChars    = 6000
	discordTitleChars  = 256
	discordBodyChars   = 4096
	discordFooterChars = 2048
	discordColor       = 0x5865F2
)

type webhookFooter struct {
	Text string `json:"text"`
}

type webhookField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type webhookEmbed struct {
	Title       string         `json:"title,omitempty"`
	URL         string         `json:"url,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []webhookField `json:"fields,omitempty"`
	Footer      *webhookFooter `json:"footer,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

// size is what Discord counts against the per-message character limit.
func (e webhookEmbed) size() int {
	n := utf8.RuneCountInString(e.Title) + utf8.RuneCountInString(e.Description)
	for _, f := range e.Fields {
		n += utf8.RuneCountInString(f.Name) + utf8.RuneCountInString(f.Value)
	}
	if e.Footer != nil {
		n += utf8.RuneCountInString(e.Footer.Text)
	}
	return n
}

type webhookMessage struct {
	Username string         `json:"username,omitempty"`
	Embeds   []webhookEmbed `json:"embeds"`
}

// DiscordPublisher posts a digest to a channel webhook, one embed per entry.
type DiscordPublisher struct {
	url    string
	client *http.Client
	retry  retry.Config
	// pause separates consecutive messages of one digest.
	pause time.Duration
}

func NewDiscordPublisher(webhookURL string) *DiscordPublisher {
	return &DiscordPublisher{
		url:    webhookURL,
		client: &http.Client{Timeout: 30 * time.Second},
		retry:  retry.Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		pause:  500 * time.Millisecond,
	}
}

func (p *DiscordPublisher) Publish(ctx context.Context, d *digest.Digest) error {
	messages := pack(digestEmbeds(d), webhookEmbed.size, discordMaxEmbeds, discordMaxChars)
	for i, embeds := range messages {
		if i > 0 && p.pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.pause):
			}
		}
		msg := webhookMessage{Username: "daily-digest", Embeds: embeds}
		err := retry.WithBackoff(ctx, p.retry, nil, func(ctx context.Context) error {
			return p.post(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("discord: message %d of %d: %w", i+1, len(messages), err)
		}
	}
	return nil
}

// digestEmbeds lays out a summary card followed by the entries in order.
func digestEmbeds(d *digest.Digest) []webhookEmbed {
	card := webhookEmbed{
		Title: truncate(d.Source+" — "+d.Date, discordTitleChars),
		Color: discordColor,
		Fields: []webhookField{
			{Name: "Entries", Value: strconv.Itoa(len(d.Entries)), Inline: true},
			{Name: "Skipped", Value: strconv.Itoa(d.Skipped), Inline: true},
		},
		Footer: &webhookFooter{Text: d.Date},
	}
	if !d.GeneratedAt.IsZero() {
		card.Timestamp = d.GeneratedAt.UTC().Format(time.RFC3339)
	}

	out := []webhookEmbed{card}
	for i, e := range d.Entries {
		em := webhookEmbed{
			Title:       truncate(strconv.Itoa(i+1)+". "+e.Title, discordTitleChars),
			URL:         e.Link,
			Description: truncate(e.Summary, discordBodyChars),
			Color:       discordColor,
		}
		if e.Meta != "" {
			em.Footer = &webhookFooter{Text: truncate(e.Meta, discordFooterChars)}
		}
		out = append(out, em)
	}
	return out
}

func (p *DiscordPublisher) post(ctx context.Context, msg webhookMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// statusError is a non-2xx webhook reply; only retryable statuses are
// temporary.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return "unexpected status " + strconv.Itoa(e.code) }

func (e *statusError) Temporary() bool { return retry.HTTPStatusRetryable(e.code) }
