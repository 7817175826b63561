// Package publisher announces freshly written digests.
package publisher

import (
	"context"
	"fmt"

	"github.com/ryosukesatoh/daily-digest/internal/config"
	"github.com/ryosukesatoh/daily-digest/internal/digest"
)

// Publisher publishes a digest to some output destination.
type Publisher interface {
	Publish(ctx context.Context, d *digest.Digest) error
}

// New creates the publisher described by cfg.
func New(cfg config.PublisherConfig) (Publisher, error) {
	switch cfg.Type {
	case "stdout":
		return NewStdoutPublisher(nil), nil
	case "discord":
		return NewDiscordPublisher(cfg.Discord.WebhookURL), nil
	case "telegram":
		return NewTelegramPublisher(cfg.Telegram.Token, cfg.Telegram.ChatID)
	default:
		return nil, fmt.Errorf("publisher: unsupported type %q", cfg.Type)
	}
}

// NewAll creates every configured publisher.
func NewAll(cfgs []config.PublisherConfig) ([]Publisher, error) {
	pubs := make([]Publisher, 0, len(cfgs))
	for i, c := range cfgs {
		p, err := New(c)
		if err != nil {
			return nil, fmt.Errorf("publishers[%d]: %w", i, err)
		}
		pubs = append(pubs, p)
	}
	return pubs, nil
}

// pack groups items, in order, into batches of at most maxCount items whose
// sizes add up to at most maxSize. An item larger than maxSize still gets a
// batch of its own. maxCount <= 0 means no count limit.
func pack[T any](items []T, size func(T) int, maxCount, maxSize int) [][]T {
	var (
		batches [][]T
		current []T
		used    int
	)
	for _, it := range items {
		n := size(it)
		full := maxCount > 0 && len(current) >= maxCount
		if len(current) > 0 && (full || used+n > maxSize) {
			batches = append(batches, current)
			current, used = nil, 0
		}
		current = append(current, it)
		used += n
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// truncate shortens s to max runes, preferring a sentence boundary.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}

	cut := r[:max-1]
	for i := len(cut) - 1; i > max/2; i-- {
		switch cut[i] {
		case '.', '!', '?', '。', '！', '？':
			return string(cut[:i+1])
		}
	}
	return string(cut) + "…"
}
