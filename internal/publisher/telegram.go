package publisher

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ryosukesatoh/daily-digest/internal/digest"
	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

// telegramLimit is the maximum length of one Telegram message.
const telegramLimit = 4096

const telegramSeparator = "\n\n"

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramPublisher posts digests to a chat through the Bot API.
type TelegramPublisher struct {
	bot    telegramSender
	chatID int64
	retry  retry.Config
}

func NewTelegramPublisher(token string, chatID int64) (*TelegramPublisher, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: failed to create bot: %w", err)
	}
	return &TelegramPublisher{
		bot:    bot,
		chatID: chatID,
		retry:  retry.Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
	}, nil
}

// Publish sends the digest as HTML messages, split between entries so no
// message exceeds the length limit.
func (p *TelegramPublisher) Publish(ctx context.Context, d *digest.Digest) error {
	for i, text := range telegramMessages(d) {
		msg := tgbotapi.NewMessage(p.chatID, text)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true

		err := retry.WithBackoff(ctx, p.retry, telegramRetryable, func(context.Context) error {
			_, err := p.bot.Send(msg)
			return err
		})
		if err != nil {
			return fmt.Errorf("telegram: message %d: %w", i+1, err)
		}
	}
	return nil
}

// telegramRetryable retries flood control and server errors from the API
// and anything that never reached it.
func telegramRetryable(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	return retry.IsRetryableError(err)
}

func telegramMessages(d *digest.Digest) []string {
	blocks := []string{fmt.Sprintf("<b>%s — %s</b>\n%d entries, %d skipped",
		html.EscapeString(d.Source), html.EscapeString(d.Date), len(d.Entries), d.Skipped)}
	for _, e := range d.Entries {
		blocks = append(blocks, telegramEntry(e))
	}

	// Every block is counted with the separator that may follow it.
	sep := utf8.RuneCountInString(telegramSeparator)
	size := func(b string) int { return utf8.RuneCountInString(b) + sep }

	var out []string
	for _, group := range pack(blocks, size, 0, telegramLimit+sep) {
		out = append(out, strings.Join(group, telegramSeparator))
	}
	return out
}

func telegramEntry(e digest.Entry) string {
	var sb strings.Builder
	title := html.EscapeString(e.Title)
	if e.Link != "" {
		fmt.Fprintf(&sb, "<b><a href=\"%s\">%s</a></b>", html.EscapeString(e.Link), title)
	} else {
		fmt.Fprintf(&sb, "<b>%s</b>", title)
	}
	if e.Meta != "" {
		fmt.Fprintf(&sb, "\n<i>%s</i>", html.EscapeString(e.Meta))
	}
	if e.Summary != "" {
		// Escaping can grow the summary; halve the remaining room for it.
		room := telegramLimit - utf8.RuneCountInString(sb.String()) - 1
		sb.WriteString("\n")
		sb.WriteString(html.EscapeString(truncate(e.Summary, room/2)))
	}
	return sb.String()
}
