// Package llm is the provider-neutral text generation interface used by the
// summarizer and the chat service.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ryosukesatoh/daily-digest/internal/config"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Request is one generation call. System is sent as the provider's system
// prompt; Messages alternate user/assistant and end with a user turn.
type Request struct {
	System    string
	Messages  []Message
	MaxTokens int
	// JSON asks the provider for a JSON object reply where supported.
	JSON bool
}

type Response struct {
	Text string
}

// Client generates text. Implementations do not retry; callers wrap them
// with retry.WithBackoff.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Error is an upstream failure from a provider. Transient failures are
// worth retrying; the rest are not.
type Error struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: unexpected status %d: %s %s", e.Provider, e.StatusCode, e.Type, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary lets retry.IsRetryableError classify the error.
func (e *Error) Temporary() bool { return e.Transient }

// IsTransient reports whether err is a retryable upstream failure.
func IsTransient(err error) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ErrUnsupportedProvider is returned when an unsupported provider is configured
var ErrUnsupportedProvider = errors.New("llm: unsupported provider")

// New creates a client for the configured provider.
func New(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens), nil
	case "anthropic":
		return NewAnthropic(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Provider)
	}
}
