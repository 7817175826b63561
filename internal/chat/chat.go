// Package chat answers follow-up questions about a stored digest, grounded
// in the digest's own entries.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ryosukesatoh/daily-digest/internal/config"
	"github.com/ryosukesatoh/daily-digest/internal/digest"
	"github.com/ryosukesatoh/daily-digest/internal/llm"
	"github.com/ryosukesatoh/daily-digest/internal/metrics"
	"github.com/ryosukesatoh/daily-digest/internal/retry"
	"github.com/ryosukesatoh/daily-digest/internal/storage"
)

const caller = "chat"

var (
	// ErrNotFound means no digest exists for the requested source and date.
	ErrNotFound = errors.New("chat: digest not found")
	// ErrLLMUnavailable means the model could not produce an answer after
	// retries.
	ErrLLMUnavailable = errors.New("chat: llm unavailable")
	// ErrInsufficientContext means the digest does not contain what the
	// question asks about.
	ErrInsufficientContext = errors.New("chat: insufficient context")
	// ErrInvalidRequest means a required request field is missing.
	ErrInvalidRequest = errors.New("chat: invalid request")
)

type Request struct {
	SourceKey string `json:"source_key"`
	Date      string `json:"date"`
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

type Response struct {
	Answer    string    `json:"answer"`
	SessionID string    `json:"session_id"`
	Excerpts  []Excerpt `json:"excerpts"`
}

type Options struct {
	MaxTurns     int
	MaxExcerpts  int
	ContextChars int
	MaxSessions  int
	MaxTokens    int
	Retry        retry.Config
}

// OptionsFromConfig builds Options from the chat and LLM sections.
func OptionsFromConfig(cc config.ChatConfig, lc config.LLMConfig) Options {
	return Options{
		MaxTurns:     cc.MaxTurns,
		MaxExcerpts:  cc.MaxExcerpts,
		ContextChars: cc.ContextChars,
		MaxSessions:  cc.MaxSessions,
		MaxTokens:    lc.MaxTokens,
		Retry: retry.Config{
			MaxAttempts:    lc.MaxAttempts,
			BaseDelay:      lc.BaseDelay,
			MaxDelay:       lc.MaxDelay,
			AttemptTimeout: lc.CallTimeout,
		},
	}
}

type turn struct {
	question string
	answer   string
}

// session holds one conversation. mu serializes questions in the session.
type session struct {
	mu    sync.Mutex
	turns []turn
}

type sessionKey struct {
	source, date, id string
}

// Service answers questions. It is safe for concurrent use; questions in
// the same session are answered one at a time.
type Service struct {
	store     storage.Store
	client    llm.Client
	retriever *Retriever
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	sessions *lru.Cache[sessionKey, *session]
}

func New(store storage.Store, client llm.Client, retriever *Retriever, opts Options, logger *slog.Logger) (*Service, error) {
	if opts.MaxTurns < 1 {
		opts.MaxTurns = 1
	}
	if opts.MaxSessions < 1 {
		opts.MaxSessions = 1
	}
	sessions, err := lru.New[sessionKey, *session](opts.MaxSessions)
	if err != nil {
		return nil, fmt.Errorf("chat: failed to create session cache: %w", err)
	}
	return &Service{
		store:     store,
		client:    client,
		retriever: retriever,
		opts:      opts,
		logger:    logger.With("component", "chat"),
		sessions:  sessions,
	}, nil
}

// Ask answers req.Question from the digest for req.SourceKey and req.Date.
// An empty SessionID starts a new session whose ID is returned.
func (s *Service) Ask(ctx context.Context, req Request) (Response, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.SourceKey == "" || req.Date == "" || req.Question == "" {
		return Response{}, fmt.Errorf("%w: source_key, date and question are required", ErrInvalidRequest)
	}
	if _, err := time.Parse(digest.DateLayout, req.Date); err != nil {
		return Response{}, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidRequest)
	}

	d, err := digest.Load(ctx, s.store, req.SourceKey, req.Date)
	if errors.Is(err, storage.ErrNotFound) {
		metrics.RecordChat("not_found")
		return Response{}, fmt.Errorf("%w: %s/%s", ErrNotFound, req.SourceKey, req.Date)
	}
	if err != nil {
		return Response{}, fmt.Errorf("chat: failed to load digest: %w", err)
	}

	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	resp := Response{SessionID: req.SessionID}
	logger := s.logger.With("source", req.SourceKey, "date", req.Date, "session_id", req.SessionID)

	sess := s.session(sessionKey{req.SourceKey, req.Date, req.SessionID})
	sess.mu.Lock()
	defer sess.mu.Unlock()

	resp.Excerpts = s.selectExcerpts(req.Question, sess.turns, d.Entries)
	if len(resp.Excerpts) == 0 {
		metrics.RecordChat("insufficient_context")
		logger.Info("no matching excerpts")
		return resp, ErrInsufficientContext
	}

	text, err := s.generate(ctx, buildRequest(d, sess.turns, resp.Excerpts, req.Question, s.opts.MaxTokens), logger)
	if err != nil {
		metrics.RecordChat("llm_unavailable")
		return resp, fmt.Errorf("%w: %w", ErrLLMUnavailable, err)
	}

	answer, insufficient := parseReply(text)
	if insufficient {
		metrics.RecordChat("insufficient_context")
		return resp, ErrInsufficientContext
	}
	if answer == "" {
		metrics.RecordChat("llm_unavailable")
		return resp, fmt.Errorf("%w: empty answer", ErrLLMUnavailable)
	}

	sess.turns = append(sess.turns, turn{question: req.Question, answer: answer})
	if over := len(sess.turns) - s.opts.MaxTurns; over > 0 {
		sess.turns = append([]turn(nil), sess.turns[over:]...)
	}

	metrics.RecordChat("answered")
	resp.Answer = answer
	return resp, nil
}

// selectExcerpts retrieves for the question alone, then for the question
// joined with each earlier question, newest first, so a follow-up such as
// "tell me more about that" finds what the conversation was about.
func (s *Service) selectExcerpts(question string, turns []turn, entries []digest.Entry) []Excerpt {
	excerpts := s.retriever.Select(question, entries, s.opts.MaxExcerpts, s.opts.ContextChars)
	for i := len(turns) - 1; i >= 0 && len(excerpts) == 0; i-- {
		excerpts = s.retriever.Select(turns[i].question+" "+question, entries, s.opts.MaxExcerpts, s.opts.ContextChars)
	}
	return excerpts
}

func (s *Service) session(key sessionKey) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions.Get(key); ok {
		return sess
	}
	sess := &session{}
	s.sessions.Add(key, sess)
	return sess
}

func (s *Service) generate(ctx context.Context, req llm.Request, logger *slog.Logger) (string, error) {
	cfg := s.opts.Retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.RecordLLMRetry(caller)
		logger.Info("retrying llm call", "attempt", attempt, "delay", delay, "error", err)
	}

	var text string
	err := retry.WithBackoff(ctx, cfg, nil, func(ctx context.Context) error {
		started := time.Now()
		resp, err := s.client.Generate(ctx, req)
		metrics.ObserveLLMCall(caller, started, err)
		if err != nil {
			return err
		}
		text = resp.Text
		return nil
	})
	return text, err
}

type reply struct {
	Answer       string `json:"answer"`
	Insufficient bool   `json:"insufficient"`
}

// parseReply reads the model's JSON reply. Replies that are not JSON are
// taken as the answer text.
func parseReply(text string) (string, bool) {
	body := strings.TrimSpace(text)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)

	var r reply
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return strings.TrimSpace(text), false
	}
	return strings.TrimSpace(r.Answer), r.Insufficient
}
