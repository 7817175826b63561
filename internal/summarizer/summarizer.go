// Package summarizer turns fetched items into short summaries in the digest
// language through an llm.Client.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ryosukesatoh/daily-digest/internal/config"
	"github.com/ryosukesatoh/daily-digest/internal/fetcher"
	"github.com/ryosukesatoh/daily-digest/internal/llm"
	"github.com/ryosukesatoh/daily-digest/internal/metrics"
	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

const caller = "summarizer"

// Options configures a Summarizer.
type Options struct {
	Language          string
	MaxInFlight       int
	RequestsPerMinute int
	SummaryChars      int
	MaxTokens         int
	// InputChars bounds the item text put into a prompt.
	InputChars       int
	FetchFullContent bool
	Retry            retry.Config
}

// OptionsFromConfig builds Options from the summarizer and LLM sections.
func OptionsFromConfig(sc config.SummarizerConfig, lc config.LLMConfig) Options {
	return Options{
		Language:          sc.Language,
		MaxInFlight:       sc.MaxInFlight,
		RequestsPerMinute: sc.RequestsPerMinute,
		SummaryChars:      sc.SummaryChars,
		MaxTokens:         lc.MaxTokens,
		InputChars:        sc.ArticleChars,
		FetchFullContent:  sc.FetchFullContent,
		Retry: retry.Config{
			MaxAttempts:    lc.MaxAttempts,
			BaseDelay:      lc.BaseDelay,
			MaxDelay:       lc.MaxDelay,
			AttemptTimeout: lc.CallTimeout,
		},
	}
}

// Summarizer is safe for concurrent use. The in-flight limit and the
// request pacing are shared by every caller, so one Summarizer serving all
// sources bounds the total load on the LLM endpoint.
type Summarizer struct {
	client    llm.Client
	extractor ContentExtractor
	opts      Options
	sem       *semaphore.Weighted
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// New creates a Summarizer. extractor may be nil, in which case items are
// always summarized from their excerpt.
func New(client llm.Client, extractor ContentExtractor, opts Options, logger *slog.Logger) *Summarizer {
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = 1
	}
	if opts.Language == "" {
		opts.Language = "Japanese"
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return &Summarizer{
		client:    client,
		extractor: extractor,
		opts:      opts,
		sem:       semaphore.NewWeighted(int64(opts.MaxInFlight)),
		limiter:   limiter,
		logger:    logger.With("component", "summarizer"),
	}
}

// SummarizeMany summarizes items concurrently. The returned records are in
// the same order as items regardless of completion order. It never fails;
// per-item failures are recorded in the records.
func (s *Summarizer) SummarizeMany(ctx context.Context, items []fetcher.Item) []SummaryRecord {
	records := make([]SummaryRecord, len(items))

	var g errgroup.Group
	g.SetLimit(s.opts.MaxInFlight)
	for i, item := range items {
		g.Go(func() error {
			records[i] = s.Summarize(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	return records
}

// Summarize produces the record for one item. Upstream failures become a
// failed record, never an error.
func (s *Summarizer) Summarize(ctx context.Context, item fetcher.Item) SummaryRecord {
	logger := s.logger.With("source", item.SourceKey, "item_id", item.ID)

	content, mode := s.content(ctx, item, logger)
	req := s.buildRequest(item, content, mode)

	text, err := s.generate(ctx, req, logger)
	if err == nil && text == "" {
		err = errors.New("summarizer: empty summary")
	}
	if err != nil {
		logger.Warn("summary failed", "error", err)
		metrics.RecordSummary(item.SourceKey, string(StatusFailed))
		return SummaryRecord{Item: item, Status: StatusFailed, Err: err.Error(), Mode: mode}
	}

	metrics.RecordSummary(item.SourceKey, string(StatusOK))
	return SummaryRecord{Item: item, Summary: text, Status: StatusOK, Mode: mode}
}

// content picks the text to summarize: the linked page when the item asks
// for it and it can be fetched, else the excerpt, else only the title.
func (s *Summarizer) content(ctx context.Context, item fetcher.Item, logger *slog.Logger) (string, Mode) {
	if item.FullContent && s.opts.FetchFullContent && s.extractor != nil && item.URL != "" {
		fetchCtx := ctx
		if s.opts.Retry.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(ctx, s.opts.Retry.AttemptTimeout)
			defer cancel()
		}
		text, err := s.extractor.Extract(fetchCtx, item.URL)
		if err == nil && strings.TrimSpace(text) != "" {
			return truncate(text, s.opts.InputChars), ModeFullContent
		}
		logger.Info("full content unavailable, using excerpt", "url", item.URL, "error", err)
	}

	body := strings.TrimSpace(item.Body)
	if body == "" && item.Kind != fetcher.KindGitHubTrending {
		return "", ModeTitle
	}
	return truncate(body, s.opts.InputChars), ModeExcerpt
}

// generate runs one LLM request under the shared pacing and in-flight
// limit, retrying transient failures.
func (s *Summarizer) generate(ctx context.Context, req llm.Request, logger *slog.Logger) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("summarizer: rate limit wait: %w", err)
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("summarizer: acquire slot: %w", err)
	}
	defer s.sem.Release(1)

	cfg := s.opts.Retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.RecordLLMRetry(caller)
		logger.Info("retrying llm call", "attempt", attempt, "delay", delay, "error", err)
	}

	var text string
	attempt := 0
	err := retry.WithBackoff(ctx, cfg, nil, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		started := time.Now()
		resp, err := s.client.Generate(ctx, req)
		metrics.ObserveLLMCall(caller, started, err)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(resp.Text)
		return nil
	})
	return text, err
}

func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
