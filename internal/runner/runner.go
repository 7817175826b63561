// Package runner drives each source through fetch, dedup, summarize and
// assemble, isolating failures per source.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ryosukesatoh/daily-digest/internal/digest"
	"github.com/ryosukesatoh/daily-digest/internal/fetcher"
	"github.com/ryosukesatoh/daily-digest/internal/ledger"
	"github.com/ryosukesatoh/daily-digest/internal/metrics"
	"github.com/ryosukesatoh/daily-digest/internal/publisher"
	"github.com/ryosukesatoh/daily-digest/internal/storage"
	"github.com/ryosukesatoh/daily-digest/internal/summarizer"
)

// Stage is a step of one source's run.
type Stage string

const (
	StageFetching    Stage = "FETCHING"
	StageFiltering   Stage = "FILTERING"
	StageSummarizing Stage = "SUMMARIZING"
	StageAssembling  Stage = "ASSEMBLING"
	StageDone        Stage = "DONE"
	StageFailed      Stage = "FAILED"
)

// Outcome reports one source's run. When Stage is StageFailed, FailedStage
// names the step that failed and Err holds the cause.
type Outcome struct {
	Source      string
	Date        string
	Stage       Stage
	FailedStage Stage
	Err         error

	Fetched    int
	New        int
	Summarized int
	Failed     int
	Written    bool
}

func (o Outcome) OK() bool { return o.Stage == StageDone }

// ItemSummarizer is the part of the summarizer the runner needs.
type ItemSummarizer interface {
	SummarizeMany(ctx context.Context, items []fetcher.Item) []summarizer.SummaryRecord
}

// ErrUnknownSource is returned by RunAll for a key no fetcher serves.
var ErrUnknownSource = errors.New("runner: unknown source")

type Options struct {
	// Location fixes the calendar day a run belongs to.
	Location             *time.Location
	MaxConcurrentSources int
	RetentionDays        int
	Now                  func() time.Time
}

// Runner orchestrates the fetch -> dedup -> summarize -> assemble pipeline.
type Runner struct {
	fetchers   []fetcher.Fetcher
	summarizer ItemSummarizer
	store      storage.Store
	assembler  *digest.Assembler
	publishers []publisher.Publisher
	opts       Options
	logger     *slog.Logger
}

func New(fetchers []fetcher.Fetcher, s ItemSummarizer, store storage.Store, pubs []publisher.Publisher, opts Options, logger *slog.Logger) *Runner {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxConcurrentSources < 1 {
		opts.MaxConcurrentSources = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		fetchers:   fetchers,
		summarizer: s,
		store:      store,
		assembler:  digest.NewAssembler(store, logger),
		publishers: pubs,
		opts:       opts,
		logger:     logger.With("component", "runner"),
	}
}

// Today returns the current date in the reference timezone.
func (r *Runner) Today() string {
	return r.opts.Now().In(r.opts.Location).Format(digest.DateLayout)
}

// RunAll runs the selected sources, or all of them when keys is empty,
// for date (today when empty). Sources run concurrently and independently;
// a failing source never cancels the others. Outcomes are in configuration
// order.
func (r *Runner) RunAll(ctx context.Context, date string, keys ...string) ([]Outcome, error) {
	selected, err := r.selectFetchers(keys)
	if err != nil {
		return nil, err
	}
	if date == "" {
		date = r.Today()
	}

	runID := uuid.NewString()
	r.logger.Info("starting run", "run_id", runID, "date", date, "sources", len(selected))

	outcomes := make([]Outcome, len(selected))
	var g errgroup.Group
	g.SetLimit(r.opts.MaxConcurrentSources)
	for i, f := range selected {
		g.Go(func() error {
			outcomes[i] = r.runSource(ctx, f, date, runID)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range outcomes {
		if !o.OK() {
			failed++
		}
	}
	r.logger.Info("run finished", "run_id", runID, "date", date, "sources", len(outcomes), "failed", failed)
	return outcomes, nil
}

func (r *Runner) selectFetchers(keys []string) ([]fetcher.Fetcher, error) {
	if len(keys) == 0 {
		return r.fetchers, nil
	}
	byKey := make(map[string]fetcher.Fetcher, len(r.fetchers))
	for _, f := range r.fetchers {
		byKey[f.Key()] = f
	}
	out := make([]fetcher.Fetcher, 0, len(keys))
	for _, k := range keys {
		f, ok := byKey[k]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, k)
		}
		out = append(out, f)
	}
	return out, nil
}

// RunSource runs one source for date.
func (r *Runner) RunSource(ctx context.Context, f fetcher.Fetcher, date string) Outcome {
	return r.runSource(ctx, f, date, uuid.NewString())
}

func (r *Runner) runSource(ctx context.Context, f fetcher.Fetcher, date, runID string) Outcome {
	key := f.Key()
	out := Outcome{Source: key, Date: date}
	logger := r.logger.With("source", key, "date", date, "run_id", runID)

	fail := func(stage Stage, err error) Outcome {
		out.Stage = StageFailed
		out.FailedStage = stage
		out.Err = err
		metrics.RecordPipelineRun(key, string(StageFailed))
		logger.Error("source failed", "stage", stage, "error", err)
		return out
	}

	day, err := time.ParseInLocation(digest.DateLayout, date, r.opts.Location)
	if err != nil {
		return fail(StageFetching, fmt.Errorf("runner: invalid date %q: %w", date, err))
	}

	seen := ledger.Load(ctx, r.store, key, day, ledger.Options{RetentionDays: r.opts.RetentionDays, Logger: logger})

	out.Stage = StageFetching
	logger.Info("fetching items")
	items, err := f.Fetch(ctx)
	if err != nil {
		return fail(StageFetching, fmt.Errorf("runner: fetch failed: %w", err))
	}
	out.Fetched = len(items)
	metrics.RecordItems(key, "fetched", len(items))

	out.Stage = StageFiltering
	fresh := unseen(items, seen)
	out.New = len(fresh)
	metrics.RecordItems(key, "new", len(fresh))
	logger.Info("filtered items", "fetched", len(items), "new", len(fresh))

	out.Stage = StageSummarizing
	var records []summarizer.SummaryRecord
	if len(fresh) > 0 {
		records = r.summarizer.SummarizeMany(ctx, fresh)
	}
	for _, rec := range records {
		if rec.OK() {
			out.Summarized++
		} else {
			out.Failed++
		}
	}

	out.Stage = StageAssembling
	d := digest.Assemble(key, date, r.opts.Now().In(r.opts.Location), records)
	stored, written, err := r.assembler.Persist(ctx, d)
	if err != nil {
		return fail(StageAssembling, err)
	}
	out.Written = written

	// The ledger is only flushed once the digest is durable, so a failed
	// write leaves these items eligible for the next run.
	for _, rec := range records {
		if rec.OK() {
			seen.MarkSeen(rec.Item.ID)
		}
	}
	if err := seen.Flush(ctx); err != nil {
		return fail(StageAssembling, err)
	}

	if written {
		r.publish(ctx, stored, logger)
	}

	out.Stage = StageDone
	metrics.RecordPipelineRun(key, string(StageDone))
	logger.Info("source done", "summarized", out.Summarized, "failed", out.Failed, "written", written)
	return out
}

// unseen drops items already in the ledger and repeated IDs within the
// batch, keeping fetch order.
func unseen(items []fetcher.Item, l *ledger.Ledger) []fetcher.Item {
	out := make([]fetcher.Item, 0, len(items))
	batch := make(map[string]bool, len(items))
	for _, it := range items {
		if l.IsSeen(it.ID) || batch[it.ID] {
			continue
		}
		batch[it.ID] = true
		out = append(out, it)
	}
	return out
}

// publish notifies every publisher. Failures are logged and never fail the
// source.
func (r *Runner) publish(ctx context.Context, d *digest.Digest, logger *slog.Logger) {
	for _, pub := range r.publishers {
		if err := pub.Publish(ctx, d); err != nil {
			logger.Warn("publish failed", "publisher", fmt.Sprintf("%T", pub), "error", err)
			continue
		}
		logger.Debug("published", "publisher", fmt.Sprintf("%T", pub))
	}
}

// Failed reports whether any outcome failed.
func Failed(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if !o.OK() {
			return true
		}
	}
	return false
}
