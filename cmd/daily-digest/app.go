package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/article"
	"github.com/ryosukesatoh/daily-digest/internal/chat"
	"github.com/ryosukesatoh/daily-digest/internal/config"
	"github.com/ryosukesatoh/daily-digest/internal/fetcher"
	"github.com/ryosukesatoh/daily-digest/internal/llm"
	"github.com/ryosukesatoh/daily-digest/internal/logging"
	"github.com/ryosukesatoh/daily-digest/internal/publisher"
	"github.com/ryosukesatoh/daily-digest/internal/runner"
	"github.com/ryosukesatoh/daily-digest/internal/storage"
	"github.com/ryosukesatoh/daily-digest/internal/summarizer"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  storage.Store
	llm    llm.Client
	closer func() error
}

func newApp(ctx context.Context, configPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logOut, cfg.Log.Level, cfg.Log.Format)

	store, closer, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	client, err := llm.New(cfg.LLM)
	if err != nil {
		_ = closer()
		return nil, err
	}

	logger.Debug("configuration loaded",
		"sources", len(cfg.Sources),
		"storage", cfg.Storage.Backend,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model)

	return &app{cfg: cfg, logger: logger, store: store, llm: client, closer: closer}, nil
}

func (a *app) Close() error { return a.closer() }

func (a *app) newRunner() (*runner.Runner, error) {
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	deps := fetcher.Deps{Client: httpClient, Logger: a.logger}
	fetchers := make([]fetcher.Fetcher, 0, len(a.cfg.Sources))
	for _, src := range a.cfg.Sources {
		f, err := fetcher.New(src, deps)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", src.Key, err)
		}
		fetchers = append(fetchers, f)
	}

	var extractor summarizer.ContentExtractor
	if a.cfg.Summarizer.FetchFullContent {
		extractor = article.New(httpClient, a.cfg.Summarizer.ArticleChars, a.logger)
	}
	s := summarizer.New(a.llm, extractor, summarizer.OptionsFromConfig(a.cfg.Summarizer, a.cfg.LLM), a.logger)

	pubs, err := publisher.NewAll(a.cfg.Publishers)
	if err != nil {
		return nil, err
	}

	return runner.New(fetchers, s, a.store, pubs, runner.Options{
		Location:             loc,
		MaxConcurrentSources: a.cfg.MaxConcurrentSources,
		RetentionDays:        a.cfg.Ledger.RetentionDays,
	}, a.logger), nil
}

func (a *app) newChat() (*chat.Service, error) {
	retriever, err := chat.NewRetriever()
	if err != nil {
		return nil, err
	}
	return chat.New(a.store, a.llm, retriever, chat.OptionsFromConfig(a.cfg.Chat, a.cfg.LLM), a.logger)
}
