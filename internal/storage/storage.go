// Package storage is the key/blob store behind digests and dedup ledgers.
// Every Put replaces the whole value at its key.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/config"
	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

// ErrNotFound is returned by Get when nothing is stored at the key.
var ErrNotFound = errors.New("storage: not found")

// Store persists opaque documents under slash-separated keys.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Error wraps a backend failure. Backend failures are treated as transient.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Temporary() bool { return true }

const ledgerName = "_dedup_ledger"

// DigestKey is the key of one source's digest for one date (YYYY-MM-DD).
func DigestKey(sourceKey, date string) string {
	return sourceKey + "/" + date
}

// LedgerKey is the key of a source's dedup ledger.
func LedgerKey(sourceKey string) string {
	return sourceKey + "/" + ledgerName
}

// IsLedgerKey reports whether key names a ledger rather than a digest.
func IsLedgerKey(key string) bool {
	return strings.HasSuffix(key, "/"+ledgerName)
}

func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("storage: invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("storage: invalid key %q", key)
		}
	}
	return nil
}

// Retrying retries backend failures of the wrapped store. ErrNotFound and
// invalid keys are returned immediately.
type Retrying struct {
	store  Store
	cfg    retry.Config
	logger *slog.Logger
}

func WithRetry(store Store, cfg retry.Config, logger *slog.Logger) *Retrying {
	return &Retrying{store: store, cfg: cfg, logger: logger}
}

func classify(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

func (r *Retrying) config(op, key string) retry.Config {
	cfg := r.cfg
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.logger.Warn("storage operation failed, retrying",
			"op", op, "key", key, "attempt", attempt, "delay", delay, "error", err)
	}
	return cfg
}

func (r *Retrying) Put(ctx context.Context, key string, data []byte) error {
	return retry.WithBackoff(ctx, r.config("put", key), classify, func(ctx context.Context) error {
		return r.store.Put(ctx, key, data)
	})
}

func (r *Retrying) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := retry.WithBackoff(ctx, r.config("get", key), classify, func(ctx context.Context) error {
		data, err := r.store.Get(ctx, key)
		if err != nil {
			return err
		}
		out = data
		return nil
	})
	return out, err
}

func (r *Retrying) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := retry.WithBackoff(ctx, r.config("list", prefix), classify, func(ctx context.Context) error {
		keys, err := r.store.List(ctx, prefix)
		if err != nil {
			return err
		}
		out = keys
		return nil
	})
	return out, err
}

// Open builds the configured backend wrapped with retries. The returned
// close function releases backend connections.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Store, func() error, error) {
	var (
		backend Store
		closeFn = func() error { return nil }
	)
	switch cfg.Backend {
	case "fs":
		fs, err := NewFS(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		backend = fs
	case "redis":
		rs := NewRedisFromConfig(cfg.Redis)
		if err := rs.Ping(ctx); err != nil {
			return nil, nil, err
		}
		backend, closeFn = rs, rs.Close
	case "postgres":
		pg, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		backend = pg
		closeFn = func() error { pg.Close(); return nil }
	default:
		return nil, nil, fmt.Errorf("storage: unsupported backend %q", cfg.Backend)
	}

	rc := retry.Config{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
	return WithRetry(backend, rc, logger.With("component", "storage")), closeFn, nil
}
