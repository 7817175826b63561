// Package ledger persists, per source, the item IDs that have already been
// summarized so later runs skip them.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/storage"
)

const (
	version    = 1
	dateLayout = "2006-01-02"
)

// ErrCorrupt means the stored ledger could not be decoded.
var ErrCorrupt = errors.New("ledger: corrupt state")

type document struct {
	Version int               `json:"version"`
	Entries map[string]string `json:"entries"`
}

type Options struct {
	// RetentionDays prunes entries marked more than this many days before
	// today on Flush. Zero keeps everything.
	RetentionDays int
	Logger        *slog.Logger
}

// Ledger is one source's seen-set. It is loaded once at the start of a run,
// mutated in memory and written back once by Flush. A Ledger belongs to a
// single pipeline run and is not safe for concurrent use.
type Ledger struct {
	store     storage.Store
	source    string
	today     string
	entries   map[string]string
	retention int
	dirty     bool
}

// Load reads the source's ledger. A missing ledger starts empty. An
// unreadable or corrupt ledger is logged and also starts empty, so the
// source's items are processed again rather than lost.
func Load(ctx context.Context, store storage.Store, source string, today time.Time, opts Options) *Ledger {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:     store,
		source:    source,
		today:     today.Format(dateLayout),
		entries:   map[string]string{},
		retention: opts.RetentionDays,
	}

	data, err := store.Get(ctx, storage.LedgerKey(source))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return l
	case err != nil:
		logger.Warn("ledger unreadable, starting empty", "source", source, "error", fmt.Errorf("%w: %w", ErrCorrupt, err))
		return l
	}

	entries, err := decode(data)
	if err != nil {
		logger.Warn("ledger corrupt, starting empty", "source", source, "error", err)
		return l
	}
	l.entries = entries
	return l
}

func decode(data []byte) (map[string]string, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if doc.Version != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, doc.Version)
	}
	if doc.Entries == nil {
		doc.Entries = map[string]string{}
	}
	return doc.Entries, nil
}

// IsSeen reports whether id was marked in this or an earlier run.
func (l *Ledger) IsSeen(id string) bool {
	_, ok := l.entries[id]
	return ok
}

// MarkSeen records id as processed today. It is persisted by Flush.
func (l *Ledger) MarkSeen(id string) {
	if _, ok := l.entries[id]; ok {
		return
	}
	l.entries[id] = l.today
	l.dirty = true
}

// Len returns the number of remembered IDs.
func (l *Ledger) Len() int { return len(l.entries) }

// Flush prunes expired entries and writes the ledger back in one Put. It
// does nothing when nothing changed.
func (l *Ledger) Flush(ctx context.Context) error {
	pruned := l.prune()
	if !l.dirty && pruned == 0 {
		return nil
	}

	data, err := json.Marshal(document{Version: version, Entries: l.entries})
	if err != nil {
		return fmt.Errorf("ledger: failed to encode: %w", err)
	}
	if err := l.store.Put(ctx, storage.LedgerKey(l.source), data); err != nil {
		return fmt.Errorf("ledger: failed to write %s: %w", l.source, err)
	}
	l.dirty = false
	return nil
}

func (l *Ledger) prune() int {
	if l.retention <= 0 {
		return 0
	}
	today, err := time.Parse(dateLayout, l.today)
	if err != nil {
		return 0
	}
	cutoff := today.AddDate(0, 0, -l.retention).Format(dateLayout)

	n := 0
	for id, date := range l.entries {
		// ISO dates compare lexically.
		if date < cutoff {
			delete(l.entries, id)
			n++
		}
	}
	return n
}
