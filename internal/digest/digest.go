// Package digest assembles one source's summaries for a day into a Markdown
// document and persists it under {source}/{date}.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/fetcher"
	"github.com/ryosukesatoh/daily-digest/internal/storage"
	"github.com/ryosukesatoh/daily-digest/internal/summarizer"
)

// DateLayout is the format of digest dates.
const DateLayout = "2006-01-02"

// Digest is one source's output for one date.
type Digest struct {
	Source      string
	Date        string
	GeneratedAt time.Time
	Entries     []Entry
	// Skipped counts items whose summary failed and were left out.
	Skipped int
}

// Entry is one rendered item.
type Entry struct {
	Title   string
	Link    string
	Meta    string
	Summary string

	// Rank is the source's score for the entry; Ranked is false for
	// sources without one. Entries of one Group are listed together.
	Rank   int
	Ranked bool
	Group  string
}

func (e Entry) key() string {
	if e.Link != "" {
		return linkEscaper.Replace(e.Link)
	}
	return e.Title
}

// Assemble orders records for presentation and drops failed ones, keeping
// their count. Records are sorted by the source's ranking when every
// record has one, otherwise fetch order is kept. Trending repositories are
// grouped by the list they came from.
func Assemble(source, date string, generatedAt time.Time, records []summarizer.SummaryRecord) *Digest {
	d := &Digest{Source: source, Date: date, GeneratedAt: generatedAt}

	ok := make([]summarizer.SummaryRecord, 0, len(records))
	for _, r := range records {
		if !r.OK() {
			d.Skipped++
			continue
		}
		ok = append(ok, r)
	}

	for _, r := range ok {
		rank, ranked := r.Item.Rank()
		d.Entries = append(d.Entries, Entry{
			Title:   r.Item.Title,
			Link:    r.Item.URL,
			Meta:    metaLine(r.Item),
			Summary: r.Summary,
			Rank:    rank,
			Ranked:  ranked,
			Group:   r.Item.Meta.Trend,
		})
	}
	order(d.Entries)
	return d
}

// order sorts entries highest rank first when every entry is ranked.
// Groups keep the order in which they first appear.
func order(entries []Entry) {
	if !allRanked(entries) {
		return
	}
	first := make(map[string]int)
	for i, e := range entries {
		if _, ok := first[e.Group]; !ok {
			first[e.Group] = i
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		gi, gj := first[entries[i].Group], first[entries[j].Group]
		if gi != gj {
			return gi < gj
		}
		return entries[i].Rank > entries[j].Rank
	})
}

func allRanked(entries []Entry) bool {
	for _, e := range entries {
		if !e.Ranked {
			return false
		}
	}
	return true
}

func metaLine(item fetcher.Item) string {
	m := item.Meta
	var parts []string
	switch item.Kind {
	case fetcher.KindReddit:
		if m.Community != "" {
			parts = append(parts, "r/"+m.Community)
		}
		parts = append(parts, strconv.Itoa(m.Score)+" points", strconv.Itoa(m.Comments)+" comments")
	case fetcher.KindHackerNews:
		parts = append(parts, strconv.Itoa(m.Score)+" points", strconv.Itoa(m.Comments)+" comments")
	case fetcher.KindGitHubTrending:
		if m.Trend != "" {
			parts = append(parts, "Trending: "+m.Trend)
		}
		if m.Language != "" {
			parts = append(parts, m.Language)
		}
		parts = append(parts, "★ "+strconv.Itoa(m.Stars))
	case fetcher.KindRSS:
		if m.Community != "" {
			parts = append(parts, m.Community)
		}
	case fetcher.KindArxiv:
		if len(m.Authors) > 0 {
			parts = append(parts, strings.Join(m.Authors, ", "))
		}
		if m.Category != "" {
			parts = append(parts, m.Category)
		}
	}
	if item.HasPublishedAt() && item.Kind != fetcher.KindGitHubTrending {
		parts = append(parts, item.PublishedAt.UTC().Format("2006-01-02 15:04 UTC"))
	}
	return strings.Join(parts, " · ")
}

// Load reads and parses a stored digest. It returns an error wrapping
// storage.ErrNotFound when no digest exists for the date.
func Load(ctx context.Context, store storage.Store, source, date string) (*Digest, error) {
	data, err := store.Get(ctx, storage.DigestKey(source, date))
	if err != nil {
		return nil, err
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("digest: %s/%s: %w", source, date, err)
	}
	return d, nil
}

// Assembler writes digests to storage.
type Assembler struct {
	store  storage.Store
	logger *slog.Logger
}

func NewAssembler(store storage.Store, logger *slog.Logger) *Assembler {
	return &Assembler{store: store, logger: logger.With("component", "digest")}
}

// Persist writes d as the whole document for its source and date. Entries
// of a digest already stored for the same date are carried into the new
// document and ranked sources are re-sorted across both. When d holds no records and a digest
// already exists, nothing is written. Persist returns the stored digest
// and whether a write happened.
func (a *Assembler) Persist(ctx context.Context, d *Digest) (*Digest, bool, error) {
	key := storage.DigestKey(d.Source, d.Date)

	existing, err := Load(ctx, a.store, d.Source, d.Date)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		existing = nil
	case err != nil:
		var se *storage.Error
		if errors.As(err, &se) {
			return nil, false, fmt.Errorf("digest: failed to read %s: %w", key, err)
		}
		a.logger.Warn("existing digest unreadable, replacing it", "source", d.Source, "date", d.Date, "error", err)
		existing = nil
	}

	if existing != nil {
		if len(d.Entries) == 0 && d.Skipped == 0 {
			return existing, false, nil
		}
		d = merge(existing, d)
	}

	if err := a.store.Put(ctx, key, Render(d)); err != nil {
		return nil, false, fmt.Errorf("digest: failed to write %s: %w", key, err)
	}
	return d, true, nil
}

// merge carries prev's entries into next. Entries of next that are already
// present in prev are dropped. Unranked entries keep prev's entries first.
func merge(prev, next *Digest) *Digest {
	out := *next
	out.Entries = make([]Entry, 0, len(prev.Entries)+len(next.Entries))
	seen := make(map[string]bool, len(prev.Entries))
	for _, e := range prev.Entries {
		seen[e.key()] = true
		out.Entries = append(out.Entries, e)
	}
	for _, e := range next.Entries {
		if seen[e.key()] {
			continue
		}
		out.Entries = append(out.Entries, e)
	}
	order(out.Entries)
	return &out
}
