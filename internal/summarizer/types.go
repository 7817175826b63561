package summarizer

import (
	"context"

	"github.com/ryosukesatoh/daily-digest/internal/fetcher"
)

// Status is the outcome of summarizing one item.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Mode records which input the summary was produced from.
type Mode string

const (
	ModeExcerpt     Mode = "excerpt"
	ModeFullContent Mode = "full_content"
	ModeTitle       Mode = "title"
)

// SummaryRecord is the result of summarizing one Item. Records are created
// once and never modified.
type SummaryRecord struct {
	Item    fetcher.Item `json:"item"`
	Summary string       `json:"summary,omitempty"`
	Status  Status       `json:"status"`
	Err     string       `json:"error,omitempty"`
	Mode    Mode         `json:"mode,omitempty"`
}

// OK reports whether the record carries a usable summary.
func (r SummaryRecord) OK() bool { return r.Status == StatusOK }

// ContentExtractor fetches the readable text behind a URL.
type ContentExtractor interface {
	Extract(ctx context.Context, rawURL string) (string, error)
}
