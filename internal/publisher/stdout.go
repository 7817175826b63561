package publisher

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ryosukesatoh/daily-digest/internal/digest"
)

// StdoutPublisher prints the rendered digest.
type StdoutPublisher struct {
	w io.Writer
}

// NewStdoutPublisher writes to w, or to os.Stdout when w is nil.
func NewStdoutPublisher(w io.Writer) *StdoutPublisher {
	if w == nil {
		w = os.Stdout
	}
	return &StdoutPublisher{w: w}
}

func (p *StdoutPublisher) Publish(_ context.Context, d *digest.Digest) error {
	rule := strings.Repeat("=", 72)
	if _, err := fmt.Fprintf(p.w, "%s\n%s", rule, digest.Render(d)); err != nil {
		return fmt.Errorf("stdout: %w", err)
	}
	_, err := fmt.Fprintln(p.w, rule)
	return err
}
