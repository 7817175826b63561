package digest

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMalformed is returned by Parse for documents it cannot read.
var ErrMalformed = errors.New("digest: malformed document")

type frontMatter struct {
	Source      string    `yaml:"source"`
	Date        string    `yaml:"date"`
	GeneratedAt time.Time `yaml:"generated_at"`
	Entries     int       `yaml:"entries"`
	Skipped     int       `yaml:"skipped"`

	// Ranking lists each entry's rank in entry order, for ranked sources.
	Ranking []rankedEntry `yaml:"ranking,omitempty"`
}

type rankedEntry struct {
	Rank  int    `yaml:"rank"`
	Group string `yaml:"group,omitempty"`
}

const (
	fence     = "---"
	separator = "---"
)

var (
	linkedHeading = regexp.MustCompile(`^## \[((?:\\.|[^\]\\])*)\]\(([^)\s]*)\)$`)
	titleEscaper  = strings.NewReplacer(`\`, `\\`, `[`, `\[`, `]`, `\]`)
	linkEscaper   = strings.NewReplacer(" ", "%20", "(", "%28", ")", "%29")
	escapedChar   = regexp.MustCompile(`\\(.)`)
)

// Render produces the Markdown document for d. The output depends only on
// d, so rendering the same digest twice is byte-identical.
func Render(d *Digest) []byte {
	var buf bytes.Buffer

	head := frontMatter{
		Source:      d.Source,
		Date:        d.Date,
		GeneratedAt: d.GeneratedAt,
		Entries:     len(d.Entries),
		Skipped:     d.Skipped,
	}
	if allRanked(d.Entries) {
		for _, e := range d.Entries {
			head.Ranking = append(head.Ranking, rankedEntry{Rank: e.Rank, Group: e.Group})
		}
	}
	fm, _ := yaml.Marshal(head)
	buf.WriteString(fence + "\n")
	buf.Write(fm)
	buf.WriteString(fence + "\n")
	fmt.Fprintf(&buf, "# %s — %s\n", d.Source, d.Date)

	for _, e := range d.Entries {
		buf.WriteString("\n")
		title := oneLine(e.Title)
		if e.Link != "" {
			fmt.Fprintf(&buf, "## [%s](%s)\n", titleEscaper.Replace(title), linkEscaper.Replace(e.Link))
		} else {
			fmt.Fprintf(&buf, "## %s\n", titleEscaper.Replace(title))
		}
		if e.Meta != "" {
			fmt.Fprintf(&buf, "\n> %s\n", oneLine(e.Meta))
		}
		if s := escapeSummary(e.Summary); s != "" {
			fmt.Fprintf(&buf, "\n%s\n", s)
		}
		buf.WriteString("\n" + separator + "\n")
	}
	return buf.Bytes()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// escapeSummary keeps summary lines from being read as document structure.
func escapeSummary(s string) string {
	lines := strings.Split(strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")), "\n")
	for i, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ">") || strings.HasPrefix(trimmed, `\`) || isRule(trimmed) {
			trimmed = `\` + trimmed
		}
		lines[i] = trimmed
	}
	return strings.Join(lines, "\n")
}

func isRule(line string) bool {
	return len(line) >= 3 && strings.Trim(line, "-") == ""
}

func unescapeSummary(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimPrefix(line, `\`)
	}
	return strings.Join(lines, "\n")
}

// Parse reads a document produced by Render.
func Parse(data []byte) (*Digest, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, fence+"\n") {
		return nil, fmt.Errorf("%w: missing front matter", ErrMalformed)
	}
	rest := text[len(fence)+1:]
	end := strings.Index(rest, "\n"+fence+"\n")
	if end < 0 {
		return nil, fmt.Errorf("%w: unterminated front matter", ErrMalformed)
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	d := &Digest{Source: fm.Source, Date: fm.Date, GeneratedAt: fm.GeneratedAt, Skipped: fm.Skipped}

	body := rest[end+len(fence)+2:]
	for _, block := range splitBlocks(body) {
		e, err := parseEntry(block)
		if err != nil {
			return nil, err
		}
		d.Entries = append(d.Entries, e)
	}
	if len(d.Entries) != fm.Entries {
		return nil, fmt.Errorf("%w: front matter lists %d entries, found %d", ErrMalformed, fm.Entries, len(d.Entries))
	}
	if len(fm.Ranking) > 0 {
		if len(fm.Ranking) != len(d.Entries) {
			return nil, fmt.Errorf("%w: front matter ranks %d entries, found %d", ErrMalformed, len(fm.Ranking), len(d.Entries))
		}
		for i, r := range fm.Ranking {
			d.Entries[i].Rank, d.Entries[i].Ranked, d.Entries[i].Group = r.Rank, true, r.Group
		}
	}
	return d, nil
}

// splitBlocks splits the body after the heading into entry blocks.
func splitBlocks(body string) []string {
	var (
		blocks  []string
		current []string
	)
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") && len(blocks) == 0 && len(current) == 0 {
			continue
		}
		if line == separator {
			blocks = append(blocks, strings.TrimSpace(strings.Join(current, "\n")))
			current = nil
			continue
		}
		current = append(current, line)
	}
	if tail := strings.TrimSpace(strings.Join(current, "\n")); tail != "" {
		blocks = append(blocks, tail)
	}
	return blocks
}

func parseEntry(block string) (Entry, error) {
	heading, rest, _ := strings.Cut(block, "\n")
	if !strings.HasPrefix(heading, "## ") {
		return Entry{}, fmt.Errorf("%w: entry without heading: %q", ErrMalformed, heading)
	}

	var e Entry
	if m := linkedHeading.FindStringSubmatch(heading); m != nil {
		e.Title = escapedChar.ReplaceAllString(m[1], "$1")
		e.Link = m[2]
	} else {
		e.Title = escapedChar.ReplaceAllString(strings.TrimPrefix(heading, "## "), "$1")
	}

	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, "> ") {
		meta, after, _ := strings.Cut(rest, "\n")
		e.Meta = strings.TrimPrefix(meta, "> ")
		rest = strings.TrimSpace(after)
	}
	e.Summary = unescapeSummary(rest)
	return e, nil
}
