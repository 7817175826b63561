package chat

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ikawaha/kagome-dict/ipa"
	"github.com/ikawaha/kagome/v2/tokenizer"
	"golang.org/x/text/unicode/norm"

	"github.com/ryosukesatoh/daily-digest/internal/digest"
)

// Excerpt is a digest entry selected as grounding for an answer.
type Excerpt struct {
	Index   int     `json:"index"`
	Title   string  `json:"title"`
	Link    string  `json:"link,omitempty"`
	Summary string  `json:"summary"`
	Score   float64 `json:"score"`
}

// Parts of speech that never carry topic meaning.
var skipPOS = map[string]bool{
	"助詞":   true,
	"助動詞":  true,
	"記号":   true,
	"フィラー": true,
	"接続詞":  true,
	"感動詞":  true,
}

var skipSubPOS = map[string]bool{
	"非自立": true,
	"代名詞": true,
	"接尾":  true,
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "to": true, "of": true, "in": true, "on": true, "for": true,
	"and": true, "or": true, "what": true, "which": true, "who": true, "how": true,
	"why": true, "when": true, "does": true, "do": true, "did": true, "about": true,
	"with": true, "this": true, "that": true, "it": true, "its": true, "from": true,
	"by": true, "as": true, "at": true, "tell": true, "me": true, "can": true,
	"you": true, "i": true, "there": true, "any": true, "anything": true,
	"する": true, "ある": true, "いる": true, "なる": true, "できる": true,
	"教える": true, "ください": true, "知る": true, "言う": true, "思う": true,
}

// Retriever ranks digest entries against a question by shared terms.
// It is safe for concurrent use.
type Retriever struct {
	tok *tokenizer.Tokenizer
}

func NewRetriever() (*Retriever, error) {
	t, err := tokenizer.New(ipa.Dict(), tokenizer.OmitBosEos())
	if err != nil {
		return nil, fmt.Errorf("chat: failed to create tokenizer: %w", err)
	}
	return &Retriever{tok: t}, nil
}

// Terms returns the distinct content terms of text after NFKC folding and
// lower-casing, in order of first appearance.
func (r *Retriever) Terms(text string) []string {
	text = strings.ToLower(norm.NFKC.String(text))

	var terms []string
	seen := map[string]bool{}
	for _, token := range r.tok.Tokenize(text) {
		pos := token.POS()
		if len(pos) > 0 && skipPOS[pos[0]] {
			continue
		}
		if len(pos) > 1 && skipSubPOS[pos[1]] {
			continue
		}

		term := strings.TrimSpace(token.Surface)
		if base, ok := token.BaseForm(); ok && base != "*" && base != "" {
			term = base
		}
		if !meaningful(term) || stopWords[term] || seen[term] {
			continue
		}
		seen[term] = true
		terms = append(terms, term)
	}
	return terms
}

// meaningful drops punctuation runs and single ASCII letters.
func meaningful(term string) bool {
	if term == "" {
		return false
	}
	hasLetter := false
	for _, r := range term {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			hasLetter = true
			break
		}
	}
	if !hasLetter {
		return false
	}
	if utf8.RuneCountInString(term) == 1 && term[0] < utf8.RuneSelf {
		return false
	}
	return true
}

type indexed struct {
	title   map[string]bool
	summary map[string]bool
}

// Select returns up to maxExcerpts entries that share terms with question,
// best first, whose combined title and summary fit in contextChars runes.
// Each matching term scores its inverse document frequency over the
// entries, doubled when it appears in the title. Entries sharing no term
// are never selected.
func (r *Retriever) Select(question string, entries []digest.Entry, maxExcerpts, contextChars int) []Excerpt {
	terms := r.Terms(question)
	if len(terms) == 0 || len(entries) == 0 {
		return nil
	}

	docs := make([]indexed, len(entries))
	df := map[string]int{}
	for i, e := range entries {
		docs[i] = indexed{title: set(r.Terms(e.Title)), summary: set(r.Terms(e.Summary))}
		for _, t := range terms {
			if docs[i].title[t] || docs[i].summary[t] {
				df[t]++
			}
		}
	}

	n := float64(len(entries))
	var scored []Excerpt
	for i, e := range entries {
		score := 0.0
		for _, t := range terms {
			if df[t] == 0 {
				continue
			}
			idf := math.Log(1 + n/float64(df[t]))
			switch {
			case docs[i].title[t]:
				score += 2 * idf
			case docs[i].summary[t]:
				score += idf
			}
		}
		if score > 0 {
			scored = append(scored, Excerpt{Index: i, Title: e.Title, Link: e.Link, Summary: e.Summary, Score: score})
		}
	}
	sort.SliceStable(scored, func(a, b int) bool { return scored[a].Score > scored[b].Score })

	var out []Excerpt
	used := 0
	for _, ex := range scored {
		if maxExcerpts > 0 && len(out) >= maxExcerpts {
			break
		}
		size := utf8.RuneCountInString(ex.Title) + utf8.RuneCountInString(ex.Summary)
		if contextChars > 0 && used+size > contextChars {
			if len(out) > 0 {
				break
			}
			// The best entry alone is too long; keep a cut of it.
			ex.Summary = cut(ex.Summary, contextChars-utf8.RuneCountInString(ex.Title))
			size = contextChars
		}
		used += size
		out = append(out, ex)
	}
	return out
}

func set(terms []string) map[string]bool {
	m := make(map[string]bool, len(terms))
	for _, t := range terms {
		m[t] = true
	}
	return m
}

func cut(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
