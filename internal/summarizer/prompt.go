package summarizer

import (
	"fmt"
	"strings"

	"github.com/ryosukesatoh/daily-digest/internal/fetcher"
	"github.com/ryosukesatoh/daily-digest/internal/llm"
)

// subjects names what an item is, per source kind.
var subjects = map[fetcher.Kind]string{
	fetcher.KindReddit:         "a Reddit post",
	fetcher.KindHackerNews:     "a Hacker News story",
	fetcher.KindGitHubTrending: "a trending GitHub repository",
	fetcher.KindRSS:            "an article from a news or blog feed",
	fetcher.KindArxiv:          "a research paper",
}

// focus adds kind-specific guidance to the system prompt.
var focus = map[fetcher.Kind]string{
	fetcher.KindReddit:         "Cover what the poster asks or shares and why it drew attention.",
	fetcher.KindHackerNews:     "Cover what the linked story reports and why it matters to engineers.",
	fetcher.KindGitHubTrending: "Explain what the project does, who it is for and what stands out about it.",
	fetcher.KindRSS:            "Cover the main points of the article.",
	fetcher.KindArxiv:          "Cover the problem, the proposed method and the key results.",
}

func (s *Summarizer) buildRequest(item fetcher.Item, content string, mode Mode) llm.Request {
	if mode == ModeTitle {
		return llm.Request{
			System: fmt.Sprintf("Translate the title given by the user into natural, readable %s. "+
				"Always output exactly one translation and nothing else.", s.opts.Language),
			Messages: []llm.Message{{
				Role:    llm.RoleUser,
				Content: fmt.Sprintf("Translate this title into %s:\n\n%s", s.opts.Language, item.Title),
			}},
			MaxTokens: s.opts.MaxTokens,
		}
	}

	subject := subjects[item.Kind]
	if subject == "" {
		subject = "a piece of web content"
	}
	system := fmt.Sprintf("You write entries for a daily digest. The user gives you the title and content of %s. "+
		"Read it carefully and write a summary in %s of at most %d characters. %s "+
		"Output only the summary. Do not include links or credits. Do not state anything that is not in the input.",
		subject, s.opts.Language, s.opts.SummaryChars, focus[item.Kind])

	return llm.Request{
		System:    system,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: itemPrompt(item, content)}},
		MaxTokens: s.opts.MaxTokens,
	}
}

func itemPrompt(item fetcher.Item, content string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s\n", item.Title)

	m := item.Meta
	switch item.Kind {
	case fetcher.KindReddit:
		if m.Community != "" {
			fmt.Fprintf(&sb, "Subreddit: r/%s\n", m.Community)
		}
		fmt.Fprintf(&sb, "Score: %d, comments: %d\n", m.Score, m.Comments)
	case fetcher.KindHackerNews:
		fmt.Fprintf(&sb, "Points: %d, comments: %d\n", m.Score, m.Comments)
	case fetcher.KindGitHubTrending:
		if m.Language != "" {
			fmt.Fprintf(&sb, "Language: %s\n", m.Language)
		}
		fmt.Fprintf(&sb, "Stars: %d\n", m.Stars)
	case fetcher.KindRSS:
		if m.Community != "" {
			fmt.Fprintf(&sb, "Feed: %s\n", m.Community)
		}
	case fetcher.KindArxiv:
		if len(m.Authors) > 0 {
			fmt.Fprintf(&sb, "Authors: %s\n", strings.Join(m.Authors, ", "))
		}
		if m.Category != "" {
			fmt.Fprintf(&sb, "Category: %s\n", m.Category)
		}
	}

	if content != "" {
		fmt.Fprintf(&sb, "\nContent:\n%s\n", content)
	}
	return sb.String()
}
