package chat

import (
	"fmt"
	"strings"

	"github.com/ryosukesatoh/daily-digest/internal/digest"
	"github.com/ryosukesatoh/daily-digest/internal/llm"
)

var systemLines = []string{
	"You answer questions about a daily digest based ONLY on the provided <excerpts>.",
	"1. Read the <excerpts> carefully.",
	"2. Answer the <question> using strictly the facts in the <excerpts>.",
	"3. Do not use outside knowledge and do not guess.",
	"4. If the excerpts do not contain the answer, set \"insufficient\" to true and leave \"answer\" empty.",
	"5. Answer in the language of the question.",
	"6. Earlier turns of the conversation are context only; they are not sources of facts.",
}

const replyFormat = `Reply with JSON only: {"answer": "...", "insufficient": false}`

var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

func escape(s string) string {
	return escaper.Replace(strings.TrimSpace(s))
}

// buildRequest lays out the system instructions, the session history as
// alternating turns, and finally the excerpts with the new question.
func buildRequest(d *digest.Digest, history []turn, excerpts []Excerpt, question string, maxTokens int) llm.Request {
	var sys strings.Builder
	sys.WriteString("<instructions>\n")
	for _, line := range systemLines {
		fmt.Fprintf(&sys, "  <line>%s</line>\n", escape(line))
	}
	sys.WriteString("</instructions>\n\n")
	sys.WriteString("<format>\n" + replyFormat + "\n</format>\n")

	messages := make([]llm.Message, 0, 2*len(history)+1)
	for _, t := range history {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: t.question},
			llm.Message{Role: llm.RoleAssistant, Content: t.answer},
		)
	}

	var user strings.Builder
	fmt.Fprintf(&user, "<excerpts source=\"%s\" date=\"%s\">\n", escape(d.Source), escape(d.Date))
	for _, ex := range excerpts {
		user.WriteString("  <entry>\n")
		fmt.Fprintf(&user, "    <title>%s</title>\n", escape(ex.Title))
		if ex.Link != "" {
			fmt.Fprintf(&user, "    <link>%s</link>\n", escape(ex.Link))
		}
		fmt.Fprintf(&user, "    <summary>%s</summary>\n", escape(ex.Summary))
		user.WriteString("  </entry>\n")
	}
	user.WriteString("</excerpts>\n\n")
	fmt.Fprintf(&user, "<question>\n%s\n</question>\n", escape(question))

	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: user.String()})

	return llm.Request{
		System:    sys.String(),
		Messages:  messages,
		MaxTokens: maxTokens,
		JSON:      true,
	}
}
