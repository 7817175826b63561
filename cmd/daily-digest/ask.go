package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ryosukesatoh/daily-digest/internal/chat"
)

func newAskCmd(configPath *string) *cobra.Command {
	var (
		source      string
		date        string
		session     string
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Ask questions about one stored digest",
		Long: `Ask a question about the digest of one source and date. Answers only use
the digest's own entries.

Sessions live in memory, so with --interactive follow-up questions are read
from stdin one per line and share the conversation history.`,
		Example: `  daily-digest ask --source hn --date 2026-10-15 "Which databases were discussed?"
  daily-digest ask --source hn --date 2026-10-15 -i "What happened with Go?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			svc, err := a.newChat()
			if err != nil {
				return err
			}

			req := chat.Request{SourceKey: source, Date: date, SessionID: session, Question: strings.Join(args, " ")}
			if req.SessionID, err = askOne(cmd.Context(), svc, req, cmd.OutOrStdout()); err != nil || !interactive {
				return err
			}

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(cmd.OutOrStdout(), "> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				req.Question = strings.TrimSpace(scanner.Text())
				if req.Question == "" {
					continue
				}
				if req.SessionID, err = askOne(cmd.Context(), svc, req, cmd.OutOrStdout()); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source key")
	cmd.Flags().StringVar(&date, "date", "", "digest date YYYY-MM-DD")
	cmd.Flags().StringVar(&session, "session", "", "session id (default a new one)")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "keep reading follow-up questions from stdin")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

// askOne prints the answer to one question and returns the session id to
// continue with. An uncovered question is reported, not returned as an error.
func askOne(ctx context.Context, svc *chat.Service, req chat.Request, out io.Writer) (string, error) {
	resp, err := svc.Ask(ctx, req)
	switch {
	case errors.Is(err, chat.ErrInsufficientContext):
		fmt.Fprintln(out, "The digest does not cover that question.")
		return resp.SessionID, nil
	case err != nil:
		return req.SessionID, err
	}

	fmt.Fprintln(out, resp.Answer)
	if len(resp.Excerpts) > 0 {
		fmt.Fprintln(out, "\nSources:")
		for _, ex := range resp.Excerpts {
			if ex.Link != "" {
				fmt.Fprintf(out, "  - %s (%s)\n", ex.Title, ex.Link)
			} else {
				fmt.Fprintf(out, "  - %s\n", ex.Title)
			}
		}
	}
	return resp.SessionID, nil
}
