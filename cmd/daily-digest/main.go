package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// errSourcesFailed marks a once-mode run in which at least one source failed.
var errSourcesFailed = errors.New("one or more sources failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errSourcesFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "daily-digest",
		Short: "Daily per-source digests of Reddit, Hacker News, GitHub Trending, RSS and arXiv",
		Long: `daily-digest fetches each configured source once a day, summarizes the
items it has not seen before and writes one Markdown digest per source and
date. Digests can then be queried conversationally.

Example usage:
  daily-digest run --once              # run every source for today and exit
  daily-digest run --source hn --once  # run one source
  daily-digest run                     # run on the configured cron schedule
  daily-digest serve                   # HTTP API for digests and chat
  daily-digest ask --source hn --date 2026-10-15 "What happened with Go?"`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")

	root.AddCommand(
		newRunCmd(&configPath),
		newServeCmd(&configPath),
		newAskCmd(&configPath),
	)
	return root
}
