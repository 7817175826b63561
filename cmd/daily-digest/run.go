package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/ryosukesatoh/daily-digest/internal/digest"
	"github.com/ryosukesatoh/daily-digest/internal/runner"
)

func newRunCmd(configPath *string) *cobra.Command {
	var (
		sources []string
		date    string
		once    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build digests once or on the configured schedule",
		Long: `Run the pipeline for every configured source, or only the ones named
with --source.

With --once the run happens immediately and the command exits non-zero when
any source failed. Without it the run is scheduled with the cron expression
in the config (evaluated in the configured timezone).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if date != "" {
				if _, err := time.Parse(digest.DateLayout, date); err != nil {
					return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
				}
			}

			a, err := newApp(cmd.Context(), *configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.newRunner()
			if err != nil {
				return err
			}

			if once {
				outcomes, err := r.RunAll(cmd.Context(), date, sources...)
				if err != nil {
					return err
				}
				report(cmd.OutOrStdout(), outcomes)
				if runner.Failed(outcomes) {
					return errSourcesFailed
				}
				return nil
			}
			return schedule(cmd.Context(), a, r, sources)
		},
	}
	cmd.Flags().StringSliceVar(&sources, "source", nil, "source key to run (repeatable, default all)")
	cmd.Flags().StringVar(&date, "date", "", "digest date YYYY-MM-DD (default today in the configured timezone)")
	cmd.Flags().BoolVar(&once, "once", false, "run the pipeline once and exit")
	return cmd
}

// schedule runs the pipeline on the cron schedule until ctx is done.
func schedule(ctx context.Context, a *app, r *runner.Runner, sources []string) error {
	loc, err := a.cfg.Location()
	if err != nil {
		return err
	}

	runOnce := func(trigger string) {
		a.logger.Info("running digest", "trigger", trigger)
		if _, err := r.RunAll(ctx, "", sources...); err != nil {
			a.logger.Error("run failed", "error", err)
		}
	}

	if a.cfg.RunOnStart {
		runOnce("start")
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(a.cfg.Schedule, func() { runOnce("cron") }); err != nil {
		return fmt.Errorf("failed to set up cron schedule %q: %w", a.cfg.Schedule, err)
	}
	c.Start()
	a.logger.Info("scheduled digest", "schedule", a.cfg.Schedule, "timezone", loc.String())

	<-ctx.Done()
	a.logger.Info("shutting down")
	<-c.Stop().Done()
	a.logger.Info("shutdown complete")
	return nil
}

func report(w io.Writer, outcomes []runner.Outcome) {
	for _, o := range outcomes {
		if o.OK() {
			fmt.Fprintf(w, "%-20s %s  ok      fetched=%d new=%d summarized=%d failed=%d written=%t\n",
				o.Source, o.Date, o.Fetched, o.New, o.Summarized, o.Failed, o.Written)
			continue
		}
		fmt.Fprintf(w, "%-20s %s  FAILED  stage=%s error=%v\n", o.Source, o.Date, o.FailedStage, o.Err)
	}
}
