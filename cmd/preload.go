package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/coordinator"
	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/progress"
)

func newPreloadCmd() *cobra.Command {
	var (
		target    string
		skipPurge bool
		interval  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "preload",
		Short: "Warms the cache once and waits for it to finish",
		Long: `Without --url, enumerates the sitemap and crawls the whole site, logging
progress until the run ends. Interrupting the command cancels the run.
With --url, fetches that single page and prints the result.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if target != "" {
				res, err := appInstance.PreloadURL(cmd.Context(), target)
				if err != nil {
					return fmt.Errorf("preload %s: %w", target, err)
				}
				return printJSON(cmd.OutOrStdout(), res)
			}
			return runPreload(cmd, appInstance, skipPurge, interval)
		},
	}
	cmd.Flags().StringVar(&target, "url", "", "warm a single page of the site")
	cmd.Flags().BoolVar(&skipPurge, "skip-purge", false, "do not purge the cache before crawling")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "how often progress is logged")
	return cmd
}

func runPreload(cmd *cobra.Command, appInstance App, skipPurge bool, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("--interval must be positive")
	}
	logger := appInstance.Logger()
	info, err := appInstance.StartPreload(cmd.Context(), coordinator.PreloadRequest{
		Reason:    "cli",
		SkipPurge: skipPurge,
	})
	if err != nil {
		return fmt.Errorf("start preload: %w", err)
	}

	err = appInstance.WaitIdle(cmd.Context(), crawler.KindPreload, interval, func(state progress.RunState) {
		poll := progress.Poll(state, time.Now())
		logger.Info("preload progress",
			zap.String("run_id", info.RunID),
			zap.Int64("checked", poll.Checked),
			zap.Int("total", poll.Total),
			zap.Int("percent", poll.Percent),
			zap.Int64("errors", poll.Errors),
			zap.String("last_url", poll.LastURL),
		)
	})
	if err != nil {
		return fmt.Errorf("wait for preload: %w", err)
	}

	state := appInstance.Snapshot(crawler.KindPreload)
	if err := printJSON(cmd.OutOrStdout(), progress.Poll(state, time.Now())); err != nil {
		return err
	}
	if state.Status == crawler.StatusError {
		return &exitError{code: 1, msg: "preload failed: " + state.Message}
	}
	return nil
}
