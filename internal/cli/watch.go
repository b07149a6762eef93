// internal/cli/watch.go
package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/syntrik/mend/api/schemas"
	"github.com/syntrik/mend/internal/observability"
	"github.com/syntrik/mend/internal/watcher"
)

func newWatchCmd() *cobra.Command {
	var logPath string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail a log file and attempt a fix for every error block it emits.",
		Long: `Follows the configured log file, groups consecutive error lines into
blocks, and feeds each block through the repair pipeline. Runs until
interrupted.`,
		Example: `  mend watch
  mend watch --log-path /var/log/app/worker.log`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if logPath != "" {
				cfg.SetWatcherLogPath(logPath)
			}
			return runWatch(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&logPath, "log-path", "", "log file to tail (overrides watcher.log_path)")

	return cmd
}

func runWatch(parentCtx context.Context) error {
	logger := observability.GetLogger().Named("cli")

	ctx, stop := signal.NotifyContext(parentCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fx, store, cleanup, err := assembleFixer(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	reports := make(chan schemas.ReportedError, 16)
	w, err := watcher.New(logger, cfg.Watcher(), reports)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			// Wait for the tail goroutine to flush and release the file
			// before tearing down the logger.
			<-w.Done()
			logger.Info("Watcher stopped")
			return nil
		case reported := <-reports:
			prior, err := store.AttemptsForError(ctx, reported.ID)
			if err != nil {
				logger.Warn("Failed to load attempt history",
					zap.String("error_id", reported.ID), zap.Error(err))
			}
			attempt := fx.AttemptFix(ctx, reported, prior)
			logger.Info("Fix attempt finished",
				zap.String("error_id", reported.ID),
				zap.String("status", attemptStatus(attempt)),
				zap.String("next_action", string(attempt.NextAction)))
		}
	}
}

func attemptStatus(attempt *schemas.FixAttempt) string {
	if attempt.Result == nil {
		return "skipped"
	}
	return string(attempt.Result.Status)
}
