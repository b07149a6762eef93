// internal/cli/fix.go
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/syntrik/mend/api/schemas"
	"github.com/syntrik/mend/internal/agent"
	"github.com/syntrik/mend/internal/fixer"
	"github.com/syntrik/mend/internal/history"
	"github.com/syntrik/mend/internal/observability"
	"github.com/syntrik/mend/internal/triage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type fixOptions struct {
	message     string
	errorType   string
	source      string
	inputPath   string
	concurrency int
}

func newFixCmd() *cobra.Command {
	opts := &fixOptions{}

	cmd := &cobra.Command{
		Use:   "fix",
		Short: "Attempt an automated fix for one error, or a batch of errors from a JSONL file.",
		Long: `Runs a reported error through the full repair pipeline: triage, diagnosis,
plan creation, sandboxed execution with backups, and validation.

A single error is described with --message. A batch is a JSONL file passed
with --input, one reported error object per line.`,
		Example: `  mend fix --message "ModuleNotFoundError: No module named 'requests'"
  mend fix --input errors.jsonl --concurrency 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.message == "" && opts.inputPath == "" {
				return fmt.Errorf("either --message or --input is required")
			}
			if opts.message != "" && opts.inputPath != "" {
				return fmt.Errorf("--message and --input are mutually exclusive")
			}
			return runFix(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.message, "message", "m", "", "error message to fix")
	cmd.Flags().StringVar(&opts.errorType, "error-type", "manual", "classifier hint for the reported error")
	cmd.Flags().StringVar(&opts.source, "source", "cli", "component that observed the error")
	cmd.Flags().StringVarP(&opts.inputPath, "input", "i", "", "JSONL file of reported errors to fix as a batch")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 2, "maximum errors repaired in parallel in batch mode")

	return cmd
}

func runFix(parentCtx context.Context, opts *fixOptions) error {
	logger := observability.GetLogger().Named("cli")

	ctx, stop := signal.NotifyContext(parentCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fx, store, cleanup, err := assembleFixer(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if opts.message != "" {
		reported := schemas.ReportedError{
			ID:        uuid.NewString(),
			Message:   opts.message,
			ErrorType: opts.errorType,
			Source:    opts.source,
			Timestamp: time.Now().UTC(),
		}
		attempt := fx.AttemptFix(ctx, reported, nil)
		return printAttempts([]*schemas.FixAttempt{attempt})
	}

	if opts.concurrency < 1 {
		opts.concurrency = 1
	}

	reports, err := readErrorsFile(opts.inputPath)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		logger.Warn("Input file contained no errors", zap.String("path", opts.inputPath))
		return nil
	}
	logger.Info("Starting batch fix",
		zap.Int("errors", len(reports)),
		zap.Int("concurrency", opts.concurrency))

	// Highest-priority errors first; the orchestrator re-triages each one
	// with full history before anything runs.
	ordered := triage.New(cfg.Fixer(), logger).
		TriageBatch(reports, triage.Input{FixerEnabled: cfg.Fixer().Enabled})

	attempts := make([]*schemas.FixAttempt, len(ordered))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	for i, entry := range ordered {
		i, entry := i, entry
		g.Go(func() error {
			prior, err := store.AttemptsForError(gctx, entry.Error.ID)
			if err != nil {
				logger.Warn("Failed to load attempt history",
					zap.String("error_id", entry.Error.ID), zap.Error(err))
			}
			attempts[i] = fx.AttemptFix(gctx, entry.Error, prior)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("batch interrupted: %w", err)
	}
	return printAttempts(attempts)
}

// assembleFixer wires the repair pipeline from the loaded configuration. The
// agent client and the database-backed history store are both optional: the
// pipeline degrades to pattern-only diagnosis and an in-process no-op store.
func assembleFixer(ctx context.Context, logger *zap.Logger) (*fixer.Fixer, schemas.AttemptStore, func(), error) {
	if _, err := cfg.EnsureWorkDir(); err != nil {
		return nil, nil, nil, err
	}

	var agentClient schemas.AgentClient
	if client, err := agent.NewClient(cfg.Agent(), logger); err != nil {
		logger.Warn("Agent unavailable, semantic diagnosis and plan review disabled", zap.Error(err))
	} else {
		agentClient = client
	}

	cleanup := func() {}
	var store schemas.AttemptStore = history.NoopStore{}
	if cfg.Fixer().HistoryInDB {
		pool, err := pgxpool.New(ctx, cfg.Database().DSN())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to history database: %w", err)
		}
		dbStore, err := history.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		store = dbStore
		cleanup = pool.Close
	}

	fx, err := fixer.Assemble(cfg, agentClient, store, logger)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return fx, store, cleanup, nil
}

// readErrorsFile parses a JSONL file of reported errors, assigning IDs and
// timestamps to entries that omit them.
func readErrorsFile(path string) ([]schemas.ReportedError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()

	var reports []schemas.ReportedError
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var reported schemas.ReportedError
		if err := json.Unmarshal(raw, &reported); err != nil {
			return nil, fmt.Errorf("invalid error record on line %d: %w", line, err)
		}
		if reported.ID == "" {
			reported.ID = uuid.NewString()
		}
		if reported.Timestamp.IsZero() {
			reported.Timestamp = time.Now().UTC()
		}
		reports = append(reports, reported)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	return reports, nil
}

func printAttempts(attempts []*schemas.FixAttempt) error {
	out, err := json.MarshalIndent(attempts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode attempts: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
