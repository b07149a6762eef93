// internal/watcher/watcher.go

// Package watcher tails an application log file and synthesizes ReportedError
// values from crash and error blocks it observes, feeding the fixer without
// requiring the failing program to integrate anything.
package watcher

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/syntrik/mend/api/schemas"
	"github.com/syntrik/mend/internal/config"
)

// newEntryRegex marks the start of a fresh log record; a buffered error block
// ends when one of these appears.
var newEntryRegex = regexp.MustCompile(`^(\d{4}[-/]\d{2}[-/]\d{2}|\{.*"ts":|INFO|WARN|DEBUG)`)

// errorStartRegex marks the first line of an error block worth reporting.
var errorStartRegex = regexp.MustCompile(`(?i)^(Traceback \(most recent call last\)|panic:|FATAL|ERROR)|("level":"(error|panic|fatal)")|\b\w+Error:`)

// flushDelay is how long the watcher waits for continuation lines (stack
// frames) before emitting the buffered block.
const flushDelay = 150 * time.Millisecond

// Watcher tails one log file for error blocks.
type Watcher struct {
	logger   *zap.Logger
	logPath  string
	source   string
	cooldown time.Duration
	reports  chan<- schemas.ReportedError
	done     chan struct{}

	mu         sync.Mutex
	lastReport time.Time
}

// New builds a watcher from configuration. Synthesized errors are sent to the
// reports channel; the caller owns the consuming side.
func New(logger *zap.Logger, cfg config.WatcherConfig, reports chan<- schemas.ReportedError) (*Watcher, error) {
	if cfg.LogPath == "" {
		return nil, fmt.Errorf("watcher.log_path must be configured")
	}
	source := cfg.Source
	if source == "" {
		source = "watcher"
	}
	return &Watcher{
		logger:   logger.Named("watcher"),
		logPath:  cfg.LogPath,
		source:   source,
		cooldown: cfg.Cooldown,
		reports:  reports,
	}, nil
}

// Start begins tailing the log file from its current end and returns once the
// monitor goroutine is running. Cancel the context to stop.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting log watcher", zap.String("path", w.logPath))

	t, err := tail.TailFile(w.logPath, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: 2},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail log file: %w", err)
	}

	w.done = make(chan struct{})
	go w.monitorLoop(ctx, t)
	return nil
}

// Done is closed once the monitor goroutine has flushed its buffer and
// released the tail after the context is cancelled.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// monitorLoop buffers multi-line error blocks. A block starts at a line
// matching errorStartRegex and ends at the next distinct log entry or when
// the flush timer fires.
func (w *Watcher) monitorLoop(ctx context.Context, t *tail.Tail) {
	defer close(w.done)
	defer func() {
		t.Stop()
		t.Cleanup()
	}()

	var block []string
	timeout := time.NewTimer(flushDelay)
	if !timeout.Stop() {
		<-timeout.C
	}

	flush := func() {
		if len(block) == 0 {
			return
		}
		blockCopy := make([]string, len(block))
		copy(blockCopy, block)
		block = nil
		w.emit(ctx, blockCopy)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			w.logger.Info("Stopping log watcher")
			return

		case line, ok := <-t.Lines:
			if !ok {
				flush()
				w.logger.Info("Log tailer channel closed")
				return
			}
			if line.Err != nil {
				w.logger.Warn("Error reading log line", zap.Error(line.Err))
				continue
			}

			text := line.Text
			if len(block) > 0 && newEntryRegex.MatchString(text) {
				flush()
				if !timeout.Stop() {
					select {
					case <-timeout.C:
					default:
					}
				}
			}

			if errorStartRegex.MatchString(text) || len(block) > 0 {
				block = append(block, text)
				timeout.Reset(flushDelay)
			}

		case <-timeout.C:
			flush()
		}
	}
}

// emit converts one buffered block into a ReportedError, honoring the
// cooldown so an error storm does not flood the fixer.
func (w *Watcher) emit(ctx context.Context, block []string) {
	now := time.Now().UTC()

	w.mu.Lock()
	if w.cooldown > 0 && !w.lastReport.IsZero() && now.Sub(w.lastReport) < w.cooldown {
		w.mu.Unlock()
		w.logger.Debug("Error block suppressed by cooldown")
		return
	}
	w.lastReport = now
	w.mu.Unlock()

	report := schemas.ReportedError{
		ID:         uuid.NewString(),
		Message:    headline(block),
		ErrorType:  "log_watcher",
		Source:     w.source,
		StackTrace: strings.Join(block, "\n"),
		Timestamp:  now,
	}

	w.logger.Info("Error detected in log",
		zap.String("error_id", report.ID),
		zap.String("message", report.Message))

	select {
	case w.reports <- report:
	case <-ctx.Done():
		w.logger.Warn("Context cancelled while sending error report",
			zap.String("error_id", report.ID))
	}
}

// headline picks the line that best summarizes the block: the last line
// matching an error pattern (Python puts it at the end of the traceback),
// falling back to the first line.
func headline(block []string) string {
	for i := len(block) - 1; i >= 0; i-- {
		if errorStartRegex.MatchString(block[i]) {
			return strings.TrimSpace(block[i])
		}
	}
	return strings.TrimSpace(block[0])
}
