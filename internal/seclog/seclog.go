// internal/seclog/seclog.go

// Package seclog maintains the append-only record of security-relevant fix
// attempts. The file is JSON Lines: one notification per line, never
// rewritten, so the trail survives crashes mid-append at worst losing the
// final partial line.
package seclog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/syntrik/mend/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Log appends security notifications to a JSONL file.
type Log struct {
	mu     sync.Mutex
	logger *zap.Logger
	path   string
}

// New builds a log writing to path. The file is created on first append.
func New(logger *zap.Logger, path string) *Log {
	return &Log{logger: logger.Named("seclog"), path: path}
}

// Append writes one notification as a single fsynced line.
func (l *Log) Append(n schemas.SecurityNotification) error {
	data, err := json.Marshal(&n)
	if err != nil {
		return fmt.Errorf("marshal security notification: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create security log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open security log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append security notification: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync security log: %w", err)
	}

	l.logger.Info("Security notification recorded",
		zap.String("attempt_id", n.AttemptID),
		zap.String("category", string(n.Category)),
		zap.String("status", string(n.Status)))
	return nil
}

// Read returns all recorded notifications in append order. Unparseable lines
// are skipped with a warning rather than failing the whole read.
func (l *Log) Read() ([]schemas.SecurityNotification, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open security log: %w", err)
	}
	defer f.Close()

	var out []schemas.SecurityNotification
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var n schemas.SecurityNotification
		if err := json.Unmarshal(line, &n); err != nil {
			l.logger.Warn("Skipping unparseable security log line", zap.Error(err))
			continue
		}
		out = append(out, n)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan security log: %w", err)
	}
	return out, nil
}
