// internal/breaker/breaker.go
package breaker

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/syntrik/mend/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// stateChangeHistoryCap bounds the persisted transition log.
const stateChangeHistoryCap = 50

// Settings tune the breaker's transitions.
type Settings struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
	// HalfOpenSuccessThreshold consecutive successes close a half-open breaker.
	HalfOpenSuccessThreshold int
}

// DefaultSettings match a cautious production posture.
var DefaultSettings = Settings{
	FailureThreshold:         5,
	ResetTimeout:             10 * time.Minute,
	HalfOpenSuccessThreshold: 2,
}

// Breaker is a persisted circuit breaker guarding fix attempts. All methods
// are safe for concurrent use; every mutation is persisted synchronously
// before the method returns so a crash never loses a transition.
type Breaker struct {
	mu       sync.Mutex
	logger   *zap.Logger
	path     string
	settings Settings
	state    schemas.CircuitState

	// now is swappable for tests.
	now func() time.Time
}

// Open loads the breaker state from path, creating a closed breaker when the
// file does not exist. A corrupt file is treated as missing: availability of
// the fixer matters more than a damaged counter file.
func Open(logger *zap.Logger, path string, settings Settings) (*Breaker, error) {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultSettings.FailureThreshold
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = DefaultSettings.ResetTimeout
	}
	if settings.HalfOpenSuccessThreshold <= 0 {
		settings.HalfOpenSuccessThreshold = DefaultSettings.HalfOpenSuccessThreshold
	}

	b := &Breaker{
		logger:   logger.Named("breaker"),
		path:     path,
		settings: settings,
		state:    schemas.CircuitState{State: schemas.CircuitClosed},
		now:      time.Now,
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Fresh project, closed breaker.
	case err != nil:
		return nil, fmt.Errorf("read breaker state: %w", err)
	default:
		var loaded schemas.CircuitState
		if uerr := json.Unmarshal(data, &loaded); uerr != nil {
			b.logger.Warn("Breaker state file corrupt, starting closed",
				zap.String("path", path), zap.Error(uerr))
		} else if validState(loaded.State) {
			b.state = loaded
		} else {
			b.logger.Warn("Breaker state file has unknown state, starting closed",
				zap.String("state", string(loaded.State)))
		}
	}
	return b, nil
}

func validState(s schemas.CircuitStateName) bool {
	switch s {
	case schemas.CircuitClosed, schemas.CircuitOpen, schemas.CircuitHalfOpen:
		return true
	}
	return false
}

// CanAttempt reports whether a fix attempt is admitted right now. An open
// breaker past its reset timeout transitions to half-open here; the timeout
// is evaluated lazily on read, there is no background timer.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()
	return b.state.State != schemas.CircuitOpen
}

// State returns the current state name, applying the lazy open timeout first.
func (b *Breaker) State() schemas.CircuitStateName {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()
	return b.state.State
}

// Stats returns a copy of the accounting counters.
func (b *Breaker) Stats() schemas.CircuitStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := b.state.Stats
	stats.StateChanges = append([]schemas.StateChange(nil), b.state.Stats.StateChanges...)
	return stats
}

// RecordSuccess accounts a successful fix attempt. In half-open it counts
// toward reclosing; in closed it resets the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.state.Stats.TotalAttempts++
	b.state.Stats.TotalSuccesses++
	b.state.Stats.ConsecutiveSuccesses++
	b.state.Stats.ConsecutiveFailures = 0
	b.state.Stats.LastSuccessTime = &now

	if b.state.State == schemas.CircuitHalfOpen &&
		b.state.Stats.ConsecutiveSuccesses >= b.settings.HalfOpenSuccessThreshold {
		b.transitionLocked(schemas.CircuitClosed,
			fmt.Sprintf("%d consecutive successes in half-open", b.state.Stats.ConsecutiveSuccesses))
	}
	b.persistLocked()
}

// RecordFailure accounts a failed fix attempt. In half-open a single failure
// reopens; in closed the breaker opens at the failure threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.state.Stats.TotalAttempts++
	b.state.Stats.TotalFailures++
	b.state.Stats.ConsecutiveFailures++
	b.state.Stats.ConsecutiveSuccesses = 0
	b.state.Stats.LastFailureTime = &now

	switch b.state.State {
	case schemas.CircuitHalfOpen:
		b.openLocked("failure during half-open probe")
	case schemas.CircuitClosed:
		if b.state.Stats.ConsecutiveFailures >= b.settings.FailureThreshold {
			b.openLocked(fmt.Sprintf("%d consecutive failures", b.state.Stats.ConsecutiveFailures))
		}
	}
	b.persistLocked()
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state.State != schemas.CircuitOpen || b.state.OpenedAt == nil {
		return
	}
	if b.now().Sub(*b.state.OpenedAt) < b.settings.ResetTimeout {
		return
	}
	b.state.Stats.ConsecutiveSuccesses = 0
	b.transitionLocked(schemas.CircuitHalfOpen, "reset timeout elapsed")
	b.persistLocked()
}

func (b *Breaker) openLocked(reason string) {
	now := b.now()
	b.state.OpenedAt = &now
	b.transitionLocked(schemas.CircuitOpen, reason)
}

func (b *Breaker) transitionLocked(to schemas.CircuitStateName, reason string) {
	from := b.state.State
	if from == to {
		return
	}
	b.state.State = to
	if to != schemas.CircuitOpen {
		b.state.OpenedAt = nil
	}

	b.state.Stats.StateChanges = append(b.state.Stats.StateChanges, schemas.StateChange{
		From:   from,
		To:     to,
		At:     b.now(),
		Reason: reason,
	})
	if len(b.state.Stats.StateChanges) > stateChangeHistoryCap {
		b.state.Stats.StateChanges = b.state.Stats.StateChanges[len(b.state.Stats.StateChanges)-stateChangeHistoryCap:]
	}

	b.logger.Info("Circuit breaker transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
}

// persistLocked writes the state file atomically. Persist failures are logged
// and swallowed: a read-only disk must not stop the in-memory breaker.
func (b *Breaker) persistLocked() {
	data, err := json.MarshalIndent(&b.state, "", "  ")
	if err != nil {
		b.logger.Error("Marshal breaker state failed", zap.Error(err))
		return
	}
	tmp := b.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		b.logger.Error("Create breaker state dir failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		b.logger.Error("Write breaker state failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, b.path); err != nil {
		b.logger.Error("Replace breaker state failed", zap.Error(err))
	}
}
