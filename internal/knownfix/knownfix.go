// internal/knownfix/knownfix.go
package knownfix

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/syntrik/mend/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// untestedThreshold: fixes with fewer recorded applications than this are
// eligible regardless of success rate, so new fixes get a chance to prove
// themselves.
const untestedThreshold = 3

// DB is the learned pattern store. Built-in fixes are immutable seed data;
// custom fixes are appended at runtime and persisted to disk on every
// mutation. Reads are concurrent; writes serialize behind the lock.
type DB struct {
	logger    *zap.Logger
	path      string
	maxCustom int

	mu      sync.RWMutex
	builtin []*schemas.KnownFix
	custom  []*schemas.KnownFix
	// compiled caches pattern regexes by fix ID.
	compiled map[string]*regexp.Regexp
}

// persistedFixes is the on-disk document. Only custom fixes are stored;
// built-in fixes live in code, but their learned counters are saved too so
// statistics survive restarts.
type persistedFixes struct {
	Custom       []*schemas.KnownFix `json:"custom"`
	BuiltinStats map[string]struct {
		SuccessCount int        `json:"success_count"`
		FailureCount int        `json:"failure_count"`
		LastUsed     *time.Time `json:"last_used,omitempty"`
	} `json:"builtin_stats,omitempty"`
}

// Open loads (or initializes) the known-fix database stored at path.
func Open(path string, maxCustom int, logger *zap.Logger) (*DB, error) {
	db := &DB{
		logger:    logger.Named("knownfix"),
		path:      path,
		maxCustom: maxCustom,
		builtin:   builtinFixes(),
		compiled:  make(map[string]*regexp.Regexp),
	}

	for _, f := range db.builtin {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return nil, fmt.Errorf("built-in fix %q has invalid pattern: %w", f.ID, err)
		}
		db.compiled[f.ID] = re
	}

	if err := db.load(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) load() error {
	data, err := os.ReadFile(db.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read known fixes file: %w", err)
	}

	var doc persistedFixes
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse known fixes file %q: %w", db.path, err)
	}

	for _, f := range doc.Custom {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			db.logger.Warn("Dropping persisted fix with invalid pattern",
				zap.String("fix_id", f.ID), zap.Error(err))
			continue
		}
		f.BuiltIn = false
		db.custom = append(db.custom, f)
		db.compiled[f.ID] = re
	}

	for id, stats := range doc.BuiltinStats {
		for _, f := range db.builtin {
			if f.ID == id {
				f.SuccessCount = stats.SuccessCount
				f.FailureCount = stats.FailureCount
				f.LastUsed = stats.LastUsed
			}
		}
	}
	return nil
}

// persist writes the custom fixes and built-in counters. Callers must hold
// the write lock.
func (db *DB) persist() error {
	doc := persistedFixes{
		Custom: db.custom,
		BuiltinStats: make(map[string]struct {
			SuccessCount int        `json:"success_count"`
			FailureCount int        `json:"failure_count"`
			LastUsed     *time.Time `json:"last_used,omitempty"`
		}),
	}
	for _, f := range db.builtin {
		if f.Applications() > 0 {
			doc.BuiltinStats[f.ID] = struct {
				SuccessCount int        `json:"success_count"`
				FailureCount int        `json:"failure_count"`
				LastUsed     *time.Time `json:"last_used,omitempty"`
			}{f.SuccessCount, f.FailureCount, f.LastUsed}
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal known fixes: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(db.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := db.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write known fixes: %w", err)
	}
	return os.Rename(tmp, db.path)
}

// FindMatchingFix returns the best known fix for the diagnosis, or nil. A fix
// is eligible when its pattern matches the error text, its category equals
// the diagnosis category, and its success rate clears minSuccessRate (or it
// is still untested). Among eligible fixes the highest score wins; ties keep
// insertion order (built-ins first).
func (db *DB) FindMatchingFix(diag schemas.Diagnosis, minSuccessRate float64) *schemas.KnownFix {
	db.mu.RLock()
	defer db.mu.RUnlock()

	text := diag.Error.Message + "\n" + diag.Error.StackTrace

	var best *schemas.KnownFix
	var bestScore float64

	consider := func(f *schemas.KnownFix) {
		re := db.compiled[f.ID]
		if re == nil || !re.MatchString(text) {
			return
		}
		if f.Category != diag.Category {
			return
		}
		if f.Applications() >= untestedThreshold && f.SuccessRate() < minSuccessRate {
			return
		}
		score := db.score(f, diag)
		if best == nil || score > bestScore {
			best, bestScore = f, score
		}
	}

	for _, f := range db.builtin {
		consider(f)
	}
	for _, f := range db.custom {
		consider(f)
	}

	if best != nil {
		db.logger.Debug("Known fix matched",
			zap.String("fix_id", best.ID),
			zap.Float64("score", bestScore),
			zap.Float64("success_rate", best.SuccessRate()))
	}
	return best
}

// score: 0.5 base + 0.2 category match + 0.2 root-cause match +
// 0.1 * success rate. Category always matches by the time we score, so the
// effective range is 0.7 to 1.0.
func (db *DB) score(f *schemas.KnownFix, diag schemas.Diagnosis) float64 {
	score := 0.5
	if f.Category == diag.Category {
		score += 0.2
	}
	if f.RootCause == diag.RootCause {
		score += 0.2
	}
	score += 0.1 * f.SuccessRate()
	return score
}

// RecordOutcome updates the counters for a fix and persists immediately.
// This is the learning loop: an unreliable fix gets excluded over time and a
// reliable one gets preferred, without code changes.
func (db *DB) RecordOutcome(fixID string, success bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	f := db.findByIDLocked(fixID)
	if f == nil {
		return fmt.Errorf("unknown fix id %q", fixID)
	}

	if success {
		f.SuccessCount++
	} else {
		f.FailureCount++
	}
	now := time.Now().UTC()
	f.LastUsed = &now

	db.logger.Info("Recorded fix outcome",
		zap.String("fix_id", fixID),
		zap.Bool("success", success),
		zap.Float64("success_rate", f.SuccessRate()))
	return db.persist()
}

// AddCustomFix appends a learned fix and persists. The custom set is capped;
// when full, the least successful fix is evicted to make room.
func (db *DB) AddCustomFix(f schemas.KnownFix) error {
	re, err := regexp.Compile(f.Pattern)
	if err != nil {
		return fmt.Errorf("invalid fix pattern: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.findByIDLocked(f.ID) != nil {
		return fmt.Errorf("fix id %q already exists", f.ID)
	}

	if len(db.custom) >= db.maxCustom && db.maxCustom > 0 {
		evict := 0
		for i, c := range db.custom {
			if c.SuccessRate() < db.custom[evict].SuccessRate() {
				evict = i
			}
		}
		evicted := db.custom[evict]
		db.custom = append(db.custom[:evict], db.custom[evict+1:]...)
		delete(db.compiled, evicted.ID)
		db.logger.Info("Evicted least successful custom fix", zap.String("fix_id", evicted.ID))
	}

	f.BuiltIn = false
	db.custom = append(db.custom, &f)
	db.compiled[f.ID] = re
	return db.persist()
}

// Stats returns counts for reporting.
func (db *DB) Stats() (builtin, custom, totalApplications int) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	builtin = len(db.builtin)
	custom = len(db.custom)
	for _, f := range db.builtin {
		totalApplications += f.Applications()
	}
	for _, f := range db.custom {
		totalApplications += f.Applications()
	}
	return
}

func (db *DB) findByIDLocked(id string) *schemas.KnownFix {
	for _, f := range db.builtin {
		if f.ID == id {
			return f
		}
	}
	for _, f := range db.custom {
		if f.ID == id {
			return f
		}
	}
	return nil
}
