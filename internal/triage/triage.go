// internal/triage/triage.go
package triage

import (
	"fmt"
	"regexp"
	"sort"

	"go.uber.org/zap"

	"github.com/syntrik/mend/api/schemas"
	"github.com/syntrik/mend/internal/config"
)

// categoryPattern is one row of the ordered classification table. Iteration
// order is part of the contract: the first matching row wins, so more
// specific patterns must come before generic ones.
type categoryPattern struct {
	re         *regexp.Regexp
	category   schemas.ErrorCategory
	confidence float64
}

// The table matches against message + stack trace. Confidence reflects
// pattern specificity.
var categoryPatterns = []categoryPattern{
	{regexp.MustCompile(`(?i)ModuleNotFoundError|ImportError|cannot find (module|package)|no required module provides package`), schemas.CategoryImport, 0.95},
	{regexp.MustCompile(`(?i)SyntaxError|invalid syntax|unexpected (token|indent|EOF)|IndentationError`), schemas.CategorySyntax, 0.95},
	{regexp.MustCompile(`(?i)(secret|credential|api[_-]?key).{0,40}(exposed|leaked|committed)|security vulnerability|CVE-\d{4}-\d+`), schemas.CategorySecurity, 0.95},
	{regexp.MustCompile(`(?i)TypeError|NameError|AttributeError|undefined: |is not a type|mismatched types`), schemas.CategoryType, 0.9},
	{regexp.MustCompile(`(?i)(\d+ (test|tests) failed)|FAILED.*test_|AssertionError|--- FAIL:|assertion failed`), schemas.CategoryTestFailure, 0.9},
	{regexp.MustCompile(`(?i)rate limit|too many requests|quota exceeded|429`), schemas.CategoryRateLimit, 0.9},
	{regexp.MustCompile(`(?i)out of memory|OOM|memory exhausted|cannot allocate|resource temporarily unavailable`), schemas.CategoryResource, 0.9},
	{regexp.MustCompile(`(?i)permission denied|EACCES|access is denied|operation not permitted`), schemas.CategoryPermission, 0.9},
	{regexp.MustCompile(`(?i)(build|compilation|compile) (failed|error)|cannot build|exit status [12].*build`), schemas.CategoryBuild, 0.85},
	{regexp.MustCompile(`(?i)(timed? ?out|deadline exceeded|context canceled)`), schemas.CategoryTimeout, 0.85},
	{regexp.MustCompile(`(?i)(missing|invalid|unset) (env|environment variable|configuration|config)|KeyError: '[A-Z_]+'`), schemas.CategoryConfig, 0.8},
	{regexp.MustCompile(`(?i)agent (crashed|died|exited unexpectedly)|panic: |SIGSEGV|killed`), schemas.CategoryAgentCrash, 0.8},
}

// errorTypeCategories maps a caller-declared error type to a category when no
// pattern matched the text.
var errorTypeCategories = map[string]schemas.ErrorCategory{
	"syntax":      schemas.CategorySyntax,
	"import":      schemas.CategoryImport,
	"type":        schemas.CategoryType,
	"test":        schemas.CategoryTestFailure,
	"build":       schemas.CategoryBuild,
	"config":      schemas.CategoryConfig,
	"timeout":     schemas.CategoryTimeout,
	"resource":    schemas.CategoryResource,
	"permission":  schemas.CategoryPermission,
	"security":    schemas.CategorySecurity,
	"agent_crash": schemas.CategoryAgentCrash,
	"rate_limit":  schemas.CategoryRateLimit,
}

// categoryPriorities: 1 is highest (security), 5 lowest.
var categoryPriorities = map[schemas.ErrorCategory]int{
	schemas.CategorySecurity:    1,
	schemas.CategoryBuild:       2,
	schemas.CategoryTestFailure: 2,
	schemas.CategoryImport:      3,
	schemas.CategorySyntax:      3,
	schemas.CategoryType:        3,
	schemas.CategoryConfig:      4,
	schemas.CategoryTimeout:     4,
	schemas.CategoryRateLimit:   5,
	schemas.CategoryPermission:  5,
	schemas.CategoryResource:    5,
	schemas.CategoryAgentCrash:  5,
	schemas.CategoryUnknown:     5,
}

// suggestedStrategies names the registry strategy that usually handles each
// fixable category.
var suggestedStrategies = map[schemas.ErrorCategory]string{
	schemas.CategoryImport:      "import_fix",
	schemas.CategorySyntax:      "auto_format",
	schemas.CategoryType:        "auto_format",
	schemas.CategoryTestFailure: "test_failure",
	schemas.CategoryBuild:       "dependency_reinstall",
	schemas.CategoryConfig:      "config_env",
	schemas.CategoryTimeout:     "retry",
	schemas.CategoryRateLimit:   "retry",
	schemas.CategorySecurity:    "config_env",
	schemas.CategoryAgentCrash:  "retry",
	schemas.CategoryPermission:  "retry",
}

// nonFixable categories always escalate; automated fixes either cannot help
// (memory exhaustion) or cannot be scoped (unknown).
var nonFixable = map[schemas.ErrorCategory]bool{
	schemas.CategoryResource: true,
	schemas.CategoryUnknown:  true,
}

// Input carries the admission state the engine needs besides the error.
type Input struct {
	FixerEnabled bool
	CircuitOpen  bool
	// History holds prior attempts across calls; per-error counters are
	// derived from it.
	History []schemas.FixAttempt
	// SessionAttempts is the number of attempts already made in the current
	// session, across all errors.
	SessionAttempts int
}

// Engine classifies errors and decides whether automated fixing is admitted.
type Engine struct {
	logger *zap.Logger
	cfg    config.FixerConfig
}

// New creates a triage engine.
func New(cfg config.FixerConfig, logger *zap.Logger) *Engine {
	return &Engine{
		logger: logger.Named("triage"),
		cfg:    cfg,
	}
}

// Classify matches the error's message and stack trace against the ordered
// category table, falling back to the declared error type, then to unknown.
func (e *Engine) Classify(err schemas.ReportedError) (schemas.ErrorCategory, float64) {
	text := err.Message + "\n" + err.StackTrace
	for _, p := range categoryPatterns {
		if p.re.MatchString(text) {
			return p.category, p.confidence
		}
	}
	if cat, ok := errorTypeCategories[err.ErrorType]; ok {
		return cat, 0.5
	}
	return schemas.CategoryUnknown, 0.1
}

// Triage produces the admission decision for one error. The precedence of
// the rules is fixed; the first rule that applies wins.
func (e *Engine) Triage(err schemas.ReportedError, in Input) schemas.TriageDecision {
	category, confidence := e.Classify(err)
	priority := categoryPriorities[category]
	if priority == 0 {
		priority = 5
	}

	decision := schemas.TriageDecision{
		Category:   category,
		Priority:   priority,
		Confidence: confidence,
	}

	escalate := func(reason string) schemas.TriageDecision {
		decision.Action = schemas.TriageEscalate
		decision.Reason = reason
		e.logger.Info("Triage: escalating",
			zap.String("error_id", err.ID),
			zap.String("category", string(category)),
			zap.String("reason", reason))
		return decision
	}

	if !in.FixerEnabled {
		return escalate("fixer is disabled")
	}
	if in.CircuitOpen {
		return escalate("circuit breaker is open")
	}
	if nonFixable[category] {
		return escalate(fmt.Sprintf("category %s is not auto-fixable", category))
	}

	attempts, failures := countForError(in.History, err.ID)
	if attempts >= e.cfg.MaxAttemptsPerErr {
		return escalate(fmt.Sprintf("error already attempted %d times (max %d)", attempts, e.cfg.MaxAttemptsPerErr))
	}
	if in.SessionAttempts >= e.cfg.MaxSessionAttempts {
		return escalate(fmt.Sprintf("session attempt budget exhausted (%d/%d)", in.SessionAttempts, e.cfg.MaxSessionAttempts))
	}
	if failures >= e.cfg.MaxAttemptsPerErr {
		return escalate(fmt.Sprintf("%d prior failed attempts for this error", failures))
	}

	decision.Action = schemas.TriageAttemptFix
	decision.SuggestedStrategy = suggestedStrategies[category]
	decision.Reason = fmt.Sprintf("category %s is fixable (priority %d)", category, priority)

	e.logger.Info("Triage: attempting fix",
		zap.String("error_id", err.ID),
		zap.String("category", string(category)),
		zap.Int("priority", priority),
		zap.Float64("confidence", confidence))
	return decision
}

// TriageBatch triages a set of errors and returns them ordered by
// (priority asc, confidence desc), the order in which fixes should run.
func (e *Engine) TriageBatch(errs []schemas.ReportedError, in Input) []BatchEntry {
	entries := make([]BatchEntry, 0, len(errs))
	for _, err := range errs {
		entries = append(entries, BatchEntry{
			Error:    err,
			Decision: e.Triage(err, in),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := entries[i].Decision, entries[j].Decision
		if di.Priority != dj.Priority {
			return di.Priority < dj.Priority
		}
		return di.Confidence > dj.Confidence
	})
	return entries
}

// BatchEntry pairs an error with its triage decision.
type BatchEntry struct {
	Error    schemas.ReportedError
	Decision schemas.TriageDecision
}

func countForError(history []schemas.FixAttempt, errorID string) (attempts, failures int) {
	for _, a := range history {
		if a.Error.ID != errorID {
			continue
		}
		attempts++
		if a.Result != nil && (a.Result.Status == schemas.FixFailed || a.Result.Status == schemas.FixPartial) {
			failures++
		}
		if a.Result == nil && a.NextAction == schemas.NextEscalate && a.Triage.Action == schemas.TriageAttemptFix {
			// An attempt that never produced a result still failed.
			failures++
		}
	}
	return attempts, failures
}
