// api/schemas/schemas.go
package schemas

import (
	"time"
)

// ErrorCategory classifies a reported error by symptom. The set is closed;
// anything that cannot be classified maps to CategoryUnknown.
type ErrorCategory string

const (
	CategorySyntax      ErrorCategory = "syntax_error"
	CategoryImport      ErrorCategory = "import_error"
	CategoryType        ErrorCategory = "type_error"
	CategoryTestFailure ErrorCategory = "test_failure"
	CategoryBuild       ErrorCategory = "build_error"
	CategoryConfig      ErrorCategory = "config_error"
	CategoryTimeout     ErrorCategory = "timeout"
	CategoryResource    ErrorCategory = "resource_exhaustion"
	CategoryPermission  ErrorCategory = "permission_error"
	CategorySecurity    ErrorCategory = "security_vulnerability"
	CategoryAgentCrash  ErrorCategory = "agent_crash"
	CategoryRateLimit   ErrorCategory = "rate_limit"
	CategoryUnknown     ErrorCategory = "unknown"
)

// RootCause is the diagnosed underlying reason for an error, distinct from
// the symptom category. Knowledge-gap causes (API misuse, missing docs,
// deprecated features) force the semantic diagnosis path because pattern
// matching alone cannot resolve them.
type RootCause string

const (
	CauseMissingImport     RootCause = "missing_import"
	CauseCircularImport    RootCause = "circular_import"
	CauseMissingDependency RootCause = "missing_dependency"
	CauseVersionConflict   RootCause = "version_conflict"
	CauseSyntaxError       RootCause = "syntax_error"
	CauseIndentationError  RootCause = "indentation_error"
	CauseTypeMismatch      RootCause = "type_mismatch"
	CauseUndefinedName     RootCause = "undefined_name"
	CauseAssertionFailed   RootCause = "assertion_failed"
	CauseFixtureMissing    RootCause = "fixture_missing"
	CauseMissingEnvVar     RootCause = "missing_env_var"
	CauseBadConfiguration  RootCause = "bad_configuration"
	CauseCompilationFailed RootCause = "compilation_failed"
	CauseNilReference      RootCause = "nil_reference"
	CauseIndexOutOfRange   RootCause = "index_out_of_range"
	CauseTimeout           RootCause = "timeout"
	CauseExposedSecret     RootCause = "exposed_secret"
	CauseVulnerableDep     RootCause = "vulnerable_dependency"
	CauseAPIMisuse         RootCause = "api_misuse"
	CauseMissingDocs       RootCause = "missing_docs"
	CauseDeprecatedFeature RootCause = "deprecated_feature"
	CauseUnknown           RootCause = "unknown"
)

// NeedsResearch reports whether the cause is a knowledge gap that cannot be
// resolved by local pattern matching and requires the external agent.
func (rc RootCause) NeedsResearch() bool {
	switch rc {
	case CauseAPIMisuse, CauseMissingDocs, CauseDeprecatedFeature:
		return true
	}
	return false
}

// Confidence expresses how certain a diagnosis is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ReportedError is the normalized record of a single failure reported by the
// surrounding workflow. It is immutable once triaged and referenced by ID
// throughout a fix attempt.
type ReportedError struct {
	ID         string            `json:"id"`
	Message    string            `json:"message"`
	ErrorType  string            `json:"error_type"`
	Source     string            `json:"source"`
	Phase      string            `json:"phase,omitempty"`
	TaskID     string            `json:"task_id,omitempty"`
	Agent      string            `json:"agent,omitempty"`
	StackTrace string            `json:"stack_trace,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// TriageAction is the admission decision for a reported error.
type TriageAction string

const (
	TriageAttemptFix TriageAction = "attempt_fix"
	TriageEscalate   TriageAction = "escalate"
	TriageSkip       TriageAction = "skip"
	TriageRetryLater TriageAction = "retry_later"
)

// TriageDecision is produced once per error per triage call. Priority 1 is
// highest (security), 5 lowest.
type TriageDecision struct {
	Action            TriageAction  `json:"action"`
	Category          ErrorCategory `json:"category"`
	Priority          int           `json:"priority"`
	Confidence        float64       `json:"confidence"`
	Reason            string        `json:"reason"`
	SuggestedStrategy string        `json:"suggested_strategy,omitempty"`
}

// FileRef locates a file (and optionally a position) implicated by an error.
type FileRef struct {
	Path         string `json:"path"`
	Line         int    `json:"line,omitempty"`
	Column       int    `json:"column,omitempty"`
	Snippet      string `json:"snippet,omitempty"`
	SuggestedFix string `json:"suggested_fix,omitempty"`
}

// Diagnosis is the output of the diagnosis engine. It is not mutated after
// creation; the strategy registry and known-fix lookup consume it as-is.
type Diagnosis struct {
	Error          ReportedError     `json:"error"`
	RootCause      RootCause         `json:"root_cause"`
	Confidence     Confidence        `json:"confidence"`
	Category       ErrorCategory     `json:"category"`
	AffectedFiles  []FileRef         `json:"affected_files,omitempty"`
	Explanation    string            `json:"explanation"`
	SuggestedFixes []string          `json:"suggested_fixes,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
}

// KnownFix is a learned pattern-to-remedy mapping with tracked outcome
// statistics. Built-in fixes are code-defined seed data and never mutated;
// custom fixes are appended at runtime and persisted across sessions.
type KnownFix struct {
	ID           string            `json:"id"`
	Pattern      string            `json:"pattern"`
	Category     ErrorCategory     `json:"category"`
	RootCause    RootCause         `json:"root_cause"`
	FixType      string            `json:"fix_type"`
	Template     map[string]string `json:"template,omitempty"`
	Description  string            `json:"description"`
	SuccessCount int               `json:"success_count"`
	FailureCount int               `json:"failure_count"`
	LastUsed     *time.Time        `json:"last_used,omitempty"`
	BuiltIn      bool              `json:"built_in"`
}

// SuccessRate returns successes / total applications, or 0 when untested.
func (kf *KnownFix) SuccessRate() float64 {
	total := kf.SuccessCount + kf.FailureCount
	if total == 0 {
		return 0
	}
	return float64(kf.SuccessCount) / float64(total)
}

// Applications returns the total recorded outcome count.
func (kf *KnownFix) Applications() int {
	return kf.SuccessCount + kf.FailureCount
}

// ActionType enumerates the atomic units of work an executor can perform.
type ActionType string

const (
	ActionRunCommand     ActionType = "run_command"
	ActionInstallPackage ActionType = "install_package"
	ActionEditFile       ActionType = "edit_file"
	ActionWriteFile      ActionType = "write_file"
	ActionAppendFile     ActionType = "append_file"
	ActionDeleteFile     ActionType = "delete_file"
	ActionAddImport      ActionType = "add_import"
	ActionRetry          ActionType = "retry"
)

// FixAction is one atomic, reversible unit of work inside a plan.
type FixAction struct {
	Type        ActionType        `json:"type"`
	Target      string            `json:"target,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Description string            `json:"description"`
	Rollback    string            `json:"rollback,omitempty"`
}

// FixPlan is an ordered, bounded list of actions intended to resolve one
// diagnosed error. A plan is immutable and consumed exactly once.
type FixPlan struct {
	Diagnosis                    Diagnosis   `json:"diagnosis"`
	StrategyName                 string      `json:"strategy_name"`
	Actions                      []FixAction `json:"actions"`
	EstimatedImpact              string      `json:"estimated_impact"`
	RequiresValidation           bool        `json:"requires_validation"`
	RequiresSecurityNotification bool        `json:"requires_security_notification"`
	Confidence                   float64     `json:"confidence"`
}

// FixStatus is the terminal state of a plan application.
type FixStatus string

const (
	FixSuccess FixStatus = "success"
	FixPartial FixStatus = "partial"
	FixFailed  FixStatus = "failed"
	FixSkipped FixStatus = "skipped"
)

// FileBackup records the pre-mutation content of one target so a failed plan
// can be rolled back deterministically.
type FileBackup struct {
	Path       string `json:"path"`
	BackupPath string `json:"backup_path,omitempty"`
	// Deleted marks a backup for a file that did not exist before the action;
	// rollback removes the file instead of restoring content.
	Deleted bool `json:"deleted,omitempty"`
}

// FixResult is the executor's report of applying one plan.
type FixResult struct {
	Plan              *FixPlan     `json:"plan"`
	Status            FixStatus    `json:"status"`
	ActionsCompleted  int          `json:"actions_completed"`
	ActionsTotal      int          `json:"actions_total"`
	ChangesMade       []string     `json:"changes_made,omitempty"`
	RollbackAvailable bool         `json:"rollback_available"`
	RollbackData      []FileBackup `json:"rollback_data,omitempty"`
	Error             string       `json:"error,omitempty"`
}

// PreValidation is the result of plan safety checks before any mutation.
type PreValidation struct {
	SafeToProceed bool     `json:"safe_to_proceed"`
	ScopeOK       bool     `json:"scope_ok"`
	Warnings      []string `json:"warnings,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// PostValidation is the result of outcome checks after a plan applied.
type PostValidation struct {
	ErrorResolved bool     `json:"error_resolved"`
	NoNewErrors   bool     `json:"no_new_errors"`
	TestsPass     *bool    `json:"tests_pass,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// NextAction tells the surrounding workflow how to proceed after an attempt.
type NextAction string

const (
	NextResume   NextAction = "resume"
	NextEscalate NextAction = "escalate"
	NextRetry    NextAction = "retry"
)

// FixAttempt is the complete audit record of one end-to-end fix attempt,
// sufficient to explain every decision point without consulting logs.
type FixAttempt struct {
	ID                       string          `json:"id"`
	Error                    ReportedError   `json:"error"`
	Triage                   TriageDecision  `json:"triage"`
	Diagnosis                *Diagnosis      `json:"diagnosis,omitempty"`
	Plan                     *FixPlan        `json:"plan,omitempty"`
	Result                   *FixResult      `json:"result,omitempty"`
	PreValidation            *PreValidation  `json:"pre_validation,omitempty"`
	PostValidation           *PostValidation `json:"post_validation,omitempty"`
	SecurityNotificationSent bool            `json:"security_notification_sent"`
	NextAction               NextAction      `json:"next_action"`
	Reason                   string          `json:"reason"`
	StartedAt                time.Time       `json:"started_at"`
	FinishedAt               time.Time       `json:"finished_at"`
}

// CircuitStateName is the breaker's admission state.
type CircuitStateName string

const (
	CircuitClosed   CircuitStateName = "closed"
	CircuitOpen     CircuitStateName = "open"
	CircuitHalfOpen CircuitStateName = "half_open"
)

// StateChange records one breaker transition for audit.
type StateChange struct {
	From   CircuitStateName `json:"from"`
	To     CircuitStateName `json:"to"`
	At     time.Time        `json:"at"`
	Reason string           `json:"reason"`
}

// CircuitStats accumulates breaker accounting across a project's lifetime.
type CircuitStats struct {
	TotalAttempts        int           `json:"total_attempts"`
	TotalSuccesses       int           `json:"total_successes"`
	TotalFailures        int           `json:"total_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	LastSuccessTime      *time.Time    `json:"last_success_time,omitempty"`
	LastFailureTime      *time.Time    `json:"last_failure_time,omitempty"`
	StateChanges         []StateChange `json:"state_changes,omitempty"`
}

// CircuitState is the persisted breaker document.
type CircuitState struct {
	State    CircuitStateName `json:"state"`
	OpenedAt *time.Time       `json:"opened_at,omitempty"`
	Stats    CircuitStats     `json:"stats"`
}

// SecurityNotification is one line of the append-only security fix log.
type SecurityNotification struct {
	Timestamp   time.Time     `json:"timestamp"`
	ErrorID     string        `json:"error_id"`
	AttemptID   string        `json:"attempt_id"`
	Category    ErrorCategory `json:"category"`
	RootCause   RootCause     `json:"root_cause"`
	Strategy    string        `json:"strategy"`
	Status      FixStatus     `json:"status"`
	Description string        `json:"description"`
}
