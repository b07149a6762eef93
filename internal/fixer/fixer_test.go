// internal/fixer/fixer_test.go
package fixer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/syntrik/mend/api/schemas"
	"github.com/syntrik/mend/internal/breaker"
	"github.com/syntrik/mend/internal/config"
	"github.com/syntrik/mend/internal/diagnose"
	"github.com/syntrik/mend/internal/knownfix"
	"github.com/syntrik/mend/internal/seclog"
	"github.com/syntrik/mend/internal/strategy"
	"github.com/syntrik/mend/internal/triage"
	"github.com/syntrik/mend/internal/validate"
)

// fakeExecutor applies nothing and reports a configurable status. Empty plans
// are skipped, matching the real executor.
type fakeExecutor struct {
	mu         sync.Mutex
	status     schemas.FixStatus
	rollback   bool
	applied    []*schemas.FixPlan
	rolledBack int
}

func (f *fakeExecutor) Apply(_ context.Context, plan *schemas.FixPlan) *schemas.FixResult {
	f.mu.Lock()
	f.applied = append(f.applied, plan)
	f.mu.Unlock()

	result := &schemas.FixResult{
		Plan:         plan,
		ActionsTotal: len(plan.Actions),
	}
	if len(plan.Actions) == 0 {
		result.Status = schemas.FixSkipped
		result.Error = "plan contains no actions"
		return result
	}
	result.Status = f.status
	result.RollbackAvailable = f.rollback
	switch f.status {
	case schemas.FixSuccess:
		result.ActionsCompleted = len(plan.Actions)
	case schemas.FixPartial:
		result.ActionsCompleted = len(plan.Actions) - 1
	}
	if f.status != schemas.FixSuccess {
		result.Error = "simulated action failure"
	}
	return result
}

func (f *fakeExecutor) Rollback(*schemas.FixResult) error {
	f.mu.Lock()
	f.rolledBack++
	f.mu.Unlock()
	return nil
}

// stubReviewer answers every review with a fixed verdict.
type stubReviewer struct {
	text string
	err  error
}

func (s *stubReviewer) Ask(context.Context, schemas.AgentRequest) (schemas.AgentResponse, error) {
	if s.err != nil {
		return schemas.AgentResponse{}, s.err
	}
	return schemas.AgentResponse{Success: true, Text: s.text}, nil
}

func newTestFixer(t *testing.T, exec *fakeExecutor) (*Fixer, config.Interface) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	cfg := config.NewDefaultConfig()
	cfg.SetFixerWorkDir(dir)

	brk, err := breaker.Open(logger, filepath.Join(dir, breakerFile), breaker.Settings{FailureThreshold: 3})
	require.NoError(t, err)
	fixes, err := knownfix.Open(filepath.Join(dir, knownFixFile), 10, logger)
	require.NoError(t, err)

	f := New(cfg, Deps{
		Triage:      triage.New(cfg.Fixer(), logger),
		Diagnoser:   diagnose.New(nil, time.Minute, dir, logger),
		Strategies:  strategy.NewRegistry(logger),
		KnownFixes:  fixes,
		Executor:    exec,
		Validator:   validate.New(logger, dir, validate.Limits{}, time.Minute),
		Breaker:     brk,
		SecurityLog: seclog.New(logger, filepath.Join(dir, secLogFile)),
	}, logger)
	return f, cfg
}

func reported(id, message string) schemas.ReportedError {
	return schemas.ReportedError{
		ID:        id,
		Message:   message,
		Source:    "test",
		Timestamp: time.Now().UTC(),
	}
}

func TestMissingModuleEndToEnd(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{status: schemas.FixSuccess}
	f, _ := newTestFixer(t, exec)

	attempt := f.AttemptFix(context.Background(),
		reported("err-1", "ModuleNotFoundError: No module named 'requests'"), nil)

	assert.Equal(t, schemas.TriageAttemptFix, attempt.Triage.Action)
	assert.Equal(t, schemas.CategoryImport, attempt.Triage.Category)
	assert.Equal(t, 3, attempt.Triage.Priority)

	require.NotNil(t, attempt.Diagnosis)
	assert.Equal(t, schemas.ConfidenceHigh, attempt.Diagnosis.Confidence)

	require.NotNil(t, attempt.Plan)
	require.Len(t, attempt.Plan.Actions, 1)
	action := attempt.Plan.Actions[0]
	assert.Equal(t, schemas.ActionInstallPackage, action.Type)
	assert.Equal(t, "requests", action.Target)

	require.NotNil(t, attempt.PostValidation)
	assert.True(t, attempt.PostValidation.ErrorResolved)
	assert.Equal(t, schemas.NextResume, attempt.NextAction)

	assert.Equal(t, 1, f.Breaker().Stats().TotalSuccesses)
}

func TestUnknownCategoryEscalatesWithoutMutation(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{status: schemas.FixSuccess}
	f, _ := newTestFixer(t, exec)

	attempt := f.AttemptFix(context.Background(),
		reported("err-2", "everything is strange and nothing matches"), nil)

	assert.Equal(t, schemas.TriageEscalate, attempt.Triage.Action)
	assert.Equal(t, schemas.NextEscalate, attempt.NextAction)
	assert.Nil(t, attempt.Diagnosis)
	assert.Nil(t, attempt.Plan)
	assert.Empty(t, exec.applied)
	assert.Zero(t, f.Breaker().Stats().TotalAttempts)
}

func TestFixerDisabledEscalates(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{status: schemas.FixSuccess}
	f, cfg := newTestFixer(t, exec)
	cfg.SetFixerEnabled(false)

	attempt := f.AttemptFix(context.Background(),
		reported("err-3", "ModuleNotFoundError: No module named 'requests'"), nil)

	assert.Equal(t, schemas.NextEscalate, attempt.NextAction)
	assert.Contains(t, attempt.Reason, "disabled")
	assert.Empty(t, exec.applied)
}

func TestOpenCircuitEscalates(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{status: schemas.FixSuccess}
	f, _ := newTestFixer(t, exec)

	for i := 0; i < 3; i++ {
		f.Breaker().RecordFailure()
	}
	require.Equal(t, schemas.CircuitOpen, f.Breaker().State())

	attempt := f.AttemptFix(context.Background(),
		reported("err-4", "ModuleNotFoundError: No module named 'requests'"), nil)

	assert.Equal(t, schemas.NextEscalate, attempt.NextAction)
	assert.Contains(t, attempt.Reason, "circuit")
	assert.Empty(t, exec.applied)
}

func TestFailedApplyRollsBackAndEscalates(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{status: schemas.FixPartial, rollback: true}
	f, _ := newTestFixer(t, exec)

	attempt := f.AttemptFix(context.Background(),
		reported("err-5", "ModuleNotFoundError: No module named 'requests'"), nil)

	assert.Equal(t, schemas.NextEscalate, attempt.NextAction)
	assert.Equal(t, 1, exec.rolledBack)
	assert.Equal(t, 1, f.Breaker().Stats().TotalFailures)
}

func TestTransientTimeoutReturnsRetry(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{status: schemas.FixSuccess}
	f, _ := newTestFixer(t, exec)

	attempt := f.AttemptFix(context.Background(),
		reported("err-6", "HTTPSConnectionPool: request timed out after 30s"), nil)

	assert.Equal(t, schemas.NextRetry, attempt.NextAction)
	require.NotNil(t, attempt.Plan)
	require.Len(t, attempt.Plan.Actions, 1)
	assert.Equal(t, schemas.ActionRetry, attempt.Plan.Actions[0].Type)
}

func TestSecurityNotificationAppended(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{status: schemas.FixSuccess}
	f, _ := newTestFixer(t, exec)

	attempt := f.AttemptFix(context.Background(),
		reported("err-7", "GitGuardian: AWS api_key exposed in commit 4f2c"), nil)

	assert.True(t, attempt.SecurityNotificationSent)

	entries, err := f.deps.SecurityLog.Read()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "err-7", entries[0].ErrorID)
	assert.Equal(t, schemas.CauseExposedSecret, entries[0].RootCause)
}

func TestEmptyPlanEscalates(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{status: schemas.FixSuccess}
	f, _ := newTestFixer(t, exec)

	attempt := f.AttemptFix(context.Background(),
		reported("err-8", "FAILED tests/test_auth.py::test_login - AssertionError: 401 != 200"), nil)

	require.NotNil(t, attempt.Plan)
	assert.Empty(t, attempt.Plan.Actions)
	assert.Equal(t, schemas.NextEscalate, attempt.NextAction)
	// A skipped plan is not a breaker failure.
	assert.Zero(t, f.Breaker().Stats().TotalFailures)
}

func TestMaxAttemptsPerErrorEscalates(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{status: schemas.FixSuccess}
	f, cfg := newTestFixer(t, exec)

	var history []schemas.FixAttempt
	for i := 0; i < cfg.Fixer().MaxAttemptsPerErr; i++ {
		history = append(history, schemas.FixAttempt{
			Error:      schemas.ReportedError{ID: "err-9"},
			NextAction: schemas.NextEscalate,
		})
	}

	attempt := f.AttemptFix(context.Background(),
		reported("err-9", "ModuleNotFoundError: No module named 'requests'"), history)

	assert.Equal(t, schemas.NextEscalate, attempt.NextAction)
	assert.Empty(t, exec.applied)
}

func TestPlanReviewRejectionEscalates(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{status: schemas.FixSuccess}
	f, cfg := newTestFixer(t, exec)
	cfg.SetFixerPlanReview(true)
	f.deps.Reviewer = &stubReviewer{text: `{"approved": false, "reason": "plan too broad"}`}

	attempt := f.AttemptFix(context.Background(),
		reported("err-10", "ModuleNotFoundError: No module named 'requests'"), nil)

	assert.Equal(t, schemas.NextEscalate, attempt.NextAction)
	assert.Contains(t, attempt.Reason, "plan too broad")
	assert.Empty(t, exec.applied)
}

func TestPlanReviewFailureIsSoft(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{status: schemas.FixSuccess}
	f, cfg := newTestFixer(t, exec)
	cfg.SetFixerPlanReview(true)
	f.deps.Reviewer = &stubReviewer{err: context.DeadlineExceeded}

	attempt := f.AttemptFix(context.Background(),
		reported("err-11", "ModuleNotFoundError: No module named 'requests'"), nil)

	assert.Equal(t, schemas.NextResume, attempt.NextAction)
	assert.Len(t, exec.applied, 1)
}

func TestKnownFixOutcomeRecorded(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{status: schemas.FixSuccess}
	f, _ := newTestFixer(t, exec)

	attempt := f.AttemptFix(context.Background(),
		reported("err-12", "ModuleNotFoundError: No module named 'requests'"), nil)
	require.Equal(t, schemas.NextResume, attempt.NextAction)

	_, _, applications := f.KnownFixes().Stats()
	assert.Equal(t, 1, applications)
}

func TestConcurrentAttemptsForDifferentErrors(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{status: schemas.FixSuccess}
	f, _ := newTestFixer(t, exec)

	// Exceeding this would trip the session attempt cap, not the race.
	const n = 4
	done := make(chan schemas.NextAction, n)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		go func(id string) {
			attempt := f.AttemptFix(context.Background(),
				reported("err-"+id, "HTTPSConnectionPool: request timed out"), nil)
			done <- attempt.NextAction
		}(id)
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, schemas.NextRetry, <-done)
	}
	assert.Equal(t, n, f.Breaker().Stats().TotalSuccesses)
}
