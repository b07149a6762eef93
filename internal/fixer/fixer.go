// internal/fixer/fixer.go

// Package fixer composes triage, diagnosis, strategy selection, execution and
// validation into the end-to-end fix attempt the surrounding workflow calls.
// It owns the circuit breaker and known-fix database instances.
package fixer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/syntrik/mend/api/schemas"
	"github.com/syntrik/mend/internal/agent"
	"github.com/syntrik/mend/internal/breaker"
	"github.com/syntrik/mend/internal/config"
	"github.com/syntrik/mend/internal/diagnose"
	"github.com/syntrik/mend/internal/execute"
	"github.com/syntrik/mend/internal/history"
	"github.com/syntrik/mend/internal/knownfix"
	"github.com/syntrik/mend/internal/seclog"
	"github.com/syntrik/mend/internal/strategy"
	"github.com/syntrik/mend/internal/triage"
	"github.com/syntrik/mend/internal/validate"
)

// State file names under the fixer work directory.
const (
	breakerFile  = "circuit_breaker.json"
	knownFixFile = "known_fixes.json"
	secLogFile   = "security_fixes.jsonl"
)

// PlanExecutor is the executor boundary, satisfied by *execute.Executor and
// replaceable in tests.
type PlanExecutor interface {
	Apply(ctx context.Context, plan *schemas.FixPlan) *schemas.FixResult
	Rollback(result *schemas.FixResult) error
}

// Deps are the collaborators the orchestrator composes. All are required
// except Reviewer and Attempts, which default to disabled review and no
// persistence respectively.
type Deps struct {
	Triage      *triage.Engine
	Diagnoser   *diagnose.Engine
	Strategies  *strategy.Registry
	KnownFixes  *knownfix.DB
	Executor    PlanExecutor
	Validator   *validate.Validator
	Breaker     *breaker.Breaker
	SecurityLog *seclog.Log
	Attempts    schemas.AttemptStore
	Reviewer    schemas.AgentClient
}

// Fixer runs one fix attempt at a time per error. Independent errors may be
// attempted concurrently; the shared breaker and known-fix database are
// internally synchronized.
type Fixer struct {
	logger *zap.Logger
	cfg    config.Interface
	deps   Deps

	mu              sync.Mutex
	sessionAttempts int
	errLocks        map[string]*sync.Mutex
}

// New builds the orchestrator from pre-constructed collaborators.
func New(cfg config.Interface, deps Deps, logger *zap.Logger) *Fixer {
	if deps.Attempts == nil {
		deps.Attempts = history.NoopStore{}
	}
	return &Fixer{
		logger:   logger.Named("fixer"),
		cfg:      cfg,
		deps:     deps,
		errLocks: make(map[string]*sync.Mutex),
	}
}

// Assemble wires a complete orchestrator from configuration: state files are
// opened under the fixer work directory, and the optional agent client serves
// both semantic diagnosis and plan review.
func Assemble(cfg config.Interface, agentClient schemas.AgentClient, attempts schemas.AttemptStore, logger *zap.Logger) (*Fixer, error) {
	fixerCfg := cfg.Fixer()
	workDir := fixerCfg.WorkDir

	brk, err := breaker.Open(logger, filepath.Join(workDir, breakerFile), breaker.Settings{
		FailureThreshold:         cfg.Breaker().FailureThreshold,
		ResetTimeout:             cfg.Breaker().ResetTimeout,
		HalfOpenSuccessThreshold: cfg.Breaker().HalfOpenSuccessThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("open circuit breaker: %w", err)
	}

	fixes, err := knownfix.Open(filepath.Join(workDir, knownFixFile), fixerCfg.MaxCustomFixes, logger)
	if err != nil {
		return nil, fmt.Errorf("open known-fix database: %w", err)
	}

	deps := Deps{
		Triage:     triage.New(fixerCfg, logger),
		Diagnoser:  diagnose.New(agentClient, cfg.Agent().DiagnosisTimeout, fixerCfg.ProjectRoot, logger),
		Strategies: strategy.NewRegistry(logger),
		KnownFixes: fixes,
		Executor:   execute.New(logger, fixerCfg.ProjectRoot, fixerCfg.CommandTimeout),
		Validator: validate.New(logger, fixerCfg.ProjectRoot, validate.Limits{
			MaxFiles:    cfg.Validator().MaxFilesPerFix,
			MaxCommands: cfg.Validator().MaxCommandsPerFix,
		}, fixerCfg.TestRunTimeout),
		Breaker:     brk,
		SecurityLog: seclog.New(logger, filepath.Join(workDir, secLogFile)),
		Attempts:    attempts,
		Reviewer:    agentClient,
	}
	return New(cfg, deps, logger), nil
}

// Breaker exposes the owned circuit breaker for status reporting.
func (f *Fixer) Breaker() *breaker.Breaker { return f.deps.Breaker }

// KnownFixes exposes the owned known-fix database for status reporting.
func (f *Fixer) KnownFixes() *knownfix.DB { return f.deps.KnownFixes }

// SecurityLog exposes the append-only security notification log.
func (f *Fixer) SecurityLog() *seclog.Log { return f.deps.SecurityLog }

// AttemptFix runs the full state machine for one error and returns a complete
// audit record. It never returns an error: every failure mode ends in a
// record whose NextAction and Reason explain the outcome.
func (f *Fixer) AttemptFix(ctx context.Context, reported schemas.ReportedError, priorHistory []schemas.FixAttempt) *schemas.FixAttempt {
	lock := f.lockForError(reported.ID)
	lock.Lock()
	defer lock.Unlock()

	attempt := &schemas.FixAttempt{
		ID:        uuid.NewString(),
		Error:     reported,
		StartedAt: time.Now().UTC(),
	}
	defer f.finalize(ctx, attempt)

	f.mu.Lock()
	session := f.sessionAttempts
	f.mu.Unlock()

	decision := f.deps.Triage.Triage(reported, triage.Input{
		FixerEnabled:    f.cfg.Fixer().Enabled,
		CircuitOpen:     !f.deps.Breaker.CanAttempt(),
		History:         priorHistory,
		SessionAttempts: session,
	})
	attempt.Triage = decision

	if decision.Action != schemas.TriageAttemptFix {
		attempt.NextAction = nextForTriage(decision.Action)
		attempt.Reason = decision.Reason
		return attempt
	}

	f.mu.Lock()
	f.sessionAttempts++
	f.mu.Unlock()

	diag := f.deps.Diagnoser.Diagnose(ctx, reported, decision.Category)
	attempt.Diagnosis = &diag

	plan, knownFixID := f.buildPlan(diag)
	if plan == nil {
		attempt.NextAction = schemas.NextEscalate
		attempt.Reason = fmt.Sprintf("no strategy available for root cause %q", diag.RootCause)
		return attempt
	}
	attempt.Plan = plan

	pre := f.deps.Validator.Pre(plan)
	attempt.PreValidation = &pre
	if !pre.SafeToProceed {
		attempt.NextAction = schemas.NextEscalate
		attempt.Reason = fmt.Sprintf("pre-validation rejected the plan: %v", pre.Errors)
		return attempt
	}

	if f.cfg.Fixer().PlanReview && f.deps.Reviewer != nil {
		if approved, reason, ok := f.reviewPlan(ctx, plan); ok && !approved {
			attempt.NextAction = schemas.NextEscalate
			attempt.Reason = fmt.Sprintf("plan rejected by reviewer: %s", reason)
			return attempt
		}
	}

	result := f.deps.Executor.Apply(ctx, plan)
	attempt.Result = result

	if result.Status == schemas.FixSkipped {
		f.notifySecurity(attempt)
		attempt.NextAction = schemas.NextEscalate
		attempt.Reason = fmt.Sprintf("plan not applied: %s", result.Error)
		return attempt
	}

	post := f.deps.Validator.Post(ctx, result, reported, f.cfg.Validator().RunTests)
	attempt.PostValidation = &post

	success := result.Status == schemas.FixSuccess && post.ErrorResolved
	if success {
		f.deps.Breaker.RecordSuccess()
	} else {
		f.deps.Breaker.RecordFailure()
		if result.RollbackAvailable {
			if err := f.deps.Executor.Rollback(result); err != nil {
				f.logger.Error("Rollback after failed fix did not complete",
					zap.String("attempt_id", attempt.ID), zap.Error(err))
			}
		}
	}

	if knownFixID != "" {
		if err := f.deps.KnownFixes.RecordOutcome(knownFixID, success); err != nil {
			f.logger.Warn("Recording known-fix outcome failed",
				zap.String("fix_id", knownFixID), zap.Error(err))
		}
	}

	f.notifySecurity(attempt)

	switch {
	case success && wantsRetry(plan):
		attempt.NextAction = schemas.NextRetry
		attempt.Reason = "transient failure, retry the original operation"
	case success:
		attempt.NextAction = schemas.NextResume
		attempt.Reason = fmt.Sprintf("fix applied via %s", plan.StrategyName)
	default:
		attempt.NextAction = schemas.NextEscalate
		attempt.Reason = failureReason(result, post)
	}
	return attempt
}

// buildPlan prefers a learned fix over fresh strategy synthesis. It returns
// the known-fix ID when the plan came from the database, for outcome
// recording after apply.
func (f *Fixer) buildPlan(diag schemas.Diagnosis) (*schemas.FixPlan, string) {
	if fix := f.deps.KnownFixes.FindMatchingFix(diag, f.cfg.Fixer().MinSuccessRate); fix != nil {
		plan, err := strategy.PlanFromKnownFix(fix, diag)
		if err == nil {
			f.logger.Debug("Using known fix", zap.String("fix_id", fix.ID))
			return plan, fix.ID
		}
		f.logger.Debug("Known fix unusable, falling back to strategy",
			zap.String("fix_id", fix.ID), zap.Error(err))
	}

	s := f.deps.Strategies.Select(diag)
	if s == nil {
		return nil, ""
	}
	plan, err := s.CreatePlan(diag)
	if err != nil {
		f.logger.Debug("Strategy could not build a plan",
			zap.String("strategy", s.Name()), zap.Error(err))
		return nil, ""
	}
	return plan, ""
}

// reviewResult is the JSON contract for the optional plan reviewer.
type reviewResult struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// reviewPlan asks the external agent to approve the plan. A transport or
// parse failure is a soft failure: ok is false and the plan proceeds.
func (f *Fixer) reviewPlan(ctx context.Context, plan *schemas.FixPlan) (approved bool, reason string, ok bool) {
	prompt := fmt.Sprintf(
		"Review this automated fix plan for safety and plausibility.\n"+
			"Strategy: %s\nImpact: %s\nActions:\n", plan.StrategyName, plan.EstimatedImpact)
	for i, a := range plan.Actions {
		prompt += fmt.Sprintf("%d. [%s] %s (target: %s)\n", i+1, a.Type, a.Description, a.Target)
	}
	prompt += "\nRespond with JSON only: {\"approved\": true|false, \"reason\": \"...\"}"

	timeout := f.cfg.Agent().ReviewTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	reviewCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tier := schemas.TierFast
	if f.cfg.Fixer().ReviewAgent == string(schemas.TierPowerful) {
		tier = schemas.TierPowerful
	}
	resp, err := f.deps.Reviewer.Ask(reviewCtx, schemas.AgentRequest{
		SystemPrompt: "You are a cautious reviewer of automated code fixes. Reject plans that are destructive, overly broad, or unrelated to the diagnosis.",
		Prompt:       prompt,
		Tier:         tier,
		Options:      schemas.AgentOptions{Temperature: 0.1, ForceJSONFormat: true},
	})
	if err != nil || !resp.Success {
		f.logger.Debug("Plan review unavailable, proceeding", zap.Error(err))
		return false, "", false
	}

	raw := resp.Text
	if len(resp.ParsedJSON) > 0 {
		raw = string(resp.ParsedJSON)
	}
	verdict, err := agent.ParseJSONResponse[reviewResult](raw)
	if err != nil {
		f.logger.Debug("Plan review response unparseable, proceeding", zap.Error(err))
		return false, "", false
	}
	return verdict.Approved, verdict.Reason, true
}

// notifySecurity appends to the security log when the plan demands it or the
// diagnosis is security-categorized, regardless of the attempt outcome.
func (f *Fixer) notifySecurity(attempt *schemas.FixAttempt) {
	plan := attempt.Plan
	if plan == nil {
		return
	}
	securityDiag := attempt.Diagnosis != nil && attempt.Diagnosis.Category == schemas.CategorySecurity
	if !plan.RequiresSecurityNotification && !securityDiag {
		return
	}

	status := schemas.FixSkipped
	if attempt.Result != nil {
		status = attempt.Result.Status
	}
	n := schemas.SecurityNotification{
		Timestamp:   time.Now().UTC(),
		ErrorID:     attempt.Error.ID,
		AttemptID:   attempt.ID,
		Category:    attempt.Diagnosis.Category,
		RootCause:   attempt.Diagnosis.RootCause,
		Strategy:    plan.StrategyName,
		Status:      status,
		Description: attempt.Error.Message,
	}
	if err := f.deps.SecurityLog.Append(n); err != nil {
		f.logger.Error("Security notification append failed",
			zap.String("attempt_id", attempt.ID), zap.Error(err))
		return
	}
	attempt.SecurityNotificationSent = true
}

func (f *Fixer) finalize(ctx context.Context, attempt *schemas.FixAttempt) {
	attempt.FinishedAt = time.Now().UTC()
	if err := f.deps.Attempts.RecordAttempt(ctx, attempt); err != nil {
		f.logger.Warn("Persisting attempt record failed",
			zap.String("attempt_id", attempt.ID), zap.Error(err))
	}
	f.logger.Info("Fix attempt finished",
		zap.String("attempt_id", attempt.ID),
		zap.String("error_id", attempt.Error.ID),
		zap.String("next_action", string(attempt.NextAction)),
		zap.String("reason", attempt.Reason))
}

func (f *Fixer) lockForError(errorID string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.errLocks[errorID]; ok {
		return l
	}
	l := &sync.Mutex{}
	f.errLocks[errorID] = l
	return l
}

func nextForTriage(action schemas.TriageAction) schemas.NextAction {
	if action == schemas.TriageRetryLater {
		return schemas.NextRetry
	}
	return schemas.NextEscalate
}

func wantsRetry(plan *schemas.FixPlan) bool {
	for _, a := range plan.Actions {
		if a.Type == schemas.ActionRetry {
			return true
		}
	}
	return false
}

func failureReason(result *schemas.FixResult, post schemas.PostValidation) string {
	if result.Status != schemas.FixSuccess {
		return fmt.Sprintf("plan %s after %d/%d actions: %s",
			result.Status, result.ActionsCompleted, result.ActionsTotal, result.Error)
	}
	if len(post.Errors) > 0 {
		return fmt.Sprintf("post-validation failed: %v", post.Errors)
	}
	return "fix applied but the error is not confirmed resolved"
}
