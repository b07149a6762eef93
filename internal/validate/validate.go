// internal/validate/validate.go
package validate

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/syntrik/mend/api/schemas"
	"github.com/syntrik/mend/internal/execute"
)

// Limits bound how much a single plan is allowed to touch.
type Limits struct {
	MaxFiles    int
	MaxCommands int
}

// DefaultLimits match the executor's expectations for a bounded plan.
var DefaultLimits = Limits{MaxFiles: 5, MaxCommands: 3}

// allowedActions is the closed set of action types a plan may carry. Anything
// else is a malformed or hostile plan and fails pre-validation.
var allowedActions = map[schemas.ActionType]struct{}{
	schemas.ActionRunCommand:     {},
	schemas.ActionInstallPackage: {},
	schemas.ActionEditFile:       {},
	schemas.ActionWriteFile:      {},
	schemas.ActionAppendFile:     {},
	schemas.ActionDeleteFile:     {},
	schemas.ActionAddImport:      {},
	schemas.ActionRetry:          {},
}

// Validator checks plans before execution and outcomes after.
type Validator struct {
	logger      *zap.Logger
	projectRoot string
	limits      Limits
	testTimeout time.Duration
}

// New builds a validator. Zero-valued limits fall back to the defaults.
func New(logger *zap.Logger, projectRoot string, limits Limits, testTimeout time.Duration) *Validator {
	if limits.MaxFiles <= 0 {
		limits.MaxFiles = DefaultLimits.MaxFiles
	}
	if limits.MaxCommands <= 0 {
		limits.MaxCommands = DefaultLimits.MaxCommands
	}
	if testTimeout <= 0 {
		testTimeout = 5 * time.Minute
	}
	return &Validator{
		logger:      logger.Named("validate"),
		projectRoot: projectRoot,
		limits:      limits,
		testTimeout: testTimeout,
	}
}

// Pre checks a plan for safety before any action runs. It never mutates
// anything and is safe to call repeatedly on the same plan.
func (v *Validator) Pre(plan *schemas.FixPlan) schemas.PreValidation {
	pv := schemas.PreValidation{SafeToProceed: true, ScopeOK: true}

	files := 0
	commands := 0
	seenTargets := map[string]struct{}{}

	for i, action := range plan.Actions {
		if _, ok := allowedActions[action.Type]; !ok {
			pv.Errors = append(pv.Errors, fmt.Sprintf("action %d has disallowed type %q", i+1, action.Type))
			continue
		}

		// Protected resources are off limits for every action type: a
		// command or install aimed at one can mutate it just as surely
		// as a file edit.
		if action.Target != "" && execute.IsProtected(action.Target) {
			pv.Errors = append(pv.Errors, fmt.Sprintf("action %d targets protected resource %q", i+1, action.Target))
		}

		switch action.Type {
		case schemas.ActionRunCommand, schemas.ActionInstallPackage:
			commands++
		case schemas.ActionEditFile, schemas.ActionWriteFile, schemas.ActionAppendFile,
			schemas.ActionDeleteFile, schemas.ActionAddImport:
			if _, seen := seenTargets[action.Target]; !seen {
				seenTargets[action.Target] = struct{}{}
				files++
			}
			if action.Target == "" {
				pv.Errors = append(pv.Errors, fmt.Sprintf("action %d (%s) has no target", i+1, action.Type))
			}
		}
	}

	if files > v.limits.MaxFiles {
		pv.ScopeOK = false
		pv.Errors = append(pv.Errors, fmt.Sprintf("plan touches %d files, limit is %d", files, v.limits.MaxFiles))
	} else if files == v.limits.MaxFiles {
		pv.Warnings = append(pv.Warnings, fmt.Sprintf("plan touches %d files, at the limit", files))
	}

	if commands > v.limits.MaxCommands {
		pv.ScopeOK = false
		pv.Errors = append(pv.Errors, fmt.Sprintf("plan runs %d commands, limit is %d", commands, v.limits.MaxCommands))
	} else if commands == v.limits.MaxCommands {
		pv.Warnings = append(pv.Warnings, fmt.Sprintf("plan runs %d commands, at the limit", commands))
	}

	if len(pv.Errors) > 0 {
		pv.SafeToProceed = false
	}

	v.logger.Debug("Pre-validation complete",
		zap.Bool("safe", pv.SafeToProceed),
		zap.Int("files", files),
		zap.Int("commands", commands),
		zap.Strings("errors", pv.Errors))
	return pv
}

// Post checks the outcome of an applied plan against the error that
// triggered it. ErrorResolved is optimistic: a fully applied plan is
// presumed to have resolved the triggering error unless the test run says
// otherwise or the original message resurfaces in the test output. The
// caller learns the truth when the original operation is retried.
func (v *Validator) Post(ctx context.Context, result *schemas.FixResult, origErr schemas.ReportedError, runTests bool) schemas.PostValidation {
	post := schemas.PostValidation{
		ErrorResolved: result.Status == schemas.FixSuccess,
		NoNewErrors:   true,
	}

	if result.Status != schemas.FixSuccess {
		post.Warnings = append(post.Warnings,
			fmt.Sprintf("plan finished with status %q (%d/%d actions)",
				result.Status, result.ActionsCompleted, result.ActionsTotal))
	}

	if !runTests {
		return post
	}

	argv := v.detectTestRunner()
	if argv == nil {
		post.Warnings = append(post.Warnings, "no test runner detected, skipping test probe")
		return post
	}

	passed, output, err := v.runTests(ctx, argv)
	if err != nil {
		post.Warnings = append(post.Warnings, fmt.Sprintf("test probe did not complete: %v", err))
		return post
	}

	post.TestsPass = &passed
	if !passed {
		post.NoNewErrors = false
		msg := fmt.Sprintf("test probe failed: %s", output)
		if result.Plan != nil && result.Plan.RequiresValidation {
			post.ErrorResolved = false
			post.Errors = append(post.Errors, msg)
		} else {
			post.Warnings = append(post.Warnings, msg)
		}
		// The original message resurfacing in test output means the fix
		// did not take, whatever the plan's validation setting.
		if origErr.Message != "" && strings.Contains(output, origErr.Message) {
			post.ErrorResolved = false
			post.Errors = append(post.Errors, "original error still present in test output")
		}
	}

	v.logger.Debug("Post-validation complete",
		zap.String("error_id", origErr.ID),
		zap.Bool("error_resolved", post.ErrorResolved),
		zap.Bool("no_new_errors", post.NoNewErrors))
	return post
}

// detectTestRunner probes the project root for a recognizable test setup.
// First match wins; a repo with several stacks gets the dominant one.
func (v *Validator) detectTestRunner() []string {
	probes := []struct {
		marker string
		argv   []string
	}{
		{"go.mod", []string{"go", "test", "./..."}},
		{"pytest.ini", []string{"pytest", "-x", "-q"}},
		{"pyproject.toml", []string{"pytest", "-x", "-q"}},
		{"setup.py", []string{"pytest", "-x", "-q"}},
		{"package.json", []string{"npm", "test", "--silent"}},
		{"Cargo.toml", []string{"cargo", "test", "--quiet"}},
	}
	for _, p := range probes {
		if _, err := os.Stat(filepath.Join(v.projectRoot, p.marker)); err == nil {
			return p.argv
		}
	}
	return nil
}

func (v *Validator) runTests(ctx context.Context, argv []string) (bool, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, v.testTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = v.projectRoot
	out, err := cmd.CombinedOutput()

	if runCtx.Err() == context.DeadlineExceeded {
		return false, "", fmt.Errorf("test run timed out after %s", v.testTimeout)
	}
	if err != nil {
		if _, isExit := err.(*exec.ExitError); isExit {
			return false, tail(out, 400), nil
		}
		return false, "", fmt.Errorf("test runner %q: %w", argv[0], err)
	}
	return true, "", nil
}

func tail(out []byte, max int) string {
	s := strings.TrimSpace(string(out))
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
