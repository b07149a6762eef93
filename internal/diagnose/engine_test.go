// internal/diagnose/engine_test.go
package diagnose

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/syntrik/mend/api/schemas"
)

// fakeAgent returns a canned response or error.
type fakeAgent struct {
	resp  schemas.AgentResponse
	err   error
	calls int
}

func (f *fakeAgent) Ask(_ context.Context, _ schemas.AgentRequest) (schemas.AgentResponse, error) {
	f.calls++
	return f.resp, f.err
}

func newEngine(t *testing.T, agent schemas.AgentClient) *Engine {
	t.Helper()
	return New(agent, time.Minute, "", zaptest.NewLogger(t))
}

func TestDiagnose_PatternTier(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		message    string
		category   schemas.ErrorCategory
		cause      schemas.RootCause
		confidence schemas.Confidence
	}{
		{
			name:       "Missing Python module",
			message:    "ModuleNotFoundError: No module named 'requests'",
			category:   schemas.CategoryImport,
			cause:      schemas.CauseMissingImport,
			confidence: schemas.ConfidenceHigh,
		},
		{
			name:       "Missing Go dependency",
			message:    "main.go:4:2: no required module provides package github.com/foo/bar",
			category:   schemas.CategoryImport,
			cause:      schemas.CauseMissingDependency,
			confidence: schemas.ConfidenceHigh,
		},
		{
			name:       "Undefined name",
			message:    "NameError: name 'reqests' is not defined",
			category:   schemas.CategoryType,
			cause:      schemas.CauseUndefinedName,
			confidence: schemas.ConfidenceHigh,
		},
		{
			name:       "Indentation",
			message:    "IndentationError: unexpected indent",
			category:   schemas.CategorySyntax,
			cause:      schemas.CauseIndentationError,
			confidence: schemas.ConfidenceHigh,
		},
		{
			name:       "Missing env var",
			message:    "KeyError: 'DATABASE_URL'",
			category:   schemas.CategoryConfig,
			cause:      schemas.CauseMissingEnvVar,
			confidence: schemas.ConfidenceHigh,
		},
		{
			name:       "Category fallback at low confidence",
			message:    "the build did something odd",
			category:   schemas.CategoryBuild,
			cause:      schemas.CauseCompilationFailed,
			confidence: schemas.ConfidenceLow,
		},
		{
			name:       "No pattern and no category default",
			message:    "something inexplicable",
			category:   schemas.CategoryAgentCrash,
			cause:      schemas.CauseUnknown,
			confidence: schemas.ConfidenceLow,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			engine := newEngine(t, nil)
			err := schemas.ReportedError{ID: "e1", Message: tc.message}

			diag := engine.Diagnose(context.Background(), err, tc.category)
			assert.Equal(t, tc.cause, diag.RootCause)
			assert.Equal(t, tc.confidence, diag.Confidence)
			assert.NotEmpty(t, diag.Explanation)
		})
	}
}

func TestDiagnose_ExtractsAffectedFiles(t *testing.T) {
	t.Parallel()
	engine := newEngine(t, nil)

	err := schemas.ReportedError{
		ID:      "e2",
		Message: "TypeError: unsupported operand",
		StackTrace: `Traceback (most recent call last):
  File "/usr/lib/python3.11/runpy.py", line 196, in _run_module_as_main
  File "app/billing.py", line 42, in charge
  File "/venv/site-packages/stripe/client.py", line 9, in post
TypeError: unsupported operand`,
	}

	diag := engine.Diagnose(context.Background(), err, schemas.CategoryType)
	require.Len(t, diag.AffectedFiles, 1, "vendor and stdlib paths must be filtered")
	assert.Equal(t, "app/billing.py", diag.AffectedFiles[0].Path)
	assert.Equal(t, 42, diag.AffectedFiles[0].Line)
	assert.Contains(t, diag.Explanation, "app/billing.py:42")
}

func TestDiagnose_SnippetFromReadableFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "svc.go")
	content := "package svc\n\nfunc Boom() {\n\tvar p *int\n\t_ = *p\n}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	engine := New(nil, time.Minute, dir, zaptest.NewLogger(t))
	err := schemas.ReportedError{
		ID:         "e3",
		Message:    "panic: runtime error: invalid memory address",
		StackTrace: "svc.Boom()\n\t" + path + ":5 +0x18",
	}

	diag := engine.Diagnose(context.Background(), err, schemas.CategoryAgentCrash)
	require.NotEmpty(t, diag.AffectedFiles)
	assert.Contains(t, diag.AffectedFiles[0].Snippet, "_ = *p")
	assert.Equal(t, schemas.CauseNilReference, diag.RootCause)
}

func TestDiagnose_SemanticTierRefinesLowConfidence(t *testing.T) {
	t.Parallel()

	semantic := semanticResult{
		RootCause:      "api_misuse",
		Confidence:     "high",
		Explanation:    "The client calls a method removed in v2 of the SDK.",
		SuggestedFixes: []string{"Use client.charges.create instead"},
	}
	raw, err := json.Marshal(semantic)
	require.NoError(t, err)

	agent := &fakeAgent{resp: schemas.AgentResponse{Success: true, Text: string(raw), ParsedJSON: raw}}
	engine := newEngine(t, agent)

	diag := engine.Diagnose(context.Background(),
		schemas.ReportedError{ID: "e4", Message: "the build did something odd"},
		schemas.CategoryBuild)

	assert.Equal(t, 1, agent.calls)
	assert.Equal(t, schemas.CauseAPIMisuse, diag.RootCause)
	assert.Equal(t, schemas.ConfidenceHigh, diag.Confidence)
	assert.Equal(t, "The client calls a method removed in v2 of the SDK.", diag.Explanation)
}

func TestDiagnose_SemanticTierSkippedForHighConfidence(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{resp: schemas.AgentResponse{Success: true}}
	engine := newEngine(t, agent)

	diag := engine.Diagnose(context.Background(),
		schemas.ReportedError{ID: "e5", Message: "ModuleNotFoundError: No module named 'requests'"},
		schemas.CategoryImport)

	assert.Equal(t, 0, agent.calls, "high confidence pattern result must not trigger the agent")
	assert.Equal(t, schemas.CauseMissingImport, diag.RootCause)
}

func TestDiagnose_SemanticFailureFallsBack(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		agent *fakeAgent
	}{
		{"Transport error", &fakeAgent{err: errors.New("deadline exceeded")}},
		{"Unparseable response", &fakeAgent{resp: schemas.AgentResponse{Success: true, Text: "no json here"}}},
		{"Invalid cause value", &fakeAgent{resp: schemas.AgentResponse{
			Success:    true,
			ParsedJSON: json.RawMessage(`{"root_cause": "gremlins", "confidence": "high"}`),
		}}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			engine := newEngine(t, tc.agent)
			diag := engine.Diagnose(context.Background(),
				schemas.ReportedError{ID: "e6", Message: "the build did something odd"},
				schemas.CategoryBuild)

			// The fallback must match what the pattern tier alone produces.
			assert.Equal(t, schemas.CauseCompilationFailed, diag.RootCause)
			assert.Equal(t, schemas.ConfidenceLow, diag.Confidence)
			assert.Equal(t, 1, tc.agent.calls)
		})
	}
}
