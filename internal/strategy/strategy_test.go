// internal/strategy/strategy_test.go
package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/syntrik/mend/api/schemas"
)

func diagFor(category schemas.ErrorCategory, cause schemas.RootCause, message string) schemas.Diagnosis {
	return schemas.Diagnosis{
		Error:     schemas.ReportedError{Message: message},
		RootCause: cause,
		Category:  category,
	}
}

func TestRegistrySelectOrder(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(zaptest.NewLogger(t))

	assert.Equal(t, []string{
		"retry", "import_fix", "auto_format",
		"test_failure", "config_env", "dependency_reinstall",
	}, reg.Names())
}

func TestRegistrySelect(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(zaptest.NewLogger(t))

	cases := []struct {
		name string
		diag schemas.Diagnosis
		want string
	}{
		{
			name: "timeout picks retry",
			diag: diagFor(schemas.CategoryTimeout, schemas.CauseTimeout, "operation timed out"),
			want: "retry",
		},
		{
			name: "rate limit picks retry",
			diag: diagFor(schemas.CategoryRateLimit, schemas.CauseUnknown, "429 too many requests"),
			want: "retry",
		},
		{
			name: "missing import picks import fix",
			diag: diagFor(schemas.CategoryImport, schemas.CauseMissingImport, "ModuleNotFoundError: No module named 'requests'"),
			want: "import_fix",
		},
		{
			name: "test failure picks deferral strategy",
			diag: diagFor(schemas.CategoryTestFailure, schemas.CauseAssertionFailed, "AssertionError: 1 != 2"),
			want: "test_failure",
		},
		{
			name: "missing env var picks config strategy",
			diag: diagFor(schemas.CategoryConfig, schemas.CauseMissingEnvVar, "KeyError: 'API_TOKEN'"),
			want: "config_env",
		},
		{
			name: "build error picks reinstall",
			diag: diagFor(schemas.CategoryBuild, schemas.CauseVersionConflict, "version solving failed"),
			want: "dependency_reinstall",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := reg.Select(tc.diag)
			require.NotNil(t, s)
			assert.Equal(t, tc.want, s.Name())
		})
	}
}

func TestRegistrySelectNoMatch(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(zaptest.NewLogger(t))

	diag := diagFor(schemas.CategoryUnknown, schemas.CauseUnknown, "something odd happened")
	assert.Nil(t, reg.Select(diag))
}

func TestImportFixPlanInstallsPackage(t *testing.T) {
	t.Parallel()
	s := &importFixStrategy{}

	cases := []struct {
		name        string
		message     string
		wantPkg     string
		wantManager string
	}{
		{
			name:        "python module",
			message:     "ModuleNotFoundError: No module named 'requests'",
			wantPkg:     "requests",
			wantManager: "pip",
		},
		{
			name:        "python submodule installs top level",
			message:     "ModuleNotFoundError: No module named 'google.protobuf'",
			wantPkg:     "google",
			wantManager: "pip",
		},
		{
			name:        "node module",
			message:     "Error: Cannot find module 'lodash'",
			wantPkg:     "lodash",
			wantManager: "npm",
		},
		{
			name:        "go module",
			message:     "main.go:4:2: no required module provides package github.com/google/uuid",
			wantPkg:     "github.com/google/uuid",
			wantManager: "go",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			diag := diagFor(schemas.CategoryImport, schemas.CauseMissingDependency, tc.message)
			plan, err := s.CreatePlan(diag)
			require.NoError(t, err)
			require.Len(t, plan.Actions, 1)

			action := plan.Actions[0]
			assert.Equal(t, schemas.ActionInstallPackage, action.Type)
			assert.Equal(t, tc.wantPkg, action.Target)
			assert.Equal(t, tc.wantManager, action.Params["manager"])
			assert.True(t, plan.RequiresValidation)
		})
	}
}

func TestImportFixPlanFallsBackToAddImport(t *testing.T) {
	t.Parallel()
	s := &importFixStrategy{}

	diag := diagFor(schemas.CategoryImport, schemas.CauseUndefinedName, "NameError: name 'json' is not defined")
	diag.AffectedFiles = []schemas.FileRef{{Path: "app/handlers.py", Line: 12}}

	plan, err := s.CreatePlan(diag)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, schemas.ActionAddImport, plan.Actions[0].Type)
	assert.Equal(t, "app/handlers.py", plan.Actions[0].Target)
	assert.Equal(t, "json", plan.Actions[0].Params["symbol"])
}

func TestImportFixPlanNeedsSomethingToActOn(t *testing.T) {
	t.Parallel()
	s := &importFixStrategy{}

	diag := diagFor(schemas.CategoryImport, schemas.CauseMissingImport, "import failed")
	_, err := s.CreatePlan(diag)
	assert.Error(t, err)
}

func TestAutoFormatPlan(t *testing.T) {
	t.Parallel()
	s := &autoFormatStrategy{}

	diag := diagFor(schemas.CategorySyntax, schemas.CauseIndentationError, "IndentationError: unexpected indent")
	diag.AffectedFiles = []schemas.FileRef{{Path: "scripts/run.py", Line: 3}}

	plan, err := s.CreatePlan(diag)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, schemas.ActionRunCommand, plan.Actions[0].Type)
	assert.Contains(t, plan.Actions[0].Params["command"], "black")
	assert.Contains(t, plan.Actions[0].Params["command"], "scripts/run.py")
}

func TestAutoFormatUnknownExtension(t *testing.T) {
	t.Parallel()
	s := &autoFormatStrategy{}

	diag := diagFor(schemas.CategorySyntax, schemas.CauseSyntaxError, "syntax error")
	diag.AffectedFiles = []schemas.FileRef{{Path: "config.toml"}}

	_, err := s.CreatePlan(diag)
	assert.Error(t, err)
}

func TestTestFailurePlanIsEmpty(t *testing.T) {
	t.Parallel()
	s := &testFailureStrategy{}

	diag := diagFor(schemas.CategoryTestFailure, schemas.CauseAssertionFailed, "FAILED tests/test_auth.py")
	plan, err := s.CreatePlan(diag)
	require.NoError(t, err)
	assert.Empty(t, plan.Actions)
	assert.True(t, plan.RequiresValidation)
}

func TestConfigEnvPlan(t *testing.T) {
	t.Parallel()
	s := &configEnvStrategy{}

	diag := diagFor(schemas.CategoryConfig, schemas.CauseMissingEnvVar, "KeyError: 'DATABASE_URL'")
	plan, err := s.CreatePlan(diag)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)

	action := plan.Actions[0]
	assert.Equal(t, schemas.ActionAppendFile, action.Type)
	assert.Equal(t, ".env.example", action.Target)
	assert.Equal(t, "DATABASE_URL=\n", action.Params["content"])
	assert.False(t, plan.RequiresSecurityNotification)
}

func TestConfigEnvExposedSecretFlagsNotification(t *testing.T) {
	t.Parallel()
	s := &configEnvStrategy{}

	diag := diagFor(schemas.CategorySecurity, schemas.CauseExposedSecret, "AWS key committed in settings.py")
	plan, err := s.CreatePlan(diag)
	require.NoError(t, err)
	assert.True(t, plan.RequiresSecurityNotification)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, ".env.example", plan.Actions[0].Target)
}

func TestPlanFromKnownFix(t *testing.T) {
	t.Parallel()

	fix := &schemas.KnownFix{
		ID:          "builtin-pip-missing-module",
		Pattern:     `ModuleNotFoundError: No module named '([\w.]+)'`,
		Category:    schemas.CategoryImport,
		RootCause:   schemas.CauseMissingDependency,
		FixType:     "install_package",
		Template:    map[string]string{"manager": "pip", "package_group": "1"},
		Description: "Install the missing Python package",
	}
	diag := diagFor(schemas.CategoryImport, schemas.CauseMissingDependency,
		"ModuleNotFoundError: No module named 'yaml'")

	plan, err := PlanFromKnownFix(fix, diag)
	require.NoError(t, err)
	assert.Equal(t, "known_fix:builtin-pip-missing-module", plan.StrategyName)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, schemas.ActionInstallPackage, plan.Actions[0].Type)
	assert.Equal(t, "yaml", plan.Actions[0].Target)
	assert.Equal(t, "pip", plan.Actions[0].Params["manager"])
	assert.InDelta(t, 0.7, plan.Confidence, 0.001)
}

func TestPlanFromKnownFixConfidenceTracksRecord(t *testing.T) {
	t.Parallel()

	fix := &schemas.KnownFix{
		ID:           "builtin-transient-timeout",
		Pattern:      `(?i)timed? ?out`,
		Category:     schemas.CategoryTimeout,
		RootCause:    schemas.CauseTimeout,
		FixType:      "retry",
		Template:     map[string]string{"backoff_seconds": "30"},
		SuccessCount: 8,
		FailureCount: 2,
	}
	diag := diagFor(schemas.CategoryTimeout, schemas.CauseTimeout, "request timed out")

	plan, err := PlanFromKnownFix(fix, diag)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, plan.Confidence, 0.001)
}

func TestPlanFromKnownFixUnresolvableGroup(t *testing.T) {
	t.Parallel()

	fix := &schemas.KnownFix{
		ID:       "custom-1",
		Pattern:  `No module named '([\w.]+)'`,
		FixType:  "install_package",
		Template: map[string]string{"manager": "pip", "package_group": "1"},
	}
	diag := diagFor(schemas.CategoryImport, schemas.CauseMissingDependency, "some unrelated message")

	_, err := PlanFromKnownFix(fix, diag)
	assert.Error(t, err)
}

func TestPlanFromKnownFixUnsupportedType(t *testing.T) {
	t.Parallel()

	fix := &schemas.KnownFix{ID: "custom-2", Pattern: `.*`, FixType: "reboot_universe"}
	diag := diagFor(schemas.CategoryUnknown, schemas.CauseUnknown, "boom")

	_, err := PlanFromKnownFix(fix, diag)
	assert.Error(t, err)
}
