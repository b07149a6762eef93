// internal/strategy/strategy.go
package strategy

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/syntrik/mend/api/schemas"
)

// Strategy turns a diagnosis into a concrete, bounded fix plan. The set is
// closed: new strategies are added by extending the ordered registry table,
// never by runtime registration.
type Strategy interface {
	// Name identifies the strategy in plans and triage suggestions.
	Name() string
	// Matches reports whether this strategy applies to the diagnosis.
	Matches(diag schemas.Diagnosis) bool
	// CreatePlan builds the ordered action list for the diagnosis.
	CreatePlan(diag schemas.Diagnosis) (*schemas.FixPlan, error)
}

// Registry holds the fixed, ordered strategy list. Selection is first-match;
// the order is part of the contract.
type Registry struct {
	logger     *zap.Logger
	strategies []Strategy
}

// NewRegistry builds the registry with the standard strategy order.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("strategy"),
		strategies: []Strategy{
			&retryStrategy{},
			&importFixStrategy{},
			&autoFormatStrategy{},
			&testFailureStrategy{},
			&configEnvStrategy{},
			&dependencyReinstallStrategy{},
		},
	}
}

// Select returns the first strategy whose predicate matches, or nil.
func (r *Registry) Select(diag schemas.Diagnosis) Strategy {
	for _, s := range r.strategies {
		if s.Matches(diag) {
			r.logger.Debug("Strategy selected",
				zap.String("strategy", s.Name()),
				zap.String("root_cause", string(diag.RootCause)))
			return s
		}
	}
	r.logger.Debug("No strategy matched",
		zap.String("root_cause", string(diag.RootCause)),
		zap.String("category", string(diag.Category)))
	return nil
}

// Names lists the registered strategy names in dispatch order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		names[i] = s.Name()
	}
	return names
}

// -- retry --

type retryStrategy struct{}

func (s *retryStrategy) Name() string { return "retry" }

func (s *retryStrategy) Matches(diag schemas.Diagnosis) bool {
	if diag.RootCause == schemas.CauseTimeout {
		return true
	}
	switch diag.Category {
	case schemas.CategoryTimeout, schemas.CategoryRateLimit, schemas.CategoryAgentCrash:
		return true
	}
	return false
}

func (s *retryStrategy) CreatePlan(diag schemas.Diagnosis) (*schemas.FixPlan, error) {
	backoff := "30"
	if diag.Category == schemas.CategoryRateLimit {
		backoff = "60"
	}
	return &schemas.FixPlan{
		Diagnosis:    diag,
		StrategyName: s.Name(),
		Actions: []schemas.FixAction{
			{
				Type:        schemas.ActionRetry,
				Params:      map[string]string{"backoff_seconds": backoff},
				Description: "Retry the failed step after a backoff",
			},
		},
		EstimatedImpact:    "none (no files modified)",
		RequiresValidation: false,
		Confidence:         0.8,
	}, nil
}

// -- import fix --

var (
	pyModuleRegex   = regexp.MustCompile(`No module named '([\w.\-]+)'|ImportError: cannot import name '[\w.\-]+' from '([\w.\-]+)'`)
	nodeModuleRegex = regexp.MustCompile(`Cannot find module '([^']+)'`)
	goModuleRegex   = regexp.MustCompile(`no required module provides package ([\w./\-]+)`)
)

type importFixStrategy struct{}

func (s *importFixStrategy) Name() string { return "import_fix" }

func (s *importFixStrategy) Matches(diag schemas.Diagnosis) bool {
	switch diag.RootCause {
	case schemas.CauseMissingImport, schemas.CauseMissingDependency, schemas.CauseUndefinedName:
		return true
	}
	return diag.Category == schemas.CategoryImport
}

func (s *importFixStrategy) CreatePlan(diag schemas.Diagnosis) (*schemas.FixPlan, error) {
	text := diag.Error.Message + "\n" + diag.Error.StackTrace

	manager, pkg := detectPackage(text)
	if pkg == "" {
		// No package name to install; the best bounded action is adding the
		// import to the first affected file, which needs a target.
		if len(diag.AffectedFiles) == 0 {
			return nil, fmt.Errorf("import fix needs a package name or an affected file")
		}
		return &schemas.FixPlan{
			Diagnosis:    diag,
			StrategyName: s.Name(),
			Actions: []schemas.FixAction{
				{
					Type:        schemas.ActionAddImport,
					Target:      diag.AffectedFiles[0].Path,
					Params:      map[string]string{"symbol": firstUndefinedName(text)},
					Description: fmt.Sprintf("Add missing import to %s", diag.AffectedFiles[0].Path),
					Rollback:    "restore file from backup",
				},
			},
			EstimatedImpact:    "1 file modified",
			RequiresValidation: true,
			Confidence:         0.5,
		}, nil
	}

	return &schemas.FixPlan{
		Diagnosis:    diag,
		StrategyName: s.Name(),
		Actions: []schemas.FixAction{
			{
				Type:        schemas.ActionInstallPackage,
				Target:      pkg,
				Params:      map[string]string{"manager": manager},
				Description: fmt.Sprintf("Install %s via %s", pkg, manager),
				Rollback:    fmt.Sprintf("uninstall %s", pkg),
			},
		},
		EstimatedImpact:    "dependency environment modified",
		RequiresValidation: true,
		Confidence:         0.85,
	}, nil
}

// detectPackage identifies the package manager and package name from the
// error text. Order matters: the Python message is the most specific.
func detectPackage(text string) (manager, pkg string) {
	if m := pyModuleRegex.FindStringSubmatch(text); m != nil {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		// Submodule imports install the top-level distribution.
		return "pip", strings.SplitN(name, ".", 2)[0]
	}
	if m := nodeModuleRegex.FindStringSubmatch(text); m != nil {
		return "npm", m[1]
	}
	if m := goModuleRegex.FindStringSubmatch(text); m != nil {
		return "go", m[1]
	}
	return "", ""
}

var undefinedNameRegex = regexp.MustCompile(`name '([\w.]+)' is not defined|undefined: ([\w.]+)`)

func firstUndefinedName(text string) string {
	if m := undefinedNameRegex.FindStringSubmatch(text); m != nil {
		if m[1] != "" {
			return m[1]
		}
		return m[2]
	}
	return ""
}

// -- auto format --

type autoFormatStrategy struct{}

func (s *autoFormatStrategy) Name() string { return "auto_format" }

func (s *autoFormatStrategy) Matches(diag schemas.Diagnosis) bool {
	switch diag.RootCause {
	case schemas.CauseSyntaxError, schemas.CauseIndentationError:
		return len(diag.AffectedFiles) > 0
	}
	return false
}

// formatters maps file extensions to the formatter invocation.
var formatters = map[string][]string{
	".py": {"black", "--quiet"},
	".go": {"gofmt", "-w"},
	".js": {"prettier", "--write"},
	".ts": {"prettier", "--write"},
}

func (s *autoFormatStrategy) CreatePlan(diag schemas.Diagnosis) (*schemas.FixPlan, error) {
	target := diag.AffectedFiles[0].Path
	dot := strings.LastIndex(target, ".")
	if dot < 0 {
		return nil, fmt.Errorf("no formatter known for %q", target)
	}
	ext := strings.ToLower(target[dot:])
	formatter, ok := formatters[ext]
	if !ok {
		return nil, fmt.Errorf("no formatter known for %q files", ext)
	}

	return &schemas.FixPlan{
		Diagnosis:    diag,
		StrategyName: s.Name(),
		Actions: []schemas.FixAction{
			{
				Type:        schemas.ActionRunCommand,
				Target:      target,
				Params:      map[string]string{"command": strings.Join(append(append([]string{}, formatter...), target), " ")},
				Description: fmt.Sprintf("Run %s on %s", formatter[0], target),
				Rollback:    "restore file from backup",
			},
		},
		EstimatedImpact:    "1 file reformatted",
		RequiresValidation: true,
		Confidence:         0.6,
	}, nil
}

// -- test failure --

type testFailureStrategy struct{}

func (s *testFailureStrategy) Name() string { return "test_failure" }

func (s *testFailureStrategy) Matches(diag schemas.Diagnosis) bool {
	return diag.Category == schemas.CategoryTestFailure ||
		diag.RootCause == schemas.CauseAssertionFailed ||
		diag.RootCause == schemas.CauseFixtureMissing
}

// CreatePlan intentionally emits no actions: whether the test or the
// implementation is wrong is a judgment call for the caller, not a mechanical
// edit. The plan still flows through validation so the attempt is audited.
func (s *testFailureStrategy) CreatePlan(diag schemas.Diagnosis) (*schemas.FixPlan, error) {
	return &schemas.FixPlan{
		Diagnosis:          diag,
		StrategyName:       s.Name(),
		Actions:            nil,
		EstimatedImpact:    "none (deferred to caller)",
		RequiresValidation: true,
		Confidence:         0.3,
	}, nil
}

// -- config / env --

type configEnvStrategy struct{}

func (s *configEnvStrategy) Name() string { return "config_env" }

func (s *configEnvStrategy) Matches(diag schemas.Diagnosis) bool {
	switch diag.RootCause {
	case schemas.CauseMissingEnvVar, schemas.CauseExposedSecret:
		return true
	}
	return false
}

var envVarRegex = regexp.MustCompile(`KeyError: '([A-Z][A-Z0-9_]+)'|environment variable ([A-Z][A-Z0-9_]+)`)

func (s *configEnvStrategy) CreatePlan(diag schemas.Diagnosis) (*schemas.FixPlan, error) {
	text := diag.Error.Message + "\n" + diag.Error.StackTrace

	if diag.RootCause == schemas.CauseExposedSecret {
		// Never touch the real secret: add a template placeholder and flag
		// the attempt for security notification. Rotation is human work.
		return &schemas.FixPlan{
			Diagnosis:    diag,
			StrategyName: s.Name(),
			Actions: []schemas.FixAction{
				{
					Type:        schemas.ActionAppendFile,
					Target:      ".env.example",
					Params:      map[string]string{"content": "# SECURITY: rotate the exposed credential and move it here\n"},
					Description: "Record rotation reminder in the env template",
					Rollback:    "restore file from backup",
				},
			},
			EstimatedImpact:              "1 template file modified",
			RequiresValidation:           true,
			RequiresSecurityNotification: true,
			Confidence:                   0.4,
		}, nil
	}

	name := ""
	if m := envVarRegex.FindStringSubmatch(text); m != nil {
		if m[1] != "" {
			name = m[1]
		} else {
			name = m[2]
		}
	}
	if name == "" {
		return nil, fmt.Errorf("config fix needs an identifiable variable name")
	}

	return &schemas.FixPlan{
		Diagnosis:    diag,
		StrategyName: s.Name(),
		Actions: []schemas.FixAction{
			{
				Type:        schemas.ActionAppendFile,
				Target:      ".env.example",
				Params:      map[string]string{"content": fmt.Sprintf("%s=\n", name)},
				Description: fmt.Sprintf("Add %s placeholder to the env template", name),
				Rollback:    "restore file from backup",
			},
		},
		EstimatedImpact:    "1 template file modified",
		RequiresValidation: true,
		Confidence:         0.55,
	}, nil
}

// -- dependency reinstall --

type dependencyReinstallStrategy struct{}

func (s *dependencyReinstallStrategy) Name() string { return "dependency_reinstall" }

func (s *dependencyReinstallStrategy) Matches(diag schemas.Diagnosis) bool {
	switch diag.RootCause {
	case schemas.CauseVersionConflict, schemas.CauseCompilationFailed:
		return true
	}
	return diag.Category == schemas.CategoryBuild
}

func (s *dependencyReinstallStrategy) CreatePlan(diag schemas.Diagnosis) (*schemas.FixPlan, error) {
	return &schemas.FixPlan{
		Diagnosis:    diag,
		StrategyName: s.Name(),
		Actions: []schemas.FixAction{
			{
				Type:        schemas.ActionRunCommand,
				Params:      map[string]string{"command": "pip install -r requirements.txt --force-reinstall"},
				Description: "Reinstall declared dependencies",
			},
		},
		EstimatedImpact:    "dependency environment modified",
		RequiresValidation: true,
		Confidence:         0.5,
	}, nil
}

// -- known-fix plans --

// PlanFromKnownFix materializes a plan from a learned fix. Template values
// ending in "_group" reference capture groups of the fix pattern applied to
// the error text.
func PlanFromKnownFix(fix *schemas.KnownFix, diag schemas.Diagnosis) (*schemas.FixPlan, error) {
	re, err := regexp.Compile(fix.Pattern)
	if err != nil {
		return nil, fmt.Errorf("known fix %q has invalid pattern: %w", fix.ID, err)
	}
	text := diag.Error.Message + "\n" + diag.Error.StackTrace
	groups := re.FindStringSubmatch(text)

	resolve := func(groupKey string) string {
		idxStr, ok := fix.Template[groupKey]
		if !ok || groups == nil {
			return ""
		}
		var idx int
		if _, err := fmt.Sscanf(idxStr, "%d", &idx); err != nil || idx <= 0 || idx >= len(groups) {
			return ""
		}
		return groups[idx]
	}

	var action schemas.FixAction
	switch fix.FixType {
	case "install_package":
		pkg := resolve("package_group")
		if pkg == "" {
			return nil, fmt.Errorf("known fix %q could not resolve package name", fix.ID)
		}
		action = schemas.FixAction{
			Type:        schemas.ActionInstallPackage,
			Target:      strings.SplitN(pkg, ".", 2)[0],
			Params:      map[string]string{"manager": fix.Template["manager"]},
			Description: fix.Description,
		}
	case "retry":
		action = schemas.FixAction{
			Type:        schemas.ActionRetry,
			Params:      map[string]string{"backoff_seconds": fix.Template["backoff_seconds"]},
			Description: fix.Description,
		}
	case "auto_format":
		if len(diag.AffectedFiles) == 0 {
			return nil, fmt.Errorf("known fix %q needs an affected file", fix.ID)
		}
		target := diag.AffectedFiles[0].Path
		action = schemas.FixAction{
			Type:        schemas.ActionRunCommand,
			Target:      target,
			Params:      map[string]string{"command": fix.Template["formatter"] + " " + target},
			Description: fix.Description,
			Rollback:    "restore file from backup",
		}
	case "config_env":
		name := resolve("var_group")
		if name == "" {
			return nil, fmt.Errorf("known fix %q could not resolve variable name", fix.ID)
		}
		action = schemas.FixAction{
			Type:        schemas.ActionAppendFile,
			Target:      ".env.example",
			Params:      map[string]string{"content": name + "=\n"},
			Description: fix.Description,
			Rollback:    "restore file from backup",
		}
	default:
		return nil, fmt.Errorf("known fix %q has unsupported fix type %q", fix.ID, fix.FixType)
	}

	confidence := 0.7
	if fix.Applications() >= 3 {
		confidence = 0.5 + 0.5*fix.SuccessRate()
	}

	return &schemas.FixPlan{
		Diagnosis:          diag,
		StrategyName:       "known_fix:" + fix.ID,
		Actions:            []schemas.FixAction{action},
		EstimatedImpact:    "single recorded remedy",
		RequiresValidation: true,
		Confidence:         confidence,
	}, nil
}
