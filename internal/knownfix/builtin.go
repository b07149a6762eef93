// internal/knownfix/builtin.go
package knownfix

import (
	"github.com/syntrik/mend/api/schemas"
)

// builtinFixes returns fresh copies of the seed fixes. Each call allocates so
// that one DB's learned counters never leak into another instance.
func builtinFixes() []*schemas.KnownFix {
	return []*schemas.KnownFix{
		{
			ID:          "builtin-pip-missing-module",
			Pattern:     `ModuleNotFoundError: No module named '([\w.\-]+)'`,
			Category:    schemas.CategoryImport,
			RootCause:   schemas.CauseMissingImport,
			FixType:     "install_package",
			Template:    map[string]string{"manager": "pip", "package_group": "1"},
			Description: "Install the missing Python package with pip",
			BuiltIn:     true,
		},
		{
			ID:          "builtin-npm-missing-module",
			Pattern:     `Cannot find module '([^']+)'`,
			Category:    schemas.CategoryImport,
			RootCause:   schemas.CauseMissingImport,
			FixType:     "install_package",
			Template:    map[string]string{"manager": "npm", "package_group": "1"},
			Description: "Install the missing Node package with npm",
			BuiltIn:     true,
		},
		{
			ID:          "builtin-go-missing-module",
			Pattern:     `no required module provides package ([\w./\-]+)`,
			Category:    schemas.CategoryImport,
			RootCause:   schemas.CauseMissingDependency,
			FixType:     "install_package",
			Template:    map[string]string{"manager": "go", "package_group": "1"},
			Description: "Fetch the missing Go module with go get",
			BuiltIn:     true,
		},
		{
			ID:          "builtin-python-indentation",
			Pattern:     `IndentationError|inconsistent use of tabs`,
			Category:    schemas.CategorySyntax,
			RootCause:   schemas.CauseIndentationError,
			FixType:     "auto_format",
			Template:    map[string]string{"formatter": "black"},
			Description: "Re-format the affected file to normalize indentation",
			BuiltIn:     true,
		},
		{
			ID:          "builtin-missing-env-var",
			Pattern:     `KeyError: '([A-Z][A-Z0-9_]+)'`,
			Category:    schemas.CategoryConfig,
			RootCause:   schemas.CauseMissingEnvVar,
			FixType:     "config_env",
			Template:    map[string]string{"var_group": "1"},
			Description: "Add a placeholder for the missing environment variable to the env template",
			BuiltIn:     true,
		},
		{
			ID:          "builtin-transient-timeout",
			Pattern:     `(?i)timed? ?out|deadline exceeded|429|too many requests`,
			Category:    schemas.CategoryTimeout,
			RootCause:   schemas.CauseTimeout,
			FixType:     "retry",
			Template:    map[string]string{"backoff_seconds": "30"},
			Description: "Retry the failed step after a backoff",
			BuiltIn:     true,
		},
	}
}
