// internal/diagnose/patterns.go
package diagnose

import (
	"regexp"

	"github.com/syntrik/mend/api/schemas"
)

// causePattern is one row of the ordered root-cause table. First match wins;
// specificity (pattern length) drives confidence, capped at high.
type causePattern struct {
	re    *regexp.Regexp
	cause schemas.RootCause
}

var causePatterns = []causePattern{
	{regexp.MustCompile(`(?i)ModuleNotFoundError: No module named '([\w.\-]+)'`), schemas.CauseMissingImport},
	{regexp.MustCompile(`(?i)ImportError: cannot import name '([\w.\-]+)'`), schemas.CauseMissingImport},
	{regexp.MustCompile(`(?i)cannot find module '([^']+)'`), schemas.CauseMissingImport},
	{regexp.MustCompile(`(?i)no required module provides package ([\w./\-]+)`), schemas.CauseMissingDependency},
	{regexp.MustCompile(`(?i)most likely due to a circular import`), schemas.CauseCircularImport},
	{regexp.MustCompile(`(?i)(package|dependency) [\w.\-]+ (is )?not installed`), schemas.CauseMissingDependency},
	{regexp.MustCompile(`(?i)version (conflict|mismatch)|incompatible versions|requires .+ but .+ is installed`), schemas.CauseVersionConflict},
	{regexp.MustCompile(`(?i)IndentationError|inconsistent use of tabs and spaces`), schemas.CauseIndentationError},
	{regexp.MustCompile(`(?i)SyntaxError|invalid syntax|unexpected (token|EOF)`), schemas.CauseSyntaxError},
	{regexp.MustCompile(`(?i)TypeError: .+|mismatched types|cannot use .+ \(.*type .+\) as`), schemas.CauseTypeMismatch},
	{regexp.MustCompile(`(?i)NameError: name '([\w.]+)' is not defined|undefined: [\w.]+`), schemas.CauseUndefinedName},
	{regexp.MustCompile(`(?i)AttributeError: .+ has no attribute '([\w.]+)'`), schemas.CauseAPIMisuse},
	{regexp.MustCompile(`(?i)DeprecationWarning|is deprecated (and|since)`), schemas.CauseDeprecatedFeature},
	{regexp.MustCompile(`(?i)AssertionError|--- FAIL:|assertion failed|expected .+ (but )?got`), schemas.CauseAssertionFailed},
	{regexp.MustCompile(`(?i)fixture '([\w.]+)' not found`), schemas.CauseFixtureMissing},
	{regexp.MustCompile(`(?i)KeyError: '([A-Z][A-Z0-9_]+)'|environment variable ([A-Z][A-Z0-9_]+) (is )?(not set|missing|unset)`), schemas.CauseMissingEnvVar},
	{regexp.MustCompile(`(?i)(invalid|malformed|bad) (config|configuration|yaml|toml|ini)`), schemas.CauseBadConfiguration},
	{regexp.MustCompile(`(?i)(compilation|build) (failed|error)|cannot compile`), schemas.CauseCompilationFailed},
	{regexp.MustCompile(`(?i)nil pointer dereference|NoneType.*has no|null pointer|invalid memory address`), schemas.CauseNilReference},
	{regexp.MustCompile(`(?i)index out of range|list index out of range|IndexError`), schemas.CauseIndexOutOfRange},
	{regexp.MustCompile(`(?i)timed? ?out|deadline exceeded`), schemas.CauseTimeout},
	{regexp.MustCompile(`(?i)(secret|credential|api[_-]?key).{0,40}(exposed|leaked|committed)`), schemas.CauseExposedSecret},
	{regexp.MustCompile(`(?i)vulnerable dependency|CVE-\d{4}-\d+`), schemas.CauseVulnerableDep},
}

// categoryCauseDefaults maps a symptom category to its most common root
// cause, used at low confidence when no pattern matched.
var categoryCauseDefaults = map[schemas.ErrorCategory]schemas.RootCause{
	schemas.CategorySyntax:      schemas.CauseSyntaxError,
	schemas.CategoryImport:      schemas.CauseMissingImport,
	schemas.CategoryType:        schemas.CauseTypeMismatch,
	schemas.CategoryTestFailure: schemas.CauseAssertionFailed,
	schemas.CategoryBuild:       schemas.CauseCompilationFailed,
	schemas.CategoryConfig:      schemas.CauseBadConfiguration,
	schemas.CategoryTimeout:     schemas.CauseTimeout,
	schemas.CategorySecurity:    schemas.CauseExposedSecret,
}

// explanations are the static human-readable summaries per root cause.
var explanations = map[schemas.RootCause]string{
	schemas.CauseMissingImport:     "A required module is imported but not available in the environment.",
	schemas.CauseCircularImport:    "Two or more modules import each other, creating a cycle the loader cannot resolve.",
	schemas.CauseMissingDependency: "A declared dependency is not installed or not resolvable.",
	schemas.CauseVersionConflict:   "Installed dependency versions are mutually incompatible.",
	schemas.CauseSyntaxError:       "The source contains a construct the parser cannot accept.",
	schemas.CauseIndentationError:  "Inconsistent indentation breaks the block structure of the file.",
	schemas.CauseTypeMismatch:      "A value of one type is used where another type is required.",
	schemas.CauseUndefinedName:     "An identifier is referenced before it is defined or imported.",
	schemas.CauseAssertionFailed:   "A test assertion did not hold for the current behavior.",
	schemas.CauseFixtureMissing:    "A test requests a fixture that is not defined in scope.",
	schemas.CauseMissingEnvVar:     "A required environment variable is not set.",
	schemas.CauseBadConfiguration:  "A configuration file is malformed or holds an invalid value.",
	schemas.CauseCompilationFailed: "The compiler rejected the current source tree.",
	schemas.CauseNilReference:      "A nil/None value was dereferenced.",
	schemas.CauseIndexOutOfRange:   "A collection was indexed beyond its bounds.",
	schemas.CauseTimeout:           "The operation exceeded its time budget.",
	schemas.CauseExposedSecret:     "A credential or secret appears in tracked files or output.",
	schemas.CauseVulnerableDep:     "A dependency has a known security vulnerability.",
	schemas.CauseAPIMisuse:         "The code calls an API in a way its current version does not support.",
	schemas.CauseMissingDocs:       "The failing usage cannot be resolved without consulting documentation.",
	schemas.CauseDeprecatedFeature: "The code relies on a feature that has been deprecated or removed.",
	schemas.CauseUnknown:           "The root cause could not be determined from the available evidence.",
}

// suggestedFixes are the static remediation hints per root cause.
var suggestedFixes = map[schemas.RootCause][]string{
	schemas.CauseMissingImport:     {"Install the missing package", "Add the missing import statement"},
	schemas.CauseCircularImport:    {"Move the shared definition into a third module", "Defer the import to call time"},
	schemas.CauseMissingDependency: {"Install the dependency", "Add it to the project manifest"},
	schemas.CauseVersionConflict:   {"Pin compatible versions", "Reinstall dependencies from the lock file"},
	schemas.CauseSyntaxError:       {"Run the auto-formatter", "Fix the reported construct"},
	schemas.CauseIndentationError:  {"Re-indent the affected block", "Run the auto-formatter"},
	schemas.CauseTypeMismatch:      {"Convert the value to the expected type", "Correct the declaration"},
	schemas.CauseUndefinedName:     {"Define or import the missing identifier", "Check for a typo in the name"},
	schemas.CauseAssertionFailed:   {"Review whether the test or the implementation is wrong"},
	schemas.CauseFixtureMissing:    {"Define the fixture or import its module"},
	schemas.CauseMissingEnvVar:     {"Set the variable in the environment file"},
	schemas.CauseBadConfiguration:  {"Validate and correct the configuration file"},
	schemas.CauseCompilationFailed: {"Reinstall dependencies", "Inspect the first compiler error"},
	schemas.CauseNilReference:      {"Guard the dereference with a nil check"},
	schemas.CauseIndexOutOfRange:   {"Bound the index before access"},
	schemas.CauseTimeout:           {"Retry the operation", "Raise the timeout if the operation is legitimate"},
	schemas.CauseExposedSecret:     {"Rotate the credential", "Move the secret to the environment file"},
	schemas.CauseVulnerableDep:     {"Upgrade the dependency to a patched version"},
	schemas.CauseAPIMisuse:         {"Consult the current API documentation for the call site"},
	schemas.CauseMissingDocs:       {"Research the correct usage before changing code"},
	schemas.CauseDeprecatedFeature: {"Migrate to the replacement API"},
}

// locationPattern extracts file references from error text, one regex per
// toolchain convention. Submatch order: path, line, optional column.
type locationPattern struct {
	re *regexp.Regexp
}

var locationPatterns = []locationPattern{
	// Python: File "app/main.py", line 12
	{regexp.MustCompile(`File "([^"]+\.py)", line (\d+)`)},
	// Go: internal/server/server.go:42:13
	{regexp.MustCompile(`([\w./\-]+\.go):(\d+)(?::(\d+))?`)},
	// Node: at handler (/srv/app/index.js:10:5)
	{regexp.MustCompile(`\(?([\w./\-]+\.(?:js|ts|jsx|tsx)):(\d+):(\d+)\)?`)},
	// Rust: --> src/main.rs:7:9
	{regexp.MustCompile(`-->\s+([\w./\-]+\.rs):(\d+):(\d+)`)},
	// Generic path:line:col
	{regexp.MustCompile(`([\w./\-]+\.[a-z]{1,4}):(\d+)(?::(\d+))?`)},
}

// vendorPathRegex filters out library and toolchain paths; fixes target
// application code only.
var vendorPathRegex = regexp.MustCompile(`(?i)(site-packages|node_modules|/usr/lib|/usr/local/go/|go/pkg/mod|vendor/|dist-packages|\.cargo/registry)`)

// validCauses whitelists values accepted from semantic diagnosis.
var validCauses = func() map[schemas.RootCause]bool {
	all := []schemas.RootCause{
		schemas.CauseMissingImport, schemas.CauseCircularImport,
		schemas.CauseMissingDependency, schemas.CauseVersionConflict,
		schemas.CauseSyntaxError, schemas.CauseIndentationError,
		schemas.CauseTypeMismatch, schemas.CauseUndefinedName,
		schemas.CauseAssertionFailed, schemas.CauseFixtureMissing,
		schemas.CauseMissingEnvVar, schemas.CauseBadConfiguration,
		schemas.CauseCompilationFailed, schemas.CauseNilReference,
		schemas.CauseIndexOutOfRange, schemas.CauseTimeout,
		schemas.CauseExposedSecret, schemas.CauseVulnerableDep,
		schemas.CauseAPIMisuse, schemas.CauseMissingDocs,
		schemas.CauseDeprecatedFeature, schemas.CauseUnknown,
	}
	m := make(map[schemas.RootCause]bool, len(all))
	for _, c := range all {
		m[c] = true
	}
	return m
}()
