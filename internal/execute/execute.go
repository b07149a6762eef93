// internal/execute/execute.go
package execute

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/syntrik/mend/api/schemas"
)

const (
	backupSuffix  = ".mend-backup"
	deletedSuffix = ".mend-deleted"
)

// protectedExact are repo-relative paths no plan may touch regardless of how
// the action is phrased.
var protectedExact = map[string]struct{}{
	"CLAUDE.md":                  {},
	".workflow/state.json":       {},
	".mend/circuit_breaker.json": {},
	".mend/known_fixes.json":     {},
}

// protectedPatterns cover whole families of sensitive targets.
var protectedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(^|/)\.env(\.|$)`),
	regexp.MustCompile(`(^|/)\.env$`),
	regexp.MustCompile(`(?i)credential`),
	regexp.MustCompile(`(?i)secret`),
	regexp.MustCompile(`(?i)(^|/)[^/]*key[^/]*\.(pem|json|txt)$`),
	regexp.MustCompile(`(^|/)id_rsa`),
	regexp.MustCompile(`(^|/)\.git/`),
}

// Executor applies fix plans against a project tree. All file paths in
// actions are resolved relative to the project root and must stay inside it.
type Executor struct {
	logger         *zap.Logger
	projectRoot    string
	commandTimeout time.Duration
}

// New builds an executor rooted at projectRoot. commandTimeout bounds each
// run_command / install_package action individually.
func New(logger *zap.Logger, projectRoot string, commandTimeout time.Duration) *Executor {
	if commandTimeout <= 0 {
		commandTimeout = 2 * time.Minute
	}
	return &Executor{
		logger:         logger.Named("execute"),
		projectRoot:    projectRoot,
		commandTimeout: commandTimeout,
	}
}

// envTemplates are committed placeholder files, not secret stores, and stay
// writable despite the .env prefix rule.
var envTemplates = map[string]struct{}{
	".env.example":  {},
	".env.sample":   {},
	".env.template": {},
}

// IsProtected reports whether a repo-relative path may never be mutated.
func IsProtected(rel string) bool {
	rel = filepath.ToSlash(rel)
	if _, ok := protectedExact[rel]; ok {
		return true
	}
	base := filepath.Base(rel)
	if _, ok := envTemplates[base]; ok {
		return false
	}
	if strings.HasPrefix(base, ".env") {
		return true
	}
	for _, re := range protectedPatterns {
		if re.MatchString(rel) {
			return true
		}
	}
	return false
}

// Apply runs the plan's actions in order, stopping at the first failure.
// Every file mutation is preceded by a backup; a partial failure leaves the
// result with RollbackAvailable set so the caller can restore.
func (e *Executor) Apply(ctx context.Context, plan *schemas.FixPlan) *schemas.FixResult {
	result := &schemas.FixResult{
		Plan:         plan,
		Status:       schemas.FixFailed,
		ActionsTotal: len(plan.Actions),
	}

	// Pre-scan: one protected target aborts the whole plan before any
	// mutation, not just the offending action. Command and install actions
	// are screened too; their target may name a protected file.
	for _, action := range plan.Actions {
		if action.Target != "" && IsProtected(action.Target) {
			result.Status = schemas.FixSkipped
			result.Error = fmt.Sprintf("plan touches protected resource %q", action.Target)
			e.logger.Warn("Plan rejected by protected-resource scan",
				zap.String("target", action.Target),
				zap.String("strategy", plan.StrategyName))
			return result
		}
	}

	if len(plan.Actions) == 0 {
		result.Status = schemas.FixSkipped
		result.Error = "plan contains no actions"
		return result
	}

	for i, action := range plan.Actions {
		if err := ctx.Err(); err != nil {
			result.Error = fmt.Sprintf("action %d aborted: %v", i+1, err)
			break
		}

		change, backup, err := e.applyAction(ctx, action)
		if backup != nil {
			result.RollbackData = append(result.RollbackData, *backup)
			result.RollbackAvailable = true
		}
		if err != nil {
			result.Error = fmt.Sprintf("action %d (%s) failed: %v", i+1, action.Type, err)
			e.logger.Warn("Fix action failed",
				zap.Int("action", i+1),
				zap.String("type", string(action.Type)),
				zap.Error(err))
			break
		}

		result.ActionsCompleted++
		if change != "" {
			result.ChangesMade = append(result.ChangesMade, change)
		}
	}

	switch {
	case result.ActionsCompleted == result.ActionsTotal:
		result.Status = schemas.FixSuccess
	case result.ActionsCompleted > 0:
		result.Status = schemas.FixPartial
	}

	e.logger.Info("Plan applied",
		zap.String("strategy", plan.StrategyName),
		zap.String("status", string(result.Status)),
		zap.Int("completed", result.ActionsCompleted),
		zap.Int("total", result.ActionsTotal))
	return result
}

// Rollback restores backups in reverse order of creation. It keeps going on
// individual restore failures and returns the first error encountered.
func (e *Executor) Rollback(result *schemas.FixResult) error {
	var firstErr error
	for i := len(result.RollbackData) - 1; i >= 0; i-- {
		b := result.RollbackData[i]
		if err := e.restore(b); err != nil {
			e.logger.Error("Rollback step failed",
				zap.String("path", b.Path),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr == nil {
		e.logger.Info("Rollback complete",
			zap.Int("files_restored", len(result.RollbackData)))
	}
	return firstErr
}

func (e *Executor) restore(b schemas.FileBackup) error {
	abs, err := e.resolve(b.Path)
	if err != nil {
		return err
	}
	if b.Deleted {
		// The file did not exist before the plan ran.
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return err
		}
		_ = os.Remove(abs + deletedSuffix)
		return nil
	}
	if b.BackupPath == "" {
		return fmt.Errorf("backup for %s has no backup path", b.Path)
	}
	data, err := os.ReadFile(b.BackupPath)
	if err != nil {
		return fmt.Errorf("read backup %s: %w", b.BackupPath, err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return fmt.Errorf("restore %s: %w", b.Path, err)
	}
	return os.Remove(b.BackupPath)
}

// applyAction dispatches one action. The returned backup, when non-nil, was
// taken before any mutation and is valid even when err is non-nil.
func (e *Executor) applyAction(ctx context.Context, action schemas.FixAction) (string, *schemas.FileBackup, error) {
	switch action.Type {
	case schemas.ActionRunCommand:
		return e.runCommand(ctx, action.Params["command"])
	case schemas.ActionInstallPackage:
		return e.installPackage(ctx, action.Params["manager"], action.Target)
	case schemas.ActionWriteFile:
		return e.writeFile(action.Target, action.Params["content"], false)
	case schemas.ActionAppendFile:
		return e.writeFile(action.Target, action.Params["content"], true)
	case schemas.ActionEditFile:
		return e.editFile(action.Target, action.Params["old"], action.Params["new"])
	case schemas.ActionAddImport:
		return e.addImport(action.Target, action.Params["symbol"])
	case schemas.ActionDeleteFile:
		return e.deleteFile(action.Target)
	case schemas.ActionRetry:
		// Retry is a signal to the orchestrator, not a mutation.
		return "retry requested", nil, nil
	default:
		return "", nil, fmt.Errorf("unsupported action type %q", action.Type)
	}
}

func (e *Executor) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("action has empty target")
	}
	abs := filepath.Join(e.projectRoot, rel)
	root := filepath.Clean(e.projectRoot) + string(filepath.Separator)
	if !strings.HasPrefix(abs+string(filepath.Separator), root) && abs != filepath.Clean(e.projectRoot) {
		return "", fmt.Errorf("target %q escapes project root", rel)
	}
	return abs, nil
}

// backupFile copies the current content of rel aside. For files that do not
// exist yet it records a deletion marker instead.
func (e *Executor) backupFile(rel string) (*schemas.FileBackup, error) {
	abs, err := e.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		marker := abs + deletedSuffix
		if werr := os.WriteFile(marker, nil, 0o644); werr != nil {
			return nil, fmt.Errorf("write deletion marker: %w", werr)
		}
		return &schemas.FileBackup{Path: rel, Deleted: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s for backup: %w", rel, err)
	}
	backupPath := abs + backupSuffix
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write backup %s: %w", backupPath, err)
	}
	return &schemas.FileBackup{Path: rel, BackupPath: backupPath}, nil
}

func (e *Executor) writeFile(rel, content string, appendMode bool) (string, *schemas.FileBackup, error) {
	backup, err := e.backupFile(rel)
	if err != nil {
		return "", nil, err
	}
	abs, _ := e.resolve(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", backup, err
	}

	if appendMode {
		f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return "", backup, err
		}
		_, werr := f.WriteString(content)
		cerr := f.Close()
		if werr != nil {
			return "", backup, werr
		}
		if cerr != nil {
			return "", backup, cerr
		}
		return fmt.Sprintf("appended %d bytes to %s", len(content), rel), backup, nil
	}

	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", backup, err
	}
	return fmt.Sprintf("wrote %s", rel), backup, nil
}

func (e *Executor) editFile(rel, oldText, newText string) (string, *schemas.FileBackup, error) {
	if oldText == "" {
		return "", nil, fmt.Errorf("edit action needs non-empty old text")
	}
	abs, err := e.resolve(rel)
	if err != nil {
		return "", nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", rel, err)
	}
	if !strings.Contains(string(data), oldText) {
		return "", nil, fmt.Errorf("old text not found in %s", rel)
	}
	backup, err := e.backupFile(rel)
	if err != nil {
		return "", nil, err
	}
	updated := strings.Replace(string(data), oldText, newText, 1)
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return "", backup, err
	}
	return fmt.Sprintf("edited %s", rel), backup, nil
}

// addImport inserts an import statement after the last existing import line,
// or at the top of the file when there are none. Only Python style imports
// are synthesized; other languages arrive as edit_file actions.
func (e *Executor) addImport(rel, symbol string) (string, *schemas.FileBackup, error) {
	if symbol == "" {
		return "", nil, fmt.Errorf("add_import action needs a symbol")
	}
	abs, err := e.resolve(rel)
	if err != nil {
		return "", nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", rel, err)
	}

	stmt := "import " + symbol
	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		if strings.TrimSpace(line) == stmt {
			return fmt.Sprintf("import %s already present in %s", symbol, rel), nil, nil
		}
	}

	backup, err := e.backupFile(rel)
	if err != nil {
		return "", nil, err
	}

	insertAt := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "import ") || strings.HasPrefix(trimmed, "from ") {
			insertAt = i + 1
		}
	}
	lines = append(lines[:insertAt], append([]string{stmt}, lines[insertAt:]...)...)
	if err := os.WriteFile(abs, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return "", backup, err
	}
	return fmt.Sprintf("added import %s to %s", symbol, rel), backup, nil
}

func (e *Executor) deleteFile(rel string) (string, *schemas.FileBackup, error) {
	abs, err := e.resolve(rel)
	if err != nil {
		return "", nil, err
	}
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return fmt.Sprintf("%s already absent", rel), nil, nil
	}
	backup, err := e.backupFile(rel)
	if err != nil {
		return "", nil, err
	}
	if err := os.Remove(abs); err != nil {
		return "", backup, err
	}
	return fmt.Sprintf("deleted %s", rel), backup, nil
}

// runCommand executes a whitespace-tokenized argument list. There is no
// shell: quoting, pipes and redirection are not supported on purpose.
func (e *Executor) runCommand(ctx context.Context, command string) (string, *schemas.FileBackup, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return "", nil, fmt.Errorf("run_command action has empty command")
	}
	return e.exec(ctx, argv)
}

func (e *Executor) installPackage(ctx context.Context, manager, pkg string) (string, *schemas.FileBackup, error) {
	if pkg == "" {
		return "", nil, fmt.Errorf("install_package action has empty package")
	}
	var argv []string
	switch manager {
	case "pip":
		argv = []string{"pip", "install", pkg}
	case "npm":
		argv = []string{"npm", "install", pkg}
	case "go":
		argv = []string{"go", "get", pkg}
	case "cargo":
		argv = []string{"cargo", "add", pkg}
	default:
		return "", nil, fmt.Errorf("unsupported package manager %q", manager)
	}
	return e.exec(ctx, argv)
}

func (e *Executor) exec(ctx context.Context, argv []string) (string, *schemas.FileBackup, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = e.projectRoot
	out, err := cmd.CombinedOutput()

	if runCtx.Err() == context.DeadlineExceeded {
		return "", nil, fmt.Errorf("command %q timed out after %s", argv[0], e.commandTimeout)
	}
	if err != nil {
		return "", nil, fmt.Errorf("command %q failed: %v: %s", argv[0], err, firstLine(out))
	}
	e.logger.Debug("Command succeeded", zap.Strings("argv", argv))
	return fmt.Sprintf("ran %s", strings.Join(argv, " ")), nil, nil
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
