// internal/diagnose/engine.go
package diagnose

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/syntrik/mend/api/schemas"
)

const (
	maxAffectedFiles = 5
	snippetRadius    = 2
)

// Engine performs two-tier root-cause diagnosis: a fast regex tier over the
// error text, and a slow semantic tier that consults the external agent when
// the fast tier is not confident. The semantic tier never fails hard; any
// problem there silently falls back to the fast-tier result.
type Engine struct {
	logger      *zap.Logger
	agent       schemas.AgentClient // nil disables the semantic tier
	timeout     time.Duration
	projectRoot string
}

// New creates a diagnosis engine. agent may be nil, in which case only the
// pattern tier runs.
func New(agent schemas.AgentClient, timeout time.Duration, projectRoot string, logger *zap.Logger) *Engine {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Engine{
		logger:      logger.Named("diagnose"),
		agent:       agent,
		timeout:     timeout,
		projectRoot: projectRoot,
	}
}

// Diagnose determines the root cause of a triaged error.
func (e *Engine) Diagnose(ctx context.Context, err schemas.ReportedError, category schemas.ErrorCategory) schemas.Diagnosis {
	diag := e.patternDiagnosis(err, category)

	if e.agent != nil && e.needsSemanticTier(diag) {
		if refined, ok := e.semanticDiagnosis(ctx, diag); ok {
			diag = refined
		}
	}

	e.logger.Info("Diagnosis complete",
		zap.String("error_id", err.ID),
		zap.String("root_cause", string(diag.RootCause)),
		zap.String("confidence", string(diag.Confidence)),
		zap.Int("affected_files", len(diag.AffectedFiles)))
	return diag
}

func (e *Engine) needsSemanticTier(d schemas.Diagnosis) bool {
	return d.Confidence == schemas.ConfidenceLow ||
		d.RootCause == schemas.CauseUnknown ||
		d.RootCause.NeedsResearch()
}

// -- Tier 1: pattern matching --

func (e *Engine) patternDiagnosis(err schemas.ReportedError, category schemas.ErrorCategory) schemas.Diagnosis {
	text := err.Message + "\n" + err.StackTrace

	cause := schemas.CauseUnknown
	confidence := schemas.ConfidenceLow
	for _, p := range causePatterns {
		if p.re.MatchString(text) {
			cause = p.cause
			// Longer patterns are more specific and earn more trust.
			if len(p.re.String()) >= 30 {
				confidence = schemas.ConfidenceHigh
			} else {
				confidence = schemas.ConfidenceMedium
			}
			break
		}
	}

	if cause == schemas.CauseUnknown {
		if fallback, ok := categoryCauseDefaults[category]; ok {
			cause = fallback
			confidence = schemas.ConfidenceLow
		}
	}

	files := e.extractAffectedFiles(text)

	return schemas.Diagnosis{
		Error:          err,
		RootCause:      cause,
		Confidence:     confidence,
		Category:       category,
		AffectedFiles:  files,
		Explanation:    e.explain(cause, files),
		SuggestedFixes: suggestedFixes[cause],
	}
}

// extractAffectedFiles scans the error text with the per-toolchain location
// regexes, filtering out vendor/library paths and deduplicating by path:line.
func (e *Engine) extractAffectedFiles(text string) []schemas.FileRef {
	seen := make(map[string]bool)
	var refs []schemas.FileRef

	for _, lp := range locationPatterns {
		for _, m := range lp.re.FindAllStringSubmatch(text, -1) {
			path := m[1]
			if vendorPathRegex.MatchString(path) {
				continue
			}
			line, _ := strconv.Atoi(m[2])
			col := 0
			if len(m) > 3 && m[3] != "" {
				col, _ = strconv.Atoi(m[3])
			}

			key := fmt.Sprintf("%s:%d", path, line)
			if seen[key] {
				continue
			}
			seen[key] = true

			refs = append(refs, schemas.FileRef{
				Path:    path,
				Line:    line,
				Column:  col,
				Snippet: e.readSnippet(path, line),
			})
			if len(refs) >= maxAffectedFiles {
				return refs
			}
		}
	}
	return refs
}

// readSnippet returns a few lines around the given line when the file is
// locally readable; a missing or unreadable file yields an empty snippet.
func (e *Engine) readSnippet(path string, line int) string {
	if line <= 0 {
		return ""
	}
	candidate := path
	if !strings.HasPrefix(path, "/") && e.projectRoot != "" {
		candidate = e.projectRoot + "/" + path
	}
	f, err := os.Open(candidate)
	if err != nil {
		return ""
	}
	defer f.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	n := 0
	for scanner.Scan() {
		n++
		if n < line-snippetRadius {
			continue
		}
		if n > line+snippetRadius {
			break
		}
		fmt.Fprintf(&b, "%d: %s\n", n, scanner.Text())
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (e *Engine) explain(cause schemas.RootCause, files []schemas.FileRef) string {
	explanation := explanations[cause]
	if explanation == "" {
		explanation = explanations[schemas.CauseUnknown]
	}
	if len(files) > 0 {
		explanation = fmt.Sprintf("%s (at %s:%d)", explanation, files[0].Path, files[0].Line)
	}
	return explanation
}

// -- Tier 2: semantic diagnosis via the external agent --

// semanticResult is the strict structured-output contract for the agent.
type semanticResult struct {
	RootCause      string   `json:"root_cause"`
	Confidence     string   `json:"confidence"`
	Explanation    string   `json:"explanation"`
	SuggestedFixes []string `json:"suggested_fixes"`
	AffectedFiles  []struct {
		Path string `json:"path"`
		Line int    `json:"line"`
	} `json:"affected_files"`
}

// semanticDiagnosis asks the agent to refine the pattern-tier result. It
// returns ok=false on any timeout, transport, or parse failure so that a
// semantic-tier failure is indistinguishable from "tier skipped".
func (e *Engine) semanticDiagnosis(parent context.Context, base schemas.Diagnosis) (schemas.Diagnosis, bool) {
	ctx, cancel := context.WithTimeout(parent, e.timeout)
	defer cancel()

	resp, err := e.agent.Ask(ctx, schemas.AgentRequest{
		SystemPrompt: semanticSystemPrompt,
		Prompt:       e.buildSemanticPrompt(base),
		Tier:         schemas.TierPowerful,
		Options:      schemas.AgentOptions{ForceJSONFormat: true, Temperature: 0.1},
	})
	if err != nil || !resp.Success {
		e.logger.Warn("Semantic diagnosis unavailable, keeping pattern result", zap.Error(err))
		return base, false
	}

	var result semanticResult
	raw := resp.ParsedJSON
	if raw == nil {
		e.logger.Warn("Semantic diagnosis returned no parseable JSON, keeping pattern result")
		return base, false
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		e.logger.Warn("Semantic diagnosis JSON did not match contract, keeping pattern result", zap.Error(err))
		return base, false
	}

	cause := schemas.RootCause(result.RootCause)
	if !validCauses[cause] {
		e.logger.Warn("Semantic diagnosis produced unknown root cause value, keeping pattern result",
			zap.String("value", result.RootCause))
		return base, false
	}

	refined := base
	refined.RootCause = cause
	switch schemas.Confidence(result.Confidence) {
	case schemas.ConfidenceHigh, schemas.ConfidenceMedium, schemas.ConfidenceLow:
		refined.Confidence = schemas.Confidence(result.Confidence)
	default:
		refined.Confidence = schemas.ConfidenceMedium
	}
	if result.Explanation != "" {
		refined.Explanation = result.Explanation
	}
	if len(result.SuggestedFixes) > 0 {
		refined.SuggestedFixes = result.SuggestedFixes
	}
	for _, f := range result.AffectedFiles {
		if len(refined.AffectedFiles) >= maxAffectedFiles {
			break
		}
		refined.AffectedFiles = append(refined.AffectedFiles, schemas.FileRef{Path: f.Path, Line: f.Line})
	}
	return refined, true
}

const semanticSystemPrompt = `You are an expert build engineer. Analyze the failure evidence and identify the single most likely root cause. Respond with strict JSON only.`

func (e *Engine) buildSemanticPrompt(d schemas.Diagnosis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A %s error occurred during automated work.\n\n", d.Category)
	fmt.Fprintf(&b, "**Error message:**\n%s\n\n", d.Error.Message)
	if d.Error.StackTrace != "" {
		fmt.Fprintf(&b, "**Stack trace:**\n%s\n\n", d.Error.StackTrace)
	}
	for _, f := range d.AffectedFiles {
		if f.Snippet != "" {
			fmt.Fprintf(&b, "**Code near %s:%d:**\n%s\n\n", f.Path, f.Line, f.Snippet)
		}
	}
	fmt.Fprintf(&b, "Preliminary pattern analysis suggests root cause %q at confidence %q.\n\n", d.RootCause, d.Confidence)
	b.WriteString(`Respond with strict JSON:
{
  "root_cause": "<one of: missing_import, circular_import, missing_dependency, version_conflict, syntax_error, indentation_error, type_mismatch, undefined_name, assertion_failed, fixture_missing, missing_env_var, bad_configuration, compilation_failed, nil_reference, index_out_of_range, timeout, exposed_secret, vulnerable_dependency, api_misuse, missing_docs, deprecated_feature, unknown>",
  "confidence": "high|medium|low",
  "explanation": "one paragraph",
  "suggested_fixes": ["..."],
  "affected_files": [{"path": "relative/path", "line": 0}]
}`)
	return b.String()
}
