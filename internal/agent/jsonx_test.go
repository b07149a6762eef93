// internal/agent/jsonx_test.go
package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleResult struct {
	RootCause  string   `json:"root_cause"`
	Confidence string   `json:"confidence"`
	Fixes      []string `json:"fixes,omitempty"`
}

func TestParseJSONResponse(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		input       string
		expected    *sampleResult
		expectError bool
	}{
		{
			name:     "Plain JSON object",
			input:    `{"root_cause": "missing_import", "confidence": "high"}`,
			expected: &sampleResult{RootCause: "missing_import", Confidence: "high"},
		},
		{
			name:  "Fenced json block",
			input: "Here is my analysis:\n```json\n{\"root_cause\": \"type_mismatch\", \"confidence\": \"medium\"}\n```\nLet me know if you need more.",
			// Fence not at the start: falls through to bracket extraction.
			expected: &sampleResult{RootCause: "type_mismatch", Confidence: "medium"},
		},
		{
			name:     "Fenced block at start",
			input:    "```json\n{\"root_cause\": \"timeout\", \"confidence\": \"low\"}\n```",
			expected: &sampleResult{RootCause: "timeout", Confidence: "low"},
		},
		{
			name:     "Fenced block without language tag",
			input:    "```\n{\"root_cause\": \"syntax_error\", \"confidence\": \"high\"}\n```",
			expected: &sampleResult{RootCause: "syntax_error", Confidence: "high"},
		},
		{
			name:     "JSON embedded in prose",
			input:    `The most likely cause is below: {"root_cause": "missing_env_var", "confidence": "high", "fixes": ["set DATABASE_URL"]} — hope that helps.`,
			expected: &sampleResult{RootCause: "missing_env_var", Confidence: "high", Fixes: []string{"set DATABASE_URL"}},
		},
		{
			name:        "No JSON at all",
			input:       "I could not determine the cause.",
			expectError: true,
		},
		{
			name:        "Malformed JSON",
			input:       `{"root_cause": "missing_import", "confidence":`,
			expectError: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := ParseJSONResponse[sampleResult](tc.input)
			if tc.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestExtractJSON_Array(t *testing.T) {
	t.Parallel()

	raw, err := ExtractJSON("```json\n[{\"path\": \"main.go\", \"line\": 10}]\n```")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"path": "main.go", "line": 10}]`, string(raw))
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", truncate("abc", 0))
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
}
