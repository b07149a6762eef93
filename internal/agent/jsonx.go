// internal/agent/jsonx.go
package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	// Regexes use \x60 for backticks because Go raw strings cannot contain them.

	// jsonObjectRegex extracts a JSON object wrapped in a markdown fence.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	// jsonArrayRegex extracts a JSON array wrapped in a markdown fence.
	jsonArrayRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")
)

// ExtractJSON pulls a raw JSON document out of an agent response. It handles
// fenced ```json blocks and JSON embedded in conversational text, and
// verifies the result is valid JSON before returning it.
func ExtractJSON(response string) (json.RawMessage, error) {
	response = strings.TrimSpace(response)
	candidate := response

	isObject := strings.Contains(response, "{")
	isArray := strings.Contains(response, "[")

	if strings.HasPrefix(response, "```") {
		var matches []string
		if isObject {
			matches = jsonObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && isArray {
			matches = jsonArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			candidate = matches[1]
		}
	} else if (isObject || isArray) && !strings.HasPrefix(response, "{") && !strings.HasPrefix(response, "[") {
		// JSON buried inside conversational text: take the outermost bracket
		// pair, preferring an object over an array.
		first, last := -1, -1
		if isObject {
			fb, lb := strings.Index(response, "{"), strings.LastIndex(response, "}")
			if fb != -1 && lb > fb {
				first, last = fb, lb+1
			}
		}
		if first == -1 && isArray {
			fb, lb := strings.Index(response, "["), strings.LastIndex(response, "]")
			if fb != -1 && lb > fb {
				first, last = fb, lb+1
			}
		}
		if first != -1 {
			candidate = response[first:last]
		}
	}

	if !json.Valid([]byte(candidate)) {
		return nil, fmt.Errorf("no valid JSON found in agent response (extracted %q)", truncate(candidate, 200))
	}
	return json.RawMessage(candidate), nil
}

// ParseJSONResponse extracts and unmarshals a JSON document from an agent
// response into the target type.
func ParseJSONResponse[T any](response string) (*T, error) {
	raw, err := ExtractJSON(response)
	if err != nil {
		return nil, err
	}
	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent JSON response: %w (extracted: %s)", err, truncate(string(raw), 500))
	}
	return &result, nil
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
