package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("(?s)^\\s*```[a-zA-Z0-9_+.-]*[ \\t]*\\r?\\n(.*?)\\r?\\n?```\\s*$")

// StripCodeFences removes a surrounding markdown code fence from LLM output.
// Text without a fence is returned trimmed.
func StripCodeFences(s string) string {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	trimmed := strings.TrimSpace(s)
	// Fence preceded by chatter: take the first fenced block.
	if start := strings.Index(trimmed, "```"); start >= 0 {
		rest := trimmed[start+3:]
		if nl := strings.Index(rest, "\n"); nl >= 0 {
			body := rest[nl+1:]
			if end := strings.Index(body, "```"); end >= 0 {
				return strings.TrimRight(body[:end], "\r\n")
			}
		}
	}
	return trimmed
}

// ParseJSON decodes the first JSON object or array found in s into v.
func ParseJSON(s string, v interface{}) error {
	body := StripCodeFences(s)
	start := strings.IndexAny(body, "{[")
	if start < 0 {
		return fmt.Errorf("no JSON found in response")
	}
	closer := byte('}')
	if body[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(body, closer)
	if end < start {
		return fmt.Errorf("unterminated JSON in response")
	}
	if err := json.Unmarshal([]byte(body[start:end+1]), v); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return nil
}
