package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
	codeFence  = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")
)

// ExtractJSON strips reasoning blocks and markdown fences and returns the
// outermost JSON object in raw.
func ExtractJSON(raw string) (string, error) {
	s := strings.TrimSpace(thinkBlock.ReplaceAllString(raw, ""))
	if m := codeFence.FindStringSubmatch(s); len(m) == 2 {
		s = m[1]
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in model output")
	}
	return s[start : end+1], nil
}

// DecodeStructured parses model output into v
func DecodeStructured(raw string, v any) error {
	obj, err := ExtractJSON(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return fmt.Errorf("failed to decode structured output: %w", err)
	}
	return nil
}
