package gemini

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	codeFence        = "```"
	fenceLanguage    = "json"
	snippetMaxLength = 160
)

// ErrEmptyPayload is returned when the model answered with no text.
var ErrEmptyPayload = errors.New("empty payload")

// parseJSON decodes a model answer into target. Answers wrapped in a Markdown
// code fence, or with prose around the object, are unwrapped first.
func parseJSON(content string, target any) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ErrEmptyPayload
	}

	directErr := json.Unmarshal([]byte(trimmed), target)
	if directErr == nil {
		return nil
	}

	sanitized := sanitizeJSON(trimmed)
	if sanitized == "" || sanitized == trimmed {
		return fmt.Errorf("failed to unmarshal JSON: %w (payload: %s)", directErr, snippet(trimmed))
	}

	err := json.Unmarshal([]byte(sanitized), target)
	if err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w (payload: %s)", err, snippet(sanitized))
	}

	return nil
}

func sanitizeJSON(content string) string {
	trimmed := stripCodeFence(content)
	if trimmed == "" || trimmed[0] == '{' {
		return trimmed
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")

	if start >= 0 && end > start {
		return strings.TrimSpace(trimmed[start : end+1])
	}

	return trimmed
}

// stripCodeFence removes a leading ``` or ```json line and the closing fence.
func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, codeFence) {
		return trimmed
	}

	body := strings.TrimLeft(trimmed[len(codeFence):], " \t\r\n")
	if len(body) >= len(fenceLanguage) && strings.EqualFold(body[:len(fenceLanguage)], fenceLanguage) {
		body = strings.TrimLeft(body[len(fenceLanguage):], " \t\r\n")
	}

	if idx := strings.LastIndex(body, codeFence); idx >= 0 {
		body = body[:idx]
	}

	return strings.TrimSpace(body)
}

func snippet(content string) string {
	clean := []rune(strings.Join(strings.Fields(content), " "))
	if len(clean) <= snippetMaxLength {
		return string(clean)
	}

	return string(clean[:snippetMaxLength]) + "..."
}
