package bridge

import (
	"encoding/json"
	"strings"
)

// ErrorText extracts a tool-level error description from a tools/call
// payload, or returns empty when the payload looks successful. Handles
// three server conventions: a top-level "error" string, a bare result
// string prefixed with "ERROR:", and the MCP shape where the result
// object carries isError plus a content list of text items.
func ErrorText(payload map[string]any) string {
	if payload == nil {
		return ""
	}

	if s, ok := payload["error"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}

	switch inner := payload["result"].(type) {
	case string:
		if strings.HasPrefix(inner, "ERROR:") {
			return inner
		}
	case map[string]any:
		if inner["isError"] != true {
			return ""
		}
		if texts := contentTexts(inner, 3); len(texts) > 0 {
			return strings.TrimSpace(strings.Join(texts, "\n"))
		}
		blob, err := json.Marshal(inner)
		if err != nil {
			return "tool reported isError"
		}
		return string(blob)
	}
	return ""
}

// ContentText flattens an MCP result's content list into plain text for
// display. Falls back to the payload's JSON when no text items exist.
func ContentText(payload map[string]any) string {
	if inner, ok := payload["result"].(map[string]any); ok {
		if texts := contentTexts(inner, 0); len(texts) > 0 {
			return strings.Join(texts, "\n")
		}
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(blob)
}

func contentTexts(inner map[string]any, max int) []string {
	list, ok := inner["content"].([]any)
	if !ok {
		return nil
	}
	var texts []string
	for _, item := range list {
		if max > 0 && len(texts) >= max {
			break
		}
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := obj["text"].(string); ok {
			texts = append(texts, text)
		}
	}
	return texts
}
