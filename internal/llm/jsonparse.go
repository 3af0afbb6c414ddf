package llm

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// StripFences removes a leading ``` or ```json fence and its closing fence.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	for _, prefix := range []string{"```json", "```JSON", "```"} {
		if strings.HasPrefix(text, prefix) {
			text = strings.TrimPrefix(text, prefix)
			if idx := strings.LastIndex(text, "```"); idx >= 0 {
				text = text[:idx]
			}
			break
		}
	}
	return strings.TrimSpace(text)
}

// CleanJSON strips fences and trims text to the outermost JSON object or
// array, whichever opens first.
func CleanJSON(text string) string {
	text = StripFences(text)

	obj := strings.Index(text, "{")
	arr := strings.Index(text, "[")
	start, closer := obj, "}"
	if arr >= 0 && (obj < 0 || arr < obj) {
		start, closer = arr, "]"
	}
	if start < 0 {
		return text
	}
	end := strings.LastIndex(text, closer)
	if end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// Decode parses the JSON payload of a model response into T.
func Decode[T any](text string) (T, error) {
	var out T
	cleaned := CleanJSON(text)
	if cleaned == "" {
		return out, eris.New("llm: no JSON in response")
	}
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return out, eris.Wrap(err, "llm: decode response JSON")
	}
	return out, nil
}

// TrailingJSONBlock parses the last ```json fenced block in text as an
// object. It returns false when there is no block or it does not parse.
func TrailingJSONBlock(text string) (map[string]any, bool) {
	idx := strings.LastIndex(text, "```json")
	if idx < 0 {
		return nil, false
	}
	block := text[idx+len("```json"):]
	if end := strings.Index(block, "```"); end >= 0 {
		block = block[:end]
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(block)), &out); err != nil {
		return nil, false
	}
	return out, true
}
