package chat

import (
	"encoding/json"
	"strings"
)

type frameKind int

const (
	// frameRaw is anything that is not a JSON object; shown verbatim.
	frameRaw frameKind = iota
	frameMessage
	frameError
	// frameIgnored is a JSON object carrying neither field.
	frameIgnored
)

type frame struct {
	kind frameKind
	text string
}

// parseFrame classifies one inbound socket frame. The order of checks matters:
// "message" wins over "error", and only JSON objects are inspected at all.
func parseFrame(raw string) frame {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return frame{kind: frameRaw, text: raw}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return frame{kind: frameRaw, text: raw}
	}

	if text := fieldText(fields["message"]); text != "" {
		return frame{kind: frameMessage, text: text}
	}
	if text := fieldText(fields["error"]); text != "" {
		return frame{kind: frameError, text: text}
	}
	return frame{kind: frameIgnored}
}

// fieldText returns a string field as-is and any other JSON value as its source text.
func fieldText(v json.RawMessage) string {
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}
