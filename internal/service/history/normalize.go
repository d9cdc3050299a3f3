package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Entry is one normalized history line. SenderID is empty when the line carries no
// participant prefix.
type Entry struct {
	SenderID string
	Content  string
}

// ErrUnknownShape is returned for a response body none of the known payloads match.
var ErrUnknownShape = errors.New("history: unrecognized response shape")

// payload is the closed set of response shapes the history endpoint is known to return.
// Adding a shape means adding a type here and a case in decodePayload.
type payload interface {
	items() []json.RawMessage
}

// nestedPayload is {"History": {"history": [...]}}.
type nestedPayload struct {
	History struct {
		History []json.RawMessage `json:"history"`
	} `json:"History"`
}

func (p nestedPayload) items() []json.RawMessage { return p.History.History }

// flatPayload is {"history": [...]}.
type flatPayload struct {
	History []json.RawMessage `json:"history"`
}

func (p flatPayload) items() []json.RawMessage { return p.History }

// listPayload is a bare [...].
type listPayload []json.RawMessage

func (p listPayload) items() []json.RawMessage { return p }

func decodePayload(body []byte) (payload, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrUnknownShape
	}

	switch body[0] {
	case '[':
		var list listPayload
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("decode history list: %w", err)
		}
		return list, nil
	case '{':
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(body, &keys); err != nil {
			return nil, fmt.Errorf("decode history object: %w", err)
		}
		if _, ok := keys["History"]; ok {
			var nested nestedPayload
			if err := json.Unmarshal(body, &nested); err != nil {
				return nil, fmt.Errorf("decode nested history: %w", err)
			}
			return nested, nil
		}
		if _, ok := keys["history"]; ok {
			var flat flatPayload
			if err := json.Unmarshal(body, &flat); err != nil {
				return nil, fmt.Errorf("decode history: %w", err)
			}
			return flat, nil
		}
	}
	return nil, ErrUnknownShape
}

// splitSender trims a leading "<id>: " envelope when id is one of participants.
// Any other "word: " prefix is part of the text.
func splitSender(line string, participants []string) Entry {
	for _, id := range participants {
		if id == "" {
			continue
		}
		if content, ok := strings.CutPrefix(line, id+": "); ok {
			return Entry{SenderID: id, Content: content}
		}
	}
	return Entry{Content: line}
}

// normalize flattens any known payload into ordered entries. Non-string items are skipped
// and counted in the second return value.
func normalize(p payload, participants []string) ([]Entry, int) {
	raw := p.items()
	entries := make([]Entry, 0, len(raw))
	skipped := 0

	for _, item := range raw {
		var line string
		if err := json.Unmarshal(item, &line); err != nil {
			skipped++
			continue
		}
		entry := splitSender(line, participants)
		if strings.TrimSpace(entry.Content) == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, skipped
}

// Normalize decodes a raw history response body. Only the ids in participants are
// recognised as sender prefixes.
func Normalize(body []byte, participants ...string) ([]Entry, error) {
	p, err := decodePayload(body)
	if err != nil {
		return nil, err
	}
	entries, _ := normalize(p, participants)
	return entries, nil
}
