package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is a chat turn reduced to text, for dialects that need the
// conversation rebuilt rather than forwarded.
type Message struct {
	Role    string
	Content string
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ParseMessages decodes an OpenAI messages array. Content may be a string
// or an array of parts; only text parts are kept.
func ParseMessages(raw json.RawMessage) ([]Message, error) {
	var in []rawMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}

	out := make([]Message, 0, len(in))
	for i, m := range in {
		text, err := contentText(m.Content)
		if err != nil {
			return nil, fmt.Errorf("messages[%d].content: %w", i, err)
		}
		out = append(out, Message{Role: strings.ToLower(m.Role), Content: text})
	}
	return out, nil
}

func contentText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "text" || p.Type == "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String(), nil
}

// SplitSystem separates system and developer turns (joined by newlines)
// from the conversation.
func SplitSystem(msgs []Message) (system string, rest []Message) {
	var sys []string
	for _, m := range msgs {
		switch m.Role {
		case "system", "developer":
			sys = append(sys, m.Content)
		default:
			rest = append(rest, m)
		}
	}
	return strings.Join(sys, "\n"), rest
}

// Float reads a numeric body field.
func Float(params map[string]json.RawMessage, key string) (float64, bool) {
	raw, ok := params[key]
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

// Int reads an integer body field, trying each key in turn.
func Int(params map[string]json.RawMessage, keys ...string) (int64, bool) {
	for _, k := range keys {
		raw, ok := params[k]
		if !ok {
			continue
		}
		var n int64
		if err := json.Unmarshal(raw, &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

// Strings reads a field that is either a string or an array of strings,
// like "stop".
func Strings(params map[string]json.RawMessage, key string) ([]string, bool) {
	raw, ok := params[key]
	if !ok {
		return nil, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, true
	}
	var ss []string
	if err := json.Unmarshal(raw, &ss); err == nil {
		return ss, true
	}
	return nil, false
}
