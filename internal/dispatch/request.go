package dispatch

import (
	"encoding/json"
	"strings"

	"github.com/nulpointcorp/modelgate/pkg/apierr"
)

// ChatRequest is a parsed chat/completions body.
type ChatRequest struct {
	// Model is the raw client model string, before resolution.
	Model    string
	Stream   bool
	Messages json.RawMessage
	// Params holds every other top-level field, forwarded as-is.
	Params map[string]json.RawMessage
	// Raw is the original body, used for response cache keys.
	Raw []byte
}

// ParseChatBody decodes a chat/completions body. "input" stands in for a
// missing "messages".
func ParseChatBody(body []byte) (*ChatRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, apierr.InvalidRequest("request body must be a JSON object")
	}

	req := &ChatRequest{Raw: body}

	if raw, ok := fields["model"]; ok {
		if err := json.Unmarshal(raw, &req.Model); err != nil {
			return nil, apierr.InvalidRequest("model must be a string")
		}
	}
	req.Model = strings.TrimSpace(req.Model)
	if req.Model == "" {
		return nil, apierr.InvalidRequest("model is required")
	}

	if raw, ok := fields["stream"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &req.Stream); err != nil {
			return nil, apierr.InvalidRequest("stream must be a boolean")
		}
	}

	switch {
	case isPresent(fields["messages"]):
		req.Messages = fields["messages"]
	case isPresent(fields["input"]):
		req.Messages = fields["input"]
		delete(fields, "input")
	default:
		return nil, apierr.InvalidRequest("messages is required")
	}
	if !isArray(req.Messages) {
		return nil, apierr.InvalidRequest("messages must be an array")
	}

	delete(fields, "model")
	delete(fields, "messages")
	delete(fields, "stream")
	req.Params = fields

	return req, nil
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func isArray(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return strings.HasPrefix(s, "[")
}
