package providers

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Builders for OpenAI-shaped documents, used by drivers whose upstream
// speaks another dialect.

type (
	completion struct {
		ID      string             `json:"id"`
		Object  string             `json:"object"`
		Created int64              `json:"created"`
		Model   string             `json:"model"`
		Choices []completionChoice `json:"choices"`
		Usage   *usageJSON         `json:"usage,omitempty"`
	}

	completionChoice struct {
		Index        int          `json:"index"`
		Message      *messageJSON `json:"message,omitempty"`
		Delta        *messageJSON `json:"delta,omitempty"`
		FinishReason *string      `json:"finish_reason"`
	}

	messageJSON struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content"`
	}

	usageJSON struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	}
)

// NewCompletionID returns an id in the chatcmpl-… form.
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CompletionJSON builds a chat.completion document with one choice.
func CompletionJSON(id, model, text, finishReason string, u Usage) []byte {
	fr := finishReason
	body, _ := json.Marshal(completion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []completionChoice{{
			Message:      &messageJSON{Role: "assistant", Content: text},
			FinishReason: &fr,
		}},
		Usage: &usageJSON{
			PromptTokens:     u.InputTokens,
			CompletionTokens: u.OutputTokens,
			TotalTokens:      u.InputTokens + u.OutputTokens,
		},
	})
	return body
}

// ChunkJSON builds a chat.completion.chunk document. An empty finishReason
// is encoded as null; a non-nil u adds a usage object.
func ChunkJSON(id, model, role, text, finishReason string, u *Usage) []byte {
	c := completion{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []completionChoice{{
			Delta: &messageJSON{Role: role, Content: text},
		}},
	}
	if finishReason != "" {
		c.Choices[0].FinishReason = &finishReason
	}
	if u != nil {
		c.Usage = &usageJSON{
			PromptTokens:     u.InputTokens,
			CompletionTokens: u.OutputTokens,
			TotalTokens:      u.InputTokens + u.OutputTokens,
		}
	}
	body, _ := json.Marshal(c)
	return body
}
