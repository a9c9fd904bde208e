package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/modelgate/internal/providers"
)

func endpoint(srv *httptest.Server) providers.Endpoint {
	return providers.Endpoint{Name: "claude", Family: providers.FamilyAnthropic, APIKey: "mock-api-key", BaseURL: srv.URL}
}

func baseRequest() *providers.Request {
	return &providers.Request{
		Model: "claude-3-5-sonnet",
		Messages: json.RawMessage(`[
			{"role":"system","content":"be brief"},
			{"role":"user","content":[{"type":"text","text":"Hello"}]}
		]`),
		Params: map[string]json.RawMessage{"temperature": json.RawMessage(`0.2`)},
	}
}

func isMessagesPath(p string) bool {
	return p == "/messages" || p == "/v1/messages"
}

func respondErrorJSON(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":  "error",
		"error": map[string]any{"type": errType, "message": msg},
	})
}

func TestComplete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMessagesPath(r.URL.Path) {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "mock-api-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("X-Api-Key"))
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["max_tokens"].(float64) != defaultMaxTokens {
			t.Errorf("max_tokens = %v", body["max_tokens"])
		}
		sys, _ := body["system"].([]any)
		if len(sys) != 1 || sys[0].(map[string]any)["text"] != "be brief" {
			t.Errorf("system = %v", body["system"])
		}
		if msgs, _ := body["messages"].([]any); len(msgs) != 1 {
			t.Errorf("messages = %v", body["messages"])
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_01",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-3-5-sonnet",
			"content":       []map[string]any{{"type": "text", "text": "Hi!"}},
			"stop_reason":   "max_tokens",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 12, "output_tokens": 3},
		})
	}))
	defer srv.Close()

	resp, err := New(srv.Client()).Complete(context.Background(), endpoint(srv), baseRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	var doc struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.ID != "msg_01" || doc.Object != "chat.completion" {
		t.Errorf("doc = %+v", doc)
	}
	if doc.Choices[0].Message.Content != "Hi!" || doc.Choices[0].FinishReason != "length" {
		t.Errorf("choice = %+v", doc.Choices[0])
	}
}

func TestComplete_MaxTokensFromParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["max_tokens"].(float64) != 77 {
			t.Errorf("max_tokens = %v", body["max_tokens"])
		}
		if body["top_p"].(float64) != 0.9 {
			t.Errorf("top_p = %v", body["top_p"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"m","type":"message","role":"assistant","model":"x","content":[],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":0}}`)
	}))
	defer srv.Close()

	req := baseRequest()
	req.Params["max_tokens"] = json.RawMessage(`77`)
	req.Params["top_p"] = json.RawMessage(`0.9`)

	if _, err := New(srv.Client()).Complete(context.Background(), endpoint(srv), req); err != nil {
		t.Fatal(err)
	}
}

func TestComplete_ErrorsCarryStatusAndKind(t *testing.T) {
	cases := []struct {
		status int
		kind   string
	}{
		{http.StatusUnauthorized, "AuthenticationError"},
		{http.StatusTooManyRequests, "RateLimitError"},
		{http.StatusBadRequest, "BadRequestError"},
	}
	for _, c := range cases {
		t.Run(c.kind, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				respondErrorJSON(w, c.status, "some_error", "nope")
			}))
			defer srv.Close()

			_, err := New(srv.Client()).Complete(context.Background(), endpoint(srv), baseRequest())

			var pe *providers.Error
			if !errors.As(err, &pe) {
				t.Fatalf("expected *providers.Error, got %T: %v", err, err)
			}
			if pe.Status != c.status || pe.Kind() != c.kind || pe.Message != "nope" {
				t.Errorf("got status=%d kind=%q message=%q", pe.Status, pe.Kind(), pe.Message)
			}
		})
	}
}

func TestComplete_Streaming(t *testing.T) {
	events := []string{
		`event: message_start
data: {"type":"message_start","message":{"id":"msg_s","type":"message","role":"assistant","model":"claude-3-5-sonnet","content":[],"stop_reason":null,"usage":{"input_tokens":9,"output_tokens":0}}}`,
		`event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`event: content_block_stop
data: {"type":"content_block_stop","index":0}`,
		`event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}`,
		`event: message_stop
data: {"type":"message_stop"}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, e := range events {
			fmt.Fprintf(w, "%s\n\n", e)
		}
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	resp, err := New(srv.Client()).Complete(context.Background(), endpoint(srv), req)
	if err != nil {
		t.Fatal(err)
	}

	var (
		text   strings.Builder
		frames [][]byte
		usage  *providers.Usage
	)
	for c := range resp.Stream {
		if c.Err != nil {
			t.Fatal(c.Err)
		}
		text.WriteString(c.Text)
		frames = append(frames, c.Data)
		if c.Usage != nil {
			usage = c.Usage
		}
	}

	if text.String() != "Hello" {
		t.Errorf("text = %q", text.String())
	}
	if len(frames) != 4 {
		t.Fatalf("frames = %d", len(frames))
	}
	if !strings.Contains(string(frames[0]), `"role":"assistant"`) || !strings.Contains(string(frames[0]), `"id":"msg_s"`) {
		t.Errorf("first frame = %s", frames[0])
	}
	if !strings.Contains(string(frames[3]), `"finish_reason":"stop"`) {
		t.Errorf("last frame = %s", frames[3])
	}
	if usage == nil || usage.InputTokens != 9 || usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestComplete_StreamingUpstreamErrorSurfacesBeforeFirstChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondErrorJSON(w, http.StatusUnauthorized, "authentication_error", "invalid x-api-key")
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	_, err := New(srv.Client()).Complete(context.Background(), endpoint(srv), req)

	var pe *providers.Error
	if !errors.As(err, &pe) || pe.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v", err)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" && r.URL.Path != "/v1/models" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"id":"claude-3-5-sonnet","type":"model","display_name":"Sonnet","created_at":"2024-10-22T00:00:00Z"},`+
			`{"id":"claude-3-haiku","type":"model","display_name":"Haiku","created_at":"2024-03-07T00:00:00Z"}],"has_more":false,"first_id":"a","last_id":"b"}`)
	}))
	defer srv.Close()

	ids, err := New(srv.Client()).ListModels(context.Background(), endpoint(srv))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[1] != "claude-3-haiku" {
		t.Fatalf("ids = %v", ids)
	}
}
