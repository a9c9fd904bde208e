package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

var openAIModels = []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1"}

// newOpenAIHandler returns an http.Handler that simulates the OpenAI chat
// completions API. OpenRouter speaks the same dialect under the same paths,
// and Azure deployments are served from /openai/deployments/{deployment}.
func newOpenAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if !keyAccepted(cfg, r.Header.Get("Authorization")) {
			writeError(w, http.StatusUnauthorized, "Incorrect API key provided", "invalid_request_error")
			return
		}
		serveChatCompletion(w, r, cfg, "")
	})

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		if !keyAccepted(cfg, r.Header.Get("Authorization")) {
			writeError(w, http.StatusUnauthorized, "Incorrect API key provided", "invalid_request_error")
			return
		}
		writeModelList(w, "openai")
	})

	mux.HandleFunc("POST /openai/deployments/{deployment}/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api-version") == "" {
			writeError(w, http.StatusBadRequest, "api-version query parameter is required", "invalid_request_error")
			return
		}
		if !keyAccepted(cfg, r.Header.Get("api-key")) {
			writeError(w, http.StatusUnauthorized, "Access denied due to invalid subscription key", "invalid_request_error")
			return
		}
		serveChatCompletion(w, r, cfg, r.PathValue("deployment"))
	})

	mux.HandleFunc("GET /openai/models", func(w http.ResponseWriter, r *http.Request) {
		if !keyAccepted(cfg, r.Header.Get("api-key")) {
			writeError(w, http.StatusUnauthorized, "Access denied due to invalid subscription key", "invalid_request_error")
			return
		}
		writeModelList(w, "azure")
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// serveChatCompletion answers a chat request. A non-empty deployment
// overrides the model in the body.
func serveChatCompletion(w http.ResponseWriter, r *http.Request, cfg Config, deployment string) {
	applyLatency(cfg)
	if shouldError(cfg) {
		writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
		return
	}

	var req struct {
		Model    string `json:"model"`
		Stream   bool   `json:"stream"`
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty", "invalid_request_error")
		return
	}

	model := req.Model
	if deployment != "" {
		model = deployment
	}
	if model == "" {
		writeError(w, http.StatusBadRequest, "you must provide a model parameter", "invalid_request_error")
		return
	}

	id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
	content := fakeSentence(cfg.StreamWords)
	inTokens := 10
	outTokens := cfg.StreamWords

	if req.Stream {
		serveOpenAIStream(w, id, model, content, inTokens, outTokens)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     inTokens,
			"completion_tokens": outTokens,
			"total_tokens":      inTokens + outTokens,
		},
	})
}

func writeModelList(w http.ResponseWriter, owner string) {
	data := make([]map[string]any, 0, len(openAIModels))
	for _, id := range openAIModels {
		data = append(data, map[string]any{"id": id, "object": "model", "created": 1710000000, "owned_by": owner})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// serveOpenAIStream writes an SSE stream of chat completion chunks. The last
// chunk carries usage, as upstreams do when stream_options.include_usage is set.
func serveOpenAIStream(w http.ResponseWriter, id, model, content string, inTokens, outTokens int) {
	sse := newSSEWriter(w)

	chunk := func(delta map[string]string, finish any) map[string]any {
		return map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{"index": 0, "delta": delta, "finish_reason": finish},
			},
		}
	}

	sse.event("", chunk(map[string]string{"role": "assistant", "content": ""}, nil))
	for _, word := range strings.Fields(content) {
		sse.event("", chunk(map[string]string{"content": word + " "}, nil))
	}

	final := chunk(map[string]string{}, "stop")
	final["usage"] = map[string]int{
		"prompt_tokens":     inTokens,
		"completion_tokens": outTokens,
		"total_tokens":      inTokens + outTokens,
	}
	sse.event("", final)
	sse.raw("[DONE]")
}
