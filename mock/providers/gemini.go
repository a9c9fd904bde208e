package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGeminiHandler returns an http.Handler simulating the Gemini API as the
// GenAI SDK calls it:
//
//	POST {base}/models/{model}:generateContent
//	POST {base}/models/{model}:streamGenerateContent?alt=sse
//	GET  {base}/models
//
// where {base} is /v1beta.
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1beta/models/{call}", func(w http.ResponseWriter, r *http.Request) {
		if !keyAccepted(cfg, r.Header.Get("x-goog-api-key"), r.URL.Query().Get("key")) {
			writeGeminiError(w, http.StatusUnauthorized, "API key not valid. Please pass a valid API key.", "UNAUTHENTICATED")
			return
		}

		model, method, ok := strings.Cut(r.PathValue("call"), ":")
		if !ok {
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "NOT_FOUND")
			return
		}

		switch method {
		case "generateContent", "streamGenerateContent":
		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown method %s", method), "NOT_FOUND")
			return
		}

		applyLatency(cfg)
		if shouldError(cfg) {
			writeGeminiError(w, http.StatusInternalServerError, "mock internal error", "INTERNAL")
			return
		}

		var req struct {
			Contents []json.RawMessage `json:"contents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Contents) == 0 {
			writeGeminiError(w, http.StatusBadRequest, "contents is not specified", "INVALID_ARGUMENT")
			return
		}

		handleGeminiGenerate(w, cfg, model, method == "streamGenerateContent")
	})

	mux.HandleFunc("GET /v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		if !keyAccepted(cfg, r.Header.Get("x-goog-api-key"), r.URL.Query().Get("key")) {
			writeGeminiError(w, http.StatusUnauthorized, "API key not valid. Please pass a valid API key.", "UNAUTHENTICATED")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{
					"name":                       "models/gemini-2.5-pro",
					"displayName":                "Gemini 2.5 Pro",
					"supportedGenerationMethods": []string{"generateContent"},
				},
				{
					"name":                       "models/gemini-2.0-flash",
					"displayName":                "Gemini 2.0 Flash",
					"supportedGenerationMethods": []string{"generateContent"},
				},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "NOT_FOUND")
	})

	return mux
}

func handleGeminiGenerate(w http.ResponseWriter, cfg Config, model string, stream bool) {
	id := fmt.Sprintf("gemini-%x", rand.Int64())
	content := fakeSentence(cfg.StreamWords)
	inTokens := 10
	outTokens := cfg.StreamWords

	response := func(text string, final bool) map[string]any {
		candidate := map[string]any{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]string{{"text": text}},
			},
			"index": 0,
		}
		resp := map[string]any{
			"candidates":   []any{candidate},
			"responseId":   id,
			"modelVersion": model,
		}
		if final {
			candidate["finishReason"] = "STOP"
			resp["usageMetadata"] = map[string]int{
				"promptTokenCount":     inTokens,
				"candidatesTokenCount": outTokens,
				"totalTokenCount":      inTokens + outTokens,
			}
		}
		return resp
	}

	if !stream {
		writeJSON(w, http.StatusOK, response(content, true))
		return
	}

	sse := newSSEWriter(w)
	words := strings.Fields(content)
	for i, word := range words {
		sse.event("", response(word+" ", i == len(words)-1))
	}
}

func writeGeminiError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  code,
		},
	})
}
