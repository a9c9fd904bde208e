package azure

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
	return providers.Endpoint{Name: "az", Family: providers.FamilyAzure, APIKey: "az-key", BaseURL: srv.URL}
}

func baseRequest() *providers.Request {
	return &providers.Request{
		Model:    "gpt-4o-prod",
		Messages: json.RawMessage(`[{"role":"user","content":"Hello"}]`),
		Params:   map[string]json.RawMessage{"temperature": json.RawMessage(`0.5`)},
	}
}

func TestComplete_DeploymentURLAndHeaders(t *testing.T) {
	const reply = `{"id":"x","object":"chat.completion","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":1,"total_tokens":5}}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/deployments/gpt-4o-prod/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("api-version"); got != "2024-10-21" {
			t.Errorf("api-version = %q", got)
		}
		if r.Header.Get("api-key") != "az-key" {
			t.Errorf("api-key header = %q", r.Header.Get("api-key"))
		}
		var body map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["model"]; ok {
			t.Error("model must not be sent to Azure")
		}
		if string(body["temperature"]) != "0.5" {
			t.Errorf("temperature = %s", body["temperature"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	}))
	defer srv.Close()

	resp, err := New(srv.Client(), "2024-10-21").Complete(context.Background(), endpoint(srv), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != reply {
		t.Errorf("body = %s", resp.Body)
	}
	if resp.Usage.InputTokens != 4 || resp.Usage.OutputTokens != 1 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestComplete_APIVersionFromEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("api-version"); got != "2025-01-01-preview" {
			t.Errorf("api-version = %q", got)
		}
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	ep := endpoint(srv)
	ep.BaseURL = srv.URL + "/?api-version=2025-01-01-preview"

	if _, err := New(srv.Client(), "2024-10-21").Complete(context.Background(), ep, baseRequest()); err != nil {
		t.Fatal(err)
	}
}

func TestComplete_Streaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	resp, err := New(srv.Client(), "v").Complete(context.Background(), endpoint(srv), req)
	if err != nil {
		t.Fatal(err)
	}

	var sb strings.Builder
	for c := range resp.Stream {
		if c.Err != nil {
			t.Fatal(c.Err)
		}
		sb.WriteString(c.Text)
	}
	if sb.String() != "Hello" {
		t.Fatalf("text = %q", sb.String())
	}
}

func TestComplete_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Requests exceed quota","type":"","code":"429"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.Client(), "v").Complete(context.Background(), endpoint(srv), baseRequest())

	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.Error, got %T", err)
	}
	if pe.Status != 429 || pe.Kind() != "RateLimitError" || pe.Message != "Requests exceed quota" {
		t.Fatalf("err = %+v", pe)
	}
}

func TestComplete_MissingEndpoint(t *testing.T) {
	_, err := New(http.DefaultClient, "v").Complete(context.Background(), providers.Endpoint{Name: "az"}, baseRequest())
	if err == nil {
		t.Fatal("expected error without endpoint")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/models" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4o"},{"id":"o3-mini"}]}`))
	}))
	defer srv.Close()

	ids, err := New(srv.Client(), "v").ListModels(context.Background(), endpoint(srv))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[1] != "o3-mini" {
		t.Fatalf("ids = %v", ids)
	}
}
