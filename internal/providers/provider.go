// Package providers is the LLM backend client of the gateway: a closed set of
// provider families, each served by one Driver, behind a single Client.
//
// The dispatch path never inspects family strings itself. It hands an
// Endpoint to Client, which looks the Driver up in its strategy table.
// Every error a Driver returns for an upstream failure is an *Error, which
// carries the upstream HTTP status (when there is one) and a kind name used
// to derive the client-visible error type.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Family is the wire dialect of an upstream provider.
type Family string

const (
	FamilyOpenAI     Family = "openai"
	FamilyOpenRouter Family = "openrouter"
	FamilyAzure      Family = "azure"
	FamilyGemini     Family = "gemini"
	FamilyAnthropic  Family = "anthropic"
)

// Families lists every supported family.
var Families = []Family{FamilyOpenAI, FamilyOpenRouter, FamilyAzure, FamilyGemini, FamilyAnthropic}

// ParseFamily normalizes a stored provider_type. Generic OpenAI-compatible
// services are stored as "openai" or one of its synonyms.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai", "openai_compatible", "openai-compatible", "generic", "custom":
		return FamilyOpenAI, nil
	case "openrouter":
		return FamilyOpenRouter, nil
	case "azure", "azure_openai":
		return FamilyAzure, nil
	case "gemini", "google":
		return FamilyGemini, nil
	case "anthropic", "claude":
		return FamilyAnthropic, nil
	}
	return "", fmt.Errorf("providers: unknown provider type %q", s)
}

// DefaultBaseURL is used when a provider has no base URL override.
// Azure has no default; its endpoint is per resource.
func (f Family) DefaultBaseURL() string {
	switch f {
	case FamilyOpenAI:
		return "https://api.openai.com/v1"
	case FamilyOpenRouter:
		return "https://openrouter.ai/api/v1"
	case FamilyGemini:
		return "https://generativelanguage.googleapis.com/v1beta"
	case FamilyAnthropic:
		return "https://api.anthropic.com/"
	}
	return ""
}

// Endpoint is a configured provider as the drivers see it.
type Endpoint struct {
	Name    string
	Family  Family
	APIKey  string
	BaseURL string
}

type (
	// Request is a chat completion request after routing. Messages and every
	// other body field are forwarded verbatim where the dialect allows.
	Request struct {
		// Model is the upstream model name.
		Model    string
		Messages json.RawMessage
		// Params holds the remaining top-level body fields, minus model,
		// messages and stream.
		Params    map[string]json.RawMessage
		Stream    bool
		RequestID string
	}

	Usage struct {
		InputTokens  int64
		OutputTokens int64
	}

	// Response is either a complete body or a stream.
	Response struct {
		// Body is an OpenAI chat.completion document. Empty for streams.
		Body  []byte
		Model string
		Usage Usage
		// Stream is nil for non-streaming calls. It is closed after the last
		// chunk; a chunk with Err set is always the last one.
		Stream <-chan Chunk
	}

	// Chunk is one streamed event.
	Chunk struct {
		// Data is an OpenAI chat.completion.chunk document.
		Data []byte
		// Text is the content delta carried by Data.
		Text string
		// Usage is set on the chunk that reports token counts, if any.
		Usage *Usage
		Err   error
	}
)

// Driver speaks one family's dialect.
type Driver interface {
	Complete(ctx context.Context, ep Endpoint, req *Request) (*Response, error)
	ListModels(ctx context.Context, ep Endpoint) ([]string, error)
}

// Client dispatches to the Driver registered for an endpoint's family.
type Client struct {
	drivers map[Family]Driver
}

// NewClient builds the strategy table.
func NewClient(drivers map[Family]Driver) *Client {
	return &Client{drivers: drivers}
}

func (c *Client) driver(ep Endpoint) (Driver, error) {
	d, ok := c.drivers[ep.Family]
	if !ok {
		return nil, &Error{
			Provider: ep.Name,
			Status:   400,
			KindName: "UnsupportedProviderError",
			Message:  fmt.Sprintf("provider type %q is not supported", ep.Family),
		}
	}
	return d, nil
}

// Complete runs a chat completion against ep.
func (c *Client) Complete(ctx context.Context, ep Endpoint, req *Request) (*Response, error) {
	d, err := c.driver(ep)
	if err != nil {
		return nil, err
	}
	return d.Complete(ctx, ep, req)
}

// ListModels returns the upstream model names served by ep.
func (c *Client) ListModels(ctx context.Context, ep Endpoint) ([]string, error) {
	d, err := c.driver(ep)
	if err != nil {
		return nil, err
	}
	return d.ListModels(ctx, ep)
}
