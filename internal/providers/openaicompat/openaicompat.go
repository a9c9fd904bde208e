// Package openaicompat drives OpenAI-compatible upstreams (OpenAI itself,
// OpenRouter and any service implementing the chat completions API) through
// the official openai-go SDK.
//
// The client's messages and extra body fields are spliced into the SDK
// request unchanged, and the upstream JSON is returned as-is, so features
// the gateway does not model (tools, response_format, logprobs) still work.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/modelgate/internal/providers"
)

// Driver implements providers.Driver for one OpenAI-compatible family.
type Driver struct {
	family     providers.Family
	httpClient *http.Client
	headers    map[string]string
}

// Option configures a Driver.
type Option func(*Driver)

// WithHeader adds a header to every upstream request.
func WithHeader(key, value string) Option {
	return func(d *Driver) { d.headers[key] = value }
}

// New creates a Driver for family (openai or openrouter).
func New(family providers.Family, httpClient *http.Client, opts ...Option) *Driver {
	d := &Driver{
		family:     family,
		httpClient: httpClient,
		headers:    map[string]string{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// NewOpenRouter creates the OpenRouter driver. referer and title identify
// the app in OpenRouter's rankings; both may be empty.
func NewOpenRouter(httpClient *http.Client, referer, title string) *Driver {
	var opts []Option
	if referer != "" {
		opts = append(opts, WithHeader("HTTP-Referer", referer))
	}
	if title != "" {
		opts = append(opts, WithHeader("X-Title", title))
	}
	return New(providers.FamilyOpenRouter, httpClient, opts...)
}

func (d *Driver) client(ep providers.Endpoint) openaiSDK.Client {
	base := ep.BaseURL
	if base == "" {
		base = d.family.DefaultBaseURL()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(ep.APIKey),
		option.WithBaseURL(base),
		option.WithHTTPClient(d.httpClient),
		option.WithMaxRetries(0),
	}
	for k, v := range d.headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	return openaiSDK.NewClient(opts...)
}

// Complete implements providers.Driver.
func (d *Driver) Complete(ctx context.Context, ep providers.Endpoint, req *providers.Request) (*providers.Response, error) {
	client := d.client(ep)
	params := openaiSDK.ChatCompletionNewParams{Model: req.Model}
	opts := bodyOptions(req)

	if req.Stream {
		return d.stream(ctx, ep, client, req.Model, params, opts)
	}

	resp, err := client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(ep.Name, err)
	}

	return &providers.Response{
		Body:  []byte(resp.RawJSON()),
		Model: resp.Model,
		Usage: providers.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (d *Driver) stream(
	ctx context.Context,
	ep providers.Endpoint,
	client openaiSDK.Client,
	model string,
	params openaiSDK.ChatCompletionNewParams,
	opts []option.RequestOption,
) (*providers.Response, error) {
	ch := make(chan providers.Chunk, providers.StreamBuffer)

	stream := client.Chat.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			cur := stream.Current()

			c := providers.Chunk{Data: []byte(cur.RawJSON())}
			if len(cur.Choices) > 0 {
				c.Text = cur.Choices[0].Delta.Content
			}
			if cur.Usage.TotalTokens > 0 {
				c.Usage = &providers.Usage{
					InputTokens:  cur.Usage.PromptTokens,
					OutputTokens: cur.Usage.CompletionTokens,
				}
			}
			if !providers.Send(ctx, ch, c) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			providers.Send(ctx, ch, providers.Chunk{Err: toProviderError(ep.Name, err)})
		}
	}()

	out, err := providers.Prime(ctx, ch)
	if err != nil {
		return nil, err
	}
	return &providers.Response{Model: model, Stream: out}, nil
}

// ListModels implements providers.Driver.
func (d *Driver) ListModels(ctx context.Context, ep providers.Endpoint) ([]string, error) {
	client := d.client(ep)

	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, toProviderError(ep.Name, err)
	}

	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// bodyOptions splices the client's messages and remaining fields into the
// SDK-encoded body.
func bodyOptions(req *providers.Request) []option.RequestOption {
	opts := make([]option.RequestOption, 0, len(req.Params)+1)
	opts = append(opts, option.WithJSONSet("messages", req.Messages))
	for k, v := range req.Params {
		opts = append(opts, option.WithJSONSet(escapePath(k), json.RawMessage(v)))
	}
	return opts
}

var pathEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

// escapePath makes a body field name safe as a JSON path segment.
func escapePath(key string) string {
	return pathEscaper.Replace(key)
}

func toProviderError(provider string, err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		return providers.NewStatusError(provider, apiErr.StatusCode, msg, err)
	}
	var pe *providers.Error
	if errors.As(err, &pe) {
		return pe
	}
	return providers.NewConnectionError(provider, err)
}
