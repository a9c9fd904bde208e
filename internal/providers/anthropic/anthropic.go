// Package anthropic drives the Anthropic Messages API through the official
// SDK and translates results into OpenAI chat completion documents.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/modelgate/internal/providers"
)

// defaultMaxTokens applies when the client sets no limit; the Messages API
// requires one.
const defaultMaxTokens = 4096

// Driver implements providers.Driver for the anthropic family.
type Driver struct {
	httpClient *http.Client
}

func New(httpClient *http.Client) *Driver {
	return &Driver{httpClient: httpClient}
}

func (d *Driver) client(ep providers.Endpoint) anthropic.Client {
	base := ep.BaseURL
	if base == "" {
		base = providers.FamilyAnthropic.DefaultBaseURL()
	}
	return anthropic.NewClient(
		option.WithAPIKey(ep.APIKey),
		option.WithBaseURL(base),
		option.WithHTTPClient(d.httpClient),
		option.WithMaxRetries(0),
	)
}

// Complete implements providers.Driver.
func (d *Driver) Complete(ctx context.Context, ep providers.Endpoint, req *providers.Request) (*providers.Response, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, providers.NewStatusError(ep.Name, http.StatusBadRequest, err.Error(), err)
	}

	client := d.client(ep)
	if req.Stream {
		return d.stream(ctx, ep, client, req.Model, params)
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, toProviderError(ep.Name, err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if tb, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	usage := providers.Usage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}

	id := msg.ID
	if id == "" {
		id = providers.NewCompletionID()
	}

	return &providers.Response{
		Body:  providers.CompletionJSON(id, req.Model, sb.String(), stopReason(msg.StopReason), usage),
		Model: req.Model,
		Usage: usage,
	}, nil
}

func (d *Driver) stream(
	ctx context.Context,
	ep providers.Endpoint,
	client anthropic.Client,
	model string,
	params anthropic.MessageNewParams,
) (*providers.Response, error) {
	ch := make(chan providers.Chunk, providers.StreamBuffer)
	stream := client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)
		defer stream.Close()

		id := providers.NewCompletionID()
		var inputTokens int64

		for stream.Next() {
			var chunk providers.Chunk

			switch ev := stream.Current().AsAny().(type) {
			case anthropic.MessageStartEvent:
				if ev.Message.ID != "" {
					id = ev.Message.ID
				}
				inputTokens = ev.Message.Usage.InputTokens
				chunk.Data = providers.ChunkJSON(id, model, "assistant", "", "", nil)

			case anthropic.ContentBlockDeltaEvent:
				td, ok := ev.Delta.AsAny().(anthropic.TextDelta)
				if !ok || td.Text == "" {
					continue
				}
				chunk.Text = td.Text
				chunk.Data = providers.ChunkJSON(id, model, "", td.Text, "", nil)

			case anthropic.MessageDeltaEvent:
				if ev.Delta.StopReason == "" {
					continue
				}
				chunk.Usage = &providers.Usage{InputTokens: inputTokens, OutputTokens: ev.Usage.OutputTokens}
				chunk.Data = providers.ChunkJSON(id, model, "", "", stopReason(ev.Delta.StopReason), chunk.Usage)

			default:
				continue
			}

			if !providers.Send(ctx, ch, chunk) {
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
	page, err := client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1000),
	})
	if err != nil {
		return nil, toProviderError(ep.Name, err)
	}

	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func buildParams(req *providers.Request) (anthropic.MessageNewParams, error) {
	msgs, err := providers.ParseMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	system, rest := providers.SplitSystem(msgs)

	out := make([]anthropic.MessageParam, 0, len(rest))
	for _, m := range rest {
		role := anthropic.MessageParamRoleUser
		if m.Role == "assistant" {
			role = anthropic.MessageParamRoleAssistant
		}
		out = append(out, anthropic.MessageParam{
			Role: role,
			Content: []anthropic.ContentBlockParamUnion{
				{OfText: &anthropic.TextBlockParam{Text: m.Content}},
			},
		})
	}

	maxTokens, ok := providers.Int(req.Params, "max_completion_tokens", "max_tokens")
	if !ok || maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  out,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if t, ok := providers.Float(req.Params, "temperature"); ok {
		params.Temperature = anthropic.Float(t)
	}
	if p, ok := providers.Float(req.Params, "top_p"); ok {
		params.TopP = anthropic.Float(p)
	}
	if stop, ok := providers.Strings(req.Params, "stop"); ok && len(stop) > 0 {
		params.StopSequences = stop
	}
	return params, nil
}

func stopReason(r anthropic.StopReason) string {
	switch r {
	case anthropic.StopReasonMaxTokens:
		return "length"
	case anthropic.StopReasonToolUse:
		return "tool_calls"
	}
	return "stop"
}

func toProviderError(provider string, err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return providers.NewStatusError(provider, apierr.StatusCode, errorMessage(apierr), err)
	}
	return providers.NewConnectionError(provider, err)
}

// errorMessage pulls error.message out of the response body.
func errorMessage(e *anthropic.Error) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(e.RawJSON()), &env) == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return e.Error()
}
