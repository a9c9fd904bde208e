// Package gemini drives Google AI Studio models through the official GenAI
// SDK and translates results into OpenAI chat completion documents.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/modelgate/internal/providers"
)

// Driver implements providers.Driver for the gemini family.
type Driver struct {
	httpClient *http.Client
}

func New(httpClient *http.Client) *Driver {
	return &Driver{httpClient: httpClient}
}

func (d *Driver) client(ctx context.Context, ep providers.Endpoint) (*genai.Client, error) {
	raw := ep.BaseURL
	if raw == "" {
		raw = providers.FamilyGemini.DefaultBaseURL()
	}
	base, version := splitBaseURLAndVersion(raw)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      ep.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  d.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: version},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client for %s: %w", ep.Name, err)
	}
	return client, nil
}

// Complete implements providers.Driver.
func (d *Driver) Complete(ctx context.Context, ep providers.Endpoint, req *providers.Request) (*providers.Response, error) {
	contents, cfg, err := buildContents(req)
	if err != nil {
		return nil, providers.NewStatusError(ep.Name, http.StatusBadRequest, err.Error(), err)
	}

	client, err := d.client(ctx, ep)
	if err != nil {
		return nil, err
	}

	if req.Stream {
		return d.stream(ctx, ep, client, req.Model, contents, cfg)
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(ep.Name, err)
	}

	var (
		text   string
		finish = "stop"
		usage  providers.Usage
	)
	if resp != nil {
		text = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			finish = finishReason(resp.Candidates[0].FinishReason)
		}
		usage = usageOf(resp.UsageMetadata)
	}

	return &providers.Response{
		Body:  providers.CompletionJSON(providers.NewCompletionID(), req.Model, text, finish, usage),
		Model: req.Model,
		Usage: usage,
	}, nil
}

func (d *Driver) stream(
	ctx context.Context,
	ep providers.Endpoint,
	client *genai.Client,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.Response, error) {
	ch := make(chan providers.Chunk, providers.StreamBuffer)
	id := providers.NewCompletionID()

	go func() {
		defer close(ch)

		role := "assistant"
		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				providers.Send(ctx, ch, providers.Chunk{Err: toProviderError(ep.Name, err)})
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			finish := ""
			if c.FinishReason != "" {
				finish = finishReason(c.FinishReason)
			}
			if text == "" && finish == "" {
				continue
			}

			chunk := providers.Chunk{Text: text}
			if finish != "" && resp.UsageMetadata != nil {
				u := usageOf(resp.UsageMetadata)
				chunk.Usage = &u
			}
			chunk.Data = providers.ChunkJSON(id, model, role, text, finish, chunk.Usage)
			role = ""

			if !providers.Send(ctx, ch, chunk) {
				return
			}
		}
	}()

	out, err := providers.Prime(ctx, ch)
	if err != nil {
		return nil, err
	}
	return &providers.Response{Model: model, Stream: out}, nil
}

// ListModels implements providers.Driver. Names lose their "models/" prefix.
func (d *Driver) ListModels(ctx context.Context, ep providers.Endpoint) ([]string, error) {
	client, err := d.client(ctx, ep)
	if err != nil {
		return nil, err
	}

	page, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1000})
	if err != nil {
		return nil, toProviderError(ep.Name, err)
	}

	ids := make([]string, 0, len(page.Items))
	for _, m := range page.Items {
		if m == nil {
			continue
		}
		ids = append(ids, strings.TrimPrefix(m.Name, "models/"))
	}
	return ids, nil
}

func buildContents(req *providers.Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	msgs, err := providers.ParseMessages(req.Messages)
	if err != nil {
		return nil, nil, err
	}
	system, rest := providers.SplitSystem(msgs)

	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := genai.RoleUser
		if m.Role == "assistant" || m.Role == "model" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.Role(role)))
	}

	cfg := &genai.GenerateContentConfig{}
	used := false

	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
		used = true
	}
	if t, ok := providers.Float(req.Params, "temperature"); ok {
		cfg.Temperature = genai.Ptr(float32(t))
		used = true
	}
	if p, ok := providers.Float(req.Params, "top_p"); ok {
		cfg.TopP = genai.Ptr(float32(p))
		used = true
	}
	if n, ok := providers.Int(req.Params, "max_completion_tokens", "max_tokens"); ok && n > 0 {
		cfg.MaxOutputTokens = int32(n)
		used = true
	}
	if stop, ok := providers.Strings(req.Params, "stop"); ok && len(stop) > 0 {
		cfg.StopSequences = stop
		used = true
	}

	if !used {
		return contents, nil, nil
	}
	return contents, cfg, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" && !p.Thought {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func finishReason(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonStop, "":
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent, genai.FinishReasonSPII:
		return "content_filter"
	}
	return strings.ToLower(string(r))
}

func usageOf(m *genai.GenerateContentResponseUsageMetadata) providers.Usage {
	if m == nil {
		return providers.Usage{}
	}
	return providers.Usage{
		InputTokens:  int64(m.PromptTokenCount),
		OutputTokens: int64(m.CandidatesTokenCount),
	}
}

// splitBaseURLAndVersion turns "https://host/v1beta" into the SDK's
// separate base URL and API version.
func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func toProviderError(provider string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return providers.NewStatusError(provider, apiErr.Code, apiErr.Message, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return providers.NewStatusError(provider, apiErrPtr.Code, apiErrPtr.Message, err)
	}
	return providers.NewConnectionError(provider, err)
}
