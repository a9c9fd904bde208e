// Package azure drives Azure OpenAI deployments. Azure speaks the OpenAI
// chat completions dialect but addresses models as deployments in the URL
// and authenticates with an "api-key" header instead of a bearer token.
//
// The provider's base URL is the resource endpoint, e.g.
// "https://myresource.openai.azure.com". An api-version query parameter on
// the base URL overrides the driver default. The routed model name is used
// as the deployment name.
package azure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nulpointcorp/modelgate/internal/providers"
)

type (
	chatResponse struct {
		Model   string   `json:"model"`
		Choices []choice `json:"choices"`
		Usage   *usage   `json:"usage"`
	}

	choice struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta,omitempty"`
	}

	usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	}

	errorEnvelope struct {
		Error *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	modelList struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
)

// Driver implements providers.Driver for Azure OpenAI.
type Driver struct {
	client     *http.Client
	apiVersion string
}

// New creates an Azure driver with a default api-version.
func New(httpClient *http.Client, apiVersion string) *Driver {
	return &Driver{client: httpClient, apiVersion: apiVersion}
}

// resource splits the endpoint into its base and effective api-version.
func (d *Driver) resource(ep providers.Endpoint) (string, string, error) {
	if ep.BaseURL == "" {
		return "", "", fmt.Errorf("azure: provider %s has no endpoint configured", ep.Name)
	}
	u, err := url.Parse(ep.BaseURL)
	if err != nil {
		return "", "", fmt.Errorf("azure: invalid endpoint %q: %w", ep.BaseURL, err)
	}
	version := u.Query().Get("api-version")
	if version == "" {
		version = d.apiVersion
	}
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/"), version, nil
}

// Complete implements providers.Driver.
func (d *Driver) Complete(ctx context.Context, ep providers.Endpoint, req *providers.Request) (*providers.Response, error) {
	base, version, err := d.resource(ep)
	if err != nil {
		return nil, err
	}

	target := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		base, url.PathEscape(req.Model), url.QueryEscape(version))

	body, err := buildBody(req)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	httpReq.Header.Set("api-key", ep.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, providers.NewConnectionError(ep.Name, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(ep.Name, resp)
	}

	if req.Stream {
		return d.stream(ctx, ep, req.Model, resp), nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providers.NewConnectionError(ep.Name, err)
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("azure: decode response: %w", err)
	}

	out := &providers.Response{Body: raw, Model: cr.Model}
	if cr.Usage != nil {
		out.Usage = providers.Usage{InputTokens: cr.Usage.PromptTokens, OutputTokens: cr.Usage.CompletionTokens}
	}
	return out, nil
}

func (d *Driver) stream(ctx context.Context, ep providers.Endpoint, model string, resp *http.Response) *providers.Response {
	ch := make(chan providers.Chunk, providers.StreamBuffer)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var cr chatResponse
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				continue
			}

			c := providers.Chunk{Data: []byte(data)}
			if len(cr.Choices) > 0 && cr.Choices[0].Delta != nil {
				c.Text = cr.Choices[0].Delta.Content
			}
			if cr.Usage != nil {
				c.Usage = &providers.Usage{InputTokens: cr.Usage.PromptTokens, OutputTokens: cr.Usage.CompletionTokens}
			}
			if !providers.Send(ctx, ch, c) {
				return
			}
		}

		if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
			providers.Send(ctx, ch, providers.Chunk{Err: providers.NewConnectionError(ep.Name, err)})
		}
	}()

	return &providers.Response{Model: model, Stream: ch}
}

// ListModels implements providers.Driver.
func (d *Driver) ListModels(ctx context.Context, ep providers.Endpoint) ([]string, error) {
	base, version, err := d.resource(ep)
	if err != nil {
		return nil, err
	}

	target := fmt.Sprintf("%s/openai/models?api-version=%s", base, url.QueryEscape(version))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	req.Header.Set("api-key", ep.APIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, providers.NewConnectionError(ep.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(ep.Name, resp)
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("azure: decode models: %w", err)
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// buildBody reassembles the client body without the model, which Azure
// takes from the deployment path.
func buildBody(req *providers.Request) ([]byte, error) {
	body := make(map[string]json.RawMessage, len(req.Params)+2)
	for k, v := range req.Params {
		body[k] = v
	}
	body["messages"] = req.Messages
	if req.Stream {
		body["stream"] = json.RawMessage(`true`)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

func parseError(provider string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var env errorEnvelope
	if json.Unmarshal(raw, &env) == nil && env.Error != nil && env.Error.Message != "" {
		return providers.NewStatusError(provider, resp.StatusCode, env.Error.Message, nil)
	}
	return providers.NewStatusError(provider, resp.StatusCode, "", nil)
}
