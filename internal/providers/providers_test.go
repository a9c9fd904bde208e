package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestParseFamily(t *testing.T) {
	cases := map[string]Family{
		"openai":            FamilyOpenAI,
		"OpenAI_Compatible": FamilyOpenAI,
		"openrouter":        FamilyOpenRouter,
		"azure":             FamilyAzure,
		"gemini":            FamilyGemini,
		"anthropic":         FamilyAnthropic,
	}
	for in, want := range cases {
		got, err := ParseFamily(in)
		if err != nil || got != want {
			t.Errorf("ParseFamily(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFamily("bedrock"); err == nil {
		t.Error("unknown family must be rejected")
	}
}

func TestKindForStatus(t *testing.T) {
	cases := map[int]string{
		400: "BadRequestError",
		401: "AuthenticationError",
		403: "PermissionDeniedError",
		404: "NotFoundError",
		429: "RateLimitError",
		500: "InternalServerError",
		502: "InternalServerError",
		503: "ServiceUnavailableError",
		418: "APIError",
	}
	for status, want := range cases {
		if got := KindForStatus(status); got != want {
			t.Errorf("KindForStatus(%d) = %q, want %q", status, got, want)
		}
	}
}

func TestErrorSatisfiesUpstreamContract(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", NewStatusError("openai", 401, "bad key", nil))

	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatal("errors.As failed")
	}
	if s, ok := pe.StatusCode(); !ok || s != 401 {
		t.Fatalf("StatusCode = %d, %v", s, ok)
	}
	if pe.Kind() != "AuthenticationError" {
		t.Fatalf("Kind = %q", pe.Kind())
	}

	ce := NewConnectionError("openai", context.DeadlineExceeded)
	if _, ok := ce.StatusCode(); ok {
		t.Fatal("connection errors carry no status")
	}
	if ce.Kind() != "APITimeoutError" {
		t.Fatalf("Kind = %q", ce.Kind())
	}
}

func TestIsServerFault(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{NewStatusError("p", 400, "", nil), false},
		{NewStatusError("p", 401, "", nil), false},
		{NewStatusError("p", 429, "", nil), true},
		{NewStatusError("p", 503, "", nil), true},
		{NewConnectionError("p", errors.New("dial tcp: refused")), true},
		{errors.New("unknown"), true},
	}
	for _, c := range cases {
		if got := IsServerFault(c.err); got != c.want {
			t.Errorf("IsServerFault(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestParseMessages(t *testing.T) {
	raw := json.RawMessage(`[
		{"role":"system","content":"be brief"},
		{"role":"User","content":[{"type":"text","text":"hi "},{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"there"}]},
		{"role":"assistant","content":null}
	]`)

	msgs, err := ParseMessages(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d", len(msgs))
	}
	if msgs[1].Role != "user" || msgs[1].Content != "hi there" {
		t.Fatalf("msgs[1] = %+v", msgs[1])
	}

	system, rest := SplitSystem(msgs)
	if system != "be brief" || len(rest) != 2 {
		t.Fatalf("SplitSystem = %q, %d", system, len(rest))
	}

	if _, err := ParseMessages(json.RawMessage(`{"role":"user"}`)); err == nil {
		t.Fatal("non-array messages must fail")
	}
}

func TestParamReaders(t *testing.T) {
	params := map[string]json.RawMessage{
		"temperature":           json.RawMessage(`0.2`),
		"max_completion_tokens": json.RawMessage(`256`),
		"stop":                  json.RawMessage(`"END"`),
	}
	if f, ok := Float(params, "temperature"); !ok || f != 0.2 {
		t.Errorf("Float = %v, %v", f, ok)
	}
	if n, ok := Int(params, "max_tokens", "max_completion_tokens"); !ok || n != 256 {
		t.Errorf("Int = %v, %v", n, ok)
	}
	if ss, ok := Strings(params, "stop"); !ok || len(ss) != 1 || ss[0] != "END" {
		t.Errorf("Strings = %v, %v", ss, ok)
	}
	if _, ok := Float(params, "top_p"); ok {
		t.Error("missing field must report !ok")
	}
}

func TestPrime(t *testing.T) {
	ctx := context.Background()

	t.Run("first chunk error is returned", func(t *testing.T) {
		ch := make(chan Chunk, 1)
		ch <- Chunk{Err: NewStatusError("p", 401, "nope", nil)}
		close(ch)

		if _, err := Prime(ctx, ch); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("stream is replayed in full", func(t *testing.T) {
		ch := make(chan Chunk, 3)
		ch <- Chunk{Text: "a"}
		ch <- Chunk{Text: "b"}
		ch <- Chunk{Err: errors.New("mid-stream")}
		close(ch)

		out, err := Prime(ctx, ch)
		if err != nil {
			t.Fatal(err)
		}
		var got []Chunk
		for c := range out {
			got = append(got, c)
		}
		if len(got) != 3 || got[0].Text != "a" || got[2].Err == nil {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("empty stream", func(t *testing.T) {
		ch := make(chan Chunk)
		close(ch)
		out, err := Prime(ctx, ch)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := <-out; ok {
			t.Fatal("expected closed channel")
		}
	})
}

func TestClientUnsupportedFamily(t *testing.T) {
	c := NewClient(map[Family]Driver{})
	_, err := c.Complete(context.Background(), Endpoint{Name: "x", Family: "bedrock"}, &Request{})

	var pe *Error
	if !errors.As(err, &pe) || pe.Status != 400 {
		t.Fatalf("err = %v", err)
	}
}

func TestChunkJSON(t *testing.T) {
	var doc struct {
		Object  string `json:"object"`
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	}

	if err := json.Unmarshal(ChunkJSON("id", "m", "", "hi", "", nil), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Object != "chat.completion.chunk" || doc.Choices[0].Delta.Content != "hi" || doc.Choices[0].FinishReason != nil || doc.Usage != nil {
		t.Fatalf("doc = %+v", doc)
	}

	_ = json.Unmarshal(ChunkJSON("id", "m", "", "", "stop", &Usage{InputTokens: 3, OutputTokens: 4}), &doc)
	if doc.Choices[0].FinishReason == nil || *doc.Choices[0].FinishReason != "stop" || doc.Usage.TotalTokens != 7 {
		t.Fatalf("final doc = %+v", doc)
	}
}
