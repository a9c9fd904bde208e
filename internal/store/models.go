package store

import "time"

// Provider is a configured upstream endpoint.
type Provider struct {
	Name string `json:"name"`
	// Family selects the wire protocol: openai, openrouter, azure, gemini, anthropic.
	Family    string    `json:"provider_type"`
	APIKey    string    `json:"api_key,omitempty"`
	BaseURL   string    `json:"base_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Key is a gateway API key with its accounting state.
type Key struct {
	Key        string `json:"key"`
	Name       string `json:"name"`
	UsageCount int64  `json:"usage_count"`
	// UsageLimit caps lifetime requests. nil means unlimited.
	UsageLimit *int64 `json:"usage_limit"`
	// RateLimitPerMinute caps requests per fixed minute window. nil means unlimited.
	RateLimitPerMinute *int64    `json:"rate_limit_per_minute"`
	Active             bool      `json:"is_active"`
	Hidden             bool      `json:"is_hidden"`
	CreatedAt          time.Time `json:"created_at"`
}

// Group load-balancing strategies.
const (
	StrategyRandom     = "random"
	StrategyRoundRobin = "round_robin"
	StrategyWeighted   = "weighted"
)

// Group is a named pool of provider/model targets.
type Group struct {
	ID        string    `json:"id"`
	Strategy  string    `json:"strategy"`
	Members   []Member  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// Member is one target of a group.
type Member struct {
	ID          string `json:"id"`
	GroupID     string `json:"group_id"`
	Provider    string `json:"provider"`
	TargetModel string `json:"target_model"`
	Weight      int    `json:"weight"`
}

// Alias forwards a requested model name to another route.
type Alias struct {
	Source string `json:"source_model"`
	Target string `json:"target_model"`
}

// Request log statuses.
const (
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusFail       = "fail"
)

// RequestLog is the audit row of one billable request.
type RequestLog struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	GatewayKey   string    `json:"gateway_key"`
	Model        string    `json:"model"`
	RealModel    string    `json:"real_model"`
	Provider     string    `json:"provider"`
	Status       string    `json:"status"`
	StatusCode   int       `json:"status_code"`
	Stream       bool      `json:"stream"`
	LatencyMs    int64     `json:"latency_ms"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Error        string    `json:"error,omitempty"`
	App          string    `json:"app"`
	IP           string    `json:"ip"`
}
