package routing

import (
	"sync"
	"time"
)

// BreakerState is the state of one provider's circuit breaker.
//
//	StateClosed   normal operation; the provider is selectable.
//	StateOpen     the provider is failing; group selection skips it.
//	StateHalfOpen recovery probe; one request may reach the provider.
type BreakerState int

const (
	StateClosed   BreakerState = 0
	StateOpen     BreakerState = 1
	StateHalfOpen BreakerState = 2
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "closed"
}

// Breaker defaults.
const (
	DefaultErrorThreshold  = 5
	DefaultTimeWindow      = 60 * time.Second
	DefaultHalfOpenTimeout = 30 * time.Second
)

// BreakerConfig holds circuit breaker tuning parameters. Zero values fall
// back to the package defaults.
type BreakerConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker.
	ErrorThreshold int

	// TimeWindow is the window for counting errors.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request.
	HalfOpenTimeout time.Duration

	// OnStateChange, if set, is called after every state transition.
	OnStateChange func(provider string, to BreakerState)
}

func (c *BreakerConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return DefaultErrorThreshold
}

func (c *BreakerConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return DefaultTimeWindow
}

func (c *BreakerConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return DefaultHalfOpenTimeout
}

type providerBreaker struct {
	mu sync.Mutex

	state         BreakerState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped
	probeInflight bool
}

// Breaker keeps an independent circuit breaker per provider name. Providers
// come and go with the routing snapshot, so entries are created on first
// failure; a provider with no entry is closed.
type Breaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerBreaker
	cfg      BreakerConfig
	now      func() time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		breakers: make(map[string]*providerBreaker),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Available reports, without changing state, whether provider could take a
// request now.
func (b *Breaker) Available(provider string) bool {
	pb := b.get(provider)
	if pb == nil {
		return true
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()

	switch pb.state {
	case StateOpen:
		return b.now().Sub(pb.openedAt) >= b.cfg.halfOpenTimeout()
	case StateHalfOpen:
		return !pb.probeInflight
	}
	return true
}

// Allow reports whether provider should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false, unless the half-open timeout has elapsed, in which
//     case the breaker moves to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is in flight.
func (b *Breaker) Allow(provider string) bool {
	pb := b.get(provider)
	if pb == nil {
		return true
	}

	pb.mu.Lock()
	var changed bool
	allowed := true

	switch pb.state {
	case StateOpen:
		if b.now().Sub(pb.openedAt) >= b.cfg.halfOpenTimeout() {
			pb.state = StateHalfOpen
			pb.probeInflight = true
			changed = true
		} else {
			allowed = false
		}
	case StateHalfOpen:
		if pb.probeInflight {
			allowed = false
		} else {
			pb.probeInflight = true
		}
	}
	pb.mu.Unlock()

	if changed {
		b.notify(provider, StateHalfOpen)
	}
	return allowed
}

// RecordSuccess closes the breaker for provider.
func (b *Breaker) RecordSuccess(provider string) {
	pb := b.get(provider)
	if pb == nil {
		return
	}

	pb.mu.Lock()
	changed := pb.state != StateClosed
	pb.state = StateClosed
	pb.errorCount = 0
	pb.probeInflight = false
	pb.windowStart = b.now()
	pb.mu.Unlock()

	if changed {
		b.notify(provider, StateClosed)
	}
}

// RecordFailure counts a failure for provider. Reaching ErrorThreshold
// within TimeWindow opens the breaker; a failed half-open probe reopens it.
func (b *Breaker) RecordFailure(provider string) {
	pb := b.getOrCreate(provider)

	pb.mu.Lock()
	now := b.now()
	if now.Sub(pb.windowStart) > b.cfg.timeWindow() {
		pb.errorCount = 0
		pb.windowStart = now
	}

	pb.errorCount++
	pb.probeInflight = false

	var changed bool
	if pb.state == StateHalfOpen || pb.errorCount >= b.cfg.errorThreshold() {
		changed = pb.state != StateOpen
		pb.state = StateOpen
		pb.openedAt = now
	}
	pb.mu.Unlock()

	if changed {
		b.notify(provider, StateOpen)
	}
}

// State returns the current state for provider.
func (b *Breaker) State(provider string) BreakerState {
	pb := b.get(provider)
	if pb == nil {
		return StateClosed
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.state
}

// States returns the state of every tracked provider.
func (b *Breaker) States() map[string]string {
	b.mu.RLock()
	names := make([]string, 0, len(b.breakers))
	for name := range b.breakers {
		names = append(names, name)
	}
	b.mu.RUnlock()

	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = b.State(name).String()
	}
	return out
}

// Forget drops the breaker of a provider that no longer exists.
func (b *Breaker) Forget(provider string) {
	b.mu.Lock()
	delete(b.breakers, provider)
	b.mu.Unlock()
}

func (b *Breaker) notify(provider string, to BreakerState) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(provider, to)
	}
}

func (b *Breaker) get(provider string) *providerBreaker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.breakers[provider]
}

func (b *Breaker) getOrCreate(provider string) *providerBreaker {
	if pb := b.get(provider); pb != nil {
		return pb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if pb, ok := b.breakers[provider]; ok {
		return pb
	}
	pb := &providerBreaker{windowStart: b.now()}
	b.breakers[provider] = pb
	return pb
}
