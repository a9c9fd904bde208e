package routing

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(cfg)
	b.now = clock.Now
	return b, clock
}

func trip(b *Breaker, provider string) {
	for i := 0; i < DefaultErrorThreshold; i++ {
		b.RecordFailure(provider)
	}
}

func TestBreaker_UnknownProviderIsClosed(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{})

	if !b.Allow("p1") || !b.Available("p1") {
		t.Error("untracked provider should be allowed")
	}
	if b.State("p1") != StateClosed || b.State("p1").String() != "closed" {
		t.Errorf("state = %v", b.State("p1"))
	}
	b.RecordSuccess("p1")
	if len(b.States()) != 0 {
		t.Error("success alone should not create an entry")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{})

	for i := 0; i < DefaultErrorThreshold-1; i++ {
		b.RecordFailure("p1")
		if b.State("p1") != StateClosed {
			t.Fatalf("should remain closed before threshold, iteration %d", i)
		}
	}

	b.RecordFailure("p1")
	if b.State("p1") != StateOpen {
		t.Fatal("should be open after reaching threshold")
	}
	if b.Allow("p1") || b.Available("p1") {
		t.Error("open breaker should reject requests")
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{})

	for i := 0; i < DefaultErrorThreshold-1; i++ {
		b.RecordFailure("p1")
	}
	b.RecordSuccess("p1")

	for i := 0; i < DefaultErrorThreshold-1; i++ {
		b.RecordFailure("p1")
	}
	if b.State("p1") != StateClosed {
		t.Error("success should reset the error count")
	}
}

func TestBreaker_WindowReset(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{})

	for i := 0; i < DefaultErrorThreshold-1; i++ {
		b.RecordFailure("p1")
	}
	clock.Advance(DefaultTimeWindow + time.Second)
	b.RecordFailure("p1")

	if b.State("p1") != StateClosed {
		t.Error("errors outside the window should not count")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{})
	trip(b, "p1")

	clock.Advance(DefaultHalfOpenTimeout)

	if !b.Available("p1") {
		t.Fatal("should be available once the half-open timeout elapsed")
	}
	if b.State("p1") != StateOpen {
		t.Fatal("Available must not change state")
	}
	if !b.Allow("p1") {
		t.Fatal("should allow one probe")
	}
	if b.State("p1") != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State("p1"))
	}
	if b.Allow("p1") || b.Available("p1") {
		t.Error("second request should be rejected while the probe is in flight")
	}
}

func TestBreaker_HalfOpenOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b, clock := newTestBreaker(BreakerConfig{})
		trip(b, "p1")
		clock.Advance(DefaultHalfOpenTimeout)
		b.Allow("p1")

		b.RecordSuccess("p1")
		if b.State("p1") != StateClosed || !b.Allow("p1") {
			t.Error("success in half-open should close the breaker")
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		b, clock := newTestBreaker(BreakerConfig{})
		trip(b, "p1")
		clock.Advance(DefaultHalfOpenTimeout)
		b.Allow("p1")

		b.RecordFailure("p1")
		if b.State("p1") != StateOpen {
			t.Error("failure in half-open should reopen the breaker")
		}
	})
}

func TestBreaker_IndependentProviders(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{})
	trip(b, "p1")

	if b.State("p2") != StateClosed || !b.Allow("p2") {
		t.Error("p2 should be unaffected by p1")
	}
	states := b.States()
	if states["p1"] != "open" {
		t.Errorf("states = %v", states)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var got []BreakerState
	b, clock := newTestBreaker(BreakerConfig{
		ErrorThreshold: 2,
		OnStateChange:  func(_ string, to BreakerState) { got = append(got, to) },
	})

	b.RecordFailure("p1")
	b.RecordFailure("p1")
	b.RecordFailure("p1") // already open
	clock.Advance(DefaultHalfOpenTimeout)
	b.Allow("p1")
	b.RecordSuccess("p1")

	want := []BreakerState{StateOpen, StateHalfOpen, StateClosed}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
}

func TestBreaker_Forget(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{})
	trip(b, "p1")
	b.Forget("p1")

	if b.State("p1") != StateClosed {
		t.Error("forgotten provider should be closed")
	}
}
