// Package admission authenticates gateway keys and decides whether a request
// may be dispatched: lifetime quota first, then the per-minute rate limit.
//
// Admitting a request increments the key's usage counter before dispatch,
// so a call that later fails upstream still consumes quota. The quota check
// is read-then-act; two requests racing at the boundary can both pass.
package admission

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"

	"github.com/nulpointcorp/modelgate/internal/ratelimit"
	"github.com/nulpointcorp/modelgate/internal/store"
	"github.com/nulpointcorp/modelgate/pkg/apierr"
)

// TrackerKey is the hidden key that accounts requests made with the master key.
const TrackerKey = "MASTER_ADMIN_TRACKER"

// KeyStore reads and accounts gateway keys.
type KeyStore interface {
	GetKey(ctx context.Context, token string) (store.Key, error)
	IncrementUsage(ctx context.Context, token string) (int64, error)
}

// RateLimiter is satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	Allow(ctx context.Context, id string, limit int64) (ratelimit.Result, error)
}

// Decision carries what an admitted request needs to report back.
type Decision struct {
	UsageCount int64
	// RateLimit is set when the key has a per-minute limit and a limiter ran.
	RateLimit *ratelimit.Result
}

// Controller is safe for concurrent use.
type Controller struct {
	keys      KeyStore
	limiter   RateLimiter
	masterKey string
}

// New creates a Controller. A nil limiter disables rate limiting, which is
// how the gateway runs without a shared counter store.
func New(keys KeyStore, limiter RateLimiter, masterKey string) *Controller {
	return &Controller{keys: keys, limiter: limiter, masterKey: masterKey}
}

// RateLimiting reports whether per-minute limits are enforced.
func (c *Controller) RateLimiting() bool { return c.limiter != nil }

// TrackerKeyRecord is the row the gateway seeds for master-key accounting.
func TrackerKeyRecord() store.Key {
	return store.Key{Key: TrackerKey, Name: "Master key usage", Active: true, Hidden: true}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// IsMaster reports whether token is the master key.
func (c *Controller) IsMaster(token string) bool {
	if token == "" || c.masterKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(c.masterKey)) == 1
}

// Authenticate resolves the Authorization header to a gateway key.
// The master key resolves to the hidden tracker key.
func (c *Controller) Authenticate(ctx context.Context, header string) (store.Key, error) {
	token := BearerToken(header)
	if token == "" {
		return store.Key{}, apierr.Unauthorized("Missing or malformed Authorization header; expected 'Bearer <key>'")
	}

	lookup := token
	if c.IsMaster(token) {
		lookup = TrackerKey
	}

	k, err := c.keys.GetKey(ctx, lookup)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if lookup == TrackerKey {
			return store.Key{}, apierr.Internal("master key tracker is not initialised")
		}
		return store.Key{}, apierr.Unauthorized("Invalid API key")
	case err != nil:
		return store.Key{}, apierr.Internal("key lookup failed: %v", err)
	}

	if !k.Active {
		return store.Key{}, apierr.Unauthorized("API key is disabled")
	}
	return k, nil
}

// Admit enforces quota and rate limit for k, then records the usage.
func (c *Controller) Admit(ctx context.Context, k store.Key) (Decision, error) {
	var d Decision

	if k.UsageLimit != nil && k.UsageCount >= *k.UsageLimit {
		return d, apierr.QuotaExceeded("usage limit of %d requests reached for this key", *k.UsageLimit)
	}

	if k.RateLimitPerMinute != nil && c.limiter != nil {
		res, err := c.limiter.Allow(ctx, k.Key, *k.RateLimitPerMinute)
		if err != nil {
			slog.WarnContext(ctx, "rate_limit_degraded",
				slog.String("key_name", k.Name),
				slog.String("error", err.Error()),
			)
		}
		d.RateLimit = &res
		if !res.Allowed {
			return d, apierr.RateLimited("rate limit of %d requests per minute exceeded", *k.RateLimitPerMinute)
		}
	}

	n, err := c.keys.IncrementUsage(ctx, k.Key)
	if err != nil {
		return d, apierr.Internal("failed to record usage: %v", err)
	}
	d.UsageCount = n

	return d, nil
}
