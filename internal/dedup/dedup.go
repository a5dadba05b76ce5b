// Package dedup guarantees at most one scheduled analysis per correlation id
// within a time window, using an atomic set-if-absent with expiry.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultTTL is how long a claim blocks further analysis scheduling.
	DefaultTTL = 300 * time.Second

	// KeyPrefix namespaces claim keys in the shared backend.
	KeyPrefix = "analysis:triggered:"
)

// ErrClaimStore wraps any failure talking to the claim backend.
var ErrClaimStore = errors.New("claim store unavailable")

// Backend is an atomic key store with per-key expiry.
type Backend interface {
	// SetNX stores key only if absent (or expired) and reports whether it did.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// Coordinator hands out time-bounded analysis claims.
type Coordinator struct {
	backend Backend
	ttl     time.Duration
}

// New returns a Coordinator over backend. A non-positive ttl uses DefaultTTL.
func New(backend Backend, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{backend: backend, ttl: ttl}
}

// Key returns the backend key for a correlation id.
func Key(correlationID string) string {
	return KeyPrefix + correlationID
}

// TTL returns the claim lifetime.
func (c *Coordinator) TTL() time.Duration { return c.ttl }

// TryClaim atomically claims correlationID. Exactly one of any number of
// concurrent callers sees true until the claim expires or is released.
func (c *Coordinator) TryClaim(ctx context.Context, correlationID string) (bool, error) {
	ok, err := c.backend.SetNX(ctx, Key(correlationID), c.ttl)
	if err != nil {
		return false, fmt.Errorf("%w: claim %s: %w", ErrClaimStore, correlationID, err)
	}
	return ok, nil
}

// Release drops the claim so the next trigger can schedule again. Releasing
// an absent claim is not an error.
func (c *Coordinator) Release(ctx context.Context, correlationID string) error {
	if err := c.backend.Del(ctx, Key(correlationID)); err != nil {
		return fmt.Errorf("%w: release %s: %w", ErrClaimStore, correlationID, err)
	}
	return nil
}
