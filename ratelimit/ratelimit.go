// Package ratelimit implements fixed-window request counters backed by the
// ephemeral store. Windows are per (bucket, identity) and expire on their
// own; the counter increment and the TTL stamp are a single atomic store
// operation.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/monkey-troop/coordinator/kv"
)

// Window is the fixed rate-limit window.
const Window = time.Hour

// Buckets and their per-window limits.
const (
	BucketDiscovery = "discovery"
	BucketInference = "inference"

	DiscoveryLimit = 100
	InferenceLimit = 20
)

// Limiter counts requests per identity within fixed windows.
type Limiter struct {
	store *kv.Store
}

// New constructs a limiter over the ephemeral store.
func New(store *kv.Store) *Limiter {
	return &Limiter{store: store}
}

// Allow counts one request for identity in bucket and reports whether it is
// within limit, along with the remaining allowance.
func (l *Limiter) Allow(ctx context.Context, bucket, identity string, limit int64) (bool, int64, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", bucket, identity)
	count, err := l.store.IncrementWithTTL(ctx, key, Window)
	if err != nil {
		return false, 0, err
	}
	if count > limit {
		return false, 0, nil
	}
	return true, limit - count, nil
}

// AllowDiscovery enforces the discovery limit (heartbeat, peers, models) for
// a client IP.
func (l *Limiter) AllowDiscovery(ctx context.Context, ip string) (bool, int64, error) {
	return l.Allow(ctx, BucketDiscovery, ip, DiscoveryLimit)
}

// AllowInference enforces the authorization limit for an identity, either a
// client IP or a requester public key; each gets its own window.
func (l *Limiter) AllowInference(ctx context.Context, identity string) (bool, int64, error) {
	return l.Allow(ctx, BucketInference, identity, InferenceLimit)
}

// Reset clears the window for a (bucket, identity) pair.
func (l *Limiter) Reset(ctx context.Context, bucket, identity string) error {
	return l.store.Delete(ctx, fmt.Sprintf("ratelimit:%s:%s", bucket, identity))
}
