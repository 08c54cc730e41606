// Package kvstore is the key/value state layer shared by the idempotency
// store and the circuit breaker. Every mutation is a single key write with a
// TTL; there are no multi-key transactions.
package kvstore

import (
	"context"
	"time"
)

// Store is implemented by Memory and Redis.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// SetWithTTL overwrites key. A ttl <= 0 stores without expiry.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes key only when it is absent and reports whether it wrote.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// Keys lists live keys that start with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Redis)(nil)
)
