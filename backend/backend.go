// Package backend adapts the shared distributed key-value store behind a
// uniform interface. The Redis implementation is the production one; the
// in-memory implementation exists for tests and local development.
//
// Adapters surface errors instead of swallowing them: deciding whether a
// backend failure is fatal, degradable or ignorable belongs to the health
// controller and the loader, not to this layer.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps every connection-level backend failure so callers can
// classify it with errors.Is. It is never surfaced to an end caller of the
// cache layer; it only feeds health accounting.
var ErrUnavailable = errors.New("backend unavailable")

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. Messages is closed when the
// subscription ends, either by Close or by a connection loss; in the latter
// case the subscriber is expected to re-subscribe.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Backend is the uniform contract against the shared key-value store.
// Single-key operations are atomic at the key level; no multi-key
// transactionality is assumed anywhere in this module.
type Backend interface {
	// Get retrieves a value. The boolean reports a hit.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with the given TTL. TTL must be positive: an entry
	// without an expiry would defeat the staleness bound that TTLs provide
	// when invalidation delivery fails.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// Delete removes keys. Deleting absent keys is not an error.
	Delete(ctx context.Context, keys ...string) error

	// DeletePattern removes every key matching the glob pattern and returns
	// how many were removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// Expire resets the TTL of an existing key. Reports false when the key
	// does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Ping checks connectivity; it is the health probe operation.
	Ping(ctx context.Context) error

	// Publish sends a payload on a named channel (fire and forget).
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription on the named channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Close releases the underlying connections.
	Close() error
}
