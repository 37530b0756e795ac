// Package cache provides the shared object cache the resolver keeps DID
// documents, dereferenced presentations, and counters in. The cache is an
// accelerator only: every correctness decision is re-derivable from the
// durable store and the registry, so a cold or flushed cache is safe.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Key namespaces. Objects (DID documents, VP envelopes, schemas) live under
// resolver:obj:<didOrUrl>; small shared scalars under resolver:state:<name>.
const (
	objPrefix   = "resolver:obj:"
	statePrefix = "resolver:state:"
)

// ObjectKey returns the cache key for a dereferenceable object.
func ObjectKey(didOrURL string) string { return objPrefix + didOrURL }

// StateKey returns the cache key for a named shared scalar.
func StateKey(name string) string { return statePrefix + name }

// ObjectCache stores opaque byte values with per-entry TTLs.
type ObjectCache interface {
	// Get returns the value for key or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key for ttl. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key; absent keys are not an error.
	Delete(ctx context.Context, key string) error
	// Incr atomically increments the integer at key and returns the new
	// value, initializing absent keys to zero first.
	Incr(ctx context.Context, key string) (int64, error)
	// Close releases client resources.
	Close() error
}
