package did

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/verana-labs/trust-resolver/pkg/cache"
)

// Resolver turns a DID into its current document.
type Resolver interface {
	Resolve(ctx context.Context, didStr string) (*Document, error)
}

// MethodResolver dispatches on the DID method.
type MethodResolver struct {
	web *WebResolver
}

var _ Resolver = (*MethodResolver)(nil)

// NewMethodResolver builds the standard dispatch over did:web and
// did:webvh.
func NewMethodResolver(web *WebResolver) *MethodResolver {
	return &MethodResolver{web: web}
}

func (m *MethodResolver) Resolve(ctx context.Context, didStr string) (*Document, error) {
	d, err := Parse(didStr)
	if err != nil {
		return nil, err
	}
	switch d.Method {
	case "web":
		return m.web.ResolveWeb(ctx, d)
	case "webvh":
		return m.web.ResolveWebvh(ctx, d)
	default:
		return nil, fmt.Errorf("method %q: %w", d.Method, ErrMethodNotSupported)
	}
}

// CachedResolver layers the object cache over a Resolver. Documents are
// stored under resolver:obj:<did> so replicas share fetches; Invalidate
// drops the entry when a block names the DID.
type CachedResolver struct {
	inner Resolver
	cache cache.ObjectCache
	ttl   time.Duration
	log   *slog.Logger
}

var _ Resolver = (*CachedResolver)(nil)

// NewCachedResolver wraps inner with cache reads/writes at the given TTL.
func NewCachedResolver(inner Resolver, c cache.ObjectCache, ttl time.Duration, logger *slog.Logger) *CachedResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedResolver{
		inner: inner,
		cache: c,
		ttl:   ttl,
		log:   logger.With("component", "did_resolver"),
	}
}

func (r *CachedResolver) Resolve(ctx context.Context, didStr string) (*Document, error) {
	key := cache.ObjectKey(didStr)
	if raw, err := r.cache.Get(ctx, key); err == nil {
		doc, perr := ParseDocument(raw)
		if perr == nil {
			return doc, nil
		}
		// Unparseable entry: fall through to a fresh resolve.
		r.log.Warn("dropping corrupt cached document", "did", didStr, "error", perr)
		_ = r.cache.Delete(ctx, key)
	}
	doc, err := r.inner.Resolve(ctx, didStr)
	if err != nil {
		return nil, err
	}
	raw := doc.Raw
	if len(raw) == 0 {
		raw, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("serialize document %s: %w", didStr, err)
		}
	}
	if err := r.cache.Set(ctx, key, raw, r.ttl); err != nil {
		// Cache write failures degrade performance, not correctness.
		r.log.Warn("document cache write failed", "did", didStr, "error", err)
	}
	return doc, nil
}

// Invalidate removes the cached document for a DID.
func (r *CachedResolver) Invalidate(ctx context.Context, didStr string) error {
	return r.cache.Delete(ctx, cache.ObjectKey(didStr))
}
