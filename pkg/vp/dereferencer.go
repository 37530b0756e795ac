package vp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/verana-labs/trust-resolver/pkg/cache"
)

// Dereferenced is one successfully fetched presentation with its extracted
// credentials.
type Dereferenced struct {
	URL         string
	Credentials []json.RawMessage
}

// Failure is one endpoint that could not be dereferenced.
type Failure struct {
	URL string
	Err error
}

// Dereferencer fetches presentation envelopes, caching successes per URL.
type Dereferencer struct {
	client *http.Client
	cache  cache.ObjectCache
	ttl    time.Duration
	log    *slog.Logger
}

// defaultFetchTimeout bounds a single presentation download when no
// client is supplied.
const defaultFetchTimeout = 10 * time.Second

// Option adjusts a Dereferencer at construction.
type Option func(*Dereferencer)

// WithHTTPClient replaces the default fetch client, typically to apply
// the configured outbound timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(d *Dereferencer) { d.client = hc }
}

// NewDereferencer wires the shared object cache under the dereferencer.
func NewDereferencer(c cache.ObjectCache, ttl time.Duration, logger *slog.Logger, opts ...Option) *Dereferencer {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dereferencer{
		client: &http.Client{Timeout: defaultFetchTimeout},
		cache:  c,
		ttl:    ttl,
		log:    logger.With("component", "vp_dereferencer"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DereferenceAll fans out over every endpoint concurrently and collects
// results. Order of both slices follows the input endpoint order, so
// downstream credential evaluation is deterministic.
func (d *Dereferencer) DereferenceAll(ctx context.Context, endpoints []string) ([]Dereferenced, []Failure) {
	type slot struct {
		ok  *Dereferenced
		bad *Failure
	}
	results := make([]slot, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep string) {
			defer wg.Done()
			deref, err := d.dereference(ctx, ep)
			if err != nil {
				results[i] = slot{bad: &Failure{URL: ep, Err: err}}
				return
			}
			results[i] = slot{ok: deref}
		}(i, ep)
	}
	wg.Wait()

	var oks []Dereferenced
	var bads []Failure
	for _, r := range results {
		switch {
		case r.ok != nil:
			oks = append(oks, *r.ok)
		case r.bad != nil:
			bads = append(bads, *r.bad)
		}
	}
	return oks, bads
}

func (d *Dereferencer) dereference(ctx context.Context, endpoint string) (*Dereferenced, error) {
	key := cache.ObjectKey(endpoint)
	if raw, err := d.cache.Get(ctx, key); err == nil {
		creds, perr := ExtractCredentials(raw)
		if perr == nil {
			return &Dereferenced{URL: endpoint, Credentials: creds}, nil
		}
		_ = d.cache.Delete(ctx, key)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch presentation %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("presentation %s returned %d", endpoint, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read presentation %s: %w", endpoint, err)
	}
	creds, err := ExtractCredentials(raw)
	if err != nil {
		return nil, fmt.Errorf("presentation %s: %w", endpoint, err)
	}
	if err := d.cache.Set(ctx, key, raw, d.ttl); err != nil {
		d.log.Warn("presentation cache write failed", "url", endpoint, "error", err)
	}
	return &Dereferenced{URL: endpoint, Credentials: creds}, nil
}

// Invalidate drops the cached envelope for one endpoint.
func (d *Dereferencer) Invalidate(ctx context.Context, endpoint string) error {
	return d.cache.Delete(ctx, cache.ObjectKey(endpoint))
}
