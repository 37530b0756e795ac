package vpr

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sony/gobreaker"
)

// ClientConfig tunes the HTTP indexer client.
type ClientConfig struct {
	// BaseURL is the indexer root, e.g. http://indexer:1317.
	BaseURL string
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// MaxRetries is the number of re-attempts after the first try.
	MaxRetries int
	// MemoTTL bounds how long at-block responses are memoized. Zero
	// disables the memo.
	MemoTTL time.Duration
	// MemoCapacity bounds the memo entry count.
	MemoCapacity uint64
	Logger       *slog.Logger
}

func (c *ClientConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MemoCapacity == 0 {
		c.MemoCapacity = 4096
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client is the HTTP implementation of Indexer. Responses for historical
// (at-block) lookups are memoized: state at a fixed block never changes, so
// repeated reads within a poll cycle hit the memo instead of the wire.
type Client struct {
	base    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	memo    *ttlcache.Cache[string, []byte]
	retries int
	log     *slog.Logger
}

var _ Indexer = (*Client)(nil)

// NewClient builds an indexer client. Close releases the memo's expiry
// goroutine.
func NewClient(cfg ClientConfig) *Client {
	cfg.defaults()
	c := &Client{
		base:    cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		retries: cfg.MaxRetries,
		log:     cfg.Logger.With("component", "indexer_client"),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "indexer",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	if cfg.MemoTTL > 0 {
		c.memo = ttlcache.New[string, []byte](
			ttlcache.WithTTL[string, []byte](cfg.MemoTTL),
			ttlcache.WithCapacity[string, []byte](cfg.MemoCapacity),
		)
		go c.memo.Start()
	}
	return c
}

// Close stops the memo janitor.
func (c *Client) Close() {
	if c.memo != nil {
		c.memo.Stop()
	}
}

// ClearMemo drops every memoized response. The poller calls this at the
// start of each cycle so nothing from a previous cycle leaks forward.
func (c *Client) ClearMemo() {
	if c.memo != nil {
		c.memo.DeleteAll()
	}
}

// get fetches a path, retrying transient failures behind the breaker.
// memoize should only be set for immutable (at-block pinned) reads.
func (c *Client) get(ctx context.Context, path string, q url.Values, memoize bool) ([]byte, error) {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	if memoize && c.memo != nil {
		if item := c.memo.Get(u); item != nil {
			return item.Value(), nil
		}
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.attemptLoop(ctx, u)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("indexer unavailable: %w", err)
		}
		return nil, err
	}
	body := out.([]byte)
	if memoize && c.memo != nil {
		c.memo.Set(u, body, ttlcache.DefaultTTL)
	}
	return body, nil
}

func (c *Client) attemptLoop(ctx context.Context, u string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		body, retryable, err := c.attempt(ctx, u)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.log.Debug("indexer request retry", "url", u, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

// attempt performs one HTTP round trip. The bool reports retryability.
func (c *Client) attempt(ctx context.Context, u string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("indexer request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, true, fmt.Errorf("read indexer response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return body, false, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, fmt.Errorf("%s: %w", u, ErrNotFound)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("indexer status %d for %s", resp.StatusCode, u)
	default:
		return nil, false, fmt.Errorf("indexer status %d for %s", resp.StatusCode, u)
	}
}

// sleepBackoff waits base*2^(attempt-1) plus random jitter, honoring ctx.
func sleepBackoff(ctx context.Context, attempt int) error {
	d := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	if n, err := rand.Int(rand.Reader, big.NewInt(100)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// unwrap peels a single-key envelope ({"permission": {...}}) when present;
// bare payloads pass through untouched.
func unwrap(body []byte, keys ...string) []byte {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	for _, k := range keys {
		if v, ok := env[k]; ok && len(v) > 0 && string(v) != "null" {
			return v
		}
	}
	return body
}

func atBlockQuery(atBlock int64) url.Values {
	q := url.Values{}
	if atBlock > AtLatest {
		q.Set("at_block", strconv.FormatInt(atBlock, 10))
	}
	return q
}

func decodeInto(body []byte, dst any, envelopeKeys ...string) error {
	if err := json.Unmarshal(unwrap(body, envelopeKeys...), dst); err != nil {
		return fmt.Errorf("decode indexer response: %w", err)
	}
	return nil
}

func (c *Client) BlockHeight(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "/verana/indexer/v1/blocks/latest", nil, false)
	if err != nil {
		return 0, err
	}
	var out struct {
		Height int64 `json:"height"`
	}
	if err := decodeInto(body, &out, "block"); err != nil {
		return 0, err
	}
	return out.Height, nil
}

func (c *Client) ListChanges(ctx context.Context, height int64) ([]BlockActivity, error) {
	path := fmt.Sprintf("/verana/indexer/v1/blocks/%d/changes", height)
	body, err := c.get(ctx, path, nil, true)
	if err != nil {
		return nil, err
	}
	var out []BlockActivity
	if err := decodeInto(body, &out, "changes", "activities"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListCredentialSchemas(ctx context.Context, trID int64, atBlock int64) ([]CredentialSchema, error) {
	q := atBlockQuery(atBlock)
	if trID > 0 {
		q.Set("tr_id", strconv.FormatInt(trID, 10))
	}
	body, err := c.get(ctx, "/verana/indexer/v1/cs/v1/list", q, atBlock > AtLatest)
	if err != nil {
		return nil, err
	}
	var out []CredentialSchema
	if err := decodeInto(body, &out, "schemas", "credential_schemas"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CredentialSchemaByID(ctx context.Context, id int64, atBlock int64) (*CredentialSchema, error) {
	path := fmt.Sprintf("/verana/indexer/v1/cs/v1/get/%d", id)
	body, err := c.get(ctx, path, atBlockQuery(atBlock), atBlock > AtLatest)
	if err != nil {
		return nil, err
	}
	var out CredentialSchema
	if err := decodeInto(body, &out, "schema", "credential_schema"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) JSONSchemaContent(ctx context.Context, id int64, atBlock int64) ([]byte, error) {
	path := fmt.Sprintf("/verana/indexer/v1/cs/v1/js/%d", id)
	return c.get(ctx, path, atBlockQuery(atBlock), atBlock > AtLatest)
}

func (c *Client) ListPermissions(ctx context.Context, schemaID int64, typ PermissionType, atBlock int64) ([]Permission, error) {
	q := atBlockQuery(atBlock)
	q.Set("schema_id", strconv.FormatInt(schemaID, 10))
	if typ != "" {
		q.Set("type", string(typ))
	}
	body, err := c.get(ctx, "/verana/indexer/v1/perm/v1/list", q, atBlock > AtLatest)
	if err != nil {
		return nil, err
	}
	var out []Permission
	if err := decodeInto(body, &out, "permissions"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PermissionsByDid(ctx context.Context, did string, atBlock int64) ([]Permission, error) {
	q := atBlockQuery(atBlock)
	q.Set("did", did)
	body, err := c.get(ctx, "/verana/indexer/v1/perm/v1/list", q, atBlock > AtLatest)
	if err != nil {
		return nil, err
	}
	var out []Permission
	if err := decodeInto(body, &out, "permissions"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Permission(ctx context.Context, id int64, atBlock int64) (*Permission, error) {
	path := fmt.Sprintf("/verana/indexer/v1/perm/v1/get/%d", id)
	body, err := c.get(ctx, path, atBlockQuery(atBlock), atBlock > AtLatest)
	if err != nil {
		return nil, err
	}
	var out Permission
	if err := decodeInto(body, &out, "permission"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PermissionSession(ctx context.Context, id string, atBlock int64) (*PermissionSession, error) {
	path := "/verana/indexer/v1/perm/v1/session/" + url.PathEscape(id)
	body, err := c.get(ctx, path, atBlockQuery(atBlock), atBlock > AtLatest)
	if err != nil {
		return nil, err
	}
	var out PermissionSession
	if err := decodeInto(body, &out, "session", "permission_session"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FindBeneficiaries(ctx context.Context, issuerPermID, verifierPermID int64, atBlock int64) ([]Permission, error) {
	q := atBlockQuery(atBlock)
	if issuerPermID > 0 {
		q.Set("issuer_perm_id", strconv.FormatInt(issuerPermID, 10))
	}
	if verifierPermID > 0 {
		q.Set("verifier_perm_id", strconv.FormatInt(verifierPermID, 10))
	}
	body, err := c.get(ctx, "/verana/indexer/v1/perm/v1/beneficiaries", q, atBlock > AtLatest)
	if err != nil {
		return nil, err
	}
	var out []Permission
	if err := decodeInto(body, &out, "permissions", "beneficiaries"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) TrustRegistry(ctx context.Context, id int64, atBlock int64) (*TrustRegistry, error) {
	path := fmt.Sprintf("/verana/indexer/v1/tr/v1/get/%d", id)
	body, err := c.get(ctx, path, atBlockQuery(atBlock), atBlock > AtLatest)
	if err != nil {
		return nil, err
	}
	var out TrustRegistry
	if err := decodeInto(body, &out, "trust_registry"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) TrustRegistryByDid(ctx context.Context, did string, atBlock int64) (*TrustRegistry, error) {
	q := atBlockQuery(atBlock)
	q.Set("did", did)
	body, err := c.get(ctx, "/verana/indexer/v1/tr/v1/list", q, atBlock > AtLatest)
	if err != nil {
		return nil, err
	}
	var list []TrustRegistry
	if err := decodeInto(body, &list, "trust_registries"); err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Did == did {
			return &list[i], nil
		}
	}
	return nil, fmt.Errorf("trust registry for %s: %w", did, ErrNotFound)
}

func (c *Client) ListTrustRegistries(ctx context.Context, atBlock int64) ([]TrustRegistry, error) {
	body, err := c.get(ctx, "/verana/indexer/v1/tr/v1/list", atBlockQuery(atBlock), atBlock > AtLatest)
	if err != nil {
		return nil, err
	}
	var out []TrustRegistry
	if err := decodeInto(body, &out, "trust_registries"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Digest(ctx context.Context, digestSRI string, atBlock int64) (*Digest, error) {
	path := "/verana/indexer/v1/dd/v1/get/" + url.PathEscape(digestSRI)
	body, err := c.get(ctx, path, atBlockQuery(atBlock), atBlock > AtLatest)
	if err != nil {
		return nil, err
	}
	var out Digest
	if err := decodeInto(body, &out, "digest", "did_document_digest"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) TrustDeposit(ctx context.Context, account string, atBlock int64) (*TrustDeposit, error) {
	path := "/verana/indexer/v1/td/v1/get/" + url.PathEscape(account)
	body, err := c.get(ctx, path, atBlockQuery(atBlock), atBlock > AtLatest)
	if err != nil {
		return nil, err
	}
	var out TrustDeposit
	if err := decodeInto(body, &out, "trust_deposit"); err != nil {
		return nil, err
	}
	return &out, nil
}
