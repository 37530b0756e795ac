package did

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebResolver resolves did:web and did:webvh identifiers over HTTPS.
type WebResolver struct {
	client *http.Client
	// insecure switches to http:// for test servers.
	insecure bool
}

// WebOption adjusts a WebResolver.
type WebOption func(*WebResolver)

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(c *http.Client) WebOption {
	return func(w *WebResolver) { w.client = c }
}

// WithInsecureHTTP fetches documents over plain http. Test use only.
func WithInsecureHTTP() WebOption {
	return func(w *WebResolver) { w.insecure = true }
}

// NewWebResolver builds a resolver with a 10 second fetch timeout.
func NewWebResolver(opts ...WebOption) *WebResolver {
	w := &WebResolver{client: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// webURL maps did:web:<host>[:path…] to its document URL. Ports arrive
// percent-encoded (example.com%3A8080).
func (w *WebResolver) webURL(id string) (string, error) {
	parts := strings.Split(id, ":")
	host, err := url.PathUnescape(parts[0])
	if err != nil || host == "" {
		return "", fmt.Errorf("did:web id %q: %w", id, ErrInvalidDid)
	}
	scheme := "https"
	if w.insecure {
		scheme = "http"
	}
	if len(parts) == 1 {
		return scheme + "://" + host + "/.well-known/did.json", nil
	}
	segs := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		seg, err := url.PathUnescape(p)
		if err != nil || seg == "" {
			return "", fmt.Errorf("did:web id %q: %w", id, ErrInvalidDid)
		}
		segs = append(segs, seg)
	}
	return scheme + "://" + host + "/" + strings.Join(segs, "/") + "/did.json", nil
}

// webvhURL maps did:webvh:<scid>:<host>[:path…] to its log URL.
func (w *WebResolver) webvhURL(id string) (string, error) {
	parts := strings.Split(id, ":")
	if len(parts) < 2 || parts[0] == "" {
		return "", fmt.Errorf("did:webvh id %q: %w", id, ErrInvalidDid)
	}
	host, err := url.PathUnescape(parts[1])
	if err != nil || host == "" {
		return "", fmt.Errorf("did:webvh id %q: %w", id, ErrInvalidDid)
	}
	scheme := "https"
	if w.insecure {
		scheme = "http"
	}
	if len(parts) == 2 {
		return scheme + "://" + host + "/.well-known/did.jsonl", nil
	}
	segs := make([]string, 0, len(parts)-2)
	for _, p := range parts[2:] {
		seg, err := url.PathUnescape(p)
		if err != nil || seg == "" {
			return "", fmt.Errorf("did:webvh id %q: %w", id, ErrInvalidDid)
		}
		segs = append(segs, seg)
	}
	return scheme + "://" + host + "/" + strings.Join(segs, "/") + "/did.jsonl", nil
}

func (w *WebResolver) fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", u, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%s returned %d: %w", u, resp.StatusCode, ErrNotFound)
	default:
		return nil, fmt.Errorf("%s returned %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	return body, nil
}

// ResolveWeb fetches and parses a did:web document.
func (w *WebResolver) ResolveWeb(ctx context.Context, d DID) (*Document, error) {
	u, err := w.webURL(d.ID)
	if err != nil {
		return nil, err
	}
	body, err := w.fetch(ctx, u)
	if err != nil {
		return nil, err
	}
	doc, err := ParseDocument(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", d.String(), ErrNotFound, err)
	}
	if doc.ID != d.String() {
		return nil, fmt.Errorf("document id %s does not match %s: %w", doc.ID, d.String(), ErrNotFound)
	}
	return doc, nil
}

// ResolveWebvh fetches a did:webvh log and returns the latest state. Each
// log line is a JSON entry whose state field holds the document at that
// version; the last line wins.
func (w *WebResolver) ResolveWebvh(ctx context.Context, d DID) (*Document, error) {
	u, err := w.webvhURL(d.ID)
	if err != nil {
		return nil, err
	}
	body, err := w.fetch(ctx, u)
	if err != nil {
		return nil, err
	}
	var lastState json.RawMessage
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry struct {
			State json.RawMessage `json:"state"`
		}
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("parse did log line: %w", err)
		}
		if len(entry.State) > 0 {
			lastState = append(lastState[:0], entry.State...)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan did log: %w", err)
	}
	if len(lastState) == 0 {
		return nil, fmt.Errorf("%s: empty did log: %w", d.String(), ErrNotFound)
	}
	doc, err := ParseDocument(lastState)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", d.String(), ErrNotFound, err)
	}
	if doc.ID != d.String() {
		return nil, fmt.Errorf("document id %s does not match %s: %w", doc.ID, d.String(), ErrNotFound)
	}
	return doc, nil
}
