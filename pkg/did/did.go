// Package did resolves decentralized identifiers to DID documents. Two
// methods are dispatched natively, did:web and did:webvh; resolution
// failures are classified as permanent (bad identifier, unknown method,
// definitive 404) or transient (everything else), which drives the
// reattempt policy upstream.
package did

import (
	"errors"
	"fmt"
	"strings"
)

// Permanent resolution failures. Anything not matching these is treated as
// transient and retried.
var (
	ErrInvalidDid         = errors.New("invalidDid")
	ErrNotFound           = errors.New("notFound")
	ErrMethodNotSupported = errors.New("methodNotSupported")
)

// IsPermanent reports whether err is a definitive resolution failure that
// retrying cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidDid) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrMethodNotSupported)
}

// DID is a parsed identifier: did:<method>:<method-specific-id>, with any
// DID-URL suffix (path, query, fragment) split off.
type DID struct {
	Method   string
	ID       string
	Path     string
	Query    string
	Fragment string
}

// String reassembles the bare DID without its URL suffix.
func (d DID) String() string {
	return "did:" + d.Method + ":" + d.ID
}

// Parse splits a DID or DID URL into its parts.
func Parse(s string) (DID, error) {
	rest, ok := strings.CutPrefix(s, "did:")
	if !ok {
		return DID{}, fmt.Errorf("%q: %w", s, ErrInvalidDid)
	}
	method, id, ok := strings.Cut(rest, ":")
	if !ok || method == "" || id == "" {
		return DID{}, fmt.Errorf("%q: %w", s, ErrInvalidDid)
	}
	var d DID
	d.Method = method
	id, d.Fragment, _ = strings.Cut(id, "#")
	id, d.Query, _ = strings.Cut(id, "?")
	id, path, hasPath := strings.Cut(id, "/")
	if hasPath {
		d.Path = "/" + path
	}
	if id == "" {
		return DID{}, fmt.Errorf("%q: %w", s, ErrInvalidDid)
	}
	d.ID = id
	return d, nil
}

// BaseDid strips any path, query, or fragment from a DID URL, returning the
// bare identifier. Invalid input is returned unchanged.
func BaseDid(didURL string) string {
	d, err := Parse(didURL)
	if err != nil {
		return didURL
	}
	return d.String()
}
