// Package credential evaluates a single verifiable credential: signature
// verification, on-chain schema resolution, ECS classification, effective
// issuance anchoring, issuer authorization, and permission-chain
// construction. The package is pure mechanics; orchestration across a DID's
// credential set lives in the trust package.
package credential

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Format tags the three credential encodings the resolver understands.
type Format string

const (
	FormatW3CJSONLD Format = "w3c-jsonld"
	FormatW3CJWT    Format = "w3c-jwt"
	FormatAnonCreds Format = "anoncreds"
)

// TypeJSONSchemaCredential marks a credential whose subject is itself a
// JSON schema anchored on chain.
const TypeJSONSchemaCredential = "JsonSchemaCredential"

// Credential is the parsed union of the three formats. Doc always holds
// the credential body as a JSON object: the envelope itself for JSON-LD
// and anoncreds, the vc claim (or the full claim set) for JWTs.
type Credential struct {
	Format Format
	Raw    json.RawMessage
	// JWT is the compact serialization, set only for FormatW3CJWT.
	JWT string
	Doc map[string]any
}

// ParseEntry classifies one verifiableCredential entry. A JSON string is a
// compact JWS; an object with anoncreds markers (schema_id, cred_def_id)
// is anoncreds; any other object is treated as JSON-LD.
func ParseEntry(raw json.RawMessage) (*Credential, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("empty credential entry")
	}
	if trimmed[0] == '"' {
		var compact string
		if err := json.Unmarshal(raw, &compact); err != nil {
			return nil, fmt.Errorf("parse jwt credential: %w", err)
		}
		if strings.Count(compact, ".") != 2 {
			return nil, fmt.Errorf("jwt credential is not a three-part compact JWS")
		}
		return &Credential{Format: FormatW3CJWT, Raw: raw, JWT: compact}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse credential object: %w", err)
	}
	c := &Credential{Raw: raw, Doc: doc}
	if _, hasSchema := doc["schema_id"]; hasSchema {
		if _, hasCredDef := doc["cred_def_id"]; hasCredDef {
			c.Format = FormatAnonCreds
			return c, nil
		}
	}
	c.Format = FormatW3CJSONLD
	return c, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// ID returns the credential's identifier: the id field, else the JWT jti
// claim, else empty.
func (c *Credential) ID() string {
	if c.Doc != nil {
		if id := str(c.Doc["id"]); id != "" {
			return id
		}
		if jti := str(c.Doc["jti"]); jti != "" {
			return jti
		}
	}
	return ""
}

// Types returns the credential's type field flattened to strings.
func (c *Credential) Types() []string {
	if c.Doc == nil {
		return nil
	}
	switch v := c.Doc["type"].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// HasType reports whether the type list contains want.
func (c *Credential) HasType(want string) bool {
	for _, t := range c.Types() {
		if t == want {
			return true
		}
	}
	return false
}

// Issuer returns the issuing DID: issuer as a string, issuer.id as an
// object, or the JWT iss claim.
func (c *Credential) Issuer() string {
	if c.Doc == nil {
		return ""
	}
	switch v := c.Doc["issuer"].(type) {
	case string:
		return v
	case map[string]any:
		return str(v["id"])
	}
	return str(c.Doc["iss"])
}

// Subject returns the credentialSubject object, or nil.
func (c *Credential) Subject() map[string]any {
	if c.Doc == nil {
		return nil
	}
	switch v := c.Doc["credentialSubject"].(type) {
	case map[string]any:
		return v
	case []any:
		if len(v) > 0 {
			if m, ok := v[0].(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

// SubjectID returns credentialSubject.id.
func (c *Credential) SubjectID() string {
	if s := c.Subject(); s != nil {
		return str(s["id"])
	}
	return ""
}

// Claims returns a shallow copy of the subject claims, with the structural
// id field retained.
func (c *Credential) Claims() map[string]any {
	s := c.Subject()
	if s == nil {
		return nil
	}
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// SchemaRef returns the declared schema reference and whether the
// credential is a schema credential. Schema credentials point at the
// anchored schema through credentialSubject.id; ordinary credentials use
// credentialSchema.id. credentialSchema tolerates object and array shapes.
func (c *Credential) SchemaRef() (ref string, isSchemaCredential bool) {
	if c.HasType(TypeJSONSchemaCredential) {
		return c.SubjectID(), true
	}
	if c.Doc == nil {
		return "", false
	}
	switch v := c.Doc["credentialSchema"].(type) {
	case map[string]any:
		return str(v["id"]), false
	case []any:
		if len(v) > 0 {
			if m, ok := v[0].(map[string]any); ok {
				return str(m["id"]), false
			}
		}
	}
	return "", false
}

// DeclaredDigestSRI returns credentialSubject.digestSRI, the integrity
// digest a schema credential claims for its anchored schema.
func (c *Credential) DeclaredDigestSRI() string {
	if s := c.Subject(); s != nil {
		return str(s["digestSRI"])
	}
	return ""
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// IssuanceDate returns the credential's own issuance instant, trying
// issuanceDate, issued, validFrom, then the JWT numeric claims.
func (c *Credential) IssuanceDate() (time.Time, bool) {
	if c.Doc == nil {
		return time.Time{}, false
	}
	for _, field := range []string{"issuanceDate", "issued", "validFrom"} {
		if t, ok := parseTime(c.Doc[field]); ok {
			return t, true
		}
	}
	for _, claim := range []string{"nbf", "iat"} {
		if f, ok := c.Doc[claim].(float64); ok && f > 0 {
			return time.Unix(int64(f), 0).UTC(), true
		}
	}
	return time.Time{}, false
}

// ExpirationDate returns expirationDate or validUntil when present.
func (c *Credential) ExpirationDate() (time.Time, bool) {
	if c.Doc == nil {
		return time.Time{}, false
	}
	for _, field := range []string{"expirationDate", "validUntil"} {
		if t, ok := parseTime(c.Doc[field]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}
