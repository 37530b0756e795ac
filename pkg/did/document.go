package did

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"
)

// Document is a DID document, restricted to the fields the resolver reads.
// Raw retains the original bytes for re-serialization into the cache.
type Document struct {
	Context            json.RawMessage      `json:"@context,omitempty"`
	ID                 string               `json:"id"`
	Controller         json.RawMessage      `json:"controller,omitempty"`
	VerificationMethod []VerificationMethod `json:"verificationMethod,omitempty"`
	Authentication     []json.RawMessage    `json:"authentication,omitempty"`
	AssertionMethod    []json.RawMessage    `json:"assertionMethod,omitempty"`
	Service            []Service            `json:"service,omitempty"`

	Raw []byte `json:"-"`
}

// VerificationMethod is a key entry of a DID document.
type VerificationMethod struct {
	ID                 string          `json:"id"`
	Type               string          `json:"type"`
	Controller         string          `json:"controller,omitempty"`
	PublicKeyMultibase string          `json:"publicKeyMultibase,omitempty"`
	PublicKeyJwk       json.RawMessage `json:"publicKeyJwk,omitempty"`
}

// Service is a service entry; Endpoint tolerates the string, array, and
// object shapes the ecosystem produces.
type Service struct {
	ID              string          `json:"id"`
	Type            json.RawMessage `json:"type"`
	ServiceEndpoint json.RawMessage `json:"serviceEndpoint"`
}

// ParseDocument decodes a DID document, keeping the raw bytes alongside.
func ParseDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse did document: %w", err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("did document missing id")
	}
	doc.Raw = raw
	return &doc, nil
}

// HasType reports whether the service's type field (string or array)
// contains want.
func (s *Service) HasType(want string) bool {
	var single string
	if err := json.Unmarshal(s.Type, &single); err == nil {
		return single == want
	}
	var many []string
	if err := json.Unmarshal(s.Type, &many); err == nil {
		for _, t := range many {
			if t == want {
				return true
			}
		}
	}
	return false
}

// Endpoints flattens the serviceEndpoint field into URL strings.
func (s *Service) Endpoints() []string {
	var single string
	if err := json.Unmarshal(s.ServiceEndpoint, &single); err == nil {
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(s.ServiceEndpoint, &many); err == nil {
		return many
	}
	var obj struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(s.ServiceEndpoint, &obj); err == nil && obj.URI != "" {
		return []string{obj.URI}
	}
	return nil
}

// ServicesOfType returns the document's services carrying the given type.
func (d *Document) ServicesOfType(typ string) []Service {
	var out []Service
	for i := range d.Service {
		if d.Service[i].HasType(typ) {
			out = append(out, d.Service[i])
		}
	}
	return out
}

// FindVerificationMethod locates a key by DID URL. A bare fragment like
// "#key-1" matches against the document's own id.
func (d *Document) FindVerificationMethod(keyID string) (*VerificationMethod, error) {
	want := keyID
	if strings.HasPrefix(keyID, "#") {
		want = d.ID + keyID
	}
	for i := range d.VerificationMethod {
		vm := &d.VerificationMethod[i]
		if vm.ID == want || vm.ID == keyID {
			return vm, nil
		}
		// Tolerate documents that shorten key ids to fragments.
		if strings.HasPrefix(vm.ID, "#") && d.ID+vm.ID == want {
			return vm, nil
		}
	}
	return nil, fmt.Errorf("verification method %s not found in %s", keyID, d.ID)
}

// ed25519-pub multicodec prefix (0xed as a varint, then the flag byte).
var ed25519Multicodec = []byte{0xed, 0x01}

// Ed25519PublicKey extracts the raw Ed25519 key from either the multibase
// or the JWK encoding of the verification method.
func (vm *VerificationMethod) Ed25519PublicKey() (ed25519.PublicKey, error) {
	if vm.PublicKeyMultibase != "" {
		_, decoded, err := multibase.Decode(vm.PublicKeyMultibase)
		if err != nil {
			return nil, fmt.Errorf("decode publicKeyMultibase for %s: %w", vm.ID, err)
		}
		if len(decoded) == ed25519.PublicKeySize+2 &&
			decoded[0] == ed25519Multicodec[0] && decoded[1] == ed25519Multicodec[1] {
			decoded = decoded[2:]
		}
		if len(decoded) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("key %s: unexpected length %d", vm.ID, len(decoded))
		}
		return ed25519.PublicKey(decoded), nil
	}
	if len(vm.PublicKeyJwk) > 0 {
		var jwk struct {
			Kty string `json:"kty"`
			Crv string `json:"crv"`
			X   string `json:"x"`
		}
		if err := json.Unmarshal(vm.PublicKeyJwk, &jwk); err != nil {
			return nil, fmt.Errorf("decode publicKeyJwk for %s: %w", vm.ID, err)
		}
		if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" {
			return nil, fmt.Errorf("key %s: unsupported jwk %s/%s", vm.ID, jwk.Kty, jwk.Crv)
		}
		raw, err := base64.RawURLEncoding.DecodeString(jwk.X)
		if err != nil {
			return nil, fmt.Errorf("decode jwk x for %s: %w", vm.ID, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("key %s: unexpected length %d", vm.ID, len(raw))
		}
		return ed25519.PublicKey(raw), nil
	}
	return nil, fmt.Errorf("key %s carries no supported key material", vm.ID)
}
