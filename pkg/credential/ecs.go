package credential

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// ECSType tags the four ecosystem credential schemas.
type ECSType string

const (
	ECSService   ECSType = "ECS-SERVICE"
	ECSOrg       ECSType = "ECS-ORG"
	ECSPersona   ECSType = "ECS-PERSONA"
	ECSUserAgent ECSType = "ECS-UA"
)

// ECSDigests holds the four reference schema digests classification
// compares against. Values are SRI strings (sha384-<base64>), supplied by
// network configuration.
type ECSDigests struct {
	Service   string `yaml:"service"`
	Org       string `yaml:"org"`
	Persona   string `yaml:"persona"`
	UserAgent string `yaml:"user_agent"`
}

// Classify maps a schema digest to its ECS type, if any.
func (d ECSDigests) Classify(digest string) (ECSType, bool) {
	switch digest {
	case "":
		return "", false
	case d.Service:
		return ECSService, true
	case d.Org:
		return ECSOrg, true
	case d.Persona:
		return ECSPersona, true
	case d.UserAgent:
		return ECSUserAgent, true
	}
	return "", false
}

// ComputeEcsDigest canonicalizes a JSON schema and digests it. The $id is
// stripped first so the digest identifies the schema's content wherever it
// is hosted. The result is an SRI string: sha384-<base64>.
func ComputeEcsDigest(schemaJSON []byte) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return "", fmt.Errorf("parse schema: %w", err)
	}
	delete(doc, "$id")
	stripped, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("serialize schema: %w", err)
	}
	canonical, err := jcs.Transform(stripped)
	if err != nil {
		return "", fmt.Errorf("canonicalize schema: %w", err)
	}
	sum := sha512.Sum384(canonical)
	return "sha384-" + base64.StdEncoding.EncodeToString(sum[:]), nil
}

// ComputeSRI digests data with the named algorithm into an SRI string.
func ComputeSRI(alg string, data []byte) (string, error) {
	var sum []byte
	switch alg {
	case "sha256":
		h := sha256.Sum256(data)
		sum = h[:]
	case "sha384":
		h := sha512.Sum384(data)
		sum = h[:]
	case "sha512":
		h := sha512.Sum512(data)
		sum = h[:]
	default:
		return "", fmt.Errorf("unsupported sri algorithm %q", alg)
	}
	return alg + "-" + base64.StdEncoding.EncodeToString(sum), nil
}

// VerifySRI recomputes declared's digest over data with the declared
// algorithm and compares in constant time.
func VerifySRI(declared string, data []byte) error {
	alg, _, ok := strings.Cut(declared, "-")
	if !ok || alg == "" {
		return fmt.Errorf("malformed sri digest %q", declared)
	}
	computed, err := ComputeSRI(alg, data)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(computed), []byte(declared)) != 1 {
		return fmt.Errorf("sri digest mismatch: declared %s, computed %s", declared, computed)
	}
	return nil
}

// CanonicalVCDigest computes the anchoring digest of a credential: the JCS
// form of a JSON-LD credential, or the raw compact serialization of a JWT.
func CanonicalVCDigest(c *Credential) (string, error) {
	switch c.Format {
	case FormatW3CJWT:
		return ComputeSRI("sha384", []byte(c.JWT))
	case FormatW3CJSONLD:
		canonical, err := jcs.Transform(c.Raw)
		if err != nil {
			return "", fmt.Errorf("canonicalize credential: %w", err)
		}
		return ComputeSRI("sha384", canonical)
	default:
		return "", fmt.Errorf("no canonical digest for %s credentials", c.Format)
	}
}
