package credential

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/multiformats/go-multibase"
	"github.com/piprate/json-gold/ld"
)

// Proof types accepted for embedded data-integrity proofs.
const (
	proofTypeEd25519_2020  = "Ed25519Signature2020"
	proofTypeDataIntegrity = "DataIntegrityProof"
)

// DataIntegrityVerifier checks embedded Ed25519 proofs on JSON-LD
// credentials. Verification follows the RDF canonicalization profile: the
// proof options and the unsigned document are separately normalized to
// N-Quads with URDNA2015, their SHA-256 digests concatenated, and the
// result checked against the multibase-decoded proofValue.
type DataIntegrityVerifier struct {
	keys   KeyResolver
	loader ld.DocumentLoader
}

// NewDataIntegrityVerifier builds a verifier. loader may be nil, in which
// case remote JSON-LD contexts are fetched over the network.
func NewDataIntegrityVerifier(keys KeyResolver, loader ld.DocumentLoader) *DataIntegrityVerifier {
	return &DataIntegrityVerifier{keys: keys, loader: loader}
}

// extractProof pulls the first supported proof off the document, returning
// the proof object and the document without it.
func extractProof(doc map[string]any) (map[string]any, map[string]any, error) {
	raw, ok := doc["proof"]
	if !ok {
		return nil, nil, fmt.Errorf("credential has no proof")
	}
	var candidates []any
	switch v := raw.(type) {
	case map[string]any:
		candidates = []any{v}
	case []any:
		candidates = v
	default:
		return nil, nil, fmt.Errorf("unsupported proof shape %T", raw)
	}
	for _, cand := range candidates {
		p, ok := cand.(map[string]any)
		if !ok {
			continue
		}
		switch str(p["type"]) {
		case proofTypeEd25519_2020:
		case proofTypeDataIntegrity:
			if cs := str(p["cryptosuite"]); cs != "" && cs != "eddsa-rdfc-2022" {
				continue
			}
		default:
			continue
		}
		unsigned := make(map[string]any, len(doc)-1)
		for k, v := range doc {
			if k != "proof" {
				unsigned[k] = v
			}
		}
		return p, unsigned, nil
	}
	return nil, nil, fmt.Errorf("no supported ed25519 proof found")
}

func (v *DataIntegrityVerifier) normalize(doc map[string]any) ([]byte, error) {
	proc := ld.NewJsonLdProcessor()
	opts := ld.NewJsonLdOptions("")
	opts.Format = "application/n-quads"
	opts.Algorithm = ld.AlgorithmURDNA2015
	if v.loader != nil {
		opts.DocumentLoader = v.loader
	}
	out, err := proc.Normalize(doc, opts)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	s, ok := out.(string)
	if !ok {
		return nil, fmt.Errorf("canonicalize: unexpected output %T", out)
	}
	return []byte(s), nil
}

// VerifyData computes the signing input for a document and its proof
// options: SHA-256(canonical proof options) followed by
// SHA-256(canonical document).
func (v *DataIntegrityVerifier) VerifyData(unsigned, proofOptions map[string]any) ([]byte, error) {
	optsNQ, err := v.normalize(proofOptions)
	if err != nil {
		return nil, fmt.Errorf("proof options: %w", err)
	}
	docNQ, err := v.normalize(unsigned)
	if err != nil {
		return nil, fmt.Errorf("document: %w", err)
	}
	optsHash := sha256.Sum256(optsNQ)
	docHash := sha256.Sum256(docNQ)
	data := make([]byte, 0, sha256.Size*2)
	data = append(data, optsHash[:]...)
	data = append(data, docHash[:]...)
	return data, nil
}

// proofOptions strips proofValue and grafts the document's @context onto
// the proof so both halves canonicalize under the same term mappings.
func proofOptions(proof, unsigned map[string]any) map[string]any {
	opts := make(map[string]any, len(proof))
	for k, val := range proof {
		if k == "proofValue" {
			continue
		}
		opts[k] = val
	}
	if ctx, ok := unsigned["@context"]; ok {
		opts["@context"] = ctx
	}
	return opts
}

// Verify checks the embedded proof on a JSON-LD credential.
func (v *DataIntegrityVerifier) Verify(ctx context.Context, raw json.RawMessage) error {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse credential: %w", err)
	}
	proof, unsigned, err := extractProof(doc)
	if err != nil {
		return err
	}
	proofValue := str(proof["proofValue"])
	if proofValue == "" {
		return fmt.Errorf("proof has no proofValue")
	}
	_, sig, err := multibase.Decode(proofValue)
	if err != nil {
		return fmt.Errorf("decode proofValue: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("proofValue is %d bytes, want %d", len(sig), ed25519.SignatureSize)
	}
	vmRef := str(proof["verificationMethod"])
	if vmRef == "" {
		return fmt.Errorf("proof has no verificationMethod")
	}
	pub, err := v.keys.ResolveKey(ctx, vmRef)
	if err != nil {
		return fmt.Errorf("resolve verification method: %w", err)
	}
	data, err := v.VerifyData(unsigned, proofOptions(proof, unsigned))
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, data, sig) {
		return fmt.Errorf("ed25519 signature mismatch")
	}
	return nil
}

// Sign produces a signed copy of a credential document for test fixtures
// and tooling: it fills proofValue on the supplied proof template using the
// same canonicalization pipeline Verify checks against.
func (v *DataIntegrityVerifier) Sign(doc map[string]any, proof map[string]any, priv ed25519.PrivateKey) (map[string]any, error) {
	data, err := v.VerifyData(doc, proofOptions(proof, doc))
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, data)
	encoded, err := multibase.Encode(multibase.Base58BTC, sig)
	if err != nil {
		return nil, fmt.Errorf("encode proofValue: %w", err)
	}
	signed := make(map[string]any, len(doc)+1)
	for k, val := range doc {
		signed[k] = val
	}
	withValue := make(map[string]any, len(proof)+1)
	for k, val := range proof {
		withValue[k] = val
	}
	withValue["proofValue"] = encoded
	signed["proof"] = withValue
	return signed, nil
}
