package credential

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/verana-labs/trust-resolver/pkg/did"
)

// KeyResolver maps a DID URL (a kid or verificationMethod value) to a raw
// Ed25519 public key.
type KeyResolver interface {
	ResolveKey(ctx context.Context, didURL string) (ed25519.PublicKey, error)
}

// DIDKeyResolver resolves keys through DID documents.
type DIDKeyResolver struct {
	Docs did.Resolver
}

var _ KeyResolver = (*DIDKeyResolver)(nil)

func (r *DIDKeyResolver) ResolveKey(ctx context.Context, didURL string) (ed25519.PublicKey, error) {
	base := did.BaseDid(didURL)
	doc, err := r.Docs.Resolve(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", base, err)
	}
	vm, err := doc.FindVerificationMethod(didURL)
	if err != nil {
		return nil, err
	}
	return vm.Ed25519PublicKey()
}
