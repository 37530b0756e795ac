package vpr

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the indexer has no record for the requested
// entity at the requested block.
var ErrNotFound = errors.New("vpr: not found")

// AtLatest selects the indexer's latest indexed state instead of a specific
// historical block.
const AtLatest int64 = 0

// Indexer is the read contract against the Verifiable Public Registry.
//
// Every lookup takes atBlock; passing AtLatest queries the newest indexed
// state. Implementations must return ErrNotFound (possibly wrapped) for
// missing entities so callers can distinguish absence from transport
// failure.
type Indexer interface {
	// BlockHeight returns the height of the newest fully indexed block.
	BlockHeight(ctx context.Context) (int64, error)

	// ListChanges returns the change feed for one block.
	ListChanges(ctx context.Context, height int64) ([]BlockActivity, error)

	// ListCredentialSchemas returns the schemas of a trust registry, or of
	// every registry when trID <= 0.
	ListCredentialSchemas(ctx context.Context, trID int64, atBlock int64) ([]CredentialSchema, error)

	// CredentialSchemaByID returns one schema by its on-chain id.
	CredentialSchemaByID(ctx context.Context, id int64, atBlock int64) (*CredentialSchema, error)

	// JSONSchemaContent returns the raw anchored JSON schema text for a
	// schema id, as served on the /cs/v1/js/<id> path.
	JSONSchemaContent(ctx context.Context, id int64, atBlock int64) ([]byte, error)

	// ListPermissions returns the permissions matching a schema and type.
	ListPermissions(ctx context.Context, schemaID int64, typ PermissionType, atBlock int64) ([]Permission, error)

	// PermissionsByDid returns every permission held by a DID.
	PermissionsByDid(ctx context.Context, did string, atBlock int64) ([]Permission, error)

	// Permission returns one permission by id.
	Permission(ctx context.Context, id int64, atBlock int64) (*Permission, error)

	// PermissionSession returns a fee session by uuid.
	PermissionSession(ctx context.Context, id string, atBlock int64) (*PermissionSession, error)

	// FindBeneficiaries resolves the fee beneficiary permission set for an
	// issuer/verifier pair.
	FindBeneficiaries(ctx context.Context, issuerPermID, verifierPermID int64, atBlock int64) ([]Permission, error)

	// TrustRegistry returns one trust registry by id.
	TrustRegistry(ctx context.Context, id int64, atBlock int64) (*TrustRegistry, error)

	// TrustRegistryByDid returns the trust registry controlled by a DID.
	TrustRegistryByDid(ctx context.Context, did string, atBlock int64) (*TrustRegistry, error)

	// ListTrustRegistries enumerates all registries.
	ListTrustRegistries(ctx context.Context, atBlock int64) ([]TrustRegistry, error)

	// Digest returns the anchoring record for a digestSRI value.
	Digest(ctx context.Context, digestSRI string, atBlock int64) (*Digest, error)

	// TrustDeposit returns the deposit of an account.
	TrustDeposit(ctx context.Context, account string, atBlock int64) (*TrustDeposit, error)
}

// EventSource delivers block-processed notifications. Subscribe returns a
// channel closed when ctx ends; implementations own reconnect policy.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan BlockEvent, error)
}
