// Package vpr defines the logical contract with the Verifiable Public
// Registry indexer: the on-chain entities the resolver reads, the block
// change feed, and the client interface the pipeline consumes.
package vpr

import (
	"encoding/json"
	"strings"
	"time"
)

// PermissionType classifies the role an on-chain permission grants.
type PermissionType string

const (
	PermTypeIssuer         PermissionType = "ISSUER"
	PermTypeVerifier       PermissionType = "VERIFIER"
	PermTypeIssuerGrantor  PermissionType = "ISSUER_GRANTOR"
	PermTypeVerifierGrantor PermissionType = "VERIFIER_GRANTOR"
	PermTypeEcosystem      PermissionType = "ECOSYSTEM"
	PermTypeHolder         PermissionType = "HOLDER"
)

// PermissionState is the lifecycle state of a permission.
type PermissionState string

const (
	PermStateActive  PermissionState = "ACTIVE"
	PermStatePending PermissionState = "PENDING"
	PermStateExpired PermissionState = "EXPIRED"
	PermStateRevoked PermissionState = "REVOKED"
)

// Permission is an on-chain authorization assigned to a DID for a given
// credential schema and role.
type Permission struct {
	ID               int64           `json:"id"`
	SchemaID         int64           `json:"schema_id"`
	Type             PermissionType  `json:"type"`
	Did              string          `json:"did"`
	Grantee          string          `json:"grantee,omitempty"`
	State            PermissionState `json:"perm_state"`
	ValidatorPermID  int64           `json:"validator_perm_id,omitempty"`
	Deposit          int64           `json:"deposit"`
	EffectiveFrom    *time.Time      `json:"effective_from,omitempty"`
	EffectiveUntil   *time.Time      `json:"effective_until,omitempty"`
	Created          *time.Time      `json:"created,omitempty"`
	IssuanceFees     int64           `json:"issuance_fees"`
	VerificationFees int64           `json:"verification_fees"`
	Discount         float64         `json:"discount"`
}

// Active reports whether the permission is usable at the given instant.
func (p *Permission) Active(at time.Time) bool {
	if p.State != PermStateActive {
		return false
	}
	if p.EffectiveFrom != nil && at.Before(*p.EffectiveFrom) {
		return false
	}
	if p.EffectiveUntil != nil && !at.Before(*p.EffectiveUntil) {
		return false
	}
	return true
}

// ManagementMode controls how issuer permissions are granted for a schema.
type ManagementMode string

const (
	ModeOpen              ManagementMode = "OPEN"
	ModeEcosystem         ManagementMode = "ECOSYSTEM"
	ModeGrantorValidation ManagementMode = "GRANTOR_VALIDATION"
)

// CredentialSchema is an on-chain JSON schema registration owned by a trust
// registry. JSONSchema holds the raw schema text exactly as anchored.
type CredentialSchema struct {
	ID                         int64          `json:"id"`
	TrID                       int64          `json:"tr_id"`
	JSONSchema                 string         `json:"json_schema"`
	IssuerPermManagementMode   ManagementMode `json:"issuer_perm_management_mode"`
	VerifierPermManagementMode ManagementMode `json:"verifier_perm_management_mode,omitempty"`
	Created                    *time.Time     `json:"created,omitempty"`
	Modified                   *time.Time     `json:"modified,omitempty"`
	Archived                   *time.Time     `json:"archived,omitempty"`
}

// TrustRegistry is an on-chain ecosystem record. Did identifies the
// ecosystem's controlling DID.
type TrustRegistry struct {
	ID       int64      `json:"id"`
	Did      string     `json:"did"`
	Aka      string     `json:"aka,omitempty"`
	Created  *time.Time `json:"created,omitempty"`
	Modified *time.Time `json:"modified,omitempty"`
}

// SessionRecord links the permissions that took part in one fee-paying
// issuer/verifier exchange.
type SessionRecord struct {
	IssuerPermID      int64 `json:"issuer_perm_id"`
	VerifierPermID    int64 `json:"verifier_perm_id"`
	WalletAgentPermID int64 `json:"wallet_agent_perm_id"`
}

// PermissionSession evidences fee payment for an exchange.
type PermissionSession struct {
	ID          string          `json:"id"`
	AgentPermID int64           `json:"agent_perm_id"`
	Records     []SessionRecord `json:"records"`
	Created     *time.Time      `json:"created,omitempty"`
}

// Covers reports whether the session contains a record naming permID in the
// role-bearing slot.
func (s *PermissionSession) Covers(permID int64, typ PermissionType) bool {
	for _, r := range s.Records {
		switch typ {
		case PermTypeIssuer:
			if r.IssuerPermID == permID {
				return true
			}
		case PermTypeVerifier:
			if r.VerifierPermID == permID {
				return true
			}
		}
	}
	return false
}

// Digest is the on-chain anchoring record for a content digest.
type Digest struct {
	DigestSRI string    `json:"digest_sri"`
	Created   time.Time `json:"created"`
}

// TrustDeposit is the stake an account holds in the registry.
type TrustDeposit struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

// FieldChange carries the old and new value of one field in a block change.
// Values arrive as arbitrary JSON; Str gives the string form when the value
// is a JSON string.
type FieldChange struct {
	Old json.RawMessage `json:"old"`
	New json.RawMessage `json:"new"`
}

func rawString(r json.RawMessage) string {
	if len(r) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r, &s); err != nil {
		return ""
	}
	return s
}

// OldStr returns the old value when it is a JSON string, else "".
func (f FieldChange) OldStr() string { return rawString(f.Old) }

// NewStr returns the new value when it is a JSON string, else "".
func (f FieldChange) NewStr() string { return rawString(f.New) }

// Entity type tags used by the change feed.
const (
	EntityPermission    = "permission"
	EntityTrustRegistry = "trust_registry"
	EntityCredentialSchema = "credential_schema"
)

// BlockActivity is one entry of a block's change feed.
type BlockActivity struct {
	Timestamp   time.Time              `json:"timestamp"`
	BlockHeight int64                  `json:"block_height"`
	EntityType  string                 `json:"entity_type"`
	EntityID    int64                  `json:"entity_id"`
	Account     string                 `json:"account,omitempty"`
	Msg         string                 `json:"msg,omitempty"`
	Changes     map[string]FieldChange `json:"changes,omitempty"`
}

// BlockEvent is the push notification emitted by the indexer once a block
// has been fully indexed.
type BlockEvent struct {
	Type      string    `json:"type"`
	Height    int64     `json:"height"`
	Timestamp time.Time `json:"timestamp"`
}

// EventBlockProcessed is the BlockEvent.Type value the resolver reacts to.
const EventBlockProcessed = "block-processed"

// IsDid reports whether s has the did:<method>:… shape.
func IsDid(s string) bool {
	if !strings.HasPrefix(s, "did:") {
		return false
	}
	rest := s[len("did:"):]
	i := strings.IndexByte(rest, ':')
	return i > 0 && i < len(rest)-1
}
