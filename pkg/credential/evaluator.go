package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/verana-labs/trust-resolver/pkg/vpr"
)

// ResultStatus classifies a successfully evaluated credential.
type ResultStatus string

const (
	ResultValid   ResultStatus = "VALID"
	ResultIgnored ResultStatus = "IGNORED"
)

// ErrorCode enumerates the failure modes recorded on a trust result.
type ErrorCode string

const (
	ErrCodeSignatureInvalid    ErrorCode = "SIGNATURE_INVALID"
	ErrCodeDigestSRIMismatch   ErrorCode = "DIGEST_SRI_MISMATCH"
	ErrCodeIssuerNotAuthorized ErrorCode = "ISSUER_NOT_AUTHORIZED"
	ErrCodeEvaluationError     ErrorCode = "EVALUATION_ERROR"
	ErrCodeCircularReference   ErrorCode = "CIRCULAR_REFERENCE"
	ErrCodeDidResolutionFailed ErrorCode = "DID_RESOLUTION_FAILED"
)

// Failed describes one credential that did not survive evaluation.
type Failed struct {
	CredentialID string    `json:"credentialId,omitempty"`
	Code         ErrorCode `json:"errorCode"`
	Reason       string    `json:"reason,omitempty"`
}

// TrustHint is the slice of an already-memoized trust result the
// permission-chain builder decorates entries with.
type TrustHint struct {
	Trusted           bool
	ServiceName       string
	OrganizationName  string
	CountryCode       string
	LegalJurisdiction string
}

// TrustLookup consults the evaluation-wide memo. It must never trigger a
// new resolution; absent DIDs simply report no hint.
type TrustLookup func(did string) (TrustHint, bool)

// ChainEntry is one link of the issuer permission chain, ordered ISSUER →
// ISSUER_GRANTOR → ECOSYSTEM.
type ChainEntry struct {
	PermID            int64               `json:"permId"`
	Type              vpr.PermissionType  `json:"type"`
	Did               string              `json:"did"`
	DidIsTrustedVS    bool                `json:"didIsTrustedVS"`
	Deposit           int64               `json:"deposit"`
	State             vpr.PermissionState `json:"state"`
	EffectiveFrom     *time.Time          `json:"effectiveFrom,omitempty"`
	EffectiveUntil    *time.Time          `json:"effectiveUntil,omitempty"`
	ServiceName       string              `json:"serviceName,omitempty"`
	OrganizationName  string              `json:"organizationName,omitempty"`
	CountryCode       string              `json:"countryCode,omitempty"`
	LegalJurisdiction string              `json:"legalJurisdiction,omitempty"`
}

// Evaluation is the verdict on one credential that passed all checks.
type Evaluation struct {
	CredentialID       string         `json:"credentialId,omitempty"`
	Result             ResultStatus   `json:"result"`
	EcsType            ECSType        `json:"ecsType,omitempty"`
	Format             Format         `json:"format"`
	PresentedBy        string         `json:"presentedBy"`
	IssuedBy           string         `json:"issuedBy,omitempty"`
	EffectiveIssuance  time.Time      `json:"effectiveIssuance"`
	DigestSRI          string         `json:"digestSRI,omitempty"`
	SchemaID           int64          `json:"schemaId,omitempty"`
	SchemaEcosystemDid string         `json:"schemaEcosystemDid,omitempty"`
	PermID             int64          `json:"permId,omitempty"`
	Claims             map[string]any `json:"claims,omitempty"`
	Chain              []ChainEntry   `json:"permissionChain,omitempty"`
}

// Input carries one credential into evaluation.
type Input struct {
	Raw         json.RawMessage
	PresentedBy string
	AtBlock     int64
	Trust       TrustLookup
}

// EvaluatorConfig wires the evaluator's collaborators.
type EvaluatorConfig struct {
	Keys       KeyResolver
	Integrity  *DataIntegrityVerifier
	Schemas    *SchemaResolver
	Indexer    vpr.Indexer
	Digests    ECSDigests
	DisableSRI bool
	Now        func() time.Time
	Logger     *slog.Logger
}

// Evaluator runs the per-credential pipeline: signature, schema, digest,
// classification, issuance anchoring, authorization, chain, claims.
type Evaluator struct {
	keys       KeyResolver
	integrity  *DataIntegrityVerifier
	schemas    *SchemaResolver
	indexer    vpr.Indexer
	digests    ECSDigests
	disableSRI bool
	now        func() time.Time
	log        *slog.Logger
}

// NewEvaluator builds an evaluator from its config.
func NewEvaluator(cfg EvaluatorConfig) *Evaluator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Evaluator{
		keys:       cfg.Keys,
		integrity:  cfg.Integrity,
		schemas:    cfg.Schemas,
		indexer:    cfg.Indexer,
		digests:    cfg.Digests,
		disableSRI: cfg.DisableSRI,
		now:        cfg.Now,
		log:        cfg.Logger.With("component", "credential_evaluator"),
	}
}

// Evaluate runs the pipeline over one credential. Exactly one of the
// returns is non-nil. A panic inside the pipeline is converted to an
// EVALUATION_ERROR so one malformed credential cannot abort its block.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (eval *Evaluation, failed *Failed) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("credential evaluation panic", "presented_by", in.PresentedBy, "panic", r)
			eval = nil
			failed = &Failed{Code: ErrCodeEvaluationError, Reason: fmt.Sprintf("evaluator panic: %v", r)}
		}
	}()
	return e.evaluate(ctx, in)
}

func (e *Evaluator) evaluate(ctx context.Context, in Input) (*Evaluation, *Failed) {
	cred, err := ParseEntry(in.Raw)
	if err != nil {
		return nil, &Failed{Code: ErrCodeEvaluationError, Reason: err.Error()}
	}

	// Signature, format-dispatched.
	switch cred.Format {
	case FormatW3CJSONLD:
		if err := e.integrity.Verify(ctx, cred.Raw); err != nil {
			return nil, &Failed{CredentialID: cred.ID(), Code: ErrCodeSignatureInvalid, Reason: err.Error()}
		}
	case FormatW3CJWT:
		body, err := VerifyJWS(ctx, cred.JWT, e.keys)
		if err != nil {
			return nil, &Failed{Code: ErrCodeSignatureInvalid, Reason: err.Error()}
		}
		cred.Doc = body
	case FormatAnonCreds:
		// Verification is delegated to an anoncreds registry; without one
		// the credential cannot be vouched for.
		return nil, &Failed{CredentialID: cred.ID(), Code: ErrCodeSignatureInvalid,
			Reason: "anoncreds verification requires a ledger registry; none configured"}
	}

	credID := cred.ID()
	issuer := cred.Issuer()

	// Schema reference resolution.
	var schema *ResolvedSchema
	ref, isSchemaCred := cred.SchemaRef()
	if ref != "" {
		schema, err = e.schemas.Resolve(ctx, ref, in.AtBlock)
		if errors.Is(err, ErrSchemaUnresolved) {
			return nil, &Failed{CredentialID: credID, Code: ErrCodeIssuerNotAuthorized,
				Reason: fmt.Sprintf("schema reference %s matches no anchored schema", ref)}
		}
		if err != nil {
			return nil, &Failed{CredentialID: credID, Code: ErrCodeEvaluationError, Reason: err.Error()}
		}
	}

	// Digest-SRI verification for schema credentials.
	if schema != nil && isSchemaCred && !e.disableSRI {
		declared := cred.DeclaredDigestSRI()
		if declared == "" {
			return nil, &Failed{CredentialID: credID, Code: ErrCodeDigestSRIMismatch,
				Reason: "schema credential declares no digestSRI"}
		}
		if err := VerifySRI(declared, schema.Raw); err != nil {
			return nil, &Failed{CredentialID: credID, Code: ErrCodeDigestSRIMismatch, Reason: err.Error()}
		}
	}

	// ECS classification from the schema content digest.
	var ecsType ECSType
	if schema != nil {
		ecsType, _ = e.digests.Classify(schema.EcsDigest)
	}

	// Effective issuance anchoring.
	effective, vcDigest, ferr := e.effectiveIssuance(ctx, cred, in.AtBlock)
	if ferr != nil {
		return nil, &Failed{CredentialID: credID, Code: ErrCodeEvaluationError, Reason: ferr.Error()}
	}
	if credID == "" {
		credID = vcDigest
	}

	// Issuer authorization against the anchored schema.
	var issuerPerm *vpr.Permission
	if schema != nil {
		if issuer == "" {
			return nil, &Failed{CredentialID: credID, Code: ErrCodeIssuerNotAuthorized,
				Reason: "credential names no issuer DID"}
		}
		issuerPerm, err = e.findIssuerPermission(ctx, issuer, schema.ID, in.AtBlock)
		if err != nil {
			return nil, &Failed{CredentialID: credID, Code: ErrCodeEvaluationError, Reason: err.Error()}
		}
		if issuerPerm == nil {
			return nil, &Failed{CredentialID: credID, Code: ErrCodeIssuerNotAuthorized,
				Reason: fmt.Sprintf("%s holds no active ISSUER permission for schema %d", issuer, schema.ID)}
		}
	}

	out := &Evaluation{
		CredentialID:      credID,
		Format:            cred.Format,
		PresentedBy:       in.PresentedBy,
		IssuedBy:          issuer,
		EffectiveIssuance: effective,
		DigestSRI:         vcDigest,
		EcsType:           ecsType,
		Claims:            cred.Claims(),
	}
	if schema != nil {
		out.SchemaID = schema.ID
		out.SchemaEcosystemDid = schema.EcosystemDid
	}
	if issuerPerm != nil {
		out.PermID = issuerPerm.ID
		out.Chain = e.buildChain(ctx, issuerPerm, schema, in.AtBlock, in.Trust)
	}
	if out.EcsType != "" {
		out.Result = ResultValid
	} else {
		out.Result = ResultIgnored
	}
	return out, nil
}

// effectiveIssuance anchors the credential in time: the on-chain digest
// record wins, the credential's own date is the fallback, and anoncreds
// (never anchored) use the current instant. Returns the canonical digest
// alongside for reporting.
func (e *Evaluator) effectiveIssuance(ctx context.Context, cred *Credential, atBlock int64) (time.Time, string, error) {
	if cred.Format == FormatAnonCreds {
		return e.now().UTC(), "", nil
	}
	vcDigest, err := CanonicalVCDigest(cred)
	if err != nil {
		return time.Time{}, "", err
	}
	rec, err := e.indexer.Digest(ctx, vcDigest, atBlock)
	if err == nil {
		return rec.Created, vcDigest, nil
	}
	if !errors.Is(err, vpr.ErrNotFound) {
		return time.Time{}, "", err
	}
	if own, ok := cred.IssuanceDate(); ok {
		return own, vcDigest, nil
	}
	return e.now().UTC(), vcDigest, nil
}

func (e *Evaluator) findIssuerPermission(ctx context.Context, issuerDid string, schemaID, atBlock int64) (*vpr.Permission, error) {
	perms, err := e.indexer.ListPermissions(ctx, schemaID, vpr.PermTypeIssuer, atBlock)
	if err != nil {
		return nil, fmt.Errorf("list issuer permissions for schema %d: %w", schemaID, err)
	}
	for i := range perms {
		if perms[i].Did == issuerDid && perms[i].State == vpr.PermStateActive {
			return &perms[i], nil
		}
	}
	return nil, nil
}

// buildChain assembles the permission chain for an authorized issuer.
// Lookup failures degrade to a shorter chain; a partial chain never fails
// the credential.
func (e *Evaluator) buildChain(ctx context.Context, issuerPerm *vpr.Permission, schema *ResolvedSchema, atBlock int64, trust TrustLookup) []ChainEntry {
	chain := []ChainEntry{e.entry(issuerPerm, vpr.PermTypeIssuer)}

	if schema.Mode == vpr.ModeGrantorValidation && issuerPerm.ValidatorPermID > 0 {
		grantor, err := e.indexer.Permission(ctx, issuerPerm.ValidatorPermID, atBlock)
		if err != nil {
			e.log.Warn("grantor permission lookup failed",
				"perm_id", issuerPerm.ValidatorPermID, "error", err)
		} else {
			chain = append(chain, e.entry(grantor, vpr.PermTypeIssuerGrantor))
		}
	}

	if schema.EcosystemDid != "" {
		eco, err := e.findEcosystemPermission(ctx, schema.EcosystemDid, atBlock)
		if err != nil {
			e.log.Warn("ecosystem permission lookup failed",
				"ecosystem_did", schema.EcosystemDid, "error", err)
		} else if eco != nil {
			chain = append(chain, e.entry(eco, vpr.PermTypeEcosystem))
		}
	}

	for i := range chain {
		e.decorate(ctx, &chain[i], atBlock, trust)
	}
	return chain
}

func (e *Evaluator) findEcosystemPermission(ctx context.Context, ecosystemDid string, atBlock int64) (*vpr.Permission, error) {
	perms, err := e.indexer.PermissionsByDid(ctx, ecosystemDid, atBlock)
	if err != nil {
		return nil, err
	}
	for i := range perms {
		if perms[i].Type == vpr.PermTypeEcosystem && perms[i].State == vpr.PermStateActive {
			return &perms[i], nil
		}
	}
	return nil, nil
}

func (e *Evaluator) entry(p *vpr.Permission, typ vpr.PermissionType) ChainEntry {
	did := p.Did
	if did == "" {
		did = p.Grantee
	}
	return ChainEntry{
		PermID:         p.ID,
		Type:           typ,
		Did:            did,
		Deposit:        p.Deposit,
		State:          p.State,
		EffectiveFrom:  p.EffectiveFrom,
		EffectiveUntil: p.EffectiveUntil,
	}
}

// decorate overlays the entry with the DID's deposit and its memoized
// trust attributes. Only the memo is consulted; the builder never starts a
// new resolution.
func (e *Evaluator) decorate(ctx context.Context, entry *ChainEntry, atBlock int64, trust TrustLookup) {
	if entry.Did == "" {
		return
	}
	if td, err := e.indexer.TrustDeposit(ctx, entry.Did, atBlock); err == nil {
		entry.Deposit = td.Amount
	} else if !errors.Is(err, vpr.ErrNotFound) {
		e.log.Debug("trust deposit lookup failed", "did", entry.Did, "error", err)
	}
	if trust == nil {
		return
	}
	if hint, ok := trust(entry.Did); ok {
		entry.DidIsTrustedVS = hint.Trusted
		entry.ServiceName = hint.ServiceName
		entry.OrganizationName = hint.OrganizationName
		entry.CountryCode = hint.CountryCode
		entry.LegalJurisdiction = hint.LegalJurisdiction
	}
}
