package credential_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verana-labs/trust-resolver/pkg/credential"
	"github.com/verana-labs/trust-resolver/pkg/vpr"
	"github.com/verana-labs/trust-resolver/pkg/vpr/vprtest"
)

// evalHarness bundles the evaluator with its fake registry world.
type evalHarness struct {
	eval    *credential.Evaluator
	fake    *vprtest.Fake
	keys    staticKeys
	now     time.Time
	digests credential.ECSDigests
}

func newHarness(t *testing.T) *evalHarness {
	t.Helper()
	pub, _ := diKeyPair()
	keys := staticKeys{"did:web:issuer.example#key-1": pub}

	svcDigest, err := credential.ComputeEcsDigest([]byte(serviceSchema))
	require.NoError(t, err)
	digests := credential.ECSDigests{Service: svcDigest}

	fake := &vprtest.Fake{}
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	h := &evalHarness{fake: fake, keys: keys, now: now, digests: digests}
	h.eval = credential.NewEvaluator(credential.EvaluatorConfig{
		Keys:      keys,
		Integrity: credential.NewDataIntegrityVerifier(keys, nil),
		Schemas:   credential.NewSchemaResolver(fake, nil),
		Indexer:   fake,
		Digests:   digests,
		Now:       func() time.Time { return now },
	})
	return h
}

func (h *evalHarness) withStandardChain(t *testing.T) {
	t.Helper()
	h.fake.Schemas = []vpr.CredentialSchema{
		{ID: 1, TrID: 5, JSONSchema: serviceSchema, IssuerPermManagementMode: vpr.ModeOpen},
	}
	h.fake.Registries = []vpr.TrustRegistry{{ID: 5, Did: "did:web:ecosystem.example"}}
	h.fake.Perms = []vpr.Permission{
		{ID: 10, SchemaID: 1, Type: vpr.PermTypeIssuer, Did: "did:web:issuer.example", State: vpr.PermStateActive, Deposit: 100},
		{ID: 30, SchemaID: 1, Type: vpr.PermTypeEcosystem, Did: "did:web:ecosystem.example", State: vpr.PermStateActive},
	}
	h.fake.Deposits = map[string]int64{
		"did:web:issuer.example":    5000,
		"did:web:ecosystem.example": 9000,
	}
}

// signedServiceCredential produces a signed JSON-LD credential referencing
// schema 1 through the indexer URL shape.
func signedServiceCredential(t *testing.T) json.RawMessage {
	t.Helper()
	_, priv := diKeyPair()
	doc := map[string]any{
		"@context":         map[string]any{"@vocab": "https://www.w3.org/2018/credentials#"},
		"id":               "urn:cred:svc-1",
		"type":             []any{"VerifiableCredential", "ServiceCredential"},
		"issuer":           "did:web:issuer.example",
		"issuanceDate":     "2025-05-01T00:00:00Z",
		"credentialSchema": map[string]any{"id": "https://registry.example/cs/v1/js/1", "type": "JsonSchema"},
		"credentialSubject": map[string]any{
			"id":   "did:web:svc.example",
			"name": "Example Service",
		},
	}
	v := credential.NewDataIntegrityVerifier(nil, nil)
	signed, err := v.Sign(doc, testProof(), priv)
	require.NoError(t, err)
	raw, err := json.Marshal(signed)
	require.NoError(t, err)
	return raw
}

func TestEvaluate_ValidServiceCredential(t *testing.T) {
	h := newHarness(t)
	h.withStandardChain(t)
	raw := signedServiceCredential(t)

	trustCalls := map[string]bool{}
	lookup := func(d string) (credential.TrustHint, bool) {
		trustCalls[d] = true
		if d == "did:web:issuer.example" {
			return credential.TrustHint{Trusted: true, OrganizationName: "Issuer Org", CountryCode: "DE"}, true
		}
		return credential.TrustHint{}, false
	}

	eval, failed := h.eval.Evaluate(context.Background(), credential.Input{
		Raw: raw, PresentedBy: "did:web:svc.example", AtBlock: 200, Trust: lookup,
	})

	require.Nil(t, failed)
	require.NotNil(t, eval)
	assert.Equal(t, credential.ResultValid, eval.Result)
	assert.Equal(t, credential.ECSService, eval.EcsType)
	assert.Equal(t, credential.FormatW3CJSONLD, eval.Format)
	assert.Equal(t, "did:web:svc.example", eval.PresentedBy)
	assert.Equal(t, "did:web:issuer.example", eval.IssuedBy)
	assert.Equal(t, int64(1), eval.SchemaID)
	assert.Equal(t, "did:web:ecosystem.example", eval.SchemaEcosystemDid)
	assert.Equal(t, int64(10), eval.PermID)
	assert.Equal(t, "Example Service", eval.Claims["name"])
	assert.Equal(t, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), eval.EffectiveIssuance,
		"no on-chain digest record, so the credential's own date anchors it")

	require.Len(t, eval.Chain, 2)
	assert.Equal(t, vpr.PermTypeIssuer, eval.Chain[0].Type)
	assert.Equal(t, int64(5000), eval.Chain[0].Deposit, "deposit overridden from trust deposit")
	assert.True(t, eval.Chain[0].DidIsTrustedVS)
	assert.Equal(t, "Issuer Org", eval.Chain[0].OrganizationName)
	assert.Equal(t, vpr.PermTypeEcosystem, eval.Chain[1].Type)
	assert.Equal(t, int64(9000), eval.Chain[1].Deposit)
	assert.True(t, trustCalls["did:web:ecosystem.example"])
}

func TestEvaluate_OnChainDigestAnchorsIssuance(t *testing.T) {
	h := newHarness(t)
	h.withStandardChain(t)
	raw := signedServiceCredential(t)

	parsed, err := credential.ParseEntry(raw)
	require.NoError(t, err)
	vcDigest, err := credential.CanonicalVCDigest(parsed)
	require.NoError(t, err)
	anchored := time.Date(2025, 4, 20, 8, 0, 0, 0, time.UTC)
	h.fake.Digests = map[string]vpr.Digest{vcDigest: {DigestSRI: vcDigest, Created: anchored}}

	eval, failed := h.eval.Evaluate(context.Background(), credential.Input{
		Raw: raw, PresentedBy: "did:web:svc.example", AtBlock: 200,
	})

	require.Nil(t, failed)
	assert.Equal(t, anchored, eval.EffectiveIssuance)
	assert.Equal(t, vcDigest, eval.DigestSRI)
}

func TestEvaluate_TamperedSignature(t *testing.T) {
	h := newHarness(t)
	h.withStandardChain(t)
	raw := signedServiceCredential(t)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["credentialSubject"].(map[string]any)["name"] = "Evil Service"
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)

	eval, failed := h.eval.Evaluate(context.Background(), credential.Input{
		Raw: tampered, PresentedBy: "did:web:svc.example", AtBlock: 200,
	})

	require.Nil(t, eval)
	require.NotNil(t, failed)
	assert.Equal(t, credential.ErrCodeSignatureInvalid, failed.Code)
}

func TestEvaluate_UnresolvableSchemaRef(t *testing.T) {
	h := newHarness(t)
	// Chain data present, but the referenced schema id is absent.
	h.fake.Registries = []vpr.TrustRegistry{{ID: 5, Did: "did:web:ecosystem.example"}}

	eval, failed := h.eval.Evaluate(context.Background(), credential.Input{
		Raw: signedServiceCredential(t), PresentedBy: "did:web:svc.example", AtBlock: 200,
	})

	require.Nil(t, eval)
	require.NotNil(t, failed)
	assert.Equal(t, credential.ErrCodeIssuerNotAuthorized, failed.Code)
	assert.Contains(t, failed.Reason, "matches no anchored schema")
}

func TestEvaluate_NoSchemaRefIsIgnored(t *testing.T) {
	h := newHarness(t)
	_, priv := diKeyPair()
	doc := map[string]any{
		"@context":          map[string]any{"@vocab": "https://www.w3.org/2018/credentials#"},
		"id":                "urn:cred:free-floating",
		"type":              []any{"VerifiableCredential"},
		"issuer":            "did:web:issuer.example",
		"credentialSubject": map[string]any{"id": "did:web:svc.example"},
	}
	signed, err := credential.NewDataIntegrityVerifier(nil, nil).Sign(doc, testProof(), priv)
	require.NoError(t, err)
	raw, err := json.Marshal(signed)
	require.NoError(t, err)

	eval, failed := h.eval.Evaluate(context.Background(), credential.Input{
		Raw: raw, PresentedBy: "did:web:svc.example", AtBlock: 200,
	})

	require.Nil(t, failed)
	require.NotNil(t, eval)
	assert.Equal(t, credential.ResultIgnored, eval.Result)
	assert.Empty(t, eval.EcsType)
	assert.Empty(t, eval.Chain)
}

func TestEvaluate_IssuerWithoutPermission(t *testing.T) {
	h := newHarness(t)
	h.withStandardChain(t)
	// Strip the issuer permission; schema still resolves.
	h.fake.Perms = []vpr.Permission{
		{ID: 30, SchemaID: 1, Type: vpr.PermTypeEcosystem, Did: "did:web:ecosystem.example", State: vpr.PermStateActive},
	}

	eval, failed := h.eval.Evaluate(context.Background(), credential.Input{
		Raw: signedServiceCredential(t), PresentedBy: "did:web:svc.example", AtBlock: 200,
	})

	require.Nil(t, eval)
	require.NotNil(t, failed)
	assert.Equal(t, credential.ErrCodeIssuerNotAuthorized, failed.Code)
}

func TestEvaluate_RevokedIssuerPermission(t *testing.T) {
	h := newHarness(t)
	h.withStandardChain(t)
	h.fake.Perms[0].State = vpr.PermStateRevoked

	_, failed := h.eval.Evaluate(context.Background(), credential.Input{
		Raw: signedServiceCredential(t), PresentedBy: "did:web:svc.example", AtBlock: 200,
	})

	require.NotNil(t, failed)
	assert.Equal(t, credential.ErrCodeIssuerNotAuthorized, failed.Code)
}

func TestEvaluate_GrantorValidationChain(t *testing.T) {
	h := newHarness(t)
	h.withStandardChain(t)
	h.fake.Schemas[0].IssuerPermManagementMode = vpr.ModeGrantorValidation
	h.fake.Perms[0].ValidatorPermID = 20
	h.fake.Perms = append(h.fake.Perms, vpr.Permission{
		ID: 20, SchemaID: 1, Type: vpr.PermTypeIssuerGrantor,
		Did: "did:web:grantor.example", State: vpr.PermStateActive,
	})

	eval, failed := h.eval.Evaluate(context.Background(), credential.Input{
		Raw: signedServiceCredential(t), PresentedBy: "did:web:svc.example", AtBlock: 200,
	})

	require.Nil(t, failed)
	require.Len(t, eval.Chain, 3)
	assert.Equal(t, vpr.PermTypeIssuer, eval.Chain[0].Type)
	assert.Equal(t, vpr.PermTypeIssuerGrantor, eval.Chain[1].Type)
	assert.Equal(t, "did:web:grantor.example", eval.Chain[1].Did)
	assert.Equal(t, vpr.PermTypeEcosystem, eval.Chain[2].Type)
}

func TestEvaluate_NonEcsSchemaIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.withStandardChain(t)
	// Reconfigure with empty reference digests: schema 1 is anchored and
	// the issuer authorized, but it is not an ECS schema.
	h.eval = credential.NewEvaluator(credential.EvaluatorConfig{
		Keys:      h.keys,
		Integrity: credential.NewDataIntegrityVerifier(h.keys, nil),
		Schemas:   credential.NewSchemaResolver(h.fake, nil),
		Indexer:   h.fake,
		Digests:   credential.ECSDigests{Service: "sha384-something-else"},
		Now:       func() time.Time { return h.now },
	})

	eval, failed := h.eval.Evaluate(context.Background(), credential.Input{
		Raw: signedServiceCredential(t), PresentedBy: "did:web:svc.example", AtBlock: 200,
	})

	require.Nil(t, failed)
	assert.Equal(t, credential.ResultIgnored, eval.Result)
	assert.NotEmpty(t, eval.Chain, "authorization still ran for the anchored schema")
}

func TestEvaluate_AnonCreds(t *testing.T) {
	h := newHarness(t)

	eval, failed := h.eval.Evaluate(context.Background(), credential.Input{
		Raw: json.RawMessage(`{"schema_id":"l:2:s:1.0","cred_def_id":"l:3:CL:17","values":{}}`),
		PresentedBy: "did:web:svc.example", AtBlock: 200,
	})

	require.Nil(t, eval)
	require.NotNil(t, failed)
	assert.Equal(t, credential.ErrCodeSignatureInvalid, failed.Code)
	assert.Contains(t, failed.Reason, "anoncreds")
}

func TestEvaluate_JWTCredential(t *testing.T) {
	h := newHarness(t)
	h.withStandardChain(t)
	_, priv := diKeyPair()
	compact := signJWT(t, priv, "did:web:issuer.example#key-1", jwt.MapClaims{
		"iss": "did:web:issuer.example",
		"jti": "urn:cred:jwt-svc",
		"nbf": 1746057600, // 2025-05-01
		"vc": map[string]any{
			"type":              []any{"VerifiableCredential"},
			"credentialSchema":  map[string]any{"id": "https://registry.example/cs/v1/js/1"},
			"credentialSubject": map[string]any{"id": "did:web:svc.example", "name": "JWT Service"},
		},
	})
	raw, err := json.Marshal(compact)
	require.NoError(t, err)

	eval, failed := h.eval.Evaluate(context.Background(), credential.Input{
		Raw: raw, PresentedBy: "did:web:svc.example", AtBlock: 200,
	})

	require.Nil(t, failed)
	assert.Equal(t, credential.FormatW3CJWT, eval.Format)
	assert.Equal(t, credential.ResultValid, eval.Result)
	assert.Equal(t, "did:web:issuer.example", eval.IssuedBy)
	assert.Equal(t, "urn:cred:jwt-svc", eval.CredentialID)
	assert.Equal(t, "JWT Service", eval.Claims["name"])
}

func TestEvaluate_SchemaCredentialDigestSRI(t *testing.T) {
	h := newHarness(t)
	h.withStandardChain(t)
	_, priv := diKeyPair()

	build := func(digest string) json.RawMessage {
		doc := map[string]any{
			"@context": map[string]any{"@vocab": "https://www.w3.org/2018/credentials#"},
			"id":       "urn:cred:schema-cred",
			"type":     []any{"VerifiableCredential", "JsonSchemaCredential"},
			"issuer":   "did:web:issuer.example",
			"credentialSubject": map[string]any{
				"id":        "vpr:verana:mainnet/cs/v1/js/1",
				"digestSRI": digest,
			},
		}
		signed, err := credential.NewDataIntegrityVerifier(nil, nil).Sign(doc, testProof(), priv)
		require.NoError(t, err)
		raw, err := json.Marshal(signed)
		require.NoError(t, err)
		return raw
	}

	t.Run("matching digest passes", func(t *testing.T) {
		good, err := credential.ComputeSRI("sha384", []byte(serviceSchema))
		require.NoError(t, err)

		eval, failed := h.eval.Evaluate(context.Background(), credential.Input{
			Raw: build(good), PresentedBy: "did:web:svc.example", AtBlock: 200,
		})

		require.Nil(t, failed)
		assert.Equal(t, credential.ResultValid, eval.Result)
	})

	t.Run("mismatched digest fails", func(t *testing.T) {
		bad, err := credential.ComputeSRI("sha384", []byte("different bytes"))
		require.NoError(t, err)

		eval, failed := h.eval.Evaluate(context.Background(), credential.Input{
			Raw: build(bad), PresentedBy: "did:web:svc.example", AtBlock: 200,
		})

		require.Nil(t, eval)
		require.NotNil(t, failed)
		assert.Equal(t, credential.ErrCodeDigestSRIMismatch, failed.Code)
	})

	t.Run("missing digest fails", func(t *testing.T) {
		eval, failed := h.eval.Evaluate(context.Background(), credential.Input{
			Raw: build(""), PresentedBy: "did:web:svc.example", AtBlock: 200,
		})

		require.Nil(t, eval)
		require.NotNil(t, failed)
		assert.Equal(t, credential.ErrCodeDigestSRIMismatch, failed.Code)
	})
}

func TestEvaluate_IndexerFailureIsEvaluationError(t *testing.T) {
	h := newHarness(t)
	h.withStandardChain(t)
	raw := signedServiceCredential(t)
	h.fake.Err = assert.AnError

	eval, failed := h.eval.Evaluate(context.Background(), credential.Input{
		Raw: raw, PresentedBy: "did:web:svc.example", AtBlock: 200,
	})

	require.Nil(t, eval)
	require.NotNil(t, failed)
	assert.Equal(t, credential.ErrCodeEvaluationError, failed.Code)
}
