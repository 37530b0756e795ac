package credential_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verana-labs/trust-resolver/pkg/credential"
	"github.com/verana-labs/trust-resolver/pkg/vpr"
	"github.com/verana-labs/trust-resolver/pkg/vpr/vprtest"
)

func TestSchemaIDFromRef(t *testing.T) {
	cases := []struct {
		ref    string
		wantID int64
		ok     bool
	}{
		{"vpr:verana:mainnet/cs/v1/js/7", 7, true},
		{"vpr:verana:vna-testnet-1/cs/v1/js/42", 42, true},
		{"https://registry.example/verana/indexer/v1/cs/v1/js/12", 12, true},
		{"https://registry.example/cs/v1/js/0", 0, true},
		{"https://registry.example/schemas/mine.json", 0, false},
		{"vpr:verana:mainnet/cs/v1/js/", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.ref, func(t *testing.T) {
			id, ok := credential.SchemaIDFromRef(tc.ref)
			assert.Equal(t, tc.ok, ok)
			if ok {
				assert.Equal(t, tc.wantID, id)
			}
		})
	}
}

func fakeWithSchema(t *testing.T) *vprtest.Fake {
	t.Helper()
	return &vprtest.Fake{
		Schemas: []vpr.CredentialSchema{
			{ID: 1, TrID: 5, JSONSchema: serviceSchema, IssuerPermManagementMode: vpr.ModeOpen},
		},
		Registries: []vpr.TrustRegistry{
			{ID: 5, Did: "did:web:ecosystem.example"},
		},
	}
}

func TestSchemaResolver_DirectID(t *testing.T) {
	r := credential.NewSchemaResolver(fakeWithSchema(t), nil)

	got, err := r.Resolve(context.Background(), "vpr:verana:mainnet/cs/v1/js/1", 100)

	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)
	assert.Equal(t, int64(5), got.TrID)
	assert.Equal(t, "did:web:ecosystem.example", got.EcosystemDid)
	assert.Equal(t, vpr.ModeOpen, got.Mode)
	assert.Contains(t, got.EcsDigest, "sha384-")
}

func TestSchemaResolver_DirectID_Missing(t *testing.T) {
	r := credential.NewSchemaResolver(fakeWithSchema(t), nil)

	_, err := r.Resolve(context.Background(), "vpr:verana:mainnet/cs/v1/js/99", 100)

	assert.ErrorIs(t, err, credential.ErrSchemaUnresolved)
}

func TestSchemaResolver_DollarIDMatch(t *testing.T) {
	fake := fakeWithSchema(t)
	fake.Schemas = append(fake.Schemas, vpr.CredentialSchema{
		ID:   9,
		TrID: 5,
		JSONSchema: `{
			"$id": "https://schemas.example/membership.json",
			"title": "Membership",
			"type": "object"
		}`,
	})
	r := credential.NewSchemaResolver(fake, nil)

	got, err := r.Resolve(context.Background(), "https://schemas.example/membership.json", 100)

	require.NoError(t, err)
	assert.Equal(t, int64(9), got.ID)
}

func TestSchemaResolver_ContentMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Same content, different whitespace: canonical comparison matches.
		fmt.Fprint(w, serviceSchema)
	}))
	defer srv.Close()

	r := credential.NewSchemaResolver(fakeWithSchema(t), nil)

	got, err := r.Resolve(context.Background(), srv.URL+"/hosted-copy.json", 100)

	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)
}

func TestSchemaResolver_ContentMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"title":"unrelated schema","type":"object"}`)
	}))
	defer srv.Close()

	r := credential.NewSchemaResolver(fakeWithSchema(t), nil)

	_, err := r.Resolve(context.Background(), srv.URL+"/other.json", 100)

	assert.ErrorIs(t, err, credential.ErrSchemaUnresolved)
}

func TestSchemaResolver_NonCompilingSchemaUnresolved(t *testing.T) {
	fake := &vprtest.Fake{
		Schemas: []vpr.CredentialSchema{
			{ID: 2, TrID: 5, JSONSchema: `{"type": 42}`},
		},
	}
	r := credential.NewSchemaResolver(fake, nil)

	_, err := r.Resolve(context.Background(), "vpr:verana:mainnet/cs/v1/js/2", 100)

	assert.ErrorIs(t, err, credential.ErrSchemaUnresolved)
}

func TestSchemaResolver_MissingRegistryTolerated(t *testing.T) {
	fake := &vprtest.Fake{
		Schemas: []vpr.CredentialSchema{
			{ID: 3, TrID: 77, JSONSchema: `{"title":"orphan","type":"object"}`},
		},
	}
	r := credential.NewSchemaResolver(fake, nil)

	got, err := r.Resolve(context.Background(), "vpr:verana:mainnet/cs/v1/js/3", 100)

	require.NoError(t, err)
	assert.Equal(t, "", got.EcosystemDid)
}

func TestResolvedSchema_ValidateSubject(t *testing.T) {
	r := credential.NewSchemaResolver(fakeWithSchema(t), nil)
	got, err := r.Resolve(context.Background(), "vpr:verana:mainnet/cs/v1/js/1", 100)
	require.NoError(t, err)

	ok := map[string]any{
		"credentialSubject": map[string]any{"id": "did:web:svc.example", "name": "Svc"},
	}
	assert.NoError(t, got.ValidateSubject(ok))

	bad := map[string]any{
		"credentialSubject": map[string]any{"id": "did:web:svc.example", "name": ""},
	}
	assert.Error(t, got.ValidateSubject(bad))
}
