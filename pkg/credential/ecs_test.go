package credential_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verana-labs/trust-resolver/pkg/credential"
)

const serviceSchema = `{
	"$id": "https://registry.example/cs/v1/js/1",
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"title": "OrganizationCredential",
	"type": "object",
	"properties": {
		"credentialSubject": {
			"type": "object",
			"properties": {
				"id": {"type": "string"},
				"name": {"type": "string", "minLength": 1}
			},
			"required": ["id", "name"]
		}
	}
}`

func TestComputeEcsDigest_InsensitiveToDollarID(t *testing.T) {
	base, err := credential.ComputeEcsDigest([]byte(serviceSchema))
	require.NoError(t, err)
	assert.Contains(t, base, "sha384-")

	// Rewrite $id to a different host; the digest must not move.
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(serviceSchema), &doc))
	doc["$id"] = "https://mirror.example/elsewhere/7"
	rehosted, err := json.Marshal(doc)
	require.NoError(t, err)

	moved, err := credential.ComputeEcsDigest(rehosted)
	require.NoError(t, err)
	assert.Equal(t, base, moved)
}

func TestComputeEcsDigest_InsensitiveToKeyOrderAndWhitespace(t *testing.T) {
	a, err := credential.ComputeEcsDigest([]byte(`{"b":1,"a":{"y":2,"x":1}}`))
	require.NoError(t, err)
	b, err := credential.ComputeEcsDigest([]byte(` {"a": {"x":1, "y":2}, "b": 1} `))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestComputeEcsDigest_SensitiveToContent(t *testing.T) {
	a, err := credential.ComputeEcsDigest([]byte(`{"title":"A"}`))
	require.NoError(t, err)
	b, err := credential.ComputeEcsDigest([]byte(`{"title":"B"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestComputeEcsDigest_RejectsNonObjects(t *testing.T) {
	_, err := credential.ComputeEcsDigest([]byte(`not json`))
	assert.Error(t, err)
}

func TestECSDigests_Classify(t *testing.T) {
	svcDigest, err := credential.ComputeEcsDigest([]byte(serviceSchema))
	require.NoError(t, err)
	digests := credential.ECSDigests{
		Service: svcDigest,
		Org:     "sha384-org",
		Persona: "sha384-persona",
	}

	typ, ok := digests.Classify(svcDigest)
	require.True(t, ok)
	assert.Equal(t, credential.ECSService, typ)

	typ, ok = digests.Classify("sha384-org")
	require.True(t, ok)
	assert.Equal(t, credential.ECSOrg, typ)

	_, ok = digests.Classify("sha384-unknown")
	assert.False(t, ok)

	_, ok = digests.Classify("")
	assert.False(t, ok, "empty digest must never classify, even with empty reference slots")
}

func TestComputeSRI_AndVerify(t *testing.T) {
	data := []byte(`{"hello":"world"}`)

	for _, alg := range []string{"sha256", "sha384", "sha512"} {
		t.Run(alg, func(t *testing.T) {
			sri, err := credential.ComputeSRI(alg, data)
			require.NoError(t, err)
			assert.Contains(t, sri, alg+"-")
			assert.NoError(t, credential.VerifySRI(sri, data))
			assert.Error(t, credential.VerifySRI(sri, []byte(`{"hello":"tampered"}`)))
		})
	}

	_, err := credential.ComputeSRI("md5", data)
	assert.Error(t, err)

	assert.Error(t, credential.VerifySRI("garbage", data))
}

func TestCanonicalVCDigest(t *testing.T) {
	t.Run("jsonld uses canonical form", func(t *testing.T) {
		a, err := credential.ParseEntry(json.RawMessage(`{"b":1,"a":2}`))
		require.NoError(t, err)
		b, err := credential.ParseEntry(json.RawMessage(`{ "a": 2, "b": 1 }`))
		require.NoError(t, err)

		da, err := credential.CanonicalVCDigest(a)
		require.NoError(t, err)
		db, err := credential.CanonicalVCDigest(b)
		require.NoError(t, err)
		assert.Equal(t, da, db)
	})

	t.Run("jwt digests raw compact form", func(t *testing.T) {
		c, err := credential.ParseEntry(json.RawMessage(`"aaa.bbb.ccc"`))
		require.NoError(t, err)
		d, err := credential.CanonicalVCDigest(c)
		require.NoError(t, err)

		want, err := credential.ComputeSRI("sha384", []byte("aaa.bbb.ccc"))
		require.NoError(t, err)
		assert.Equal(t, want, d)
	})
}
