package vp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verana-labs/trust-resolver/pkg/cache"
	"github.com/verana-labs/trust-resolver/pkg/did"
	"github.com/verana-labs/trust-resolver/pkg/vp"
)

func TestExtractCredentials(t *testing.T) {
	t.Run("array of objects", func(t *testing.T) {
		creds, err := vp.ExtractCredentials([]byte(`{
			"type": "VerifiablePresentation",
			"verifiableCredential": [{"id":"c1"},{"id":"c2"}]
		}`))
		require.NoError(t, err)
		require.Len(t, creds, 2)
		assert.JSONEq(t, `{"id":"c1"}`, string(creds[0]))
	})

	t.Run("jwt strings", func(t *testing.T) {
		creds, err := vp.ExtractCredentials([]byte(`{
			"verifiableCredential": ["eyJhbGciOiJFZERTQSJ9.e30.sig"]
		}`))
		require.NoError(t, err)
		require.Len(t, creds, 1)
		var s string
		require.NoError(t, json.Unmarshal(creds[0], &s))
		assert.Equal(t, "eyJhbGciOiJFZERTQSJ9.e30.sig", s)
	})

	t.Run("single object without array", func(t *testing.T) {
		creds, err := vp.ExtractCredentials([]byte(`{
			"verifiableCredential": {"id":"solo"}
		}`))
		require.NoError(t, err)
		require.Len(t, creds, 1)
		assert.JSONEq(t, `{"id":"solo"}`, string(creds[0]))
	})

	t.Run("empty envelope", func(t *testing.T) {
		creds, err := vp.ExtractCredentials([]byte(`{"type":"VerifiablePresentation"}`))
		require.NoError(t, err)
		assert.Empty(t, creds)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := vp.ExtractCredentials([]byte(`<html>`))
		assert.Error(t, err)
	})
}

func TestEndpoints_FiltersAndDeduplicates(t *testing.T) {
	doc, err := did.ParseDocument([]byte(`{
		"id": "did:web:svc.example",
		"service": [
			{"id":"#vp-1","type":"LinkedVerifiablePresentation","serviceEndpoint":"https://svc.example/vp1.json"},
			{"id":"#vp-2","type":"LinkedVerifiablePresentation","serviceEndpoint":["https://svc.example/vp2.json","ftp://svc.example/vp.bin"]},
			{"id":"#vp-3","type":"LinkedVerifiablePresentation","serviceEndpoint":"https://svc.example/vp1.json"},
			{"id":"#other","type":"DIDCommMessaging","serviceEndpoint":"https://svc.example/didcomm"}
		]
	}`))
	require.NoError(t, err)

	eps := vp.Endpoints(doc)

	assert.Equal(t, []string{"https://svc.example/vp1.json", "https://svc.example/vp2.json"}, eps)
}

func TestDereferenceAll(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/vp-ok.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"type":"VerifiablePresentation","verifiableCredential":[{"id":"cred-1"}]}`)
	})
	mux.HandleFunc("/vp-broken.json", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := cache.NewMemoryCache(64)
	defer c.Close()
	d := vp.NewDereferencer(c, time.Minute, nil)
	ctx := context.Background()

	oks, bads := d.DereferenceAll(ctx, []string{
		srv.URL + "/vp-ok.json",
		srv.URL + "/vp-broken.json",
	})

	require.Len(t, oks, 1)
	assert.Equal(t, srv.URL+"/vp-ok.json", oks[0].URL)
	require.Len(t, oks[0].Credentials, 1)

	require.Len(t, bads, 1)
	assert.Equal(t, srv.URL+"/vp-broken.json", bads[0].URL)
	assert.Error(t, bads[0].Err)
}

func TestDereferenceAll_UsesCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"verifiableCredential":[{"id":"cached"}]}`)
	}))
	defer srv.Close()

	c := cache.NewMemoryCache(64)
	defer c.Close()
	d := vp.NewDereferencer(c, time.Minute, nil)
	ctx := context.Background()
	ep := srv.URL + "/vp.json"

	_, bads := d.DereferenceAll(ctx, []string{ep})
	require.Empty(t, bads)
	_, bads = d.DereferenceAll(ctx, []string{ep})
	require.Empty(t, bads)

	assert.Equal(t, int32(1), hits.Load(), "second dereference should hit the cache")

	require.NoError(t, d.Invalidate(ctx, ep))
	_, bads = d.DereferenceAll(ctx, []string{ep})
	require.Empty(t, bads)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDereferenceAll_FailuresNotCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "still down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := cache.NewMemoryCache(64)
	defer c.Close()
	d := vp.NewDereferencer(c, time.Minute, nil)
	ctx := context.Background()

	_, bads := d.DereferenceAll(ctx, []string{srv.URL})
	require.Len(t, bads, 1)
	_, bads = d.DereferenceAll(ctx, []string{srv.URL})
	require.Len(t, bads, 1)

	assert.Equal(t, int32(2), hits.Load())
}

func TestDereferenceAll_OrderIsDeterministic(t *testing.T) {
	mux := http.NewServeMux()
	for _, name := range []string{"a", "b", "c"} {
		name := name
		mux.HandleFunc("/"+name, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"verifiableCredential":[{"id":%q}]}`, name)
		})
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := cache.NewMemoryCache(64)
	defer c.Close()
	d := vp.NewDereferencer(c, time.Minute, nil)

	eps := []string{srv.URL + "/c", srv.URL + "/a", srv.URL + "/b"}
	oks, bads := d.DereferenceAll(context.Background(), eps)

	require.Empty(t, bads)
	require.Len(t, oks, 3)
	for i, ep := range eps {
		assert.Equal(t, ep, oks[i].URL)
	}
}
