package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsInert(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// Every record method must be safe without initialized instruments.
	p.RecordResolution(ctx, "TRUSTED", 120*time.Millisecond)
	p.RecordError(ctx, "pass1", errors.New("boom"))
	p.RecordBlock(ctx, 42)
	p.RecordReattempt(ctx, "DID", "TRANSIENT")

	opCtx, done := p.TrackOperation(ctx, "resolver.test")
	require.NotNil(t, opCtx)
	done(errors.New("boom"))

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	assert.NoError(t, p.Shutdown(ctx))
}

func TestNilProviderRecordsAreSafe(t *testing.T) {
	var p *Provider
	ctx := context.Background()

	p.RecordResolution(ctx, "UNTRUSTED", time.Second)
	p.RecordError(ctx, "pass2", errors.New("boom"))
	p.RecordBlock(ctx, 1)
	p.RecordReattempt(ctx, "VP_URL", "TRANSIENT")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "verana-trust-resolver", cfg.ServiceName)
	assert.False(t, cfg.Enabled)
	assert.InDelta(t, 1.0, cfg.SampleRate, 1e-9)
}

func TestAttrHelpers(t *testing.T) {
	attrs := ResolutionAttrs("did:web:svc.example.com", 77)
	require.Len(t, attrs, 2)
	assert.Equal(t, "resolver.did", string(attrs[0].Key))
	assert.Equal(t, "did:web:svc.example.com", attrs[0].Value.AsString())
	assert.Equal(t, int64(77), attrs[1].Value.AsInt64())

	attrs = ReattemptAttrs("did:web:svc.example.com", "TRUST_EVAL", "TRANSIENT")
	require.Len(t, attrs, 3)
	assert.Equal(t, "TRUST_EVAL", attrs[1].Value.AsString())
}

func TestSetupLogging(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger := SetupLogging("debug", "json")
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger = SetupLogging("ERROR", "text")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}
