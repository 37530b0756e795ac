package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "REDIS_URL", "DATA_DIR", "INDEXER_URL", "VPR_NETWORK",
		"PROFILES_DIR", "ALLOWED_ECOSYSTEM_DIDS", "INSTANCE_ROLE", "PORT",
		"POLL_INTERVAL", "OBJECT_CACHE_TTL", "TRUST_TTL", "TTL_REFRESH_RATIO",
		"REATTEMPT_RETENTION_DAYS", "HTTP_FETCH_TIMEOUT", "DISABLE_DIGEST_SRI",
		"LOG_LEVEL", "LOG_FORMAT", "OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"ENVIRONMENT", "ECS_SERVICE_DIGEST", "ECS_ORG_DIGEST",
		"ECS_PERSONA_DIGEST", "ECS_USER_AGENT_DIGEST",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("INDEXER_URL", "https://indexer.example.test/")
	t.Setenv("ALLOWED_ECOSYSTEM_DIDS", "did:web:eco.one, did:web:eco.two")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://indexer.example.test", cfg.IndexerURL)
	assert.Equal(t, []string{"did:web:eco.one", "did:web:eco.two"}, cfg.AllowedEcosystemDids)
	assert.Equal(t, RoleLeader, cfg.Role)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 24*time.Hour, cfg.ObjectCacheTTL)
	assert.Equal(t, time.Hour, cfg.TrustTTL)
	assert.InDelta(t, 0.2, cfg.RefreshRatio, 1e-9)
	assert.Equal(t, 7, cfg.RetentionDays)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention())
	assert.Equal(t, 12*time.Minute, cfg.RefreshWindow())
	assert.True(t, cfg.LiteMode())
}

func TestLoadDurationForms(t *testing.T) {
	clearEnv(t)
	t.Setenv("INDEXER_URL", "http://indexer.local")
	t.Setenv("ALLOWED_ECOSYSTEM_DIDS", "did:web:eco.one")
	t.Setenv("POLL_INTERVAL", "30")
	t.Setenv("TRUST_TTL", "2h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.PollInterval, "bare integers are seconds")
	assert.Equal(t, 2*time.Hour, cfg.TrustTTL)
}

func TestLoadEventsURL(t *testing.T) {
	clearEnv(t)
	for _, tc := range []struct{ base, want string }{
		{"https://indexer.example.test", "wss://indexer.example.test/verana/indexer/v1/events"},
		{"http://localhost:1317", "ws://localhost:1317/verana/indexer/v1/events"},
	} {
		cfg := &Config{IndexerURL: tc.base}
		assert.Equal(t, tc.want, cfg.EventsURL())
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			IndexerURL:           "http://indexer.local",
			AllowedEcosystemDids: []string{"did:web:eco.one"},
			Role:                 RoleLeader,
			RefreshRatio:         0.2,
			RetentionDays:        7,
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.IndexerURL = ""
	assert.ErrorContains(t, cfg.Validate(), "INDEXER_URL")

	cfg = base()
	cfg.AllowedEcosystemDids = nil
	assert.ErrorContains(t, cfg.Validate(), "ALLOWED_ECOSYSTEM_DIDS")

	cfg = base()
	cfg.Role = "observer"
	assert.ErrorContains(t, cfg.Validate(), "INSTANCE_ROLE")

	cfg = base()
	cfg.RefreshRatio = 1.5
	assert.ErrorContains(t, cfg.Validate(), "TTL_REFRESH_RATIO")

	cfg = base()
	cfg.RetentionDays = 0
	assert.ErrorContains(t, cfg.Validate(), "REATTEMPT_RETENTION_DAYS")
}

func writeProfile(t *testing.T, dir, network, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+network+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadWithProfile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeProfile(t, dir, "vna-testnet", `
name: Verana Testnet
network: vna-testnet
indexer_url: https://indexer.testnet.verana.network
allowed_ecosystem_dids:
  - did:web:ecosystem.testnet.verana.network
ecs_digests:
  service: sha384-aaa
  org: sha384-bbb
  persona: sha384-ccc
  user_agent: sha384-ddd
`)

	t.Setenv("VPR_NETWORK", "vna-testnet")
	t.Setenv("PROFILES_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://indexer.testnet.verana.network", cfg.IndexerURL)
	assert.Equal(t, []string{"did:web:ecosystem.testnet.verana.network"}, cfg.AllowedEcosystemDids)
	assert.Equal(t, "sha384-aaa", cfg.EcsDigests.Service)
	assert.Equal(t, "sha384-ddd", cfg.EcsDigests.UserAgent)
}

func TestEnvOverridesProfile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeProfile(t, dir, "vna-testnet", `
network: vna-testnet
indexer_url: https://indexer.testnet.verana.network
allowed_ecosystem_dids:
  - did:web:ecosystem.testnet.verana.network
ecs_digests:
  service: sha384-profile
`)

	t.Setenv("VPR_NETWORK", "vna-testnet")
	t.Setenv("PROFILES_DIR", dir)
	t.Setenv("INDEXER_URL", "http://localhost:1317")
	t.Setenv("ECS_SERVICE_DIGEST", "sha384-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:1317", cfg.IndexerURL)
	assert.Equal(t, "sha384-env", cfg.EcsDigests.Service)
	assert.Equal(t, []string{"did:web:ecosystem.testnet.verana.network"}, cfg.AllowedEcosystemDids,
		"profile still fills what env leaves empty")
}

func TestLoadProfileMismatch(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "vna-testnet", "network: vna-mainnet\n")

	_, err := LoadProfile(dir, "vna-testnet")
	assert.ErrorContains(t, err, "declares network")
}

func TestLoadProfileMissing(t *testing.T) {
	_, err := LoadProfile(t.TempDir(), "nope")
	assert.Error(t, err)
}

func TestListProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "vna-testnet", "network: vna-testnet\n")
	writeProfile(t, dir, "vna-mainnet", "network: vna-mainnet\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644))

	codes, err := ListProfiles(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"vna-testnet", "vna-mainnet"}, codes)
}
