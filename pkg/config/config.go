// Package config loads resolver configuration from the environment, with
// an optional per-network YAML profile supplying the ecosystem allowlist
// and the four ECS reference digests.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/verana-labs/trust-resolver/pkg/credential"
)

// Role selects what a resolver instance is allowed to do.
type Role string

const (
	// RoleLeader competes for the advisory lock and, when holding it,
	// runs the polling loop.
	RoleLeader Role = "leader"
	// RoleReader serves queries only and never mutates state.
	RoleReader Role = "reader"
)

// Config holds the full runtime configuration.
type Config struct {
	// DatabaseURL is the Postgres connection string. Empty switches the
	// state store to lite mode (SQLite under DataDir).
	DatabaseURL string
	// RedisURL is the object cache endpoint (redis://host:port[/db]).
	// Empty switches to the in-process cache.
	RedisURL string
	DataDir  string

	// IndexerURL is the VPR indexer base URL. Required.
	IndexerURL string

	// Network names the YAML profile (profiles/profile_<network>.yaml)
	// that carries the ecosystem allowlist and ECS digests. Env values
	// override profile values.
	Network     string
	ProfilesDir string

	AllowedEcosystemDids []string
	EcsDigests           credential.ECSDigests

	Role Role
	Port string

	PollInterval     time.Duration
	ObjectCacheTTL   time.Duration
	TrustTTL         time.Duration
	RefreshRatio     float64
	RetentionDays    int
	HTTPFetchTimeout time.Duration

	DisableDigestSRI bool

	LogLevel  string
	LogFormat string

	OTELEnabled  bool
	OTLPEndpoint string
	Environment  string
}

// Load reads configuration from environment variables, merging in the
// network profile when one is named. Call Validate before using the
// result.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		DataDir:              getenv("DATA_DIR", "data"),
		IndexerURL:           strings.TrimRight(os.Getenv("INDEXER_URL"), "/"),
		Network:              os.Getenv("VPR_NETWORK"),
		ProfilesDir:          getenv("PROFILES_DIR", "profiles"),
		AllowedEcosystemDids: getenvList("ALLOWED_ECOSYSTEM_DIDS"),
		Role:                 Role(getenv("INSTANCE_ROLE", string(RoleLeader))),
		Port:                 getenv("PORT", "8080"),
		PollInterval:         getenvDuration("POLL_INTERVAL", 5*time.Second),
		ObjectCacheTTL:       getenvDuration("OBJECT_CACHE_TTL", 86400*time.Second),
		TrustTTL:             getenvDuration("TRUST_TTL", 3600*time.Second),
		RefreshRatio:         getenvFloat("TTL_REFRESH_RATIO", 0.2),
		RetentionDays:        getenvInt("REATTEMPT_RETENTION_DAYS", 7),
		HTTPFetchTimeout:     getenvDuration("HTTP_FETCH_TIMEOUT", 10*time.Second),
		DisableDigestSRI:     getenvBool("DISABLE_DIGEST_SRI", false),
		LogLevel:             getenv("LOG_LEVEL", "INFO"),
		LogFormat:            getenv("LOG_FORMAT", "text"),
		OTELEnabled:          getenvBool("OTEL_ENABLED", false),
		OTLPEndpoint:         getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Environment:          getenv("ENVIRONMENT", "development"),
		EcsDigests: credential.ECSDigests{
			Service:   os.Getenv("ECS_SERVICE_DIGEST"),
			Org:       os.Getenv("ECS_ORG_DIGEST"),
			Persona:   os.Getenv("ECS_PERSONA_DIGEST"),
			UserAgent: os.Getenv("ECS_USER_AGENT_DIGEST"),
		},
	}

	if cfg.Network != "" {
		profile, err := LoadProfile(cfg.ProfilesDir, cfg.Network)
		if err != nil {
			return nil, err
		}
		cfg.applyProfile(profile)
	}
	return cfg, nil
}

// applyProfile fills fields the environment left empty.
func (c *Config) applyProfile(p *NetworkProfile) {
	if len(c.AllowedEcosystemDids) == 0 {
		c.AllowedEcosystemDids = p.AllowedEcosystemDids
	}
	if c.IndexerURL == "" {
		c.IndexerURL = strings.TrimRight(p.IndexerURL, "/")
	}
	if c.EcsDigests.Service == "" {
		c.EcsDigests.Service = p.EcsDigests.Service
	}
	if c.EcsDigests.Org == "" {
		c.EcsDigests.Org = p.EcsDigests.Org
	}
	if c.EcsDigests.Persona == "" {
		c.EcsDigests.Persona = p.EcsDigests.Persona
	}
	if c.EcsDigests.UserAgent == "" {
		c.EcsDigests.UserAgent = p.EcsDigests.UserAgent
	}
}

// Validate reports the first configuration error, or nil.
func (c *Config) Validate() error {
	if c.IndexerURL == "" {
		return fmt.Errorf("config: INDEXER_URL is required")
	}
	if len(c.AllowedEcosystemDids) == 0 {
		return fmt.Errorf("config: ALLOWED_ECOSYSTEM_DIDS is required (directly or via a network profile)")
	}
	if c.Role != RoleLeader && c.Role != RoleReader {
		return fmt.Errorf("config: INSTANCE_ROLE must be %q or %q, got %q", RoleLeader, RoleReader, c.Role)
	}
	if c.RefreshRatio <= 0 || c.RefreshRatio >= 1 {
		return fmt.Errorf("config: TTL_REFRESH_RATIO must be in (0, 1), got %v", c.RefreshRatio)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("config: REATTEMPT_RETENTION_DAYS must be positive, got %d", c.RetentionDays)
	}
	return nil
}

// LiteMode reports whether the state store runs on SQLite.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// Retention returns the reattempt retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// RefreshWindow is how far ahead of expiry a trust result becomes
// eligible for the TTL refresh sweep.
func (c *Config) RefreshWindow() time.Duration {
	return time.Duration(float64(c.TrustTTL) * c.RefreshRatio)
}

// EventsURL derives the indexer websocket endpoint from the base URL.
func (c *Config) EventsURL() string {
	u := c.IndexerURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/verana/indexer/v1/events"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getenvDuration accepts Go duration strings ("5s", "1h") and, for
// compatibility with second-denominated deployments, bare integers.
func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func getenvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
