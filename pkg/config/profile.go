package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// NetworkProfile is the on-disk description of a VPR network: where its
// indexer lives, which ecosystems the operator trusts, and the reference
// digests identifying the four Essential Credential Schemas.
type NetworkProfile struct {
	Name    string `yaml:"name"`
	Network string `yaml:"network"`

	IndexerURL string `yaml:"indexer_url"`

	AllowedEcosystemDids []string `yaml:"allowed_ecosystem_dids"`

	EcsDigests struct {
		Service   string `yaml:"service"`
		Org       string `yaml:"org"`
		Persona   string `yaml:"persona"`
		UserAgent string `yaml:"user_agent"`
	} `yaml:"ecs_digests"`
}

// LoadProfile reads profiles/profile_<network>.yaml from dir.
func LoadProfile(dir, network string) (*NetworkProfile, error) {
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", network))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read network profile %s: %w", path, err)
	}
	var p NetworkProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse network profile %s: %w", path, err)
	}
	if p.Network == "" {
		p.Network = network
	}
	if p.Network != network {
		return nil, fmt.Errorf("config: profile %s declares network %q, want %q", path, p.Network, network)
	}
	return &p, nil
}

// ListProfiles returns the network codes of every profile in dir.
func ListProfiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: read profiles dir %s: %w", dir, err)
	}
	var codes []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".yaml" {
			continue
		}
		base := name[:len(name)-len(".yaml")]
		const prefix = "profile_"
		if len(base) > len(prefix) && base[:len(prefix)] == prefix {
			codes = append(codes, base[len(prefix):])
		}
	}
	return codes, nil
}
