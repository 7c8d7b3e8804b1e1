package ratelimit

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSourceKey names the fallback entry in a rate limit file.
const DefaultSourceKey = "default"

// SourceConfigs maps a source host (e.g. www.football-data.co.uk) to its
// limiter config.
type SourceConfigs struct {
	RateLimits map[string]Config `yaml:"rate_limits" json:"rate_limits"`
}

// LoadSourceConfigs loads YAML bytes into SourceConfigs.
func LoadSourceConfigs(data []byte) (SourceConfigs, error) {
	var cfgs SourceConfigs
	if err := yaml.Unmarshal(data, &cfgs); err != nil {
		return SourceConfigs{}, fmt.Errorf("parse rate limits: %w", err)
	}
	normalized := make(map[string]Config, len(cfgs.RateLimits))
	for name, cfg := range cfgs.RateLimits {
		normalized[strings.ToLower(strings.TrimSpace(name))] = applyDefaults(cfg)
	}
	cfgs.RateLimits = normalized
	return cfgs, nil
}

// LoadSourceConfigsFile reads a rate limit YAML file. An empty path yields
// an empty set, so every host gets DefaultConfig.
func LoadSourceConfigsFile(path string) (SourceConfigs, error) {
	if strings.TrimSpace(path) == "" {
		return SourceConfigs{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return SourceConfigs{}, fmt.Errorf("read rate limits %s: %w", path, err)
	}
	return LoadSourceConfigs(data)
}

// Get returns the config registered for host, then the "default" entry,
// then DefaultConfig.
func (s SourceConfigs) Get(host string) Config {
	host = strings.ToLower(strings.TrimSpace(host))
	if cfg, ok := s.RateLimits[host]; ok {
		return cfg
	}
	if cfg, ok := s.RateLimits[DefaultSourceKey]; ok {
		return cfg
	}
	return DefaultConfig()
}

// ForURL resolves the config by the URL's host.
func (s SourceConfigs) ForURL(rawURL string) Config {
	return s.Get(HostOf(rawURL))
}

// HostOf extracts the lower-cased host of rawURL, or "" when unparseable.
func HostOf(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
