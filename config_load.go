package edgeworker

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads and parses a config file from the given path. Fields the
// file leaves out keep their DefaultConfig values.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	cfg = cfg.withDefaults()
	return &cfg, nil
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Version) == "" {
		return fmt.Errorf("version is required")
	}
	if err := validateBaseURL("scope", cfg.Scope); err != nil {
		return err
	}
	if err := validateBaseURL("origin", cfg.Origin); err != nil {
		return err
	}
	if !strings.HasPrefix(cfg.APIPrefix, "/") {
		return fmt.Errorf("api_prefix %q must start with /", cfg.APIPrefix)
	}
	if !strings.HasPrefix(cfg.RootPath, "/") {
		return fmt.Errorf("root_path %q must start with /", cfg.RootPath)
	}

	seen := make(map[string]struct{}, len(cfg.Manifest))
	for _, p := range cfg.Manifest {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("manifest path %q must start with /", p)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("manifest path %q listed twice", p)
		}
		seen[p] = struct{}{}
	}

	switch cfg.Storage.Driver {
	case "", StorageMemory, StorageSQLite:
	case StoragePostgres:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("postgres storage requires a dsn")
		}
	default:
		return fmt.Errorf("unknown storage driver: %q", cfg.Storage.Driver)
	}

	n := cfg.Network
	if n.TimeoutMS < 0 || n.RevalidateTimeoutMS < 0 || n.ManifestConcurrency < 0 {
		return fmt.Errorf("network timeouts and concurrency must not be negative")
	}
	if b := n.Breaker; b != nil && (b.Failures < 0 || b.Recoveries < 0 || b.CooldownMS < 0) {
		return fmt.Errorf("breaker settings must not be negative")
	}

	for _, v := range cfg.Notifications.Vibrate {
		if v < 0 {
			return fmt.Errorf("vibration pattern has negative duration %d", v)
		}
	}
	return nil
}

func validateBaseURL(field, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute http(s) URL", field, raw)
	}
	return nil
}
