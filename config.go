package edgeworker

import (
	"slices"
	"time"

	"github.com/season-tracker/edgeworker/internal/messaging"
)

// DefaultVersion is the cache namespace of the shipped worker. Bumping it is
// the only way to invalidate everything cached under the previous name.
const DefaultVersion = "season-tracker-v2"

// Config holds the configuration for one worker version.
type Config struct {
	// Version names the cache namespace owned by this worker.
	Version string `json:"version" yaml:"version"`
	// Scope is the public base URL the application is served from. Cache keys
	// are built from it.
	Scope string `json:"scope" yaml:"scope"`
	// Origin is the upstream base URL live fetches are sent to.
	Origin string `json:"origin" yaml:"origin"`
	// APIPrefix marks dynamic (network-first) requests.
	APIPrefix string `json:"api_prefix" yaml:"api_prefix"`
	// RootPath is opened when a notification click finds no window.
	RootPath string `json:"root_path" yaml:"root_path"`
	// Manifest lists the static resources stored at install.
	Manifest []string `json:"manifest" yaml:"manifest"`
	// Network tunes live fetches (optional).
	Network NetworkConfig `json:"network" yaml:"network"`
	// Storage selects the cache backend (optional, default memory).
	Storage StorageConfig `json:"storage" yaml:"storage"`
	// Notifications are the fixed parameters applied to every notification.
	Notifications messaging.Defaults `json:"notifications" yaml:"notifications"`
}

// NetworkConfig bounds live fetches.
type NetworkConfig struct {
	// TimeoutMS bounds a foreground fetch. Zero disables the timeout.
	TimeoutMS int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	// RevalidateTimeoutMS bounds a background refresh. Zero means 30s.
	RevalidateTimeoutMS int `json:"revalidate_timeout_ms,omitempty" yaml:"revalidate_timeout_ms,omitempty"`
	// ManifestConcurrency bounds parallel manifest fetches at install.
	ManifestConcurrency int `json:"manifest_concurrency,omitempty" yaml:"manifest_concurrency,omitempty"`
	// Breaker enables fail-fast when the origin is unreachable.
	Breaker *BreakerConfig `json:"breaker,omitempty" yaml:"breaker,omitempty"`
}

// Timeout returns TimeoutMS as a duration.
func (n NetworkConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutMS) * time.Millisecond
}

// RevalidateTimeout returns RevalidateTimeoutMS as a duration.
func (n NetworkConfig) RevalidateTimeout() time.Duration {
	return time.Duration(n.RevalidateTimeoutMS) * time.Millisecond
}

// BreakerConfig configures the origin breaker.
type BreakerConfig struct {
	Failures   int `json:"failures" yaml:"failures"`
	Recoveries int `json:"recoveries" yaml:"recoveries"`
	CooldownMS int `json:"cooldown_ms" yaml:"cooldown_ms"`
}

// StorageDriver selects a cache backend.
type StorageDriver string

// StorageDriver constants.
const (
	StorageMemory   StorageDriver = "memory"
	StorageSQLite   StorageDriver = "sqlite"
	StoragePostgres StorageDriver = "postgres"
)

// StorageConfig selects and addresses the cache backend.
type StorageConfig struct {
	Driver StorageDriver `json:"driver" yaml:"driver"`
	DSN    string        `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// DefaultManifest is the set of root-level resources stored at install.
func DefaultManifest() []string {
	return []string{
		"/",
		"/icon-192.png",
		"/icon-512.png",
		"/apple-touch-icon.png",
		"/favicon.ico",
	}
}

// DefaultConfig returns the shipped configuration. Origin is left empty and
// must be supplied.
func DefaultConfig() Config {
	return Config{
		Version:       DefaultVersion,
		Scope:         "http://localhost:8080/",
		APIPrefix:     "/api/",
		RootPath:      "/",
		Manifest:      DefaultManifest(),
		Storage:       StorageConfig{Driver: StorageMemory},
		Notifications: messaging.DefaultDefaults(),
	}
}

// withDefaults fills zero-valued fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.Scope == "" {
		c.Scope = d.Scope
	}
	if c.APIPrefix == "" {
		c.APIPrefix = d.APIPrefix
	}
	if c.RootPath == "" {
		c.RootPath = d.RootPath
	}
	if c.Manifest == nil {
		c.Manifest = d.Manifest
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = d.Storage.Driver
	}
	n := &c.Notifications
	if n.Icon == "" {
		n.Icon = d.Notifications.Icon
	}
	if n.Badge == "" {
		n.Badge = d.Notifications.Badge
	}
	if n.Vibrate == nil {
		n.Vibrate = slices.Clone(d.Notifications.Vibrate)
	}
	if n.Tag == "" {
		n.Tag = d.Notifications.Tag
	}
	return c
}
