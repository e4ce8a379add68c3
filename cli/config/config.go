package config

import (
	"fmt"
	"time"
)

// Config represents an evidenced.yaml configuration file.
// All values are optional; the CLI falls back to built-in defaults for
// any value left unset.
type Config struct {
	// CacheDir is the directory the runtime owns for image artifacts.
	CacheDir string `yaml:"cache_dir"`
	// LedgerPath is the audit ledger database file.
	LedgerPath string `yaml:"ledger_path"`

	Naming  NamingConfig  `yaml:"naming"`
	Cache   CacheConfig   `yaml:"cache"`
	Court   CourtConfig   `yaml:"court"`
	Worker  WorkerConfig  `yaml:"worker"`
	Archive ArchiveConfig `yaml:"archive"`
	Notify  NotifyConfig  `yaml:"notify"`

	// RequestTimeout is the default evidence request deadline.
	RequestTimeout Duration `yaml:"request_timeout"`
	// EvictionInterval is the background eviction cycle period.
	EvictionInterval Duration `yaml:"eviction_interval"`
}

// NamingConfig freezes the Naming Contract grammar. Changing prefix or
// suffix against an existing cache directory invalidates every prior
// Owned classification; pair any change with a fresh cache directory.
type NamingConfig struct {
	Prefix string `yaml:"prefix"`
	Suffix string `yaml:"suffix"`
	Tag    string `yaml:"tag"`
}

// CacheConfig bounds the two cache tiers.
type CacheConfig struct {
	MaxSemanticBytes int64 `yaml:"max_semantic_bytes"`
	MaxImageBytes    int64 `yaml:"max_image_bytes"`
}

// CourtConfig holds the eviction scoring weights. The shipped defaults
// are plausible but unverified against measured workloads; tune against
// production latency/retention goals before trusting them.
type CourtConfig struct {
	SizeWeight     float64 `yaml:"size_weight"`
	AgeWeight      float64 `yaml:"age_weight"`
	ViewportWeight float64 `yaml:"viewport_weight"`
	EntropyWeight  float64 `yaml:"entropy_weight"`
}

// Set reports whether any weight was configured.
func (c CourtConfig) Set() bool {
	return c.SizeWeight != 0 || c.AgeWeight != 0 || c.ViewportWeight != 0 || c.EntropyWeight != 0
}

// WorkerConfig configures the extraction worker subprocess.
type WorkerConfig struct {
	// Path is the worker entrypoint; empty uses the embedded bundle.
	Path string `yaml:"path"`
	// NodePath is the runtime executing a .mjs entrypoint (default "node").
	NodePath string `yaml:"node_path"`
	// ResolveFrom points module resolution at an external node_modules.
	ResolveFrom string `yaml:"resolve_from"`
	// HandshakeTimeout bounds the capability handshake.
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	// ShutdownGrace is the clean-exit wait before kill.
	ShutdownGrace Duration `yaml:"shutdown_grace"`
	// Caps lists requested capabilities.
	Caps []string `yaml:"caps"`
}

// ArchiveConfig configures the optional table archive export.
// Disabled unless Enabled is set.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dataset string `yaml:"dataset"`
	// Backend is "fs" (default) or "s3".
	Backend string `yaml:"backend"`
	// Path is the filesystem root (fs) or "bucket/prefix" (s3).
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// NotifyConfig configures the optional lifecycle webhook.
// Disabled unless URL is set.
type NotifyConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Validate rejects configurations that cannot be started.
func (c *Config) Validate() error {
	if c.Archive.Enabled && c.Archive.Backend == "s3" && c.Archive.Path == "" {
		return fmt.Errorf("archive backend s3 requires a bucket path")
	}
	if c.Archive.Enabled && c.Archive.Backend != "" && c.Archive.Backend != "fs" && c.Archive.Backend != "s3" {
		return fmt.Errorf("unknown archive backend %q (must be fs or s3)", c.Archive.Backend)
	}
	if c.Notify.Retries != nil && *c.Notify.Retries < 0 {
		return fmt.Errorf("notify retries must be >= 0")
	}
	return nil
}
