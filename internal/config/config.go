// Package config provides configuration parsing and validation for
// meshxfer.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete transfer configuration, loadable from a
// YAML file and overridable by CLI flags.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Resume    ResumeConfig    `yaml:"resume"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// TransportConfig controls the TCP listener/dialer.
type TransportConfig struct {
	// Port is the TCP port the receiver listens on and the sender dials.
	// Default: 15820.
	Port int `yaml:"port"`

	// Pod, when true, binds the receiver listener to 127.0.0.1 instead of
	// 0.0.0.0, for use behind a sidecar/pod-local proxy that handles the
	// externally reachable address itself.
	Pod bool `yaml:"pod"`

	// HandshakeTimeoutBaseSeconds is loaded from the config file but is not
	// read by the transfer code: the sender's READY wait uses fixed tiers
	// (60 s up to 1,000 files, 120 s up to 10,000, 180 s above; see
	// xfer.ReadyTimeout).
	HandshakeTimeoutBaseSeconds int `yaml:"handshake_timeout_base_seconds"`
}

// TransferConfig controls block size and compression.
type TransferConfig struct {
	// BlockSizeBytes is the target size of one stream block before
	// compression. Default: 1 MiB.
	BlockSizeBytes int `yaml:"block_size_bytes"`

	// ReadSliceBytes is the size of each file-read slice while filling
	// the stream buffer. Default: 64 KiB.
	ReadSliceBytes int `yaml:"read_slice_bytes"`

	// Compress enables LZ4 compression of stream blocks.
	Compress bool `yaml:"compress"`

	// ExcludeVenv skips virtualenv/cache/VCS directories during
	// recursive directory collection.
	ExcludeVenv bool `yaml:"exclude_venv"`
}

// ResumeConfig controls resume and lock-file behavior.
type ResumeConfig struct {
	// Enabled allows the receiver to adopt a prior lock file and resume
	// partially-transferred files instead of starting fresh.
	Enabled bool `yaml:"enabled"`

	// RenamePolicy controls what happens when a completed file's final
	// path already exists (its content is not compared): "overwrite" or
	// "rename" (producing name_N.ext).
	RenamePolicy string `yaml:"rename_policy"`
}

// RateLimitConfig controls optional bandwidth throttling.
type RateLimitConfig struct {
	// MaxBytesPerSecond throttles the data path when > 0; 0 disables
	// throttling.
	MaxBytesPerSecond int64 `yaml:"max_bytes_per_second"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no config file is present.
func Default() Config {
	return Config{
		Transport: TransportConfig{
			Port:                        15820,
			HandshakeTimeoutBaseSeconds: 60,
		},
		Transfer: TransferConfig{
			BlockSizeBytes: 1024 * 1024,
			ReadSliceBytes: 64 * 1024,
			Compress:       true,
		},
		Resume: ResumeConfig{
			Enabled:      false,
			RenamePolicy: "rename",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file at path and merges it over Default().
// A missing file is not an error; Default() is returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime errors deep in the transfer.
func (c Config) Validate() error {
	if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
		return fmt.Errorf("transport.port %d out of range", c.Transport.Port)
	}
	if c.Transfer.BlockSizeBytes <= 0 {
		return fmt.Errorf("transfer.block_size_bytes must be positive")
	}
	if c.Transfer.ReadSliceBytes <= 0 {
		return fmt.Errorf("transfer.read_slice_bytes must be positive")
	}
	if c.Resume.RenamePolicy != "overwrite" && c.Resume.RenamePolicy != "rename" {
		return fmt.Errorf("resume.rename_policy must be %q or %q, got %q", "overwrite", "rename", c.Resume.RenamePolicy)
	}
	if c.RateLimit.MaxBytesPerSecond < 0 {
		return fmt.Errorf("rate_limit.max_bytes_per_second must be >= 0")
	}
	return nil
}
