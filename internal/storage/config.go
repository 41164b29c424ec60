package storage

import (
	"context"
	"fmt"
	"strings"
)

// Backend types.
const (
	// BackendDB keeps attachment bytes inline in the ticket database.
	BackendDB = "DB"
	BackendFS = "FS"
	BackendS3 = "S3"
)

// Config represents storage configuration.
type Config struct {
	// Backend type: "DB", "FS" or "S3".
	Backend string `mapstructure:"backend" yaml:"backend"`

	// Filesystem backend settings.
	FSBasePath string `mapstructure:"fs_base_path" yaml:"fs_base_path"`

	// S3 backend settings.
	S3 S3Config `mapstructure:"s3" yaml:"s3"`

	// FallbackFS adds the filesystem backend as a read fallback behind S3.
	FallbackFS bool `mapstructure:"fallback_fs" yaml:"fallback_fs"`
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	backend := strings.ToUpper(strings.TrimSpace(c.Backend))
	if backend == "" {
		backend = BackendDB
	}
	switch backend {
	case BackendDB:
	case BackendFS:
		if strings.TrimSpace(c.FSBasePath) == "" {
			return fmt.Errorf("filesystem base path is required for FS backend")
		}
	case BackendS3:
		if strings.TrimSpace(c.S3.Bucket) == "" {
			return fmt.Errorf("s3 bucket is required for S3 backend")
		}
		if c.FallbackFS && strings.TrimSpace(c.FSBasePath) == "" {
			return fmt.Errorf("filesystem base path is required for the FS fallback")
		}
	default:
		return fmt.Errorf("invalid backend type: %s (must be DB, FS or S3)", c.Backend)
	}
	c.Backend = backend
	return nil
}

// New builds the configured backend. The DB backend returns nil: the SQL
// ticket store then keeps attachment bytes inline.
func New(ctx context.Context, cfg Config) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backend == BackendDB {
		return nil, nil
	}
	factory := NewFactory()
	primary, err := factory.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Backend == BackendS3 && cfg.FallbackFS {
		fs, err := NewFilesystemBackend(cfg.FSBasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create filesystem fallback: %w", err)
		}
		return NewMixedModeBackend(primary, fs), nil
	}
	return primary, nil
}
