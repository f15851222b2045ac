package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config holds every setting the engine needs. It is resolved once at
// process start and passed by reference into each component; nothing
// reads connection parameters from ambient state after Resolve returns.
type Config struct {
	Source      SourceConfig
	Destination DestinationConfig
	Blob        BlobConfig
	Log         LogConfig
}

// SourceConfig points at the legacy document store. The engine only
// ever reads through this connection.
type SourceConfig struct {
	URI      string        `env:"LEGACY_MONGO_URI"`
	Database string        `env:"LEGACY_MONGO_DB" envDefault:"legacy"`
	Timeout  time.Duration `env:"LEGACY_CONNECT_TIMEOUT" envDefault:"10s"`
}

// DestinationConfig points at the relational destination store, which
// also holds the engine's mapping and sync-run tables.
type DestinationConfig struct {
	URI     string        `env:"DEST_POSTGRES_URI"`
	Timeout time.Duration `env:"DEST_CONNECT_TIMEOUT" envDefault:"10s"`
}

// BlobConfig describes the bucket migrated media objects live in, used
// to derive destination URLs from legacy storage keys.
type BlobConfig struct {
	Bucket string `env:"MEDIA_BUCKET" envDefault:"legacy-media"`
	Region string `env:"AWS_REGION" envDefault:"us-east-1"`
	// Endpoint overrides the S3 endpoint for local stacks.
	Endpoint      string `env:"S3_ENDPOINT"`
	PublicBaseURL string `env:"MEDIA_BASE_URL"`
	// VerifyObjects makes the media migrator check each storage key
	// actually exists in the bucket before writing the row.
	VerifyObjects bool `env:"MEDIA_VERIFY_OBJECTS" envDefault:"false"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

// Resolve loads configuration in layers: explicit environment variables
// win, a local .env file fills the gaps, and anything still missing
// fails here rather than at first write. Migrations are bulk, largely
// irreversible writes; silently running against a default or guessed
// target must be impossible.
func Resolve() (*Config, error) {
	// Best effort: a missing .env just means everything must come from
	// the real environment.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the resolved configuration eagerly, before any
// connection is opened. Error messages name the variable to set; they
// never echo URI values, which may embed credentials.
func (c *Config) Validate() error {
	if c.Source.URI == "" {
		return fmt.Errorf("LEGACY_MONGO_URI is not set; refusing to guess a source store")
	}
	if !strings.HasPrefix(c.Source.URI, "mongodb://") && !strings.HasPrefix(c.Source.URI, "mongodb+srv://") {
		return fmt.Errorf("LEGACY_MONGO_URI must start with mongodb:// or mongodb+srv://")
	}
	if c.Destination.URI == "" {
		return fmt.Errorf("DEST_POSTGRES_URI is not set; refusing to guess a destination store")
	}
	if !strings.HasPrefix(c.Destination.URI, "postgres://") && !strings.HasPrefix(c.Destination.URI, "postgresql://") {
		return fmt.Errorf("DEST_POSTGRES_URI must start with postgres:// or postgresql://")
	}
	if c.Source.Timeout <= 0 {
		return fmt.Errorf("LEGACY_CONNECT_TIMEOUT must be positive")
	}
	if c.Destination.Timeout <= 0 {
		return fmt.Errorf("DEST_CONNECT_TIMEOUT must be positive")
	}
	return nil
}
