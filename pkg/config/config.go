// Package config loads the typed Config struct every component in the core
// is constructed from, the way the teacher's pkg/config loader does:
// defaults first, then a .env file (if present), then environment-variable
// overrides via envdecode's struct tags. There is no package-level global —
// Load is called once at the composition root and the result passed down
// explicitly (REDESIGN FLAG).
package config

import (
	"fmt"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Environment mirrors infrastructure/runtime.Environment's three values as
// a config-struct field (kept distinct from that package's own detection
// helpers, which read the environment directly rather than through Config).
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// ObjectStoreConfig carries the credentials the staging engine installs via
// SQL `SET` statements at connection-open time (§4.3) — never passed as a
// separate SDK call for the read path itself.
type ObjectStoreConfig struct {
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	Region          string `env:"REGION"`
	Endpoint        string `env:"ENDPOINT"`
}

// Config is the top-level structure every core component is constructed
// from (§6.7).
type Config struct {
	Environment Environment `env:"ENVIRONMENT"`

	MaxMemoryMB          int `env:"MAX_MEMORY_MB"`
	MaxDatabasesPerNode  int `env:"MAX_DATABASES_PER_NODE"`
	DatabasesPerInstance int `env:"DATABASES_PER_INSTANCE"`
	ConnectionPoolSize   int `env:"CONNECTION_POOL_SIZE"`

	QueryTimeoutSeconds int `env:"QUERY_TIMEOUT"`
	ChunkSize           int `env:"CHUNK_SIZE"`

	StagingBasePath string `env:"DUCKDB_STAGING_PATH"`
	GraphBasePath   string `env:"GRAPH_DATABASE_PATH"`

	ObjectStore ObjectStoreConfig

	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`
}

// New returns a Config populated with defaults only (no env/file applied) —
// used by tests and anywhere defaults should be visible without a real
// environment.
func New() *Config {
	return &Config{
		Environment:          EnvDevelopment,
		MaxMemoryMB:          4096,
		MaxDatabasesPerNode:  10,
		ConnectionPoolSize:   5,
		QueryTimeoutSeconds:  300,
		ChunkSize:            1000,
		StagingBasePath:      "/data/staging",
		GraphBasePath:        "/data/graphs",
		LogLevel:             "info",
		LogFormat:            "json",
		ObjectStore:          ObjectStoreConfig{Region: "us-east-1"},
	}
}

// Load loads a .env file if present, then applies environment-variable
// overrides on top of New()'s defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()
	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	case "dev":
		c.Environment = EnvDevelopment
	case "prod":
		c.Environment = EnvProduction
	case "":
		c.Environment = EnvDevelopment
	}
}

// EffectiveDatabasesPerInstance returns DatabasesPerInstance when the tier
// override is set, otherwise MaxDatabasesPerNode (§6.7: "tier override").
func (c *Config) EffectiveDatabasesPerInstance() int {
	if c.DatabasesPerInstance > 0 {
		return c.DatabasesPerInstance
	}
	return c.MaxDatabasesPerNode
}
