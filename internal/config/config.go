package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Indexing IndexingConfig `json:"indexing"`
	Linking  LinkingConfig  `json:"linking"`
	Cleanup  CleanupConfig  `json:"cleanup"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// DatabaseConfig selects the graph backend. Backend is one of "sqlite",
// "neo4j" or "postgres"; only the matching sub-config is consulted.
type DatabaseConfig struct {
	Backend  string         `json:"backend"`
	SQLite   SQLiteConfig   `json:"sqlite"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type IndexingConfig struct {
	Languages      []string `json:"languages,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	MaxRetries     int      `json:"max_retries"`
	BaseDelayMS    int      `json:"base_delay_ms"`
	Parallel       bool     `json:"parallel"`
	Workers        int      `json:"workers"`
	JobsDir        string   `json:"jobs_dir"`
}

// LinkingConfig toggles the auto-link strategies. Pointers so an omitted
// field defaults to enabled; only an explicit false disables a strategy.
type LinkingConfig struct {
	MetadataMatch *bool `json:"metadata_match"`
	ContentMatch  *bool `json:"content_match"`
}

type CleanupConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration usable without any config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Backend == "" {
		c.Database.Backend = "sqlite"
	}
	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "data/vault.db"
	}
	if c.Indexing.TimeoutSeconds == 0 {
		c.Indexing.TimeoutSeconds = 600
	}
	if c.Indexing.MaxRetries == 0 {
		c.Indexing.MaxRetries = 2
	}
	if c.Indexing.BaseDelayMS == 0 {
		c.Indexing.BaseDelayMS = 1000
	}
	if c.Indexing.Workers == 0 {
		c.Indexing.Workers = 4
	}
	if c.Indexing.JobsDir == "" {
		c.Indexing.JobsDir = "data/jobs"
	}
	if c.Cleanup.IntervalSeconds == 0 {
		c.Cleanup.IntervalSeconds = 300
	}
	if c.Linking.MetadataMatch == nil {
		c.Linking.MetadataMatch = boolPtr(true)
	}
	if c.Linking.ContentMatch == nil {
		c.Linking.ContentMatch = boolPtr(true)
	}
}

func boolPtr(b bool) *bool { return &b }
