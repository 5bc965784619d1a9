// Package config provides configuration loading for skillflow: YAML
// file, defaults, and SKILLFLOW_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/skillflow/dbpool"
)

// Config is the complete process configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Skills   SkillsConfig   `yaml:"skills"`
	Models   ModelsConfig   `yaml:"models"`
	Engine   EngineConfig   `yaml:"engine"`
	Logging  LoggingConfig  `yaml:"logging"`

	// QueryDefaults maps a data-query source (postgres, mysql, sqlite,
	// mongodb, redis) to its fallback connection string.
	QueryDefaults map[string]string `yaml:"query_defaults"`

	// Vault maps credential references to connection strings. A real
	// deployment would back this with a secret manager; the interface
	// seam is exec.Vault.
	Vault map[string]string `yaml:"vault"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`
	// CallbackURL is the public URL remote REST services post back to.
	CallbackURL string `yaml:"callback_url"`
	// ShutdownGrace bounds graceful shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// DatabaseConfig configures the backing stores.
type DatabaseConfig struct {
	// Dialect selects the relational driver: sqlite, mysql, or postgres.
	Dialect dbpool.Dialect `yaml:"dialect"`
	// DSN is the relational connection string.
	DSN string `yaml:"dsn"`
	// MinConns and MaxConns size the relational pool.
	MinConns int `yaml:"min_conns"`
	MaxConns int `yaml:"max_conns"`

	// MongoURI enables the document pool when set.
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
	MongoMinConns int    `yaml:"mongo_min_conns"`
	MongoMaxConns int    `yaml:"mongo_max_conns"`

	// RedisAddr enables the checkpoint cache tier and the Redis event
	// queue when set.
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// SkillsConfig configures the filesystem skill source.
type SkillsConfig struct {
	// Dir is the skills directory; empty disables filesystem skills.
	Dir string `yaml:"dir"`
	// Watch reloads the registry when files under Dir change.
	Watch bool `yaml:"watch"`
}

// ModelsConfig configures LLM providers.
type ModelsConfig struct {
	// Default is the model used when a run names none.
	Default string `yaml:"default"`

	OpenAIKey    string `yaml:"openai_api_key"`
	AnthropicKey string `yaml:"anthropic_api_key"`
	GeminiKey    string `yaml:"gemini_api_key"`
}

// EngineConfig bounds run execution.
type EngineConfig struct {
	// ToolRounds caps LLM tool-call rounds per skill execution.
	ToolRounds int `yaml:"tool_rounds"`
	// QueryTimeout bounds a single data query.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// WebhookTimeout bounds the terminal-status webhook POST.
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// LoggingConfig configures process logging.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// DefaultConfig returns the defaults a bare process runs with: embedded
// sqlite, no Redis, no document store, skills from ./skills.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			ShutdownGrace: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Dialect:       dbpool.DialectSQLite,
			DSN:           "skillflow.db",
			MinConns:      5,
			MaxConns:      15,
			MongoMinConns: 5,
			MongoMaxConns: 20,
			CacheTTL:      30 * time.Minute,
		},
		Skills: SkillsConfig{
			Dir:   "skills",
			Watch: true,
		},
		Models: ModelsConfig{
			Default: "gpt-4o",
		},
		Engine: EngineConfig{
			ToolRounds:     2,
			QueryTimeout:   30 * time.Second,
			WebhookTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config file when path is non-empty, applies it over
// the defaults, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with SKILLFLOW_* environment
// variables, so deployments can keep secrets out of the file.
func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("SKILLFLOW_ADDR", &c.Server.Addr)
	setString("SKILLFLOW_CALLBACK_URL", &c.Server.CallbackURL)
	setString("SKILLFLOW_DB_DSN", &c.Database.DSN)
	if v := os.Getenv("SKILLFLOW_DB_DIALECT"); v != "" {
		c.Database.Dialect = dbpool.Dialect(v)
	}
	setString("SKILLFLOW_MONGO_URI", &c.Database.MongoURI)
	setString("SKILLFLOW_MONGO_DATABASE", &c.Database.MongoDatabase)
	setString("SKILLFLOW_REDIS_ADDR", &c.Database.RedisAddr)
	setString("SKILLFLOW_REDIS_PASSWORD", &c.Database.RedisPassword)
	setString("SKILLFLOW_SKILLS_DIR", &c.Skills.Dir)
	setString("SKILLFLOW_DEFAULT_MODEL", &c.Models.Default)
	setString("SKILLFLOW_OPENAI_API_KEY", &c.Models.OpenAIKey)
	setString("SKILLFLOW_ANTHROPIC_API_KEY", &c.Models.AnthropicKey)
	setString("SKILLFLOW_GEMINI_API_KEY", &c.Models.GeminiKey)
	setString("SKILLFLOW_LOG_LEVEL", &c.Logging.Level)
	setString("SKILLFLOW_LOG_FORMAT", &c.Logging.Format)

	if v := os.Getenv("SKILLFLOW_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Database.RedisDB = n
		}
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Dialect {
	case dbpool.DialectSQLite, dbpool.DialectMySQL, dbpool.DialectPostgres:
	default:
		return fmt.Errorf("database.dialect %q is not sqlite, mysql, or postgres", c.Database.Dialect)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MinConns < 0 || c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("database pool bounds invalid: min %d, max %d", c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Models.Default == "" {
		return fmt.Errorf("models.default is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not debug, info, warn, or error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not text or json", c.Logging.Format)
	}
	if c.Engine.ToolRounds < 0 {
		return fmt.Errorf("engine.tool_rounds cannot be negative")
	}
	return nil
}
