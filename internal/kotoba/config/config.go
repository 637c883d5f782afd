// Package config assembles Kotoba's configuration.
//
// Values are layered: built-in defaults, then the optional YAML file named by
// KOTOBA_CONFIG_FILE (tunables only, validated against an embedded JSON
// Schema), then environment variables, which always win. A .env file in the
// working directory is loaded into the environment first when present.
// Credentials come from the environment only.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/kotoba/common/environment"
	"github.com/bdobrica/kotoba/common/redact"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "kotoba.schema.json"

// Memory backends.
const (
	MemoryNone   = "none"
	MemoryJSON   = "json"
	MemorySQLite = "sqlite"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// LLMConfig configures the generative backend.
type LLMConfig struct {
	APIKey      string        `yaml:"-"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	TopP        float64       `yaml:"top_p"`
	TopK        int           `yaml:"top_k"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// MatrixConfig configures the transport.
type MatrixConfig struct {
	Homeserver  string `yaml:"-"`
	UserID      string `yaml:"-"`
	AccessToken string `yaml:"-"`
	RoomID      string `yaml:"-"`
}

// MemoryConfig configures conversational memory.
type MemoryConfig struct {
	Backend        string        `yaml:"backend"`
	File           string        `yaml:"file"`
	MaxPerUser     int           `yaml:"max_per_user"`
	Retention      time.Duration `yaml:"retention"`
	Window         int           `yaml:"window"`
	Embedding      bool          `yaml:"embedding"`
	EmbeddingModel string        `yaml:"embedding_model"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Backend  string        `yaml:"backend"`
	RedisURL string        `yaml:"-"`
	TTL      time.Duration `yaml:"ttl"`
	Capacity int           `yaml:"capacity"`
}

// PipelineConfig tunes reply generation.
type PipelineConfig struct {
	Persona           string        `yaml:"persona"`
	MemoryLimit       int           `yaml:"memory_limit"`
	GenerationTimeout time.Duration `yaml:"generation_timeout"`
	MinSpacing        time.Duration `yaml:"min_spacing"`
	RateLimit         int           `yaml:"rate_limit"` // replies per user per minute; 0 disables
}

// RelayConfig tunes the message relay.
type RelayConfig struct {
	QueueCapacity  int           `yaml:"queue_capacity"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	WelcomeDelay   time.Duration `yaml:"welcome_delay"`
	DisableWelcome bool          `yaml:"disable_welcome"`
	ReplyPrefix    string        `yaml:"reply_prefix"`
}

// MaintenanceConfig schedules periodic housekeeping.
type MaintenanceConfig struct {
	// Schedule is a robfig/cron expression, e.g. "@every 10m".
	Schedule string `yaml:"schedule"`
	// TurnRetention bounds the age of the turn log.
	TurnRetention time.Duration `yaml:"turn_retention"`
}

// Config is the complete runtime configuration.
type Config struct {
	DBPath    string `yaml:"db_path"`
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	LLM         LLMConfig         `yaml:"llm"`
	Matrix      MatrixConfig      `yaml:"-"`
	Memory      MemoryConfig      `yaml:"memory"`
	Cache       CacheConfig       `yaml:"cache"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Relay       RelayConfig       `yaml:"relay"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// File is the YAML overlay that was applied, if any.
	File string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DBPath:    "kotoba.db",
		HTTPAddr:  ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			TopP:        0.8,
			TopK:        40,
			MaxTokens:   1024,
			Timeout:     60 * time.Second,
			MaxRetries:  3,
		},
		Memory: MemoryConfig{
			Backend:        MemorySQLite,
			File:           "memories.json",
			MaxPerUser:     20,
			Retention:      24 * time.Hour,
			Window:         10,
			EmbeddingModel: "text-embedding-3-small",
		},
		Cache: CacheConfig{
			Backend:  CacheMemory,
			TTL:      300 * time.Second,
			Capacity: 100,
		},
		Pipeline: PipelineConfig{
			MemoryLimit:       3,
			GenerationTimeout: 30 * time.Second,
			MinSpacing:        100 * time.Millisecond,
			RateLimit:         0,
		},
		Relay: RelayConfig{
			QueueCapacity: 100,
			PollInterval:  time.Second,
			WelcomeDelay:  time.Second,
			ReplyPrefix:   "🤖 ",
		},
		Maintenance: MaintenanceConfig{
			Schedule:      "@every 10m",
			TurnRetention: 7 * 24 * time.Hour,
		},
	}
}

// Options controls Load.
type Options struct {
	// EnvFile is loaded into the environment when it exists. Variables that
	// are already set are not overwritten. Default: ".env".
	EnvFile string
	// RequireCredentials makes missing LLM and Matrix settings an error.
	// Maintenance commands that only touch the database leave it off.
	RequireCredentials bool
}

// Load builds the configuration from defaults, the YAML overlay and the
// environment.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envFile, err)
	}

	cfg := Default()
	if path := os.Getenv("KOTOBA_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if opts.RequireCredentials {
		if err := requireCredentials(); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := ValidateYAML(data); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	c.File = path
	return nil
}

// ValidateYAML checks a YAML overlay against the embedded schema.
func ValidateYAML(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return nil
	}

	// Round-trip through JSON so the validator sees JSON-native types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert yaml: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("convert yaml: %w", err)
	}

	schema, err := compileSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func (c *Config) applyEnv() {
	c.DBPath = environment.StringOr("KOTOBA_DB_PATH", c.DBPath)
	c.HTTPAddr = environment.StringOr("KOTOBA_HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = environment.StringOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = environment.StringOr("LOG_FORMAT", c.LogFormat)

	c.LLM.APIKey = environment.StringOr("LLM_API_KEY", c.LLM.APIKey)
	c.LLM.BaseURL = environment.StringOr("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = environment.StringOr("LLM_MODEL", c.LLM.Model)
	c.LLM.Temperature = environment.FloatOr("LLM_TEMPERATURE", c.LLM.Temperature)
	c.LLM.TopP = environment.FloatOr("LLM_TOP_P", c.LLM.TopP)
	c.LLM.TopK = environment.IntOr("LLM_TOP_K", c.LLM.TopK)
	c.LLM.MaxTokens = environment.IntOr("LLM_MAX_TOKENS", c.LLM.MaxTokens)
	c.LLM.Timeout = environment.DurationOr("LLM_TIMEOUT", c.LLM.Timeout)
	c.Pipeline.GenerationTimeout = environment.DurationOr("KOTOBA_GENERATION_TIMEOUT", c.Pipeline.GenerationTimeout)

	c.Matrix.Homeserver = environment.StringOr("MATRIX_HOMESERVER", c.Matrix.Homeserver)
	c.Matrix.UserID = environment.StringOr("MATRIX_USER_ID", c.Matrix.UserID)
	c.Matrix.AccessToken = environment.StringOr("MATRIX_ACCESS_TOKEN", c.Matrix.AccessToken)
	c.Matrix.RoomID = environment.StringOr("KOTOBA_ROOM_ID", c.Matrix.RoomID)

	c.Memory.Backend = environment.StringOr("KOTOBA_MEMORY_BACKEND", c.Memory.Backend)
	c.Memory.File = environment.StringOr("KOTOBA_MEMORY_FILE", c.Memory.File)
	c.Memory.Embedding = environment.BoolOr("EMBEDDING_ENABLED", c.Memory.Embedding)

	c.Cache.Backend = environment.StringOr("KOTOBA_CACHE_BACKEND", c.Cache.Backend)
	c.Cache.RedisURL = environment.StringOr("REDIS_URL", c.Cache.RedisURL)
	c.Cache.TTL = environment.DurationOr("KOTOBA_CACHE_TTL", c.Cache.TTL)
}

// credentialVars are always read from the environment, never from the YAML
// overlay.
var credentialVars = []string{"LLM_API_KEY", "MATRIX_HOMESERVER", "MATRIX_USER_ID", "MATRIX_ACCESS_TOKEN", "KOTOBA_ROOM_ID"}

func requireCredentials() error {
	if _, err := environment.Required(credentialVars...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Validate checks cross-field constraints that apply after all layers.
func (c *Config) Validate() error {
	var errs []error
	switch c.Memory.Backend {
	case MemoryNone, MemorySQLite:
	case MemoryJSON:
		if c.Memory.File == "" {
			errs = append(errs, errors.New("memory backend json needs KOTOBA_MEMORY_FILE"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown memory backend %q (want none, json or sqlite)", c.Memory.Backend))
	}
	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache backend redis needs REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q (want memory or redis)", c.Cache.Backend))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("database path must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Secrets returns the configured secret values, for log redaction.
func (c *Config) Secrets() []string {
	return []string{c.LLM.APIKey, c.Matrix.AccessToken, c.Cache.RedisURL}
}

// Summary returns a flat view of the configuration safe to log.
func (c *Config) Summary() map[string]any {
	return redact.Map(map[string]any{
		"config_file":    c.File,
		"db_path":        c.DBPath,
		"http_addr":      c.HTTPAddr,
		"llm_base_url":   c.LLM.BaseURL,
		"llm_model":      c.LLM.Model,
		"llm_api_key":    c.LLM.APIKey,
		"matrix_server":  c.Matrix.Homeserver,
		"matrix_user":    c.Matrix.UserID,
		"matrix_token":   c.Matrix.AccessToken,
		"room":           c.Matrix.RoomID,
		"memory_backend": c.Memory.Backend,
		"embedding":      c.Memory.Embedding,
		"cache_backend":  c.Cache.Backend,
		"redis_auth_url": c.Cache.RedisURL,
		"maintenance":    c.Maintenance.Schedule,
	})
}
