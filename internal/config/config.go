// Package config loads convmem configuration.
//
// Values come in layers, later ones winning: built-in defaults, an optional
// YAML file (named by --config or CONVMEM_CONFIG), environment variables,
// then the few command-line flags bound by BindFlags. The environment names
// match the ones the chat backend has always been deployed with
// (MAX_TOKENS_PER_CHUNK, STORAGE_TYPE, MYSQL_HOST and so on).
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"convmem/internal/llm"
	"convmem/internal/memory"
	"convmem/internal/store"
)

// EnvConfigPath names the config file when no --config flag is given.
const EnvConfigPath = "CONVMEM_CONFIG"

type Config struct {
	Memory  MemoryConfig  `yaml:"memory"`
	Storage StorageConfig `yaml:"storage"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Log     LogConfig     `yaml:"log"`
}

type MemoryConfig struct {
	MaxTokensPerChunk   int `yaml:"max_tokens_per_chunk"`
	MaxContextTokens    int `yaml:"max_context_tokens"`
	SessionTimeoutHours int `yaml:"session_timeout_hours"`
	// ContextChunks is how many recent chunks the CLI asks for by default.
	ContextChunks int `yaml:"context_chunks"`
}

type StorageConfig struct {
	// Type is memory, file or sql. The aliases sqlite and mysql select the
	// sql backend with that driver.
	Type     string `yaml:"type"`
	Dir      string `yaml:"dir"`
	Compress bool   `yaml:"compress"`

	ProvisionAttempts int           `yaml:"provision_attempts"`
	ProvisionBackoff  time.Duration `yaml:"provision_backoff"`

	SQL SQLConfig `yaml:"sql"`
}

type SQLConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

type OpenAIConfig struct {
	APIKey       string  `yaml:"api_key"`
	Model        string  `yaml:"model"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float32 `yaml:"temperature"`
	BaseURL      string  `yaml:"base_url"`
	SystemPrompt string  `yaml:"system_prompt"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Memory: MemoryConfig{
			MaxTokensPerChunk:   memory.DefaultMaxTokensPerChunk,
			MaxContextTokens:    memory.DefaultMaxContextTokens,
			SessionTimeoutHours: int(memory.DefaultSessionTimeout / time.Hour),
			ContextChunks:       2,
		},
		Storage: StorageConfig{
			Type:              store.BackendFile,
			Dir:               "conversations",
			ProvisionAttempts: 5,
			ProvisionBackoff:  10 * time.Second,
			SQL: SQLConfig{
				Driver:  store.DriverSQLite,
				Path:    "conversations.db",
				Port:    3306,
				SSLMode: "REQUIRED",
			},
		},
		OpenAI: OpenAIConfig{
			Model:        llm.DefaultModel,
			MaxTokens:    1000,
			Temperature:  0.7,
			SystemPrompt: llm.DefaultSystemPrompt,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// BindFlags registers the command-line overrides Load understands.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("storage", "", "storage backend: memory, file, sql, sqlite or mysql")
	fs.String("dir", "", "directory for the file backend")
	fs.Bool("compress", false, "zstd-compress file backend documents")
	fs.String("log-level", "", "log level: debug, info, warn or error")
}

// Load builds the configuration from defaults, the file at path (or
// CONVMEM_CONFIG when path is empty; no file at all is fine), the
// environment and any flags registered by BindFlags that were set, then
// validates it. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if flags != nil {
		if err := cfg.applyFlags(flags); err != nil {
			return nil, err
		}
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides file values with any variables that are set. Every
// malformed variable is reported, not just the first.
func (c *Config) applyEnv() error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(envInt("MAX_TOKENS_PER_CHUNK", &c.Memory.MaxTokensPerChunk))
	collect(envInt("MAX_CONTEXT_TOKENS", &c.Memory.MaxContextTokens))
	collect(envInt("SESSION_TIMEOUT_HOURS", &c.Memory.SessionTimeoutHours))

	envString("STORAGE_TYPE", &c.Storage.Type)
	envString("STORAGE_DIR", &c.Storage.Dir)
	collect(envBool("STORAGE_COMPRESS", &c.Storage.Compress))

	envString("MYSQL_HOST", &c.Storage.SQL.Host)
	collect(envInt("MYSQL_PORT", &c.Storage.SQL.Port))
	envString("MYSQL_DATABASE", &c.Storage.SQL.Database)
	envString("MYSQL_USER", &c.Storage.SQL.User)
	envString("MYSQL_PASSWORD", &c.Storage.SQL.Password)
	envString("MYSQL_SSL_MODE", &c.Storage.SQL.SSLMode)

	envString("OPENAI_API_KEY", &c.OpenAI.APIKey)
	envString("OPENAI_MODEL", &c.OpenAI.Model)
	collect(envInt("OPENAI_MAX_TOKENS", &c.OpenAI.MaxTokens))
	collect(envFloat32("OPENAI_TEMPERATURE", &c.OpenAI.Temperature))
	envString("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	envString("BOT_PERSONALITY", &c.OpenAI.SystemPrompt)

	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

func (c *Config) applyFlags(fs *pflag.FlagSet) error {
	var err error
	if fs.Changed("storage") {
		if c.Storage.Type, err = fs.GetString("storage"); err != nil {
			return err
		}
	}
	if fs.Changed("dir") {
		if c.Storage.Dir, err = fs.GetString("dir"); err != nil {
			return err
		}
	}
	if fs.Changed("compress") {
		if c.Storage.Compress, err = fs.GetBool("compress"); err != nil {
			return err
		}
	}
	if fs.Changed("log-level") {
		if c.Log.Level, err = fs.GetString("log-level"); err != nil {
			return err
		}
	}
	return nil
}

// normalize folds the driver aliases of storage.type into the sql backend.
func (c *Config) normalize() {
	c.Storage.Type = strings.ToLower(strings.TrimSpace(c.Storage.Type))
	switch c.Storage.Type {
	case store.DriverSQLite, store.DriverMySQL:
		c.Storage.SQL.Driver = c.Storage.Type
		c.Storage.Type = store.BackendSQL
	}
	c.Storage.SQL.Driver = strings.ToLower(c.Storage.SQL.Driver)
	c.Storage.SQL.SSLMode = strings.ToUpper(c.Storage.SQL.SSLMode)
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Memory.MaxTokensPerChunk <= 0 {
		errs = append(errs, fmt.Errorf("memory.max_tokens_per_chunk must be positive, got %d", c.Memory.MaxTokensPerChunk))
	}
	if c.Memory.MaxContextTokens <= 0 {
		errs = append(errs, fmt.Errorf("memory.max_context_tokens must be positive, got %d", c.Memory.MaxContextTokens))
	}
	if c.Memory.SessionTimeoutHours <= 0 {
		errs = append(errs, fmt.Errorf("memory.session_timeout_hours must be positive, got %d", c.Memory.SessionTimeoutHours))
	}
	if c.Memory.ContextChunks < 0 {
		errs = append(errs, fmt.Errorf("memory.context_chunks must not be negative, got %d", c.Memory.ContextChunks))
	}

	switch c.Storage.Type {
	case store.BackendMemory:
	case store.BackendFile:
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for the file backend"))
		}
	case store.BackendSQL:
		errs = append(errs, c.Storage.SQL.validate()...)
	default:
		errs = append(errs, fmt.Errorf("storage.type must be memory, file or sql, got %q", c.Storage.Type))
	}
	if c.Storage.ProvisionAttempts < 0 {
		errs = append(errs, fmt.Errorf("storage.provision_attempts must not be negative, got %d", c.Storage.ProvisionAttempts))
	}

	if c.OpenAI.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("openai.max_tokens must be positive, got %d", c.OpenAI.MaxTokens))
	}
	if c.OpenAI.Temperature < 0 || c.OpenAI.Temperature > 2 {
		errs = append(errs, fmt.Errorf("openai.temperature must be within [0, 2], got %g", c.OpenAI.Temperature))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

func (s SQLConfig) validate() []error {
	var errs []error
	switch s.Driver {
	case store.DriverSQLite:
		if s.Path == "" {
			errs = append(errs, errors.New("storage.sql.path is required for sqlite"))
		}
	case store.DriverMySQL:
		if s.Host == "" {
			errs = append(errs, errors.New("storage.sql.host is required for mysql"))
		}
		if s.Database == "" {
			errs = append(errs, errors.New("storage.sql.database is required for mysql"))
		}
		if s.Port < 0 || s.Port > 65535 {
			errs = append(errs, fmt.Errorf("storage.sql.port out of range: %d", s.Port))
		}
		if !store.ValidSSLMode(s.SSLMode) {
			errs = append(errs, fmt.Errorf("storage.sql.ssl_mode %q is not one of REQUIRED, PREFERRED, DISABLED, VERIFY_CA, VERIFY_IDENTITY", s.SSLMode))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.sql.driver must be sqlite or mysql, got %q", s.Driver))
	}
	return errs
}

// MemoryOptions translates the memory section into manager options.
func (c *Config) MemoryOptions(logger *slog.Logger) memory.Options {
	return memory.Options{
		MaxTokensPerChunk: c.Memory.MaxTokensPerChunk,
		MaxContextTokens:  c.Memory.MaxContextTokens,
		SessionTimeout:    time.Duration(c.Memory.SessionTimeoutHours) * time.Hour,
		Logger:            logger,
	}
}

// ProvisionConfig selects the storage backend. This is the only place the
// backend type is decided.
func (c *Config) ProvisionConfig(logger *slog.Logger) store.ProvisionConfig {
	s := c.Storage
	return store.ProvisionConfig{
		Backend:  s.Type,
		Dir:      s.Dir,
		Compress: s.Compress,
		SQL: store.SQLConfig{
			Driver:   s.SQL.Driver,
			Path:     s.SQL.Path,
			Host:     s.SQL.Host,
			Port:     s.SQL.Port,
			Database: s.SQL.Database,
			User:     s.SQL.User,
			Password: s.SQL.Password,
			SSLMode:  s.SQL.SSLMode,
		},
		Attempts: s.ProvisionAttempts,
		Backoff:  s.ProvisionBackoff,
		Logger:   logger,
	}
}

func (c *Config) OpenAIOptions() llm.OpenAIOptions {
	return llm.OpenAIOptions{
		APIKey:       c.OpenAI.APIKey,
		Model:        c.OpenAI.Model,
		MaxTokens:    c.OpenAI.MaxTokens,
		Temperature:  c.OpenAI.Temperature,
		BaseURL:      c.OpenAI.BaseURL,
		SystemPrompt: c.OpenAI.SystemPrompt,
	}
}

// NewLogger builds the slog logger described by the log section.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch l.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log.format must be text or json, got %q", l.Format)
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func envFloat32(key string, dst *float32) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 32)
	if err != nil {
		return fmt.Errorf("%s: invalid number %q", key, v)
	}
	*dst = float32(f)
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	*dst = b
	return nil
}
