// Package config provides configuration management for the triage service
// and its CLI. It supports loading from YAML files and environment
// variables, with environment taking precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/penf-triage/pkg/api"
	"github.com/otherjamesbrown/penf-triage/pkg/batch"
	"github.com/otherjamesbrown/penf-triage/pkg/classify"
	"github.com/otherjamesbrown/penf-triage/pkg/db"
	"github.com/otherjamesbrown/penf-triage/pkg/logging"
	"github.com/otherjamesbrown/penf-triage/pkg/notify"
	"github.com/otherjamesbrown/penf-triage/pkg/queue"
	"github.com/otherjamesbrown/penf-triage/pkg/source"
	"github.com/otherjamesbrown/penf-triage/pkg/triage"
)

// Default configuration locations.
const (
	DefaultConfigDir  = ".penf-triage"
	DefaultConfigFile = "config.yaml"
)

// Duration wraps time.Duration with YAML support for values like "30s".
type Duration time.Duration

// UnmarshalYAML parses a duration string or an integer nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the duration as a time.Duration, or the fallback when unset.
func (d Duration) Std(fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return time.Duration(d)
}

// RedisConfig holds Redis connection settings for the intake queue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EngineConfig holds workflow engine policy settings.
type EngineConfig struct {
	Categories       []string `yaml:"categories"`
	ExcerptLength    int      `yaml:"excerpt_length"`
	AuthorityDomains []string `yaml:"authority_domains"`
	ExtraKeywords    []string `yaml:"extra_keywords"`
	Threshold        int      `yaml:"threshold"`

	CheckpointMaxAttempts    int      `yaml:"checkpoint_max_attempts"`
	CheckpointInitialBackoff Duration `yaml:"checkpoint_initial_backoff"`
	CheckpointMaxBackoff     Duration `yaml:"checkpoint_max_backoff"`
}

// ClassifierConfig holds classification gateway settings.
type ClassifierConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Model    string   `yaml:"model"`
	APIKey   string   `yaml:"api_key"`
	Timeout  Duration `yaml:"timeout"`
}

// DispatcherConfig holds notification webhook settings.
type DispatcherConfig struct {
	URL     string   `yaml:"url"`
	Token   string   `yaml:"token"`
	Timeout Duration `yaml:"timeout"`
}

// SourceConfig holds content source settings.
type SourceConfig struct {
	BaseURL string   `yaml:"base_url"`
	Token   string   `yaml:"token"`
	Timeout Duration `yaml:"timeout"`
}

// BatchConfig holds batch scheduler settings.
type BatchConfig struct {
	Interval            Duration `yaml:"interval"`
	SendDelay           Duration `yaml:"send_delay"`
	MaxConcurrentOwners int      `yaml:"max_concurrent_owners"`
}

// QueueConfig holds intake queue and worker settings.
type QueueConfig struct {
	Name              string   `yaml:"name"`
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
	MaxRetries        int      `yaml:"max_retries"`
	RetentionPeriod   Duration `yaml:"retention_period"`
	Concurrency       int      `yaml:"concurrency"`
}

// APIConfig holds HTTP server settings.
type APIConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	AuthToken       string   `yaml:"auth_token"`
}

// IdentityConfig maps channel caller ids to owner ids for decision
// authorization.
type IdentityConfig map[string]string

// ServiceConfig is the complete triage service configuration.
type ServiceConfig struct {
	Logging    logging.Config   `yaml:"logging"`
	DB         *db.Config       `yaml:"db"`
	Redis      RedisConfig      `yaml:"redis"`
	API        APIConfig        `yaml:"api"`
	Engine     EngineConfig     `yaml:"engine"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Source     SourceConfig     `yaml:"source"`
	Batch      BatchConfig      `yaml:"batch"`
	Queue      QueueConfig      `yaml:"queue"`
	Identities IdentityConfig   `yaml:"identities"`

	// MigrationsDir is where db migrate looks for .sql files.
	MigrationsDir string `yaml:"migrations_dir"`
}

// DefaultServiceConfig returns the service defaults.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Logging: logging.Config{
			Level:       "info",
			ServiceName: "penf-triage",
			Environment: "development",
			JSONFormat:  true,
		},
		DB: db.DefaultConfig(),
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8085,
		},
		Engine: EngineConfig{
			Categories:    triage.DefaultEngineConfig().Categories,
			ExcerptLength: 500,
		},
		MigrationsDir: "migrations",
	}
}

// ConfigDir returns the configuration directory path. Uses
// $PENF_TRIAGE_CONFIG_DIR if set, otherwise ~/.penf-triage.
func ConfigDir() (string, error) {
	if dir := os.Getenv("PENF_TRIAGE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the full path to the configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// LoadServiceConfig loads the service configuration. Sources are applied in
// order, later overriding earlier: defaults, the config file (explicit path
// or the default location), then environment variables.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	cfg := DefaultServiceConfig()

	if path == "" {
		defaultPath, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(defaultPath); err == nil {
			path = defaultPath
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	loadServiceFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// loadServiceFromEnv overlays PENF_TRIAGE_* environment variables. Database
// settings additionally honor the DB_* variables via db.ConfigFromEnv.
func loadServiceFromEnv(cfg *ServiceConfig) {
	if v := os.Getenv("PENF_TRIAGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = logging.Level(v)
	}
	if v := os.Getenv("PENF_TRIAGE_ENVIRONMENT"); v != "" {
		cfg.Logging.Environment = v
	}
	if v := os.Getenv("PENF_TRIAGE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PENF_TRIAGE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PENF_TRIAGE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("PENF_TRIAGE_API_TOKEN"); v != "" {
		cfg.API.AuthToken = v
	}
	if v := os.Getenv("PENF_TRIAGE_CLASSIFIER_ENDPOINT"); v != "" {
		cfg.Classifier.Endpoint = v
	}
	if v := os.Getenv("PENF_TRIAGE_CLASSIFIER_API_KEY"); v != "" {
		cfg.Classifier.APIKey = v
	}
	if v := os.Getenv("PENF_TRIAGE_DISPATCHER_URL"); v != "" {
		cfg.Dispatcher.URL = v
	}
	if v := os.Getenv("PENF_TRIAGE_DISPATCHER_TOKEN"); v != "" {
		cfg.Dispatcher.Token = v
	}
	if v := os.Getenv("PENF_TRIAGE_SOURCE_URL"); v != "" {
		cfg.Source.BaseURL = v
	}
	if v := os.Getenv("PENF_TRIAGE_SOURCE_TOKEN"); v != "" {
		cfg.Source.Token = v
	}
	if v := os.Getenv("PENF_TRIAGE_MIGRATIONS_DIR"); v != "" {
		cfg.MigrationsDir = v
	}

	if os.Getenv("DB_HOST") != "" || os.Getenv("DB_NAME") != "" {
		cfg.DB = db.ConfigFromEnv()
	}
}

// Validate checks the configuration for structural problems.
func (c *ServiceConfig) Validate() error {
	if c.DB == nil {
		return fmt.Errorf("db configuration is required")
	}
	if err := c.DB.Validate(); err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if len(c.Engine.Categories) == 0 {
		return fmt.Errorf("engine categories must not be empty")
	}
	return nil
}

// EngineConfigFor builds the triage engine configuration.
func (c *ServiceConfig) EngineConfigFor() triage.EngineConfig {
	engineCfg := triage.DefaultEngineConfig()
	if len(c.Engine.Categories) > 0 {
		engineCfg.Categories = c.Engine.Categories
	}
	if c.Engine.ExcerptLength > 0 {
		engineCfg.ExcerptLength = c.Engine.ExcerptLength
	}
	engineCfg.Scoring.AuthorityDomains = c.Engine.AuthorityDomains
	engineCfg.Scoring.ExtraKeywords = c.Engine.ExtraKeywords
	engineCfg.Scoring.Threshold = c.Engine.Threshold

	retry := triage.DefaultRetryPolicy()
	if c.Engine.CheckpointMaxAttempts > 0 {
		retry.MaxAttempts = c.Engine.CheckpointMaxAttempts
	}
	retry.InitialBackoff = c.Engine.CheckpointInitialBackoff.Std(retry.InitialBackoff)
	retry.MaxBackoff = c.Engine.CheckpointMaxBackoff.Std(retry.MaxBackoff)
	engineCfg.CheckpointRetry = retry

	return engineCfg
}

// APIConfigFor builds the HTTP server configuration.
func (c *ServiceConfig) APIConfigFor() api.Config {
	defaults := api.DefaultConfig()
	return api.Config{
		Host:            stringOr(c.API.Host, defaults.Host),
		Port:            c.API.Port,
		ReadTimeout:     c.API.ReadTimeout.Std(defaults.ReadTimeout),
		WriteTimeout:    c.API.WriteTimeout.Std(defaults.WriteTimeout),
		IdleTimeout:     c.API.IdleTimeout.Std(defaults.IdleTimeout),
		ShutdownTimeout: c.API.ShutdownTimeout.Std(defaults.ShutdownTimeout),
		AuthToken:       c.API.AuthToken,
	}
}

// ClassifierConfigFor builds the classification gateway configuration.
func (c *ServiceConfig) ClassifierConfigFor() classify.HTTPConfig {
	return classify.HTTPConfig{
		Endpoint: c.Classifier.Endpoint,
		Model:    c.Classifier.Model,
		APIKey:   c.Classifier.APIKey,
		Timeout:  c.Classifier.Timeout.Std(30 * time.Second),
	}
}

// DispatcherConfigFor builds the notification webhook configuration.
func (c *ServiceConfig) DispatcherConfigFor() notify.WebhookConfig {
	return notify.WebhookConfig{
		URL:     c.Dispatcher.URL,
		Token:   c.Dispatcher.Token,
		Timeout: c.Dispatcher.Timeout.Std(15 * time.Second),
	}
}

// SourceConfigFor builds the content source configuration.
func (c *ServiceConfig) SourceConfigFor() source.HTTPConfig {
	return source.HTTPConfig{
		BaseURL: c.Source.BaseURL,
		Token:   c.Source.Token,
		Timeout: c.Source.Timeout.Std(15 * time.Second),
	}
}

// BatchConfigFor builds the batch scheduler configuration.
func (c *ServiceConfig) BatchConfigFor() batch.Config {
	defaults := batch.DefaultConfig()
	cfg := batch.Config{
		Interval:            c.Batch.Interval.Std(defaults.Interval),
		SendDelay:           c.Batch.SendDelay.Std(defaults.SendDelay),
		MaxConcurrentOwners: c.Batch.MaxConcurrentOwners,
	}
	if cfg.MaxConcurrentOwners <= 0 {
		cfg.MaxConcurrentOwners = defaults.MaxConcurrentOwners
	}
	return cfg
}

// QueueConfigFor builds the intake queue configuration.
func (c *ServiceConfig) QueueConfigFor() queue.Config {
	defaults := queue.DefaultConfig()
	return queue.Config{
		Name:              stringOr(c.Queue.Name, defaults.Name),
		VisibilityTimeout: c.Queue.VisibilityTimeout.Std(defaults.VisibilityTimeout),
		MaxRetries:        intOr(c.Queue.MaxRetries, defaults.MaxRetries),
		RetentionPeriod:   c.Queue.RetentionPeriod.Std(defaults.RetentionPeriod),
	}
}

// WorkerConfigFor builds the intake worker pool configuration.
func (c *ServiceConfig) WorkerConfigFor() queue.WorkerConfig {
	cfg := queue.DefaultWorkerConfig()
	if c.Queue.Concurrency > 0 {
		cfg.Concurrency = c.Queue.Concurrency
	}
	return cfg
}

func stringOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func intOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// CLIConfig holds the operator CLI configuration.
type CLIConfig struct {
	// ServerURL is the triage service base URL.
	ServerURL string `yaml:"server_url"`

	// Timeout is the default timeout for API requests.
	Timeout time.Duration `yaml:"-"`

	// OutputFormat is "text" or "json".
	OutputFormat string `yaml:"output_format"`

	// Debug enables verbose debug logging.
	Debug bool `yaml:"debug,omitempty"`
}

// DefaultCLIConfig returns the CLI defaults.
func DefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		ServerURL:    "http://localhost:8085",
		Timeout:      30 * time.Second,
		OutputFormat: "text",
	}
}

// LoadCLIConfig loads the CLI configuration from the default location and
// PENF_TRIAGE_* environment variables.
func LoadCLIConfig() (*CLIConfig, error) {
	cfg := DefaultCLIConfig()

	configPath, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(configPath); err == nil {
		type cliFile struct {
			ServerURL    string `yaml:"server_url"`
			Timeout      string `yaml:"timeout"`
			OutputFormat string `yaml:"output_format"`
			Debug        bool   `yaml:"debug"`
		}
		var fileCfg cliFile
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		if fileCfg.ServerURL != "" {
			cfg.ServerURL = fileCfg.ServerURL
		}
		if fileCfg.Timeout != "" {
			timeout, err := time.ParseDuration(fileCfg.Timeout)
			if err != nil {
				return nil, fmt.Errorf("parsing timeout: %w", err)
			}
			cfg.Timeout = timeout
		}
		if fileCfg.OutputFormat != "" {
			cfg.OutputFormat = fileCfg.OutputFormat
		}
		cfg.Debug = fileCfg.Debug
	}

	if v := os.Getenv("PENF_TRIAGE_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("PENF_TRIAGE_TIMEOUT"); v != "" {
		if timeout, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = timeout
		}
	}
	if v := os.Getenv("PENF_TRIAGE_OUTPUT_FORMAT"); v != "" {
		cfg.OutputFormat = v
	}
	if v := os.Getenv("PENF_TRIAGE_DEBUG"); v == "true" || v == "1" {
		cfg.Debug = true
	}

	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return cfg, nil
}

// EnsureConfigDir creates the configuration directory if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}
