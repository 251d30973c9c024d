package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/penf-triage/pkg/logging"
)

func TestDurationUnmarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"seconds", `d: 30s`, 30 * time.Second, false},
		{"minutes", `d: 5m`, 5 * time.Minute, false},
		{"compound", `d: 1h30m`, 90 * time.Minute, false},
		{"integer nanoseconds", `d: 1000000000`, time.Second, false},
		{"garbage", `d: soon`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				D Duration `yaml:"d"`
			}
			err := yaml.Unmarshal([]byte(tt.input), &out)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, time.Duration(out.D))
		})
	}
}

func TestDurationStd(t *testing.T) {
	assert.Equal(t, 10*time.Second, Duration(0).Std(10*time.Second))
	assert.Equal(t, time.Minute, Duration(time.Minute).Std(10*time.Second))
}

func TestDefaultServiceConfig(t *testing.T) {
	cfg := DefaultServiceConfig()

	assert.Equal(t, "penf-triage", cfg.Logging.ServiceName)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 8085, cfg.API.Port)
	assert.NotEmpty(t, cfg.Engine.Categories)
	require.NoError(t, cfg.Validate())
}

func TestLoadServiceConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "service.yaml")
	content := `
logging:
  level: debug
redis:
  addr: redis.internal:6379
api:
  port: 9090
  auth_token: sekrit
  read_timeout: 20s
engine:
  authority_domains: [corp.example.com]
  threshold: 60
  checkpoint_max_attempts: 6
classifier:
  endpoint: http://classifier.internal/v1
  timeout: 45s
batch:
  send_delay: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadServiceConfig(path)
	require.NoError(t, err)

	assert.Equal(t, logging.Level("debug"), cfg.Logging.Level)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "sekrit", cfg.API.AuthToken)
	assert.Equal(t, []string{"corp.example.com"}, cfg.Engine.AuthorityDomains)
	assert.Equal(t, 60, cfg.Engine.Threshold)
	assert.Equal(t, "http://classifier.internal/v1", cfg.Classifier.Endpoint)
	assert.Equal(t, 45*time.Second, time.Duration(cfg.Classifier.Timeout))
	assert.Equal(t, 250*time.Millisecond, time.Duration(cfg.Batch.SendDelay))
}

func TestLoadServiceConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "service.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis:\n  addr: from-file:6379\n"), 0600))

	t.Setenv("PENF_TRIAGE_REDIS_ADDR", "from-env:6379")
	t.Setenv("PENF_TRIAGE_API_PORT", "7070")
	t.Setenv("PENF_TRIAGE_API_TOKEN", "env-token")
	t.Setenv("PENF_TRIAGE_LOG_LEVEL", "warn")

	cfg, err := LoadServiceConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env:6379", cfg.Redis.Addr)
	assert.Equal(t, 7070, cfg.API.Port)
	assert.Equal(t, "env-token", cfg.API.AuthToken)
	assert.Equal(t, logging.Level("warn"), cfg.Logging.Level)
}

func TestLoadServiceConfigMissingFile(t *testing.T) {
	_, err := LoadServiceConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestServiceConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServiceConfig)
	}{
		{"nil db", func(c *ServiceConfig) { c.DB = nil }},
		{"bad api port", func(c *ServiceConfig) { c.API.Port = -1 }},
		{"port too high", func(c *ServiceConfig) { c.API.Port = 70000 }},
		{"missing redis addr", func(c *ServiceConfig) { c.Redis.Addr = "" }},
		{"no categories", func(c *ServiceConfig) { c.Engine.Categories = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServiceConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEngineConfigFor(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.Engine.AuthorityDomains = []string{"corp.example.com"}
	cfg.Engine.Threshold = 60
	cfg.Engine.CheckpointMaxAttempts = 6
	cfg.Engine.CheckpointInitialBackoff = Duration(200 * time.Millisecond)

	engineCfg := cfg.EngineConfigFor()

	assert.Equal(t, []string{"corp.example.com"}, engineCfg.Scoring.AuthorityDomains)
	assert.Equal(t, 60, engineCfg.Scoring.Threshold)
	assert.Equal(t, 6, engineCfg.CheckpointRetry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, engineCfg.CheckpointRetry.InitialBackoff)

	// Unset knobs keep the engine defaults.
	assert.NotEmpty(t, engineCfg.Categories)
	assert.Positive(t, engineCfg.CheckpointRetry.MaxBackoff)
}

func TestAPIConfigFor(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.API.ReadTimeout = Duration(5 * time.Second)

	apiCfg := cfg.APIConfigFor()
	assert.Equal(t, 5*time.Second, apiCfg.ReadTimeout)
	assert.Positive(t, apiCfg.WriteTimeout)
	assert.Positive(t, apiCfg.ShutdownTimeout)
}

func TestBatchConfigFor(t *testing.T) {
	cfg := DefaultServiceConfig()
	batchCfg := cfg.BatchConfigFor()
	assert.Positive(t, batchCfg.Interval)
	assert.Positive(t, batchCfg.SendDelay)
	assert.Positive(t, batchCfg.MaxConcurrentOwners)
}

func TestQueueConfigFor(t *testing.T) {
	cfg := DefaultServiceConfig()
	queueCfg := cfg.QueueConfigFor()
	assert.Equal(t, "triage:intake", queueCfg.Name)
	assert.Positive(t, queueCfg.MaxRetries)

	cfg.Queue.Name = "triage:custom"
	cfg.Queue.Concurrency = 12
	assert.Equal(t, "triage:custom", cfg.QueueConfigFor().Name)
	assert.Equal(t, 12, cfg.WorkerConfigFor().Concurrency)
}

func TestConfigDir(t *testing.T) {
	t.Setenv("PENF_TRIAGE_CONFIG_DIR", "/tmp/penf-triage-test")

	dir, err := ConfigDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/penf-triage-test", dir)
}

func TestConfigDirDefault(t *testing.T) {
	t.Setenv("PENF_TRIAGE_CONFIG_DIR", "")

	dir, err := ConfigDir()
	require.NoError(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, DefaultConfigDir), dir)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("PENF_TRIAGE_CONFIG_DIR", "/tmp/penf-triage-test")

	path, err := ConfigPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/penf-triage-test", DefaultConfigFile), path)
}

func TestEnsureConfigDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "config")
	t.Setenv("PENF_TRIAGE_CONFIG_DIR", dir)

	require.NoError(t, EnsureConfigDir())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, EnsureConfigDir())
}

func TestDefaultCLIConfig(t *testing.T) {
	cfg := DefaultCLIConfig()
	assert.Equal(t, "http://localhost:8085", cfg.ServerURL)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, "text", cfg.OutputFormat)
	assert.False(t, cfg.Debug)
}

func TestLoadCLIConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PENF_TRIAGE_CONFIG_DIR", dir)
	t.Setenv("PENF_TRIAGE_SERVER_URL", "")
	t.Setenv("PENF_TRIAGE_TIMEOUT", "")
	t.Setenv("PENF_TRIAGE_OUTPUT_FORMAT", "")

	content := `server_url: http://triage.internal:8085/
timeout: 45s
output_format: json
debug: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(content), 0600))

	cfg, err := LoadCLIConfig()
	require.NoError(t, err)

	// The trailing slash is normalized away.
	assert.Equal(t, "http://triage.internal:8085", cfg.ServerURL)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.Equal(t, "json", cfg.OutputFormat)
	assert.True(t, cfg.Debug)
}

func TestLoadCLIConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PENF_TRIAGE_CONFIG_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile),
		[]byte("server_url: http://from-file:8085\n"), 0600))

	t.Setenv("PENF_TRIAGE_SERVER_URL", "http://from-env:8085")
	t.Setenv("PENF_TRIAGE_TIMEOUT", "90s")
	t.Setenv("PENF_TRIAGE_OUTPUT_FORMAT", "json")
	t.Setenv("PENF_TRIAGE_DEBUG", "1")

	cfg, err := LoadCLIConfig()
	require.NoError(t, err)

	assert.Equal(t, "http://from-env:8085", cfg.ServerURL)
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.Equal(t, "json", cfg.OutputFormat)
	assert.True(t, cfg.Debug)
}

func TestLoadCLIConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PENF_TRIAGE_CONFIG_DIR", t.TempDir())
	t.Setenv("PENF_TRIAGE_SERVER_URL", "")
	t.Setenv("PENF_TRIAGE_TIMEOUT", "")
	t.Setenv("PENF_TRIAGE_OUTPUT_FORMAT", "")

	cfg, err := LoadCLIConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultCLIConfig().ServerURL, cfg.ServerURL)
}

func TestLoadCLIConfigInvalidTimeout(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PENF_TRIAGE_CONFIG_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile),
		[]byte("timeout: whenever\n"), 0600))

	_, err := LoadCLIConfig()
	assert.Error(t, err)
}
