package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, ":8081", cfg.Relay.Addr)
	assert.Equal(t, "./data", cfg.Store.DataDir)
	assert.Equal(t, 300, cfg.Debounce.WaitMs)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	testConfig := `server:
  addr: ":9090"
store:
  data_dir: "./test-data"
debounce:
  wait_ms: 150
logging:
  level: "debug"
`
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(testConfig), 0644))

	cfg, err := LoadConfigFromFile(configFile)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "./test-data", cfg.Store.DataDir)
	assert.Equal(t, 150, cfg.Debounce.WaitMs)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// unspecified fields keep their defaults
	assert.Equal(t, 1000, cfg.Store.EventBufferSize)
	assert.Equal(t, ":8081", cfg.Relay.Addr)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFromBrokenFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("server: [unterminated"), 0644))

	_, err := LoadConfigFromFile(configFile)
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	testConfig := `server:
  addr: ":9090"
store:
  data_dir: "./test-data"
`
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(testConfig), 0644))

	t.Setenv("LIVESYNC_SERVER_ADDR", ":8888")
	t.Setenv("LIVESYNC_RELAY_URL", "ws://relay:8081/realtime")
	t.Setenv("LIVESYNC_DEBOUNCE_WAIT_MS", "75")
	t.Setenv("LIVESYNC_STORE_IN_MEMORY", "true")
	t.Setenv("LIVESYNC_CACHE_MAX_ENTRIES", "many")
	t.Setenv("LIVESYNC_TELEMETRY_ENVIRONMENT", "staging")

	cfg, err := LoadConfig(configFile, "./cli-data", "", "warn")
	require.NoError(t, err)

	// flags win over env vars and the file
	absPath, _ := filepath.Abs("./cli-data")
	assert.Equal(t, absPath, cfg.Store.DataDir)
	assert.Equal(t, "warn", cfg.Logging.Level)

	// env vars win over the file
	assert.Equal(t, ":8888", cfg.Server.Addr)
	assert.Equal(t, "ws://relay:8081/realtime", cfg.Client.RelayURL)
	assert.Equal(t, 75, cfg.Debounce.WaitMs)
	assert.True(t, cfg.Store.InMemory)
	assert.Equal(t, "staging", cfg.ToTelemetryConfig().Environment)

	// malformed overrides are ignored
	assert.Equal(t, 1024, cfg.Cache.MaxEntries)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	_, err := LoadConfig("", "", "", "verbose")
	assert.Error(t, err)

	t.Setenv("LIVESYNC_DEBOUNCE_WAIT_MS", "-1")
	_, err = LoadConfig("", "", "", "")
	assert.Error(t, err)
}

func TestComponentConfigs(t *testing.T) {
	cfg := DefaultConfig()

	apiCfg := cfg.ToAPIConfig()
	assert.Equal(t, cfg.Server.Addr, apiCfg.Addr)
	assert.Equal(t, 30*time.Second, apiCfg.RequestTimeout)
	assert.Equal(t, "livesync-api", apiCfg.ServiceName)

	relayCfg := cfg.ToRelayConfig()
	assert.Equal(t, 20*time.Millisecond, relayCfg.BroadcastFlushInterval)
	assert.Equal(t, time.Minute, relayCfg.MaxIdleTime)

	storeCfg := cfg.ToStoreConfig()
	assert.Equal(t, cfg.Store.DataDir, storeCfg.DataDir)

	transportCfg := cfg.ToTransportConfig()
	assert.Equal(t, cfg.Client.RelayURL, transportCfg.URL)
	assert.Equal(t, 10*time.Second, transportCfg.AckTimeout)

	liveCfg := cfg.ToLiveConfig()
	assert.Equal(t, 300*time.Millisecond, liveCfg.Debounce.Wait)
	assert.Equal(t, 5*time.Second, liveCfg.Lifecycle.UnsubscribeTimeout)
	assert.Equal(t, 5*time.Minute, liveCfg.Cache.DefaultGCTime)
	assert.Equal(t, time.Duration(0), liveCfg.Cache.DefaultStaleTime)
	assert.Equal(t, 50, liveCfg.Notifications.MaxItems)

	logCfg := cfg.ToLoggingConfig()
	assert.Equal(t, logging.LevelInfo, logCfg.Level)
	assert.Equal(t, logging.FormatJSON, logCfg.Format)

	telemetryCfg := cfg.ToTelemetryConfig()
	assert.False(t, telemetryCfg.Enabled)
	assert.Equal(t, "livesync", telemetryCfg.ServiceName)
	assert.Equal(t, "development", telemetryCfg.Environment)
	assert.True(t, telemetryCfg.Insecure)
	assert.Equal(t, 5*time.Second, telemetryCfg.Timeout)
}
