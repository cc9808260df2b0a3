package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// envPrefix prefixes every environment override
const envPrefix = "LIVESYNC_"

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Relay         RelayConfig         `yaml:"relay"`
	Store         StoreConfig         `yaml:"store"`
	Client        ClientConfig        `yaml:"client"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
	Debounce      DebounceConfig      `yaml:"debounce"`
	Cache         CacheConfig         `yaml:"cache"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// ServerConfig contains admin API server settings
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	ReadTimeout    int      `yaml:"read_timeout"`
	WriteTimeout   int      `yaml:"write_timeout"`
	IdleTimeout    int      `yaml:"idle_timeout"`
	RequestTimeout int      `yaml:"request_timeout"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RelayConfig contains change relay settings
type RelayConfig struct {
	Addr                     string `yaml:"addr"`
	MaxIdleTime              int    `yaml:"max_idle_time"`
	HeartbeatInterval        int    `yaml:"heartbeat_interval"`
	BroadcastBufferSize      int    `yaml:"broadcast_buffer_size"`
	BroadcastFlushIntervalMs int    `yaml:"broadcast_flush_interval_ms"`
	ClientBufferSize         int    `yaml:"client_buffer_size"`
}

// StoreConfig contains row store settings
type StoreConfig struct {
	DataDir         string `yaml:"data_dir"`
	InMemory        bool   `yaml:"in_memory"`
	EventBufferSize int    `yaml:"event_buffer_size"`
}

// ClientConfig contains the settings of processes that connect to a daemon
type ClientConfig struct {
	RelayURL          string `yaml:"relay_url"`
	APIURL            string `yaml:"api_url"`
	DialTimeout       int    `yaml:"dial_timeout"`
	AckTimeout        int    `yaml:"ack_timeout"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"`
	RequestTimeout    int    `yaml:"request_timeout"`
}

// LifecycleConfig contains subscription lifecycle settings
type LifecycleConfig struct {
	UnsubscribeTimeoutMs int `yaml:"unsubscribe_timeout_ms"`
}

// DebounceConfig contains invalidation debounce settings
type DebounceConfig struct {
	WaitMs int `yaml:"wait_ms"`
}

// CacheConfig contains query cache settings
type CacheConfig struct {
	MaxEntries         int `yaml:"max_entries"`
	DefaultStaleTimeMs int `yaml:"default_stale_time_ms"`
	DefaultGCTime      int `yaml:"default_gc_time"`
	GCInterval         int `yaml:"gc_interval"`
	FetchTimeout       int `yaml:"fetch_timeout"`
}

// NotificationsConfig contains notification feed settings
type NotificationsConfig struct {
	MaxItems    int `yaml:"max_items"`
	PushTimeout int `yaml:"push_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	IncludeTrace  bool              `yaml:"include_trace"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled        bool              `yaml:"enabled"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	Endpoint       string            `yaml:"endpoint"`
	Insecure       bool              `yaml:"insecure"`
	SamplingRatio  float64           `yaml:"sampling_ratio"`
	TimeoutMs      int               `yaml:"timeout_ms"`
	Attributes     map[string]string `yaml:"attributes"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			ReadTimeout:    5,
			WriteTimeout:   10,
			IdleTimeout:    120,
			RequestTimeout: 30,
			AllowedOrigins: []string{"*"},
		},
		Relay: RelayConfig{
			Addr:                     ":8081",
			MaxIdleTime:              60,
			HeartbeatInterval:        15,
			BroadcastBufferSize:      200,
			BroadcastFlushIntervalMs: 20,
			ClientBufferSize:         256,
		},
		Store: StoreConfig{
			DataDir:         "./data",
			EventBufferSize: 1000,
		},
		Client: ClientConfig{
			RelayURL:          "ws://localhost:8081/realtime",
			APIURL:            "http://localhost:8080",
			DialTimeout:       10,
			AckTimeout:        10,
			HeartbeatInterval: 15,
			RequestTimeout:    10,
		},
		Lifecycle: LifecycleConfig{
			UnsubscribeTimeoutMs: 5000,
		},
		Debounce: DebounceConfig{
			WaitMs: 300,
		},
		Cache: CacheConfig{
			MaxEntries:         1024,
			DefaultStaleTimeMs: 0,
			DefaultGCTime:      300,
			GCInterval:         60,
			FetchTimeout:       30,
		},
		Notifications: NotificationsConfig{
			MaxItems:    50,
			PushTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			IncludeTrace:  true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			ServiceName:    "livesync",
			ServiceVersion: "dev",
			Environment:    "development",
			Endpoint:       "localhost:4317",
			Insecure:       true,
			SamplingRatio:  0.1,
			TimeoutMs:      5000,
			Attributes:     map[string]string{},
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, dataDir string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	// flags win over everything
	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Store.DataDir = absDataDir
	}
	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings no component can run with
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}
	if c.Debounce.WaitMs < 0 {
		return fmt.Errorf("debounce wait must not be negative")
	}
	if c.Cache.MaxEntries < 0 || c.Notifications.MaxItems < 0 {
		return fmt.Errorf("cache and feed sizes must not be negative")
	}
	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		return fmt.Errorf("telemetry sampling ratio must be within [0, 1]")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	envString("SERVER_ADDR", &config.Server.Addr)
	envString("RELAY_ADDR", &config.Relay.Addr)
	envInt("RELAY_BROADCAST_FLUSH_INTERVAL_MS", &config.Relay.BroadcastFlushIntervalMs)

	envString("STORE_DATA_DIR", &config.Store.DataDir)
	envBool("STORE_IN_MEMORY", &config.Store.InMemory)

	envString("RELAY_URL", &config.Client.RelayURL)
	envString("API_URL", &config.Client.APIURL)

	envInt("LIFECYCLE_UNSUBSCRIBE_TIMEOUT_MS", &config.Lifecycle.UnsubscribeTimeoutMs)
	envInt("DEBOUNCE_WAIT_MS", &config.Debounce.WaitMs)
	envInt("CACHE_MAX_ENTRIES", &config.Cache.MaxEntries)
	envInt("NOTIFICATIONS_MAX_ITEMS", &config.Notifications.MaxItems)

	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)

	envBool("TELEMETRY_ENABLED", &config.Telemetry.Enabled)
	envString("TELEMETRY_ENDPOINT", &config.Telemetry.Endpoint)
	envBool("TELEMETRY_INSECURE", &config.Telemetry.Insecure)
	envString("TELEMETRY_SERVICE_VERSION", &config.Telemetry.ServiceVersion)
	envString("TELEMETRY_ENVIRONMENT", &config.Telemetry.Environment)
}

func envString(name string, dst *string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Warn().Str("variable", envPrefix+name).Str("value", v).Msg("Ignoring non-integer environment override")
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		} else {
			log.Warn().Str("variable", envPrefix+name).Str("value", v).Msg("Ignoring non-boolean environment override")
		}
	}
}
