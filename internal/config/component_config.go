package config

import (
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/api"
	"github.com/Chrisleo-16/xtent-sub002/internal/debounce"
	"github.com/Chrisleo-16/xtent-sub002/internal/lifecycle"
	"github.com/Chrisleo-16/xtent-sub002/internal/live"
	"github.com/Chrisleo-16/xtent-sub002/internal/logging"
	"github.com/Chrisleo-16/xtent-sub002/internal/notifications"
	"github.com/Chrisleo-16/xtent-sub002/internal/querycache"
	"github.com/Chrisleo-16/xtent-sub002/internal/relay"
	"github.com/Chrisleo-16/xtent-sub002/internal/store"
	"github.com/Chrisleo-16/xtent-sub002/internal/telemetry"
	"github.com/Chrisleo-16/xtent-sub002/internal/transport/websocket"
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// ToAPIConfig converts to API config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:           c.Server.Addr,
		ReadTimeout:    seconds(c.Server.ReadTimeout),
		WriteTimeout:   seconds(c.Server.WriteTimeout),
		IdleTimeout:    seconds(c.Server.IdleTimeout),
		RequestTimeout: seconds(c.Server.RequestTimeout),
		AllowedOrigins: c.Server.AllowedOrigins,
		ServiceName:    c.Telemetry.ServiceName + "-api",
	}
}

// ToRelayConfig converts to relay config
func (c *Config) ToRelayConfig() relay.Config {
	return relay.Config{
		MaxIdleTime:            seconds(c.Relay.MaxIdleTime),
		HeartbeatInterval:      seconds(c.Relay.HeartbeatInterval),
		BroadcastBufferSize:    c.Relay.BroadcastBufferSize,
		BroadcastFlushInterval: millis(c.Relay.BroadcastFlushIntervalMs),
		ClientBufferSize:       c.Relay.ClientBufferSize,
	}
}

// ToStoreConfig converts to badger row store config
func (c *Config) ToStoreConfig() store.Config {
	return store.Config{
		DataDir:         c.Store.DataDir,
		InMemory:        c.Store.InMemory,
		EventBufferSize: c.Store.EventBufferSize,
	}
}

// ToTransportConfig converts to websocket transport config
func (c *Config) ToTransportConfig() websocket.Config {
	return websocket.Config{
		URL:               c.Client.RelayURL,
		DialTimeout:       seconds(c.Client.DialTimeout),
		AckTimeout:        seconds(c.Client.AckTimeout),
		HeartbeatInterval: seconds(c.Client.HeartbeatInterval),
	}
}

// ToLifecycleConfig converts to subscription lifecycle config
func (c *Config) ToLifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		UnsubscribeTimeout: millis(c.Lifecycle.UnsubscribeTimeoutMs),
	}
}

// ToDebounceConfig converts to invalidation debounce config
func (c *Config) ToDebounceConfig() debounce.Config {
	return debounce.Config{
		Wait: millis(c.Debounce.WaitMs),
	}
}

// ToCacheConfig converts to query cache config
func (c *Config) ToCacheConfig() querycache.Config {
	return querycache.Config{
		MaxEntries:       c.Cache.MaxEntries,
		DefaultStaleTime: millis(c.Cache.DefaultStaleTimeMs),
		DefaultGCTime:    seconds(c.Cache.DefaultGCTime),
		GCInterval:       seconds(c.Cache.GCInterval),
		FetchTimeout:     seconds(c.Cache.FetchTimeout),
	}
}

// ToNotificationsConfig converts to notification feed config
func (c *Config) ToNotificationsConfig() notifications.Config {
	return notifications.Config{
		MaxItems:    c.Notifications.MaxItems,
		PushTimeout: seconds(c.Notifications.PushTimeout),
	}
}

// ToLiveConfig converts to live engine config
func (c *Config) ToLiveConfig() live.Config {
	return live.Config{
		Lifecycle:     c.ToLifecycleConfig(),
		Debounce:      c.ToDebounceConfig(),
		Cache:         c.ToCacheConfig(),
		Notifications: c.ToNotificationsConfig(),
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	var level logging.LogLevel
	switch c.Logging.Level {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	default:
		level = logging.LevelInfo
	}

	format := logging.FormatJSON
	if c.Logging.Format == "console" {
		format = logging.FormatConsole
	}

	return logging.Config{
		Level:               level,
		Format:              format,
		IncludeCaller:       c.Logging.IncludeCaller,
		IncludeStacktrace:   true,
		IncludeTraceContext: c.Logging.IncludeTrace,
		GlobalFields:        c.Logging.GlobalFields,
	}
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	cfg := telemetry.Config{
		Enabled:        c.Telemetry.Enabled,
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: c.Telemetry.ServiceVersion,
		Environment:    c.Telemetry.Environment,
		Endpoint:       c.Telemetry.Endpoint,
		Insecure:       c.Telemetry.Insecure,
		SamplingRatio:  c.Telemetry.SamplingRatio,
		Timeout:        time.Duration(c.Telemetry.TimeoutMs) * time.Millisecond,
		Attributes:     c.Telemetry.Attributes,
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = telemetry.DefaultConfig().Timeout
	}
	return cfg
}
