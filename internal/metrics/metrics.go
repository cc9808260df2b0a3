package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for livesync
type Metrics struct {
	// Lifecycle metrics
	ScopesActive             prometheus.Gauge
	ScopeTransitions         *prometheus.CounterVec
	ChannelsOpened           prometheus.Counter
	ChannelsOpen             prometheus.Gauge
	TeardownTimeouts         prometheus.Counter
	TransportErrors          *prometheus.CounterVec
	ListenerEventsDispatched prometheus.Counter

	// Debounce metrics
	DebounceNotifies  prometheus.Counter
	DebounceCoalesced prometheus.Counter
	DebounceFired     prometheus.Counter
	DebounceCancelled prometheus.Counter

	// Cache metrics
	CacheOperations     *prometheus.CounterVec
	CacheFetches        *prometheus.CounterVec
	CacheFetchDuration  prometheus.Histogram
	CacheDeferredFetch  prometheus.Counter
	CacheEvictions      *prometheus.CounterVec
	CacheEntries        prometheus.Gauge
	CacheOptimisticTxns *prometheus.CounterVec

	// Notification feed metrics
	NotificationEvents    *prometheus.CounterVec
	NotificationRollbacks prometheus.Counter
	NotificationPushes    prometheus.Counter

	// Relay metrics
	RelayConnectionsActive prometheus.Gauge
	RelayChangesPublished  *prometheus.CounterVec
	RelayFlushDelay        prometheus.Histogram

	// Store metrics
	StoreOperations *prometheus.CounterVec

	// API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// Lifecycle metrics
	m.ScopesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_scopes_active",
			Help: "Number of live scopes held by the lifecycle registry",
		},
	)

	m.ScopeTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_scope_transitions_total",
			Help: "Total number of scope state transitions",
		},
		[]string{"state"},
	)

	m.ChannelsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_channels_opened_total",
			Help: "Total number of transport channels opened",
		},
	)

	m.ChannelsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_channels_open",
			Help: "Number of transport channels currently open",
		},
	)

	m.TeardownTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_teardown_timeouts_total",
			Help: "Total number of channel teardowns forced to idle after a timeout",
		},
	)

	m.TransportErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_transport_errors_total",
			Help: "Total number of transport status failures",
		},
		[]string{"status"},
	)

	m.ListenerEventsDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_listener_events_dispatched_total",
			Help: "Total number of change events delivered to listeners",
		},
	)

	// Debounce metrics
	m.DebounceNotifies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_debounce_notifies_total",
			Help: "Total number of change notifications received by the invalidator",
		},
	)

	m.DebounceCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_debounce_coalesced_total",
			Help: "Total number of notifications folded into a pending quiet period",
		},
	)

	m.DebounceFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_debounce_fired_total",
			Help: "Total number of invalidations emitted after a quiet period",
		},
	)

	m.DebounceCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_debounce_cancelled_total",
			Help: "Total number of pending invalidations cancelled",
		},
	)

	// Cache metrics
	m.CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_cache_operations_total",
			Help: "Total number of query cache operations",
		},
		[]string{"operation"},
	)

	m.CacheFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_cache_fetches_total",
			Help: "Total number of query fetches",
		},
		[]string{"success"},
	)

	m.CacheFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livesync_cache_fetch_duration_seconds",
			Help:    "Duration of query fetches in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
	)

	m.CacheDeferredFetch = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_cache_deferred_refetch_total",
			Help: "Total number of invalidations folded into an in-flight fetch",
		},
	)

	m.CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_cache_evictions_total",
			Help: "Total number of cache entries removed",
		},
		[]string{"reason"},
	)

	m.CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_cache_entries",
			Help: "Number of entries held by the query cache",
		},
	)

	m.CacheOptimisticTxns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_cache_optimistic_txns_total",
			Help: "Total number of optimistic cache writes by outcome",
		},
		[]string{"outcome"},
	)

	// Notification feed metrics
	m.NotificationEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_notification_events_total",
			Help: "Total number of notification change events applied to feeds",
		},
		[]string{"event_type"},
	)

	m.NotificationRollbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_notification_rollbacks_total",
			Help: "Total number of optimistic notification updates rolled back",
		},
	)

	m.NotificationPushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_notification_pushes_total",
			Help: "Total number of OS level push notifications fired",
		},
	)

	// Relay metrics
	m.RelayConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_relay_connections_active",
			Help: "Number of active relay websocket connections",
		},
	)

	m.RelayChangesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_relay_changes_published_total",
			Help: "Total number of change frames delivered by the relay",
		},
		[]string{"resource"},
	)

	m.RelayFlushDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livesync_relay_flush_delay_seconds",
			Help:    "Duration of broadcast buffer flushes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10), // from 0.1ms to ~51ms
		},
	)

	// Store metrics
	m.StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_store_operations_total",
			Help: "Total number of row store operations",
		},
		[]string{"operation", "success"},
	)

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livesync_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	return m
}
