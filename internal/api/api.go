// Package api serves the admin and development REST API: notification rows,
// arbitrary change publishing and relay diagnostics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	apierrors "github.com/Chrisleo-16/xtent-sub002/internal/api/errors"
	"github.com/Chrisleo-16/xtent-sub002/internal/api/models"
	"github.com/Chrisleo-16/xtent-sub002/internal/api/response"
	"github.com/Chrisleo-16/xtent-sub002/internal/api/validation"
	"github.com/Chrisleo-16/xtent-sub002/internal/logging"
	"github.com/Chrisleo-16/xtent-sub002/internal/metrics"
	"github.com/Chrisleo-16/xtent-sub002/internal/relay"
	"github.com/Chrisleo-16/xtent-sub002/internal/store"
	"github.com/Chrisleo-16/xtent-sub002/internal/telemetry"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NotificationStore is the row store behind the API
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *realtime.Notification) (*realtime.Notification, error)
	GetNotification(ctx context.Context, id string) (*realtime.Notification, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]*realtime.Notification, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) error
	DeleteNotification(ctx context.Context, userID, id string) error
	Publish(change *realtime.Change) error
}

// TopicSource reports what the relay is serving
type TopicSource interface {
	Topics() []relay.TopicInfo
	Clients() int
}

// Ensure the concrete implementations satisfy the interfaces
var (
	_ NotificationStore = (*store.Store)(nil)
	_ TopicSource       = (*relay.Relay)(nil)
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// errorRules maps store failures onto API errors
var errorRules = []apierrors.Rule{
	apierrors.Map(realtime.ErrInvalidUserID, apierrors.ValidationError, "invalid_user_id"),
	apierrors.Map(store.ErrNotFound, apierrors.NotFoundError, "notification_not_found"),
	apierrors.Map(store.ErrInvalid, apierrors.ValidationError, "invalid_row"),
	apierrors.Map(store.ErrClosed, apierrors.UnavailableError, "store_closed"),
}

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration

	// CORS origins; empty allows any
	AllowedOrigins []string

	// ServiceName names the tracer used for request spans
	ServiceName string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 30 * time.Second,
		AllowedOrigins: []string{"*"},
		ServiceName:    "livesync-api",
	}
}

// API handles HTTP endpoints using the chi router
type API struct {
	config   Config
	router   *chi.Mux
	server   *http.Server
	store    NotificationStore
	topics   TopicSource
	stopping atomic.Bool
	logger   zerolog.Logger
}

// NewAPI creates a new API instance. topics may be nil when no relay runs in
// the same process.
func NewAPI(config Config, st NotificationStore, topics TopicSource) *API {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = defaults.AllowedOrigins
	}
	if config.ServiceName == "" {
		config.ServiceName = defaults.ServiceName
	}

	a := &API{
		config: config,
		store:  st,
		topics: topics,
		logger: log.With().Str("component", "api").Logger(),
	}
	a.router = a.newRouter()
	a.server = &http.Server{
		Addr:         config.Addr,
		Handler:      a.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return a
}

// Handler returns the router
func (a *API) Handler() http.Handler {
	return a.router
}

// Start serves on the configured address until ctx is done or the listener
// fails
func (a *API) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.config.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done or the listener fails
func (a *API) Serve(ctx context.Context, ln net.Listener) error {
	a.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting API server")

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown gracefully stops the server
func (a *API) Shutdown(ctx context.Context) error {
	a.stopping.Store(true)
	a.logger.Info().Msg("Shutting down API server")
	return a.server.Shutdown(ctx)
}

func (a *API) newRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware(a.config.ServiceName))
	r.Use(logging.HTTPMiddleware())
	r.Use(instrument)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.config.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/readyz", a.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/topics", a.handleTopics)
		r.Post("/changes", a.handlePublishChange)

		r.Route("/users/{userID}/notifications", func(r chi.Router) {
			r.Use(a.validateUser)
			r.Get("/", a.handleListNotifications)
			r.Post("/", a.handleCreateNotification)
			r.Post("/read-all", a.handleMarkAllRead)
			r.Get("/{id}", a.handleGetNotification)
			r.Delete("/{id}", a.handleDeleteNotification)
			r.Post("/{id}/read", a.handleMarkRead)
		})
	})

	return r
}

// instrument records request counts and latency per route pattern
func instrument(next http.Handler) http.Handler {
	m := metrics.GetMetrics()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierrors.FromError(err, errorRules...)
	if apiErr.HTTPCode >= http.StatusInternalServerError {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Msg("Request failed")
	}
	response.Error(w, r, apiErr)
}

// validateUser rejects user ids that cannot key a row
func (a *API) validateUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := realtime.ValidateUserID(chi.URLParam(r, "userID")); err != nil {
			a.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.stopping.Load() {
		response.Error(w, r, apierrors.UnavailableError("shutting_down", "Server is shutting down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (a *API) handleTopics(w http.ResponseWriter, r *http.Request) {
	resp := models.TopicsResponse{Topics: []*models.TopicResponse{}}
	if a.topics != nil {
		resp.Clients = a.topics.Clients()
		for _, info := range a.topics.Topics() {
			resp.Topics = append(resp.Topics, &models.TopicResponse{
				Topic:   info.Topic,
				Clients: info.Clients,
				Filters: info.Filters,
			})
		}
	}
	response.JSON(w, r, http.StatusOK, resp)
}

func (a *API) handlePublishChange(w http.ResponseWriter, r *http.Request) {
	var req models.PublishChangeRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	change := req.ToChange()
	if err := a.store.Publish(change); err != nil {
		a.fail(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusAccepted, models.ChangeFromRealtime(change))
}

func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit, err := validation.QueryInt(r, "limit", defaultListLimit, 1, maxListLimit)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	list, err := a.store.ListNotifications(r.Context(), userID, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	resp := models.ListNotificationsResponse{Notifications: make([]*models.NotificationResponse, 0, len(list))}
	unread := 0
	for _, n := range list {
		if !n.IsRead {
			unread++
		}
		resp.Notifications = append(resp.Notifications, models.NotificationFromRealtime(n))
	}

	response.WithMeta(w, r, http.StatusOK, resp, response.ListMeta{Count: len(list), Limit: limit, Unread: unread})
}

func (a *API) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	var req models.CreateNotificationRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	n, err := a.store.CreateNotification(r.Context(), req.ToNotification(chi.URLParam(r, "userID")))
	if err != nil {
		a.fail(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusCreated, models.NotificationFromRealtime(n))
}

func (a *API) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	n, err := a.owned(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.NotificationFromRealtime(n))
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, id := chi.URLParam(r, "userID"), chi.URLParam(r, "id")
	if err := a.store.MarkRead(r.Context(), userID, id); err != nil {
		a.fail(w, r, err)
		return
	}

	n, err := a.owned(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.NotificationFromRealtime(n))
}

func (a *API) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	if err := a.store.MarkAllRead(r.Context(), chi.URLParam(r, "userID")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	userID, id := chi.URLParam(r, "userID"), chi.URLParam(r, "id")
	if err := a.store.DeleteNotification(r.Context(), userID, id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// owned loads the notification named in the path, hiding other users' rows
func (a *API) owned(r *http.Request) (*realtime.Notification, error) {
	userID, id := chi.URLParam(r, "userID"), chi.URLParam(r, "id")
	n, err := a.store.GetNotification(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if n.UserId != userID {
		return nil, store.ErrNotFound
	}
	return n, nil
}
