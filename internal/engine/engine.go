// Package engine runs the livesync daemon: the badger row store, the change
// relay fed by the store's event stream, and the admin API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/Chrisleo-16/xtent-sub002/internal/api"
	"github.com/Chrisleo-16/xtent-sub002/internal/config"
	"github.com/Chrisleo-16/xtent-sub002/internal/relay"
	"github.com/Chrisleo-16/xtent-sub002/internal/store"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Engine is the main coordinator of the daemon components
type Engine struct {
	config *config.Config
	store  *store.Store
	relay  *relay.Relay
	app    *fiber.App
	api    *api.API

	mu        sync.Mutex
	apiLn     net.Listener
	relayLn   net.Listener
	closeOnce sync.Once

	logger zerolog.Logger
}

// New creates an engine with every component built from cfg
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	st, err := store.New(cfg.ToStoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	r := relay.NewRelay(cfg.ToRelayConfig())
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "livesync-relay",
	})
	r.RegisterHandlers(app)

	return &Engine{
		config: cfg,
		store:  st,
		relay:  r,
		app:    app,
		api:    api.NewAPI(cfg.ToAPIConfig(), st, r),
		logger: log.With().Str("component", "engine").Logger(),
	}, nil
}

// Store returns the row store
func (e *Engine) Store() *store.Store {
	return e.store
}

// Relay returns the change relay
func (e *Engine) Relay() *relay.Relay {
	return e.relay
}

// Listen binds the API and relay addresses. Start calls it when it has not
// been called yet.
func (e *Engine) Listen() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.apiLn != nil {
		return nil
	}

	apiLn, err := net.Listen("tcp", e.config.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e.config.Server.Addr, err)
	}
	relayLn, err := net.Listen("tcp", e.config.Relay.Addr)
	if err != nil {
		apiLn.Close()
		return fmt.Errorf("failed to listen on %s: %w", e.config.Relay.Addr, err)
	}

	e.apiLn, e.relayLn = apiLn, relayLn
	return nil
}

// APIAddr returns the bound API address, empty before Listen
func (e *Engine) APIAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.apiLn == nil {
		return ""
	}
	return e.apiLn.Addr().String()
}

// RelayAddr returns the bound relay address, empty before Listen
func (e *Engine) RelayAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.relayLn == nil {
		return ""
	}
	return e.relayLn.Addr().String()
}

// Start runs every component until ctx is done or one of them fails
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Listen(); err != nil {
		return err
	}

	e.mu.Lock()
	apiLn, relayLn := e.apiLn, e.relayLn
	e.mu.Unlock()

	e.logger.Info().
		Str("api_addr", apiLn.Addr().String()).
		Str("relay_addr", relayLn.Addr().String()).
		Msg("Starting livesync engine")

	g, ctx := errgroup.WithContext(ctx)

	// store writes reach relay clients through the event stream
	e.relay.Start(ctx, e.store.Events())

	// a relay client that missed a store change must resync
	g.Go(func() error {
		for {
			select {
			case _, ok := <-e.store.Lost():
				if !ok {
					return nil
				}
				e.logger.Warn().Msg("Store dropped changes, failing relay channels")
				e.relay.FailAll("change stream dropped events")
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		return e.api.Serve(ctx, apiLn)
	})

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- e.app.Listener(relayLn)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("relay server: %w", err)
			}
			return nil
		case <-ctx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Livesync engine stopped")
	return nil
}

// Shutdown stops the components in dependency order: the API first so no
// new writes arrive, then the relay and its server, then the store
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.logger.Info().Msg("Shutting down livesync engine")

		if apiErr := e.api.Shutdown(ctx); apiErr != nil {
			e.logger.Error().Err(apiErr).Msg("Failed to shut down API")
		}
		if relayErr := e.relay.Shutdown(ctx); relayErr != nil {
			e.logger.Error().Err(relayErr).Msg("Failed to shut down relay")
		}
		if appErr := e.app.ShutdownWithContext(ctx); appErr != nil {
			e.logger.Error().Err(appErr).Msg("Failed to shut down relay server")
		}

		// listeners bound by Listen but never served stay open otherwise
		e.mu.Lock()
		for _, ln := range []net.Listener{e.apiLn, e.relayLn} {
			if ln != nil {
				ln.Close()
			}
		}
		e.mu.Unlock()

		if storeErr := e.store.Close(); storeErr != nil {
			e.logger.Error().Err(storeErr).Msg("Failed to close store")
			err = storeErr
		}
	})
	return err
}
