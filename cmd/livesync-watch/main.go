// Command livesync-watch follows one user's notification feed and a cached
// dashboard summary over a relay and logs every refresh.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/config"
	"github.com/Chrisleo-16/xtent-sub002/internal/lifecycle"
	"github.com/Chrisleo-16/xtent-sub002/internal/live"
	"github.com/Chrisleo-16/xtent-sub002/internal/logging"
	"github.com/Chrisleo-16/xtent-sub002/internal/notifications"
	"github.com/Chrisleo-16/xtent-sub002/internal/transport/websocket"
	"github.com/Chrisleo-16/xtent-sub002/pkg/client"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// summary is the dashboard view kept in the query cache
type summary struct {
	Total  int
	Unread int
}

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file")
	userID := flag.String("user", "", "User whose feed is watched")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	if *userID == "" {
		log.Fatal().Msg("-user is required")
	}

	cfg, err := config.LoadConfig(*configFile, "", "", *logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	logger := logging.Component("watch").With().Str("user_id", *userID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := client.New(cfg.Client.APIURL, client.WithTimeout(time.Duration(cfg.Client.RequestTimeout)*time.Second))
	tr := websocket.New(cfg.ToTransportConfig())
	defer tr.Close()

	eng, err := live.NewEngine(tr, cfg.ToLiveConfig(),
		live.WithNotificationStore(api),
		live.WithPusher(notifications.PusherFunc(func(_ context.Context, n *realtime.Notification) error {
			logger.Info().Str("id", n.Id).Str("title", n.Title).Msg("New notification")
			return nil
		})),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create live engine")
	}

	feed, err := eng.NotificationFeed(ctx, *userID)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load notification feed")
	}

	key := "dashboard:" + *userID
	scope := eng.LiveScope(key)
	scope.Bind(notifications.Filter(*userID), key)
	scope.OnStatus(func(s lifecycle.Status) {
		logger.Info().Str("state", s.State.String()).Bool("disconnected", s.Disconnected).Msg("Dashboard subscription changed")
	})

	dashboard := live.CachedQuery[summary](eng, key, func(ctx context.Context) (summary, error) {
		list, err := api.ListNotifications(ctx, *userID, 0)
		if err != nil {
			return summary{}, err
		}
		s := summary{Total: len(list)}
		for _, n := range list {
			if !n.IsRead {
				s.Unread++
			}
		}
		return s, nil
	}, live.QueryOptions[summary]{})

	logFeed(logger, feed)

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Stopping watcher")
			dashboard.Close()
			scope.Close()
			feed.Close()

			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := eng.Close(closeCtx); err != nil {
				logger.Error().Err(err).Msg("Failed to close live engine")
			}
			cancel()
			return
		case <-feed.Updates():
			logFeed(logger, feed)
		case <-dashboard.Updates():
			if s, ok := dashboard.Data(); ok {
				logger.Info().Int("total", s.Total).Int("unread", s.Unread).Bool("stale", dashboard.IsStale()).Msg("Dashboard refreshed")
			} else if err := dashboard.Err(); err != nil {
				logger.Warn().Err(err).Msg("Dashboard fetch failed")
			}
		}
	}
}

func logFeed(logger zerolog.Logger, feed *live.Feed) {
	items := feed.Items()
	ev := logger.Info().Int("items", len(items)).Int("unread", feed.UnreadCount())
	if len(items) > 0 {
		ev = ev.Str("latest", items[0].Id)
	}
	ev.Msg("Feed refreshed")
}
