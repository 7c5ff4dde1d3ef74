// Package app composes the daemon: every component is provided through fx
// and wired together by its lifecycle hooks.
package app

import (
	"context"

	"github.com/pedrolmn/chatlink/internal/channel"
	"github.com/pedrolmn/chatlink/internal/chat"
	"github.com/pedrolmn/chatlink/internal/config"
	"github.com/pedrolmn/chatlink/internal/conn"
	"github.com/pedrolmn/chatlink/internal/logging"
	"github.com/pedrolmn/chatlink/internal/netmon"
	"github.com/pedrolmn/chatlink/internal/profile"
	"github.com/pedrolmn/chatlink/internal/queue"
	"github.com/pedrolmn/chatlink/internal/status"
	"github.com/pedrolmn/chatlink/internal/store"
	"github.com/pedrolmn/chatlink/internal/transport"
	"github.com/pedrolmn/chatlink/internal/transport/ws"
	"github.com/pedrolmn/chatlink/internal/validate"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatd",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideLock,
			provideStore,
			provideQueue,
			provideMonitor,
			provideTransport,
			provideMessageChannel,
			providePresenceChannel,
			provideManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideLock(p Params, logger *zap.Logger) (*profile.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := profile.AcquireLock(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, _ *profile.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideQueue(db *store.DB, cfg *config.Config, logger *zap.Logger) *queue.Queue {
	return queue.New(db, queue.Config{
		MaxRetries: cfg.Queue.MaxRetries,
		MaxLength:  cfg.Queue.MaxLength,
	}, logger)
}

func provideMonitor(logger *zap.Logger) *netmon.Monitor {
	// No prober by default; host integrations push observations via Set.
	return netmon.New(nil, 0, logger)
}

func provideTransport(cfg *config.Config, logger *zap.Logger) (transport.Client, error) {
	logger.Info("connecting transport", zap.String("url", cfg.Transport.URL))
	return ws.Dial(cfg.Transport.URL, logger)
}

func channelConfig(cfg *config.Config, topic string) channel.Config {
	return channel.Config{
		Topic:            topic,
		HandshakeTimeout: cfg.Channel.HandshakeTimeout.Std(),
		ResubscribeBase:  cfg.Channel.ResubscribeBase.Std(),
		MaxResubscribes:  cfg.Channel.MaxResubscribes,
	}
}

func provideMessageChannel(t transport.Client, cfg *config.Config, logger *zap.Logger) *channel.Message {
	validator := validate.NewText(cfg.Message.MaxLength)
	limiter := validate.NewWindow(cfg.Message.RateLimit, cfg.Message.RateWindow.Std())
	return channel.NewMessage(t, validator, limiter, channelConfig(cfg, cfg.Channel.MessageTopic), logger)
}

func providePresenceChannel(t transport.Client, cfg *config.Config, logger *zap.Logger) *channel.Presence {
	return channel.NewPresence(t, cfg.Presence.Heartbeat.Std(), channelConfig(cfg, cfg.Channel.PresenceTopic), logger)
}

func provideManager(msg *channel.Message, pres *channel.Presence, q *queue.Queue, mon *netmon.Monitor, cfg *config.Config, logger *zap.Logger) *conn.Manager {
	return conn.New(conn.Params{
		Message:  msg,
		Presence: pres,
		Queue:    q,
		Monitor:  mon,
		Config: conn.Config{
			ReconnectBase: cfg.Reconnect.Base.Std(),
			MaxReconnects: cfg.Reconnect.MaxAttempts,
		},
		Logger: logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, m *conn.Manager, mon *netmon.Monitor, t transport.Client, db *store.DB, lk *profile.Lock, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			mon.Start(context.Background())

			m.OnStatusChange(func(s status.Status) {
				logger.Info("connection status", zap.String("status", string(s)))
			})
			m.OnError(func(e *chat.Error) {
				logger.Warn("connection error", zap.String("kind", string(e.Kind)), zap.Error(e))
			})

			if cfg.Identity.UserID == "" {
				logger.Info("no identity configured, waiting for initialization")
				return nil
			}
			auth := &chat.AuthContext{
				UserID:      cfg.Identity.UserID,
				Username:    cfg.Identity.Username,
				AccessToken: cfg.Identity.AccessToken,
			}
			go func() {
				if err := m.Initialize(context.Background(), auth); err != nil {
					logger.Error("initial connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			m.Close()
			if err := t.Close(); err != nil {
				logger.Warn("error closing transport", zap.Error(err))
			}
			mon.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
