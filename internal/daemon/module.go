package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Sidharth-Singh10/affinity-chatd/internal/bus"
	"github.com/Sidharth-Singh10/affinity-chatd/internal/cache"
	"github.com/Sidharth-Singh10/affinity-chatd/internal/chat"
	"github.com/Sidharth-Singh10/affinity-chatd/internal/config"
	"github.com/Sidharth-Singh10/affinity-chatd/internal/conn"
	"github.com/Sidharth-Singh10/affinity-chatd/internal/identity"
	"github.com/Sidharth-Singh10/affinity-chatd/internal/lock"
	"github.com/Sidharth-Singh10/affinity-chatd/internal/logging"
	"github.com/Sidharth-Singh10/affinity-chatd/internal/storage"
)

// Params holds the resolved identity configuration passed to the fx module.
type Params struct {
	Identity   string
	ConfigPath string // optional override; empty = use default
}

// Module returns the fx module for chatd, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatd",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideCache,
			provideManager,
			provideSession,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := identity.EnsureDir(p.Identity); err != nil {
		return nil, err
	}
	return logging.New(identity.LogPath(p.Identity), p.Identity)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = identity.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded", zap.String("path", path), zap.String("server", cfg.ServerURL))
	return cfg, nil
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New(logger)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring identity lock", zap.String("identity", p.Identity))
	l, err := lock.Acquire(identity.Dir(p.Identity))
	if err != nil {
		return nil, err
	}
	logger.Info("identity lock acquired")
	return l, nil
}

func provideStore(p Params, cfg *config.Config, logger *zap.Logger) (*storage.Store, error) {
	path := identity.CacheDBPath(p.Identity)
	store, err := storage.Open(path, cfg.StorageBudgetBytes, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("message store opened", zap.String("path", path))
	return store, nil
}

func provideCache(store *storage.Store, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *cache.Cache {
	return cache.New(store, b, logger, cache.Options{
		ConfirmedCap: cfg.ConfirmedCap,
		Retention:    cfg.Retention(),
	})
}

func provideManager(p Params, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(conn.Options{
		URL:         cfg.ServerURL,
		BaseDelay:   cfg.ReconnectBaseDelay(),
		MaxAttempts: cfg.MaxReconnectAttempts,
		Identity:    func() string { return p.Identity },
		Bus:         b,
		Logger:      logger,
	})
}

func provideSession(p Params, c *cache.Cache, mgr *conn.Manager, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *chat.Session {
	return chat.NewSession(p.Identity, c, mgr, b, logger, chat.Options{
		AckTimeout:       cfg.AckTimeout(),
		MarkReadDebounce: cfg.MarkReadDebounce(),
	})
}

func registerLifecycle(lc fx.Lifecycle, sess *chat.Session, mgr *conn.Manager, c *cache.Cache, store *storage.Store, lk *lock.Lock, logger *zap.Logger) {
	stopCleanup := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if removed := c.Cleanup(); removed > 0 {
				logger.Info("retention cleanup", zap.Int("removed", removed))
			}
			go cleanupLoop(c, logger, stopCleanup)

			mgr.SetOnline(true)
			return nil
		},
		OnStop: func(_ context.Context) error {
			close(stopCleanup)
			sess.Close()
			mgr.Disconnect()
			c.Flush()
			if err := store.Close(); err != nil {
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

// cleanupLoop reruns retention cleanup once an hour until stop closes.
func cleanupLoop(c *cache.Cache, logger *zap.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := c.Cleanup(); removed > 0 {
				logger.Info("retention cleanup", zap.Int("removed", removed))
			}
		case <-stop:
			return
		}
	}
}
