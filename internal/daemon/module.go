package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/pcoelho/chatsync/internal/api"
	"github.com/pcoelho/chatsync/internal/auth"
	"github.com/pcoelho/chatsync/internal/bus"
	"github.com/pcoelho/chatsync/internal/config"
	"github.com/pcoelho/chatsync/internal/conn"
	"github.com/pcoelho/chatsync/internal/convstore"
	"github.com/pcoelho/chatsync/internal/deliverysim"
	"github.com/pcoelho/chatsync/internal/lock"
	"github.com/pcoelho/chatsync/internal/logging"
	"github.com/pcoelho/chatsync/internal/outbox"
	"github.com/pcoelho/chatsync/internal/session"
	"github.com/pcoelho/chatsync/internal/store"
	"github.com/pcoelho/chatsync/internal/syncer"
	"github.com/pcoelho/chatsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideTokenSource,
			provideChannel,
			provideManager,
			provideConvStore,
			provideSyncEngine,
			provideSender,
			provideSimulator,
			provideAPIHandler,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Load(path)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideTokenSource(p Params) auth.TokenSource {
	return auth.NewFileTokenSource(session.TokenPath(p.SessionName))
}

func provideChannel(cfg *config.Config, logger *zap.Logger) transport.Channel {
	return transport.NewWebSocket(cfg.ServerURL, logger)
}

func provideManager(ch transport.Channel, tokens auth.TokenSource, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(ch, tokens, b, conn.Config{
		InitialDelay: time.Duration(cfg.Reconnect.InitialDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Reconnect.MaxDelayMS) * time.Millisecond,
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
	}, logger)
}

func provideConvStore(b *bus.Bus, logger *zap.Logger) *convstore.Store {
	return convstore.New(b, logger)
}

func provideSyncEngine(mgr *conn.Manager, convs *convstore.Store, db *store.DB, b *bus.Bus, logger *zap.Logger) *syncer.Engine {
	return syncer.NewEngine(mgr, convs, db, b, logger)
}

func provideSender(db *store.DB, mgr *conn.Manager, convs *convstore.Store, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, mgr, convs, logger)
}

func provideSimulator(convs *convstore.Store, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *deliverysim.Simulator {
	return deliverysim.New(convs, b, deliverysim.Config{
		DeliverAfter: time.Duration(cfg.Simulate.DeliverAfterMS) * time.Millisecond,
		ReadAfter:    time.Duration(cfg.Simulate.ReadAfterMS) * time.Millisecond,
	}, logger)
}

func provideAPIHandler(p Params, mgr *conn.Manager, engine *syncer.Engine, convs *convstore.Store, logger *zap.Logger) *api.Handler {
	return api.NewHandler(mgr, engine, convs, p.SessionName, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, mgr *conn.Manager, engine *syncer.Engine, sender *outbox.Sender, sim *deliverysim.Simulator, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			sender.Start(context.Background())
			if cfg.Simulate.Enabled {
				sim.Start()
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control API error", zap.Error(err))
				}
			}()

			go func() {
				if err := mgr.Connect(context.Background()); err != nil {
					if errors.Is(err, auth.ErrUnauthenticated) {
						logger.Info("no credentials found, auth required")
						return
					}
					logger.Warn("auto-connect failed, reconnection in progress", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cfg.Simulate.Enabled {
				sim.Stop()
			}
			sender.Stop()
			engine.Stop()
			if err := mgr.Disconnect(); err != nil {
				logger.Warn("error disconnecting", zap.Error(err))
			}
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
