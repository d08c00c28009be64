package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/enrich"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/rpc"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	ConfigPath string // optional override; empty = global config file
}

func (p Params) configPath() string {
	if p.ConfigPath != "" {
		return p.ConfigPath
	}
	return session.ConfigPath()
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideSettings,
			provideLevel,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideBackend,
			provideEngine,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideSettings(p Params) (config.Settings, error) {
	cfg, err := config.LoadOrDefault(p.configPath())
	if err != nil {
		return config.Settings{}, fmt.Errorf("load config: %w", err)
	}
	s, err := cfg.Profile(p.Profile)
	if err != nil {
		return config.Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return config.Settings{}, fmt.Errorf("profile %s: %w", p.Profile, err)
	}
	return s, nil
}

func provideLevel(s config.Settings) (zap.AtomicLevel, error) {
	return logging.Level(s.Log.Level)
}

func provideLogger(p Params, level zap.AtomicLevel) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile, level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, s config.Settings, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile), s.ViewerID)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is only opened by its holder.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	logger.Info("store opened", zap.String("path", dbPath))
	return db, nil
}

func provideBackend(p Params, s config.Settings, logger *zap.Logger) (remote.Backend, error) {
	if s.Remote.Driver == config.DriverMemory {
		logger.Warn("remote driver is memory, nothing leaves this process")
		return remote.NewMemory(), nil
	}
	return remote.NewNATS(remote.NATSConfig{
		URL:  s.Remote.URL,
		Name: "chatsyncd-" + p.Profile,
		Buckets: map[string]string{
			wire.Messages: s.Remote.MessagesBucket,
			wire.Chats:    s.Remote.ChatsBucket,
		},
		MediaBucket: s.Remote.MediaBucket,
	}, logger.Named("remote"))
}

// engineConfig maps profile settings onto component policies.
func engineConfig(s config.Settings) engine.Config {
	cfg := engine.DefaultConfig(s.ViewerID)
	cfg.Outbox.Attempts = s.Outbox.Attempts
	cfg.Outbox.Delay = s.Outbox.Delay.Duration
	cfg.Inbound.GraceWindow = s.Inbound.GraceWindow.Duration
	cfg.History.ShortDelay = s.History.ShortDelay.Duration
	cfg.History.LongDelay = s.History.LongDelay.Duration
	cfg.History.PageSize = s.History.PageSize
	cfg.Enrich = engine.EnrichConfig{
		Pool:          enrich.Config{Workers: s.Enrich.Workers, QueueSize: s.Enrich.QueueSize},
		Notify:        s.Enrich.Notify,
		TranslateURL:  s.Enrich.TranslateURL,
		TargetLang:    s.Enrich.TargetLang,
		ThumbnailSize: s.Enrich.ThumbnailSize,
	}
	return cfg
}

func provideEngine(s config.Settings, db *store.DB, backend remote.Backend, b *bus.Bus, logger *zap.Logger) (*engine.Engine, error) {
	return engine.New(engine.Deps{DB: db, Backend: backend, Bus: b, Logger: logger}, engineConfig(s))
}

func provideService(p Params, e *engine.Engine, logger *zap.Logger) *rpc.Service {
	return rpc.NewService(e, p.Profile, logger.Named("rpc"))
}

type lifecycleIn struct {
	fx.In

	Params  Params
	Server  *Server
	Engine  *engine.Engine
	Lock    *lock.Lock
	DB      *store.DB
	Backend remote.Backend
	Level   zap.AtomicLevel
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, in lifecycleIn) {
	var watcher *config.Watcher
	logger := in.Logger

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := in.Engine.Initialize(ctx); err != nil {
				return fmt.Errorf("initialize engine: %w", err)
			}

			// Reload the log level when the config file changes.
			w, err := config.Watch(context.Background(), in.Params.configPath(), logger, func(cfg *config.Config) {
				s, err := cfg.Profile(in.Params.Profile)
				if err != nil {
					logger.Warn("config reload skipped", zap.Error(err))
					return
				}
				if err := logging.SetLevel(in.Level, s.Log.Level); err != nil {
					logger.Warn("config reload skipped", zap.Error(err))
					return
				}
				logger.Info("config reloaded", zap.String("level", s.Log.Level))
			})
			if err != nil {
				logger.Warn("config watch unavailable", zap.Error(err))
			} else {
				watcher = w
			}

			// Start gRPC server in background.
			go func() {
				if err := in.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var err error
			if watcher != nil {
				err = multierr.Append(err, watcher.Close())
			}
			in.Server.Stop(ctx)
			err = multierr.Append(err, in.Engine.Shutdown(ctx))
			err = multierr.Append(err, in.Backend.Close())
			err = multierr.Append(err, in.DB.Close())
			if lerr := in.Lock.Release(); lerr != nil {
				logger.Warn("error releasing lock", zap.Error(lerr))
			}
			if err != nil {
				logger.Error("daemon stopped with errors", zap.Error(err))
			} else {
				logger.Info("daemon stopped")
			}
			_ = logger.Sync()
			return err
		},
	})
}
