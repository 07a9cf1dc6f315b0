package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/souq/internal/api"
	"github.com/matheus3301/souq/internal/bus"
	"github.com/matheus3301/souq/internal/chat"
	"github.com/matheus3301/souq/internal/config"
	"github.com/matheus3301/souq/internal/identity"
	"github.com/matheus3301/souq/internal/instance"
	"github.com/matheus3301/souq/internal/lock"
	"github.com/matheus3301/souq/internal/logging"
	"github.com/matheus3301/souq/internal/notify"
	"github.com/matheus3301/souq/internal/outbox"
	"github.com/matheus3301/souq/internal/presence"
	"github.com/matheus3301/souq/internal/status"
	"github.com/matheus3301/souq/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved instance configuration passed to the fx module.
type Params struct {
	InstanceName string
	SocketPath   string         // optional override for testing; empty = use default
	Config       *config.Config // optional; nil = resolve from ~/.souq/config.toml and the instance .env
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideDirectory,
			provideRegistry,
			provideDispatcher,
			providePusher,
			provideSender,
			provideRouter,
			provideActivity,
			provideGateway,
			provideHealthService,
			NewServer,
			NewHTTPServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	return config.Resolve(instance.ConfigPath(), instance.EnvPath(p.InstanceName))
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := instance.EnsureDir(p.InstanceName); err != nil {
		return nil, err
	}
	return logging.New(instance.LogPath(p.InstanceName), p.InstanceName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring instance lock", zap.String("instance", p.InstanceName))
	l, err := lock.Acquire(instance.Dir(p.InstanceName), cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired")
	return l, nil
}

// provideStore depends on the lock so two daemons never migrate the same file.
func provideStore(p Params, _ *lock.Lock, machine *status.Machine, logger *zap.Logger) (*store.DB, error) {
	if err := machine.Transition(status.Migrating); err != nil {
		return nil, err
	}
	dbPath := instance.DBPath(p.InstanceName)
	db, err := store.Open(dbPath)
	if err != nil {
		_ = machine.Transition(status.Error)
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		_ = machine.Transition(status.Error)
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

func provideDirectory(db *store.DB, cfg *config.Config) *identity.Directory {
	return identity.NewDirectory(db, cfg.PrivilegedRoles)
}

func provideRegistry(dir *identity.Directory, b *bus.Bus, logger *zap.Logger) *presence.Registry {
	return presence.NewRegistry(dir, b, logger)
}

func provideDispatcher(db *store.DB, b *bus.Bus, logger *zap.Logger) *notify.Dispatcher {
	return notify.NewDispatcher(db, b, logger)
}

func providePusher(cfg *config.Config, logger *zap.Logger) (notify.Pusher, error) {
	return notify.NewPusher(cfg.Notify, logger)
}

func provideSender(db *store.DB, pusher notify.Pusher, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, pusher, b, cfg.Notify.PollInterval, logger)
}

func provideRouter(db *store.DB, dir *identity.Directory, registry *presence.Registry, d *notify.Dispatcher, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *chat.Router {
	return chat.NewRouter(db, dir, registry, d, b, logger, chat.Options{SummaryPush: cfg.SummaryPushEnabled()})
}

func provideActivity(b *bus.Bus, logger *zap.Logger) *api.Activity {
	return api.NewActivity(b, logger)
}

func provideGateway(router *chat.Router, dir *identity.Directory, registry *presence.Registry, db *store.DB, d *notify.Dispatcher, machine *status.Machine, activity *api.Activity, cfg *config.Config, logger *zap.Logger) *api.Gateway {
	return api.NewGateway(router, dir, registry, db, d, machine, activity, logger, api.Options{
		SendBuffer:     cfg.WSSendBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
	})
}

func provideHealthService(machine *status.Machine, b *bus.Bus, logger *zap.Logger) *api.HealthService {
	return api.NewHealthService(machine, b, logger)
}

type lifecycleDeps struct {
	fx.In

	GRPC     *Server
	HTTP     *HTTPServer
	Health   *api.HealthService
	Activity *api.Activity
	Registry *presence.Registry
	Sender   *outbox.Sender
	Pusher   notify.Pusher
	DB       *store.DB
	Lock     *lock.Lock
	Machine  *status.Machine
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	logger := d.Logger
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			d.Health.Start(context.Background())
			d.Activity.Start(context.Background())

			go func() {
				if err := d.GRPC.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			go func() {
				if err := d.HTTP.Start(); err != nil {
					logger.Error("HTTP server error", zap.Error(err))
					_ = d.Machine.Transition(status.Error)
				}
			}()

			d.Sender.Start(context.Background())

			if err := d.Machine.Transition(status.Serving); err != nil {
				return fmt.Errorf("enter serving: %w", err)
			}
			logger.Info("daemon serving", zap.String("listen", d.HTTP.Addr()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := d.Machine.Transition(status.Draining); err != nil {
				logger.Warn("draining from unexpected state", zap.Error(err))
			}
			// Live sockets first so the HTTP server is not held open by them.
			d.Registry.Close()
			d.Activity.Stop()
			if err := d.HTTP.Stop(ctx); err != nil {
				logger.Warn("error stopping HTTP server", zap.Error(err))
			}
			d.Sender.Stop()
			d.Health.Stop()
			d.GRPC.Stop(ctx)
			if err := d.Pusher.Close(); err != nil {
				logger.Warn("error closing pusher", zap.Error(err))
			}
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			_ = d.Machine.Transition(status.Stopped)
			logger.Info("daemon stopped")
			return nil
		},
	})
}
