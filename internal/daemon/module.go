package daemon

import (
	"context"
	"errors"

	"github.com/matheus3301/fieldsync/internal/api"
	"github.com/matheus3301/fieldsync/internal/bus"
	"github.com/matheus3301/fieldsync/internal/cache"
	"github.com/matheus3301/fieldsync/internal/config"
	"github.com/matheus3301/fieldsync/internal/connectivity"
	"github.com/matheus3301/fieldsync/internal/entity"
	"github.com/matheus3301/fieldsync/internal/lock"
	"github.com/matheus3301/fieldsync/internal/logging"
	"github.com/matheus3301/fieldsync/internal/outbox"
	"github.com/matheus3301/fieldsync/internal/profile"
	"github.com/matheus3301/fieldsync/internal/remote"
	"github.com/matheus3301/fieldsync/internal/store"
	syncengine "github.com/matheus3301/fieldsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	ConfigPath string // optional override; empty = profile fieldsync.toml
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return profile.SocketPath(p.Profile)
}

func (p Params) configPath() string {
	if p.ConfigPath != "" {
		return p.ConfigPath
	}
	return profile.DaemonConfigPath(p.Profile)
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
			provideRemote,
			provideMonitor,
			provideManager,
			provideCache,
			provideRegistry,
			provideEngine,
			provideReporter,
			provideService,
			provideSignalFeed,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile, logging.DefaultOptions)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Daemon, error) {
	cfg, err := config.LoadDaemon(p.configPath())
	if err != nil {
		return nil, err
	}
	if cfg.Remote.BaseURL == "" {
		logger.Warn("remote.base_url is not set; queued mutations will stay pending")
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(cfg *config.Daemon) *remote.HTTPClient {
	return remote.NewHTTPClient(remote.Options{
		BaseURL:    cfg.Remote.BaseURL,
		Token:      cfg.Remote.Token,
		Timeout:    cfg.Remote.Timeout.Duration,
		MaxRetries: cfg.Remote.MaxRetries,
	})
}

func provideMonitor(cfg *config.Daemon, b *bus.Bus, logger *zap.Logger) *connectivity.Monitor {
	probeURL := cfg.Connectivity.ProbeURL
	if probeURL == "" {
		probeURL = cfg.Remote.BaseURL
	}
	opts := connectivity.Options{
		Interval: cfg.Connectivity.ProbeInterval.Duration,
		Grace:    cfg.Connectivity.Grace.Duration,
	}
	if probeURL != "" {
		opts.Source = connectivity.NewHTTPProbe(probeURL, 0)
	}
	return connectivity.NewMonitor(b, logger.Named("connectivity"), opts)
}

func provideManager(cfg *config.Daemon, db *store.DB, rc *remote.HTTPClient, m *connectivity.Monitor, b *bus.Bus, logger *zap.Logger) *outbox.Manager {
	return outbox.NewManager(db, rc, m, b, logger.Named("outbox"), outbox.Options{
		Interval:      cfg.Sync.Interval.Duration,
		ReplayTimeout: cfg.Sync.ReplayTimeout.Duration,
		PruneAfter:    cfg.Sync.PruneAfter.Duration,
	})
}

func provideCache(cfg *config.Daemon, db *store.DB, rc *remote.HTTPClient, b *bus.Bus, logger *zap.Logger) *cache.Cache {
	return cache.New(db, rc, b, logger.Named("cache"), cfg.Cache.BudgetBytes)
}

func provideRegistry() (*entity.Registry, error) {
	return entity.NewRegistry()
}

func provideEngine(db *store.DB, r *entity.Registry, b *bus.Bus, logger *zap.Logger) *syncengine.Engine {
	return syncengine.NewEngine(db, r, b, logger.Named("engine"))
}

func provideReporter(p Params, m *connectivity.Monitor, db *store.DB, c *cache.Cache) *api.Reporter {
	return api.NewReporter(p.Profile, m, db, c)
}

func provideService(r *api.Reporter, mgr *outbox.Manager, m *connectivity.Monitor, e *syncengine.Engine, reg *entity.Registry, db *store.DB, c *cache.Cache, logger *zap.Logger) *api.Service {
	return api.NewService(r, mgr, m, e, reg, db, c, logger.Named("api"))
}

func provideSignalFeed(cfg *config.Daemon, r *api.Reporter, b *bus.Bus, logger *zap.Logger) *SignalFeed {
	return NewSignalFeed(cfg.Server.SignalsAddr, r, b, logger.Named("signals"))
}

type lifecycleDeps struct {
	fx.In

	Params  Params
	Server  *Server
	Feed    *SignalFeed
	Lock    *lock.Lock
	DB      *store.DB
	Monitor *connectivity.Monitor
	Manager *outbox.Manager
	Cache   *cache.Cache
	Logger  *zap.Logger
}

// budgetReloader applies a changed cache budget at once, evicting down to it.
func budgetReloader(c *cache.Cache, logger *zap.Logger) func(*config.Daemon) {
	return func(cfg *config.Daemon) {
		evicted, err := c.ApplyBudget(context.Background(), cfg.Cache.BudgetBytes)
		if err != nil {
			logger.Warn("applying cache budget failed", zap.Error(err))
			return
		}
		if len(evicted) > 0 {
			logger.Info("cache budget lowered", zap.Int64("budget", cfg.Cache.BudgetBytes), zap.Int("evicted", len(evicted)))
		}
	}
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	var watcher *config.Watcher
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := d.Feed.Start(); err != nil {
				return err
			}

			// Monitor first so the manager's startup drain sees real reachability.
			d.Monitor.Start(context.Background())
			d.Manager.Start(context.Background())

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			w, err := config.Watch(d.Params.configPath(), d.Logger.Named("config"), budgetReloader(d.Cache, d.Logger))
			if err != nil {
				d.Logger.Warn("config hot reload unavailable", zap.Error(err))
			} else {
				watcher = w
			}

			d.Logger.Info("daemon started", zap.String("profile", d.Params.Profile))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var errs []error
			if watcher != nil {
				errs = append(errs, watcher.Close())
			}
			d.Server.Stop(ctx)
			errs = append(errs, d.Feed.Stop(ctx))
			d.Manager.Stop()
			d.Monitor.Stop()
			errs = append(errs, d.DB.Close())
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return errors.Join(errs...)
		},
	})
}
