package commands

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crashkill/hub-automation-sub001/am"
	"github.com/crashkill/hub-automation-sub001/automation"
	"github.com/crashkill/hub-automation-sub001/db"
	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/logger"
	"github.com/crashkill/hub-automation-sub001/plugin"
	"github.com/crashkill/hub-automation-sub001/plugins/builtin"
	"github.com/crashkill/hub-automation-sub001/pulse/async"
	"github.com/crashkill/hub-automation-sub001/pulse/events"
	"github.com/crashkill/hub-automation-sub001/pulse/execution"
	"github.com/crashkill/hub-automation-sub001/pulse/schedule"
	"github.com/crashkill/hub-automation-sub001/secrets"
	"github.com/crashkill/hub-automation-sub001/server/apiclient"
	"github.com/crashkill/hub-automation-sub001/version"
)

// InitLogger configures the global logger from am.toml and the -v flag
func InitLogger(cmd *cobra.Command) error {
	jsonOutput, level := false, "info"
	if cfg, err := am.Load(); err == nil {
		jsonOutput, level = cfg.Log.JSON, cfg.Log.Level
	}
	if verbosity, _ := cmd.Flags().GetCount("verbose"); verbosity > 0 {
		level = "debug"
	}
	if err := logger.Initialize(jsonOutput, level); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	return nil
}

// openDatabase opens and migrates the database at path, or at the configured path when empty
func openDatabase(cfg *am.Config, path string) (*sql.DB, error) {
	if path == "" {
		path = cfg.Database.Path
	}
	if path == "" {
		path = "hub.db"
	}

	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}

// builtinRegistry returns a registry holding the builtin plugins
func builtinRegistry(pluginConfig plugin.ConfigProvider) (*plugin.Registry, error) {
	registry := plugin.NewRegistry(version.PluginAPI)
	if err := builtin.Register(registry, builtin.Options{
		HTTPAllowPrivate: pluginConfig.GetPluginConfig(builtin.HTTPType).GetBool("allow_private"),
	}); err != nil {
		return nil, errors.Wrap(err, "failed to register builtin plugins")
	}
	return registry, nil
}

// Engine lease timing. A holder that misses heartbeats for leaseStale is
// presumed dead and its lease may be taken over.
const (
	leaseHeartbeat = 5 * time.Second
	leaseStale     = 30 * time.Second
)

// runtime is the assembled hub: storage, plugins, engine and Service. It
// holds the engine lease for its whole life, so at most one runtime per
// database runs executions.
type runtime struct {
	cfg       *am.Config
	db        *sql.DB
	ownerID   string
	stopLease chan struct{}
	leaseDone sync.WaitGroup
	registry  *plugin.Registry
	bus       *events.Bus
	pool      *async.WorkerPool
	engine    *execution.Engine
	scheduler *schedule.Scheduler
	svc       *automation.Service
	logger    *zap.SugaredLogger
}

// runtimeOptions selects the optional parts of the runtime
type runtimeOptions struct {
	dbPath    string
	scheduled bool // run the scheduler loop
}

// newRuntime wires every component in dependency order. Callers must Close it.
func newRuntime(ctx context.Context, opts runtimeOptions) (_ *runtime, err error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	log := logger.Logger

	rt := &runtime{cfg: cfg, logger: log}
	defer func() {
		if err != nil {
			rt.Close(context.Background())
		}
	}()

	if rt.db, err = openDatabase(cfg, opts.dbPath); err != nil {
		return nil, err
	}
	if err = rt.acquireLease(ctx); err != nil {
		return nil, err
	}

	// Plugins
	pluginConfig := plugin.ViperConfigProvider{V: am.GetViper()}
	if rt.registry, err = builtinRegistry(pluginConfig); err != nil {
		return nil, err
	}
	services := plugin.NewServiceRegistry(rt.db, log.Named("plugins"), pluginConfig)
	if err = rt.registry.InitializeAll(ctx, services); err != nil {
		return nil, errors.Wrap(err, "failed to initialize plugins")
	}

	// Secrets: environment first, then the optional secrets file
	provider := secrets.Chain{secrets.NewEnvProvider(cfg.Secrets.EnvPrefix)}
	if cfg.Secrets.File != "" {
		fileProvider, ferr := secrets.NewFileProvider(cfg.Secrets.File)
		if ferr != nil {
			return nil, errors.Wrap(ferr, "failed to load secrets file")
		}
		provider = append(provider, fileProvider)
	}

	// Engine
	rt.bus = events.NewBus(log)
	rt.pool = async.NewWorkerPool(async.WorkerPoolConfig{
		Workers:   cfg.Pulse.Workers,
		QueueSize: cfg.Pulse.QueueSize,
	}, log)
	rt.pool.Start()

	engineOpts := []execution.Option{
		execution.WithHistory(execution.NewSQLHistory(rt.db)),
		execution.WithPublisher(rt.bus),
		execution.WithPool(rt.pool),
	}
	if sampler, serr := async.NewResourceSampler(); serr == nil {
		engineOpts = append(engineOpts, execution.WithSampler(sampler))
	} else {
		log.Warnw("Resource sampling unavailable", logger.FieldError, serr)
	}
	factory := execution.NewContextFactory(provider, execution.NewSQLKV(rt.db), cfg.Engine.Environment, log)
	rt.engine = execution.NewEngine(rt.registry, factory, execution.ConfigFromAM(cfg.Engine), log, engineOpts...)
	if _, err = rt.engine.Recover(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to recover interrupted executions")
	}
	if err = rt.engine.Restore(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to restore execution history")
	}

	// Service, with the scheduler calling back into it
	svcOpts := []automation.Option{
		automation.WithPublisher(rt.bus),
		automation.WithLogger(log),
	}
	if opts.scheduled {
		var svc *automation.Service
		rt.scheduler = schedule.New(
			schedule.InvokerFunc(func(ctx context.Context, id string, trigger execution.Trigger) (*execution.Execution, error) {
				return svc.Trigger(ctx, id, trigger)
			}),
			schedule.Config{TickInterval: cfg.Pulse.TickInterval()},
			log,
			schedule.WithPublisher(rt.bus),
		)
		svcOpts = append(svcOpts, automation.WithScheduler(rt.scheduler))
		svc = automation.NewService(automation.NewSQLStore(rt.db), rt.registry, rt.engine, svcOpts...)
		rt.svc = svc
	} else {
		rt.svc = automation.NewService(automation.NewSQLStore(rt.db), rt.registry, rt.engine, svcOpts...)
	}

	if err = rt.svc.Load(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to load automations")
	}
	return rt, nil
}

// Close stops components in reverse order of startup
func (rt *runtime) Close(ctx context.Context) {
	if rt.scheduler != nil {
		rt.scheduler.Stop()
	}
	if rt.engine != nil {
		if err := rt.engine.Shutdown(ctx); err != nil {
			rt.logger.Warnw("Engine shutdown incomplete", logger.FieldError, err)
		}
	}
	if rt.pool != nil {
		rt.pool.Stop()
	}
	if rt.registry != nil {
		if err := rt.registry.ShutdownAll(ctx); err != nil {
			rt.logger.Warnw("Plugin shutdown errors", logger.FieldError, err)
		}
	}
	if rt.bus != nil {
		rt.bus.Close()
	}
	rt.releaseLease()
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.logger.Warnw("Failed to close database", logger.FieldError, err)
		}
	}
}

// acquireLease takes the engine lease and keeps it fresh until Close
func (rt *runtime) acquireLease(ctx context.Context) error {
	ownerID := uuid.NewString()
	if err := db.AcquireOwner(ctx, rt.db, db.Owner{ID: ownerID, PID: os.Getpid()}, leaseStale); err != nil {
		return err
	}
	rt.ownerID = ownerID
	rt.stopLease = make(chan struct{})

	rt.leaseDone.Add(1)
	go func() {
		defer rt.leaseDone.Done()
		ticker := time.NewTicker(leaseHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-rt.stopLease:
				return
			case <-ticker.C:
				if err := db.Heartbeat(context.Background(), rt.db, ownerID, ""); err != nil {
					rt.logger.Errorw("Engine lease heartbeat failed", logger.FieldError, err)
				}
			}
		}
	}()
	return nil
}

// advertise records the API address other processes use while this runtime holds the lease
func (rt *runtime) advertise(ctx context.Context, addr string) error {
	if rt.ownerID == "" {
		return nil
	}
	return db.Heartbeat(ctx, rt.db, rt.ownerID, addr)
}

func (rt *runtime) releaseLease() {
	if rt.ownerID == "" {
		return
	}
	close(rt.stopLease)
	rt.leaseDone.Wait()
	if err := db.ReleaseOwner(context.Background(), rt.db, rt.ownerID); err != nil {
		rt.logger.Warnw("Failed to release engine lease", logger.FieldError, err)
	}
	rt.ownerID = ""
}

// leaseHolder returns the live engine owner of the configured database
func leaseHolder(ctx context.Context, dbPath string) (*db.Owner, bool, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg, dbPath)
	if err != nil {
		return nil, false, err
	}
	defer database.Close()
	return db.CurrentOwner(ctx, database, leaseStale)
}

// withController runs fn against this process's own runtime, or against the
// API of the running hub that holds the engine lease
func withController(dbPath string, fn func(ctx context.Context, ctl automation.Controller) error) error {
	ctx := context.Background()
	rt, err := newRuntime(ctx, runtimeOptions{dbPath: dbPath})
	if err == nil {
		defer rt.Close(ctx)
		return fn(ctx, rt.svc)
	}
	if !errors.Is(err, db.ErrEngineOwned) {
		return err
	}
	ctl, rerr := remoteController(ctx, dbPath, err)
	if rerr != nil {
		return rerr
	}
	return fn(ctx, ctl)
}

// remoteController returns a client for the API of the lease holder
func remoteController(ctx context.Context, dbPath string, owned error) (*apiclient.Client, error) {
	owner, ok, err := leaseHolder(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, owned
	}
	if owner.APIAddr == "" {
		err := errors.Wrapf(db.ErrEngineOwned, "pid %d holds the engine lease and serves no API", owner.PID)
		return nil, errors.WithHint(err, "wait for that process to exit, or start it with hub serve")
	}
	logger.Debugw("Forwarding to running hub", logger.FieldAddress, owner.APIAddr, "pid", owner.PID)
	return apiclient.New(owner.APIAddr), nil
}
