package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/access"
	"github.com/pitabwire/tessera/internal/approval"
	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/internal/dispatch"
	"github.com/pitabwire/tessera/internal/idempotency"
	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/internal/tasks"
	"github.com/pitabwire/tessera/internal/workflow"
)

const purgeInterval = 10 * time.Minute

// migrator is implemented by the Postgres-backed stores.
type migrator interface {
	Migrate(ctx context.Context) error
}

// purger is implemented by idempotency stores without native key expiry.
type purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// app holds the wired components shared by the serve, worker and migrate
// commands.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	store     workflow.Store
	queue     dispatch.Queue
	idemStore idempotency.Store
	engine    *workflow.Engine
	tasks     *tasks.Manager
	approvals *approval.Service
	worker    *dispatch.Worker
	readiness observability.ReadinessChecks

	migrators []migrator
	closers   []func()
}

// loadConfig loads the configuration and builds the logger.
func loadConfig(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, logger, nil
}

// newApp connects the configured backends and wires the engine on top. The
// caller must call close.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	// Step 1: Metrics registry.
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.InitMetrics(a.registry)

	// Step 2: Shared Postgres pool, when any backend needs it.
	var pool *pgxpool.Pool
	if usesPostgres(cfg) {
		p, err := openPool(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		pool = p
		a.closers = append(a.closers, pool.Close)
	}

	// Step 3: Workflow store.
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		s := workflow.NewPgStore(pool)
		a.store = s
		a.migrators = append(a.migrators, s)
	default:
		logger.Info("using in-memory workflow store")
		a.store = workflow.NewMemoryStore()
	}

	// Step 4: Orchestration job queue.
	switch cfg.Dispatcher.Queue {
	case config.DriverPostgres:
		q := dispatch.NewPgQueue(pool)
		a.queue = q
		a.migrators = append(a.migrators, q)
	default:
		logger.Info("using in-memory job queue")
		a.queue = dispatch.NewMemoryQueue()
	}

	// Step 5: Idempotency store.
	switch cfg.Idempotency.Driver {
	case config.DriverPostgres:
		s := idempotency.NewPgStore(pool)
		a.idemStore = s
		a.migrators = append(a.migrators, s)
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Idempotency.RedisAddr,
			Password: cfg.Idempotency.RedisPassword,
			DB:       cfg.Idempotency.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("idempotency store: ping redis: %w", err)
		}
		a.idemStore = idempotency.NewRedisStore(client)
	default:
		logger.Info("using in-memory idempotency store")
		a.idemStore = idempotency.NewMemoryStore()
	}

	// Step 6: Access directory.
	static, err := access.NewStaticDirectory(cfg.Access.DirectoryFile)
	if err != nil {
		return nil, err
	}
	var directory tasks.Directory = static
	if cfg.Access.CacheTTL > 0 {
		directory = access.NewCachedDirectory(static, cfg.Access.CacheTTL)
	}

	// Step 7: Engine, task manager and dispatcher.
	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(logger.Named("dispatch")),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithWorkers(cfg.Dispatcher.Workers),
		dispatch.WithPollInterval(cfg.Dispatcher.PollInterval),
		dispatch.WithRetry(cfg.Dispatcher.MaxAttempts, cfg.Dispatcher.BaseDelay, cfg.Dispatcher.MaxDelay),
		dispatch.WithLease(cfg.Dispatcher.Lease),
		dispatch.WithConflictRetries(cfg.Dispatcher.MaxConflictRetries),
	}
	dispatcher := dispatch.NewDispatcher(a.queue, dispatchOpts...)

	a.engine = workflow.NewEngine(a.store, dispatcher,
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithMetrics(a.metrics),
		workflow.WithConflictRetries(cfg.Dispatcher.MaxConflictRetries),
	)
	a.tasks = tasks.NewManager(a.store, directory, dispatcher,
		tasks.WithLogger(logger.Named("tasks")),
		tasks.WithMetrics(a.metrics),
	)
	orchestrator := dispatch.NewOrchestrator(a.store, a.tasks, dispatchOpts...)
	a.worker = dispatch.NewWorker(a.queue, orchestrator, dispatchOpts...)

	// Step 8: Idempotency gateway and approval commands.
	gateway := idempotency.NewGateway(a.idemStore,
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLockTimeout(cfg.Idempotency.LockTimeout),
		idempotency.WithLogger(logger.Named("idempotency")),
		idempotency.WithMetrics(a.metrics),
	)
	a.approvals = approval.NewService(a.engine, a.tasks, gateway,
		approval.WithLogger(logger.Named("approval")),
		approval.WithMetrics(a.metrics),
	)

	a.readiness = observability.ReadinessChecks{
		"workflow_store":    a.store,
		"job_queue":         a.queue,
		"idempotency_store": a.idemStore,
	}

	ok = true
	return a, nil
}

// migrate creates the Postgres schemas of every configured backend.
func (a *app) migrate(ctx context.Context) error {
	var errs []error
	for _, m := range a.migrators {
		if err := m.Migrate(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// purgeIdempotency deletes expired idempotency records until ctx is
// cancelled. Stores with native expiry are skipped.
func (a *app) purgeIdempotency(ctx context.Context) error {
	p, ok := a.idemStore.(purger)
	if !ok {
		return nil
	}
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.PurgeExpired(ctx, time.Now().UTC())
			if err != nil {
				a.logger.Error("idempotency purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Info("idempotency records purged", zap.Int64("count", n))
			}
		}
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func usesPostgres(cfg *config.Config) bool {
	return cfg.Store.Driver == config.DriverPostgres ||
		cfg.Idempotency.Driver == config.DriverPostgres ||
		cfg.Dispatcher.Queue == config.DriverPostgres
}

func openPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}
