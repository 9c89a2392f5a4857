package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/tessera/internal/definition"
	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/internal/transport"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, with the orchestration worker when embedded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root.configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	// Step 1: Configuration and telemetry.
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	observability.Version = version
	observability.Commit = commit

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, observability.ServiceName, version)
	if err != nil {
		return err
	}

	// Step 2: Backends and engine.
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Store.MigrateOnStart {
		if err := a.migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// Step 3: Seed definitions and policies.
	if len(cfg.Seed.Directories) > 0 {
		files, err := definition.NewLoader().LoadAll(cfg.Seed.Directories)
		if err != nil {
			return err
		}
		s := &seeder{engine: a.engine, approvals: a.approvals, logger: logger.Named("seed")}
		res, err := s.apply(ctx, files)
		if err != nil {
			return err
		}
		logger.Info("seeding complete",
			zap.Int("files", len(files)),
			zap.Int("installed", res.Installed),
			zap.Int("skipped", res.Skipped),
		)
	}

	// Step 4: HTTP server.
	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Handlers:  transport.NewHandlers(a.engine, a.tasks, a.approvals, logger.Named("http")),
		Logger:    logger,
		Metrics:   a.metrics,
		Gatherer:  a.registry,
		Readiness: a.readiness,
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 5: Run the server, the embedded worker and housekeeping until a
	// signal arrives or one of them fails.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", version),
			zap.String("commit", commit),
			zap.Bool("embedded_worker", cfg.Dispatcher.Embedded),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Dispatcher.Embedded {
		g.Go(func() error { return a.worker.Run(gctx) })
	}
	g.Go(func() error { return a.purgeIdempotency(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop accepting new connections and drain in-flight requests.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
