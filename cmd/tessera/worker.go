package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/internal/dispatch"
	"github.com/pitabwire/tessera/internal/observability"
)

type workerOptions struct {
	*rootOptions
	reportFailed bool
	limit        int
}

func newWorkerCommand(root *rootOptions) *cobra.Command {
	opts := &workerOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone orchestration worker against the shared job queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.reportFailed, "report-failed", false, "log jobs that exhausted their attempts and exit")
	cmd.Flags().IntVar(&opts.limit, "limit", 100, "maximum number of failed jobs to report")

	return cmd
}

func runWorker(ctx context.Context, opts *workerOptions) error {
	cfg, logger, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Dispatcher.Queue != config.DriverPostgres {
		return errors.New("a standalone worker requires dispatcher.queue postgres")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if opts.reportFailed {
		return reportFailed(ctx, a.queue, opts.limit, logger)
	}

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, observability.ServiceName+"-worker", version)
	if err != nil {
		return err
	}
	defer func() { _ = tracingShutdown(context.WithoutCancel(ctx)) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.worker.Run(gctx) })
	g.Go(func() error { return a.purgeIdempotency(gctx) })
	return g.Wait()
}

// reportFailed logs the jobs that will not be retried.
func reportFailed(ctx context.Context, queue dispatch.Queue, limit int, logger *zap.Logger) error {
	jobs, err := queue.ListFailed(ctx, limit)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		logger.Warn("failed orchestration job",
			zap.String("job_id", j.ID),
			zap.String("tenant_id", j.TenantID),
			zap.String("instance_id", j.InstanceID),
			zap.Int("attempts", j.Attempts),
			zap.String("last_error", j.LastError),
			zap.Time("updated_at", j.UpdatedAt),
		)
	}
	logger.Info("failed job report complete", zap.Int("count", len(jobs)))
	return nil
}
