package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/jobq/internal/app"
	"github.com/SirClappington/jobq/internal/claim"
	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/executor"
	"github.com/SirClappington/jobq/internal/logging"
	"github.com/SirClappington/jobq/internal/reaper"
	"github.com/SirClappington/jobq/internal/worker"
)

const laneSampleInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Dev())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()

	sched := a.Scheduler()
	email := executor.NewEmailSender(executor.EmailOptions{
		Latency:     cfg.EmailLatency,
		FailureRate: cfg.EmailFailureRate,
		Seed:        uint64(time.Now().UnixNano()),
	}, a.Clock, logger.Named("email"))
	registry := executor.NewRegistry().Register(domain.SendEmail, email)

	pool := worker.NewPool(cfg.WorkerConcurrency, func(id string) *worker.Loop {
		l := logger.Named("worker")
		c := claim.New(a.Store, a.Lanes, a.Clock, l, id, claim.Options{
			BlockTimeout:    cfg.ClaimBlockTimeout,
			MaxDeferredScan: cfg.MaxDeferredScan,
		})
		return worker.NewLoop(id, c, registry, sched, a.Clock, l, worker.Options{
			IdleBackoff:   cfg.IdleBackoff,
			MaxWait:       max(cfg.ClaimBlockTimeout, cfg.IdleBackoff),
			OutageInitial: cfg.OutageBackoffInitial,
			OutageMax:     cfg.OutageBackoffMax,
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return app.Serve(ctx, metricsSrv, logger) })
	g.Go(func() error { return a.SampleLanes(ctx, laneSampleInterval) })
	if cfg.ReaperEnabled {
		r := reaper.New(a.Store, sched, a.Clock, logger, reaper.Options{ClaimTimeout: cfg.ClaimTimeout, Batch: cfg.ReaperBatch})
		g.Go(func() error { return r.Run(ctx, cfg.ReaperSchedule) })
	}

	logger.Info("worker pool started", zap.Int("concurrency", cfg.WorkerConcurrency))
	return g.Wait()
}
