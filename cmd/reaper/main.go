// Command reaper periodically returns jobs stuck in processing to their lanes. Run it alongside
// the workers when they are not started with REAPER_ENABLED.
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
	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/logging"
	"github.com/SirClappington/jobq/internal/reaper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "reaper:", err)
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

	r := reaper.New(a.Store, a.Scheduler(), a.Clock, logger, reaper.Options{
		ClaimTimeout: cfg.ClaimTimeout,
		Batch:        cfg.ReaperBatch,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(ctx, cfg.ReaperSchedule) })
	g.Go(func() error { return app.Serve(ctx, metricsSrv, logger) })
	return g.Wait()
}
