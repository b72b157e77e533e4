package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/api"
	"github.com/SirClappington/jobq/internal/app"
	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/logging"
	"github.com/SirClappington/jobq/internal/submit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "api:", err)
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

	svc := submit.NewService(a.Store, a.Lanes, a.Clock, logger.Named("submit"))
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewAPI(svc, logger.Named("http")).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return app.Serve(ctx, srv, logger)
}
