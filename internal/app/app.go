// Package app wires the pieces shared by the api, worker and reaper processes.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/metrics"
	"github.com/SirClappington/jobq/internal/queue"
	"github.com/SirClappington/jobq/internal/retry"
	"github.com/SirClappington/jobq/internal/storage"
	"github.com/SirClappington/jobq/internal/storage/migrations"
)

type App struct {
	Config config.Config
	Logger *zap.Logger
	Clock  clockwork.Clock
	Store  storage.Store
	Lanes  *queue.RedisQ

	closers []func() error
}

// New connects to Redis and to the configured record store. For Postgres the schema is migrated
// before New returns.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Clock: clockwork.NewRealClock()}

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	a.closers = append(a.closers, rdb.Close)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, multierr.Append(errors.Wrapf(err, "connect redis at %s", cfg.RedisAddr), a.Close())
	}
	a.Lanes = queue.New(rdb)

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, multierr.Append(errors.Wrap(err, "open postgres pool"), a.Close())
		}
		a.closers = append(a.closers, func() error { db.Close(); return nil })
		if err := db.Ping(ctx); err != nil {
			return nil, multierr.Append(errors.Wrap(err, "connect postgres"), a.Close())
		}
		if err := migrations.Up(stdlib.OpenDBFromPool(db)); err != nil {
			return nil, multierr.Append(err, a.Close())
		}
		a.Store = storage.NewPostgresStore(db)
	default:
		a.Store = storage.NewRedisStore(rdb)
	}
	logger.Info("connected", zap.String("store", cfg.StoreBackend), zap.String("redis", cfg.RedisAddr))
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

func (a *App) Scheduler() *retry.Scheduler {
	policy := retry.Policy{MaxRetries: a.Config.MaxRetries, BaseDelay: a.Config.BackoffBase}
	return retry.NewScheduler(policy, a.Store, a.Lanes, a.Clock, a.Logger.Named("retry"),
		retry.WithRequeueBackoff(a.Config.OutageBackoffInitial, a.Config.OutageBackoffMax))
}

// SampleLanes refreshes the lane length gauge every interval until ctx is cancelled.
func (a *App) SampleLanes(ctx context.Context, interval time.Duration) error {
	for {
		for _, lane := range domain.Tiers {
			n, err := a.Lanes.Len(ctx, lane)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.Logger.Debug("lane length unavailable", zap.String("lane", string(lane)), zap.Error(err))
				continue
			}
			metrics.LaneLength.WithLabelValues(string(lane)).Set(float64(n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-a.Clock.After(interval):
		}
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrapf(err, "serve %s", srv.Addr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
