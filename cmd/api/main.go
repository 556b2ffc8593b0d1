package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/perkhive/points/internal/api"
	"github.com/perkhive/points/internal/cache"
	"github.com/perkhive/points/internal/config"
	"github.com/perkhive/points/internal/infra/logging"
	"github.com/perkhive/points/internal/infra/pgutils"
	"github.com/perkhive/points/internal/notify"
	pgbalances "github.com/perkhive/points/internal/repos/balances/postgres"
	pgentries "github.com/perkhive/points/internal/repos/entries/postgres"
	"github.com/perkhive/points/internal/services/ledger"
	"github.com/perkhive/points/internal/services/stats"
	"github.com/perkhive/points/pkg/shutdownqueue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error running api: %v", err)
		//nolint:gocritic
		os.Exit(1)
	}
}

func run(ctx context.Context) (retErr error) {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("init config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		serr := shutdownqueue.Shutdown(shutdownCtx)
		if serr != nil {
			retErr = errors.Join(retErr, serr)
		}
	}()

	// --- Infra ---
	db, err := pgutils.OpenDB(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}

	shutdownqueue.Add(func(context.Context) error {
		logger.Info("closing db pool")

		return db.Close()
	})

	var balanceCache ledger.Cache
	if cfg.Redis.Addr != "" {
		c, err := cache.New(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}

		shutdownqueue.Add(func(context.Context) error {
			logger.Info("closing redis client")

			return c.Close()
		})

		balanceCache = c
	}

	// --- Services ---
	entriesRepo := pgentries.New(db, logger)
	balancesRepo := pgbalances.New(db, logger)

	engine := ledger.New(db, entriesRepo, balancesRepo, cfg.Ledger, balanceCache, notify.NewLogNotifier(logger), logger)
	projector := stats.New(db, balancesRepo, logger)

	// --- HTTP server ---
	srv := api.NewServer(cfg.Port, engine, projector, logger)

	shutdownqueue.Add(func(c context.Context) error {
		logger.Info("shutting down server")

		err := srv.Shutdown(c)
		if err != nil {
			return fmt.Errorf("shutdown srv: %w", err)
		}

		return nil
	})

	errCh := make(chan error, 1)

	go func() {
		serr := srv.ListenAndServe()
		// http.ErrServerClosed is the normal path during Shutdown
		if serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			errCh <- serr
			return
		}

		errCh <- nil
	}()

	logger.Info("API started", zap.Uint16("port", cfg.Port))

	select {
	case <-ctx.Done():
		// graceful path; deferred shutdownqueue.Shutdown will run
		return nil
	case serr := <-errCh:
		if serr != nil {
			return fmt.Errorf("server error: %w", serr)
		}

		return nil
	}
}
