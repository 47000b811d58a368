package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fastprodman/pointsledger/internal/api"
	"github.com/fastprodman/pointsledger/internal/infra/logging"
	"github.com/fastprodman/pointsledger/internal/repos/entries/backend"
	"github.com/fastprodman/pointsledger/internal/services/points"
	"github.com/fastprodman/pointsledger/pkg/envconf"
	"github.com/fastprodman/pointsledger/pkg/shutdownqueue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error running api: %v\n", err)
		//nolint:gocritic
		os.Exit(1)
	}
}

func run(ctx context.Context) (retErr error) {
	cfg := new(apiConfig)

	err := envconf.Load(cfg)
	if err != nil {
		return fmt.Errorf("init config: %w", err)
	}

	logging.SetupJSON(cfg.App.LogLevel)

	queue := shutdownqueue.New()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()

		serr := queue.Shutdown(shutdownCtx)
		if serr != nil {
			retErr = errors.Join(retErr, serr)
		}
	}()

	// --- Infra ---
	store, err := backend.Open(ctx, cfg.Ledger, cfg.Postgres, queue)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}

	ledgerSrv := points.New(store,
		points.WithLogger(slog.Default().With("component", "points")),
		points.WithWriteTimeout(cfg.Ledger.WriteTimeout),
	)

	// --- HTTP server ---
	srv := api.NewServer(cfg.HTTP, ledgerSrv)

	queue.Add("http", srv.Shutdown)

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

	slog.Info("API started", "port", cfg.HTTP.Port, "store", cfg.Ledger.Store, "env", cfg.App.Env)

	select {
	case <-ctx.Done():
		return nil
	case serr := <-errCh:
		if serr != nil {
			return fmt.Errorf("server error: %w", serr)
		}

		return nil
	}
}
