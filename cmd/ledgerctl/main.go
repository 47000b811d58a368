package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fastprodman/pointsledger/internal/cli"
	"github.com/fastprodman/pointsledger/internal/config"
	"github.com/fastprodman/pointsledger/internal/infra/logging"
	"github.com/fastprodman/pointsledger/internal/ledger"
	"github.com/fastprodman/pointsledger/internal/repos/entries/backend"
	"github.com/fastprodman/pointsledger/internal/services/points"
	"github.com/fastprodman/pointsledger/pkg/envconf"
	"github.com/fastprodman/pointsledger/pkg/shutdownqueue"
)

type ctlConfig struct {
	App      config.AppConfig
	Ledger   config.LedgerConfig
	Postgres config.PostgresConfig
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue := shutdownqueue.New()

	root := cli.NewRootCmd(func(ctx context.Context) (cli.Ledger, func(context.Context) error, error) {
		cfg := new(ctlConfig)

		err := envconf.Load(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("init config: %w", err)
		}

		// stdout carries command output.
		logging.SetupJSONTo(os.Stderr, cfg.App.LogLevel)

		store, err := backend.Open(ctx, cfg.Ledger, cfg.Postgres, queue)
		if err != nil {
			return nil, nil, err
		}

		return points.New(store, points.WithWriteTimeout(cfg.Ledger.WriteTimeout)), queue.Shutdown, nil
	})

	err := root.ExecuteContext(ctx)

	// Runs the close steps when a command failed before its post-run hook.
	_ = queue.Shutdown(context.Background())

	if err != nil {
		kind := ledger.Kind(err)
		if kind == ledger.KindInternal {
			fmt.Fprintf(os.Stderr, "ledgerctl: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "ledgerctl: %s: %v\n", kind, err)
		}
		//nolint:gocritic
		os.Exit(1)
	}
}
