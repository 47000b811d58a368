// Package backend opens the ledger store selected by configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fastprodman/pointsledger/internal/config"
	"github.com/fastprodman/pointsledger/internal/infra/pgutils"
	"github.com/fastprodman/pointsledger/internal/repos/entries"
	"github.com/fastprodman/pointsledger/internal/repos/entries/memory"
	pgentries "github.com/fastprodman/pointsledger/internal/repos/entries/postgres"
	"github.com/fastprodman/pointsledger/pkg/shutdownqueue"
)

// Open returns the configured store. Resources it opens are registered on q.
func Open(ctx context.Context, ledger config.LedgerConfig, pg config.PostgresConfig, q *shutdownqueue.Queue) (entries.Store, error) {
	switch ledger.Store {
	case config.StoreMemory:
		slog.Warn("using in-memory ledger store; data is lost on exit")

		return memory.New(), nil

	case config.StorePostgres, "":
		db, err := pgutils.OpenDB(ctx, pg)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}

		q.Add("postgres", func(context.Context) error {
			return db.Close()
		})

		return pgentries.New(db), nil

	default:
		return nil, fmt.Errorf("unknown ledger store %q", ledger.Store)
	}
}
