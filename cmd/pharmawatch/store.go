package main

import (
	"context"
	"fmt"

	"github.com/jonathan/pharma-watch/internal/db"
)

// openStore connects to the configured backend and ensures the schema exists.
func openStore(ctx context.Context) (db.Store, error) {
	store, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Database.Driver, err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate %s store: %w", cfg.Database.Driver, err)
	}
	return store, nil
}
