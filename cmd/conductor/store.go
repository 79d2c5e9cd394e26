package main

import (
	"fmt"

	"github.com/cmoretti/conductor/internal/config"
	"github.com/cmoretti/conductor/internal/store"
)

// openStore opens and migrates the entity store named by the config.
func openStore(cfg *config.Config) (*store.DB, error) {
	path := cfg.Store.Path
	if path == "" {
		path = store.DefaultDBPath()
	}

	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return db, nil
}
