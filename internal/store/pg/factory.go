package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/tiller/internal/store"
)

// NewPGStores creates all stores backed by Postgres (managed mode).
func NewPGStores(dsn string) (*store.Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return &store.Stores{
		Turns: NewJournal(db),
	}, nil
}
