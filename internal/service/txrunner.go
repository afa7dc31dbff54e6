package service

import (
	"context"

	"github.com/jackc/pgx/v5"

	"jobpilot.app/courier/core/db"
	"jobpilot.app/courier/internal/store"
)

// StoreProvider exposes only the stores needed by a transactional operation.
type StoreProvider interface {
	WorkItems() store.WorkItemStore
	Workflows() store.WorkflowStore
}

// TxRunner runs functions within a transaction and provides stores bound to that transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(stores StoreProvider) error) error
}

type dbTxRunner struct {
	db *db.DB
}

// NewTxRunner builds a TxRunner backed by the core DB.
func NewTxRunner(db *db.DB) TxRunner {
	return &dbTxRunner{db: db}
}

func (r *dbTxRunner) WithTx(ctx context.Context, fn func(stores StoreProvider) error) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		stores := store.NewStores(tx)
		return fn(stores)
	})
}
