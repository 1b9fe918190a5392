package allocation

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// TxRepository is the ledger transaction; reservation totals come with it.
type TxRepository = ledger.TxRepository

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Repository runs allocation transactions in PostgreSQL.
type Repository struct {
	runner *db.Runner
}

// NewRepository constructs Repository.
func NewRepository(runner *db.Runner) *Repository {
	return &Repository{runner: runner}
}

// WithTx executes the callback inside a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("allocation repository not initialised")
	}
	return r.runner.InTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, ledger.NewTxRepository(tx))
	})
}
