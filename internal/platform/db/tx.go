package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// RunnerConfig bounds lock waits and transient retries.
type RunnerConfig struct {
	LockTimeout time.Duration
	MaxRetries  uint64
	RetryBase   time.Duration
}

// Runner executes slot-mutating transactions. Lock waits are capped by
// lock_timeout and transient failures rerun the whole callback.
type Runner struct {
	pool *pgxpool.Pool
	cfg  RunnerConfig
}

// NewRunner constructs a Runner.
func NewRunner(pool *pgxpool.Pool, cfg RunnerConfig) *Runner {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 25 * time.Millisecond
	}
	return &Runner{pool: pool, cfg: cfg}
}

// Pool exposes the underlying pool for non-transactional reads.
func (r *Runner) Pool() *pgxpool.Pool {
	return r.pool
}

// InTx runs fn in a read-committed transaction. Row locks taken with
// SELECT ... FOR UPDATE always observe the latest committed row version.
func (r *Runner) InTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return r.run(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, fn)
}

// InSnapshot runs fn in a read-only repeatable-read transaction so that every
// statement sees the same snapshot.
func (r *Runner) InSnapshot(ctx context.Context, fn func(pgx.Tx) error) error {
	return r.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func (r *Runner) run(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("platform/db: runner not initialised")
	}
	backoff := retry.WithMaxRetries(r.cfg.MaxRetries, retry.WithJitterPercent(20, retry.NewExponential(r.cfg.RetryBase)))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := runTx(ctx, r.pool, opts, r.cfg.LockTimeout, fn)
		if err != nil && IsTransient(err) {
			return retry.RetryableError(fmt.Errorf("%w: %w", shared.ErrConcurrentModification, err))
		}
		return err
	})
}

func runTx(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, lockTimeout time.Duration, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if lockTimeout > 0 {
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("platform/db: set lock_timeout: %w", err)
		}
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}
