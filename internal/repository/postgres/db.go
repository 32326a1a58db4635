package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kirinyoku/tixmint/internal/repository"
)

//go:embed schema.sql
var schema string

const maxTxAttempts = 3

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Pool is a DB that can open transactions. *pgxpool.Pool satisfies it.
type Pool interface {
	DB
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// repos binds every repository to the same handle.
type repos struct {
	db DB
}

func (r repos) Catalog() repository.Catalog     { return &CatalogRepo{db: r.db} }
func (r repos) Inventory() repository.Inventory { return &InventoryRepo{db: r.db} }
func (r repos) Tickets() repository.Tickets     { return &TicketRepo{db: r.db} }
func (r repos) Issuances() repository.Issuances { return &IssuanceRepo{db: r.db} }
func (r repos) Tokens() repository.Tokens       { return &TokenRepo{db: r.db} }
func (r repos) Refunds() repository.Refunds     { return &RefundRepo{db: r.db} }

type Store struct {
	repos
	pool Pool
}

var _ repository.Store = (*Store)(nil)

func NewStore(pool Pool) *Store {
	return &Store{
		repos: repos{db: pool},
		pool:  pool,
	}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	const op = "postgres.Store.Migrate"

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// RunTx runs fn in a serializable transaction, retrying on serialization
// failures and deadlocks.
func (s *Store) RunTx(
	ctx context.Context,
	fn func(ctx context.Context, tx repository.Repos) error,
) error {
	return s.RunTxWithOpts(ctx, nil, fn)
}

// RunTxAt is RunTx at the given isolation level.
func (s *Store) RunTxAt(
	ctx context.Context,
	iso repository.Isolation,
	fn func(ctx context.Context, tx repository.Repos) error,
) error {
	opts := &pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadWrite}
	if iso == repository.ReadCommitted {
		opts.IsoLevel = pgx.ReadCommitted
	}

	return s.RunTxWithOpts(ctx, opts, fn)
}

// RunTxWithOpts runs fn in a transaction with the given options, serializable
// when opts is nil. After maxTxAttempts aborted attempts the error wraps
// repository.ErrContention.
func (s *Store) RunTxWithOpts(
	ctx context.Context,
	opts *pgx.TxOptions,
	fn func(ctx context.Context, tx repository.Repos) error,
) error {
	txOpts := pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	}

	if opts != nil {
		txOpts.IsoLevel = opts.IsoLevel
		txOpts.AccessMode = opts.AccessMode
		txOpts.DeferrableMode = opts.DeferrableMode
	}

	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.runTxOnce(ctx, txOpts, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("%w: %w", repository.ErrContention, err)
}

func (s *Store) runTxOnce(
	ctx context.Context,
	txOpts pgx.TxOptions,
	fn func(ctx context.Context, tx repository.Repos) error,
) error {
	tx, err := s.pool.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	defer tx.Rollback(ctx)

	if err := fn(ctx, repos{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}
