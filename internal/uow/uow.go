package uow

import (
	"context"

	"github.com/kirinyoku/tixmint/internal/repository"
)

// AfterCommit is a function that runs after a successful transaction commit.
type AfterCommit func(ctx context.Context)

// UoW represents a unit of work.
type UoW struct {
	store repository.Store
}

func NewUoW(store repository.Store) *UoW {
	return &UoW{store: store}
}

// Do runs fn inside the transaction. After a successful commit,
// it executes all after-commit hooks.
//
// Hooks registered by an attempt that is later retried by the store are
// dropped with that attempt.
func (u *UoW) Do(
	ctx context.Context,
	fn func(ctx context.Context, tx repository.Repos, after func(AfterCommit)) error,
) error {
	return u.DoAt(ctx, repository.Serializable, fn)
}

// DoAt is Do at the given isolation level.
func (u *UoW) DoAt(
	ctx context.Context,
	iso repository.Isolation,
	fn func(ctx context.Context, tx repository.Repos, after func(AfterCommit)) error,
) error {
	var hooks []AfterCommit

	err := u.store.RunTxAt(ctx, iso, func(ctx context.Context, tx repository.Repos) error {
		hooks = hooks[:0]
		return fn(ctx, tx, func(h AfterCommit) {
			hooks = append(hooks, h)
		})
	})
	if err != nil {
		return err
	}

	for _, h := range hooks {
		h(ctx)
	}

	return nil
}
