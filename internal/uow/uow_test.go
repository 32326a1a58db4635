package uow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/repository"
	"github.com/kirinyoku/tixmint/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_RunsHooksAfterCommit(t *testing.T) {
	store := memory.NewStore()
	u := NewUoW(store)

	var ran []string
	err := u.Do(context.Background(), func(ctx context.Context, tx repository.Repos, after func(AfterCommit)) error {
		after(func(ctx context.Context) { ran = append(ran, "first") })
		after(func(ctx context.Context) { ran = append(ran, "second") })
		return tx.Catalog().CreateGame(ctx, domain.Game{ID: "g1", SaleStart: time.Unix(0, 0)})
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, ran)

	_, err = store.Catalog().GetGame(context.Background(), "g1")
	assert.NoError(t, err)
}

func TestDo_SkipsHooksAndRollsBackOnError(t *testing.T) {
	store := memory.NewStore()
	u := NewUoW(store)
	boom := errors.New("boom")

	hookRan := false
	err := u.Do(context.Background(), func(ctx context.Context, tx repository.Repos, after func(AfterCommit)) error {
		after(func(ctx context.Context) { hookRan = true })
		if err := tx.Catalog().CreateGame(ctx, domain.Game{ID: "g1"}); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.False(t, hookRan)

	_, err = store.Catalog().GetGame(context.Background(), "g1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

type isolationRecorder struct {
	*memory.Store
	levels []repository.Isolation
}

func (s *isolationRecorder) RunTxAt(
	ctx context.Context,
	iso repository.Isolation,
	fn func(ctx context.Context, tx repository.Repos) error,
) error {
	s.levels = append(s.levels, iso)
	return s.Store.RunTxAt(ctx, iso, fn)
}

func TestDoAt_PassesIsolation(t *testing.T) {
	store := &isolationRecorder{Store: memory.NewStore()}
	u := NewUoW(store)
	noop := func(ctx context.Context, tx repository.Repos, after func(AfterCommit)) error { return nil }

	require.NoError(t, u.Do(context.Background(), noop))
	require.NoError(t, u.DoAt(context.Background(), repository.ReadCommitted, noop))

	assert.Equal(t, []repository.Isolation{repository.Serializable, repository.ReadCommitted}, store.levels)
}
