package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(0, 0).UTC()

func seedGame(t *testing.T, s *Store, supply int64) {
	t.Helper()

	err := s.Catalog().CreateGame(context.Background(), domain.Game{
		ID:        "g1",
		Title:     "Final",
		SaleStart: epoch,
		TicketTypes: map[string]domain.TicketType{
			"vip": {UnitPrice: 100, Supply: supply, SaleStart: epoch},
		},
	})
	require.NoError(t, err)
}

func TestReserve_ConcurrentCallersGetDistinctIndexes(t *testing.T) {
	s := NewStore()
	seedGame(t, s, 50)

	const callers = 200
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		indexes = make(map[int64]int)
		soldOut int
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, err := s.Inventory().Reserve(context.Background(), "g1", "vip", epoch.Add(time.Hour))
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, repository.ErrSoldOut) {
				soldOut++
				return
			}
			if assert.NoError(t, err) {
				indexes[idx]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, indexes, 50)
	assert.Equal(t, callers-50, soldOut)
	for idx, n := range indexes {
		assert.Equal(t, 1, n, "index %d handed out more than once", idx)
		assert.True(t, idx >= 0 && idx < 50)
	}

	tt, err := s.Inventory().TicketType(context.Background(), "g1", "vip")
	require.NoError(t, err)
	assert.Equal(t, int64(50), tt.Sold)
}

func TestReserve_Preconditions(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	err := s.Catalog().CreateGame(ctx, domain.Game{
		ID:        "late",
		SaleStart: epoch.Add(time.Hour),
		TicketTypes: map[string]domain.TicketType{
			"std": {UnitPrice: 10, Supply: 1, SaleStart: epoch},
		},
	})
	require.NoError(t, err)

	_, err = s.Inventory().Reserve(ctx, "nope", "std", epoch)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = s.Inventory().Reserve(ctx, "late", "nope", epoch)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = s.Inventory().Reserve(ctx, "late", "std", epoch)
	assert.ErrorIs(t, err, repository.ErrSaleNotStarted)

	idx, err := s.Inventory().Reserve(ctx, "late", "std", epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), idx)

	_, err = s.Inventory().Reserve(ctx, "late", "std", epoch.Add(time.Hour))
	assert.ErrorIs(t, err, repository.ErrSoldOut)
}

func TestRelease_KeepsIndexRetired(t *testing.T) {
	s := NewStore()
	seedGame(t, s, 1)
	ctx := context.Background()

	idx, err := s.Inventory().Reserve(ctx, "g1", "vip", epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(0), idx)

	require.NoError(t, s.Inventory().Release(ctx, "g1", "vip"))
	assert.ErrorIs(t, s.Inventory().Release(ctx, "g1", "vip"), repository.ErrStaleState)

	idx, err = s.Inventory().Reserve(ctx, "g1", "vip", epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), idx)

	tt, err := s.Inventory().TicketType(ctx, "g1", "vip")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tt.Sold)
	assert.Equal(t, int64(2), tt.NextIndex)
}

func TestRunTx_RollsBackOnError(t *testing.T) {
	s := NewStore()
	seedGame(t, s, 5)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunTx(ctx, func(ctx context.Context, tx repository.Repos) error {
		if _, err := tx.Inventory().Reserve(ctx, "g1", "vip", epoch); err != nil {
			return err
		}
		if err := tx.Tickets().CreatePending(ctx, domain.Ticket{ID: "g1.vip.0", GameID: "g1", TypeName: "vip"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	tt, err := s.Inventory().TicketType(ctx, "g1", "vip")
	require.NoError(t, err)
	assert.Equal(t, int64(0), tt.Sold)
	assert.Equal(t, int64(0), tt.NextIndex)

	_, err = s.Tickets().Get(ctx, "g1.vip.0")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUpdateTicketType_RejectsSupplyBelowSold(t *testing.T) {
	s := NewStore()
	seedGame(t, s, 3)
	ctx := context.Background()

	_, err := s.Inventory().Reserve(ctx, "g1", "vip", epoch)
	require.NoError(t, err)
	_, err = s.Inventory().Reserve(ctx, "g1", "vip", epoch)
	require.NoError(t, err)

	err = s.Catalog().UpdateTicketType(ctx, domain.TicketType{GameID: "g1", Name: "vip", UnitPrice: 200, Supply: 1})
	assert.ErrorIs(t, err, repository.ErrSupplyBelowSold)

	err = s.Catalog().UpdateTicketType(ctx, domain.TicketType{GameID: "g1", Name: "vip", UnitPrice: 200, Supply: 2})
	require.NoError(t, err)

	price, err := s.Inventory().PriceOf(ctx, "g1", "vip")
	require.NoError(t, err)
	assert.Equal(t, int64(200), price)
}

func TestTickets_MarkUsedOnce(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Tickets().CreatePending(ctx, domain.Ticket{ID: "g1.vip.0", GameID: "g1", TypeName: "vip"}))

	assert.ErrorIs(t, s.Tickets().MarkUsed(ctx, "g1.vip.0", epoch), repository.ErrStaleState)

	require.NoError(t, s.Tickets().SetStatus(ctx, "g1.vip.0", domain.TicketPending, domain.TicketConfirmed))
	assert.ErrorIs(t, s.Tickets().SetStatus(ctx, "g1.vip.0", domain.TicketPending, domain.TicketCompensated), repository.ErrStaleState)

	require.NoError(t, s.Tickets().MarkUsed(ctx, "g1.vip.0", epoch))
	assert.ErrorIs(t, s.Tickets().MarkUsed(ctx, "g1.vip.0", epoch), repository.ErrAlreadyUsed)
	assert.ErrorIs(t, s.Tickets().MarkUsed(ctx, "missing", epoch), repository.ErrNotFound)
}

func TestIssuances_ClaimSucceedsOnce(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Tickets().CreatePending(ctx, domain.Ticket{ID: "g1.vip.0"}))
	require.NoError(t, s.Issuances().Create(ctx, domain.Issuance{
		TicketID:    "g1.vip.0",
		State:       domain.SagaIssueRequested,
		RequestedAt: epoch,
	}))

	is, err := s.Issuances().Claim(ctx, "g1.vip.0", domain.SagaIssueRequested, domain.SagaConfirmed, "", epoch.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.SagaConfirmed, is.State)
	require.NotNil(t, is.ResolvedAt)

	_, err = s.Issuances().Claim(ctx, "g1.vip.0", domain.SagaIssueRequested, domain.SagaCompensating, "late", epoch)
	assert.ErrorIs(t, err, repository.ErrStaleState)

	_, err = s.Issuances().Claim(ctx, "nope", domain.SagaIssueRequested, domain.SagaConfirmed, "", epoch)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
