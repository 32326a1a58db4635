package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/repository"
)

type inventoryRepo struct{ repos }

func (r inventoryRepo) Reserve(ctx context.Context, gameID, typeName string, now time.Time) (int64, error) {
	const op = "memory.InventoryRepo.Reserve"

	st, release := r.acquire()
	defer release()

	g, ok := st.games[gameID]
	if !ok {
		return 0, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	key := typeKey{gameID, typeName}
	t, ok := st.types[key]
	if !ok {
		return 0, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	if now.Before(domain.EffectiveSaleStart(g.SaleStart, t.SaleStart)) {
		return 0, fmt.Errorf("%s:%w", op, repository.ErrSaleNotStarted)
	}

	if t.Sold >= t.Supply {
		return 0, fmt.Errorf("%s:%w", op, repository.ErrSoldOut)
	}

	index := t.NextIndex
	t.Sold++
	t.NextIndex++
	st.types[key] = t

	return index, nil
}

func (r inventoryRepo) Release(ctx context.Context, gameID, typeName string) error {
	const op = "memory.InventoryRepo.Release"

	st, release := r.acquire()
	defer release()

	key := typeKey{gameID, typeName}
	t, ok := st.types[key]
	if !ok {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	if t.Sold == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrStaleState)
	}

	t.Sold--
	st.types[key] = t

	return nil
}

func (r inventoryRepo) PriceOf(ctx context.Context, gameID, typeName string) (int64, error) {
	t, err := r.TicketType(ctx, gameID, typeName)
	if err != nil {
		return 0, err
	}
	return t.UnitPrice, nil
}

func (r inventoryRepo) TicketType(ctx context.Context, gameID, typeName string) (*domain.TicketType, error) {
	const op = "memory.InventoryRepo.TicketType"

	st, release := r.acquire()
	defer release()

	t, ok := st.types[typeKey{gameID, typeName}]
	if !ok {
		return nil, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return &t, nil
}
