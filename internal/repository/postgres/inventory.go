package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/repository"
)

type InventoryRepo struct {
	db DB
}

// Reserve takes the next reservation index of a ticket type.
//
// The index is read and both counters are incremented by one conditional
// UPDATE, so the row lock serializes concurrent callers and no two of them
// can observe the same index or push sold past supply.
//
// Parameters:
//   - ctx: request-scoped context for cancellation and timeouts.
//   - gameID, typeName: the ticket type to reserve from.
//   - now: the purchase time checked against the effective sale start.
//
// Returns:
//   - int64: the reservation index when successful.
//   - error: repository.ErrNotFound if the game or type does not exist.
//   - error: repository.ErrSaleNotStarted if now is before the sale start.
//   - error: repository.ErrSoldOut if sold has reached supply.
func (r *InventoryRepo) Reserve(
	ctx context.Context,
	gameID, typeName string,
	now time.Time,
) (int64, error) {
	const op = "postgres.InventoryRepo.Reserve"

	var index int64
	err := r.db.QueryRow(ctx,
		`UPDATE ticket_types tt
		 SET sold = tt.sold + 1, next_index = tt.next_index + 1
		 FROM games g
		 WHERE g.id = tt.game_id
		 	AND tt.game_id = $1
		 	AND tt.type_name = $2
		 	AND tt.sold < tt.supply
		 	AND g.sale_start <= $3
		 	AND tt.sale_start <= $3
		 RETURNING tt.next_index - 1`,
		gameID, typeName, now,
	).Scan(&index)
	if err == nil {
		return index, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapDBErr(op, err)
	}

	var (
		supply, sold         int64
		gameStart, typeStart time.Time
	)
	err = r.db.QueryRow(ctx,
		`SELECT tt.supply, tt.sold, g.sale_start, tt.sale_start
		 FROM ticket_types tt
		 JOIN games g ON g.id = tt.game_id
		 WHERE tt.game_id = $1 AND tt.type_name = $2`,
		gameID, typeName,
	).Scan(&supply, &sold, &gameStart, &typeStart)
	if err != nil {
		return 0, wrapDBErr(op, err)
	}

	if now.Before(domain.EffectiveSaleStart(gameStart, typeStart)) {
		return 0, fmt.Errorf("%s:%w", op, repository.ErrSaleNotStarted)
	}

	return 0, fmt.Errorf("%s:%w", op, repository.ErrSoldOut)
}

// Release returns one reserved unit of a ticket type to the pool. The
// reservation index counter is left untouched.
//
// Returns:
//   - error: repository.ErrNotFound if the ticket type does not exist.
//   - error: repository.ErrStaleState if nothing is sold.
func (r *InventoryRepo) Release(ctx context.Context, gameID, typeName string) error {
	const op = "postgres.InventoryRepo.Release"

	tag, err := r.db.Exec(ctx,
		`UPDATE ticket_types
		 SET sold = sold - 1
		 WHERE game_id = $1 AND type_name = $2 AND sold > 0`,
		gameID, typeName,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := r.TicketType(ctx, gameID, typeName); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return fmt.Errorf("%s:%w", op, repository.ErrStaleState)
}

// PriceOf returns the stored unit price of a ticket type.
func (r *InventoryRepo) PriceOf(ctx context.Context, gameID, typeName string) (int64, error) {
	const op = "postgres.InventoryRepo.PriceOf"

	var price int64
	if err := r.db.QueryRow(ctx,
		`SELECT unit_price FROM ticket_types WHERE game_id = $1 AND type_name = $2`,
		gameID, typeName,
	).Scan(&price); err != nil {
		return 0, wrapDBErr(op, err)
	}

	return price, nil
}

func (r *InventoryRepo) TicketType(
	ctx context.Context,
	gameID, typeName string,
) (*domain.TicketType, error) {
	const op = "postgres.InventoryRepo.TicketType"

	var t domain.TicketType
	if err := r.db.QueryRow(ctx,
		`SELECT game_id, type_name, unit_price, supply, sold, next_index, sale_start
		 FROM ticket_types
		 WHERE game_id = $1 AND type_name = $2`,
		gameID, typeName,
	).Scan(&t.GameID, &t.Name, &t.UnitPrice, &t.Supply, &t.Sold, &t.NextIndex, &t.SaleStart); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return &t, nil
}
