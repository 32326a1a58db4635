package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/repository"
)

type CatalogRepo struct {
	db DB
}

// CreateGame inserts a game together with its initial ticket types.
//
// Parameters:
//   - ctx: request-scoped context for cancellation and timeouts.
//   - g: the game; g.TicketTypes may be empty.
//
// Returns:
//   - error: repository.ErrConflict if a game with the same ID exists.
func (r *CatalogRepo) CreateGame(ctx context.Context, g domain.Game) error {
	const op = "postgres.CatalogRepo.CreateGame"

	if _, err := r.db.Exec(ctx,
		`INSERT INTO games(id, title, description, banner, sale_start, created_at)
       	 VALUES ($1, $2, $3, $4, $5, $6)`,
		g.ID, g.Title, g.Description, g.Banner, g.SaleStart, g.CreatedAt,
	); err != nil {
		return wrapDBErr(op, err)
	}

	if len(g.TicketTypes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, t := range g.TicketTypes {
		batch.Queue(
			`INSERT INTO ticket_types(game_id, type_name, unit_price, supply, sale_start)
         	 VALUES ($1, $2, $3, $4, $5)`,
			g.ID, t.Name, t.UnitPrice, t.Supply, t.SaleStart,
		)
	}
	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

// GetGame retrieves a game with all of its ticket types.
//
// Returns:
//   - error: repository.ErrNotFound if the game does not exist.
func (r *CatalogRepo) GetGame(ctx context.Context, id string) (*domain.Game, error) {
	const op = "postgres.CatalogRepo.GetGame"

	var g domain.Game
	err := r.db.QueryRow(ctx,
		`SELECT id, title, description, banner, sale_start, created_at
       	 FROM games WHERE id = $1`,
		id,
	).Scan(&g.ID, &g.Title, &g.Description, &g.Banner, &g.SaleStart, &g.CreatedAt)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	types, err := r.listTicketTypes(ctx, &id)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	g.TicketTypes = types[id]
	if g.TicketTypes == nil {
		g.TicketTypes = map[string]domain.TicketType{}
	}

	return &g, nil
}

// ListGames lists every game ordered by sale start.
func (r *CatalogRepo) ListGames(ctx context.Context) ([]domain.Game, error) {
	const op = "postgres.CatalogRepo.ListGames"

	rows, err := r.db.Query(ctx,
		`SELECT id, title, description, banner, sale_start, created_at
		 FROM games
		 ORDER BY sale_start, id`,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var out []domain.Game
	for rows.Next() {
		var g domain.Game
		if err := rows.Scan(&g.ID, &g.Title, &g.Description, &g.Banner, &g.SaleStart, &g.CreatedAt); err != nil {
			return nil, wrapDBErr(op, err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	types, err := r.listTicketTypes(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	for i := range out {
		out[i].TicketTypes = types[out[i].ID]
		if out[i].TicketTypes == nil {
			out[i].TicketTypes = map[string]domain.TicketType{}
		}
	}

	return out, nil
}

// AddTicketType adds a new ticket type to an existing game.
//
// Returns:
//   - error: repository.ErrNotFound if the game does not exist.
//   - error: repository.ErrConflict if the type already exists.
func (r *CatalogRepo) AddTicketType(ctx context.Context, t domain.TicketType) error {
	const op = "postgres.CatalogRepo.AddTicketType"

	if _, err := r.db.Exec(ctx,
		`INSERT INTO ticket_types(game_id, type_name, unit_price, supply, sale_start)
       	 VALUES ($1, $2, $3, $4, $5)`,
		t.GameID, t.Name, t.UnitPrice, t.Supply, t.SaleStart,
	); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

// UpdateTicketType edits price, supply and sale start of a ticket type.
//
// Returns:
//   - error: repository.ErrNotFound if the ticket type does not exist.
//   - error: repository.ErrSupplyBelowSold if supply would drop below sold.
func (r *CatalogRepo) UpdateTicketType(ctx context.Context, t domain.TicketType) error {
	const op = "postgres.CatalogRepo.UpdateTicketType"

	tag, err := r.db.Exec(ctx,
		`UPDATE ticket_types
		 SET unit_price = $3, supply = $4, sale_start = $5
		 WHERE game_id = $1 AND type_name = $2 AND sold <= $4`,
		t.GameID, t.Name, t.UnitPrice, t.Supply, t.SaleStart,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM ticket_types WHERE game_id = $1 AND type_name = $2)`,
		t.GameID, t.Name,
	).Scan(&exists); err != nil {
		return wrapDBErr(op, err)
	}

	if !exists {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return fmt.Errorf("%s:%w", op, repository.ErrSupplyBelowSold)
}

// listTicketTypes loads ticket types grouped by game. A nil gameID loads all.
func (r *CatalogRepo) listTicketTypes(
	ctx context.Context,
	gameID *string,
) (map[string]map[string]domain.TicketType, error) {
	const op = "postgres.CatalogRepo.listTicketTypes"

	rows, err := r.db.Query(ctx,
		`SELECT game_id, type_name, unit_price, supply, sold, next_index, sale_start
		 FROM ticket_types
		 WHERE $1::text IS NULL OR game_id = $1
		 ORDER BY game_id, type_name`,
		gameID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	out := make(map[string]map[string]domain.TicketType)
	for rows.Next() {
		var t domain.TicketType
		if err := rows.Scan(
			&t.GameID, &t.Name, &t.UnitPrice, &t.Supply, &t.Sold, &t.NextIndex, &t.SaleStart,
		); err != nil {
			return nil, wrapDBErr(op, err)
		}
		if out[t.GameID] == nil {
			out[t.GameID] = make(map[string]domain.TicketType)
		}
		out[t.GameID][t.Name] = t
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}
