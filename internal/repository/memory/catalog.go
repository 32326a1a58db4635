package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/repository"
)

type catalogRepo struct{ repos }

func (r catalogRepo) CreateGame(ctx context.Context, g domain.Game) error {
	const op = "memory.CatalogRepo.CreateGame"

	st, release := r.acquire()
	defer release()

	if _, ok := st.games[g.ID]; ok {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	types := g.TicketTypes
	g.TicketTypes = nil
	st.games[g.ID] = g

	for name, t := range types {
		t.GameID = g.ID
		t.Name = name
		t.Sold = 0
		t.NextIndex = 0
		st.types[typeKey{g.ID, name}] = t
	}

	return nil
}

func (r catalogRepo) GetGame(ctx context.Context, id string) (*domain.Game, error) {
	const op = "memory.CatalogRepo.GetGame"

	st, release := r.acquire()
	defer release()

	g, ok := st.games[id]
	if !ok {
		return nil, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	g.TicketTypes = st.typesOf(id)
	return &g, nil
}

func (r catalogRepo) ListGames(ctx context.Context) ([]domain.Game, error) {
	st, release := r.acquire()
	defer release()

	out := make([]domain.Game, 0, len(st.games))
	for id, g := range st.games {
		g.TicketTypes = st.typesOf(id)
		out = append(out, g)
	}

	slices.SortFunc(out, func(a, b domain.Game) int {
		if c := a.SaleStart.Compare(b.SaleStart); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	return out, nil
}

func (r catalogRepo) AddTicketType(ctx context.Context, t domain.TicketType) error {
	const op = "memory.CatalogRepo.AddTicketType"

	st, release := r.acquire()
	defer release()

	if _, ok := st.games[t.GameID]; !ok {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	key := typeKey{t.GameID, t.Name}
	if _, ok := st.types[key]; ok {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	t.Sold = 0
	t.NextIndex = 0
	st.types[key] = t

	return nil
}

func (r catalogRepo) UpdateTicketType(ctx context.Context, t domain.TicketType) error {
	const op = "memory.CatalogRepo.UpdateTicketType"

	st, release := r.acquire()
	defer release()

	key := typeKey{t.GameID, t.Name}
	cur, ok := st.types[key]
	if !ok {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	if t.Supply < cur.Sold {
		return fmt.Errorf("%s:%w", op, repository.ErrSupplyBelowSold)
	}

	cur.UnitPrice = t.UnitPrice
	cur.Supply = t.Supply
	cur.SaleStart = t.SaleStart
	st.types[key] = cur

	return nil
}

func (s *state) typesOf(gameID string) map[string]domain.TicketType {
	out := make(map[string]domain.TicketType)
	for k, t := range s.types {
		if k.game == gameID {
			out[k.name] = t
		}
	}
	return out
}
