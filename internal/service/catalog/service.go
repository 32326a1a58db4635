// Package catalog manages games and their ticket types. Mutations are
// restricted to the operator identity; reads go through the Redis cache.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gosimple/slug"
	"github.com/kirinyoku/tixmint/internal/domain"
	redisx "github.com/kirinyoku/tixmint/internal/redis"
	"github.com/kirinyoku/tixmint/internal/repository"
	redisrepo "github.com/kirinyoku/tixmint/internal/repository/redis"
	"github.com/kirinyoku/tixmint/internal/uow"
	"github.com/shopspring/decimal"
)

type Config struct {
	OperatorID string
	// IssuanceFee is added, in minor units, to every ticket price.
	IssuanceFee int64
	// PriceDecimals is the number of minor units digits in a major unit.
	PriceDecimals int32
	GameTTL       time.Duration
	ListTTL       time.Duration
	Now           func() time.Time
}

type Service struct {
	store  repository.Store
	cache  *redisrepo.Cache
	pubsub *redisrepo.GamesPubSub
	uow    *uow.UoW
	cfg    Config
}

func New(
	store repository.Store,
	cache *redisrepo.Cache,
	pubsub *redisrepo.GamesPubSub,
	cfg Config,
) *Service {
	if cfg.PriceDecimals <= 0 {
		cfg.PriceDecimals = 2
	}

	if cfg.GameTTL <= 0 {
		cfg.GameTTL = 60 * time.Second
	}

	if cfg.ListTTL <= 0 {
		cfg.ListTTL = 15 * time.Second
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Service{
		store:  store,
		cache:  cache,
		pubsub: pubsub,
		uow:    uow.NewUoW(store),
		cfg:    cfg,
	}
}

type TicketTypeInput struct {
	Name string
	// Price is in major units, before the issuance fee.
	Price     decimal.Decimal
	Supply    int64
	SaleStart time.Time
}

type CreateGameInput struct {
	// ID is derived from Title when empty.
	ID          string
	Title       string
	Description string
	Banner      string
	SaleStart   time.Time
	TicketTypes []TicketTypeInput
}

// CreateGame registers a game together with its initial ticket types.
//
// Parameters:
//   - ctx: request-scoped context.
//   - caller: identity of the requester, must be the operator.
//   - in: game metadata and ticket types.
//
// Returns:
//   - *domain.Game: the stored game.
//   - error: catalog.ErrUnauthorized, catalog.ErrInvalidInput or
//     catalog.ErrGameConflict.
func (s *Service) CreateGame(ctx context.Context, caller string, in CreateGameInput) (*domain.Game, error) {
	const op = "service.catalog.CreateGame"

	if err := s.authorize(caller); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	id := in.ID
	if id == "" {
		id = slug.Make(in.Title)
	}

	if !domain.ValidKey(id) {
		return nil, fmt.Errorf("%s:%w: game id %q", op, ErrInvalidInput, id)
	}

	game := domain.Game{
		ID:          id,
		Title:       in.Title,
		Description: in.Description,
		Banner:      in.Banner,
		SaleStart:   in.SaleStart.UTC(),
		TicketTypes: make(map[string]domain.TicketType, len(in.TicketTypes)),
		CreatedAt:   s.cfg.Now().UTC(),
	}

	for _, ti := range in.TicketTypes {
		tt, err := s.ticketType(id, ti)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}
		if _, dup := game.TicketTypes[tt.Name]; dup {
			return nil, fmt.Errorf("%s:%w: duplicate ticket type %q", op, ErrInvalidInput, tt.Name)
		}
		game.TicketTypes[tt.Name] = tt
	}

	err := s.uow.Do(ctx, func(ctx context.Context, tx repository.Repos, after func(uow.AfterCommit)) error {
		if err := tx.Catalog().CreateGame(ctx, game); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrGameConflict
			}
			return err
		}

		after(func(ctx context.Context) {
			s.changed(ctx, id)
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &game, nil
}

// AddTicketType adds a new ticket type to an existing game.
func (s *Service) AddTicketType(ctx context.Context, caller, gameID string, in TicketTypeInput) (*domain.TicketType, error) {
	const op = "service.catalog.AddTicketType"

	if err := s.authorize(caller); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	tt, err := s.ticketType(gameID, in)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	err = s.uow.Do(ctx, func(ctx context.Context, tx repository.Repos, after func(uow.AfterCommit)) error {
		if err := tx.Catalog().AddTicketType(ctx, tt); err != nil {
			switch {
			case errors.Is(err, repository.ErrNotFound):
				return ErrGameNotFound
			case errors.Is(err, repository.ErrConflict):
				return ErrTicketTypeConflict
			default:
				return err
			}
		}

		after(func(ctx context.Context) {
			s.changed(ctx, gameID)
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &tt, nil
}

// EditTicketTypeInput carries the fields to change; nil fields are kept.
type EditTicketTypeInput struct {
	Price     *decimal.Decimal
	Supply    *int64
	SaleStart *time.Time
}

// EditTicketType changes price, supply or sale start of a ticket type.
// Units already sold are kept and supply may not drop below them.
//
// Returns:
//   - *domain.TicketType: the ticket type after the change.
//   - error: catalog.ErrTicketTypeNotFound, catalog.ErrSupplyBelowSold.
func (s *Service) EditTicketType(
	ctx context.Context,
	caller, gameID, typeName string,
	in EditTicketTypeInput,
) (*domain.TicketType, error) {
	const op = "service.catalog.EditTicketType"

	if err := s.authorize(caller); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	var out domain.TicketType

	err := s.uow.Do(ctx, func(ctx context.Context, tx repository.Repos, after func(uow.AfterCommit)) error {
		cur, err := tx.Inventory().TicketType(ctx, gameID, typeName)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrTicketTypeNotFound
			}
			return err
		}

		next := *cur
		if in.Price != nil {
			unit, err := s.unitPrice(*in.Price)
			if err != nil {
				return err
			}
			next.UnitPrice = unit
		}
		if in.Supply != nil {
			if *in.Supply < 0 {
				return fmt.Errorf("%w: negative supply", ErrInvalidInput)
			}
			next.Supply = *in.Supply
		}
		if in.SaleStart != nil {
			next.SaleStart = in.SaleStart.UTC()
		}

		if err := tx.Catalog().UpdateTicketType(ctx, next); err != nil {
			switch {
			case errors.Is(err, repository.ErrSupplyBelowSold):
				return ErrSupplyBelowSold
			case errors.Is(err, repository.ErrNotFound):
				return ErrTicketTypeNotFound
			default:
				return err
			}
		}

		out = next

		after(func(ctx context.Context) {
			s.changed(ctx, gameID)
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &out, nil
}

// GetGame returns a game with its ticket types.
//
// Returns:
//   - error: catalog.ErrGameNotFound if the game does not exist.
func (s *Service) GetGame(ctx context.Context, id string) (*domain.Game, error) {
	const op = "service.catalog.GetGame"

	game, err := redisrepo.GetOrSetJSON(
		ctx,
		s.cache,
		redisx.KeyGame(id),
		s.cfg.GameTTL,
		func(ctx context.Context) (domain.Game, error) {
			g, err := s.store.Catalog().GetGame(ctx, id)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return domain.Game{}, ErrGameNotFound
				}
				return domain.Game{}, err
			}
			return *g, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &game, nil
}

func (s *Service) ListGames(ctx context.Context) ([]domain.Game, error) {
	const op = "service.catalog.ListGames"

	games, err := redisrepo.GetOrSetJSON(
		ctx,
		s.cache,
		redisx.KeyGameList(),
		s.cfg.ListTTL,
		func(ctx context.Context) ([]domain.Game, error) {
			return s.store.Catalog().ListGames(ctx)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return games, nil
}

// ListActiveGames returns the games whose sale has opened.
func (s *Service) ListActiveGames(ctx context.Context) ([]domain.Game, error) {
	const op = "service.catalog.ListActiveGames"

	games, err := s.ListGames(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	now := s.cfg.Now()
	active := make([]domain.Game, 0, len(games))
	for _, g := range games {
		if !now.Before(g.SaleStart) {
			active = append(active, g)
		}
	}

	return active, nil
}

// Invalidate drops cached copies of a game, for changes announced by other
// instances.
func (s *Service) Invalidate(ctx context.Context, gameID string) error {
	return s.cache.InvalidateGame(ctx, gameID)
}

func (s *Service) authorize(caller string) error {
	if s.cfg.OperatorID == "" || caller != s.cfg.OperatorID {
		return ErrUnauthorized
	}
	return nil
}

func (s *Service) ticketType(gameID string, in TicketTypeInput) (domain.TicketType, error) {
	if !domain.ValidKey(in.Name) {
		return domain.TicketType{}, fmt.Errorf("%w: ticket type %q", ErrInvalidInput, in.Name)
	}

	if in.Supply < 0 {
		return domain.TicketType{}, fmt.Errorf("%w: negative supply", ErrInvalidInput)
	}

	unit, err := s.unitPrice(in.Price)
	if err != nil {
		return domain.TicketType{}, err
	}

	return domain.TicketType{
		GameID:    gameID,
		Name:      in.Name,
		UnitPrice: unit,
		Supply:    in.Supply,
		SaleStart: in.SaleStart.UTC(),
	}, nil
}

// unitPrice converts a major unit price to minor units and adds the
// issuance fee.
func (s *Service) unitPrice(price decimal.Decimal) (int64, error) {
	if price.IsNegative() {
		return 0, fmt.Errorf("%w: negative price", ErrInvalidInput)
	}

	minor := price.Shift(s.cfg.PriceDecimals)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: price %s has more than %d decimals", ErrInvalidInput, price, s.cfg.PriceDecimals)
	}

	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64 - s.cfg.IssuanceFee)) {
		return 0, fmt.Errorf("%w: price %s is too large", ErrInvalidInput, price)
	}

	return minor.IntPart() + s.cfg.IssuanceFee, nil
}

func (s *Service) changed(ctx context.Context, gameID string) {
	_ = s.cache.InvalidateGame(ctx, gameID)
	_ = s.pubsub.PublishGameChanged(ctx, gameID)
}
