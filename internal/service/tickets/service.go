package tickets

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/registry"
	"github.com/kirinyoku/tixmint/internal/repository"
)

var (
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrNotAuthorized   = errors.New("caller may not move this ticket")
	ErrNotTransferable = errors.New("only confirmed tickets can change hands")
)

type GameReader interface {
	GetGame(ctx context.Context, id string) (*domain.Game, error)
}

type Service struct {
	tickets  repository.Tickets
	games    GameReader
	registry registry.Registry
}

func New(tickets repository.Tickets, games GameReader, reg registry.Registry) *Service {
	return &Service{tickets: tickets, games: games, registry: reg}
}

// Contract returns the metadata of the ticket token collection.
func (s *Service) Contract() registry.ContractMetadata {
	return s.registry.Contract()
}

// GetTicket returns a ticket resolved against its game and its current
// owner. Game and owner are looked up on every read.
//
// Parameters:
//   - ctx: request-scoped context.
//   - id: ticket id.
//
// Returns:
//   - *domain.TicketView: the ticket with game and owner, owner empty if
//     no identity has been minted for it.
//   - error: tickets.ErrTicketNotFound if the ticket does not exist.
func (s *Service) GetTicket(ctx context.Context, id string) (*domain.TicketView, error) {
	const op = "service.tickets.GetTicket"

	t, err := s.tickets.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, ErrTicketNotFound)
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	view := &domain.TicketView{Ticket: *t}

	if g, err := s.games.GetGame(ctx, t.GameID); err == nil {
		view.Game = g
	}

	owner, ok, err := s.registry.OwnerOf(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if ok && t.Status == domain.TicketConfirmed {
		view.Owner = owner
	}

	return view, nil
}

// ListOwned enumerates the confirmed tickets owned by owner.
func (s *Service) ListOwned(ctx context.Context, owner string) ([]domain.TicketView, error) {
	const op = "service.tickets.ListOwned"

	toks, err := s.registry.TokensOf(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	out := make([]domain.TicketView, 0, len(toks))
	for _, tok := range toks {
		t, err := s.tickets.Get(ctx, tok.ID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("%s:%w", op, err)
		}
		if t.Status != domain.TicketConfirmed {
			continue
		}
		out = append(out, domain.TicketView{Ticket: *t, Owner: tok.Owner})
	}

	return out, nil
}

// Transfer hands a confirmed ticket to another identity.
func (s *Service) Transfer(ctx context.Context, caller, to, id string) error {
	const op = "service.tickets.Transfer"

	if err := s.confirmed(ctx, id); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if err := s.registry.Transfer(ctx, caller, to, id); err != nil {
		return fmt.Errorf("%s:%w", op, mapRegistryErr(err))
	}

	return nil
}

// Approve lets account transfer the caller's ticket.
func (s *Service) Approve(ctx context.Context, caller, id, account string) error {
	const op = "service.tickets.Approve"

	if err := s.confirmed(ctx, id); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if err := s.registry.Approve(ctx, caller, id, account); err != nil {
		return fmt.Errorf("%s:%w", op, mapRegistryErr(err))
	}

	return nil
}

func (s *Service) confirmed(ctx context.Context, id string) error {
	t, err := s.tickets.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrTicketNotFound
		}
		return err
	}

	if t.Status != domain.TicketConfirmed {
		return ErrNotTransferable
	}

	return nil
}

func mapRegistryErr(err error) error {
	switch {
	case errors.Is(err, registry.ErrTokenNotFound):
		return ErrTicketNotFound
	case errors.Is(err, registry.ErrNotAuthorized):
		return ErrNotAuthorized
	default:
		return err
	}
}
