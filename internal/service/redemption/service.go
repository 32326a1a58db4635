// Package redemption marks issued tickets as used at the gate.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/metrics"
	"github.com/kirinyoku/tixmint/internal/registry"
	"github.com/kirinyoku/tixmint/internal/repository"
)

var (
	ErrNotFound     = errors.New("ticket not found")
	ErrNotConfirmed = errors.New("ticket issuance is not confirmed yet")
	ErrVoided       = errors.New("ticket was voided and refunded")
	ErrNotOwner     = errors.New("caller does not own the ticket")
	ErrAlreadyUsed  = errors.New("ticket already used")
)

type Service struct {
	tickets  repository.Tickets
	registry registry.Registry
	now      func() time.Time
}

func New(tickets repository.Tickets, reg registry.Registry) *Service {
	return &Service{tickets: tickets, registry: reg, now: time.Now}
}

// Redeem consumes a confirmed ticket owned by caller. It succeeds once per
// ticket; later attempts return ErrAlreadyUsed and change nothing.
//
// Returns:
//   - *domain.Ticket: the ticket after redemption.
//   - error: redemption.ErrNotFound, ErrNotConfirmed, ErrVoided, ErrNotOwner
//     or ErrAlreadyUsed.
func (s *Service) Redeem(ctx context.Context, ticketID, caller string) (*domain.Ticket, error) {
	const op = "service.redemption.Redeem"

	t, err := s.redeem(ctx, ticketID, caller)
	metrics.Redemptions.WithLabelValues(outcomeOf(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return t, nil
}

func (s *Service) redeem(ctx context.Context, ticketID, caller string) (*domain.Ticket, error) {
	t, err := s.tickets.Get(ctx, ticketID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	switch t.Status {
	case domain.TicketPending:
		return nil, ErrNotConfirmed
	case domain.TicketCompensated:
		return nil, ErrVoided
	}

	owner, ok, err := s.registry.OwnerOf(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	if !ok || owner != caller {
		return nil, ErrNotOwner
	}

	at := s.now().UTC()
	if err := s.tickets.MarkUsed(ctx, ticketID, at); err != nil {
		switch {
		case errors.Is(err, repository.ErrAlreadyUsed):
			return nil, ErrAlreadyUsed
		case errors.Is(err, repository.ErrStaleState):
			return nil, ErrNotConfirmed
		default:
			return nil, err
		}
	}

	t.IsUsed = true
	t.UsedAt = &at

	return t, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotConfirmed), errors.Is(err, ErrVoided):
		return "invalid_ticket"
	default:
		return "error"
	}
}
