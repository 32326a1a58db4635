package issuance

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/components/cqrs"
	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/registry"
	"github.com/kirinyoku/tixmint/internal/repository"
)

// Resolver receives the outcome of an issuance.
type Resolver interface {
	Resolve(ctx context.Context, ticketID string, ok bool, reason string) error
}

type GameReader interface {
	GetGame(ctx context.Context, id string) (*domain.Game, error)
}

// NewMinterHandler mints the requested ticket and reports the outcome.
// Permanent failures are reported to the saga; transient errors are
// returned so the router retries the message.
func NewMinterHandler(
	reg registry.Registry,
	games GameReader,
	bus *Bus,
	logger *slog.Logger,
) cqrs.EventHandler {
	return cqrs.NewEventHandler("mint-ticket", func(ctx context.Context, ev *IssuanceRequested) error {
		game, err := games.GetGame(ctx, ev.GameID)
		if errors.Is(err, repository.ErrNotFound) {
			return bus.PublishResolved(ctx, ev.TicketID, false, "game not found")
		}
		if err != nil {
			return err
		}

		_, err = reg.Mint(ctx, ev.TicketID, ev.Owner, registry.Metadata{
			Title:       game.Title,
			Description: game.Description,
		})
		if errors.Is(err, registry.ErrTokenExists) {
			logger.Warn("mint rejected",
				slog.String("ticket_id", ev.TicketID),
				slog.String("err", err.Error()),
			)
			return bus.PublishResolved(ctx, ev.TicketID, false, "token already exists")
		}
		if err != nil {
			return err
		}

		return bus.PublishResolved(ctx, ev.TicketID, true, "")
	})
}

// NewCallbackHandler feeds mint outcomes back into the sale saga.
func NewCallbackHandler(res Resolver) cqrs.EventHandler {
	return cqrs.NewEventHandler("resolve-issuance", func(ctx context.Context, ev *IssuanceResolved) error {
		return res.Resolve(ctx, ev.TicketID, ev.Success, ev.Reason)
	})
}
