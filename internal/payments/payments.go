package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/repository"
)

var (
	ErrNoPaymentRef = errors.New("payment reference required")
	// ErrNotCaptured means the provider holds no settled payment for the
	// reference.
	ErrNotCaptured = errors.New("payment not captured")
	ErrUnderpaid   = errors.New("captured amount is below the amount due")
)

// Deposit is the payment a buyer claims to have made for a purchase.
type Deposit struct {
	Ref string
	// Claimed is the amount the buyer says was paid, in minor units.
	Claimed int64
	// Due is the unit price the payment has to cover.
	Due int64
}

// Transfer moves escrowed funds back to an identity.
type Transfer struct {
	TicketID string
	To       string
	Amount   int64
	// Ref identifies the original payment at the provider, if any.
	Ref string
}

// Channel is the payment side of the platform.
type Channel interface {
	// Collect checks that the deposit was captured and covers Due. It
	// returns the amount actually held, which is what a refund returns.
	Collect(ctx context.Context, d Deposit) (int64, error)
	Transfer(ctx context.Context, t Transfer) error
}

// LedgerChannel records every transfer in the refunds table, once per
// ticket, after forwarding it to an optional upstream provider.
type LedgerChannel struct {
	refunds  repository.Refunds
	upstream Channel
	logger   *slog.Logger
	now      func() time.Time
}

var _ Channel = (*LedgerChannel)(nil)

func NewLedgerChannel(refunds repository.Refunds, upstream Channel, logger *slog.Logger) *LedgerChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerChannel{
		refunds:  refunds,
		upstream: upstream,
		logger:   logger,
		now:      time.Now,
	}
}

// Collect defers to the upstream provider when one is configured, and then
// a payment reference is mandatory. Without a provider the claimed amount
// is the escrow.
func (c *LedgerChannel) Collect(ctx context.Context, d Deposit) (int64, error) {
	const op = "payments.LedgerChannel.Collect"

	if c.upstream != nil {
		if d.Ref == "" {
			return 0, fmt.Errorf("%s:%w", op, ErrNoPaymentRef)
		}

		amount, err := c.upstream.Collect(ctx, d)
		if err != nil {
			return 0, fmt.Errorf("%s:%w", op, err)
		}

		return amount, nil
	}

	if d.Claimed < d.Due {
		return 0, fmt.Errorf("%s:%w", op, ErrUnderpaid)
	}

	return d.Claimed, nil
}

// Transfer is idempotent per ticket: a ticket already refunded is skipped.
func (c *LedgerChannel) Transfer(ctx context.Context, t Transfer) error {
	const op = "payments.LedgerChannel.Transfer"

	if _, err := c.refunds.Get(ctx, t.TicketID); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%s:%w", op, err)
	}

	if c.upstream != nil {
		if err := c.upstream.Transfer(ctx, t); err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}
	}

	err := c.refunds.Insert(ctx, domain.Refund{
		TicketID:  t.TicketID,
		To:        t.To,
		Amount:    t.Amount,
		Ref:       t.Ref,
		CreatedAt: c.now().UTC(),
	})
	if err != nil && !errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("%s:%w", op, err)
	}

	c.logger.Info("refund transferred",
		slog.String("ticket_id", t.TicketID),
		slog.String("to", t.To),
		slog.Int64("amount", t.Amount),
	)

	return nil
}
