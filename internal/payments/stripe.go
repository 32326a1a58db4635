package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
)

// StripeChannel checks and refunds the PaymentIntent the buyer paid with.
type StripeChannel struct {
	sc *stripe.Client
}

var _ Channel = (*StripeChannel)(nil)

func NewStripeChannel(sc *stripe.Client) *StripeChannel {
	return &StripeChannel{sc: sc}
}

// Collect accepts a PaymentIntent that has succeeded and received at least
// the amount due. The buyer's claimed amount is ignored.
func (c *StripeChannel) Collect(ctx context.Context, d Deposit) (int64, error) {
	const op = "payments.StripeChannel.Collect"

	if d.Ref == "" {
		return 0, fmt.Errorf("%s:%w", op, ErrNoPaymentRef)
	}

	pi, err := c.sc.V1PaymentIntents.Retrieve(ctx, d.Ref, &stripe.PaymentIntentRetrieveParams{})
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Code == stripe.ErrorCodeResourceMissing {
			return 0, fmt.Errorf("%s:%w", op, ErrNotCaptured)
		}
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return 0, fmt.Errorf("%s:%w: payment intent is %s", op, ErrNotCaptured, pi.Status)
	}

	if pi.AmountReceived < d.Due {
		return 0, fmt.Errorf("%s:%w", op, ErrUnderpaid)
	}

	return pi.AmountReceived, nil
}

func (c *StripeChannel) Transfer(ctx context.Context, t Transfer) error {
	const op = "payments.StripeChannel.Transfer"

	if t.Ref == "" {
		return fmt.Errorf("%s:%w", op, ErrNoPaymentRef)
	}

	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(t.Ref),
		Amount:        stripe.Int64(t.Amount),
	}
	params.SetIdempotencyKey("refund:" + t.TicketID)
	params.AddMetadata("ticket_id", t.TicketID)
	params.AddMetadata("buyer", t.To)

	if _, err := c.sc.V1Refunds.Create(ctx, params); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}
