package issuance

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/cqrs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/kirinyoku/tixmint/internal/domain"
)

var marshaler = cqrs.JSONMarshaler{GenerateName: cqrs.StructName}

// Bus publishes issuance events.
type Bus struct {
	eb *cqrs.EventBus
}

func NewBus(pub message.Publisher, topicPrefix string, logger watermill.LoggerAdapter) (*Bus, error) {
	const op = "issuance.NewBus"

	eb, err := cqrs.NewEventBusWithConfig(pub, cqrs.EventBusConfig{
		GeneratePublishTopic: func(params cqrs.GenerateEventPublishTopicParams) (string, error) {
			return topicPrefix + params.EventName, nil
		},
		OnPublish: func(params cqrs.OnEventSendParams) error {
			id := CorrelationIDFromContext(params.Message.Context())
			if id == "" {
				id = watermill.NewUUID()
			}
			middleware.SetCorrelationID(id, params.Message)
			return nil
		},
		Marshaler: marshaler,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &Bus{eb: eb}, nil
}

// RequestIssuance emits the mint request for a freshly reserved ticket.
func (b *Bus) RequestIssuance(ctx context.Context, is domain.Issuance) error {
	return b.eb.Publish(ctx, IssuanceRequested{
		Header:   NewEventHeader(),
		TicketID: is.TicketID,
		Owner:    is.Buyer,
		GameID:   is.GameID,
		TypeName: is.TypeName,
	})
}

func (b *Bus) PublishResolved(ctx context.Context, ticketID string, success bool, reason string) error {
	return b.eb.Publish(ctx, IssuanceResolved{
		Header:   NewEventHeader(),
		TicketID: ticketID,
		Success:  success,
		Reason:   reason,
	})
}

type correlationKey struct{}

func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
