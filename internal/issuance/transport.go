// Package issuance carries mint requests from the sale saga to the identity
// registry and the mint outcomes back, over a Watermill event bus.
package issuance

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/components/cqrs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
)

type Driver string

const (
	DriverRedis     Driver = "redis"
	DriverGoChannel Driver = "gochannel"
)

type Config struct {
	Driver Driver
	// Redis is required for DriverRedis.
	Redis redis.UniversalClient
	// TopicPrefix namespaces topics and consumer groups.
	TopicPrefix string
	MaxRetries  int
	Logger      *slog.Logger
}

// Transport bundles the publisher side and the consuming router.
type Transport struct {
	Bus       *Bus
	Router    *message.Router
	Processor *cqrs.EventProcessor

	publisher message.Publisher
}

func NewTransport(cfg Config) (*Transport, error) {
	const op = "issuance.NewTransport"

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	wlog := watermill.NewSlogLogger(cfg.Logger)

	var (
		pub    message.Publisher
		subFor func(handlerName string) (message.Subscriber, error)
	)

	switch cfg.Driver {
	case DriverRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("%s: redis client is required for driver %q", op, cfg.Driver)
		}
		p, err := redisstream.NewPublisher(redisstream.PublisherConfig{
			Client: cfg.Redis,
		}, wlog)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}
		pub = p
		subFor = func(handlerName string) (message.Subscriber, error) {
			return redisstream.NewSubscriber(redisstream.SubscriberConfig{
				Client:        cfg.Redis,
				ConsumerGroup: cfg.TopicPrefix + handlerName,
			}, wlog)
		}
	case DriverGoChannel, "":
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
			Persistent:          true,
		}, wlog)
		pub = ch
		subFor = func(string) (message.Subscriber, error) {
			return ch, nil
		}
	default:
		return nil, fmt.Errorf("%s: unknown driver %q", op, cfg.Driver)
	}

	bus, err := NewBus(pub, cfg.TopicPrefix, wlog)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: 10 * time.Second,
	}, wlog)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	router.AddMiddleware(
		middleware.Recoverer,
		correlationMiddleware(cfg.Logger),
		middleware.Retry{
			MaxRetries:      maxRetries,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			Multiplier:      2,
			Logger:          wlog,
		}.Middleware,
	)

	ep, err := cqrs.NewEventProcessorWithConfig(router, cqrs.EventProcessorConfig{
		GenerateSubscribeTopic: func(params cqrs.EventProcessorGenerateSubscribeTopicParams) (string, error) {
			return cfg.TopicPrefix + params.EventName, nil
		},
		SubscriberConstructor: func(params cqrs.EventProcessorSubscriberConstructorParams) (message.Subscriber, error) {
			return subFor(params.HandlerName)
		},
		Marshaler: marshaler,
		Logger:    wlog,
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &Transport{
		Bus:       bus,
		Router:    router,
		Processor: ep,
		publisher: pub,
	}, nil
}

// AddHandlers registers event handlers. It must be called before the
// router runs.
func (t *Transport) AddHandlers(handlers ...cqrs.EventHandler) error {
	return t.Processor.AddHandlers(handlers...)
}

func (t *Transport) Close() error {
	rErr := t.Router.Close()
	pErr := t.publisher.Close()
	if rErr != nil {
		return rErr
	}
	return pErr
}

// correlationMiddleware moves the message correlation id into the handler
// context and logs failed deliveries.
func correlationMiddleware(logger *slog.Logger) message.HandlerMiddleware {
	return func(next message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			id := middleware.MessageCorrelationID(msg)
			if id == "" {
				id = watermill.NewUUID()
			}
			msg.SetContext(ContextWithCorrelationID(msg.Context(), id))

			msgs, err := next(msg)
			if err != nil {
				logger.Error("message handling error",
					slog.String("message_uuid", msg.UUID),
					slog.String("correlation_id", id),
					slog.String("err", err.Error()),
				)
			}
			return msgs, err
		}
	}
}
