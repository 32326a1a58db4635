package service

import (
	"log/slog"

	"github.com/kirinyoku/tixmint/internal/payments"
	"github.com/kirinyoku/tixmint/internal/registry"
	"github.com/kirinyoku/tixmint/internal/repository"
	redis "github.com/kirinyoku/tixmint/internal/repository/redis"
	"github.com/kirinyoku/tixmint/internal/service/catalog"
	"github.com/kirinyoku/tixmint/internal/service/redemption"
	"github.com/kirinyoku/tixmint/internal/service/sale"
	"github.com/kirinyoku/tixmint/internal/service/tickets"
)

type Services struct {
	Sale       *sale.Service
	Catalog    *catalog.Service
	Redemption *redemption.Service
	Tickets    *tickets.Service
}

type Config struct {
	Sale    sale.Config
	Catalog catalog.Config
}

type Deps struct {
	Store     repository.Store
	Registry  registry.Registry
	Payments  payments.Channel
	Publisher sale.Publisher
	Cache     *redis.Cache
	PubSub    *redis.GamesPubSub
	Limiter   *redis.SlidingWindowLimiter
	Logger    *slog.Logger
}

func NewServices(deps Deps, cfg Config) *Services {
	cat := catalog.New(deps.Store, deps.Cache, deps.PubSub, cfg.Catalog)

	return &Services{
		Sale: sale.New(sale.Deps{
			Store:     deps.Store,
			Registry:  deps.Registry,
			Payments:  deps.Payments,
			Publisher: deps.Publisher,
			Cache:     deps.Cache,
			PubSub:    deps.PubSub,
			Limiter:   deps.Limiter,
			Logger:    deps.Logger,
		}, cfg.Sale),
		Catalog:    cat,
		Redemption: redemption.New(deps.Store.Tickets(), deps.Registry),
		Tickets:    tickets.New(deps.Store.Tickets(), cat, deps.Registry),
	}
}
