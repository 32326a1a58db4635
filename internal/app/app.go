package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/kirinyoku/tixmint/internal/config"
	"github.com/kirinyoku/tixmint/internal/issuance"
	"github.com/kirinyoku/tixmint/internal/payments"
	"github.com/kirinyoku/tixmint/internal/postgres"
	redisx "github.com/kirinyoku/tixmint/internal/redis"
	"github.com/kirinyoku/tixmint/internal/registry"
	"github.com/kirinyoku/tixmint/internal/repository"
	"github.com/kirinyoku/tixmint/internal/repository/memory"
	postgresrepo "github.com/kirinyoku/tixmint/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/tixmint/internal/repository/redis"
	"github.com/kirinyoku/tixmint/internal/service"
	"github.com/kirinyoku/tixmint/internal/service/catalog"
	"github.com/kirinyoku/tixmint/internal/service/sale"
	httpgin "github.com/kirinyoku/tixmint/internal/transport/http/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v82"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// Migrate applies the embedded schema before serving.
	Migrate bool
}

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	services   *service.Services
	transport  *issuance.Transport
	scheduler  gocron.Scheduler
	pubsub     *redisrepo.GamesPubSub
	closers    []func()
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	store, err := a.initStore(ctx, opts)
	if err != nil {
		a.close()
		return nil, err
	}

	var (
		rdb     *redis.Client
		cache   *redisrepo.Cache
		limiter *redisrepo.SlidingWindowLimiter
		idem    *redisrepo.IdempotencyStore
	)

	if !cfg.Redis.Disabled {
		rdb, err = redisx.New(ctx, redisx.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })

		cache = redisrepo.New(rdb)
		a.pubsub = redisrepo.NewGamesPubSub(rdb)
		limiter = redisrepo.NewSlidingWindowLimiter(rdb, "purchase", cfg.RateLimit.PurchaseLimit, cfg.RateLimit.PurchaseWindow)
		idem = redisrepo.NewIdempotencyStore(rdb, cfg.RateLimit.IdempotencyTTL)
	}

	busCfg := issuance.Config{
		Driver:      issuance.Driver(cfg.Bus.Driver),
		TopicPrefix: redisx.StreamPrefix(),
		MaxRetries:  cfg.Bus.MaxRetries,
		Logger:      logger,
	}
	if rdb != nil {
		busCfg.Redis = rdb
	}

	a.transport, err = issuance.NewTransport(busCfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize issuance bus: %w", err)
	}

	ledger := registry.NewLedger(store.Tokens(), registry.WithContract(registry.ContractMetadata{
		Name:        cfg.Registry.Name,
		Symbol:      cfg.Registry.Symbol,
		Description: cfg.Registry.Description,
	}))

	var upstream payments.Channel
	if cfg.Stripe.SecretKey != "" {
		upstream = payments.NewStripeChannel(stripe.NewClient(cfg.Stripe.SecretKey))
	}

	a.services = service.NewServices(service.Deps{
		Store:     store,
		Registry:  ledger,
		Payments:  payments.NewLedgerChannel(store.Refunds(), upstream, logger),
		Publisher: a.transport.Bus,
		Cache:     cache,
		PubSub:    a.pubsub,
		Limiter:   limiter,
		Logger:    logger,
	}, service.Config{
		Sale: sale.Config{
			IssueTimeout:   cfg.Sale.IssueTimeout,
			RepublishAfter: cfg.Sale.RepublishAfter,
			SweepBatch:     cfg.Sale.SweepBatch,
		},
		Catalog: catalog.Config{
			OperatorID:    cfg.Auth.OperatorID,
			IssuanceFee:   cfg.Catalog.IssuanceFee,
			PriceDecimals: cfg.Catalog.PriceDecimals,
			GameTTL:       cfg.Catalog.GameTTL,
			ListTTL:       cfg.Catalog.ListTTL,
		},
	})

	err = a.transport.AddHandlers(
		issuance.NewMinterHandler(ledger, store.Catalog(), a.transport.Bus, logger),
		issuance.NewCallbackHandler(a.services.Sale),
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to register issuance handlers: %w", err)
	}

	a.scheduler, err = a.newScheduler()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	router := httpgin.NewRouter(a.services, idem, httpgin.Auth{
		Secret:     []byte(cfg.Auth.JWTSecret),
		OperatorID: cfg.Auth.OperatorID,
	}, logger)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

func (a *App) initStore(ctx context.Context, opts Options) (repository.Store, error) {
	if a.cfg.Storage == config.StorageMemory {
		a.logger.Warn("using in-memory storage, state is lost on restart")
		return memory.NewStore(), nil
	}

	pool, err := postgres.New(ctx, postgres.Config{
		DSN:      a.cfg.Postgres.DSN(),
		MaxConns: a.cfg.Postgres.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	store := postgresrepo.NewStore(pool)
	if opts.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
		a.logger.Info("schema migrated")
	}

	return store, nil
}

// newScheduler registers the saga sweep. Only one sweep runs at a time.
func (a *App) newScheduler() (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = s.NewJob(
		gocron.DurationJob(a.cfg.Sale.SweepInterval),
		gocron.NewTask(a.sweep),
		gocron.WithName("saga-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, err
	}

	return s, nil
}

func (a *App) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Sale.SweepInterval)
	defer cancel()

	res, err := a.services.Sale.Sweep(ctx)
	if err != nil {
		a.logger.Error("sweep failed", slog.String("err", err.Error()))
		return
	}

	if res.TimedOut+res.Refunded+res.Republished > 0 {
		a.logger.Info("sweep",
			slog.Int("timed_out", res.TimedOut),
			slog.Int("refunded", res.Refunded),
			slog.Int("republished", res.Republished),
		)
	}
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	defer a.close()

	g, gCtx := errgroup.WithContext(ctx)

	// Issuance bus
	g.Go(func() error {
		if err := a.transport.Router.Run(gCtx); err != nil {
			return fmt.Errorf("issuance router: %w", err)
		}
		return nil
	})

	// Cache invalidation from other instances
	if a.pubsub != nil {
		g.Go(func() error {
			err := a.pubsub.Subscribe(gCtx, func(ctx context.Context, gameID string) {
				if err := a.services.Catalog.Invalidate(ctx, gameID); err != nil {
					a.logger.Warn("cache invalidation failed",
						slog.String("game_id", gameID),
						slog.String("err", err.Error()),
					)
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("games pubsub: %w", err)
			}
			return nil
		})
	}

	// Saga sweep
	g.Go(func() error {
		a.scheduler.Start()
		<-gCtx.Done()
		return a.scheduler.Shutdown()
	})

	// Start HTTP server
	g.Go(func() error {
		select {
		case <-a.transport.Router.Running():
		case <-gCtx.Done():
			return nil
		}
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(ctx); err != nil {
			return err
		}
		return a.transport.Close()
	})

	return g.Wait()
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
