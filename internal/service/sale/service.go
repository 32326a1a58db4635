// Package sale runs the ticket purchase saga: validate and reserve, request
// issuance, then confirm or compensate when the mint outcome arrives.
package sale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/metrics"
	"github.com/kirinyoku/tixmint/internal/payments"
	"github.com/kirinyoku/tixmint/internal/registry"
	"github.com/kirinyoku/tixmint/internal/repository"
	redisrepo "github.com/kirinyoku/tixmint/internal/repository/redis"
	"github.com/kirinyoku/tixmint/internal/uow"
)

// Publisher sends mint requests to the identity registry.
type Publisher interface {
	RequestIssuance(ctx context.Context, is domain.Issuance) error
}

type Config struct {
	// IssueTimeout is how long an issuance may stay unresolved before the
	// sweep compensates it.
	IssueTimeout time.Duration
	// RepublishAfter is the age after which an unresolved request is sent
	// again.
	RepublishAfter time.Duration
	SweepBatch     int
	Now            func() time.Time
}

type Service struct {
	store     repository.Store
	uow       *uow.UoW
	registry  registry.Registry
	payments  payments.Channel
	publisher Publisher
	cache     *redisrepo.Cache
	pubsub    *redisrepo.GamesPubSub
	limiter   *redisrepo.SlidingWindowLimiter
	logger    *slog.Logger
	cfg       Config
}

type Deps struct {
	Store     repository.Store
	Registry  registry.Registry
	Payments  payments.Channel
	Publisher Publisher
	Cache     *redisrepo.Cache
	PubSub    *redisrepo.GamesPubSub
	Limiter   *redisrepo.SlidingWindowLimiter
	Logger    *slog.Logger
}

func New(deps Deps, cfg Config) *Service {
	if cfg.IssueTimeout <= 0 {
		cfg.IssueTimeout = 10 * time.Minute
	}

	if cfg.RepublishAfter <= 0 || cfg.RepublishAfter >= cfg.IssueTimeout {
		cfg.RepublishAfter = cfg.IssueTimeout / 4
	}

	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Service{
		store:     deps.Store,
		uow:       uow.NewUoW(deps.Store),
		registry:  deps.Registry,
		payments:  deps.Payments,
		publisher: deps.Publisher,
		cache:     deps.Cache,
		pubsub:    deps.PubSub,
		limiter:   deps.Limiter,
		logger:    deps.Logger,
		cfg:       cfg,
	}
}

type PurchaseRequest struct {
	GameID   string
	TypeName string
	Buyer    string
	// Amount is the deposit the buyer claims, in minor units. The amount
	// recorded is the one the payment channel reports as collected.
	Amount int64
	// PaymentRef identifies the deposit at the payment provider. One
	// payment funds at most one ticket.
	PaymentRef string
}

// Purchase validates the request and the deposit, then reserves one unit
// and records the pending ticket and its issuance context in one
// transaction. The mint request is sent after commit; the outcome arrives
// later through Resolve.
//
// The reservation transaction runs at read committed: Reserve is a
// conditional UPDATE, so the row lock orders concurrent buyers and the
// checks before it only fail fast.
//
// Parameters:
//   - ctx: request-scoped context.
//   - req: game, ticket type, buyer and deposit.
//
// Returns:
//   - *domain.Issuance: the pending issuance, keyed by the new ticket id.
//   - error: sale.ErrNotFound if the game or ticket type does not exist.
//   - error: sale.ErrSaleNotStarted if the sale has not opened yet.
//   - error: sale.ErrSoldOut if no unit is left.
//   - error: sale.ErrInsufficientPayment if the deposit is below the unit price.
//   - error: sale.ErrPaymentNotVerified if the provider holds no such payment.
//   - error: sale.ErrPaymentReused if the payment already funds a ticket.
//   - error: sale.ErrPaymentUnavailable, sale.ErrBusy when a retry may succeed.
//   - error: sale.ErrInvalidRequest, sale.ErrRateLimited.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*domain.Issuance, error) {
	const op = "service.sale.Purchase"

	if !domain.ValidKey(req.GameID) || !domain.ValidKey(req.TypeName) || req.Buyer == "" || req.Amount < 0 {
		return nil, fmt.Errorf("%s:%w", op, ErrInvalidRequest)
	}

	d, err := s.limiter.Allow(ctx, req.Buyer)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if !d.Allowed {
		s.observePurchase(req, "rate_limited")
		return nil, fmt.Errorf("%s:%w", op, RateLimitedError{RetryAfter: d.RetryAfter})
	}

	now := s.cfg.Now().UTC()

	issuance, err := s.purchase(ctx, req, now)
	if err != nil {
		s.observePurchase(req, outcomeOf(err))
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	s.observePurchase(req, "reserved")

	return issuance, nil
}

func (s *Service) purchase(ctx context.Context, req PurchaseRequest, now time.Time) (*domain.Issuance, error) {
	tt, err := precheck(ctx, s.store, req, now)
	if err != nil {
		return nil, err
	}

	paid, err := s.collect(ctx, req, tt.UnitPrice)
	if err != nil {
		return nil, err
	}

	var issuance domain.Issuance

	err = s.uow.DoAt(ctx, repository.ReadCommitted, func(
		ctx context.Context,
		tx repository.Repos,
		after func(uow.AfterCommit),
	) error {
		index, err := tx.Inventory().Reserve(ctx, req.GameID, req.TypeName, now)
		if err != nil {
			return mapRepoErr(err)
		}

		// The price may have been edited since precheck; the row is locked
		// now.
		price, err := tx.Inventory().PriceOf(ctx, req.GameID, req.TypeName)
		if err != nil {
			return mapRepoErr(err)
		}
		if paid < price {
			return ErrInsufficientPayment
		}

		ticketID := domain.TicketID(req.GameID, req.TypeName, index)

		err = tx.Tickets().CreatePending(ctx, domain.Ticket{
			ID:       ticketID,
			GameID:   req.GameID,
			TypeName: req.TypeName,
			IssuedAt: now,
			Status:   domain.TicketPending,
		})
		if err != nil {
			return err
		}

		issuance = domain.Issuance{
			TicketID:    ticketID,
			GameID:      req.GameID,
			TypeName:    req.TypeName,
			Index:       index,
			Buyer:       req.Buyer,
			Amount:      paid,
			PaymentRef:  req.PaymentRef,
			State:       domain.SagaIssueRequested,
			RequestedAt: now,
		}
		if err := tx.Issuances().Create(ctx, issuance); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrPaymentReused
			}
			return err
		}

		after(func(ctx context.Context) {
			s.requestIssuance(ctx, issuance)
			s.gameChanged(ctx, req.GameID)
		})

		return nil
	})
	if err != nil {
		return nil, mapRepoErr(err)
	}

	return &issuance, nil
}

// precheck fails fast before the deposit is checked with the provider.
// Reserve repeats the supply and start checks atomically.
func precheck(ctx context.Context, repos repository.Repos, req PurchaseRequest, now time.Time) (*domain.TicketType, error) {
	game, err := repos.Catalog().GetGame(ctx, req.GameID)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	tt, ok := game.TicketTypes[req.TypeName]
	if !ok {
		return nil, ErrNotFound
	}

	if now.Before(domain.EffectiveSaleStart(game.SaleStart, tt.SaleStart)) {
		return nil, ErrSaleNotStarted
	}

	if tt.Available() == 0 {
		return nil, ErrSoldOut
	}

	if req.Amount < tt.UnitPrice {
		return nil, ErrInsufficientPayment
	}

	return &tt, nil
}

// collect asks the payment channel how much of the deposit it holds.
func (s *Service) collect(ctx context.Context, req PurchaseRequest, due int64) (int64, error) {
	paid, err := s.payments.Collect(ctx, payments.Deposit{
		Ref:     req.PaymentRef,
		Claimed: req.Amount,
		Due:     due,
	})
	if err == nil {
		return paid, nil
	}

	log := s.logger.With(
		slog.String("buyer", req.Buyer),
		slog.String("payment_ref", req.PaymentRef),
		slog.String("err", err.Error()),
	)

	switch {
	case errors.Is(err, payments.ErrUnderpaid):
		log.Info("deposit below unit price")
		return 0, ErrInsufficientPayment
	case errors.Is(err, payments.ErrNoPaymentRef),
		errors.Is(err, payments.ErrNotCaptured):
		log.Warn("payment not verified")
		return 0, ErrPaymentNotVerified
	default:
		log.Error("payment check failed")
		return 0, ErrPaymentUnavailable
	}
}

// Resolve is the issuance callback. A successful mint confirms the ticket;
// a failed one compensates it. Callbacks for issuances that were already
// resolved change nothing, except that a mint which lands after the
// purchase was compensated is burned.
func (s *Service) Resolve(ctx context.Context, ticketID string, ok bool, reason string) error {
	const op = "service.sale.Resolve"

	var err error
	if ok {
		err = s.confirm(ctx, ticketID)
	} else {
		if reason == "" {
			reason = "issuance failed"
		}
		_, err = s.compensate(ctx, ticketID, reason, "callback")
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		s.logger.Warn("callback for unknown issuance", slog.String("ticket_id", ticketID))
		return nil
	case errors.Is(err, ErrNotPending):
		return nil
	default:
		return fmt.Errorf("%s:%w", op, err)
	}
}

func (s *Service) confirm(ctx context.Context, ticketID string) error {
	now := s.cfg.Now().UTC()

	var claimed *domain.Issuance

	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx repository.Repos,
		after func(uow.AfterCommit),
	) error {
		is, err := tx.Issuances().Claim(ctx, ticketID, domain.SagaIssueRequested, domain.SagaConfirmed, "", now)
		if err != nil {
			return mapRepoErr(err)
		}

		if err := tx.Tickets().SetStatus(ctx, ticketID, domain.TicketPending, domain.TicketConfirmed); err != nil {
			return err
		}

		claimed = is
		return nil
	})
	if errors.Is(err, ErrNotPending) {
		return s.handleLateMint(ctx, ticketID)
	}
	if err != nil {
		return err
	}

	metrics.SagaResolutions.WithLabelValues(string(domain.SagaConfirmed), "callback").Inc()
	metrics.IssuanceLatency.Observe(now.Sub(claimed.RequestedAt).Seconds())
	s.logger.Info("ticket confirmed",
		slog.String("ticket_id", ticketID),
		slog.String("owner", claimed.Buyer),
	)

	return nil
}

// handleLateMint burns a token minted for a purchase that has already been
// compensated. Duplicate confirmations are ignored.
func (s *Service) handleLateMint(ctx context.Context, ticketID string) error {
	is, err := s.store.Issuances().Get(ctx, ticketID)
	if err != nil {
		return mapRepoErr(err)
	}

	if is.State == domain.SagaConfirmed {
		return ErrNotPending
	}

	if err := s.burnIfOwned(ctx, is); err != nil {
		return err
	}

	s.logger.Warn("late mint burned",
		slog.String("ticket_id", ticketID),
		slog.String("state", string(is.State)),
	)

	return ErrNotPending
}

// Compensate is the operator path for an issuance that never resolved. An
// issuance stuck in compensating gets its refund retried.
//
// Returns:
//   - *domain.Issuance: the issuance after compensation.
//   - error: sale.ErrNotFound if no issuance exists for ticketID.
//   - error: sale.ErrNotPending if the issuance is already resolved.
func (s *Service) Compensate(ctx context.Context, ticketID, reason string) (*domain.Issuance, error) {
	const op = "service.sale.Compensate"

	if reason == "" {
		reason = "compensated by operator"
	}

	is, err := s.compensate(ctx, ticketID, reason, "operator")
	if errors.Is(err, ErrNotPending) {
		cur, gerr := s.store.Issuances().Get(ctx, ticketID)
		if gerr != nil {
			return nil, fmt.Errorf("%s:%w", op, mapRepoErr(gerr))
		}
		if cur.State != domain.SagaCompensating {
			return nil, fmt.Errorf("%s:%w", op, ErrNotPending)
		}
		is, err = s.finishRefund(ctx, cur)
	}
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return is, nil
}

// compensate releases the reserved unit and voids the ticket in one
// transaction, then refunds the deposit. A failed refund leaves the
// issuance in compensating for the sweep to retry.
func (s *Service) compensate(ctx context.Context, ticketID, reason, trigger string) (*domain.Issuance, error) {
	now := s.cfg.Now().UTC()

	var claimed *domain.Issuance

	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx repository.Repos,
		after func(uow.AfterCommit),
	) error {
		is, err := tx.Issuances().Claim(ctx, ticketID, domain.SagaIssueRequested, domain.SagaCompensating, reason, now)
		if err != nil {
			return mapRepoErr(err)
		}

		if err := tx.Inventory().Release(ctx, is.GameID, is.TypeName); err != nil {
			return err
		}

		if err := tx.Tickets().SetStatus(ctx, ticketID, domain.TicketPending, domain.TicketCompensated); err != nil {
			return err
		}

		claimed = is

		after(func(ctx context.Context) {
			s.gameChanged(ctx, is.GameID)
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("issuance compensating",
		slog.String("ticket_id", ticketID),
		slog.String("reason", reason),
		slog.String("trigger", trigger),
	)

	if err := s.burnIfOwned(ctx, claimed); err != nil {
		s.logger.Error("burn after compensation failed",
			slog.String("ticket_id", ticketID),
			slog.String("err", err.Error()),
		)
	}

	done, err := s.finishRefund(ctx, claimed)
	if err != nil {
		s.logger.Error("refund failed, will retry",
			slog.String("ticket_id", ticketID),
			slog.String("err", err.Error()),
		)
		return claimed, nil
	}

	metrics.SagaResolutions.WithLabelValues(string(domain.SagaCompensated), trigger).Inc()

	return done, nil
}

// finishRefund transfers the deposit back to the buyer and closes the saga.
func (s *Service) finishRefund(ctx context.Context, is *domain.Issuance) (*domain.Issuance, error) {
	err := s.payments.Transfer(ctx, payments.Transfer{
		TicketID: is.TicketID,
		To:       is.Buyer,
		Amount:   is.Amount,
		Ref:      is.PaymentRef,
	})
	if err != nil {
		metrics.Refunds.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.Refunds.WithLabelValues("ok").Inc()

	done, err := s.store.Issuances().Claim(
		ctx,
		is.TicketID,
		domain.SagaCompensating,
		domain.SagaCompensated,
		"",
		s.cfg.Now().UTC(),
	)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	return done, nil
}

func (s *Service) burnIfOwned(ctx context.Context, is *domain.Issuance) error {
	owner, ok, err := s.registry.OwnerOf(ctx, is.TicketID)
	if err != nil {
		return err
	}

	if !ok || owner != is.Buyer {
		return nil
	}

	return s.registry.Burn(ctx, is.TicketID)
}

type SweepResult struct {
	TimedOut    int `json:"timed_out"`
	Refunded    int `json:"refunded"`
	Republished int `json:"republished"`
}

// Sweep compensates issuances older than the issue timeout, retries pending
// refunds and re-sends requests that have waited longer than
// RepublishAfter.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	const op = "service.sale.Sweep"

	var res SweepResult
	now := s.cfg.Now().UTC()
	issues := s.store.Issuances()

	expired, err := issues.ListByState(ctx, domain.SagaIssueRequested, now.Add(-s.cfg.IssueTimeout), s.cfg.SweepBatch)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return res, fmt.Errorf("%s:%w", op, err)
	}

	for _, is := range expired {
		out, err := s.compensate(ctx, is.TicketID, "issuance timed out", "timeout")
		if errors.Is(err, ErrNotPending) {
			continue
		}
		if err != nil {
			metrics.SweepRuns.WithLabelValues("error").Inc()
			return res, fmt.Errorf("%s:%w", op, err)
		}
		res.TimedOut++
		if out.State == domain.SagaCompensated {
			res.Refunded++
		}
	}

	stuck, err := issues.ListByState(ctx, domain.SagaCompensating, now, s.cfg.SweepBatch)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return res, fmt.Errorf("%s:%w", op, err)
	}

	for i := range stuck {
		if _, err := s.finishRefund(ctx, &stuck[i]); err != nil {
			s.logger.Warn("refund retry failed",
				slog.String("ticket_id", stuck[i].TicketID),
				slog.String("err", err.Error()),
			)
			continue
		}
		metrics.SagaResolutions.WithLabelValues(string(domain.SagaCompensated), "sweep").Inc()
		res.Refunded++
	}

	waiting, err := issues.ListByState(ctx, domain.SagaIssueRequested, now.Add(-s.cfg.RepublishAfter), s.cfg.SweepBatch)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return res, fmt.Errorf("%s:%w", op, err)
	}

	for _, is := range waiting {
		if err := s.publisher.RequestIssuance(ctx, is); err != nil {
			s.logger.Warn("republish failed",
				slog.String("ticket_id", is.TicketID),
				slog.String("err", err.Error()),
			)
			continue
		}
		res.Republished++
	}

	metrics.SweepRuns.WithLabelValues("ok").Inc()

	return res, nil
}

// Issuance returns the saga record of a ticket.
func (s *Service) Issuance(ctx context.Context, ticketID string) (*domain.Issuance, error) {
	const op = "service.sale.Issuance"

	is, err := s.store.Issuances().Get(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, mapRepoErr(err))
	}

	return is, nil
}

func (s *Service) requestIssuance(ctx context.Context, is domain.Issuance) {
	if err := s.publisher.RequestIssuance(ctx, is); err != nil {
		s.logger.Error("issuance request not sent, sweep will retry",
			slog.String("ticket_id", is.TicketID),
			slog.String("err", err.Error()),
		)
	}
}

func (s *Service) gameChanged(ctx context.Context, gameID string) {
	_ = s.cache.InvalidateGame(ctx, gameID)
	_ = s.pubsub.PublishGameChanged(ctx, gameID)
}

func (s *Service) observePurchase(req PurchaseRequest, outcome string) {
	metrics.Purchases.WithLabelValues(req.GameID, req.TypeName, outcome).Inc()
}

func mapRepoErr(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrSaleNotStarted):
		return ErrSaleNotStarted
	case errors.Is(err, repository.ErrSoldOut):
		return ErrSoldOut
	case errors.Is(err, repository.ErrStaleState):
		return ErrNotPending
	case errors.Is(err, repository.ErrContention):
		return ErrBusy
	default:
		return err
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrSaleNotStarted):
		return "not_started"
	case errors.Is(err, ErrSoldOut):
		return "sold_out"
	case errors.Is(err, ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, ErrPaymentNotVerified):
		return "payment_not_verified"
	case errors.Is(err, ErrPaymentReused):
		return "payment_reused"
	case errors.Is(err, ErrBusy), errors.Is(err, ErrPaymentUnavailable):
		return "busy"
	default:
		return "error"
	}
}
