package sale

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/payments"
	"github.com/kirinyoku/tixmint/internal/registry"
	"github.com/kirinyoku/tixmint/internal/repository"
	"github.com/kirinyoku/tixmint/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []domain.Issuance
}

func (p *recordingPublisher) RequestIssuance(ctx context.Context, is domain.Issuance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, is)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

// flakyProvider holds every deposit at its claimed amount unless captured
// says otherwise for the reference.
type flakyProvider struct {
	mu       sync.Mutex
	fail     bool
	down     bool
	captured map[string]int64
}

func (f *flakyProvider) Collect(ctx context.Context, d payments.Deposit) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return 0, errors.New("provider unavailable")
	}

	amount := d.Claimed
	if got, ok := f.captured[d.Ref]; ok {
		amount = got
	}
	if amount == 0 {
		return 0, payments.ErrNotCaptured
	}
	if amount < d.Due {
		return 0, payments.ErrUnderpaid
	}
	return amount, nil
}

func (f *flakyProvider) capture(ref string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captured == nil {
		f.captured = make(map[string]int64)
	}
	f.captured[ref] = amount
}

func (f *flakyProvider) Transfer(ctx context.Context, t payments.Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("provider unavailable")
	}
	return nil
}

func (f *flakyProvider) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

type fixture struct {
	svc      *Service
	store    *memory.Store
	reg      *registry.Ledger
	pub      *recordingPublisher
	provider *flakyProvider
	now      time.Time
}

func newFixture(t *testing.T, supply int64) *fixture {
	t.Helper()

	f := &fixture{
		store:    memory.NewStore(),
		pub:      &recordingPublisher{},
		provider: &flakyProvider{},
		now:      time.Unix(1000, 0).UTC(),
	}
	f.reg = registry.NewLedger(f.store.Tokens())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = New(Deps{
		Store:     f.store,
		Registry:  f.reg,
		Payments:  payments.NewLedgerChannel(f.store.Refunds(), f.provider, logger),
		Publisher: f.pub,
		Logger:    logger,
	}, Config{
		IssueTimeout:   10 * time.Minute,
		RepublishAfter: time.Minute,
		Now:            func() time.Time { return f.now },
	})

	err := f.store.Catalog().CreateGame(context.Background(), domain.Game{
		ID:        "g1",
		Title:     "Cup Final",
		SaleStart: time.Unix(0, 0).UTC(),
		TicketTypes: map[string]domain.TicketType{
			"vip": {UnitPrice: 100, Supply: supply, SaleStart: time.Unix(0, 0).UTC()},
		},
	})
	require.NoError(t, err)

	return f
}

func (f *fixture) buy(buyer string, amount int64) (*domain.Issuance, error) {
	return f.svc.Purchase(context.Background(), PurchaseRequest{
		GameID:     "g1",
		TypeName:   "vip",
		Buyer:      buyer,
		Amount:     amount,
		PaymentRef: "pi_" + buyer,
	})
}

func (f *fixture) sold(t *testing.T) int64 {
	t.Helper()
	tt, err := f.store.Inventory().TicketType(context.Background(), "g1", "vip")
	require.NoError(t, err)
	return tt.Sold
}

func (f *fixture) mintAndResolve(t *testing.T, is *domain.Issuance) {
	t.Helper()
	_, err := f.reg.Mint(context.Background(), is.TicketID, is.Buyer, registry.Metadata{})
	require.NoError(t, err)
	require.NoError(t, f.svc.Resolve(context.Background(), is.TicketID, true, ""))
}

func TestPurchase_ConfirmedThenSoldOut(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	is, err := f.buy("alice", 100)
	require.NoError(t, err)
	assert.Equal(t, "g1.vip.0", is.TicketID)
	assert.Equal(t, int64(0), is.Index)
	assert.Equal(t, domain.SagaIssueRequested, is.State)
	assert.Equal(t, 1, f.pub.count())

	tk, err := f.store.Tickets().Get(ctx, "g1.vip.0")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketPending, tk.Status)
	assert.Equal(t, f.now, tk.IssuedAt)

	f.mintAndResolve(t, is)

	tk, err = f.store.Tickets().Get(ctx, "g1.vip.0")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketConfirmed, tk.Status)

	got, err := f.svc.Issuance(ctx, "g1.vip.0")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaConfirmed, got.State)

	_, err = f.buy("bob", 100)
	assert.ErrorIs(t, err, ErrSoldOut)
	assert.Equal(t, int64(1), f.sold(t))
	assert.Equal(t, 1, f.pub.count())
}

func TestPurchase_FailedIssuanceRefundsAndRetiresIndex(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	is, err := f.buy("alice", 100)
	require.NoError(t, err)

	require.NoError(t, f.svc.Resolve(ctx, is.TicketID, false, "mint failed"))

	assert.Equal(t, int64(0), f.sold(t))

	refund, err := f.store.Refunds().Get(ctx, "g1.vip.0")
	require.NoError(t, err)
	assert.Equal(t, "alice", refund.To)
	assert.Equal(t, int64(100), refund.Amount)

	tk, err := f.store.Tickets().Get(ctx, "g1.vip.0")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketCompensated, tk.Status)

	got, err := f.svc.Issuance(ctx, "g1.vip.0")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, got.State)
	assert.Equal(t, "mint failed", got.Reason)

	next, err := f.buy("bob", 100)
	require.NoError(t, err)
	assert.Equal(t, "g1.vip.1", next.TicketID)
	assert.Equal(t, int64(1), next.Index)
}

func TestPurchase_Preconditions(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	_, err := f.buy("alice", 99)
	assert.ErrorIs(t, err, ErrInsufficientPayment)

	_, err = f.svc.Purchase(ctx, PurchaseRequest{GameID: "nope", TypeName: "vip", Buyer: "alice", Amount: 100})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Purchase(ctx, PurchaseRequest{GameID: "g1", TypeName: "nope", Buyer: "alice", Amount: 100})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Purchase(ctx, PurchaseRequest{GameID: "g1", TypeName: "vip", Amount: 100})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.Purchase(ctx, PurchaseRequest{GameID: "g.1", TypeName: "vip", Buyer: "alice", Amount: 100})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Equal(t, int64(0), f.sold(t))
	assert.Equal(t, 0, f.pub.count())
	_, err = f.store.Tickets().Get(ctx, "g1.vip.0")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPurchase_SaleNotStarted(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	err := f.store.Catalog().UpdateTicketType(ctx, domain.TicketType{
		GameID:    "g1",
		Name:      "vip",
		UnitPrice: 100,
		Supply:    5,
		SaleStart: f.now.Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = f.buy("alice", 100)
	assert.ErrorIs(t, err, ErrSaleNotStarted)

	f.now = f.now.Add(time.Hour)
	_, err = f.buy("alice", 100)
	assert.NoError(t, err)
}

func TestPurchase_ConcurrentBuyersNeverOversell(t *testing.T) {
	const supply = 10
	f := newFixture(t, supply)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[string]bool)
		soldOut int
		other   []error
	)

	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			is, err := f.buy(fmt.Sprintf("buyer-%d", i), 100)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ids[is.TicketID] = true
			case errors.Is(err, ErrSoldOut):
				soldOut++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, other)
	assert.Len(t, ids, supply)
	assert.Equal(t, 60-supply, soldOut)
	assert.Equal(t, int64(supply), f.sold(t))
}

func TestResolve_DuplicateAndContradictingCallbacksAreIgnored(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	is, err := f.buy("alice", 150)
	require.NoError(t, err)
	f.mintAndResolve(t, is)

	require.NoError(t, f.svc.Resolve(ctx, is.TicketID, true, ""))
	require.NoError(t, f.svc.Resolve(ctx, is.TicketID, false, "late failure"))

	got, err := f.svc.Issuance(ctx, is.TicketID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaConfirmed, got.State)
	assert.Equal(t, int64(1), f.sold(t))

	_, err = f.store.Refunds().Get(ctx, is.TicketID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	owner, ok, err := f.reg.OwnerOf(ctx, is.TicketID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", owner)

	assert.NoError(t, f.svc.Resolve(ctx, "g1.vip.99", true, ""))
}

func TestSweep_TimesOutAndBurnsLateMint(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	is, err := f.buy("alice", 100)
	require.NoError(t, err)

	f.now = f.now.Add(11 * time.Minute)
	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TimedOut)
	assert.Equal(t, 1, res.Refunded)
	assert.Equal(t, int64(0), f.sold(t))

	_, err = f.reg.Mint(ctx, is.TicketID, "alice", registry.Metadata{})
	require.NoError(t, err)
	require.NoError(t, f.svc.Resolve(ctx, is.TicketID, true, ""))

	_, ok, err := f.reg.OwnerOf(ctx, is.TicketID)
	require.NoError(t, err)
	assert.False(t, ok, "a mint that lands after compensation is burned")

	got, err := f.svc.Issuance(ctx, is.TicketID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, got.State)
	assert.Equal(t, "issuance timed out", got.Reason)
}

func TestSweep_RetriesFailedRefund(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	is, err := f.buy("alice", 100)
	require.NoError(t, err)

	f.provider.setFail(true)
	require.NoError(t, f.svc.Resolve(ctx, is.TicketID, false, "mint failed"))

	got, err := f.svc.Issuance(ctx, is.TicketID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensating, got.State)
	assert.Equal(t, int64(0), f.sold(t), "the unit is released before the refund")

	f.provider.setFail(false)
	f.now = f.now.Add(time.Second)
	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Refunded)

	got, err = f.svc.Issuance(ctx, is.TicketID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, got.State)

	_, err = f.store.Refunds().Get(ctx, is.TicketID)
	assert.NoError(t, err)
}

func TestSweep_RepublishesWaitingRequests(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.buy("alice", 100)
	require.NoError(t, err)
	assert.Equal(t, 1, f.pub.count())

	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Republished)

	f.now = f.now.Add(2 * time.Minute)
	res, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Republished)
	assert.Zero(t, res.TimedOut)
	assert.Equal(t, 2, f.pub.count())
}

func TestCompensate_OperatorPath(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	_, err := f.svc.Compensate(ctx, "g1.vip.0", "")
	assert.ErrorIs(t, err, ErrNotFound)

	stuck, err := f.buy("alice", 100)
	require.NoError(t, err)

	out, err := f.svc.Compensate(ctx, stuck.TicketID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, out.State)
	assert.Equal(t, "compensated by operator", out.Reason)

	_, err = f.svc.Compensate(ctx, stuck.TicketID, "")
	assert.ErrorIs(t, err, ErrNotPending)

	ok, err := f.buy("bob", 100)
	require.NoError(t, err)
	f.mintAndResolve(t, ok)

	_, err = f.svc.Compensate(ctx, ok.TicketID, "")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestPurchase_RejectsUnverifiedPayment(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	_, err := f.svc.Purchase(ctx, PurchaseRequest{GameID: "g1", TypeName: "vip", Buyer: "alice", Amount: 100})
	assert.ErrorIs(t, err, ErrPaymentNotVerified, "a provider is configured, so the ref is mandatory")

	f.provider.capture("pi_alice", 0)
	_, err = f.buy("alice", 100)
	assert.ErrorIs(t, err, ErrPaymentNotVerified)

	f.provider.capture("pi_alice", 40)
	_, err = f.buy("alice", 100)
	assert.ErrorIs(t, err, ErrInsufficientPayment)

	f.provider.mu.Lock()
	f.provider.down = true
	f.provider.mu.Unlock()
	_, err = f.buy("bob", 100)
	assert.ErrorIs(t, err, ErrPaymentUnavailable)

	assert.Equal(t, int64(0), f.sold(t))
	assert.Equal(t, 0, f.pub.count())
	_, err = f.store.Issuances().Get(ctx, "g1.vip.0")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPurchase_RecordsCollectedAmountNotClaim(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.provider.capture("pi_alice", 100)
	is, err := f.buy("alice", 100000)
	require.NoError(t, err)
	assert.Equal(t, int64(100), is.Amount)

	require.NoError(t, f.svc.Resolve(ctx, is.TicketID, false, "mint failed"))

	rf, err := f.store.Refunds().Get(ctx, is.TicketID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), rf.Amount)
}

func TestPurchase_PaymentFundsOneTicket(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.buy("alice", 100)
	require.NoError(t, err)

	_, err = f.buy("alice", 100)
	assert.ErrorIs(t, err, ErrPaymentReused)

	assert.Equal(t, int64(1), f.sold(t), "the second reservation is rolled back")
	assert.Equal(t, 1, f.pub.count())

	tt, err := f.store.Inventory().TicketType(ctx, "g1", "vip")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tt.NextIndex)
}

func TestPurchase_EmptyRefWithStripeNeverReachesCompensating(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc.payments = payments.NewLedgerChannel(
		f.store.Refunds(),
		payments.NewStripeChannel(nil),
		logger,
	)

	_, err := f.svc.Purchase(ctx, PurchaseRequest{GameID: "g1", TypeName: "vip", Buyer: "alice", Amount: 100})
	require.ErrorIs(t, err, ErrPaymentNotVerified)

	for i := 0; i < 3; i++ {
		f.now = f.now.Add(11 * time.Minute)
		res, err := f.svc.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.TimedOut)
	}

	stuck, err := f.store.Issuances().ListByState(ctx, domain.SagaCompensating, f.now, 10)
	require.NoError(t, err)
	assert.Empty(t, stuck)
	assert.Equal(t, int64(0), f.sold(t))
}

// contendedStore fails every read committed transaction the way postgres
// does once its serialization retries run out.
type contendedStore struct {
	*memory.Store
}

func (s contendedStore) RunTxAt(
	ctx context.Context,
	iso repository.Isolation,
	fn func(ctx context.Context, tx repository.Repos) error,
) error {
	if iso == repository.ReadCommitted {
		return fmt.Errorf("postgres.Store.RunTxWithOpts:%w", repository.ErrContention)
	}
	return s.Store.RunTxAt(ctx, iso, fn)
}

func TestPurchase_ContentionIsBusy(t *testing.T) {
	f := newFixture(t, 1)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(Deps{
		Store:     contendedStore{f.store},
		Registry:  f.reg,
		Payments:  payments.NewLedgerChannel(f.store.Refunds(), nil, logger),
		Publisher: f.pub,
		Logger:    logger,
	}, Config{Now: func() time.Time { return f.now }})

	_, err := svc.Purchase(context.Background(), PurchaseRequest{
		GameID: "g1", TypeName: "vip", Buyer: "alice", Amount: 100,
	})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, int64(0), f.sold(t))
}

func TestRateLimitedError_UnwrapsToSentinel(t *testing.T) {
	err := fmt.Errorf("wrapped:%w", RateLimitedError{RetryAfter: time.Second})
	assert.ErrorIs(t, err, ErrRateLimited)

	var rl RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, time.Second, rl.RetryAfter)
}
