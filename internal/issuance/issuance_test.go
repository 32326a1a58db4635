package issuance

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/registry"
	"github.com/kirinyoku/tixmint/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcome struct {
	ticketID string
	ok       bool
	reason   string
}

type recordingResolver struct {
	mu  sync.Mutex
	got []outcome
}

func (r *recordingResolver) Resolve(ctx context.Context, ticketID string, ok bool, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, outcome{ticketID, ok, reason})
	return nil
}

func (r *recordingResolver) outcomes() []outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]outcome(nil), r.got...)
}

func startTransport(t *testing.T, store *memory.Store, res Resolver) *Transport {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr, err := NewTransport(Config{
		Driver:      DriverGoChannel,
		TopicPrefix: "test.",
		Logger:      logger,
	})
	require.NoError(t, err)

	reg := registry.NewLedger(store.Tokens())
	require.NoError(t, tr.AddHandlers(
		NewMinterHandler(reg, store.Catalog(), tr.Bus, logger),
		NewCallbackHandler(res),
	))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = tr.Router.Run(ctx) }()
	<-tr.Router.Running()

	t.Cleanup(func() {
		cancel()
		_ = tr.Close()
	})

	return tr
}

func seed(t *testing.T, store *memory.Store) {
	t.Helper()
	require.NoError(t, store.Catalog().CreateGame(context.Background(), domain.Game{
		ID:        "g1",
		Title:     "Cup Final",
		SaleStart: time.Unix(0, 0),
	}))
}

func TestTransport_MintsAndReportsSuccess(t *testing.T) {
	store := memory.NewStore()
	seed(t, store)
	res := &recordingResolver{}
	tr := startTransport(t, store, res)

	err := tr.Bus.RequestIssuance(context.Background(), domain.Issuance{
		TicketID: "g1.vip.0",
		GameID:   "g1",
		TypeName: "vip",
		Buyer:    "alice",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(res.outcomes()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	got := res.outcomes()
	require.Len(t, got, 1)
	assert.Equal(t, outcome{ticketID: "g1.vip.0", ok: true}, got[0])

	tok, err := store.Tokens().Get(context.Background(), "g1.vip.0")
	require.NoError(t, err)
	assert.Equal(t, "alice", tok.Owner)
	assert.Equal(t, "Cup Final", tok.Title)
}

func TestTransport_ReportsFailureWhenTokenTaken(t *testing.T) {
	store := memory.NewStore()
	seed(t, store)
	_, err := registry.NewLedger(store.Tokens()).Mint(context.Background(), "g1.vip.0", "mallory", registry.Metadata{})
	require.NoError(t, err)

	res := &recordingResolver{}
	tr := startTransport(t, store, res)

	require.NoError(t, tr.Bus.RequestIssuance(context.Background(), domain.Issuance{
		TicketID: "g1.vip.0",
		GameID:   "g1",
		Buyer:    "alice",
	}))

	assert.Eventually(t, func() bool {
		return len(res.outcomes()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	got := res.outcomes()
	require.Len(t, got, 1)
	assert.False(t, got[0].ok)
	assert.Equal(t, "token already exists", got[0].reason)
}

func TestTransport_UnknownGameIsReportedAsFailure(t *testing.T) {
	store := memory.NewStore()
	res := &recordingResolver{}
	tr := startTransport(t, store, res)

	require.NoError(t, tr.Bus.RequestIssuance(context.Background(), domain.Issuance{
		TicketID: "nope.vip.0",
		GameID:   "nope",
		Buyer:    "alice",
	}))

	assert.Eventually(t, func() bool {
		return len(res.outcomes()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, res.outcomes()[0].ok)
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "req-1")
	assert.Equal(t, "req-1", CorrelationIDFromContext(ctx))
	assert.Empty(t, CorrelationIDFromContext(context.Background()))
}
