package repository

import (
	"context"
	"time"

	"github.com/kirinyoku/tixmint/internal/domain"
)

// Catalog stores games and their ticket types.
type Catalog interface {
	CreateGame(ctx context.Context, g domain.Game) error
	GetGame(ctx context.Context, id string) (*domain.Game, error)
	ListGames(ctx context.Context) ([]domain.Game, error)
	AddTicketType(ctx context.Context, t domain.TicketType) error
	// UpdateTicketType changes price, supply and sale start of an existing
	// type. Supply may not drop below the units already sold.
	UpdateTicketType(ctx context.Context, t domain.TicketType) error
}

// Inventory is the per ticket type sold counter.
type Inventory interface {
	// Reserve atomically takes the next reservation index of a ticket type
	// and increments its sold counter. No two callers observe the same index.
	Reserve(ctx context.Context, gameID, typeName string, now time.Time) (int64, error)
	// Release returns one reserved unit to the pool.
	Release(ctx context.Context, gameID, typeName string) error
	PriceOf(ctx context.Context, gameID, typeName string) (int64, error)
	TicketType(ctx context.Context, gameID, typeName string) (*domain.TicketType, error)
}

// Tickets is the settlement log.
type Tickets interface {
	CreatePending(ctx context.Context, t domain.Ticket) error
	Get(ctx context.Context, id string) (*domain.Ticket, error)
	// SetStatus moves a ticket from one status to another and fails with
	// ErrStaleState when the ticket is not in the expected status.
	SetStatus(ctx context.Context, id string, from, to domain.TicketStatus) error
	// MarkUsed flips is_used on a confirmed, unused ticket.
	MarkUsed(ctx context.Context, id string, at time.Time) error
}

// Issuances holds pending sale contexts keyed by ticket id.
type Issuances interface {
	// Create fails with ErrConflict when the ticket or a non-empty payment
	// reference already has an issuance.
	Create(ctx context.Context, is domain.Issuance) error
	Get(ctx context.Context, ticketID string) (*domain.Issuance, error)
	// Claim transitions an issuance from one saga state to the next. It
	// succeeds for exactly one caller; others get ErrStaleState.
	Claim(ctx context.Context, ticketID string, from, to domain.SagaState, reason string, at time.Time) (*domain.Issuance, error)
	ListByState(ctx context.Context, state domain.SagaState, requestedBefore time.Time, limit int) ([]domain.Issuance, error)
}

// Tokens is the identity registry storage.
type Tokens interface {
	Insert(ctx context.Context, t domain.Token) error
	Get(ctx context.Context, id string) (*domain.Token, error)
	SetOwner(ctx context.Context, id, from, to string) error
	AddApproval(ctx context.Context, id, account string) error
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, owner string) ([]domain.Token, error)
}

// Refunds records transfers made back to buyers.
type Refunds interface {
	Insert(ctx context.Context, r domain.Refund) error
	Get(ctx context.Context, ticketID string) (*domain.Refund, error)
}

// Repos is the set of repositories bound to one handle, either the pool or
// an open transaction.
type Repos interface {
	Catalog() Catalog
	Inventory() Inventory
	Tickets() Tickets
	Issuances() Issuances
	Tokens() Tokens
	Refunds() Refunds
}

// Isolation is the transaction isolation level asked of a Store.
type Isolation int

const (
	// Serializable is what RunTx uses.
	Serializable Isolation = iota
	// ReadCommitted is enough when every write is a conditional single-row
	// UPDATE that checks its own guard.
	ReadCommitted
)

// Store is a Repos that can also run a function inside a transaction.
//
// Transactions aborted by concurrent writers are retried a bounded number
// of times; past that the error wraps ErrContention.
type Store interface {
	Repos
	RunTx(ctx context.Context, fn func(ctx context.Context, tx Repos) error) error
	RunTxAt(ctx context.Context, iso Isolation, fn func(ctx context.Context, tx Repos) error) error
}
