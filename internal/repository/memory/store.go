// Package memory is a process-local implementation of the repository
// interfaces. A single mutex serializes every call, and RunTx restores a
// snapshot of the whole state when fn fails.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/repository"
)

type typeKey struct {
	game string
	name string
}

type state struct {
	games     map[string]domain.Game
	types     map[typeKey]domain.TicketType
	tickets   map[string]domain.Ticket
	issuances map[string]domain.Issuance
	tokens    map[string]domain.Token
	refunds   map[string]domain.Refund
}

func newState() *state {
	return &state{
		games:     make(map[string]domain.Game),
		types:     make(map[typeKey]domain.TicketType),
		tickets:   make(map[string]domain.Ticket),
		issuances: make(map[string]domain.Issuance),
		tokens:    make(map[string]domain.Token),
		refunds:   make(map[string]domain.Refund),
	}
}

func (s *state) clone() *state {
	tokens := make(map[string]domain.Token, len(s.tokens))
	for id, t := range s.tokens {
		t.Approvals = append([]string(nil), t.Approvals...)
		tokens[id] = t
	}

	return &state{
		games:     maps.Clone(s.games),
		types:     maps.Clone(s.types),
		tickets:   maps.Clone(s.tickets),
		issuances: maps.Clone(s.issuances),
		tokens:    tokens,
		refunds:   maps.Clone(s.refunds),
	}
}

type Store struct {
	mu sync.Mutex
	st *state
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{st: newState()}
}

// RunTx runs fn with exclusive access to the store. Changes made by fn are
// discarded if it returns an error.
func (s *Store) RunTx(ctx context.Context, fn func(ctx context.Context, tx repository.Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(ctx, repos{s: s, tx: true}); err != nil {
		s.st = snapshot
		return err
	}

	return nil
}

// RunTxAt is RunTx. The store has a single lock, so every transaction is
// serializable.
func (s *Store) RunTxAt(
	ctx context.Context,
	_ repository.Isolation,
	fn func(ctx context.Context, tx repository.Repos) error,
) error {
	return s.RunTx(ctx, fn)
}

func (s *Store) Catalog() repository.Catalog     { return repos{s: s}.Catalog() }
func (s *Store) Inventory() repository.Inventory { return repos{s: s}.Inventory() }
func (s *Store) Tickets() repository.Tickets     { return repos{s: s}.Tickets() }
func (s *Store) Issuances() repository.Issuances { return repos{s: s}.Issuances() }
func (s *Store) Tokens() repository.Tokens       { return repos{s: s}.Tokens() }
func (s *Store) Refunds() repository.Refunds     { return repos{s: s}.Refunds() }

// repos binds the repositories to the store. Inside RunTx the mutex is
// already held and tx is true.
type repos struct {
	s  *Store
	tx bool
}

func (r repos) Catalog() repository.Catalog     { return catalogRepo{r} }
func (r repos) Inventory() repository.Inventory { return inventoryRepo{r} }
func (r repos) Tickets() repository.Tickets     { return ticketRepo{r} }
func (r repos) Issuances() repository.Issuances { return issuanceRepo{r} }
func (r repos) Tokens() repository.Tokens       { return tokenRepo{r} }
func (r repos) Refunds() repository.Refunds     { return refundRepo{r} }

// acquire locks the store unless the caller runs inside RunTx and returns
// the matching release function.
func (r repos) acquire() (*state, func()) {
	if r.tx {
		return r.s.st, func() {}
	}
	r.s.mu.Lock()
	return r.s.st, r.s.mu.Unlock
}
