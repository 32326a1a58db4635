// Package registry is the identity ledger that mints and tracks ownership
// of ticket tokens. It is the only place token ownership is decided.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/repository"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExists   = errors.New("token already minted to another owner")
	ErrNotAuthorized = errors.New("caller is neither owner nor approved")
)

// Registry is the contract consumed by the sale saga and the redemption gate.
type Registry interface {
	Mint(ctx context.Context, id, owner string, meta Metadata) (*domain.Token, error)
	OwnerOf(ctx context.Context, id string) (string, bool, error)
	Transfer(ctx context.Context, caller, to, id string) error
	Approve(ctx context.Context, caller, id, account string) error
	Burn(ctx context.Context, id string) error
	TokensOf(ctx context.Context, owner string) ([]domain.Token, error)
	Contract() ContractMetadata
}

type Metadata struct {
	Title       string
	Description string
}

// ContractMetadata describes the token collection as a whole.
type ContractMetadata struct {
	// Spec is the token standard version, e.g. "nft-1.0.0".
	Spec        string `json:"spec"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Description string `json:"description,omitempty"`
}

var DefaultContract = ContractMetadata{
	Spec:   "nft-1.0.0",
	Name:   "TixMint Tickets",
	Symbol: "TIXMINT",
}

// Ledger is a Registry backed by the token repository.
type Ledger struct {
	tokens   repository.Tokens
	contract ContractMetadata
	now      func() time.Time
}

var _ Registry = (*Ledger)(nil)

type Option func(*Ledger)

// WithContract sets the collection metadata. Empty spec, name or symbol
// keep their defaults.
func WithContract(meta ContractMetadata) Option {
	return func(l *Ledger) {
		if meta.Spec != "" {
			l.contract.Spec = meta.Spec
		}
		if meta.Name != "" {
			l.contract.Name = meta.Name
		}
		if meta.Symbol != "" {
			l.contract.Symbol = meta.Symbol
		}
		l.contract.Description = meta.Description
	}
}

func NewLedger(tokens repository.Tokens, opts ...Option) *Ledger {
	l := &Ledger{tokens: tokens, contract: DefaultContract, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Contract() ContractMetadata {
	return l.contract
}

// Mint creates the token id owned by owner. Minting the same id to the same
// owner again returns the existing token, so redelivered requests are safe.
//
// Returns:
//   - error: registry.ErrTokenExists if id belongs to someone else.
func (l *Ledger) Mint(ctx context.Context, id, owner string, meta Metadata) (*domain.Token, error) {
	const op = "registry.Ledger.Mint"

	tok := domain.Token{
		ID:          id,
		Owner:       owner,
		Title:       meta.Title,
		Description: meta.Description,
		IssuedAt:    l.now().UTC(),
	}

	err := l.tokens.Insert(ctx, tok)
	if err == nil {
		return &tok, nil
	}

	if !errors.Is(err, repository.ErrConflict) {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	existing, err := l.tokens.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	if existing.Owner != owner {
		return nil, fmt.Errorf("%s:%w", op, ErrTokenExists)
	}

	return existing, nil
}

func (l *Ledger) OwnerOf(ctx context.Context, id string) (string, bool, error) {
	const op = "registry.Ledger.OwnerOf"

	tok, err := l.tokens.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%s:%w", op, err)
	}

	return tok.Owner, true, nil
}

// Transfer moves id to a new owner on behalf of caller, who must be the
// owner or an approved account. Approvals are cleared.
func (l *Ledger) Transfer(ctx context.Context, caller, to, id string) error {
	const op = "registry.Ledger.Transfer"

	tok, err := l.get(ctx, id)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if tok.Owner != caller && !slices.Contains(tok.Approvals, caller) {
		return fmt.Errorf("%s:%w", op, ErrNotAuthorized)
	}

	if err := l.tokens.SetOwner(ctx, id, tok.Owner, to); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// Approve lets account transfer id. Only the owner may approve.
func (l *Ledger) Approve(ctx context.Context, caller, id, account string) error {
	const op = "registry.Ledger.Approve"

	tok, err := l.get(ctx, id)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if tok.Owner != caller {
		return fmt.Errorf("%s:%w", op, ErrNotAuthorized)
	}

	if err := l.tokens.AddApproval(ctx, id, account); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// Burn removes a token. Burning a missing token is not an error.
func (l *Ledger) Burn(ctx context.Context, id string) error {
	const op = "registry.Ledger.Burn"

	if err := l.tokens.Delete(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func (l *Ledger) TokensOf(ctx context.Context, owner string) ([]domain.Token, error) {
	const op = "registry.Ledger.TokensOf"

	toks, err := l.tokens.ListByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return toks, nil
}

func (l *Ledger) get(ctx context.Context, id string) (*domain.Token, error) {
	tok, err := l.tokens.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return tok, nil
}
