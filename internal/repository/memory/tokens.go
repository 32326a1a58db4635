package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/repository"
)

type tokenRepo struct{ repos }

func (r tokenRepo) Insert(ctx context.Context, t domain.Token) error {
	const op = "memory.TokenRepo.Insert"

	st, release := r.acquire()
	defer release()

	if _, ok := st.tokens[t.ID]; ok {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	t.Approvals = nil
	st.tokens[t.ID] = t

	return nil
}

func (r tokenRepo) Get(ctx context.Context, id string) (*domain.Token, error) {
	const op = "memory.TokenRepo.Get"

	st, release := r.acquire()
	defer release()

	t, ok := st.tokens[id]
	if !ok {
		return nil, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	t.Approvals = slices.Clone(t.Approvals)
	return &t, nil
}

func (r tokenRepo) SetOwner(ctx context.Context, id, from, to string) error {
	const op = "memory.TokenRepo.SetOwner"

	st, release := r.acquire()
	defer release()

	t, ok := st.tokens[id]
	if !ok {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	if t.Owner != from {
		return fmt.Errorf("%s:%w", op, repository.ErrStaleState)
	}

	t.Owner = to
	t.Approvals = nil
	st.tokens[id] = t

	return nil
}

func (r tokenRepo) AddApproval(ctx context.Context, id, account string) error {
	const op = "memory.TokenRepo.AddApproval"

	st, release := r.acquire()
	defer release()

	t, ok := st.tokens[id]
	if !ok {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	if !slices.Contains(t.Approvals, account) {
		t.Approvals = append(slices.Clone(t.Approvals), account)
		slices.Sort(t.Approvals)
	}
	st.tokens[id] = t

	return nil
}

func (r tokenRepo) Delete(ctx context.Context, id string) error {
	const op = "memory.TokenRepo.Delete"

	st, release := r.acquire()
	defer release()

	if _, ok := st.tokens[id]; !ok {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	delete(st.tokens, id)

	return nil
}

func (r tokenRepo) ListByOwner(ctx context.Context, owner string) ([]domain.Token, error) {
	st, release := r.acquire()
	defer release()

	var out []domain.Token
	for _, t := range st.tokens {
		if t.Owner == owner {
			t.Approvals = slices.Clone(t.Approvals)
			out = append(out, t)
		}
	}

	slices.SortFunc(out, func(a, b domain.Token) int {
		if c := a.IssuedAt.Compare(b.IssuedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	return out, nil
}

type refundRepo struct{ repos }

func (r refundRepo) Insert(ctx context.Context, rf domain.Refund) error {
	const op = "memory.RefundRepo.Insert"

	st, release := r.acquire()
	defer release()

	if _, ok := st.refunds[rf.TicketID]; ok {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	st.refunds[rf.TicketID] = rf

	return nil
}

func (r refundRepo) Get(ctx context.Context, ticketID string) (*domain.Refund, error) {
	const op = "memory.RefundRepo.Get"

	st, release := r.acquire()
	defer release()

	rf, ok := st.refunds[ticketID]
	if !ok {
		return nil, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return &rf, nil
}
