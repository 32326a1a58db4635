package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/repository"
)

type issuanceRepo struct{ repos }

func (r issuanceRepo) Create(ctx context.Context, is domain.Issuance) error {
	const op = "memory.IssuanceRepo.Create"

	st, release := r.acquire()
	defer release()

	if _, ok := st.tickets[is.TicketID]; !ok {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	if _, ok := st.issuances[is.TicketID]; ok {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	if is.PaymentRef != "" {
		for _, other := range st.issuances {
			if other.PaymentRef == is.PaymentRef {
				return fmt.Errorf("%s:%w: payment ref", op, repository.ErrConflict)
			}
		}
	}

	st.issuances[is.TicketID] = is

	return nil
}

func (r issuanceRepo) Get(ctx context.Context, ticketID string) (*domain.Issuance, error) {
	const op = "memory.IssuanceRepo.Get"

	st, release := r.acquire()
	defer release()

	is, ok := st.issuances[ticketID]
	if !ok {
		return nil, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return &is, nil
}

func (r issuanceRepo) Claim(
	ctx context.Context,
	ticketID string,
	from, to domain.SagaState,
	reason string,
	at time.Time,
) (*domain.Issuance, error) {
	const op = "memory.IssuanceRepo.Claim"

	st, release := r.acquire()
	defer release()

	is, ok := st.issuances[ticketID]
	if !ok {
		return nil, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	if is.State != from {
		return nil, fmt.Errorf("%s:%w", op, repository.ErrStaleState)
	}

	is.State = to
	if reason != "" {
		is.Reason = reason
	}
	if to.Terminal() {
		resolved := at
		is.ResolvedAt = &resolved
	}
	st.issuances[ticketID] = is

	return &is, nil
}

func (r issuanceRepo) ListByState(
	ctx context.Context,
	state domain.SagaState,
	requestedBefore time.Time,
	limit int,
) ([]domain.Issuance, error) {
	st, release := r.acquire()
	defer release()

	var out []domain.Issuance
	for _, is := range st.issuances {
		if is.State == state && is.RequestedAt.Before(requestedBefore) {
			out = append(out, is)
		}
	}

	slices.SortFunc(out, func(a, b domain.Issuance) int {
		return a.RequestedAt.Compare(b.RequestedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}
