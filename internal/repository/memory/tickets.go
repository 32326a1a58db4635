package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/repository"
)

type ticketRepo struct{ repos }

func (r ticketRepo) CreatePending(ctx context.Context, t domain.Ticket) error {
	const op = "memory.TicketRepo.CreatePending"

	st, release := r.acquire()
	defer release()

	if _, ok := st.tickets[t.ID]; ok {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	t.Status = domain.TicketPending
	t.IsUsed = false
	t.UsedAt = nil
	st.tickets[t.ID] = t

	return nil
}

func (r ticketRepo) Get(ctx context.Context, id string) (*domain.Ticket, error) {
	const op = "memory.TicketRepo.Get"

	st, release := r.acquire()
	defer release()

	t, ok := st.tickets[id]
	if !ok {
		return nil, fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return &t, nil
}

func (r ticketRepo) SetStatus(ctx context.Context, id string, from, to domain.TicketStatus) error {
	const op = "memory.TicketRepo.SetStatus"

	st, release := r.acquire()
	defer release()

	t, ok := st.tickets[id]
	if !ok {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	if t.Status != from {
		return fmt.Errorf("%s:%w", op, repository.ErrStaleState)
	}

	t.Status = to
	st.tickets[id] = t

	return nil
}

func (r ticketRepo) MarkUsed(ctx context.Context, id string, at time.Time) error {
	const op = "memory.TicketRepo.MarkUsed"

	st, release := r.acquire()
	defer release()

	t, ok := st.tickets[id]
	if !ok {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	if t.IsUsed {
		return fmt.Errorf("%s:%w", op, repository.ErrAlreadyUsed)
	}

	if t.Status != domain.TicketConfirmed {
		return fmt.Errorf("%s:%w", op, repository.ErrStaleState)
	}

	t.IsUsed = true
	t.UsedAt = &at
	st.tickets[id] = t

	return nil
}
