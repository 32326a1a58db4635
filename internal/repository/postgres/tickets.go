package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/repository"
)

type TicketRepo struct {
	db DB
}

func (r *TicketRepo) CreatePending(ctx context.Context, t domain.Ticket) error {
	const op = "postgres.TicketRepo.CreatePending"

	if _, err := r.db.Exec(ctx,
		`INSERT INTO tickets(ticket_id, game_id, type_name, issued_at, is_used, status)
       	 VALUES ($1, $2, $3, $4, FALSE, $5)`,
		t.ID, t.GameID, t.TypeName, t.IssuedAt, domain.TicketPending,
	); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

func (r *TicketRepo) Get(ctx context.Context, id string) (*domain.Ticket, error) {
	const op = "postgres.TicketRepo.Get"

	var t domain.Ticket
	err := r.db.QueryRow(ctx,
		`SELECT ticket_id, game_id, type_name, issued_at, is_used, used_at, status
       	 FROM tickets WHERE ticket_id = $1`,
		id,
	).Scan(&t.ID, &t.GameID, &t.TypeName, &t.IssuedAt, &t.IsUsed, &t.UsedAt, &t.Status)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return &t, nil
}

// SetStatus performs a compare-and-set on the ticket status.
//
// Returns:
//   - error: repository.ErrNotFound if the ticket does not exist.
//   - error: repository.ErrStaleState if the ticket is not in status from.
func (r *TicketRepo) SetStatus(ctx context.Context, id string, from, to domain.TicketStatus) error {
	const op = "postgres.TicketRepo.SetStatus"

	tag, err := r.db.Exec(ctx,
		`UPDATE tickets SET status = $3 WHERE ticket_id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := r.Get(ctx, id); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return fmt.Errorf("%s:%w", op, repository.ErrStaleState)
}

// MarkUsed marks a confirmed ticket as used exactly once.
//
// Returns:
//   - error: repository.ErrNotFound if the ticket does not exist.
//   - error: repository.ErrAlreadyUsed if the ticket was already used.
//   - error: repository.ErrStaleState if the ticket is not confirmed.
func (r *TicketRepo) MarkUsed(ctx context.Context, id string, at time.Time) error {
	const op = "postgres.TicketRepo.MarkUsed"

	tag, err := r.db.Exec(ctx,
		`UPDATE tickets
		 SET is_used = TRUE, used_at = $2
		 WHERE ticket_id = $1 AND status = $3 AND NOT is_used`,
		id, at, domain.TicketConfirmed,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	t, err := r.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if t.IsUsed {
		return fmt.Errorf("%s:%w", op, repository.ErrAlreadyUsed)
	}

	return fmt.Errorf("%s:%w", op, repository.ErrStaleState)
}
