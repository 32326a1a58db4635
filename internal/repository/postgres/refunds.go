package postgres

import (
	"context"

	"github.com/kirinyoku/tixmint/internal/domain"
)

type RefundRepo struct {
	db DB
}

func (r *RefundRepo) Insert(ctx context.Context, rf domain.Refund) error {
	const op = "postgres.RefundRepo.Insert"

	if _, err := r.db.Exec(ctx,
		`INSERT INTO refunds(ticket_id, to_id, amount, ref, created_at)
       	 VALUES ($1, $2, $3, $4, $5)`,
		rf.TicketID, rf.To, rf.Amount, rf.Ref, rf.CreatedAt,
	); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

func (r *RefundRepo) Get(ctx context.Context, ticketID string) (*domain.Refund, error) {
	const op = "postgres.RefundRepo.Get"

	var rf domain.Refund
	if err := r.db.QueryRow(ctx,
		`SELECT ticket_id, to_id, amount, ref, created_at FROM refunds WHERE ticket_id = $1`,
		ticketID,
	).Scan(&rf.TicketID, &rf.To, &rf.Amount, &rf.Ref, &rf.CreatedAt); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return &rf, nil
}
