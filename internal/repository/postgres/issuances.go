package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/repository"
)

const issuanceColumns = `ticket_id, game_id, type_name, reservation_index, buyer, amount,
	payment_ref, state, reason, requested_at, resolved_at`

type IssuanceRepo struct {
	db DB
}

func scanIssuance(row pgx.Row) (*domain.Issuance, error) {
	var is domain.Issuance
	err := row.Scan(
		&is.TicketID, &is.GameID, &is.TypeName, &is.Index, &is.Buyer, &is.Amount,
		&is.PaymentRef, &is.State, &is.Reason, &is.RequestedAt, &is.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &is, nil
}

func (r *IssuanceRepo) Create(ctx context.Context, is domain.Issuance) error {
	const op = "postgres.IssuanceRepo.Create"

	if _, err := r.db.Exec(ctx,
		`INSERT INTO issuances(`+issuanceColumns+`)
       	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		is.TicketID, is.GameID, is.TypeName, is.Index, is.Buyer, is.Amount,
		is.PaymentRef, is.State, is.Reason, is.RequestedAt, is.ResolvedAt,
	); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

func (r *IssuanceRepo) Get(ctx context.Context, ticketID string) (*domain.Issuance, error) {
	const op = "postgres.IssuanceRepo.Get"

	is, err := scanIssuance(r.db.QueryRow(ctx,
		`SELECT `+issuanceColumns+` FROM issuances WHERE ticket_id = $1`,
		ticketID,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return is, nil
}

// Claim moves an issuance between saga states. Only the caller whose
// UPDATE matches the expected state gets the row back.
//
// Returns:
//   - *domain.Issuance: the issuance after the transition.
//   - error: repository.ErrNotFound if the issuance does not exist.
//   - error: repository.ErrStaleState if it is not in state from.
func (r *IssuanceRepo) Claim(
	ctx context.Context,
	ticketID string,
	from, to domain.SagaState,
	reason string,
	at time.Time,
) (*domain.Issuance, error) {
	const op = "postgres.IssuanceRepo.Claim"

	var resolvedAt *time.Time
	if to.Terminal() {
		resolvedAt = &at
	}

	is, err := scanIssuance(r.db.QueryRow(ctx,
		`UPDATE issuances
		 SET state = $3,
		 	reason = CASE WHEN $4::text = '' THEN reason ELSE $4::text END,
		 	resolved_at = COALESCE($5, resolved_at)
		 WHERE ticket_id = $1 AND state = $2
		 RETURNING `+issuanceColumns,
		ticketID, from, to, reason, resolvedAt,
	))
	if err == nil {
		return is, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, wrapDBErr(op, err)
	}

	if _, err := r.Get(ctx, ticketID); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return nil, fmt.Errorf("%s:%w", op, repository.ErrStaleState)
}

// ListByState lists issuances in a state requested before the given time,
// oldest first.
func (r *IssuanceRepo) ListByState(
	ctx context.Context,
	state domain.SagaState,
	requestedBefore time.Time,
	limit int,
) ([]domain.Issuance, error) {
	const op = "postgres.IssuanceRepo.ListByState"

	rows, err := r.db.Query(ctx,
		`SELECT `+issuanceColumns+`
		 FROM issuances
		 WHERE state = $1 AND requested_at < $2
		 ORDER BY requested_at
		 LIMIT $3`,
		state, requestedBefore, limit,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var out []domain.Issuance
	for rows.Next() {
		is, err := scanIssuance(rows)
		if err != nil {
			return nil, wrapDBErr(op, err)
		}
		out = append(out, *is)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}
