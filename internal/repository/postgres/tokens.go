package postgres

import (
	"context"
	"fmt"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/kirinyoku/tixmint/internal/repository"
)

type TokenRepo struct {
	db DB
}

func (r *TokenRepo) Insert(ctx context.Context, t domain.Token) error {
	const op = "postgres.TokenRepo.Insert"

	if _, err := r.db.Exec(ctx,
		`INSERT INTO tokens(token_id, owner_id, title, description, issued_at)
       	 VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Owner, t.Title, t.Description, t.IssuedAt,
	); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

func (r *TokenRepo) Get(ctx context.Context, id string) (*domain.Token, error) {
	const op = "postgres.TokenRepo.Get"

	var t domain.Token
	err := r.db.QueryRow(ctx,
		`SELECT t.token_id, t.owner_id, t.title, t.description, t.issued_at,
		 	COALESCE(array_agg(a.account_id ORDER BY a.account_id)
		 		FILTER (WHERE a.account_id IS NOT NULL), '{}')
       	 FROM tokens t
       	 LEFT JOIN token_approvals a ON a.token_id = t.token_id
       	 WHERE t.token_id = $1
       	 GROUP BY t.token_id`,
		id,
	).Scan(&t.ID, &t.Owner, &t.Title, &t.Description, &t.IssuedAt, &t.Approvals)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return &t, nil
}

// SetOwner moves a token from one owner to another and clears its approvals.
//
// Returns:
//   - error: repository.ErrNotFound if the token does not exist.
//   - error: repository.ErrStaleState if from is not the current owner.
func (r *TokenRepo) SetOwner(ctx context.Context, id, from, to string) error {
	const op = "postgres.TokenRepo.SetOwner"

	tag, err := r.db.Exec(ctx,
		`UPDATE tokens SET owner_id = $3 WHERE token_id = $1 AND owner_id = $2`,
		id, from, to,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}
		return fmt.Errorf("%s:%w", op, repository.ErrStaleState)
	}

	if _, err := r.db.Exec(ctx, `DELETE FROM token_approvals WHERE token_id = $1`, id); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

func (r *TokenRepo) AddApproval(ctx context.Context, id, account string) error {
	const op = "postgres.TokenRepo.AddApproval"

	if _, err := r.db.Exec(ctx,
		`INSERT INTO token_approvals(token_id, account_id)
       	 VALUES ($1, $2)
       	 ON CONFLICT DO NOTHING`,
		id, account,
	); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

func (r *TokenRepo) Delete(ctx context.Context, id string) error {
	const op = "postgres.TokenRepo.Delete"

	tag, err := r.db.Exec(ctx, `DELETE FROM tokens WHERE token_id = $1`, id)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return nil
}

func (r *TokenRepo) ListByOwner(ctx context.Context, owner string) ([]domain.Token, error) {
	const op = "postgres.TokenRepo.ListByOwner"

	rows, err := r.db.Query(ctx,
		`SELECT token_id, owner_id, title, description, issued_at
		 FROM tokens
		 WHERE owner_id = $1
		 ORDER BY issued_at, token_id`,
		owner,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var out []domain.Token
	for rows.Next() {
		var t domain.Token
		if err := rows.Scan(&t.ID, &t.Owner, &t.Title, &t.Description, &t.IssuedAt); err != nil {
			return nil, wrapDBErr(op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}
