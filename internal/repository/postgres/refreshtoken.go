package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/models"
)

type RefreshTokenRepo struct {
	DB DBTX
}

const appendToken = `-- name: AppendRefreshToken
INSERT INTO refresh_tokens (user_id, token, created_at)
VALUES ($1, $2, $3)
`

func (r *RefreshTokenRepo) Append(ctx context.Context, token models.RefreshToken) error {
	createdAt := token.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.DB.Exec(ctx, appendToken, token.UserID, token.Token, createdAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const findToken = `-- name: FindRefreshToken
SELECT user_id, token, created_at
FROM refresh_tokens
WHERE user_id = $1 AND token = $2
ORDER BY created_at
LIMIT 1
`

func (r *RefreshTokenRepo) Find(ctx context.Context, userID uuid.UUID, tokenString string) (models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, findToken, userID, tokenString)
	token, err := pgx.CollectOneRow(rows, func(row pgx.CollectableRow) (models.RefreshToken, error) {
		var t models.RefreshToken
		err := row.Scan(&t.UserID, &t.Token, &t.CreatedAt)
		return t, err
	})

	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, pgx.ErrNoRows):
		return token, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	default:
		return token, fmt.Errorf("db error: %w", err)
	}
}

const removeToken = `-- name: RemoveRefreshToken
DELETE FROM refresh_tokens
WHERE token = $1
`

// Remove token by value
// Single DELETE: if two callers race for the same token only one sees removed=true
func (r *RefreshTokenRepo) Remove(ctx context.Context, tokenString string) (bool, error) {
	tag, err := r.DB.Exec(ctx, removeToken, tokenString)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const deleteCreatedBefore = `-- name: DeleteRefreshTokensCreatedBefore
DELETE FROM refresh_tokens
WHERE created_at < $1
`

func (r *RefreshTokenRepo) DeleteCreatedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.DB.Exec(ctx, deleteCreatedBefore, before)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return tag.RowsAffected(), nil
}
