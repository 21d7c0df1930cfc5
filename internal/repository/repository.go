package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/gopherauth/internal/models"
)

// Storage groups repositories of one backend (postgres or mongodb)
type Storage interface {
	User() UserRepo
	Refresh() RefreshTokenRepo
}

// User repository interface
// Email is expected to be normalized by the caller (trimmed, lower case)
type UserRepo interface {
	// Create user
	// If user with the email exists already has to return apperrors.ErrDuplicateEmail
	CreateUser(ctx context.Context, email string, name string, hashedPassword string) (models.User, error)

	// Get user by it's id or email
	// If user not found must return apperrors.ErrUserNotFound
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
}

// RefreshToken repository interface
// Holds the list of outstanding refresh tokens per user
type RefreshTokenRepo interface {
	// Append token to the user's list
	// No deduplication: every call adds one more record
	Append(ctx context.Context, token models.RefreshToken) error

	// Find token owned by the user by exact value
	// If not found must return apperrors.ErrRefreshTokenNotFound
	Find(ctx context.Context, userID uuid.UUID, token string) (models.RefreshToken, error)

	// Remove every record with the value, whoever owns it
	// Removing absent token is not an error: removed is false then
	Remove(ctx context.Context, token string) (removed bool, err error)

	// Delete records issued before the moment
	DeleteCreatedBefore(ctx context.Context, before time.Time) (int64, error)
}
