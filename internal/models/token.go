package models

import (
	"time"

	"github.com/google/uuid"
)

// One outstanding refresh token of a user (one session, one device)
type RefreshToken struct {
	UserID    uuid.UUID
	Token     string
	CreatedAt time.Time
}

// Identity payload signed into access and refresh tokens
type TokenClaims struct {
	UserID    uuid.UUID
	Email     string
	Name      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Token pair issued by the auth service
// Refresh is zero value when only access token was issued (refresh without rotation)
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
}
