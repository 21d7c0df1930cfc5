package apperrors

import (
	"errors"
)

var (
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")

	// Request carries no credential at all
	ErrUnauthenticated = errors.New("not authenticated")

	// Token failed verification. Always returned together with one of the reasons below
	ErrInvalidToken   = errors.New("token invalid")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("token malformed or signature mismatch")

	// Token verified but not present in the token store (logged out or rotated)
	ErrTokenNotRecognized   = errors.New("refresh token not recognized")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	ErrRateLimited = errors.New("rate limit exceeded")
)
