package tokenmanager

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/models"
)

const (
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultSigningMethod   = "HS256"
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// Which secret the token is signed with
type Kind int

const (
	Access Kind = iota
	Refresh
)

func (k Kind) String() string {
	switch k {
	case Access:
		return "access"
	case Refresh:
		return "refresh"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID uuid.UUID `json:"uid"`
	Email  string    `json:"email"`
	Name   string    `json:"name,omitempty"`
}

// Token manager with sensible default
type Config struct {
	// Secret keys to sign access and refresh tokens
	// Both required and must differ
	AccessSecret  string
	RefreshSecret string

	// JWT MAC (Message Authentication Code) algorithm
	// If not set than default is used
	Alg string

	// Access and refresh token lifetimes
	// If not set than default is used
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type TokenManager struct {
	accessKey  []byte
	refreshKey []byte

	// JWT MAC (Message Authentication Code) algorithm
	alg jwt.SigningMethod

	// Access and refresh token lifetimes
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func New(cfg Config) (*TokenManager, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("access and refresh secrets must not be empty")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("access and refresh secrets must differ")
	}

	if cfg.Alg == "" {
		cfg.Alg = defaultSigningMethod
	}
	alg, ok := jwt.GetSigningMethod(cfg.Alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported signing method %q, HMAC expected", cfg.Alg)
	}

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field <= 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.AccessTTL, defaultAccessTokenTTL)
	setDefaultDuration(&cfg.RefreshTTL, defaultRefreshTokenTTL)

	return &TokenManager{
		accessKey:  []byte(cfg.AccessSecret),
		refreshKey: []byte(cfg.RefreshSecret),
		alg:        alg,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
	}, nil
}

func (m *TokenManager) AccessTTL() time.Duration  { return m.accessTTL }
func (m *TokenManager) RefreshTTL() time.Duration { return m.refreshTTL }

func (m *TokenManager) IssueAccess(claims models.TokenClaims) (models.IssuedToken, error) {
	return m.issue(claims, m.accessKey, m.accessTTL)
}

func (m *TokenManager) IssueRefresh(claims models.TokenClaims) (models.IssuedToken, error) {
	return m.issue(claims, m.refreshKey, m.refreshTTL)
}

func (m *TokenManager) issue(claims models.TokenClaims, key []byte, ttl time.Duration) (models.IssuedToken, error) {
	now := time.Now().Truncate(time.Second)
	expiresAt := now.Add(ttl)

	token := jwt.NewWithClaims(
		m.alg,
		tokenClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        uuid.NewString(),
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(expiresAt),
			},
			UserID: claims.UserID,
			Email:  claims.Email,
			Name:   claims.Name,
		},
	)

	signed, err := token.SignedString(key)
	if err != nil {
		return models.IssuedToken{}, fmt.Errorf("error while signing token. Err: %w", err)
	}

	return models.IssuedToken{Value: signed, ExpiresAt: expiresAt}, nil
}

// Parse and validate token of the kind
// Error always wraps apperrors.ErrInvalidToken plus ErrTokenExpired or ErrTokenMalformed
func (m *TokenManager) Verify(token string, kind Kind) (models.TokenClaims, error) {
	var key []byte
	switch kind {
	case Access:
		key = m.accessKey
	case Refresh:
		key = m.refreshKey
	default:
		return models.TokenClaims{}, fmt.Errorf("unknown token kind %s", kind)
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{m.alg.Alg()}),
		jwt.WithExpirationRequired(),
	)

	switch {
	case err == nil && claims.UserID != uuid.Nil:
		return models.TokenClaims{
			UserID:    claims.UserID,
			Email:     claims.Email,
			Name:      claims.Name,
			IssuedAt:  claims.IssuedAt.Time,
			ExpiresAt: claims.ExpiresAt.Time,
		}, nil
	case err == nil:
		return models.TokenClaims{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidToken, apperrors.ErrTokenMalformed)
	case errors.Is(err, jwt.ErrTokenExpired):
		return models.TokenClaims{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidToken, apperrors.ErrTokenExpired)
	default:
		return models.TokenClaims{}, fmt.Errorf("%w: %w: %v", apperrors.ErrInvalidToken, apperrors.ErrTokenMalformed, err)
	}
}
