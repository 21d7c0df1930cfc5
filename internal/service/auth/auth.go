package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/models"
	"github.com/nkiryanov/gopherauth/internal/repository"
	"github.com/nkiryanov/gopherauth/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/gopherauth/internal/service/notify"
	"github.com/nkiryanov/gopherauth/internal/userctx"
)

const (
	defaultAccessHeaderName  = "Authorization"
	defaultAccessAuthScheme  = "Bearer"
	defaultRefreshCookieName = "refreshToken"
	defaultRefreshTTL        = 7 * 24 * time.Hour

	// Compared against on login with unknown email so the response takes as long as for a known one
	dummyPassword = "dummy-password-for-timing"
)

// Interface to create or compare user password hashes
type PasswordHasher interface {
	// Generate Hash from password
	Hash(password string) (string, error)

	// Compare known hashedPassword and user provided password
	// Must be protected against timing attacks
	Verify(hashedPassword string, password string) bool
}

type TokenManager interface {
	IssueAccess(claims models.TokenClaims) (models.IssuedToken, error)
	IssueRefresh(claims models.TokenClaims) (models.IssuedToken, error)
	Verify(token string, kind tokenmanager.Kind) (models.TokenClaims, error)
}

// Fire and forget email delivery
type Notifier interface {
	Notify(msg notify.Message)
}

type Config struct {
	// Hasher to use during user registration or login process
	// BcryptHasher with default cost if not set
	Hasher PasswordHasher

	// Issue new refresh token on every refresh and forget the used one
	RotateRefresh bool

	// Set Secure flag on refresh cookie (production)
	SecureCookie bool

	// Refresh cookie lifetime, should match refresh token TTL
	RefreshTTL time.Duration

	// Where access and refresh tokens are transported
	// Defaults: "Authorization" header with "Bearer" scheme, "refreshToken" cookie
	AccessHeaderName  string
	AccessAuthScheme  string
	RefreshCookieName string
}

// Auth service
type Service struct {
	hasher   PasswordHasher
	tokens   TokenManager
	storage  repository.Storage
	notifier Notifier

	rotateRefresh bool
	secureCookie  bool
	refreshTTL    time.Duration

	accessHeaderName  string
	accessAuthScheme  string
	refreshCookieName string

	dummyOnce sync.Once
	dummyHash string
}

type noopNotifier struct{}

func (noopNotifier) Notify(notify.Message) {}

func NewService(cfg Config, tokens TokenManager, storage repository.Storage, notifier Notifier) (*Service, error) {
	if tokens == nil || storage == nil {
		return nil, errors.New("token manager and storage must not be nil")
	}

	// Set default bcrypt hasher if not provided by user
	if cfg.Hasher == nil {
		cfg.Hasher = BcryptHasher{}
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}

	setDefault := func(field *string, def string) {
		if *field == "" {
			*field = def
		}
	}
	setDefault(&cfg.AccessHeaderName, defaultAccessHeaderName)
	setDefault(&cfg.AccessAuthScheme, defaultAccessAuthScheme)
	setDefault(&cfg.RefreshCookieName, defaultRefreshCookieName)

	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}

	return &Service{
		hasher:            cfg.Hasher,
		tokens:            tokens,
		storage:           storage,
		notifier:          notifier,
		rotateRefresh:     cfg.RotateRefresh,
		secureCookie:      cfg.SecureCookie,
		refreshTTL:        cfg.RefreshTTL,
		accessHeaderName:  cfg.AccessHeaderName,
		accessAuthScheme:  cfg.AccessAuthScheme,
		refreshCookieName: cfg.RefreshCookieName,
	}, nil
}

// Register new user. No tokens are issued, user has to login
func (s *Service) Register(ctx context.Context, name string, email string, password string) (models.User, error) {
	email = normalizeEmail(email)
	name = strings.TrimSpace(name)

	// Unique index catches the race, the pre-check saves a bcrypt round for the common case
	_, err := s.storage.User().GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return models.User{}, apperrors.ErrDuplicateEmail
	case !errors.Is(err, apperrors.ErrUserNotFound):
		return models.User{}, fmt.Errorf("error while checking email. Err: %w", err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return models.User{}, fmt.Errorf("can't use this as password, error=%w", err)
	}

	user, err := s.storage.User().CreateUser(ctx, email, name, hash)
	if err != nil {
		return models.User{}, err
	}

	s.notifier.Notify(notify.Welcome(user.Email, user.Name))
	return user, nil
}

// Check credentials and open new session: access token plus stored refresh token
func (s *Service) Login(ctx context.Context, email string, password string) (models.User, models.TokenPair, error) {
	user, err := s.storage.User().GetUserByEmail(ctx, normalizeEmail(email))
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		s.hasher.Verify(s.getDummyHash(), password)
		return models.User{}, models.TokenPair{}, apperrors.ErrInvalidCredentials
	case err != nil:
		return models.User{}, models.TokenPair{}, fmt.Errorf("error while getting user. Err: %w", err)
	}

	if !s.hasher.Verify(user.HashedPassword, password) {
		return models.User{}, models.TokenPair{}, apperrors.ErrInvalidCredentials
	}

	pair, err := s.issuePair(ctx, user)
	if err != nil {
		return models.User{}, models.TokenPair{}, err
	}

	s.notifier.Notify(notify.LoginNotice(user.Email, user.Name))
	return user, pair, nil
}

// Exchange refresh token for a new access token
// With rotation the used refresh token is forgotten and a new one is returned in pair.Refresh
func (s *Service) Refresh(ctx context.Context, token string) (models.User, models.TokenPair, error) {
	if token == "" {
		return models.User{}, models.TokenPair{}, apperrors.ErrUnauthenticated
	}

	claims, err := s.tokens.Verify(token, tokenmanager.Refresh)
	if err != nil {
		return models.User{}, models.TokenPair{}, err
	}

	user, err := s.storage.User().GetUserByID(ctx, claims.UserID)
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		return models.User{}, models.TokenPair{}, err
	case err != nil:
		return models.User{}, models.TokenPair{}, fmt.Errorf("error while getting user. Err: %w", err)
	}

	if s.rotateRefresh {
		return s.rotate(ctx, user, token)
	}

	_, err = s.storage.Refresh().Find(ctx, user.ID, token)
	switch {
	case errors.Is(err, apperrors.ErrRefreshTokenNotFound):
		return models.User{}, models.TokenPair{}, apperrors.ErrTokenNotRecognized
	case err != nil:
		return models.User{}, models.TokenPair{}, fmt.Errorf("error while finding refresh token. Err: %w", err)
	}

	access, err := s.tokens.IssueAccess(claimsOf(user))
	if err != nil {
		return models.User{}, models.TokenPair{}, fmt.Errorf("token could not generated, sorry. %w", err)
	}

	return user, models.TokenPair{Access: access}, nil
}

// New session is stored before the used token is removed, so a failed issue keeps the old one valid
// Of concurrent refreshes with the same token only the one that removes it wins
func (s *Service) rotate(ctx context.Context, user models.User, used string) (models.User, models.TokenPair, error) {
	pair, err := s.issuePair(ctx, user)
	if err != nil {
		return models.User{}, models.TokenPair{}, err
	}

	removed, err := s.storage.Refresh().Remove(ctx, used)
	if err == nil && removed {
		return user, pair, nil
	}

	// Roll back the new session
	if _, rbErr := s.storage.Refresh().Remove(ctx, pair.Refresh.Value); rbErr != nil {
		err = errors.Join(err, rbErr)
	}
	if err != nil {
		return models.User{}, models.TokenPair{}, fmt.Errorf("error while removing refresh token. Err: %w", err)
	}
	return models.User{}, models.TokenPair{}, apperrors.ErrTokenNotRecognized
}

// Forget refresh token. Unknown or empty token is not an error
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	if _, err := s.storage.Refresh().Remove(ctx, token); err != nil {
		return fmt.Errorf("error while removing refresh token. Err: %w", err)
	}
	return nil
}

// Resolve user by access token from request header
func (s *Service) Authenticate(ctx context.Context, r *http.Request) (models.User, error) {
	scheme, token, ok := strings.Cut(r.Header.Get(s.accessHeaderName), " ")
	if !ok || !strings.EqualFold(scheme, s.accessAuthScheme) || strings.TrimSpace(token) == "" {
		return models.User{}, apperrors.ErrUnauthenticated
	}

	claims, err := s.tokens.Verify(strings.TrimSpace(token), tokenmanager.Access)
	if err != nil {
		return models.User{}, err
	}

	user, err := s.storage.User().GetUserByID(ctx, claims.UserID)
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		return models.User{}, err
	case err != nil:
		return models.User{}, fmt.Errorf("error while getting user. Err: %w", err)
	}

	return user, nil
}

// User attached to the context by auth middleware
func (s *Service) Introspect(ctx context.Context) (models.User, error) {
	user, ok := userctx.FromContext(ctx)
	if !ok {
		return models.User{}, apperrors.ErrUnauthenticated
	}
	return user, nil
}

func (s *Service) SetRefreshCookie(w http.ResponseWriter, token models.IssuedToken) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.refreshCookieName,
		Value:    token.Value,
		Path:     "/",
		MaxAge:   int(s.refreshTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Service) ClearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.refreshCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Service) ReadRefreshToken(r *http.Request) (string, error) {
	cookie, err := r.Cookie(s.refreshCookieName)
	if err != nil || cookie.Value == "" {
		return "", apperrors.ErrUnauthenticated
	}
	return cookie.Value, nil
}

func (s *Service) issuePair(ctx context.Context, user models.User) (models.TokenPair, error) {
	claims := claimsOf(user)

	access, err := s.tokens.IssueAccess(claims)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("token could not generated, sorry. %w", err)
	}

	refresh, err := s.tokens.IssueRefresh(claims)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("token could not generated, sorry. %w", err)
	}

	err = s.storage.Refresh().Append(ctx, models.RefreshToken{
		UserID:    user.ID,
		Token:     refresh.Value,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("error while saving refresh token. Err: %w", err)
	}

	return models.TokenPair{Access: access, Refresh: refresh}, nil
}

func (s *Service) getDummyHash() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash(dummyPassword)
	})
	return s.dummyHash
}

func claimsOf(user models.User) models.TokenClaims {
	return models.TokenClaims{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
