package handlers

import (
	"context"
	"net/http"

	"github.com/nkiryanov/gopherauth/internal/handlers/middleware"
	"github.com/nkiryanov/gopherauth/internal/logger"
	"github.com/nkiryanov/gopherauth/internal/models"
	"github.com/nkiryanov/gopherauth/internal/ratelimit"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

type RouterConfig struct {
	// Origins allowed to call the API from browser with credentials
	AllowedOrigins []string

	// Limiter for login attempts per client IP. No limit if nil
	LoginLimiter ratelimit.Limiter

	// Client IP is taken from X-Forwarded-For
	TrustProxy bool
}

func NewRouter(authService authService, cfg RouterConfig, logger logger.Logger) http.Handler {
	authMiddleware := middleware.NewAuth(authService, logger)
	withAuth := func(h http.Handler) http.Handler {
		return authMiddleware.Auth(h)
	}

	withLoginLimit := func(h http.Handler) http.Handler { return h }
	if cfg.LoginLimiter != nil {
		withLoginLimit = middleware.RateLimit(cfg.LoginLimiter, middleware.RateLimitConfig{TrustProxy: cfg.TrustProxy}, logger)
	}

	apiauth := http.NewServeMux()

	apiauth.Handle("POST /register", handleRegister(authService, logger))
	apiauth.Handle("POST /login", withLoginLimit(handleLogin(authService, logger)))
	apiauth.Handle("POST /refresh", handleRefresh(authService, logger))
	apiauth.Handle("POST /logout", handleLogout(authService, logger))
	apiauth.Handle("GET /me", withAuth(handleMe(authService, logger)))

	root := http.NewServeMux()
	root.Handle("/auth/", http.StripPrefix("/auth", apiauth))

	handler := chain(root,
		middleware.Recover(logger),
		middleware.LoggerMiddleware(logger),
		middleware.CORS(cfg.AllowedOrigins),
	)

	return handler
}

type authService interface {
	// Register user with name, email and password
	// Has to return apperrors.ErrDuplicateEmail if email taken
	Register(ctx context.Context, name string, email string, password string) (models.User, error)

	// Login user with email and password
	// Has to return apperrors.ErrInvalidCredentials if user not found or password mismatch
	Login(ctx context.Context, email string, password string) (models.User, models.TokenPair, error)

	// Issue new access token for refresh token
	Refresh(ctx context.Context, refresh string) (models.User, models.TokenPair, error)

	// Forget refresh token
	Logout(ctx context.Context, refresh string) error

	// Get request and return user if it authenticated or error
	Authenticate(ctx context.Context, r *http.Request) (models.User, error)

	// User attached to context by auth middleware
	Introspect(ctx context.Context) (models.User, error)

	// Refresh token transport
	SetRefreshCookie(w http.ResponseWriter, token models.IssuedToken)
	ClearRefreshCookie(w http.ResponseWriter)
	ReadRefreshToken(r *http.Request) (string, error)
}
