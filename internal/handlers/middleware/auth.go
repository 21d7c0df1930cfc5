package middleware

import (
	"context"
	"net/http"

	"github.com/nkiryanov/gopherauth/internal/handlers/render"
	"github.com/nkiryanov/gopherauth/internal/models"
	"github.com/nkiryanov/gopherauth/internal/userctx"
)

type authService interface {
	Authenticate(ctx context.Context, r *http.Request) (models.User, error)
}

type errorLogger interface {
	Error(msg string, args ...any)
}

type Auth struct {
	service authService
	logger  errorLogger
}

func NewAuth(as authService, l errorLogger) *Auth {
	return &Auth{service: as, logger: l}
}

// Attach authenticated user to request context or reject request with 401
func (m *Auth) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := m.service.Authenticate(r.Context(), r)
		if err != nil {
			if !render.AppError(w, err) {
				m.logger.Error("Failed to authenticate request", "error", err, "uri", r.RequestURI)
			}
			return
		}

		ctx := userctx.New(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
