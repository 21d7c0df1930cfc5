package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/models"
	"github.com/nkiryanov/gopherauth/internal/userctx"
)

// Allow to use a function as auth service
type authFunc func(ctx context.Context, r *http.Request) (models.User, error)

func (f authFunc) Authenticate(ctx context.Context, r *http.Request) (models.User, error) {
	return f(ctx, r)
}

func TestAuthMiddleware_Auth(t *testing.T) {
	// Simple handler that try to get user from context
	// If ok write it email to response
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Must always be true cause middleware has to set user to response or write error to response
		user, ok := userctx.FromContext(r.Context())
		require.True(t, ok)

		w.WriteHeader(http.StatusOK)
		_, err := w.Write([]byte(user.Email))
		require.NoError(t, err, "should write email to response")
	})

	get := func(t *testing.T, h http.Handler) (*http.Response, string) {
		srv := httptest.NewServer(h)
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/test")
		require.NoError(t, err, "should make request to test server")
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err, "should read response body")
		defer resp.Body.Close() // nolint:errcheck

		return resp, string(body)
	}

	t.Run("auth ok", func(t *testing.T) {
		// Middleware that always return ok
		middleware := NewAuth(authFunc(func(ctx context.Context, r *http.Request) (models.User, error) {
			return models.User{Email: "ann@x.com"}, nil
		}), &recordingLogger{})

		resp, body := get(t, middleware.Auth(handler))

		require.Equalf(t, http.StatusOK, resp.StatusCode, "should return status OK. Resp: %s", body)
		require.Equal(t, "ann@x.com", body, "should return email in response")
	})

	t.Run("auth fail", func(t *testing.T) {
		middleware := NewAuth(authFunc(func(ctx context.Context, r *http.Request) (models.User, error) {
			return models.User{}, apperrors.ErrUnauthenticated
		}), &recordingLogger{})

		resp, body := get(t, middleware.Auth(handler))

		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.JSONEq(t, `{"error": "unauthenticated", "message": "Not authenticated"}`, body)
	})

	t.Run("invalid token", func(t *testing.T) {
		middleware := NewAuth(authFunc(func(ctx context.Context, r *http.Request) (models.User, error) {
			return models.User{}, apperrors.ErrInvalidToken
		}), &recordingLogger{})

		resp, body := get(t, middleware.Auth(handler))

		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.JSONEq(t, `{"error": "invalid_token", "message": "Token invalid or expired"}`, body)
	})

	t.Run("unexpected error logged", func(t *testing.T) {
		logger := &recordingLogger{}
		middleware := NewAuth(authFunc(func(ctx context.Context, r *http.Request) (models.User, error) {
			return models.User{}, errors.New("db is down")
		}), logger)

		resp, _ := get(t, middleware.Auth(handler))

		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		require.Len(t, logger.calls, 1)
		require.Equal(t, "error", logger.calls[0].level)
	})
}
