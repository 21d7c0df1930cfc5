package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/handlers/render"
	"github.com/nkiryanov/gopherauth/internal/logger"
	"github.com/nkiryanov/gopherauth/internal/models"
)

// Public view of the user
type userResponse struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
}

func newUserResponse(u models.User) userResponse {
	return userResponse{ID: u.ID, Name: u.Name, Email: u.Email}
}

func handleRegister(authService authService, l logger.Logger) http.Handler {
	type request struct {
		Name     string `json:"name" validate:"notblank" msg:"Name is required"`
		Email    string `json:"email" validate:"required,email" msg:"Valid email required"`
		Password string `json:"password" validate:"min=6" msg:"Password must be at least 6 characters"`
	}
	type response struct {
		Message string       `json:"message"`
		User    userResponse `json:"user"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		user, err := authService.Register(r.Context(), data.Name, data.Email, data.Password)
		if err != nil {
			if !render.AppError(w, err) {
				l.Error("Register error", "error", err)
			}
			return
		}

		render.Status(w, response{Message: "Registration successful!", User: newUserResponse(user)}, http.StatusCreated)
	})
}

func handleLogin(authService authService, l logger.Logger) http.Handler {
	type request struct {
		Email    string `json:"email" validate:"required,email" msg:"Valid email required"`
		Password string `json:"password" validate:"required" msg:"Password required"`
	}
	type response struct {
		Message string       `json:"message"`
		Token   string       `json:"token"`
		User    userResponse `json:"user"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		user, pair, err := authService.Login(r.Context(), data.Email, data.Password)
		if err != nil {
			if !render.AppError(w, err) {
				l.Error("Login error", "error", err)
			}
			return
		}

		authService.SetRefreshCookie(w, pair.Refresh)
		render.JSON(w, response{
			Message: "Login successful!",
			Token:   pair.Access.Value,
			User:    newUserResponse(user),
		})
	})
}

func handleRefresh(authService authService, l logger.Logger) http.Handler {
	type response struct {
		Token string       `json:"token"`
		User  userResponse `json:"user"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := authService.ReadRefreshToken(r)
		if err != nil {
			render.Error(w, render.UnauthenticatedType, "No refresh token provided", http.StatusUnauthorized)
			return
		}

		user, pair, err := authService.Refresh(r.Context(), token)
		switch {
		case errors.Is(err, apperrors.ErrInvalidToken):
			l.Debug("Refresh token rejected", "error", err)
			render.Error(w, render.InvalidTokenType, "Refresh token invalid or expired", http.StatusUnauthorized)
			return
		case err != nil:
			if !render.AppError(w, err) {
				l.Error("Refresh token error", "error", err)
			}
			return
		}

		// Rotated
		if pair.Refresh.Value != "" {
			authService.SetRefreshCookie(w, pair.Refresh)
		}

		render.JSON(w, response{Token: pair.Access.Value, User: newUserResponse(user)})
	})
}

func handleLogout(authService authService, l logger.Logger) http.Handler {
	type response struct {
		Message string `json:"message"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Missing cookie is fine: logout is idempotent
		token, _ := authService.ReadRefreshToken(r)

		authService.ClearRefreshCookie(w)

		if err := authService.Logout(r.Context(), token); err != nil {
			l.Error("Logout error", "error", err)
			render.AppError(w, err)
			return
		}

		render.JSON(w, response{Message: "Logged out"})
	})
}

func handleMe(authService authService, l logger.Logger) http.Handler {
	type response struct {
		User userResponse `json:"user"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := authService.Introspect(r.Context())
		if err != nil {
			if !render.AppError(w, err) {
				l.Error("Introspect error", "error", err)
			}
			return
		}

		render.JSON(w, response{User: newUserResponse(user)})
	})
}
