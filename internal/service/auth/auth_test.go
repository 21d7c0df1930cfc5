package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/models"
	"github.com/nkiryanov/gopherauth/internal/repository"
	"github.com/nkiryanov/gopherauth/internal/repository/postgres"
	"github.com/nkiryanov/gopherauth/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/gopherauth/internal/service/notify"
	"github.com/nkiryanov/gopherauth/internal/testutil"
	"github.com/nkiryanov/gopherauth/internal/userctx"
)

type fakeNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (n *fakeNotifier) Notify(msg notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

func (n *fakeNotifier) Subjects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	subjects := make([]string, 0, len(n.messages))
	for _, m := range n.messages {
		subjects = append(subjects, m.Subject)
	}
	return subjects
}

// Storage that can't save new refresh tokens
type failingAppendStorage struct {
	repository.Storage
}

func (s failingAppendStorage) Refresh() repository.RefreshTokenRepo {
	return failingAppendRepo{RefreshTokenRepo: s.Storage.Refresh()}
}

type failingAppendRepo struct {
	repository.RefreshTokenRepo
}

func (failingAppendRepo) Append(context.Context, models.RefreshToken) error {
	return errors.New("storage is down")
}

type serviceOpts struct {
	accessTTL  time.Duration
	refreshTTL time.Duration
	rotate     bool
}

func Test_Auth(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	// Begin new db transaction and create new Service
	// Rollback transaction when test stops
	withTx := func(dbpool *pgxpool.Pool, opts serviceOpts, t *testing.T, fn func(s *Service, n *fakeNotifier, tokens *tokenmanager.TokenManager)) {
		testutil.WithTx(dbpool, t, func(tx pgx.Tx) {
			tokens, err := tokenmanager.New(tokenmanager.Config{
				AccessSecret:  "test-access-secret",
				RefreshSecret: "test-refresh-secret",
				AccessTTL:     opts.accessTTL,
				RefreshTTL:    opts.refreshTTL,
			})
			require.NoError(t, err, "token manager should be created without errors")

			n := &fakeNotifier{}
			s, err := NewService(
				Config{Hasher: BcryptHasher{Cost: bcrypt.MinCost}, RotateRefresh: opts.rotate},
				tokens,
				postgres.NewStorage(tx),
				n,
			)
			require.NoError(t, err, "auth service could't be started", err)

			fn(s, n, tokens)
		})
	}
	defaults := serviceOpts{accessTTL: 15 * time.Minute, refreshTTL: 24 * time.Hour}

	register := func(t *testing.T, s *Service, email string) models.User {
		t.Helper()
		user, err := s.Register(t.Context(), "Ann", email, "secret1")
		require.NoError(t, err)
		return user
	}

	t.Run("new auth service defaults", func(t *testing.T) {
		tokens, err := tokenmanager.New(tokenmanager.Config{AccessSecret: "a", RefreshSecret: "r"})
		require.NoError(t, err)

		s, err := NewService(Config{}, tokens, postgres.NewStorage(pg.Pool), nil)
		require.NoError(t, err, "auth service should be created without errors")

		require.Equal(t, defaultAccessHeaderName, s.accessHeaderName, "default access header name should be set")
		require.Equal(t, defaultAccessAuthScheme, s.accessAuthScheme, "default access auth")
		require.Equal(t, defaultRefreshCookieName, s.refreshCookieName, "default refresh cookie name should be set")
		require.Equal(t, defaultRefreshTTL, s.refreshTTL)
		require.Equal(t, BcryptHasher{}, s.hasher, "default hasher should be set to BcryptHasher")
		require.False(t, s.rotateRefresh, "rotation is off by default")
	})

	t.Run("new fails without dependencies", func(t *testing.T) {
		_, err := NewService(Config{}, nil, nil, nil)
		require.Error(t, err)
	})

	t.Run("Register", func(t *testing.T) {
		t.Run("new user ok", func(t *testing.T) {
			withTx(pg.Pool, defaults, t, func(s *Service, n *fakeNotifier, _ *tokenmanager.TokenManager) {
				user, err := s.Register(t.Context(), " Ann ", " Ann@X.com ", "secret1")

				require.NoError(t, err, "registering new user should be ok")
				assert.Equal(t, "Ann", user.Name)
				assert.Equal(t, "ann@x.com", user.Email, "email has to be normalized")
				assert.NotEqual(t, "secret1", user.HashedPassword, "password must be stored hashed")
				assert.Equal(t, []string{"Welcome to Auth System"}, n.Subjects())
			})
		})

		t.Run("fail if email exists", func(t *testing.T) {
			withTx(pg.Pool, defaults, t, func(s *Service, n *fakeNotifier, _ *tokenmanager.TokenManager) {
				register(t, s, "ann@x.com")

				_, err := s.Register(t.Context(), "Other", "ANN@x.com", "other-pwd")

				require.ErrorIs(t, err, apperrors.ErrDuplicateEmail)
				assert.Len(t, n.Subjects(), 1, "no welcome for failed registration")
			})
		})
	})

	t.Run("Login", func(t *testing.T) {
		t.Run("existing user ok", func(t *testing.T) {
			withTx(pg.Pool, defaults, t, func(s *Service, n *fakeNotifier, tokens *tokenmanager.TokenManager) {
				registered := register(t, s, "ann@x.com")

				user, pair, err := s.Login(t.Context(), "Ann@X.com", "secret1")

				require.NoError(t, err)
				assert.Equal(t, registered.ID, user.ID)
				require.NotEmpty(t, pair.Access.Value, "access token should not be empty")
				require.NotEmpty(t, pair.Refresh.Value, "refresh token should not be empty")

				claims, err := tokens.Verify(pair.Access.Value, tokenmanager.Access)
				require.NoError(t, err)
				assert.Equal(t, models.TokenClaims{UserID: user.ID, Email: "ann@x.com", Name: "Ann", IssuedAt: claims.IssuedAt, ExpiresAt: claims.ExpiresAt}, claims)

				_, err = s.storage.Refresh().Find(t.Context(), user.ID, pair.Refresh.Value)
				assert.NoError(t, err, "refresh token has to be stored")
				assert.Equal(t, []string{"Welcome to Auth System", "Login Notification"}, n.Subjects())
			})
		})

		tests := []struct {
			name     string
			email    string
			password string
		}{
			{
				name:     "login fail if wrong password",
				email:    "ann@x.com",
				password: "wrong",
			},
			{
				name:     "login fail if user not exists",
				email:    "not-existed@x.com",
				password: "secret1",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				withTx(pg.Pool, defaults, t, func(s *Service, n *fakeNotifier, _ *tokenmanager.TokenManager) {
					register(t, s, "ann@x.com")

					_, pair, err := s.Login(t.Context(), tt.email, tt.password)

					require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
					assert.Equal(t, models.TokenPair{}, pair)
					assert.Len(t, n.Subjects(), 1, "no login notice on failure")
				})
			})
		}

		t.Run("many sessions", func(t *testing.T) {
			withTx(pg.Pool, defaults, t, func(s *Service, _ *fakeNotifier, _ *tokenmanager.TokenManager) {
				register(t, s, "ann@x.com")

				var refreshes []string
				for range 3 {
					_, pair, err := s.Login(t.Context(), "ann@x.com", "secret1")
					require.NoError(t, err)
					refreshes = append(refreshes, pair.Refresh.Value)
				}

				// Revoke one, others keep working
				require.NoError(t, s.Logout(t.Context(), refreshes[1]))

				_, _, err := s.Refresh(t.Context(), refreshes[0])
				assert.NoError(t, err)
				_, _, err = s.Refresh(t.Context(), refreshes[1])
				assert.ErrorIs(t, err, apperrors.ErrTokenNotRecognized)
				_, _, err = s.Refresh(t.Context(), refreshes[2])
				assert.NoError(t, err)
			})
		})
	})

	t.Run("Refresh", func(t *testing.T) {
		t.Run("refresh ok", func(t *testing.T) {
			withTx(pg.Pool, defaults, t, func(s *Service, _ *fakeNotifier, tokens *tokenmanager.TokenManager) {
				register(t, s, "ann@x.com")
				user, loginPair, err := s.Login(t.Context(), "ann@x.com", "secret1")
				require.NoError(t, err)

				refreshed, pair, err := s.Refresh(t.Context(), loginPair.Refresh.Value)

				require.NoError(t, err)
				assert.Equal(t, user.ID, refreshed.ID)
				assert.NotEqual(t, loginPair.Access.Value, pair.Access.Value, "new access token should be different")
				assert.Empty(t, pair.Refresh.Value, "refresh token is not rotated by default")

				claims, err := tokens.Verify(pair.Access.Value, tokenmanager.Access)
				require.NoError(t, err)
				assert.Equal(t, user.ID, claims.UserID)
				assert.Equal(t, user.Email, claims.Email)
				assert.Equal(t, user.Name, claims.Name)

				// Same token may be used again without rotation
				_, _, err = s.Refresh(t.Context(), loginPair.Refresh.Value)
				assert.NoError(t, err)
			})
		})

		t.Run("fail if no token", func(t *testing.T) {
			withTx(pg.Pool, defaults, t, func(s *Service, _ *fakeNotifier, _ *tokenmanager.TokenManager) {
				_, _, err := s.Refresh(t.Context(), "")

				require.ErrorIs(t, err, apperrors.ErrUnauthenticated)
			})
		})

		t.Run("fail if not a token", func(t *testing.T) {
			withTx(pg.Pool, defaults, t, func(s *Service, _ *fakeNotifier, _ *tokenmanager.TokenManager) {
				_, _, err := s.Refresh(t.Context(), "garbage")

				require.ErrorIs(t, err, apperrors.ErrInvalidToken)
			})
		})

		t.Run("fail if access token used", func(t *testing.T) {
			withTx(pg.Pool, defaults, t, func(s *Service, _ *fakeNotifier, _ *tokenmanager.TokenManager) {
				register(t, s, "ann@x.com")
				_, pair, err := s.Login(t.Context(), "ann@x.com", "secret1")
				require.NoError(t, err)

				_, _, err = s.Refresh(t.Context(), pair.Access.Value)

				require.ErrorIs(t, err, apperrors.ErrInvalidToken)
			})
		})

		t.Run("fail if expired", func(t *testing.T) {
			withTx(pg.Pool, serviceOpts{accessTTL: time.Second, refreshTTL: time.Second}, t, func(s *Service, _ *fakeNotifier, _ *tokenmanager.TokenManager) {
				register(t, s, "ann@x.com")
				_, pair, err := s.Login(t.Context(), "ann@x.com", "secret1")
				require.NoError(t, err)

				// Move time forward to make sure refresh token is expired
				time.Sleep(2 * time.Second)

				_, _, err = s.Refresh(t.Context(), pair.Refresh.Value)
				require.ErrorIs(t, err, apperrors.ErrInvalidToken)
				require.ErrorIs(t, err, apperrors.ErrTokenExpired, "should return error if token expired")
			})
		})

		t.Run("fail if user gone", func(t *testing.T) {
			withTx(pg.Pool, defaults, t, func(s *Service, _ *fakeNotifier, tokens *tokenmanager.TokenManager) {
				refresh, err := tokens.IssueRefresh(models.TokenClaims{UserID: uuid.New(), Email: "ghost@x.com"})
				require.NoError(t, err)

				_, _, err = s.Refresh(t.Context(), refresh.Value)

				require.ErrorIs(t, err, apperrors.ErrUserNotFound)
			})
		})

		t.Run("fail if token not stored", func(t *testing.T) {
			withTx(pg.Pool, defaults, t, func(s *Service, _ *fakeNotifier, tokens *tokenmanager.TokenManager) {
				user := register(t, s, "ann@x.com")
				refresh, err := tokens.IssueRefresh(claimsOf(user))
				require.NoError(t, err)

				_, _, err = s.Refresh(t.Context(), refresh.Value)

				require.ErrorIs(t, err, apperrors.ErrTokenNotRecognized)
			})
		})

		t.Run("fail after logout", func(t *testing.T) {
			withTx(pg.Pool, defaults, t, func(s *Service, _ *fakeNotifier, _ *tokenmanager.TokenManager) {
				register(t, s, "ann@x.com")
				_, pair, err := s.Login(t.Context(), "ann@x.com", "secret1")
				require.NoError(t, err)

				err = s.Logout(t.Context(), pair.Refresh.Value)
				require.NoError(t, err)

				_, _, err = s.Refresh(t.Context(), pair.Refresh.Value)
				require.ErrorIs(t, err, apperrors.ErrTokenNotRecognized)
			})
		})

		t.Run("rotation", func(t *testing.T) {
			withTx(pg.Pool, serviceOpts{accessTTL: 15 * time.Minute, refreshTTL: 24 * time.Hour, rotate: true}, t, func(s *Service, _ *fakeNotifier, _ *tokenmanager.TokenManager) {
				register(t, s, "ann@x.com")
				_, loginPair, err := s.Login(t.Context(), "ann@x.com", "secret1")
				require.NoError(t, err)

				_, rotated, err := s.Refresh(t.Context(), loginPair.Refresh.Value)
				require.NoError(t, err)
				require.NotEmpty(t, rotated.Refresh.Value, "new refresh token has to be issued")
				require.NotEqual(t, loginPair.Refresh.Value, rotated.Refresh.Value)

				// Used token is single use
				_, _, err = s.Refresh(t.Context(), loginPair.Refresh.Value)
				require.ErrorIs(t, err, apperrors.ErrTokenNotRecognized, "should return error if token already used")

				_, _, err = s.Refresh(t.Context(), rotated.Refresh.Value)
				require.NoError(t, err, "rotated token works")
			})
		})

		t.Run("rotation keeps used token if new one not stored", func(t *testing.T) {
			testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
				tokens, err := tokenmanager.New(tokenmanager.Config{AccessSecret: "a", RefreshSecret: "r"})
				require.NoError(t, err)
				newService := func(storage repository.Storage) *Service {
					s, err := NewService(Config{Hasher: BcryptHasher{Cost: bcrypt.MinCost}, RotateRefresh: true}, tokens, storage, nil)
					require.NoError(t, err)
					return s
				}
				s := newService(postgres.NewStorage(tx))
				broken := newService(failingAppendStorage{Storage: postgres.NewStorage(tx)})

				register(t, s, "ann@x.com")
				_, pair, err := s.Login(t.Context(), "ann@x.com", "secret1")
				require.NoError(t, err)

				_, _, err = broken.Refresh(t.Context(), pair.Refresh.Value)
				require.Error(t, err)
				require.NotErrorIs(t, err, apperrors.ErrTokenNotRecognized)

				_, _, err = s.Refresh(t.Context(), pair.Refresh.Value)
				require.NoError(t, err, "session must survive failed rotation")
			})
		})

		t.Run("rotation of used token leaves no new session", func(t *testing.T) {
			testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
				tokens, err := tokenmanager.New(tokenmanager.Config{AccessSecret: "a", RefreshSecret: "r"})
				require.NoError(t, err)
				s, err := NewService(Config{Hasher: BcryptHasher{Cost: bcrypt.MinCost}, RotateRefresh: true}, tokens, postgres.NewStorage(tx), nil)
				require.NoError(t, err)

				user := register(t, s, "ann@x.com")
				_, pair, err := s.Login(t.Context(), "ann@x.com", "secret1")
				require.NoError(t, err)
				require.NoError(t, s.Logout(t.Context(), pair.Refresh.Value))

				_, _, err = s.Refresh(t.Context(), pair.Refresh.Value)
				require.ErrorIs(t, err, apperrors.ErrTokenNotRecognized)

				var count int
				err = tx.QueryRow(t.Context(), "SELECT count(*) FROM refresh_tokens WHERE user_id = $1", user.ID).Scan(&count)
				require.NoError(t, err)
				require.Zero(t, count, "token issued for rejected refresh must be removed")
			})
		})
	})

	t.Run("Logout", func(t *testing.T) {
		t.Run("idempotent", func(t *testing.T) {
			withTx(pg.Pool, defaults, t, func(s *Service, _ *fakeNotifier, _ *tokenmanager.TokenManager) {
				require.NoError(t, s.Logout(t.Context(), ""))
				require.NoError(t, s.Logout(t.Context(), "unknown-token"))
			})
		})
	})

	t.Run("Authenticate", func(t *testing.T) {
		newRequest := func(header string) *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
			if header != "" {
				r.Header.Set("Authorization", header)
			}
			return r
		}

		t.Run("ok", func(t *testing.T) {
			withTx(pg.Pool, defaults, t, func(s *Service, _ *fakeNotifier, _ *tokenmanager.TokenManager) {
				registered := register(t, s, "ann@x.com")
				_, pair, err := s.Login(t.Context(), "ann@x.com", "secret1")
				require.NoError(t, err)

				user, err := s.Authenticate(t.Context(), newRequest("Bearer "+pair.Access.Value))

				require.NoError(t, err)
				assert.Equal(t, registered.ID, user.ID)
			})
		})

		tests := []struct {
			name    string
			header  string
			wantErr error
		}{
			{"no header", "", apperrors.ErrUnauthenticated},
			{"wrong scheme", "Basic dXNlcjpwd2Q=", apperrors.ErrUnauthenticated},
			{"empty token", "Bearer ", apperrors.ErrUnauthenticated},
			{"garbage token", "Bearer garbage", apperrors.ErrInvalidToken},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				withTx(pg.Pool, defaults, t, func(s *Service, _ *fakeNotifier, _ *tokenmanager.TokenManager) {
					_, err := s.Authenticate(t.Context(), newRequest(tt.header))

					require.ErrorIs(t, err, tt.wantErr)
				})
			})
		}

		t.Run("refresh token is not access token", func(t *testing.T) {
			withTx(pg.Pool, defaults, t, func(s *Service, _ *fakeNotifier, _ *tokenmanager.TokenManager) {
				register(t, s, "ann@x.com")
				_, pair, err := s.Login(t.Context(), "ann@x.com", "secret1")
				require.NoError(t, err)

				_, err = s.Authenticate(t.Context(), newRequest("Bearer "+pair.Refresh.Value))

				require.ErrorIs(t, err, apperrors.ErrInvalidToken)
			})
		})

		t.Run("user gone", func(t *testing.T) {
			withTx(pg.Pool, defaults, t, func(s *Service, _ *fakeNotifier, tokens *tokenmanager.TokenManager) {
				access, err := tokens.IssueAccess(models.TokenClaims{UserID: uuid.New()})
				require.NoError(t, err)

				_, err = s.Authenticate(t.Context(), newRequest("Bearer "+access.Value))

				require.ErrorIs(t, err, apperrors.ErrUserNotFound)
			})
		})
	})

	t.Run("Introspect", func(t *testing.T) {
		withTx(pg.Pool, defaults, t, func(s *Service, _ *fakeNotifier, _ *tokenmanager.TokenManager) {
			_, err := s.Introspect(t.Context())
			require.ErrorIs(t, err, apperrors.ErrUnauthenticated)

			u := models.User{ID: uuid.New(), Email: "ann@x.com"}
			got, err := s.Introspect(userctx.New(t.Context(), u))
			require.NoError(t, err)
			require.Equal(t, u, got)
		})
	})

	t.Run("cookies", func(t *testing.T) {
		withTx(pg.Pool, defaults, t, func(s *Service, _ *fakeNotifier, _ *tokenmanager.TokenManager) {
			w := httptest.NewRecorder()
			s.SetRefreshCookie(w, models.IssuedToken{Value: "refresh-value"})

			cookies := w.Result().Cookies()
			require.Len(t, cookies, 1)
			c := cookies[0]
			assert.Equal(t, "refreshToken", c.Name)
			assert.Equal(t, "refresh-value", c.Value)
			assert.Equal(t, "/", c.Path)
			assert.True(t, c.HttpOnly)
			assert.False(t, c.Secure, "not secure outside production")
			assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
			assert.Equal(t, int(defaultRefreshTTL.Seconds()), c.MaxAge)

			r := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
			r.AddCookie(c)
			got, err := s.ReadRefreshToken(r)
			require.NoError(t, err)
			assert.Equal(t, "refresh-value", got)

			_, err = s.ReadRefreshToken(httptest.NewRequest(http.MethodPost, "/auth/refresh", nil))
			assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)

			w = httptest.NewRecorder()
			s.ClearRefreshCookie(w)
			cleared := w.Result().Cookies()
			require.Len(t, cleared, 1)
			assert.Equal(t, "refreshToken", cleared[0].Name)
			assert.Empty(t, cleared[0].Value)
			assert.Equal(t, -1, cleared[0].MaxAge)
		})
	})
}
