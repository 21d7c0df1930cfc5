package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/gopherauth/internal/db"
	"github.com/nkiryanov/gopherauth/internal/handlers"
	"github.com/nkiryanov/gopherauth/internal/logger"
	"github.com/nkiryanov/gopherauth/internal/ratelimit"
	"github.com/nkiryanov/gopherauth/internal/repository"
	"github.com/nkiryanov/gopherauth/internal/repository/mongodb"
	"github.com/nkiryanov/gopherauth/internal/repository/postgres"
	"github.com/nkiryanov/gopherauth/internal/service/auth"
	"github.com/nkiryanov/gopherauth/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/gopherauth/internal/service/notify"
	"github.com/nkiryanov/gopherauth/internal/service/tokenpruner"
)

const shutdownTimeout = 5 * time.Second

// Background job that stops when ctx is cancelled and closes the returned channel when done
type runner interface {
	Run(ctx context.Context) <-chan struct{}
}

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	logger  logger.Logger
	runners []runner
	closers []func(ctx context.Context) error
}

func NewServerApp(ctx context.Context, c *Config) (app *ServerApp, err error) {
	secureCookie := c.Environment == logger.EnvProd

	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	app = &ServerApp{ListenAddr: c.ListenAddr, logger: logger}
	defer func() {
		if err != nil {
			_ = app.close(context.Background())
		}
	}()

	storage, err := app.openStorage(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	tokenManager, err := tokenmanager.New(tokenmanager.Config{
		AccessSecret:  c.AccessSecret,
		RefreshSecret: c.RefreshSecret,
		AccessTTL:     c.AccessTokenTTL,
		RefreshTTL:    c.RefreshTokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("error while creating token manager. Err: %w", err)
	}

	var sender notify.Sender = notify.NewLogSender(logger)
	if c.EmailHost != "" {
		sender, err = notify.NewSMTPSender(notify.SMTPConfig{
			Host:     c.EmailHost,
			Port:     c.EmailPort,
			Username: c.EmailUser,
			Password: c.EmailPass,
			From:     c.EmailFrom,
		})
		if err != nil {
			return nil, fmt.Errorf("error while creating smtp sender. Err: %w", err)
		}
	} else {
		logger.Warn("EMAIL_HOST is not set, emails will be logged only")
	}
	dispatcher := notify.NewDispatcher(sender, logger, notify.Config{})

	authService, err := auth.NewService(
		auth.Config{
			RotateRefresh: c.RotateRefreshTokens,
			SecureCookie:  secureCookie,
			RefreshTTL:    tokenManager.RefreshTTL(),
		},
		tokenManager,
		storage,
		dispatcher,
	)
	if err != nil {
		return nil, fmt.Errorf("error while creating auth service. Err: %w", err)
	}

	limiter := app.loginLimiter(ctx, c.RedisAddr)
	pruner := tokenpruner.New(storage.Refresh(), tokenManager.RefreshTTL(), logger)

	app.runners = append(app.runners, dispatcher, pruner)
	app.Handler = handlers.NewRouter(
		authService,
		handlers.RouterConfig{
			AllowedOrigins: c.AllowedOrigins(),
			LoginLimiter:   limiter,
			TrustProxy:     c.TrustProxy,
		},
		logger,
	)

	return app, nil
}

func (s *ServerApp) openStorage(ctx context.Context, dsn string) (repository.Storage, error) {
	switch storageKind(dsn) {
	case storagePostgres:
		// Connect to the database and run migrations
		pool, err := db.ConnectAndMigrate(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("error while connecting to postgres. Err: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) error {
			pool.Close()
			return nil
		})
		s.logger.Info("Using postgres storage")
		return postgres.NewStorage(pool), nil

	case storageMongo:
		client, database, err := mongodb.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("error while connecting to mongodb. Err: %w", err)
		}
		s.closers = append(s.closers, client.Disconnect)

		storage, err := mongodb.NewStorage(ctx, database)
		if err != nil {
			return nil, fmt.Errorf("error while preparing mongodb storage. Err: %w", err)
		}
		s.logger.Info("Using mongodb storage", "database", database.Name())
		return storage, nil

	default:
		return nil, fmt.Errorf("unsupported database %q", dsn)
	}
}

// Redis backed limiter is shared between instances. Memory one is per process
func (s *ServerApp) loginLimiter(ctx context.Context, redisAddr string) ratelimit.Limiter {
	cfg := ratelimit.Config{}

	if redisAddr == "" {
		limiter := ratelimit.NewMemory(cfg)
		s.runners = append(s.runners, limiter)
		return limiter
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	s.closers = append(s.closers, func(context.Context) error { return client.Close() })

	// Limiter fails open, so unreachable redis is not fatal
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn("Redis is not reachable, login rate limit is not enforced until it is", "addr", redisAddr, "error", err)
	}

	return ratelimit.NewRedis(client, "", cfg)
}

// Run starts http server and background jobs and stops them gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	done := make([]<-chan struct{}, 0, len(s.runners))
	for _, r := range s.runners {
		done = append(done, r.Run(srvCtx))
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "address", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	for _, d := range done {
		<-d
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if closeErr := s.close(closeCtx); closeErr != nil {
		s.logger.Error("Error while closing resources", "error", closeErr)
	}

	return err
}

// Release connections in reverse order of opening
func (s *ServerApp) close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	s.closers = nil
	return errors.Join(errs...)
}
