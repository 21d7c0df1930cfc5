package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/gopherauth/internal/logger"
)

const (
	defaultListenAddr      = "localhost:5000"
	defaultLoggingLevel    = logger.LevelInfo
	defaultEnvironment     = logger.EnvDev
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
	defaultEmailPort       = 587
)

// Dev frontend is always allowed
const devClientURL = "http://localhost:5173"

type Config struct {
	// Default logging level
	LogLevel string

	// Environment: dev or prod
	// Prod switches to JSON logs and secure cookies
	Environment string

	// Address on which the service will be run
	ListenAddr string

	// Storage to use. postgres:// or mongodb:// connection string
	DatabaseDSN string

	// Secrets to sign access and refresh tokens. Must differ
	AccessSecret  string
	RefreshSecret string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Issue new refresh token on every refresh
	RotateRefreshTokens bool

	// Shared login rate limiter. In-process limiter is used when empty
	RedisAddr string

	// Frontend origin allowed by CORS
	ClientURL string

	// Take client ip from X-Forwarded-For
	TrustProxy bool

	// SMTP settings. Emails are only logged when host is empty
	EmailHost string
	EmailPort int
	EmailUser string
	EmailPass string
	EmailFrom string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:        defaultLoggingLevel,
		Environment:     defaultEnvironment,
		ListenAddr:      defaultListenAddr,
		AccessTokenTTL:  defaultAccessTokenTTL,
		RefreshTokenTTL: defaultRefreshTokenTTL,
		EmailPort:       defaultEmailPort,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := parseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}
	setBool := func(o *bool) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			b, err := strconv.ParseBool(value)
			if err != nil {
				return err
			}
			*o = b
			return nil
		}
	}
	setInt := func(o *int) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			i, err := strconv.Atoi(value)
			if err != nil {
				return err
			}
			*o = i
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":              setString(&c.ListenAddr),
		"DATABASE_URI":             setString(&c.DatabaseDSN),
		"JWT_SECRET":               setString(&c.AccessSecret),
		"REFRESH_TOKEN_SECRET":     setString(&c.RefreshSecret),
		"JWT_EXPIRES_IN":           setDuration(&c.AccessTokenTTL),
		"REFRESH_TOKEN_EXPIRES_IN": setDuration(&c.RefreshTokenTTL),
		"ROTATE_REFRESH_TOKENS":    setBool(&c.RotateRefreshTokens),
		"REDIS_ADDR":               setString(&c.RedisAddr),
		"CLIENT_URL":               setString(&c.ClientURL),
		"TRUST_PROXY":              setBool(&c.TrustProxy),
		"EMAIL_HOST":               setString(&c.EmailHost),
		"EMAIL_PORT":               setInt(&c.EmailPort),
		"EMAIL_USER":               setString(&c.EmailUser),
		"EMAIL_PASS":               setString(&c.EmailPass),
		"EMAIL_FROM":               setString(&c.EmailFrom),
		"LOG_LEVEL":                setString(&c.LogLevel),
		"ENVIRONMENT":              setString(&c.Environment),
	}

	var errs []error

	// Bare port as in PaaS environments. RUN_ADDRESS wins when both set
	if port := getenv("PORT"); port != "" && getenv("RUN_ADDRESS") == "" {
		if _, err := strconv.Atoi(port); err != nil {
			errs = append(errs, fmt.Errorf("invalid PORT: %w", err))
		} else {
			c.ListenAddr = ":" + port
		}
	}

	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("gopherauth", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string (postgres:// or mongodb://)")
	fs.StringVarP(&c.AccessSecret, "secret", "s", c.AccessSecret, "Access token secret")
	fs.StringVarP(&c.RefreshSecret, "refresh-secret", "r", c.RefreshSecret, "Refresh token secret")
	fs.DurationVar(&c.AccessTokenTTL, "access-ttl", c.AccessTokenTTL, "Access token lifetime")
	fs.DurationVar(&c.RefreshTokenTTL, "refresh-ttl", c.RefreshTokenTTL, "Refresh token lifetime")
	fs.BoolVar(&c.RotateRefreshTokens, "rotate-refresh", c.RotateRefreshTokens, "Issue new refresh token on every refresh")
	fs.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address for shared login rate limiter")
	fs.StringVar(&c.ClientURL, "client-url", c.ClientURL, "Frontend origin allowed by CORS")
	fs.BoolVar(&c.TrustProxy, "trust-proxy", c.TrustProxy, "Take client ip from X-Forwarded-For")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")

	return fs.Parse(args)
}

// parseDuration accepts whole days ("7d") on top of time.ParseDuration syntax
func parseDuration(value string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", value)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(value)
}

// Validate checks options the service can't start without
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("database connection string must be set"))
	} else if storageKind(c.DatabaseDSN) == "" {
		errs = append(errs, fmt.Errorf("unsupported database scheme in %q", c.DatabaseDSN))
	}
	if c.AccessSecret == "" || c.RefreshSecret == "" {
		errs = append(errs, errors.New("both access and refresh token secrets must be set"))
	}
	if c.Environment != logger.EnvDev && c.Environment != logger.EnvProd {
		errs = append(errs, fmt.Errorf("unknown environment %q", c.Environment))
	}

	return errors.Join(errs...)
}

// Origins allowed by CORS
func (c *Config) AllowedOrigins() []string {
	origins := []string{devClientURL}
	if c.ClientURL != "" && c.ClientURL != devClientURL {
		origins = append(origins, c.ClientURL)
	}
	return origins
}

const (
	storagePostgres = "postgres"
	storageMongo    = "mongodb"
)

func storageKind(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return storagePostgres
	case strings.HasPrefix(dsn, "mongodb://"), strings.HasPrefix(dsn, "mongodb+srv://"):
		return storageMongo
	default:
		return ""
	}
}
