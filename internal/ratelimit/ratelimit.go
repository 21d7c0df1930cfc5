package ratelimit

import (
	"context"
	"time"
)

const (
	defaultLimit  = 10
	defaultWindow = 15 * time.Minute
)

// Outcome of one attempt
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int

	// When the oldest attempt in the window expires and one more becomes available
	ResetAt time.Time
}

// Sliding window limiter: at most Limit accepted attempts per key within any Window
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

type Config struct {
	Limit  int
	Window time.Duration
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = defaultLimit
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	return c
}
