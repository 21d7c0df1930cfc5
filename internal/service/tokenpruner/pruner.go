package tokenpruner

import (
	"context"
	"fmt"
	"time"

	"github.com/nkiryanov/gopherauth/internal/logger"
)

const defaultInterval = time.Hour

type tokenRepo interface {
	DeleteCreatedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Deletes stored refresh tokens that outlived the refresh TTL
// Such tokens fail verification anyway, pruning only keeps the store small
type Pruner struct {
	interval time.Duration
	maxAge   time.Duration

	repo   tokenRepo
	logger logger.Logger
	now    func() time.Time
}

func New(repo tokenRepo, maxAge time.Duration, logger logger.Logger) *Pruner {
	return &Pruner{
		interval: defaultInterval,
		maxAge:   maxAge,
		repo:     repo,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	deleted, err := p.repo.DeleteCreatedBefore(ctx, p.now().Add(-p.maxAge))
	if err != nil {
		return 0, fmt.Errorf("prune refresh tokens: %w", err)
	}
	return deleted, nil
}

// Prune on every tick until ctx is done
func (p *Pruner) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})
	p.logger.Debug("Starting token pruner", "interval", p.interval, "max_age", p.maxAge)

	go func() {
		defer close(idleStopped)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.logger.Debug("Token pruner stopped by context")
				return

			case <-ticker.C:
				deleted, err := p.Prune(ctx)
				if err != nil {
					p.logger.Error("Failed to prune refresh tokens", "error", err)
					continue
				}
				p.logger.Debug("Refresh tokens pruned", "deleted", deleted)
			}
		}
	}()

	return idleStopped
}
