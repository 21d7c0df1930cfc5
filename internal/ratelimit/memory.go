package ratelimit

import (
	"context"
	"sync"
	"time"
)

// In-process sliding log. Good for single instance deployments and tests
type Memory struct {
	cfg Config
	now func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:  cfg.withDefaults(),
		now:  time.Now,
		hits: make(map[string][]time.Time),
	}
}

func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	hits := inWindow(m.hits[key], now.Add(-m.cfg.Window))

	d := Decision{Limit: m.cfg.Limit}
	if len(hits) < m.cfg.Limit {
		hits = append(hits, now)
		d.Allowed = true
	}
	m.hits[key] = hits

	d.Remaining = m.cfg.Limit - len(hits)
	d.ResetAt = hits[0].Add(m.cfg.Window)
	return d, nil
}

// Periodically drop keys without attempts in the window
func (m *Memory) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})

	go func() {
		defer close(idleStopped)

		ticker := time.NewTicker(m.cfg.Window)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()

	return idleStopped
}

func (m *Memory) sweep() {
	cutoff := m.now().Add(-m.cfg.Window)

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, hits := range m.hits {
		hits = inWindow(hits, cutoff)
		if len(hits) == 0 {
			delete(m.hits, key)
			continue
		}
		m.hits[key] = hits
	}
}

// Hits are sorted, so drop the expired prefix
func inWindow(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
