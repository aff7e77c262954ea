package embedding

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultHealthTTL = 5 * time.Minute
	probeText        = "health probe"
)

// Status is the last known capability of the embedding provider.
type Status struct {
	Available bool      `json:"available"`
	Dimension int       `json:"dimension,omitempty"`
	ProbedAt  time.Time `json:"probed_at"`
	Error     string    `json:"error,omitempty"`
}

// Health caches a provider probe for a TTL. When a re-probe fails after an earlier success
// the stale status is served.
type Health struct {
	provider Provider
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	cached *Status
}

func NewHealth(provider Provider, ttl time.Duration, logger *slog.Logger) *Health {
	if ttl <= 0 {
		ttl = defaultHealthTTL
	}
	return &Health{provider: provider, ttl: ttl, logger: logger, now: time.Now}
}

// Provider returns the wrapped provider, which may be nil.
func (h *Health) Provider() Provider {
	if h == nil {
		return nil
	}
	return h.provider
}

// Get returns the cached status if fresh, otherwise re-probes.
func (h *Health) Get(ctx context.Context) Status {
	if h == nil || h.provider == nil {
		return Status{Error: "no embedding provider configured"}
	}

	h.mu.RLock()
	if h.cached != nil && h.now().Sub(h.cached.ProbedAt) < h.ttl {
		st := *h.cached
		h.mu.RUnlock()
		return st
	}
	h.mu.RUnlock()

	return h.Refresh(ctx)
}

// Peek returns the cached status without probing, nil when there is none.
func (h *Health) Peek() *Status {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.cached == nil {
		return nil
	}
	st := *h.cached
	return &st
}

// Refresh probes the provider regardless of cache freshness.
func (h *Health) Refresh(ctx context.Context) Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	vec, err := h.provider.EmbedText(ctx, probeText)
	if err == nil && len(vec) == 0 {
		err = ErrNoVector
	}
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("embedding probe failed", "error", err)
		}
		if h.cached != nil && h.cached.Available && !errors.Is(err, context.Canceled) {
			return *h.cached
		}
		st := Status{ProbedAt: h.now(), Error: err.Error()}
		h.cached = &st
		return st
	}

	st := Status{Available: true, Dimension: len(vec), ProbedAt: h.now()}
	h.cached = &st
	return st
}

// Invalidate drops the cached status.
func (h *Health) Invalidate() {
	h.mu.Lock()
	h.cached = nil
	h.mu.Unlock()
}
