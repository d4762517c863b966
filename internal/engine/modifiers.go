package engine

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/a-essam23/acars-relay/pkg/pipeline"
	"github.com/a-essam23/acars-relay/pkg/protocol"
)

const (
	msgNotAuthenticated = "You are not authenticated."
	msgRateLimited      = "Rate limit exceeded."
)

func secureModifier(pctx *pipeline.Cargo) error {
	if pctx.Connection.Authenticated {
		return nil
	}
	pctx.Logger.Warn("unauthenticated connection tried a guarded action",
		slog.String("action", pctx.Frame.Action.String()))
	return protocol.NewError(protocol.KindUnauthorized, msgNotAuthenticated)
}

// connLimiter keeps one token bucket per connection.
type connLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

func newConnLimiter(perSecond float64, burst int) *connLimiter {
	if burst < 1 {
		burst = 1
	}
	return &connLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[uuid.UUID]*rate.Limiter),
	}
}

func (l *connLimiter) get(connID uuid.UUID) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[connID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[connID] = lim
	}
	return lim
}

func (l *connLimiter) forget(connID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, connID)
}

func (l *connLimiter) modifier(logger *slog.Logger) pipeline.ModifierFunc {
	return func(pctx *pipeline.Cargo) error {
		if l.get(pctx.Connection.ID).Allow() {
			return nil
		}
		logger.Debug("rate limit exceeded",
			slog.String("connID", pctx.Connection.ID.String()),
			slog.String("action", pctx.Frame.Action.String()))
		return protocol.NewError(protocol.KindRateLimited, msgRateLimited)
	}
}
