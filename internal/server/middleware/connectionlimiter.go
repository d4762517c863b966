package middleware

import (
	"log/slog"
	"net/http"
	"sync"
)

// addressSlots counts requests in flight per address. A websocket upgrade
// stays in flight for the life of its connection.
type addressSlots struct {
	mu     sync.Mutex
	inUse  map[string]int
	perKey int
}

func (s *addressSlots) acquire(ip string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.inUse[ip]
	if n >= s.perKey {
		return n, false
	}
	s.inUse[ip] = n + 1
	return n + 1, true
}

func (s *addressSlots) release(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[ip] <= 1 {
		delete(s.inUse, ip)
		return
	}
	s.inUse[ip]--
}

// NewConnectionLimiter rejects requests from addresses that already hold
// maxPerIP requests in flight. The slot is taken before next runs, so
// concurrent upgrades cannot overshoot. A non-positive limit disables it.
func NewConnectionLimiter(logger *slog.Logger, maxPerIP int) Middleware {
	slots := &addressSlots{inUse: make(map[string]int), perKey: maxPerIP}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxPerIP <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			count, ok := slots.acquire(reqMeta.IP)
			if !ok {
				logger.Warn("per-address connection limit reached", slog.String("ip", reqMeta.IP), slog.Int("count", count))
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
				return
			}
			defer slots.release(reqMeta.IP)
			next.ServeHTTP(w, r)
		})
	}
}
