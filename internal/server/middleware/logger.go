package middleware

import (
	"log/slog"
	"net/http"
)

// NewRequestLogger logs each incoming request before handing it on.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
			}
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				attrs = append(attrs, slog.String("ip", reqMeta.IP), slog.String("requestId", reqMeta.RequestID))
			}
			logger.Info("incoming HTTP request", attrs...)
			next.ServeHTTP(w, r)
		})
	}
}
