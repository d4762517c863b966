package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/a-essam23/acars-relay/internal/server/middleware"
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	meta := middleware.RequestMetadataMiddleware(a.config.Server.TrustProxy)
	mux.Handle("/gateway",
		middleware.Chain(http.HandlerFunc(a.upgradeHandler),
			meta,
			middleware.NewRequestLogger(a.logger),
			middleware.NewConnectionLimiter(a.logger, a.config.Server.MaxConnsPerIP),
		),
	)

	mux.HandleFunc("GET /data/connected", a.handleConnected)
	mux.HandleFunc("GET /data/stations", a.handleStations)
	mux.HandleFunc("GET /data/messages", a.handleMessages)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	return mux
}

type stationView struct {
	LogonCode string `json:"logonCode"`
	Owned     bool   `json:"owned"`
}

type messagesView struct {
	Count int64 `json:"count"`
}

func (a *App) handleConnected(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, a.stateManager.AuthenticatedCount())
}

func (a *App) handleStations(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.Stats(r.Context())
	if err != nil {
		a.logger.Error("reading station stats failed", slog.Any("error", err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	out := make([]stationView, 0, len(stats.Stations))
	for _, st := range stats.Stations {
		out = append(out, stationView{LogonCode: st.LogonCode, Owned: st.Owned()})
	}
	a.writeJSON(w, out)
}

func (a *App) handleMessages(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.Stats(r.Context())
	if err != nil {
		a.logger.Error("reading message stats failed", slog.Any("error", err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, messagesView{Count: stats.Messages})
}

func (a *App) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug("writing response failed", slog.Any("error", err))
	}
}
