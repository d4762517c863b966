package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/a-essam23/acars-relay/internal/auth"
	"github.com/a-essam23/acars-relay/internal/engine"
	"github.com/a-essam23/acars-relay/internal/hoppie"
	"github.com/a-essam23/acars-relay/internal/maintenance"
	"github.com/a-essam23/acars-relay/internal/metrics"
	"github.com/a-essam23/acars-relay/internal/relay"
	"github.com/a-essam23/acars-relay/internal/router"
	"github.com/a-essam23/acars-relay/internal/server/middleware"
	"github.com/a-essam23/acars-relay/internal/station"
	"github.com/a-essam23/acars-relay/pkg/config"
	"github.com/a-essam23/acars-relay/pkg/protocol"
	"github.com/a-essam23/acars-relay/pkg/state"
	"github.com/a-essam23/acars-relay/pkg/state/statemanager"
	"github.com/a-essam23/acars-relay/pkg/store"
	"github.com/a-essam23/acars-relay/pkg/transport"
)

// teardownTimeout bounds the store writes made when a connection closes.
const teardownTimeout = 5 * time.Second

type App struct {
	logger       *slog.Logger
	config       *config.Config
	store        store.Store
	stateManager state.Manager
	registry     *engine.Registry
	eventRouter  *router.EventRouter
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer

	auth        *auth.Service
	allocator   *station.Allocator
	relay       *relay.Relay
	bridge      *hoppie.Bridge // nil when the external network is disabled
	maintenance *maintenance.Runner

	wg   sync.WaitGroup
	http *http.Server
}

// NewApp wires every component around st. The store stays owned by the
// caller.
func NewApp(logger *slog.Logger, cfg *config.Config, st store.Store) *App {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	stateManager := statemanager.NewInMemoryManager(logger)
	app := &App{
		logger:       logger.With(slog.String("component", "server")),
		config:       cfg,
		store:        st,
		stateManager: stateManager,
		metrics:      m,
		gatherer:     promReg,
	}

	app.auth = auth.New(logger, st, stateManager, auth.Config{
		Deadline:   cfg.Auth.Deadline,
		JWTSecret:  cfg.Auth.JWTSecret,
		SessionTTL: cfg.Auth.SessionTTL,
	}, m)
	app.allocator = station.NewAllocator(logger, st, stateManager, station.Config{
		MailboxPolicy:     cfg.Station.MailboxPolicy,
		CleanupGrace:      cfg.Station.CleanupGrace,
		CleanupRetries:    cfg.Station.CleanupRetries,
		CleanupRetryDelay: cfg.Station.CleanupRetryDelay,
	}, m)

	var forwarder relay.Forwarder
	if cfg.Hoppie.Enabled {
		client := hoppie.NewClient(logger, hoppie.ClientConfig{URL: cfg.Hoppie.URL, Timeout: cfg.Hoppie.Timeout})
		forwarder = client
		app.bridge = hoppie.NewBridge(logger, client, st, stateManager, hoppie.BridgeConfig{
			CycleInterval: cfg.Hoppie.CycleInterval,
			JitterMin:     cfg.Hoppie.JitterMin,
			JitterMax:     cfg.Hoppie.JitterMax,
		}, m)
	}
	app.relay = relay.New(logger, st, stateManager, forwarder, m)
	app.maintenance = maintenance.New(logger, st, app.allocator, maintenance.Config{
		Interval:         cfg.Maintenance.Interval,
		MessageRetention: cfg.Maintenance.MessageRetention,
		MailboxIdle:      cfg.Maintenance.MailboxIdle,
	})

	app.registry = engine.New(logger)
	app.registry.RegisterCore(&engine.RegisterCoreOptions{
		RatePerSecond: cfg.RateLimit.PerSecond,
		RateBurst:     cfg.RateLimit.Burst,
	})
	app.registerRoutes()
	app.eventRouter = router.NewEventRouter(logger, stateManager, app.registry, router.Options{
		CloseUnauthorized: cfg.Auth.CloseUnauthorized,
		Metrics:           m,
	})

	app.http = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           app.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return app
}

func (a *App) registerRoutes() {
	a.registry.HandlePublic(protocol.ActionAuthenticate, a.auth.Authenticate)
	a.registry.HandlePublic(protocol.ActionReconnect, a.auth.Reconnect)
	a.registry.HandlePublic(protocol.ActionDisconnect, a.auth.Disconnect)
	a.registry.HandlePublic(protocol.ActionHeartbeat, a.auth.Heartbeat)

	a.registry.Handle(protocol.ActionRegisterClient, a.allocator.RegisterClient)
	a.registry.Handle(protocol.ActionLogout, a.allocator.Logout)

	a.registry.Handle(protocol.ActionSendCPDLCMessage, a.relay.SendCPDLC)
	a.registry.Handle(protocol.ActionSendTelexMessage, a.relay.SendTelex)
}

// Handler exposes the HTTP routes, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

// Run resets stale sessions, then serves until ctx is done. The bridge and
// maintenance loops share the server's lifetime.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.http.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	if err := a.store.ResetSessions(ctx); err != nil {
		ln.Close()
		return fmt.Errorf("resetting sessions: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("server starting", slog.String("addr", ln.Addr().String()))
		if err := a.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown()
	})
	if a.bridge != nil {
		g.Go(func() error { return a.bridge.Run(gctx) })
	}
	g.Go(func() error { return a.maintenance.Run(gctx) })
	return g.Wait()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP), slog.String("requestId", reqMeta.RequestID))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.config.Server.OriginPatterns,
	})
	if err != nil {
		connLogger.Warn("failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.eventRouter.HandleMessage,
		a.teardown,
		a.logger,
	)
	if _, err := a.stateManager.Register(conn, reqMeta.IP); err != nil {
		connLogger.Error("failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	a.metrics.ConnectionOpened()
	a.auth.StartDeadline(conn)

	connLogger.Info("connection established, awaiting authentication", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// teardown runs once per connection from the transport's close path. Store
// work happens after the registry entry is gone, never under its lock.
func (a *App) teardown(connID uuid.UUID, cause error) {
	removed, ok := a.stateManager.Deregister(connID)
	if !ok {
		return
	}
	a.auth.StopDeadline(connID)
	a.registry.Forget(connID)

	logger := a.logger.With(slog.String("connID", connID.String()), slog.String("userID", removed.UserID))
	logger.Info("deregistering connection", slog.Any("cause", cause))

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	switch {
	case removed.PendingCode != "":
		a.allocator.CompensatePending(removed.UserID, removed.PendingCode)
	case removed.StationCode != "":
		if _, err := a.allocator.Release(ctx, removed.UserID); err != nil {
			logger.Error("failed to release station", slog.String("station", removed.StationCode), slog.Any("error", err))
		}
	}
	if removed.UserID != "" {
		if err := a.store.MarkDisconnected(ctx, removed.UserID); err != nil {
			logger.Error("failed to mark user disconnected", slog.Any("error", err))
		}
	}
	a.metrics.ConnectionClosed()
}

// Shutdown stops accepting connections, closes the live ones and waits for
// their teardown, outstanding compensations and in-flight forwards.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down server...")
	timeout := a.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	httpErr := a.http.Shutdown(shutdownCtx)

	a.logger.Info("closing all active connections...")
	for _, conn := range a.stateManager.All() {
		conn.Transport.Close(transport.ErrGoingAway)
	}
	a.wg.Wait()

	a.allocator.Shutdown()
	forwardErr := a.relay.Drain(timeout)
	if forwardErr != nil {
		a.logger.Warn("abandoning external forwards", slog.Any("error", forwardErr))
	}
	a.logger.Info("server shut down gracefully.")
	return httpErr
}
