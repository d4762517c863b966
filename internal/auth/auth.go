// Package auth implements the connection handshake: the connect-time
// deadline, token login, session reconnects, heartbeats and disconnects.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a-essam23/acars-relay/internal/metrics"
	"github.com/a-essam23/acars-relay/pkg/pipeline"
	"github.com/a-essam23/acars-relay/pkg/protocol"
	"github.com/a-essam23/acars-relay/pkg/state"
	"github.com/a-essam23/acars-relay/pkg/store"
)

var ErrDeadline = errors.New("failed to authenticate in time")

const (
	msgMissingToken         = "Missing token."
	msgAuthFailed           = "Authentication failed."
	msgAlreadyConnected     = "User is already connected."
	msgAlreadyAuthenticated = "Already authenticated."
	msgLoggedIn             = "Logged in successfully."
	msgPong                 = "pong"
	msgDisconnected         = "Disconnected."
)

type Config struct {
	Deadline   time.Duration
	JWTSecret  string
	SessionTTL time.Duration
}

type Service struct {
	logger   *slog.Logger
	store    store.Store
	state    state.Manager
	sessions *Sessions
	metrics  *metrics.Metrics
	deadline time.Duration

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

func New(logger *slog.Logger, st store.Store, sm state.Manager, cfg Config, m *metrics.Metrics) *Service {
	logger = logger.With(slog.String("component", "auth"))
	if cfg.JWTSecret == "" {
		logger.Warn("no session secret configured, reconnect tokens are invalidated on restart")
	}
	return &Service{
		logger:   logger,
		store:    st,
		state:    sm,
		sessions: NewSessions(cfg.JWTSecret, cfg.SessionTTL),
		metrics:  m,
		deadline: cfg.Deadline,
		timers:   make(map[uuid.UUID]*time.Timer),
	}
}

// LoginData is returned on a successful Authenticate or Reconnect.
type LoginData struct {
	UserID       string    `json:"userId"`
	SessionToken string    `json:"sessionToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitzero"`
}

// StartDeadline arms the connect-time deadline for t. If the connection is
// still unauthenticated when it fires, the transport is closed.
func (s *Service) StartDeadline(t state.Transport) {
	connID := t.ID()
	timer := time.AfterFunc(s.deadline, func() {
		s.mu.Lock()
		delete(s.timers, connID)
		s.mu.Unlock()

		if !s.state.Expire(connID) {
			// authenticated or already gone
			return
		}
		s.logger.Warn("connection failed to authenticate in time", slog.String("connID", connID.String()))
		s.metrics.AuthResult("deadline")
		t.Close(ErrDeadline)
	})

	s.mu.Lock()
	s.timers[connID] = timer
	s.mu.Unlock()
}

// StopDeadline cancels the deadline, if it is still armed.
func (s *Service) StopDeadline(connID uuid.UUID) {
	s.mu.Lock()
	timer, ok := s.timers[connID]
	delete(s.timers, connID)
	s.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

// Authenticate logs a connection in with the user's API token.
func (s *Service) Authenticate(pctx *pipeline.Cargo) (pipeline.Result, error) {
	token := pctx.Frame.String("token")
	if token == "" {
		s.metrics.AuthResult("missing_token")
		return pipeline.Result{}, protocol.MissingField(msgMissingToken)
	}
	return s.login(pctx, func(ctx context.Context) (*store.User, error) {
		return s.store.UserByToken(ctx, token)
	})
}

// Reconnect logs a connection in with a session token from a previous login.
func (s *Service) Reconnect(pctx *pipeline.Cargo) (pipeline.Result, error) {
	token := pctx.Frame.String("sessionToken")
	if token == "" {
		token = pctx.Frame.String("token")
	}
	if token == "" {
		s.metrics.AuthResult("missing_token")
		return pipeline.Result{}, protocol.MissingField(msgMissingToken)
	}
	return s.login(pctx, func(ctx context.Context) (*store.User, error) {
		userID, err := s.sessions.Verify(token)
		if err != nil {
			pctx.Logger.Info("session token rejected", slog.Any("error", err))
			return nil, store.ErrNotFound
		}
		return s.store.UserByID(ctx, userID)
	})
}

func (s *Service) login(pctx *pipeline.Cargo, resolve func(context.Context) (*store.User, error)) (pipeline.Result, error) {
	connID := pctx.Connection.ID
	if pctx.Connection.Authenticated {
		return pipeline.Result{}, protocol.Conflict(msgAlreadyAuthenticated)
	}

	user, err := resolve(pctx.Ctx)
	if errors.Is(err, store.ErrNotFound) {
		pctx.Logger.Warn("authentication failed: token does not resolve")
		s.metrics.AuthResult("failed")
		return pipeline.Result{}, protocol.NewError(protocol.KindNotFound, msgAuthFailed)
	}
	if err != nil {
		return pipeline.Result{}, protocol.Internal(err)
	}

	won, err := s.store.MarkConnected(pctx.Ctx, user.ID)
	if err != nil {
		return pipeline.Result{}, protocol.Internal(err)
	}
	if !won {
		pctx.Logger.Warn("authentication refused: user already connected", slog.String("userID", user.ID))
		s.metrics.AuthResult("already_connected")
		return pipeline.Result{}, protocol.Conflict(msgAlreadyConnected)
	}

	if err := s.state.Authenticate(connID, user.ID); err != nil {
		// The deadline fired or the connection went away; give the flag back.
		if rbErr := s.store.MarkDisconnected(context.WithoutCancel(pctx.Ctx), user.ID); rbErr != nil {
			pctx.Logger.Error("failed to roll back connected flag", slog.String("userID", user.ID), slog.Any("error", rbErr))
		}
		if errors.Is(err, state.ErrAlreadyAuthenticated) {
			return pipeline.Result{}, protocol.Conflict(msgAlreadyAuthenticated)
		}
		return pipeline.Result{}, protocol.Wrap(protocol.KindConflict, msgAuthFailed, err)
	}
	s.StopDeadline(connID)
	s.metrics.AuthResult("success")

	data := LoginData{UserID: user.ID}
	if tok, exp, err := s.sessions.Issue(user.ID); err != nil {
		pctx.Logger.Error("could not issue session token", slog.Any("error", err))
	} else {
		data.SessionToken, data.ExpiresAt = tok, exp
	}
	pctx.Logger.Info("connection authenticated", slog.String("userID", user.ID), slog.String("username", user.Username))
	return pipeline.Result{Message: msgLoggedIn, Data: data}, nil
}

func (s *Service) Heartbeat(*pipeline.Cargo) (pipeline.Result, error) {
	return pipeline.Result{Message: msgPong}, nil
}

// Disconnect answers and then closes the connection; teardown runs from the
// transport's close handler.
func (s *Service) Disconnect(pctx *pipeline.Cargo) (pipeline.Result, error) {
	pctx.Logger.Info("client requested disconnect")
	return pipeline.Result{Message: msgDisconnected, Close: true}, nil
}
