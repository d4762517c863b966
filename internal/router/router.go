package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/a-essam23/acars-relay/internal/engine"
	"github.com/a-essam23/acars-relay/internal/metrics"
	"github.com/a-essam23/acars-relay/pkg/pipeline"
	"github.com/a-essam23/acars-relay/pkg/protocol"
	"github.com/a-essam23/acars-relay/pkg/state"
)

const (
	msgMalformed      = "Malformed request."
	msgMissingRequest = "Missing requestId."
	msgMissingAction  = "Missing GatewayAction."
)

type Options struct {
	// CloseUnauthorized closes the connection after answering a guarded
	// action sent before authentication.
	CloseUnauthorized bool
	Metrics           *metrics.Metrics
}

// EventRouter validates the frame envelope and dispatches through the engine.
type EventRouter struct {
	logger       *slog.Logger
	stateManager state.Manager
	registry     *engine.Registry
	opts         Options
}

func NewEventRouter(logger *slog.Logger, stateManager state.Manager, registry *engine.Registry, opts Options) *EventRouter {
	return &EventRouter{
		logger:       logger.With(slog.String("component", "event_router")),
		stateManager: stateManager,
		registry:     registry,
		opts:         opts,
	}
}

type errorData struct {
	Action protocol.Action `json:"action"`
}

// HandleMessage is the transport.MessageHandler for gateway connections.
// Frames from one connection arrive here sequentially.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	conn, ok := r.stateManager.Get(connID)
	if !ok {
		r.logger.Debug("frame from deregistered connection dropped", slog.String("connID", connID.String()))
		return
	}
	logger := r.logger.With(slog.String("connID", connID.String()))

	frame, err := protocol.ParseFrame(msg)
	if err != nil {
		logger.Warn("malformed frame", slog.Any("error", err))
		r.reply(conn, protocol.Failure(protocol.GatewayRequestID, msgMalformed, nil), false)
		return
	}
	if frame.RequestID == "" {
		logger.Warn("frame without requestId")
		r.reply(conn, protocol.Failure(protocol.GatewayRequestID, msgMissingRequest, nil), false)
		return
	}
	if frame.Action == 0 {
		logger.Warn("frame without action", slog.String("requestId", frame.RequestID))
		r.reply(conn, protocol.Failure(frame.RequestID, msgMissingAction, nil), false)
		return
	}

	route, ok := r.registry.Lookup(frame.Action)
	if !ok {
		logger.Warn("unknown action", slog.Int("action", int(frame.Action)))
		r.opts.Metrics.Frame("unknown", protocol.StatusError)
		r.reply(conn, protocol.Failure(frame.RequestID,
			fmt.Sprintf("Unknown GatewayAction: '%d'", int(frame.Action)),
			errorData{Action: protocol.ActionInvalidAction}), false)
		return
	}

	logger.Info("frame received",
		slog.String("category", frame.Action.Category().String()),
		slog.String("action", frame.Action.String()),
		slog.String("requestId", frame.RequestID))

	pctx := &pipeline.Cargo{
		Logger:       logger.With(slog.String("action", frame.Action.String())),
		Ctx:          ctx,
		Connection:   conn,
		StateManager: r.stateManager,
		Frame:        frame,
	}
	result, err := r.dispatch(pctx, route)
	if err != nil {
		r.renderError(pctx, err)
		return
	}
	r.opts.Metrics.Frame(frame.Action.String(), protocol.StatusSuccess)
	r.reply(conn, protocol.Success(frame.RequestID, result.Message, result.Data), result.Close)
}

func (r *EventRouter) dispatch(pctx *pipeline.Cargo, route engine.Route) (res pipeline.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = protocol.Internal(fmt.Errorf("handler panic: %v", p))
		}
	}()
	return r.registry.Dispatch(pctx, route)
}

func (r *EventRouter) renderError(pctx *pipeline.Cargo, err error) {
	kind := protocol.KindOf(err)
	r.opts.Metrics.Frame(pctx.Frame.Action.String(), protocol.StatusError)

	var (
		data  any
		final bool
	)
	switch kind {
	case protocol.KindInternal:
		pctx.Logger.Error("handler failed",
			slog.String("requestId", pctx.Frame.RequestID),
			slog.String("userID", pctx.Connection.UserID),
			slog.Any("error", err))
	case protocol.KindUnauthorized:
		data = errorData{Action: protocol.ActionPermissionDenied}
		final = r.opts.CloseUnauthorized
	default:
		pctx.Logger.Info("request rejected", slog.String("kind", kind.String()), slog.Any("error", err))
	}
	r.reply(pctx.Connection, protocol.Failure(pctx.Frame.RequestID, protocol.ClientMessage(err), data), final)
}

func (r *EventRouter) reply(conn state.Connection, resp protocol.Response, final bool) {
	send := conn.Transport.Send
	if final {
		send = conn.Transport.SendFinal
	}
	if err := send(resp.Encode()); err != nil {
		r.logger.Debug("reply dropped", slog.String("connID", conn.ID.String()), slog.Any("error", err))
	}
}
