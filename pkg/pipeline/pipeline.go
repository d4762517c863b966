package pipeline

import (
	"context"
	"log/slog"

	"github.com/a-essam23/acars-relay/pkg/protocol"
	"github.com/a-essam23/acars-relay/pkg/state"
)

/*
 * The purpose of this is to detach the implementation of handlers and
 * modifiers from the actual router
 */

type Cargo struct {
	Logger     *slog.Logger
	Ctx        context.Context
	Connection state.Connection
	// StateManager is the live registry; Connection is the snapshot taken
	// when the frame was dispatched.
	StateManager state.Manager
	Frame        *protocol.Frame
}

// UserID returns the authenticated user behind the frame, or "".
func (c *Cargo) UserID() string { return c.Connection.UserID }

// Result is what a successful handler tells the router to send back.
type Result struct {
	Message string
	Data    any
	// Close ends the connection once the reply has been written.
	Close bool
}

// HandlerFunc serves one gateway action. Returned errors are rendered by the
// router through protocol.ClientMessage.
type HandlerFunc func(pctx *Cargo) (Result, error)

// ModifierFunc runs before a handler; a non-nil error stops the frame.
type ModifierFunc func(pctx *Cargo) error
