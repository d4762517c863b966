package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	ErrClosed       = errors.New("transport: connection closed")
	ErrSlowConsumer = errors.New("transport: send buffer full")
	// ErrGoingAway closes a connection because the server is stopping.
	ErrGoingAway = errors.New("transport: server shutting down")
)

// closeHandshakeTimeout bounds how long a closing connection waits for the
// peer to answer its close frame.
const closeHandshakeTimeout = 3 * time.Second

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	// ReadTimeout bounds the wait for each inbound frame. Zero disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// PingInterval enables websocket keepalive pings when positive.
	PingInterval time.Duration
	ReadLimit    int64
	SendBuffer   int
}

type outbound struct {
	data []byte
	// final closes the connection once data has been written.
	final bool
}

// Connection represents a single, thread-safe WebSocket connection. Inbound
// frames are handed to onMessage one at a time from the read pump; all writes
// go through a single write pump.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan outbound

	onMessage MessageHandler
	onClose   OnCloseHandler

	closing   chan struct{}
	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if conn != nil && config.ReadLimit > 0 {
		conn.SetReadLimit(config.ReadLimit)
	}
	if wg != nil {
		wg.Add(1)
	}

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan outbound, config.SendBuffer),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		typ, message, err := c.read()
		if err != nil {
			readErr = err
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		c.onMessage(c.ctx, c.id, message)
	}
}

func (c *Connection) read() (websocket.MessageType, []byte, error) {
	ctx := c.ctx
	if c.config.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(c.ctx, c.config.ReadTimeout)
		defer cancel()
	}
	typ, r, err := c.conn.Reader(ctx)
	if err != nil {
		return 0, nil, err
	}
	message, err := io.ReadAll(r)
	if err != nil {
		c.logger.Error("failed reading frame body", slog.Any("error", err))
		return 0, nil, err
	}
	return typ, message, nil
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	var ping <-chan time.Time
	if c.config.PingInterval > 0 {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg.data); err != nil {
				writeErr = err
				return
			}
			if msg.final {
				return
			}
		case <-ping:
			ctx, cancel := context.WithTimeout(c.ctx, c.config.WriteTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				writeErr = err
				return
			}
		case <-c.closing:
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.WriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Send queues a message for the client. It is safe for concurrent use and
// never blocks; a client that cannot keep up is disconnected.
func (c *Connection) Send(message []byte) error {
	return c.enqueue(outbound{data: message})
}

// SendFinal queues a last message and closes the connection after it is
// written.
func (c *Connection) SendFinal(message []byte) error {
	return c.enqueue(outbound{data: message, final: true})
}

func (c *Connection) enqueue(msg outbound) error {
	select {
	case <-c.closing:
		c.logger.Warn("attempted to send on a closed connection")
		return ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.logger.Warn("send buffer full, dropping connection")
		c.Close(ErrSlowConsumer)
		return ErrSlowConsumer
	}
}

// Close shuts the connection down once. A nil err or a remote close is a
// normal closure; anything else closes with a policy violation. onClose runs
// before Close returns; the close handshake finishes in the background and
// Done is closed after it.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status, reason := closeStatus(err)
		c.logger.Info("transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		close(c.closing)
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		go c.finish(status, reason)
	})
}

// finish sends the close frame before cancelling the connection context.
// Cancelling first would make the socket drop without a close status.
func (c *Connection) finish(status websocket.StatusCode, reason string) {
	defer close(c.done)
	if c.wg != nil {
		defer c.wg.Done()
	}
	defer c.cancel()
	if c.conn == nil {
		return
	}

	handshake := make(chan struct{})
	go func() {
		defer close(handshake)
		_ = c.conn.Close(status, reason)
	}()

	timer := time.NewTimer(closeHandshakeTimeout)
	defer timer.Stop()
	select {
	case <-handshake:
	case <-timer.C:
		c.logger.Debug("close handshake timed out")
	}
}

func closeStatus(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil,
		websocket.CloseStatus(err) != -1,
		errors.Is(err, context.Canceled),
		errors.Is(err, io.EOF):
		return websocket.StatusNormalClosure, ""
	case errors.Is(err, ErrGoingAway):
		return websocket.StatusGoingAway, "server shutting down"
	}
	reason := err.Error()
	// close reasons are capped at 123 bytes by the protocol
	if len(reason) > 120 {
		reason = reason[:120]
	}
	return websocket.StatusPolicyViolation, reason
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}
