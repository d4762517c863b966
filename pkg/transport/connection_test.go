package transport_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/acars-relay/pkg/transport"
)

type harness struct {
	wg     sync.WaitGroup
	conns  chan *transport.Connection
	closed chan uuid.UUID
}

func newHarness(t *testing.T, onMessage func(c *transport.Connection, msg []byte)) (*harness, string) {
	h := &harness{conns: make(chan *transport.Connection, 1), closed: make(chan uuid.UUID, 1)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		var c *transport.Connection
		c = transport.NewConnection(context.Background(), &h.wg, ws, transport.ConnectionConfig{},
			func(_ context.Context, _ uuid.UUID, msg []byte) { onMessage(c, msg) },
			func(id uuid.UUID, _ error) { h.closed <- id },
			slog.New(slog.DiscardHandler))
		c.Run()
		h.conns <- c
		<-c.Done()
	}))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

func TestEcho(t *testing.T) {
	_, url := newHarness(t, func(c *transport.Connection, msg []byte) {
		_ = c.Send(append([]byte("echo:"), msg...))
	})
	ws := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte("hi")))
	_, got, err := ws.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(got))
}

func TestSendFinalFlushesThenCloses(t *testing.T) {
	h, url := newHarness(t, func(c *transport.Connection, _ []byte) {
		_ = c.SendFinal([]byte("bye"))
	})
	ws := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte("x")))
	_, got, err := ws.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(got))

	_, _, err = ws.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	select {
	case <-h.closed:
	case <-ctx.Done():
		t.Fatal("onClose was not called")
	}
}

func TestClientCloseRunsOnClose(t *testing.T) {
	h, url := newHarness(t, func(*transport.Connection, []byte) {})
	ws := dial(t, url)

	c := <-h.conns
	require.NoError(t, ws.Close(websocket.StatusNormalClosure, ""))

	select {
	case id := <-h.closed:
		assert.Equal(t, c.ID(), id)
	case <-time.After(5 * time.Second):
		t.Fatal("onClose was not called")
	}
	<-c.Done()
	assert.ErrorIs(t, c.Send([]byte("late")), transport.ErrClosed)
	h.wg.Wait()
}

func TestCloseWithoutSocket(t *testing.T) {
	var (
		wg     sync.WaitGroup
		closes int
	)
	c := transport.NewConnection(context.Background(), &wg, nil, transport.ConnectionConfig{}, nil,
		func(uuid.UUID, error) { closes++ }, slog.New(slog.DiscardHandler))

	c.Close(errors.New("deadline"))
	c.Close(nil)
	wg.Wait()
	assert.Equal(t, 1, closes)
	assert.ErrorIs(t, c.Send([]byte("x")), transport.ErrClosed)
}

func TestCloseSendsPolicyViolation(t *testing.T) {
	h, url := newHarness(t, func(*transport.Connection, []byte) {})
	ws := dial(t, url)
	c := <-h.conns

	c.Close(errors.New("authentication deadline exceeded"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	var ce websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.StatusPolicyViolation, ce.Code)
	assert.Equal(t, "authentication deadline exceeded", ce.Reason)
}

func TestOnCloseDoesNotWaitForHandshake(t *testing.T) {
	h, url := newHarness(t, func(*transport.Connection, []byte) {})
	dial(t, url) // never reads, so the close frame is never answered
	c := <-h.conns

	start := time.Now()
	c.Close(transport.ErrGoingAway)
	select {
	case <-h.closed:
	case <-time.After(time.Second):
		t.Fatal("onClose waited for the close handshake")
	}
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("Done never closed")
	}
	h.wg.Wait()
}
