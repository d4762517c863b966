// Package statetest provides an in-memory state.Transport for tests.
package statetest

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/a-essam23/acars-relay/pkg/state"
	"github.com/a-essam23/acars-relay/pkg/transport"
)

// Transport records every frame sent to it.
type Transport struct {
	id uuid.UUID

	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	closeErr error
	onClose  func()
}

var _ state.Transport = (*Transport)(nil)

func NewTransport() *Transport {
	return &Transport{id: uuid.New()}
}

// OnClose registers fn to run (once) when the transport is closed.
func (t *Transport) OnClose(fn func()) { t.onClose = fn }

func (t *Transport) ID() uuid.UUID { return t.id }

func (t *Transport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	t.frames = append(t.frames, append([]byte(nil), msg...))
	return nil
}

func (t *Transport) SendFinal(msg []byte) error {
	if err := t.Send(msg); err != nil {
		return err
	}
	t.Close(nil)
	return nil
}

func (t *Transport) Close(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.closeErr = err
	fn := t.onClose
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) CloseErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr
}

// Frames returns every frame sent so far.
func (t *Transport) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.frames...)
}

// Decoded returns every frame decoded as a generic JSON object.
func (t *Transport) Decoded() []map[string]any {
	var out []map[string]any
	for _, f := range t.Frames() {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the most recent decoded frame, or nil.
func (t *Transport) Last() map[string]any {
	frames := t.Decoded()
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}
