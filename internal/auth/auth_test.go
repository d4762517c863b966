package auth_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/acars-relay/internal/auth"
	"github.com/a-essam23/acars-relay/pkg/pipeline"
	"github.com/a-essam23/acars-relay/pkg/protocol"
	"github.com/a-essam23/acars-relay/pkg/state/statemanager"
	"github.com/a-essam23/acars-relay/pkg/state/statetest"
	"github.com/a-essam23/acars-relay/pkg/store/memory"
)

var discard = slog.New(slog.DiscardHandler)

type fixture struct {
	store *memory.Store
	state *statemanager.InMemoryManager
	svc   *auth.Service
}

func newFixture(t *testing.T, deadline time.Duration) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), state: statemanager.NewInMemoryManager(discard)}
	f.svc = auth.New(discard, f.store, f.state, auth.Config{
		Deadline:   deadline,
		JWTSecret:  "test-secret",
		SessionTTL: time.Hour,
	}, nil)
	return f
}

func (f *fixture) connect(t *testing.T) *statetest.Transport {
	t.Helper()
	tr := statetest.NewTransport()
	_, err := f.state.Register(tr, "127.0.0.1")
	require.NoError(t, err)
	return tr
}

func (f *fixture) cargo(t *testing.T, tr *statetest.Transport, raw string) *pipeline.Cargo {
	t.Helper()
	frame, err := protocol.ParseFrame([]byte(raw))
	require.NoError(t, err)
	conn, ok := f.state.Get(tr.ID())
	require.True(t, ok)
	return &pipeline.Cargo{Logger: discard, Ctx: context.Background(), Connection: conn, StateManager: f.state, Frame: frame}
}

func TestAuthenticateSuccess(t *testing.T) {
	f := newFixture(t, time.Minute)
	u, err := f.store.CreateUser(context.Background(), "pilot", "api-token")
	require.NoError(t, err)
	tr := f.connect(t)

	res, err := f.svc.Authenticate(f.cargo(t, tr, `{"action":1,"requestId":"r1","token":"api-token"}`))
	require.NoError(t, err)
	assert.Equal(t, "Logged in successfully.", res.Message)
	data := res.Data.(auth.LoginData)
	assert.Equal(t, u.ID, data.UserID)
	assert.NotEmpty(t, data.SessionToken)

	conn, _ := f.state.Get(tr.ID())
	assert.True(t, conn.Authenticated)
	assert.Equal(t, u.ID, conn.UserID)

	got, err := f.store.UserByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.True(t, got.Connected)
}

func TestAuthenticateFailures(t *testing.T) {
	f := newFixture(t, time.Minute)
	_, err := f.store.CreateUser(context.Background(), "pilot", "api-token")
	require.NoError(t, err)

	tests := []struct {
		name    string
		frame   string
		kind    protocol.Kind
		message string
	}{
		{"missing token", `{"action":1,"requestId":"r"}`, protocol.KindMissingField, "Missing token."},
		{"unknown token", `{"action":1,"requestId":"r","token":"nope"}`, protocol.KindNotFound, "Authentication failed."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := f.connect(t)
			_, err := f.svc.Authenticate(f.cargo(t, tr, tt.frame))
			require.Error(t, err)
			assert.Equal(t, tt.kind, protocol.KindOf(err))
			assert.Equal(t, tt.message, protocol.ClientMessage(err))
			assert.False(t, tr.Closed(), "failed logins keep the connection open")
		})
	}
}

func TestSecondConnectionForSameUserRejected(t *testing.T) {
	f := newFixture(t, time.Minute)
	_, err := f.store.CreateUser(context.Background(), "pilot", "api-token")
	require.NoError(t, err)

	first := f.connect(t)
	_, err = f.svc.Authenticate(f.cargo(t, first, `{"action":1,"requestId":"r","token":"api-token"}`))
	require.NoError(t, err)

	second := f.connect(t)
	_, err = f.svc.Authenticate(f.cargo(t, second, `{"action":1,"requestId":"r","token":"api-token"}`))
	assert.Equal(t, "User is already connected.", protocol.ClientMessage(err))

	_, err = f.svc.Authenticate(f.cargo(t, first, `{"action":1,"requestId":"r","token":"api-token"}`))
	assert.Equal(t, "Already authenticated.", protocol.ClientMessage(err))
}

func TestDeadlineClosesUnauthenticated(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	tr := f.connect(t)
	f.svc.StartDeadline(tr)

	require.Eventually(t, tr.Closed, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, tr.CloseErr(), auth.ErrDeadline)
}

func TestDeadlineDoesNotFireAfterLogin(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	_, err := f.store.CreateUser(context.Background(), "pilot", "api-token")
	require.NoError(t, err)
	tr := f.connect(t)
	f.svc.StartDeadline(tr)

	_, err = f.svc.Authenticate(f.cargo(t, tr, `{"action":1,"requestId":"r","token":"api-token"}`))
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	assert.False(t, tr.Closed())
}

func TestLateLoginAfterExpiryRollsBack(t *testing.T) {
	f := newFixture(t, time.Minute)
	u, err := f.store.CreateUser(context.Background(), "pilot", "api-token")
	require.NoError(t, err)
	tr := f.connect(t)
	pctx := f.cargo(t, tr, `{"action":1,"requestId":"r","token":"api-token"}`)

	require.True(t, f.state.Expire(tr.ID()))
	_, err = f.svc.Authenticate(pctx)
	require.Error(t, err)

	got, err := f.store.UserByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.False(t, got.Connected, "connected flag must be rolled back")
}

func TestReconnectWithSessionToken(t *testing.T) {
	f := newFixture(t, time.Minute)
	u, err := f.store.CreateUser(context.Background(), "pilot", "api-token")
	require.NoError(t, err)

	first := f.connect(t)
	res, err := f.svc.Authenticate(f.cargo(t, first, `{"action":1,"requestId":"r","token":"api-token"}`))
	require.NoError(t, err)
	session := res.Data.(auth.LoginData).SessionToken

	// simulate the first socket dropping
	f.state.Deregister(first.ID())
	require.NoError(t, f.store.MarkDisconnected(context.Background(), u.ID))

	second := f.connect(t)
	res, err = f.svc.Reconnect(f.cargo(t, second, `{"action":2,"requestId":"r","sessionToken":"`+session+`"}`))
	require.NoError(t, err)
	assert.Equal(t, u.ID, res.Data.(auth.LoginData).UserID)

	third := f.connect(t)
	_, err = f.svc.Reconnect(f.cargo(t, third, `{"action":2,"requestId":"r","sessionToken":"`+session+`x"}`))
	assert.Equal(t, "Authentication failed.", protocol.ClientMessage(err))
}

func TestSessionsRejectForeignAndExpiredTokens(t *testing.T) {
	issuer := auth.NewSessions("secret-a", time.Hour)
	tok, _, err := issuer.Issue("user-1")
	require.NoError(t, err)

	sub, err := issuer.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)

	_, err = auth.NewSessions("secret-b", time.Hour).Verify(tok)
	assert.ErrorIs(t, err, auth.ErrInvalidSession)

	expired, _, err := auth.NewSessions("secret-a", -time.Minute).Issue("user-1")
	require.NoError(t, err)
	_, err = issuer.Verify(expired)
	assert.ErrorIs(t, err, auth.ErrInvalidSession)
}

func TestEmptySecretUsesRandomKey(t *testing.T) {
	sessions := auth.NewSessions("", time.Hour)
	for _, guess := range []string{"", "default-secret-key-change-me"} {
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "victim",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString([]byte(guess))
		require.NoError(t, err)
		_, err = sessions.Verify(forged)
		assert.ErrorIs(t, err, auth.ErrInvalidSession, "key %q", guess)
	}

	tok, _, err := sessions.Issue("user-1")
	require.NoError(t, err)
	_, err = auth.NewSessions("", time.Hour).Verify(tok)
	assert.ErrorIs(t, err, auth.ErrInvalidSession, "each process gets its own key")
}

func TestHeartbeatAndDisconnect(t *testing.T) {
	f := newFixture(t, time.Minute)
	tr := f.connect(t)

	res, err := f.svc.Heartbeat(f.cargo(t, tr, `{"action":4,"requestId":"r"}`))
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Message)

	res, err = f.svc.Disconnect(f.cargo(t, tr, `{"action":3,"requestId":"r"}`))
	require.NoError(t, err)
	assert.True(t, res.Close)
}
