// Package storetest holds behaviour checks shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/acars-relay/pkg/store"
)

// Factory returns an empty store whose clock reads *now.
type Factory func(t *testing.T, now *time.Time) store.Store

func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store, now *time.Time)
	}{
		{"Users", testUsers},
		{"MarkConnectedOnce", testMarkConnectedOnce},
		{"StationConflict", testStationConflict},
		{"AtomicallyRollsBack", testAtomicallyRollsBack},
		{"TransmitSeq", testTransmitSeq},
		{"MessagesTouchRecipient", testMessagesTouchRecipient},
		{"LinkedUsers", testLinkedUsers},
		{"ResetSessions", testResetSessions},
		{"Retention", testRetention},
		{"ConcurrentClaims", testConcurrentClaims},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.UnixMilli(1_700_000_000_000)
			s := newStore(t, &now)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s, &now)
		})
	}
}

func testUsers(t *testing.T, s store.Store, _ *time.Time) {
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "alice", "tok-a")
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.False(t, u.Connected)

	_, err = s.CreateUser(ctx, "alice2", "tok-a")
	assert.ErrorIs(t, err, store.ErrConflict)

	byToken, err := s.UserByToken(ctx, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byToken.ID)

	_, err = s.UserByToken(ctx, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.UserByID(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.LinkCredential(ctx, u.ID, store.Credential{Provider: store.ProviderHoppie, Secret: "old"}))
	require.NoError(t, s.LinkCredential(ctx, u.ID, store.Credential{Provider: store.ProviderHoppie, Secret: "new"}))
	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	secret, ok := got.Credential(store.ProviderHoppie)
	assert.True(t, ok)
	assert.Equal(t, "new", secret)
	assert.Len(t, got.Credentials, 1)

	assert.ErrorIs(t, s.LinkCredential(ctx, "nobody", store.Credential{Provider: "x", Secret: "y"}), store.ErrNotFound)
}

func testMarkConnectedOnce(t *testing.T, s store.Store, _ *time.Time) {
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "bob", "tok-b")
	require.NoError(t, err)

	ok, err := s.MarkConnected(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkConnected(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second connect must not win")

	require.NoError(t, s.MarkDisconnected(ctx, u.ID))
	ok, err = s.MarkConnected(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.MarkConnected(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testStationConflict(t *testing.T, s store.Store, _ *time.Time) {
	ctx := context.Background()
	st, err := s.CreateStation(ctx, "YMML", "")
	require.NoError(t, err)
	assert.False(t, st.Owned())

	_, err = s.CreateStation(ctx, "YMML", "u1")
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.SetStationOwner(ctx, st.ID, "u1"))
	got, err := s.StationByCode(ctx, "YMML")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.OwnerID)

	require.NoError(t, s.DeleteStation(ctx, st.ID))
	_, err = s.StationByID(ctx, st.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteStation(ctx, st.ID), store.ErrNotFound)
}

func testAtomicallyRollsBack(t *testing.T, s store.Store, _ *time.Time) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.Atomically(ctx, func(q store.Queries) error {
		if _, err := q.CreateStation(ctx, "EGLL", "u1"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = s.StationByCode(ctx, "EGLL")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Atomically(ctx, func(q store.Queries) error {
		_, err := q.CreateStation(ctx, "EGLL", "u1")
		return err
	}))
	_, err = s.StationByCode(ctx, "EGLL")
	assert.NoError(t, err)
}

func testTransmitSeq(t *testing.T, s store.Store, _ *time.Time) {
	ctx := context.Background()
	st, err := s.CreateStation(ctx, "KJFK", "u1")
	require.NoError(t, err)
	for want := int64(1); want <= 3; want++ {
		got, err := s.NextTransmitSeq(ctx, st.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err = s.NextTransmitSeq(ctx, st.ID+100)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testMessagesTouchRecipient(t *testing.T, s store.Store, now *time.Time) {
	ctx := context.Background()
	st, err := s.CreateStation(ctx, "YSSY", "")
	require.NoError(t, err)

	*now = now.Add(10 * time.Minute)
	msg := &store.Message{Kind: store.KindTelex, SenderCode: "QFA1", RecipientStationID: &st.ID, RecipientCode: "YSSY", Content: "HELLO"}
	require.NoError(t, s.CreateMessage(ctx, msg))
	assert.NotZero(t, msg.ID)
	assert.True(t, msg.CreatedAt.Equal(*now))

	got, err := s.StationByID(ctx, st.ID)
	require.NoError(t, err)
	assert.True(t, got.LastActivity.Equal(*now))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Messages)
	require.Len(t, stats.Stations, 1)
	assert.Equal(t, "YSSY", stats.Stations[0].LogonCode)
}

func testLinkedUsers(t *testing.T, s store.Store, _ *time.Time) {
	ctx := context.Background()
	linked, err := s.CreateUser(ctx, "linked", "tok-1")
	require.NoError(t, err)
	unlinked, err := s.CreateUser(ctx, "unlinked", "tok-2")
	require.NoError(t, err)
	require.NoError(t, s.LinkCredential(ctx, linked.ID, store.Credential{Provider: store.ProviderHoppie, Secret: "logon"}))

	for i, u := range []*store.User{linked, unlinked} {
		st, err := s.CreateStation(ctx, []string{"AAL1", "BAW2"}[i], u.ID)
		require.NoError(t, err)
		require.NoError(t, s.SetUserStation(ctx, u.ID, &st.ID))
		_, err = s.MarkConnected(ctx, u.ID)
		require.NoError(t, err)
	}

	users, err := s.ConnectedLinkedUsers(ctx, store.ProviderHoppie)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, linked.ID, users[0].UserID)
	assert.Equal(t, "AAL1", users[0].Callsign)
	assert.Equal(t, "logon", users[0].Logon)

	require.NoError(t, s.MarkDisconnected(ctx, linked.ID))
	users, err = s.ConnectedLinkedUsers(ctx, store.ProviderHoppie)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func testResetSessions(t *testing.T, s store.Store, _ *time.Time) {
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "carol", "tok-c")
	require.NoError(t, err)
	owned, err := s.CreateStation(ctx, "QFA1", u.ID)
	require.NoError(t, err)
	_, err = s.CreateStation(ctx, "YBBN", "")
	require.NoError(t, err)
	require.NoError(t, s.SetUserStation(ctx, u.ID, &owned.ID))
	_, err = s.MarkConnected(ctx, u.ID)
	require.NoError(t, err)

	require.NoError(t, s.ResetSessions(ctx))

	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.Connected)
	assert.Nil(t, got.StationID)
	_, err = s.StationByCode(ctx, "QFA1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.StationByCode(ctx, "YBBN")
	assert.NoError(t, err, "mailboxes survive a restart")
}

func testRetention(t *testing.T, s store.Store, now *time.Time) {
	ctx := context.Background()
	start := *now
	idle, err := s.CreateStation(ctx, "OLD1", "")
	require.NoError(t, err)
	require.NoError(t, s.CreateMessage(ctx, &store.Message{Kind: store.KindTelex, RecipientStationID: &idle.ID, Content: "a"}))

	*now = start.Add(90 * time.Minute)
	_, err = s.CreateStation(ctx, "NEW1", "")
	require.NoError(t, err)
	_, err = s.CreateStation(ctx, "OWN1", "someone")
	require.NoError(t, err)
	require.NoError(t, s.CreateMessage(ctx, &store.Message{Kind: store.KindTelex, Content: "b"}))

	n, err := s.DeleteMessagesBefore(ctx, start.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	codes, err := s.IdleMailboxes(ctx, now.Add(-60*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"OLD1"}, codes)
}

func testConcurrentClaims(t *testing.T, s store.Store, _ *time.Time) {
	ctx := context.Background()
	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Atomically(ctx, func(q store.Queries) error {
				_, err := q.CreateStation(ctx, "RACE", "")
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)
}
