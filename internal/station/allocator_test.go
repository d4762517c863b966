package station_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/acars-relay/internal/station"
	"github.com/a-essam23/acars-relay/pkg/config"
	"github.com/a-essam23/acars-relay/pkg/pipeline"
	"github.com/a-essam23/acars-relay/pkg/protocol"
	"github.com/a-essam23/acars-relay/pkg/state/statemanager"
	"github.com/a-essam23/acars-relay/pkg/state/statetest"
	"github.com/a-essam23/acars-relay/pkg/store"
	"github.com/a-essam23/acars-relay/pkg/store/memory"
)

var discard = slog.New(slog.DiscardHandler)

// hookStore runs before ahead of every transaction.
type hookStore struct {
	store.Store
	before func()
}

func (h *hookStore) Atomically(ctx context.Context, fn func(q store.Queries) error) error {
	if h.before != nil {
		h.before()
	}
	return h.Store.Atomically(ctx, fn)
}

type fixture struct {
	mem   *memory.Store
	hooks *hookStore
	state *statemanager.InMemoryManager
	alloc *station.Allocator
}

func newFixture(t *testing.T, cfg station.Config) *fixture {
	t.Helper()
	mem := memory.New()
	f := &fixture{mem: mem, hooks: &hookStore{Store: mem}, state: statemanager.NewInMemoryManager(discard)}
	f.alloc = station.NewAllocator(discard, f.hooks, f.state, cfg, nil)
	t.Cleanup(f.alloc.Shutdown)
	return f
}

// login registers an authenticated connection for a fresh user.
func (f *fixture) login(t *testing.T, username string) (*statetest.Transport, string) {
	t.Helper()
	u, err := f.mem.CreateUser(context.Background(), username, username+"-token")
	require.NoError(t, err)
	tr := statetest.NewTransport()
	_, err = f.state.Register(tr, "127.0.0.1")
	require.NoError(t, err)
	require.NoError(t, f.state.Authenticate(tr.ID(), u.ID))
	return tr, u.ID
}

func (f *fixture) cargo(t *testing.T, tr *statetest.Transport, raw string) *pipeline.Cargo {
	t.Helper()
	frame, err := protocol.ParseFrame([]byte(raw))
	require.NoError(t, err)
	conn, ok := f.state.Get(tr.ID())
	require.True(t, ok)
	return &pipeline.Cargo{Logger: discard, Ctx: context.Background(), Connection: conn, StateManager: f.state, Frame: frame}
}

func register(code string) string {
	return `{"action":10,"requestId":"r","stationCode":"` + code + `"}`
}

func TestRegisterClientClaimsStation(t *testing.T) {
	f := newFixture(t, station.Config{})
	tr, userID := f.login(t, "pilot")

	res, err := f.alloc.RegisterClient(f.cargo(t, tr, register(" dlh123 ")))
	require.NoError(t, err)
	assert.Equal(t, "Successfully provisioned DLH123 and assigned it to you.", res.Message)

	conn, _ := f.state.Get(tr.ID())
	assert.Equal(t, "DLH123", conn.StationCode)
	assert.Empty(t, conn.PendingCode)

	u, err := f.mem.UserByID(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, u.StationID)
	st, err := f.mem.StationByID(context.Background(), *u.StationID)
	require.NoError(t, err)
	assert.Equal(t, userID, st.OwnerID)
}

func TestRegisterClientRejections(t *testing.T) {
	f := newFixture(t, station.Config{})
	first, _ := f.login(t, "first")
	second, _ := f.login(t, "second")

	_, err := f.alloc.RegisterClient(f.cargo(t, first, `{"action":10,"requestId":"r"}`))
	assert.Equal(t, protocol.KindMissingField, protocol.KindOf(err))
	assert.Equal(t, "Missing StationCode in request.", protocol.ClientMessage(err))

	_, err = f.alloc.RegisterClient(f.cargo(t, first, register("EDDF")))
	require.NoError(t, err)

	_, err = f.alloc.RegisterClient(f.cargo(t, second, register("eddf")))
	assert.Equal(t, "Station EDDF is already occupied.", protocol.ClientMessage(err))
	conn, _ := f.state.Get(second.ID())
	assert.Empty(t, conn.PendingCode, "failed claims clear the pending code")

	_, err = f.alloc.RegisterClient(f.cargo(t, first, register("EDDM")))
	assert.Equal(t, protocol.KindConflict, protocol.KindOf(err))
}

func TestConcurrentClaimsOfNewCode(t *testing.T) {
	f := newFixture(t, station.Config{})
	const claimants = 8

	var wg sync.WaitGroup
	errs := make([]error, claimants)
	for i := range claimants {
		u, err := f.mem.CreateUser(context.Background(), fmt.Sprintf("user%d", i), fmt.Sprintf("token%d", i))
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.alloc.Claim(context.Background(), "KJFK", u.ID)
		}()
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.Equal(t, protocol.KindConflict, protocol.KindOf(err))
	}
	assert.Equal(t, 1, won)
}

func TestMailboxPolicy(t *testing.T) {
	for _, tt := range []struct {
		policy  string
		claimed bool
	}{
		{config.MailboxAdopt, true},
		{config.MailboxStrict, false},
	} {
		t.Run(tt.policy, func(t *testing.T) {
			f := newFixture(t, station.Config{MailboxPolicy: tt.policy})
			mailbox, err := f.mem.CreateStation(context.Background(), "KJFK", "")
			require.NoError(t, err)
			tr, userID := f.login(t, "pilot")

			_, err = f.alloc.RegisterClient(f.cargo(t, tr, register("KJFK")))
			if !tt.claimed {
				assert.Equal(t, "Station KJFK is already occupied.", protocol.ClientMessage(err))
				return
			}
			require.NoError(t, err)
			st, err := f.mem.StationByCode(context.Background(), "KJFK")
			require.NoError(t, err)
			assert.Equal(t, mailbox.ID, st.ID, "the mailbox row is adopted, not recreated")
			assert.Equal(t, userID, st.OwnerID)
		})
	}
}

func TestLogoutReleasesStation(t *testing.T) {
	f := newFixture(t, station.Config{})
	first, _ := f.login(t, "first")
	second, _ := f.login(t, "second")

	_, err := f.alloc.Logout(f.cargo(t, first, `{"action":12,"requestId":"r"}`))
	assert.Equal(t, "You are not logged in to a station.", protocol.ClientMessage(err))

	_, err = f.alloc.RegisterClient(f.cargo(t, first, register("EGLL")))
	require.NoError(t, err)
	res, err := f.alloc.Logout(f.cargo(t, first, `{"action":12,"requestId":"r"}`))
	require.NoError(t, err)
	assert.Equal(t, "Logged out of EGLL.", res.Message)

	_, ok := f.state.GetByStationCode("EGLL")
	assert.False(t, ok)
	_, err = f.alloc.RegisterClient(f.cargo(t, second, register("EGLL")))
	assert.NoError(t, err, "released codes are claimable again")
}

func TestConnectionLeavingMidClaimIsCompensated(t *testing.T) {
	f := newFixture(t, station.Config{CleanupGrace: 10 * time.Millisecond, CleanupRetries: 3, CleanupRetryDelay: 10 * time.Millisecond})
	tr, userID := f.login(t, "pilot")
	pctx := f.cargo(t, tr, register("LFPG"))

	// The connection is torn down while the claim transaction is running.
	f.hooks.before = func() {
		f.hooks.before = nil
		removed, ok := f.state.Deregister(tr.ID())
		require.True(t, ok)
		require.Equal(t, "LFPG", removed.PendingCode)
		f.alloc.CompensatePending(removed.UserID, removed.PendingCode)
	}

	_, err := f.alloc.RegisterClient(pctx)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		_, err := f.mem.StationByCode(context.Background(), "LFPG")
		return errors.Is(err, store.ErrNotFound)
	}, time.Second, 5*time.Millisecond)

	u, err := f.mem.UserByID(context.Background(), userID)
	require.NoError(t, err)
	assert.Nil(t, u.StationID)
}

func TestCompensationLeavesOtherOwnersAlone(t *testing.T) {
	f := newFixture(t, station.Config{CleanupRetries: 1})
	tr, _ := f.login(t, "owner")
	_, err := f.alloc.RegisterClient(f.cargo(t, tr, register("LEMD")))
	require.NoError(t, err)

	// Bound to a live connection.
	f.alloc.CompensatePending("someone-else", "LEMD")
	// Owned by a different user once the connection is gone.
	f.state.Deregister(tr.ID())
	f.alloc.CompensatePending("someone-else", "LEMD")
	f.alloc.Shutdown()

	_, err = f.mem.StationByCode(context.Background(), "LEMD")
	assert.NoError(t, err)
}

func TestShutdownCancelsCompensation(t *testing.T) {
	f := newFixture(t, station.Config{CleanupGrace: time.Hour})
	_, userID := f.login(t, "pilot")
	_, err := f.alloc.Claim(context.Background(), "LIRF", userID)
	require.NoError(t, err)

	f.alloc.CompensatePending(userID, "LIRF")
	done := make(chan struct{})
	go func() {
		f.alloc.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not cancel the pending compensation")
	}

	_, err = f.mem.StationByCode(context.Background(), "LIRF")
	assert.NoError(t, err)
}

func TestDeleteMailboxSkipsOwnedStations(t *testing.T) {
	f := newFixture(t, station.Config{})
	_, userID := f.login(t, "pilot")
	_, err := f.alloc.Claim(context.Background(), "EHAM", userID)
	require.NoError(t, err)
	_, err = f.mem.CreateStation(context.Background(), "EBBR", "")
	require.NoError(t, err)

	deleted, err := f.alloc.DeleteMailbox(context.Background(), "EHAM")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = f.alloc.DeleteMailbox(context.Background(), "EBBR")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = f.alloc.DeleteByCode(context.Background(), "eham")
	require.NoError(t, err)
	assert.True(t, deleted)
	u, err := f.mem.UserByID(context.Background(), userID)
	require.NoError(t, err)
	assert.Nil(t, u.StationID, "deleting an owned station detaches the owner")
}
