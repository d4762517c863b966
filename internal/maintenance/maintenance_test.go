package maintenance

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/acars-relay/internal/station"
	"github.com/a-essam23/acars-relay/pkg/state/statemanager"
	"github.com/a-essam23/acars-relay/pkg/store"
	"github.com/a-essam23/acars-relay/pkg/store/memory"
)

func TestRunOncePurgesOldRows(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	mem := memory.New(memory.WithClock(func() time.Time { return clock }))
	alloc := station.NewAllocator(logger, mem, statemanager.NewInMemoryManager(logger), station.Config{}, nil)
	defer alloc.Shutdown()
	ctx := context.Background()

	owner, err := mem.CreateUser(ctx, "pilot", "tok")
	require.NoError(t, err)
	_, err = alloc.Claim(ctx, "DLH123", owner.ID)
	require.NoError(t, err)
	old, err := mem.CreateStation(ctx, "KJFK", "")
	require.NoError(t, err)
	require.NoError(t, mem.CreateMessage(ctx, &store.Message{Kind: store.KindTelex, RecipientStationID: &old.ID, RecipientCode: "KJFK", Content: "OLD"}))

	// Three hours later a fresh mailbox receives a message.
	clock = clock.Add(3 * time.Hour)
	fresh, err := mem.CreateStation(ctx, "EGLL", "")
	require.NoError(t, err)
	require.NoError(t, mem.CreateMessage(ctx, &store.Message{Kind: store.KindTelex, RecipientStationID: &fresh.ID, RecipientCode: "EGLL", Content: "NEW"}))

	r := New(logger, mem, alloc, Config{MessageRetention: 120 * time.Minute, MailboxIdle: 60 * time.Minute})
	r.now = func() time.Time { return clock }

	rep := r.RunOnce(ctx)
	assert.Equal(t, int64(1), rep.MessagesDeleted)
	assert.Equal(t, 1, rep.MailboxesDeleted)

	msgs := mem.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "NEW", msgs[0].Content)

	_, err = mem.StationByCode(ctx, "KJFK")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = mem.StationByCode(ctx, "EGLL")
	assert.NoError(t, err)
	_, err = mem.StationByCode(ctx, "DLH123")
	assert.NoError(t, err, "owned stations are never idle mailboxes")
}

func TestRunStopsOnCancel(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	mem := memory.New()
	alloc := station.NewAllocator(logger, mem, statemanager.NewInMemoryManager(logger), station.Config{}, nil)
	defer alloc.Shutdown()

	r := New(logger, mem, alloc, Config{Interval: time.Millisecond, MessageRetention: time.Minute, MailboxIdle: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
