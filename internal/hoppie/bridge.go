package hoppie

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/a-essam23/acars-relay/internal/engine"
	"github.com/a-essam23/acars-relay/internal/metrics"
	"github.com/a-essam23/acars-relay/pkg/protocol"
	"github.com/a-essam23/acars-relay/pkg/state"
	"github.com/a-essam23/acars-relay/pkg/store"
)

// Poller fetches pending blocks for one callsign.
type Poller interface {
	Poll(ctx context.Context, logon, callsign string) ([]Block, error)
}

type BridgeConfig struct {
	CycleInterval time.Duration
	JitterMin     time.Duration
	JitterMax     time.Duration
}

// Bridge polls the network for every connected user holding a station and a
// linked credential. Each cycle schedules one poll per user at a random
// delay inside the jitter window; a newer schedule for a user replaces the
// older one.
type Bridge struct {
	logger  *slog.Logger
	poller  Poller
	store   store.Store
	state   state.Manager
	metrics *metrics.Metrics
	cfg     BridgeConfig

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

func NewBridge(logger *slog.Logger, p Poller, st store.Store, sm state.Manager, cfg BridgeConfig, m *metrics.Metrics) *Bridge {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 75 * time.Second
	}
	return &Bridge{
		logger:  logger.With(slog.String("component", "hoppie_bridge")),
		poller:  p,
		store:   st,
		state:   sm,
		metrics: m,
		cfg:     cfg,
		timers:  make(map[string]*time.Timer),
	}
}

// Run cycles until ctx is done, then stops every scheduled poll and waits
// for running ones.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("bridge started", slog.Duration("cycle", b.cfg.CycleInterval))
	ticker := time.NewTicker(b.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		b.cycle(ctx)
		select {
		case <-ctx.Done():
			b.stop()
			b.logger.Info("bridge stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (b *Bridge) cycle(ctx context.Context) {
	users, err := b.store.ConnectedLinkedUsers(ctx, store.ProviderHoppie)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Error("listing linked users failed", slog.Any("error", err))
		}
		return
	}
	b.logger.Debug("starting poll cycle", slog.Int("users", len(users)))
	for _, u := range users {
		b.schedule(ctx, u, b.jitter())
	}
}

func (b *Bridge) jitter() time.Duration {
	lo, hi := b.cfg.JitterMin, b.cfg.JitterMax
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

// Pending reports how many polls are scheduled and not yet fired.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers)
}

func (b *Bridge) schedule(ctx context.Context, u store.LinkedUser, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.timers[u.UserID]; ok && old.Stop() {
		b.wg.Done()
	}

	b.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer b.wg.Done()
		b.mu.Lock()
		if b.timers[u.UserID] == timer {
			delete(b.timers, u.UserID)
		}
		b.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := b.Poll(ctx, u); err != nil {
			b.logger.Warn("poll failed", slog.String("userID", u.UserID), slog.String("callsign", u.Callsign), slog.Any("error", err))
		}
	})
	b.timers[u.UserID] = timer
}

func (b *Bridge) stop() {
	b.mu.Lock()
	for id, t := range b.timers {
		if t.Stop() {
			b.wg.Done()
		}
		delete(b.timers, id)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Poll fetches u's messages, persists each one to u's station and pushes it
// to the station's connection when one is registered.
func (b *Bridge) Poll(ctx context.Context, u store.LinkedUser) error {
	blocks, err := b.poller.Poll(ctx, u.Logon, u.Callsign)
	if err != nil {
		b.metrics.Poll("error")
		return fmt.Errorf("polling %s: %w", u.Callsign, err)
	}
	if len(blocks) == 0 {
		b.metrics.Poll("empty")
		return nil
	}
	b.metrics.Poll("messages")

	logger := b.logger.With(slog.String("userID", u.UserID), slog.String("callsign", u.Callsign))
	for _, blk := range blocks {
		b.deliver(ctx, logger, u, blk)
	}
	return nil
}

func (b *Bridge) deliver(ctx context.Context, logger *slog.Logger, u store.LinkedUser, blk Block) {
	stationID := u.StationID
	msg := &store.Message{
		SenderCode:         store.NormalizeCode(blk.Identifier),
		RecipientStationID: &stationID,
		RecipientCode:      u.Callsign,
	}

	var push protocol.Response
	if blk.Type == "cpdlc" {
		cp := ParseCPDLC(blk.Content)
		msg.Kind = store.KindCPDLC
		msg.Content = cp.Content
		msg.ResponseCode = cp.ResponseCode
		msg.ReplyToID = cp.ReplyToID
		if cp.MessageID > 0 {
			extID := cp.MessageID
			msg.ExternalID = &extID
		}
		push = protocol.NewCPDLCPush(protocol.CPDLCPayload{
			Sender:       msg.SenderCode,
			MessageID:    cp.MessageID,
			ReplyToID:    cp.ReplyToID,
			ResponseCode: cp.ResponseCode,
			Message:      cp.Content,
		})
	} else {
		msg.Kind = store.KindTelex
		msg.Content = blk.Content
	}

	if err := b.store.CreateMessage(ctx, msg); err != nil {
		logger.Error("persisting inbound message failed", slog.String("kind", string(msg.Kind)), slog.Any("error", err))
	} else {
		b.metrics.Relayed(string(msg.Kind), "external")
	}

	if msg.Kind == store.KindTelex {
		push = protocol.NewTelexPush(protocol.TelexPayload{
			Sender:    msg.SenderCode,
			MessageID: msg.ID,
			Message:   msg.Content,
		})
	}
	delivered := engine.NotifyStation(b.state, logger, u.Callsign, push)
	logger.Info("inbound message",
		slog.String("kind", string(msg.Kind)),
		slog.String("sender", msg.SenderCode),
		slog.Bool("delivered", delivered))
}
