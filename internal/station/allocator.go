// Package station allocates logon codes to users. A claim is recorded as
// pending in the connection registry while its store transaction runs; if
// the connection leaves before the claim is confirmed, a delayed
// compensation undoes whatever the claim left behind.
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/acars-relay/internal/metrics"
	"github.com/a-essam23/acars-relay/pkg/config"
	"github.com/a-essam23/acars-relay/pkg/protocol"
	"github.com/a-essam23/acars-relay/pkg/state"
	"github.com/a-essam23/acars-relay/pkg/store"
)

type Config struct {
	MailboxPolicy     string
	CleanupGrace      time.Duration
	CleanupRetries    int
	CleanupRetryDelay time.Duration
}

type Allocator struct {
	logger  *slog.Logger
	store   store.Store
	state   state.Manager
	cfg     Config
	metrics *metrics.Metrics

	// ctx bounds background compensations; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAllocator(logger *slog.Logger, st store.Store, sm state.Manager, cfg Config, m *metrics.Metrics) *Allocator {
	if cfg.CleanupRetries < 1 {
		cfg.CleanupRetries = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Allocator{
		logger:  logger.With(slog.String("component", "station_allocator")),
		store:   st,
		state:   sm,
		cfg:     cfg,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Claim assigns code to userID in one transaction. An owned code is a
// Conflict; an unowned mailbox row is adopted or refused per MailboxPolicy.
func (a *Allocator) Claim(ctx context.Context, code, userID string) (*store.Station, error) {
	code = store.NormalizeCode(code)
	if code == "" {
		return nil, protocol.MissingField(msgMissingStation)
	}

	var claimed *store.Station
	err := a.store.Atomically(ctx, func(q store.Queries) error {
		user, err := q.UserByID(ctx, userID)
		if err != nil {
			return err
		}
		if user.StationID != nil {
			return protocol.Conflict(msgAlreadyHolding)
		}

		st, err := q.StationByCode(ctx, code)
		switch {
		case err == nil && st.Owned():
			return protocol.Conflict(fmt.Sprintf(msgOccupied, code))
		case err == nil:
			if a.cfg.MailboxPolicy == config.MailboxStrict {
				return protocol.Conflict(fmt.Sprintf(msgOccupied, code))
			}
			if err := q.SetStationOwner(ctx, st.ID, userID); err != nil {
				return err
			}
			st.OwnerID = userID
			a.logger.Debug("adopting mailbox station", slog.String("station", code), slog.String("userID", userID))
		case errors.Is(err, store.ErrNotFound):
			st, err = q.CreateStation(ctx, code, userID)
			if errors.Is(err, store.ErrConflict) {
				return protocol.Conflict(fmt.Sprintf(msgOccupied, code))
			}
			if err != nil {
				return err
			}
		default:
			return err
		}

		if err := q.SetUserStation(ctx, userID, &st.ID); err != nil {
			return err
		}
		claimed = st
		return nil
	})
	if err != nil {
		if protocol.KindOf(err) != protocol.KindInternal {
			return nil, err
		}
		return nil, protocol.Internal(fmt.Errorf("claiming %s: %w", code, err))
	}
	return claimed, nil
}

// Release frees the user's station. It reports false when the user held
// none.
func (a *Allocator) Release(ctx context.Context, userID string) (bool, error) {
	released := false
	err := a.store.Atomically(ctx, func(q store.Queries) error {
		user, err := q.UserByID(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if user.StationID == nil {
			return nil
		}
		if err := q.SetUserStation(ctx, userID, nil); err != nil {
			return err
		}
		if err := q.DeleteStation(ctx, *user.StationID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("releasing station of %s: %w", userID, err)
	}
	return released, nil
}

// DeleteByCode removes the station unconditionally, detaching its owner if
// it has one.
func (a *Allocator) DeleteByCode(ctx context.Context, code string) (bool, error) {
	return a.deleteWhere(ctx, store.NormalizeCode(code), func(*store.Station) bool { return true })
}

// DeleteMailbox removes code only if it is still an unowned mailbox.
func (a *Allocator) DeleteMailbox(ctx context.Context, code string) (bool, error) {
	return a.deleteWhere(ctx, store.NormalizeCode(code), func(st *store.Station) bool { return !st.Owned() })
}

func (a *Allocator) deleteWhere(ctx context.Context, code string, match func(*store.Station) bool) (bool, error) {
	deleted := false
	err := a.store.Atomically(ctx, func(q store.Queries) error {
		st, err := q.StationByCode(ctx, code)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !match(st) {
			return nil
		}
		if st.Owned() {
			if err := q.SetUserStation(ctx, st.OwnerID, nil); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		if err := q.DeleteStation(ctx, st.ID); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("deleting station %s: %w", code, err)
	}
	return deleted, nil
}
