package station

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/a-essam23/acars-relay/pkg/store"
)

var (
	errNotVisible = errors.New("claimed station not visible yet")
	errNotOwned   = errors.New("station is not owned by the departed user")
)

// CompensatePending undoes a claim of code by userID whose connection left
// before the claim was confirmed. It waits CleanupGrace, then tries up to
// CleanupRetries times, CleanupRetryDelay apart, for the station to appear.
// It never touches a station bound to a live connection or owned by anyone
// else.
func (a *Allocator) CompensatePending(userID, code string) {
	logger := a.logger.With(slog.String("userID", userID), slog.String("station", code))
	logger.Info("scheduling pending claim compensation", slog.Duration("grace", a.cfg.CleanupGrace))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if !sleepCtx(a.ctx, a.cfg.CleanupGrace) {
			a.metrics.Compensation("cancelled")
			return
		}
		for attempt := 1; attempt <= a.cfg.CleanupRetries; attempt++ {
			err := a.compensateOnce(userID, code)
			switch {
			case err == nil:
				logger.Info("pending claim undone", slog.Int("attempt", attempt))
				a.metrics.Compensation("undone")
				return
			case errors.Is(err, errNotOwned):
				logger.Info("pending claim compensation skipped", slog.Any("reason", err))
				a.metrics.Compensation("skipped")
				return
			}
			logger.Debug("pending claim compensation retry", slog.Int("attempt", attempt), slog.Any("error", err))
			if attempt < a.cfg.CleanupRetries && !sleepCtx(a.ctx, a.cfg.CleanupRetryDelay) {
				a.metrics.Compensation("cancelled")
				return
			}
		}
		logger.Warn("gave up compensating pending claim", slog.Int("attempts", a.cfg.CleanupRetries))
		a.metrics.Compensation("gave_up")
	}()
}

func (a *Allocator) compensateOnce(userID, code string) error {
	if conn, live := a.state.GetByStationCode(code); live {
		a.logger.Debug("station bound to a live connection", slog.String("station", code), slog.String("connID", conn.ID.String()))
		return errNotOwned
	}
	return a.store.Atomically(a.ctx, func(q store.Queries) error {
		st, err := q.StationByCode(a.ctx, code)
		if errors.Is(err, store.ErrNotFound) {
			return errNotVisible
		}
		if err != nil {
			return err
		}
		if st.OwnerID != userID {
			return errNotOwned
		}
		user, err := q.UserByID(a.ctx, userID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if user != nil && user.StationID != nil && *user.StationID == st.ID {
			if err := q.SetUserStation(a.ctx, userID, nil); err != nil {
				return err
			}
		}
		return q.DeleteStation(a.ctx, st.ID)
	})
}

// Shutdown cancels outstanding compensations and waits for them to return.
func (a *Allocator) Shutdown() {
	a.cancel()
	a.wg.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
