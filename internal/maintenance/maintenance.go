// Package maintenance runs the periodic cleanup jobs: message retention and
// removal of idle mailbox stations.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/a-essam23/acars-relay/pkg/store"
)

// MailboxDeleter removes a station only while it is still an unowned mailbox.
type MailboxDeleter interface {
	DeleteMailbox(ctx context.Context, code string) (bool, error)
}

type Config struct {
	Interval         time.Duration
	MessageRetention time.Duration
	MailboxIdle      time.Duration
}

type Runner struct {
	logger  *slog.Logger
	store   store.Store
	deleter MailboxDeleter
	cfg     Config
	now     func() time.Time
}

func New(logger *slog.Logger, st store.Store, deleter MailboxDeleter, cfg Config) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Runner{
		logger:  logger.With(slog.String("component", "maintenance")),
		store:   st,
		deleter: deleter,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run executes a pass every Interval until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// Report summarizes one pass.
type Report struct {
	MessagesDeleted  int64
	MailboxesDeleted int
}

// RunOnce performs a single pass. Failures are logged and the pass carries
// on with the next job.
func (r *Runner) RunOnce(ctx context.Context) Report {
	var rep Report
	now := r.now()

	if r.cfg.MessageRetention > 0 {
		n, err := r.store.DeleteMessagesBefore(ctx, now.Add(-r.cfg.MessageRetention))
		if err != nil {
			r.logger.Error("message retention failed", slog.Any("error", err))
		}
		rep.MessagesDeleted = n
	}

	if r.cfg.MailboxIdle > 0 {
		codes, err := r.store.IdleMailboxes(ctx, now.Add(-r.cfg.MailboxIdle))
		if err != nil {
			r.logger.Error("listing idle mailboxes failed", slog.Any("error", err))
		}
		for _, code := range codes {
			deleted, err := r.deleter.DeleteMailbox(ctx, code)
			if err != nil {
				r.logger.Error("deleting idle mailbox failed", slog.String("station", code), slog.Any("error", err))
				continue
			}
			if deleted {
				rep.MailboxesDeleted++
			}
		}
	}

	if rep.MessagesDeleted > 0 || rep.MailboxesDeleted > 0 {
		r.logger.Info("maintenance pass",
			slog.Int64("messagesDeleted", rep.MessagesDeleted),
			slog.Int("mailboxesDeleted", rep.MailboxesDeleted))
	}
	return rep
}
