package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/db"
	apperrors "github.com/ig-rudenko/axo-vpn-bot/internal/shared/errors"
	applogger "github.com/ig-rudenko/axo-vpn-bot/internal/shared/logger"
)

// Scheduler wakes on a short interval and runs the expiration check once per
// day inside a wall-clock window around the configured time.
type Scheduler struct {
	wakeInterval time.Duration
	dailyAt      time.Duration // offset from midnight
	tolerance    time.Duration
	grace        time.Duration

	store     db.Store
	notifiers []Notifier
	logger    *applogger.Logger

	lastDayChecked time.Time
	now            func() time.Time
}

// NewScheduler creates an expiration notifier scheduler. dailyAt is wall
// clock time in "15:04" form.
func NewScheduler(wakeInterval time.Duration, dailyAt string, tolerance, grace time.Duration, store db.Store, notifiers []Notifier, logger *applogger.Logger) (*Scheduler, error) {
	offset, err := parseWallClock(dailyAt)
	if err != nil {
		return nil, err
	}
	if wakeInterval <= 0 {
		wakeInterval = 2 * time.Minute
	}
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	if grace <= 0 {
		grace = 5 * 24 * time.Hour
	}
	now := time.Now
	return &Scheduler{
		wakeInterval:   wakeInterval,
		dailyAt:        offset,
		tolerance:      tolerance,
		grace:          grace,
		store:          store,
		notifiers:      notifiers,
		logger:         logger.WithComponent("notify"),
		lastDayChecked: startOfDay(now()).AddDate(0, 0, -1),
		now:            now,
	}, nil
}

func parseWallClock(value string) (time.Duration, error) {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return 0, apperrors.NewSystemError(apperrors.ErrCodeConfiguration,
			fmt.Sprintf("invalid daily time %q", value), false, err)
	}
	return time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Start begins the wake loop. Blocks until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.wakeInterval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "expiration notifier started",
		slog.Duration("daily_at", s.dailyAt),
		slog.Duration("tolerance", s.tolerance))

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "expiration notifier stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.shouldRun() {
		return
	}
	s.RunPass(ctx)
	s.lastDayChecked = startOfDay(s.now())
}

// shouldRun reports whether the daily window is open and today's check has
// not happened yet.
func (s *Scheduler) shouldRun() bool {
	now := s.now()
	if startOfDay(now).Equal(s.lastDayChecked) {
		return false
	}
	target := startOfDay(now).Add(s.dailyAt)
	return !now.Before(target.Add(-s.tolerance)) && !now.After(target.Add(s.tolerance))
}

// RunPass checks every owned, leased connection and notifies its owner when
// the lease is over or about to end. Failures are per-connection.
func (s *Scheduler) RunPass(ctx context.Context) {
	connections, err := s.store.ListConnectionSummaries(ctx)
	if err != nil {
		s.logger.ErrorCtx(ctx, "failed to list connections", err)
		return
	}

	for _, conn := range connections {
		if ctx.Err() != nil {
			return
		}
		if err := s.checkConnection(ctx, conn); err != nil {
			s.logger.ErrorCtx(ctx, "expiration check failed", err,
				slog.Int64("connection_id", conn.ID))
		}
	}
}

func (s *Scheduler) checkConnection(ctx context.Context, conn db.ConnectionSummary) error {
	if !conn.UserID.Valid || !conn.AvailableTo.Valid {
		return nil
	}

	now := s.now()
	switch {
	case !conn.Available:
		// Frozen but still owned: count down to deletion.
		daysLeft := int(conn.AvailableTo.Time.Add(s.grace).Sub(now).Hours() / 24)
		return s.notifyExpired(ctx, conn, daysLeft)
	case !conn.AvailableTo.Time.After(now.Add(s.grace)):
		daysLeft := int(conn.AvailableTo.Time.Sub(now).Hours() / 24)
		return s.notifySoonExpiring(ctx, conn, daysLeft)
	}
	return nil
}

func (s *Scheduler) notifyExpired(ctx context.Context, conn db.ConnectionSummary, daysLeft int) error {
	user, server, err := s.ownerAndServer(ctx, conn)
	if err != nil {
		return err
	}
	for _, notifier := range s.notifiers {
		if err := notifier.NotifyExpired(ctx, user, server, conn, daysLeft); err != nil {
			return apperrors.NewNotifyError(apperrors.ErrCodeNotify,
				"expired notification failed", true, err)
		}
	}
	return nil
}

func (s *Scheduler) notifySoonExpiring(ctx context.Context, conn db.ConnectionSummary, daysLeft int) error {
	user, server, err := s.ownerAndServer(ctx, conn)
	if err != nil {
		return err
	}
	for _, notifier := range s.notifiers {
		if err := notifier.NotifySoonExpiring(ctx, user, server, conn, daysLeft); err != nil {
			return apperrors.NewNotifyError(apperrors.ErrCodeNotify,
				"soon-expiring notification failed", true, err)
		}
	}
	return nil
}

func (s *Scheduler) ownerAndServer(ctx context.Context, conn db.ConnectionSummary) (db.User, db.Server, error) {
	user, err := s.store.GetUser(ctx, conn.UserID.Int64)
	if err != nil {
		return db.User{}, db.Server{}, err
	}
	server, err := s.store.GetServer(ctx, conn.ServerID)
	if err != nil {
		return db.User{}, db.Server{}, err
	}
	return user, server, nil
}
