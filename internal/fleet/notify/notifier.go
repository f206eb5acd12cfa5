// Package notify warns owners of leased connections shortly before their
// lease ends and while an expired connection waits for deletion.
package notify

import (
	"context"
	"log/slog"

	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/db"
	applogger "github.com/ig-rudenko/axo-vpn-bot/internal/shared/logger"
)

// Notifier delivers expiration warnings to a connection's owner.
type Notifier interface {
	// NotifyExpired warns that an already frozen connection will be
	// deleted in daysLeft days.
	NotifyExpired(ctx context.Context, user db.User, server db.Server, conn db.ConnectionSummary, daysLeft int) error
	// NotifySoonExpiring warns that an active lease ends in daysLeft
	// days.
	NotifySoonExpiring(ctx context.Context, user db.User, server db.Server, conn db.ConnectionSummary, daysLeft int) error
}

// LogNotifier writes every warning to the log. It stands in for outward
// delivery channels such as a chat bot.
type LogNotifier struct {
	logger *applogger.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *applogger.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.WithComponent("notify.log")}
}

func (n *LogNotifier) NotifyExpired(ctx context.Context, user db.User, server db.Server, conn db.ConnectionSummary, daysLeft int) error {
	n.logger.InfoContext(ctx, "lease expired, connection pending deletion",
		slog.Int64("chat_id", user.ChatID),
		slog.String("server", server.Name),
		slog.String("local_ip", conn.LocalIP),
		slog.Int("days_until_deletion", daysLeft))
	return nil
}

func (n *LogNotifier) NotifySoonExpiring(ctx context.Context, user db.User, server db.Server, conn db.ConnectionSummary, daysLeft int) error {
	n.logger.InfoContext(ctx, "lease ends soon",
		slog.Int64("chat_id", user.ChatID),
		slog.String("server", server.Name),
		slog.String("local_ip", conn.LocalIP),
		slog.Int("days_left", daysLeft))
	return nil
}
