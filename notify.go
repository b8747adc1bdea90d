package main

import (
	"context"
	"log/slog"
)

// PushNotifier receives messages addressed to members with no live
// connection anywhere in the cluster.
type PushNotifier interface {
	Notify(ctx context.Context, userID string, msg *Message) error
}

// logNotifier records the push intent. A real provider integration slots
// in behind the same interface.
type logNotifier struct{}

func (logNotifier) Notify(_ context.Context, userID string, msg *Message) error {
	slog.Info("Push notification queued", "user", userID, "message", msg.ID, "chat", msg.ChatID)
	return nil
}
