package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// handleMarkRead records a read receipt and notifies the message sender on
// their private room. Re-reads refresh the timestamp; last write wins.
// Receipts are best effort: store and delivery failures are logged and the
// reader never sees them. Only a malformed payload, an unknown message or a
// non-member read comes back as an error.
func (g *Gateway) handleMarkRead(ctx context.Context, s *Session, raw []byte) error {
	var p readPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.MessageID == "" {
		return fmt.Errorf("%w: messageId required", ErrInvalidPayload)
	}

	meta, err := g.store.MessageMeta(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("message %s: %w", p.MessageID, err)
		}
		slog.Warn("Receipt message lookup failed", "message", p.MessageID, "user", s.UserID, "error", err)
		return nil
	}
	member, err := g.store.IsChatMember(ctx, meta.ChatID, s.UserID)
	if err != nil {
		slog.Warn("Receipt membership check failed", "chat", meta.ChatID, "user", s.UserID, "error", err)
		return nil
	}
	if !member {
		return fmt.Errorf("%w: chat %s", ErrNotMember, meta.ChatID)
	}

	readAt := time.Now().UTC()
	if err := g.store.UpsertReadReceipt(ctx, p.MessageID, s.UserID, readAt); err != nil {
		slog.Warn("Failed to record read receipt", "message", p.MessageID, "user", s.UserID, "error", err)
		return nil
	}

	evt := readEvent{MessageID: p.MessageID, ReadBy: s.UserID, ReadAt: readAt}
	if err := g.hub.EmitToUser(ctx, meta.SenderID, evMessageRead, evt); err != nil {
		slog.Warn("Failed to notify sender of read", "message", p.MessageID, "sender", meta.SenderID, "error", err)
	}
	return nil
}
