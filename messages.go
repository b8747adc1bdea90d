package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

const maxMessageLength = 4000

var validMessageTypes = map[string]bool{
	"TEXT":  true,
	"IMAGE": true,
	"FILE":  true,
	"AUDIO": true,
	"VIDEO": true,
}

// handleMessageSend runs the full send pipeline: throttle, validate,
// authorize, persist, bump chat recency, fan out the hydrated message, and
// hand offline members to the push notifier.
func (g *Gateway) handleMessageSend(ctx context.Context, s *Session, raw []byte) error {
	if !s.limiter.Allow() {
		return ErrRateLimited
	}

	var p sendPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.ChatID == "" {
		return fmt.Errorf("%w: chatId required", ErrInvalidPayload)
	}
	content := strings.TrimSpace(p.Content)
	if content == "" {
		return fmt.Errorf("%w: content required", ErrInvalidPayload)
	}
	if len(content) > maxMessageLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidPayload, maxMessageLength)
	}
	msgType := p.Type
	if msgType == "" {
		msgType = "TEXT"
	}
	if !validMessageTypes[msgType] {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidPayload, msgType)
	}

	member, err := g.store.IsChatMember(ctx, p.ChatID, s.UserID)
	if err != nil {
		return fmt.Errorf("membership check for chat %s: %w", p.ChatID, err)
	}
	if !member {
		return fmt.Errorf("%w: chat %s", ErrNotMember, p.ChatID)
	}

	msg, err := g.store.InsertMessage(ctx, NewMessage{
		ChatID:    p.ChatID,
		SenderID:  s.UserID,
		Content:   content,
		Type:      msgType,
		ReplyToID: p.ReplyToID,
	})
	if err != nil {
		return fmt.Errorf("insert message in chat %s: %w", p.ChatID, err)
	}

	if err := g.store.TouchChatRecency(ctx, p.ChatID, msg.CreatedAt); err != nil {
		slog.Warn("Failed to bump chat recency", "chat", p.ChatID, "error", err)
	}

	// Empty origin so the sender's own devices receive the hydrated copy.
	if err := g.hub.EmitToRoom(ctx, chatRoom(p.ChatID), evMessageNew, msg, ""); err != nil {
		return fmt.Errorf("fan out message %s: %w", msg.ID, err)
	}

	g.notifyOffline(ctx, s, msg)
	return nil
}

// notifyOffline hands the message to the push notifier for every chat
// member who is offline. Best effort; delivery problems never fail the send.
func (g *Gateway) notifyOffline(ctx context.Context, s *Session, msg *Message) {
	members, err := g.store.ChatMembers(ctx, msg.ChatID)
	if err != nil {
		slog.Warn("Failed to load members for push", "chat", msg.ChatID, "error", err)
		return
	}
	for _, m := range members {
		if m.UserID == s.UserID || m.Status != StatusOffline {
			continue
		}
		if err := g.notifier.Notify(ctx, m.UserID, msg); err != nil {
			slog.Warn("Push notification failed", "user", m.UserID, "message", msg.ID, "error", err)
		}
	}
}
