package main

import (
	"context"
	"encoding/json"
	"fmt"
)

// handleReaction toggles the sender's reaction on a message and broadcasts
// the message's complete reaction list so every client converges on the
// same state regardless of event ordering.
func (g *Gateway) handleReaction(ctx context.Context, s *Session, raw []byte) error {
	var p reactPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.MessageID == "" || p.Emoji == "" {
		return fmt.Errorf("%w: messageId and emoji required", ErrInvalidPayload)
	}

	meta, err := g.store.MessageMeta(ctx, p.MessageID)
	if err != nil {
		return fmt.Errorf("load message %s: %w", p.MessageID, err)
	}
	member, err := g.store.IsChatMember(ctx, meta.ChatID, s.UserID)
	if err != nil {
		return fmt.Errorf("membership check for chat %s: %w", meta.ChatID, err)
	}
	if !member {
		return fmt.Errorf("%w: chat %s", ErrNotMember, meta.ChatID)
	}

	if _, err := g.store.ToggleReaction(ctx, p.MessageID, s.UserID, p.Emoji); err != nil {
		return fmt.Errorf("toggle reaction on %s: %w", p.MessageID, err)
	}

	reactions, err := g.store.ReactionsForMessage(ctx, p.MessageID)
	if err != nil {
		return fmt.Errorf("load reactions for %s: %w", p.MessageID, err)
	}
	evt := reactionsEvent{MessageID: p.MessageID, Reactions: reactions}
	return g.hub.EmitToRoom(ctx, chatRoom(meta.ChatID), evReactions, evt, "")
}
