package main

import (
	"context"
	"encoding/json"
	"fmt"
)

// handleChatJoin subscribes the connection to a chat room after
// revalidating membership against the store. Joining an already-joined
// room is a no-op that still acks.
func (g *Gateway) handleChatJoin(ctx context.Context, s *Session, raw []byte) error {
	var p joinPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.ChatID == "" {
		return fmt.Errorf("%w: chatId required", ErrInvalidPayload)
	}

	member, err := g.store.IsChatMember(ctx, p.ChatID, s.UserID)
	if err != nil {
		return fmt.Errorf("membership check for chat %s: %w", p.ChatID, err)
	}
	if !member {
		return fmt.Errorf("%w: chat %s", ErrNotMember, p.ChatID)
	}

	g.hub.Join(s, chatRoom(p.ChatID))
	return s.sendEvent(evChatJoined, chatAckPayload{ChatID: p.ChatID})
}

// handleChatLeave unsubscribes the connection from a chat room. Durable
// membership is untouched; the user stops receiving live traffic only.
func (g *Gateway) handleChatLeave(ctx context.Context, s *Session, raw []byte) error {
	var p leavePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.ChatID == "" {
		return fmt.Errorf("%w: chatId required", ErrInvalidPayload)
	}

	g.hub.Leave(s, chatRoom(p.ChatID))
	return s.sendEvent(evChatLeft, chatAckPayload{ChatID: p.ChatID})
}
