package main

import (
	"context"
	"encoding/json"
	"fmt"
)

// handleTyping relays a typing indicator to the other members of a chat.
// Indicators are ephemeral: nothing is persisted and the store is never
// consulted. Delivery is scoped by room subscription, which chat:join
// already authorized; only the originating connection is excluded from the
// broadcast. The session tracks outstanding starts so teardown can
// synthesize the stop.
func (g *Gateway) handleTyping(ctx context.Context, s *Session, raw []byte, start bool) error {
	var p typingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.ChatID == "" {
		return fmt.Errorf("%w: chatId required", ErrInvalidPayload)
	}

	// Duplicate starts and stray stops relay nothing.
	if !s.markTyping(p.ChatID, start) {
		return nil
	}

	event := evTypingStop
	if start {
		event = evTypingStart
	}
	evt := typingEvent{UserID: s.UserID, Username: s.Username, ChatID: p.ChatID}
	return g.hub.EmitToRoom(ctx, chatRoom(p.ChatID), event, evt, s.ID)
}
