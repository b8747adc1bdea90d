package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestReactionToggleAddRemove(t *testing.T) {
	store := newFakeStore()
	store.addUser("alice", true)
	store.addUser("bob", true)
	store.addChat("c1", "alice", "bob")
	store.addMessage("m1", "c1", "bob")

	gw, _ := newTestGateway(store)
	alice, aliceConn := connectSession(gw, "alice")
	_, bobConn := connectSession(gw, "bob")

	ctx := context.Background()
	payload := mustJSON(reactPayload{MessageID: "m1", Emoji: "👍"})

	if err := gw.handleReaction(ctx, alice, payload); err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	frames := bobConn.framesByEvent(evReactions)
	if len(frames) != 1 {
		t.Fatalf("bob received %d reaction frames, want 1", len(frames))
	}
	var evt reactionsEvent
	if err := json.Unmarshal(frames[0].Payload, &evt); err != nil {
		t.Fatalf("unmarshal reactions event: %v", err)
	}
	if evt.MessageID != "m1" || len(evt.Reactions) != 1 {
		t.Fatalf("event = %+v, want one reaction on m1", evt)
	}
	if evt.Reactions[0].Emoji != "👍" || evt.Reactions[0].User.Username == "" {
		t.Errorf("reaction = %+v, want hydrated 👍", evt.Reactions[0])
	}

	// Same toggle again removes it; broadcast carries the empty list.
	if err := gw.handleReaction(ctx, alice, payload); err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	frames = bobConn.framesByEvent(evReactions)
	if len(frames) != 2 {
		t.Fatalf("bob received %d reaction frames, want 2", len(frames))
	}
	if err := json.Unmarshal(frames[1].Payload, &evt); err != nil {
		t.Fatalf("unmarshal second event: %v", err)
	}
	if len(evt.Reactions) != 0 {
		t.Errorf("reactions after removal = %d, want 0", len(evt.Reactions))
	}

	// The toggling user's own devices converge too.
	if got := len(aliceConn.framesByEvent(evReactions)); got != 2 {
		t.Errorf("alice received %d reaction frames, want 2", got)
	}
}

func TestReactionDifferentEmojisCoexist(t *testing.T) {
	store := newFakeStore()
	store.addUser("alice", true)
	store.addChat("c1", "alice")
	store.addMessage("m1", "c1", "alice")

	gw, _ := newTestGateway(store)
	alice, conn := connectSession(gw, "alice")

	ctx := context.Background()
	gw.handleReaction(ctx, alice, mustJSON(reactPayload{MessageID: "m1", Emoji: "👍"}))
	gw.handleReaction(ctx, alice, mustJSON(reactPayload{MessageID: "m1", Emoji: "❤️"}))

	frames := conn.framesByEvent(evReactions)
	if len(frames) != 2 {
		t.Fatalf("received %d reaction frames, want 2", len(frames))
	}
	var evt reactionsEvent
	if err := json.Unmarshal(frames[1].Payload, &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(evt.Reactions) != 2 {
		t.Errorf("reactions = %d, want 2 (different emojis are independent)", len(evt.Reactions))
	}
}

func TestReactionUnknownMessage(t *testing.T) {
	store := newFakeStore()
	store.addUser("alice", true)

	gw, _ := newTestGateway(store)
	alice, _ := connectSession(gw, "alice")

	err := gw.handleReaction(context.Background(), alice, mustJSON(reactPayload{MessageID: "nope", Emoji: "👍"}))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReactionRequiresMembership(t *testing.T) {
	store := newFakeStore()
	store.addUser("alice", true)
	store.addChat("c1", "bob")
	store.addMessage("m1", "c1", "bob")

	gw, _ := newTestGateway(store)
	alice, _ := connectSession(gw, "alice")

	err := gw.handleReaction(context.Background(), alice, mustJSON(reactPayload{MessageID: "m1", Emoji: "👍"}))
	if !errors.Is(err, ErrNotMember) {
		t.Fatalf("err = %v, want ErrNotMember", err)
	}
	if len(store.reactions["m1"]) != 0 {
		t.Error("reaction persisted despite rejection")
	}
}
