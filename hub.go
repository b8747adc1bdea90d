package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/berryflezzyfrosh/Nuvora-App/otelhelper"
)

// roomSubjectPrefix is the NATS subject prefix room traffic travels on.
// Every gateway instance subscribes to the wildcard and delivers to its
// local members, so rooms span instances without a shared adapter.
const roomSubjectPrefix = "rt.room."

// roomEnvelope is the payload published per room event. Origin names the
// connection that triggered the event so "everyone but the sender"
// broadcasts can skip it on whichever instance it lives.
type roomEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Origin  string          `json:"origin,omitempty"`
}

// Hub owns the local connection registry and the room routing table.
// Rooms are purely a delivery optimization; authorization always goes back
// to the durable store.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session        // connID -> session
	rooms    map[string]map[string]bool // room -> set of connIDs

	// publish sends an envelope to every instance's members of a room.
	// Defaults to local loopback; AttachNATS replaces it.
	publish func(ctx context.Context, room string, data []byte) error

	fanoutCounter metric.Int64Counter
}

// NewHub creates a hub in local-only mode.
func NewHub() *Hub {
	h := &Hub{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]bool),
	}
	h.publish = func(_ context.Context, room string, data []byte) error {
		var env roomEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return err
		}
		h.deliver(room, env)
		return nil
	}
	return h
}

// AttachNATS switches the hub to broker-backed fan-out: publishes go to
// rt.room.{room} and a wildcard subscription delivers to local members.
func (h *Hub) AttachNATS(nc *nats.Conn) error {
	_, err := nc.Subscribe(roomSubjectPrefix+">", func(msg *nats.Msg) {
		_, span := otelhelper.StartConsumerSpan(context.Background(), msg, "room fanout")
		defer span.End()

		room := strings.TrimPrefix(msg.Subject, roomSubjectPrefix)
		var env roomEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.Warn("Invalid room envelope", "room", room, "error", err)
			span.RecordError(err)
			return
		}
		span.SetAttributes(
			attribute.String("chat.room", room),
			attribute.String("chat.event", env.Event),
		)
		h.deliver(room, env)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s>: %w", roomSubjectPrefix, err)
	}

	h.publish = func(ctx context.Context, room string, data []byte) error {
		return otelhelper.TracedPublish(ctx, nc, roomSubjectPrefix+room, data)
	}
	return nil
}

// SetFanoutCounter wires the delivered-frames metric.
func (h *Hub) SetFanoutCounter(c metric.Int64Counter) {
	h.fanoutCounter = c
}

// Register adds a session to the registry.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
}

// Unregister removes a session and clears it out of every room.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.ID)
	for room := range s.rooms {
		h.removeLocked(room, s.ID)
	}
	s.rooms = make(map[string]bool)
}

// Join adds a session to a room.
func (h *Hub) Join(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]bool)
	}
	h.rooms[room][s.ID] = true
	s.rooms[room] = true
}

// Leave removes a session from a room. Local only; durable membership is
// untouched.
func (h *Hub) Leave(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(room, s.ID)
	delete(s.rooms, room)
}

func (h *Hub) removeLocked(room, connID string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// InRoom reports whether the session is currently joined to the room.
func (h *Hub) InRoom(s *Session, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[room][s.ID]
}

// SessionCount returns the number of live local sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RoomCount returns the number of rooms with local members.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// EmitToRoom broadcasts an event to every member of a room, on every
// instance. An empty origin reaches the triggering connection too
// (multi-device echo); a non-empty origin is skipped.
func (h *Hub) EmitToRoom(ctx context.Context, room, event string, payload any, origin string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(roomEnvelope{Event: event, Payload: raw, Origin: origin})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return h.publish(ctx, room, data)
}

// EmitToUser sends an event to one user's private room (all their devices).
func (h *Hub) EmitToUser(ctx context.Context, userID, event string, payload any) error {
	return h.EmitToRoom(ctx, userRoom(userID), event, payload, "")
}

// deliver writes an envelope to the local members of a room.
func (h *Hub) deliver(room string, env roomEnvelope) {
	h.mu.RLock()
	members := h.rooms[room]
	targets := make([]*Session, 0, len(members))
	for connID := range members {
		if connID == env.Origin {
			continue
		}
		if s, ok := h.sessions[connID]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.sendFrame(Frame{Event: env.Event, Payload: env.Payload}); err != nil {
			slog.Warn("Failed to deliver frame", "conn", s.ID, "event", env.Event, "error", err)
		}
	}

	if h.fanoutCounter != nil && len(targets) > 0 {
		h.fanoutCounter.Add(context.Background(), int64(len(targets)), metric.WithAttributes(
			attribute.String("event", env.Event),
		))
	}
}
