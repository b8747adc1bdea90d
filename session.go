package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Gateway-level failures surfaced to the client as error frames.
var (
	ErrNotMember      = errors.New("not a chat member")
	ErrRateLimited    = errors.New("rate limited")
	ErrInvalidPayload = errors.New("invalid payload")
)

// wsConn is the slice of the websocket connection the session needs.
// *websocket.Conn satisfies it; tests substitute a fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one authenticated websocket connection. A user may hold many
// sessions at once (multiple devices); presence refcounts them.
type Session struct {
	ID       string
	UserID   string
	Username string

	conn    wsConn
	writeMu sync.Mutex

	// rooms mirrors the hub's view of this session, guarded by the hub mutex.
	rooms map[string]bool

	// typing tracks chats with an outstanding typing:start so teardown can
	// synthesize the stop. Guarded by typingMu, not the hub mutex.
	typingMu sync.Mutex
	typing   map[string]bool

	limiter *tokenBucket
}

func newSession(user *AuthUser, conn wsConn, limiter *tokenBucket) *Session {
	return &Session{
		ID:       uuid.New().String(),
		UserID:   user.ID,
		Username: user.Username,
		conn:     conn,
		rooms:    make(map[string]bool),
		typing:   make(map[string]bool),
		limiter:  limiter,
	}
}

// sendFrame writes a frame to the connection. Serialized by writeMu since
// the hub's fan-out and the read loop both write here.
func (s *Session) sendFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame %s: %w", f.Event, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// sendEvent marshals a payload and sends it under the given event name.
func (s *Session) sendEvent(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return s.sendFrame(Frame{Event: event, Payload: raw})
}

func (s *Session) sendError(msg string) {
	if err := s.sendEvent(evError, errorPayload{Message: msg}); err != nil {
		slog.Debug("Failed to send error frame", "conn", s.ID, "error", err)
	}
}

// markTyping records or clears an outstanding typing indicator and reports
// whether the state changed.
func (s *Session) markTyping(chatID string, active bool) bool {
	s.typingMu.Lock()
	defer s.typingMu.Unlock()
	if active {
		if s.typing[chatID] {
			return false
		}
		s.typing[chatID] = true
		return true
	}
	if !s.typing[chatID] {
		return false
	}
	delete(s.typing, chatID)
	return true
}

// typingChats snapshots the chats with an outstanding typing indicator.
func (s *Session) typingChats() []string {
	s.typingMu.Lock()
	defer s.typingMu.Unlock()
	chats := make([]string, 0, len(s.typing))
	for chatID := range s.typing {
		chats = append(chats, chatID)
	}
	return chats
}

// Gateway ties the transport to the store, the hub and presence. One
// Gateway serves every connection of the instance.
type Gateway struct {
	store    Store
	hub      *Hub
	presence *PresenceRegistry
	verifier TokenVerifier
	notifier PushNotifier

	// send throttle per connection
	limitRate  float64
	limitBurst float64

	eventCounter metric.Int64Counter
}

func NewGateway(store Store, hub *Hub, presence *PresenceRegistry, verifier TokenVerifier, notifier PushNotifier) *Gateway {
	return &Gateway{
		store:      store,
		hub:        hub,
		presence:   presence,
		verifier:   verifier,
		notifier:   notifier,
		limitRate:  10,
		limitBurst: 20,
	}
}

// SetEventCounter wires the handled-events metric.
func (g *Gateway) SetEventCounter(c metric.Int64Counter) {
	g.eventCounter = c
}

// HandleConnection owns one connection's lifecycle: register, join rooms,
// flip presence, then run the read loop until the peer goes away. Events
// from one connection are dispatched sequentially in arrival order.
func (g *Gateway) HandleConnection(ctx context.Context, user *AuthUser, conn wsConn) {
	s := newSession(user, conn, newTokenBucket(g.limitRate, g.limitBurst))
	g.hub.Register(s)
	defer g.teardown(ctx, s)

	// Private room first so presence and receipts reach this device, then
	// every chat the user belongs to.
	g.hub.Join(s, userRoom(s.UserID))
	chatIDs, err := g.store.ChatIDsForUser(ctx, s.UserID)
	if err != nil {
		slog.Error("Failed to load chats for connection", "user", s.UserID, "error", err)
		s.sendError("failed to initialize connection")
		return
	}
	for _, chatID := range chatIDs {
		g.hub.Join(s, chatRoom(chatID))
	}

	if err := g.presence.Connect(ctx, s.UserID, s.ID); err != nil {
		slog.Error("Presence connect failed", "user", s.UserID, "conn", s.ID, "error", err)
	}

	slog.Info("Connection established", "user", s.UserID, "conn", s.ID, "chats", len(chatIDs))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Connection read error", "user", s.UserID, "conn", s.ID, "error", err)
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError("invalid frame")
			continue
		}
		g.dispatch(ctx, s, frame)
	}
}

// dispatch routes one inbound frame to its handler. Handler errors turn
// into an error frame; the connection stays up.
func (g *Gateway) dispatch(ctx context.Context, s *Session, frame Frame) {
	var err error
	switch frame.Event {
	case evChatJoin:
		err = g.handleChatJoin(ctx, s, frame.Payload)
	case evChatLeave:
		err = g.handleChatLeave(ctx, s, frame.Payload)
	case evMessageSend:
		err = g.handleMessageSend(ctx, s, frame.Payload)
	case evTypingStart:
		err = g.handleTyping(ctx, s, frame.Payload, true)
	case evTypingStop:
		err = g.handleTyping(ctx, s, frame.Payload, false)
	case evReact:
		err = g.handleReaction(ctx, s, frame.Payload)
	case evMarkRead:
		err = g.handleMarkRead(ctx, s, frame.Payload)
	case evStatusSet:
		err = g.handleStatusSet(ctx, s, frame.Payload)
	default:
		s.sendError("unknown event: " + frame.Event)
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		g.reportError(s, frame.Event, err)
	}
	if g.eventCounter != nil {
		g.eventCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", frame.Event),
			attribute.String("outcome", outcome),
		))
	}
}

// reportError maps handler errors to client-visible messages. Domain
// errors pass through; anything else is logged and masked.
func (g *Gateway) reportError(s *Session, event string, err error) {
	switch {
	case errors.Is(err, ErrNotMember):
		s.sendError("not a member of this chat")
	case errors.Is(err, ErrNotFound):
		s.sendError("not found")
	case errors.Is(err, ErrCrossChatReply):
		s.sendError("reply target belongs to another chat")
	case errors.Is(err, ErrRateLimited):
		s.sendError("too many messages, slow down")
	case errors.Is(err, ErrInvalidPayload):
		s.sendError(err.Error())
	default:
		slog.Error("Handler failed", "event", event, "user", s.UserID, "conn", s.ID, "error", err)
		s.sendError("internal error")
	}
}

// teardown runs once per connection: synthesize typing stops, unregister,
// and release the presence refcount.
func (g *Gateway) teardown(ctx context.Context, s *Session) {
	for _, chatID := range s.typingChats() {
		evt := typingEvent{UserID: s.UserID, Username: s.Username, ChatID: chatID}
		if err := g.hub.EmitToRoom(ctx, chatRoom(chatID), evTypingStop, evt, s.ID); err != nil {
			slog.Warn("Failed to synthesize typing stop", "user", s.UserID, "chat", chatID, "error", err)
		}
	}

	g.hub.Unregister(s)

	if err := g.presence.Disconnect(ctx, s.UserID, s.ID); err != nil {
		slog.Warn("Presence disconnect failed", "user", s.UserID, "conn", s.ID, "error", err)
	}
	slog.Info("Connection closed", "user", s.UserID, "conn", s.ID)
}
