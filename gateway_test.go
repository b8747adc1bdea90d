package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// fakeStore is an in-memory Store for tests.
type fakeStore struct {
	mu        sync.Mutex
	users     map[string]*AuthUser
	statuses  map[string]Status
	lastSeen  map[string]time.Time
	chats     map[string][]string // chatId -> member userIds
	messages  map[string]*Message
	reactions map[string][]Reaction
	receipts  map[string]map[string]time.Time
	recency   map[string]time.Time
	nextID    int
	failWith  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[string]*AuthUser),
		statuses:  make(map[string]Status),
		lastSeen:  make(map[string]time.Time),
		chats:     make(map[string][]string),
		messages:  make(map[string]*Message),
		reactions: make(map[string][]Reaction),
		receipts:  make(map[string]map[string]time.Time),
		recency:   make(map[string]time.Time),
	}
}

func (f *fakeStore) addUser(id string, verified bool) {
	f.users[id] = &AuthUser{ID: id, Username: id + "-name", Verified: verified}
	f.statuses[id] = StatusOffline
}

func (f *fakeStore) addChat(chatID string, members ...string) {
	f.chats[chatID] = members
}

func (f *fakeStore) addMessage(id, chatID, senderID string) *Message {
	m := &Message{
		ID: id, ChatID: chatID, SenderID: senderID,
		Content: "hello", Type: "TEXT", CreatedAt: time.Now().UTC(),
		Sender: UserRef{ID: senderID, Username: senderID + "-name"},
	}
	f.messages[id] = m
	return m
}

func (f *fakeStore) AuthUser(_ context.Context, userID string) (*AuthUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	u, ok := f.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) SetUserStatus(_ context.Context, userID string, status Status, lastSeen time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if _, ok := f.users[userID]; !ok {
		return ErrNotFound
	}
	f.statuses[userID] = status
	f.lastSeen[userID] = lastSeen
	return nil
}

func (f *fakeStore) ChatIDsForUser(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var ids []string
	for chatID, members := range f.chats {
		for _, m := range members {
			if m == userID {
				ids = append(ids, chatID)
			}
		}
	}
	return ids, nil
}

func (f *fakeStore) IsChatMember(_ context.Context, chatID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	for _, m := range f.chats[chatID] {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ChatMembers(_ context.Context, chatID string) ([]ChatMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]ChatMember, 0, len(members))
	for _, m := range members {
		out = append(out, ChatMember{UserID: m, Status: f.statuses[m]})
	}
	return out, nil
}

func (f *fakeStore) InsertMessage(_ context.Context, in NewMessage) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in.ReplyToID != "" {
		reply, ok := f.messages[in.ReplyToID]
		if !ok {
			return nil, ErrNotFound
		}
		if reply.ChatID != in.ChatID {
			return nil, ErrCrossChatReply
		}
	}
	f.nextID++
	m := &Message{
		ID:        fmt.Sprintf("msg-%d", f.nextID),
		ChatID:    in.ChatID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		Type:      in.Type,
		ReplyToID: in.ReplyToID,
		CreatedAt: time.Now().UTC(),
		Sender:    UserRef{ID: in.SenderID, Username: in.SenderID + "-name"},
	}
	if in.ReplyToID != "" {
		reply := f.messages[in.ReplyToID]
		m.ReplyTo = &MessageRef{ID: reply.ID, Content: reply.Content, Sender: reply.Sender}
	}
	f.messages[m.ID] = m
	return m, nil
}

func (f *fakeStore) TouchChatRecency(_ context.Context, chatID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recency[chatID] = at
	return nil
}

func (f *fakeStore) ToggleReaction(_ context.Context, messageID, userID, emoji string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.messages[messageID]; !ok {
		return false, ErrNotFound
	}
	existing := f.reactions[messageID]
	for i, r := range existing {
		if r.UserID == userID && r.Emoji == emoji {
			f.reactions[messageID] = append(existing[:i], existing[i+1:]...)
			return false, nil
		}
	}
	f.nextID++
	f.reactions[messageID] = append(existing, Reaction{
		ID: fmt.Sprintf("react-%d", f.nextID), MessageID: messageID,
		UserID: userID, Emoji: emoji, CreatedAt: time.Now().UTC(),
		User: UserRef{ID: userID, Username: userID + "-name"},
	})
	return true, nil
}

func (f *fakeStore) ReactionsForMessage(_ context.Context, messageID string) ([]Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Reaction, len(f.reactions[messageID]))
	copy(out, f.reactions[messageID])
	return out, nil
}

func (f *fakeStore) MessageMeta(_ context.Context, messageID string) (*MessageMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	return &MessageMeta{ChatID: m.ChatID, SenderID: m.SenderID}, nil
}

func (f *fakeStore) UpsertReadReceipt(_ context.Context, messageID, userID string, readAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipts[messageID] == nil {
		f.receipts[messageID] = make(map[string]time.Time)
	}
	f.receipts[messageID][userID] = readAt
	return nil
}

func (f *fakeStore) ContactIDs(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for _, members := range f.chats {
		inChat := false
		for _, m := range members {
			if m == userID {
				inChat = true
			}
		}
		if !inChat {
			continue
		}
		for _, m := range members {
			if m != userID && !seen[m] {
				seen[m] = true
				ids = append(ids, m)
			}
		}
	}
	return ids, nil
}

// fakeConn records outbound frames and feeds inbound messages from a channel.
type fakeConn struct {
	mu      sync.Mutex
	frames  []Frame
	closed  bool
	inbound chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) framesByEvent(event string) []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Frame
	for _, f := range c.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) lastFrame() (Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return Frame{}, false
	}
	return c.frames[len(c.frames)-1], true
}

// recordingNotifier captures push notifications.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []string // userId
}

func (n *recordingNotifier) Notify(_ context.Context, userID string, _ *Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, userID)
	return nil
}

func (n *recordingNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.calls))
	copy(out, n.calls)
	return out
}

// stubVerifier maps tokens to user ids.
type stubVerifier struct {
	tokens map[string]string
}

func (v *stubVerifier) Verify(token string) (string, error) {
	if id, ok := v.tokens[token]; ok {
		return id, nil
	}
	return "", errors.New("bad token")
}

// newTestGateway wires a gateway over fakes with a local-only hub.
func newTestGateway(store *fakeStore) (*Gateway, *recordingNotifier) {
	hub := NewHub()
	presence := NewPresenceRegistry(store, hub)
	notifier := &recordingNotifier{}
	gw := NewGateway(store, hub, presence, &stubVerifier{}, notifier)
	return gw, notifier
}

// connectSession registers a session the way HandleConnection does, without
// running a read loop.
func connectSession(gw *Gateway, userID string) (*Session, *fakeConn) {
	conn := newFakeConn()
	s := newSession(&AuthUser{ID: userID, Username: userID + "-name"}, conn, newTokenBucket(gw.limitRate, gw.limitBurst))
	gw.hub.Register(s)
	gw.hub.Join(s, userRoom(userID))
	chatIDs, _ := gw.store.ChatIDsForUser(context.Background(), userID)
	for _, chatID := range chatIDs {
		gw.hub.Join(s, chatRoom(chatID))
	}
	return s, conn
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
