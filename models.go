package main

import "time"

// Status is a user's presence status.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusAway    Status = "AWAY"
	StatusBusy    Status = "BUSY"
	StatusOffline Status = "OFFLINE"
)

// clientStatuses are the statuses a client may set via status:update.
// OFFLINE is reserved for the presence registry itself.
var clientStatuses = map[Status]bool{
	StatusOnline: true,
	StatusAway:   true,
	StatusBusy:   true,
}

// ChatType distinguishes direct, group and public chats.
type ChatType string

const (
	ChatDirect ChatType = "DIRECT"
	ChatGroup  ChatType = "GROUP"
	ChatPublic ChatType = "PUBLIC"
)

// AuthUser is the identity resolved at connection time.
type AuthUser struct {
	ID       string
	Username string
	Verified bool
}

// UserRef carries the display fields hydrated into broadcasts.
type UserRef struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

// MessageRef is the replied-to message embedded in a hydrated message.
type MessageRef struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Sender  UserRef `json:"sender"`
}

// Message is a persisted chat message, hydrated for broadcast.
type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chatId"`
	SenderID  string      `json:"senderId"`
	Content   string      `json:"content"`
	Type      string      `json:"type"`
	ReplyToID string      `json:"replyToId,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	Sender    UserRef     `json:"sender"`
	ReplyTo   *MessageRef `json:"replyTo,omitempty"`
}

// NewMessage is the input to Store.InsertMessage.
type NewMessage struct {
	ChatID    string
	SenderID  string
	Content   string
	Type      string
	ReplyToID string
}

// Reaction is one user's emoji reaction to a message.
type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
	User      UserRef   `json:"user"`
}

// ChatMember is a chat member's identity and current presence,
// as needed by the offline push computation.
type ChatMember struct {
	UserID string
	Status Status
}

// MessageMeta locates a message for reaction/receipt routing.
type MessageMeta struct {
	ChatID   string
	SenderID string
}
