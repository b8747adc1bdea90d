package main

import (
	"encoding/json"
	"time"
)

// Inbound event names.
const (
	evChatJoin    = "chat:join"
	evChatLeave   = "chat:leave"
	evMessageSend = "message:send"
	evTypingStart = "typing:start"
	evTypingStop  = "typing:stop"
	evReact       = "message:react"
	evMarkRead    = "message:read"
	evStatusSet   = "status:update"
)

// Outbound event names.
const (
	evChatJoined   = "chat:joined"
	evChatLeft     = "chat:left"
	evMessageNew   = "message:new"
	evReactions    = "message:reactions"
	evMessageRead  = "message:read"
	evUserStatus   = "user:status"
	evError        = "error"
)

// Frame is the JSON envelope exchanged over a connection.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type joinPayload struct {
	ChatID string `json:"chatId"`
}

type leavePayload struct {
	ChatID string `json:"chatId"`
}

type sendPayload struct {
	ChatID    string `json:"chatId"`
	Content   string `json:"content"`
	Type      string `json:"type,omitempty"`
	ReplyToID string `json:"replyToId,omitempty"`
}

type typingPayload struct {
	ChatID string `json:"chatId"`
}

type reactPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type readPayload struct {
	MessageID string `json:"messageId"`
}

type statusPayload struct {
	Status Status `json:"status"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type chatAckPayload struct {
	ChatID string `json:"chatId"`
}

type statusEvent struct {
	UserID   string    `json:"userId"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

type typingEvent struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	ChatID   string `json:"chatId"`
}

type reactionsEvent struct {
	MessageID string     `json:"messageId"`
	Reactions []Reaction `json:"reactions"`
}

type readEvent struct {
	MessageID string    `json:"messageId"`
	ReadBy    string    `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
}

// chatRoom and userRoom build the room keys used by the hub. A user's
// private room carries directed notifications such as read receipts.
func chatRoom(chatID string) string { return "chat:" + chatID }
func userRoom(userID string) string { return "user:" + userID }
