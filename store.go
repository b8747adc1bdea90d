package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a referenced chat, message or user is absent.
var ErrNotFound = errors.New("not found")

// ErrCrossChatReply is returned when replyToId references a message in a
// different chat than the one being sent to.
var ErrCrossChatReply = errors.New("replied-to message belongs to another chat")

// Store is the durable state boundary. The coordinator never creates or
// deletes chats or memberships; it only reads them and appends messages,
// reactions, receipts and presence updates.
type Store interface {
	AuthUser(ctx context.Context, userID string) (*AuthUser, error)
	SetUserStatus(ctx context.Context, userID string, status Status, lastSeen time.Time) error
	ChatIDsForUser(ctx context.Context, userID string) ([]string, error)
	IsChatMember(ctx context.Context, chatID, userID string) (bool, error)
	ChatMembers(ctx context.Context, chatID string) ([]ChatMember, error)
	InsertMessage(ctx context.Context, in NewMessage) (*Message, error)
	TouchChatRecency(ctx context.Context, chatID string, at time.Time) error
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) (added bool, err error)
	ReactionsForMessage(ctx context.Context, messageID string) ([]Reaction, error)
	MessageMeta(ctx context.Context, messageID string) (*MessageMeta, error)
	UpsertReadReceipt(ctx context.Context, messageID, userID string, readAt time.Time) error
	ContactIDs(ctx context.Context, userID string) ([]string, error)
}

// postgresStore implements Store on PostgreSQL via database/sql.
type postgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) Store {
	return &postgresStore{db: db}
}

func (s *postgresStore) AuthUser(ctx context.Context, userID string) (*AuthUser, error) {
	var u AuthUser
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, is_email_verified FROM users WHERE id = $1",
		userID).Scan(&u.ID, &u.Username, &u.Verified)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user %s: %w", userID, err)
	}
	return &u, nil
}

func (s *postgresStore) SetUserStatus(ctx context.Context, userID string, status Status, lastSeen time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET status = $2, last_seen = $3 WHERE id = $1",
		userID, string(status), lastSeen)
	if err != nil {
		return fmt.Errorf("update status for %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) ChatIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT chat_id FROM chat_members WHERE user_id = $1", userID)
	if err != nil {
		return nil, fmt.Errorf("query chats for %s: %w", userID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *postgresStore) IsChatMember(ctx context.Context, chatID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chat_members WHERE chat_id = $1 AND user_id = $2",
		chatID, userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check membership (%s, %s): %w", chatID, userID, err)
	}
	return count > 0, nil
}

func (s *postgresStore) ChatMembers(ctx context.Context, chatID string) ([]ChatMember, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1)", chatID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check chat %s: %w", chatID, err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT cm.user_id, u.status
		FROM chat_members cm
		JOIN users u ON u.id = cm.user_id
		WHERE cm.chat_id = $1`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query members of %s: %w", chatID, err)
	}
	defer rows.Close()

	var members []ChatMember
	for rows.Next() {
		var m ChatMember
		var status string
		if err := rows.Scan(&m.UserID, &status); err != nil {
			return nil, err
		}
		m.Status = Status(status)
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *postgresStore) InsertMessage(ctx context.Context, in NewMessage) (*Message, error) {
	if in.ReplyToID != "" {
		var replyChatID string
		err := s.db.QueryRowContext(ctx,
			"SELECT chat_id FROM messages WHERE id = $1", in.ReplyToID).Scan(&replyChatID)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("resolve reply target %s: %w", in.ReplyToID, err)
		}
		if replyChatID != in.ChatID {
			return nil, ErrCrossChatReply
		}
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, content, type, reply_to_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		id, in.ChatID, in.SenderID, in.Content, in.Type, in.ReplyToID, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	return s.hydrateMessage(ctx, id)
}

// hydrateMessage loads a message with its sender display fields and, if it
// is a reply, the replied-to message's sender fields.
func (s *postgresStore) hydrateMessage(ctx context.Context, messageID string) (*Message, error) {
	var (
		m         Message
		replyToID sql.NullString
		firstName sql.NullString
		lastName  sql.NullString
		avatar    sql.NullString
		rID       sql.NullString
		rContent  sql.NullString
		ruID      sql.NullString
		ruName    sql.NullString
		ruFirst   sql.NullString
		ruLast    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.chat_id, m.sender_id, m.content, m.type, m.reply_to_id, m.created_at,
		       u.username, u.first_name, u.last_name, u.avatar,
		       r.id, r.content, ru.id, ru.username, ru.first_name, ru.last_name
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		LEFT JOIN messages r ON r.id = m.reply_to_id
		LEFT JOIN users ru ON ru.id = r.sender_id
		WHERE m.id = $1`, messageID).Scan(
		&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Type, &replyToID, &m.CreatedAt,
		&m.Sender.Username, &firstName, &lastName, &avatar,
		&rID, &rContent, &ruID, &ruName, &ruFirst, &ruLast)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("hydrate message %s: %w", messageID, err)
	}

	m.Sender.ID = m.SenderID
	m.Sender.FirstName = firstName.String
	m.Sender.LastName = lastName.String
	m.Sender.Avatar = avatar.String
	if replyToID.Valid {
		m.ReplyToID = replyToID.String
		m.ReplyTo = &MessageRef{
			ID:      rID.String,
			Content: rContent.String,
			Sender: UserRef{
				ID:        ruID.String,
				Username:  ruName.String,
				FirstName: ruFirst.String,
				LastName:  ruLast.String,
			},
		}
	}
	return &m, nil
}

func (s *postgresStore) TouchChatRecency(ctx context.Context, chatID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE chats SET last_message_at = $2 WHERE id = $1", chatID, at)
	if err != nil {
		return fmt.Errorf("touch chat %s: %w", chatID, err)
	}
	return nil
}

// ToggleReaction removes the (message, user, emoji) row if it exists,
// otherwise creates it. Both arms are single atomic statements; the unique
// constraint serializes concurrent duplicate toggles from the same user.
func (s *postgresStore) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin toggle tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3",
		messageID, userID, emoji)
	if err != nil {
		return false, fmt.Errorf("delete reaction: %w", err)
	}
	deleted, _ := res.RowsAffected()

	added := false
	if deleted == 0 {
		var exists bool
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)", messageID).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("check message %s: %w", messageID, err)
		}
		if !exists {
			return false, ErrNotFound
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO message_reactions (id, message_id, user_id, emoji, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (message_id, user_id, emoji) DO NOTHING`,
			uuid.New().String(), messageID, userID, emoji, time.Now().UTC())
		if err != nil {
			return false, fmt.Errorf("insert reaction: %w", err)
		}
		inserted, _ := res.RowsAffected()
		added = inserted > 0
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit toggle: %w", err)
	}
	return added, nil
}

func (s *postgresStore) ReactionsForMessage(ctx context.Context, messageID string) ([]Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mr.id, mr.message_id, mr.user_id, mr.emoji, mr.created_at,
		       u.username, u.first_name, u.last_name
		FROM message_reactions mr
		JOIN users u ON u.id = mr.user_id
		WHERE mr.message_id = $1
		ORDER BY mr.created_at`, messageID)
	if err != nil {
		return nil, fmt.Errorf("query reactions for %s: %w", messageID, err)
	}
	defer rows.Close()

	reactions := []Reaction{}
	for rows.Next() {
		var r Reaction
		var firstName, lastName sql.NullString
		if err := rows.Scan(&r.ID, &r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt,
			&r.User.Username, &firstName, &lastName); err != nil {
			return nil, err
		}
		r.User.ID = r.UserID
		r.User.FirstName = firstName.String
		r.User.LastName = lastName.String
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}

func (s *postgresStore) MessageMeta(ctx context.Context, messageID string) (*MessageMeta, error) {
	var meta MessageMeta
	err := s.db.QueryRowContext(ctx,
		"SELECT chat_id, sender_id FROM messages WHERE id = $1",
		messageID).Scan(&meta.ChatID, &meta.SenderID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message %s: %w", messageID, err)
	}
	return &meta, nil
}

func (s *postgresStore) UpsertReadReceipt(ctx context.Context, messageID, userID string, readAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_read_receipts (message_id, user_id, read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO UPDATE SET read_at = EXCLUDED.read_at`,
		messageID, userID, readAt)
	if err != nil {
		return fmt.Errorf("upsert receipt (%s, %s): %w", messageID, userID, err)
	}
	return nil
}

// ContactIDs returns the users sharing at least one chat with userID.
// Presence broadcasts are scoped to this set.
func (s *postgresStore) ContactIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT other.user_id
		FROM chat_members own
		JOIN chat_members other ON other.chat_id = own.chat_id AND other.user_id <> own.user_id
		WHERE own.user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("query contacts of %s: %w", userID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
