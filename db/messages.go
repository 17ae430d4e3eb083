package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ArchivedMessage is one chat line kept in chat_messages.
type ArchivedMessage struct {
	MessageID   string    `json:"message_id"`
	Channel     string    `json:"channel"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	Message     string    `json:"message"`
	Badges      []string  `json:"badges,omitempty"`
	Color       string    `json:"color,omitempty"`
	ReplyToID   string    `json:"reply_to_id,omitempty"`
	ReplyToUser string    `json:"reply_to_username,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// MessageStore archives received chat messages.
type MessageStore struct {
	DB *sql.DB
}

// Insert stores m. Redelivered message ids are ignored.
func (s *MessageStore) Insert(ctx context.Context, m ArchivedMessage) error {
	if m.MessageID == "" {
		return fmt.Errorf("message id empty")
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO chat_messages(message_id, channel, user_id, username, message, badges, color, reply_to_id, reply_to_username, received_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT(message_id) DO NOTHING`,
		m.MessageID, m.Channel, m.UserID, m.Username, m.Message, strings.Join(m.Badges, ","), m.Color, m.ReplyToID, m.ReplyToUser, m.ReceivedAt)
	return err
}

// Recent returns up to limit messages for channel, newest first.
func (s *MessageStore) Recent(ctx context.Context, channel string, limit int) ([]ArchivedMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT message_id, channel, user_id, username, message, badges, color, reply_to_id, reply_to_username, received_at
		FROM chat_messages WHERE channel=$1 ORDER BY received_at DESC, id DESC LIMIT $2`, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchivedMessage
	for rows.Next() {
		var m ArchivedMessage
		var badges string
		if err := rows.Scan(&m.MessageID, &m.Channel, &m.UserID, &m.Username, &m.Message, &badges, &m.Color, &m.ReplyToID, &m.ReplyToUser, &m.ReceivedAt); err != nil {
			return nil, err
		}
		if badges != "" {
			m.Badges = strings.Split(badges, ",")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
