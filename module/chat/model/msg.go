package model

import "time"

// ===== wire envelope =====

// EnvelopeType is the frame kind carried on the client socket.
type EnvelopeType string

const (
	TypeTalk        EnvelopeType = "TALK"
	TypeRead        EnvelopeType = "READ"
	TypeSystemEntry EnvelopeType = "SYSTEM_ENTRY"
	TypeSystemLeave EnvelopeType = "SYSTEM_LEAVE"
)

// Envelope is the JSON frame exchanged with clients.
// SenderID and Timestamp are always stamped by the server.
type Envelope struct {
	Type          EnvelopeType `json:"type"`
	ChatID        int64        `json:"chatId"`
	SenderID      int64        `json:"senderId"`
	Content       string       `json:"content,omitempty"`
	LastMessageID int64        `json:"lastMessageId,omitempty"`
	MessageID     int64        `json:"messageId,omitempty"`
	Timestamp     int64        `json:"timestamp"` // unix ms
}

func (t EnvelopeType) Valid() bool {
	switch t {
	case TypeTalk, TypeRead, TypeSystemEntry, TypeSystemLeave:
		return true
	}
	return false
}

// ===== stored message =====

const MsgTableName = "messages"

// Message is one entry of a room's history, ordered by ID.
type Message struct {
	ID        int64     `bson:"_id" json:"id"`
	ChatID    int64     `bson:"chat_id" json:"chatId"`
	SenderID  int64     `bson:"sender_id" json:"senderId"`
	Type      string    `bson:"type" json:"type"`
	Content   string    `bson:"content" json:"content"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

// MessageView is a Message with the number of participants that have not read it.
type MessageView struct {
	Message
	UnreadCount int `json:"unreadCount"`
}

// FromEnvelope builds the archived form of an accepted envelope.
func FromEnvelope(env Envelope) Message {
	return Message{
		ID:        env.MessageID,
		ChatID:    env.ChatID,
		SenderID:  env.SenderID,
		Type:      string(env.Type),
		Content:   env.Content,
		CreatedAt: time.UnixMilli(env.Timestamp).UTC(),
	}
}
