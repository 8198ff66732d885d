package model

import "time"

// Presence is the shared routing hint for one user.
type Presence struct {
	ChatID     int64
	ServerID   string
	LastActive time.Time
}

// UndeliveredMessage is the outbox row written for an offline recipient.
type UndeliveredMessage struct {
	ID         int64
	MessageID  int64 // id of the routed message, 0 for system messages without one
	ChatID     int64
	SenderID   int64
	ReceiverID int64
	Content    string
	CreatedAt  time.Time
	Delivered  bool
}

// ReadMarker is the last message a user has read in a chat.
type ReadMarker struct {
	UserID            int64
	ChatID            int64
	LastReadMessageID int64
}

// Participant is durable chat membership.
type Participant struct {
	UserID            int64
	LastReadMessageID int64 // 0 when never read
	JoinedAt          time.Time
}

// PushNotification is handed to the push collaborator for offline recipients.
type PushNotification struct {
	UserID int64             `json:"userId"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}
