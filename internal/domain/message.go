package domain

import "time"

// Kind tags the payload carried by a message body.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo:
		return true
	}
	return false
}

// Message is the durable chat record. Rooms are not stored on their own, they
// only exist as the RoomID grouping key.
type Message struct {
	ID             string     `bson:"_id" json:"id"`
	RoomID         string     `bson:"room_id" json:"roomId"`
	SenderID       string     `bson:"sender_id" json:"senderId"`
	ReceiverID     string     `bson:"receiver_id,omitempty" json:"receiverId,omitempty"`
	Body           string     `bson:"body" json:"message"`
	Kind           Kind       `bson:"kind" json:"type"`
	Timestamp      time.Time  `bson:"timestamp" json:"timestamp"`
	IsRead         bool       `bson:"is_read" json:"isRead"`
	EditedAt       *time.Time `bson:"edited_at,omitempty" json:"editedAt,omitempty"`
	DeletedAt      *time.Time `bson:"deleted_at,omitempty" json:"deletedAt,omitempty"`
	Version        int64      `bson:"version" json:"version"`
	IdempotencyKey string     `bson:"idempotency_key,omitempty" json:"idempotencyKey,omitempty"`
}

func (m *Message) Deleted() bool { return m.DeletedAt != nil }

// Clone returns a deep copy so callers never share the pointer fields.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// Involves reports whether userID is the sender or the receiver.
func (m *Message) Involves(userID string) bool {
	return m.SenderID == userID || (m.ReceiverID != "" && m.ReceiverID == userID)
}
