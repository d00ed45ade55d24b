package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Client to server events.
const (
	EventJoinRoom         = "joinRoom"
	EventLeaveRoom        = "leaveRoom"
	EventSaveMessage      = "saveMessage"
	EventEditMessage      = "editMessage"
	EventDeleteMessage    = "deleteMessage"
	EventMarkRead         = "markMessageAsRead"
	EventGetMessages      = "getMessagesByRoom"
	EventGetConversations = "getUserConversations"
)

// Server to client events.
const (
	EventConnected      = "connected"
	EventMessage        = "message"
	EventMessages       = "messages"
	EventMessageEdited  = "messageEdited"
	EventMessageDeleted = "messageDeleted"
	EventMessageRead    = "messageRead"
	EventConversations  = "conversations"
	EventJoinedRoom     = "joinedRoom"
	EventLeftRoom       = "leftRoom"
	EventMemberJoined   = "memberJoined"
	EventMemberLeft     = "memberLeft"
	EventAuthError      = "auth_error"
	EventError          = "error"
)

// Envelope is the wire format of every websocket frame.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	env := Envelope{Type: typ}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	env.Payload = b
	return env, nil
}

// EncodeFrame builds the JSON frame for a server event.
func EncodeFrame(typ string, payload any) ([]byte, error) {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s: empty payload", ErrValidation, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidation, e.Type, err)
	}
	return nil
}

type RoomPayload struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
}

// UnmarshalJSON accepts both a bare room string and {"roomId": "..."}.
func (p *RoomPayload) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &p.RoomID)
	}
	type plain RoomPayload
	var out plain
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*p = RoomPayload(out)
	return nil
}

type SaveMessagePayload struct {
	RoomID         string    `json:"roomId" validate:"required,max=128"`
	SenderID       string    `json:"senderId,omitempty"`
	ReceiverID     string    `json:"receiverId,omitempty" validate:"max=128"`
	Message        string    `json:"message" validate:"required,max=8192"`
	Type           Kind      `json:"type" validate:"omitempty,oneof=text image video"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty" validate:"max=128"`
}

type EditMessagePayload struct {
	MessageID  string `json:"messageId" validate:"required"`
	NewMessage string `json:"newMessage" validate:"required,max=8192"`
	Version    *int64 `json:"version,omitempty" validate:"omitempty,min=0"`
}

type MessageIDPayload struct {
	MessageID string `json:"messageId" validate:"required"`
}

type HistoryPayload struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
	Take   int    `json:"take" validate:"min=0"`
	Skip   int    `json:"skip" validate:"min=0"`
}

type ConversationsPayload struct {
	UserID string `json:"userId,omitempty"`
}

type ConnectedPayload struct {
	ClientID string `json:"clientId"`
	UserID   string `json:"userId"`
}

type MembershipPayload struct {
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId"`
	UserID   string `json:"userId,omitempty"`
}

type MessagesPayload struct {
	RoomID   string     `json:"roomId"`
	Take     int        `json:"take"`
	Skip     int        `json:"skip"`
	Messages []*Message `json:"messages"`
}

type ConversationListPayload struct {
	UserID string   `json:"userId"`
	Rooms  []string `json:"rooms"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}
