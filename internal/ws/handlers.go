package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/service"
)

// handle runs one inbound frame to completion on the connection's read
// goroutine. Failures go back to this connection only.
func (m *Manager) handle(c *Connection, data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.fail(c, "", fmt.Errorf("%w: malformed frame: %v", domain.ErrValidation, err))
		return
	}
	if m.metrics != nil {
		m.metrics.InboundEvents.WithLabelValues(metricLabel(env.Type)).Inc()
	}
	if !c.limiter.Allow() {
		m.fail(c, env.RequestID, fmt.Errorf("%w: slow down", domain.ErrRateLimited))
		return
	}

	ctx := context.Background()
	var err error
	switch env.Type {
	case domain.EventJoinRoom:
		err = m.onJoin(c, env)
	case domain.EventLeaveRoom:
		err = m.onLeave(c, env)
	case domain.EventSaveMessage:
		err = m.onSave(ctx, c, env)
	case domain.EventEditMessage:
		err = m.onEdit(ctx, c, env)
	case domain.EventDeleteMessage:
		err = m.onDelete(ctx, c, env)
	case domain.EventMarkRead:
		err = m.onMarkRead(ctx, c, env)
	case domain.EventGetMessages:
		err = m.onHistory(ctx, c, env)
	case domain.EventGetConversations:
		err = m.onConversations(ctx, c, env)
	default:
		err = fmt.Errorf("%w: unknown event %q", domain.ErrValidation, env.Type)
	}
	if err != nil {
		m.fail(c, env.RequestID, err)
	}
}

func (m *Manager) decode(env domain.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return err
	}
	if err := m.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrValidation, env.Type, err)
	}
	return nil
}

func (m *Manager) onJoin(c *Connection, env domain.Envelope) error {
	var p domain.RoomPayload
	if err := m.decode(env, &p); err != nil {
		return err
	}
	if _, err := m.router.Join(c, p.RoomID); err != nil {
		return err
	}
	c.rooms[p.RoomID] = struct{}{}
	return nil
}

func (m *Manager) onLeave(c *Connection, env domain.Envelope) error {
	var p domain.RoomPayload
	if err := m.decode(env, &p); err != nil {
		return err
	}
	if _, err := m.router.Leave(c, p.RoomID); err != nil {
		return err
	}
	delete(c.rooms, p.RoomID)
	return nil
}

func (m *Manager) onSave(ctx context.Context, c *Connection, env domain.Envelope) error {
	var p domain.SaveMessagePayload
	if err := m.decode(env, &p); err != nil {
		return err
	}
	msg, replayed, err := m.messages.Send(ctx, service.SendCommand{
		ActorID:        c.userID,
		SenderID:       p.SenderID,
		RoomID:         p.RoomID,
		ReceiverID:     p.ReceiverID,
		Body:           p.Message,
		Kind:           p.Type,
		IdempotencyKey: p.IdempotencyKey,
	})
	if err != nil {
		return err
	}
	// the room broadcast already reached a joined sender
	if replayed || !c.joined(msg.RoomID) {
		m.reply(c, env.RequestID, domain.EventMessage, msg)
	}
	return nil
}

func (m *Manager) onEdit(ctx context.Context, c *Connection, env domain.Envelope) error {
	var p domain.EditMessagePayload
	if err := m.decode(env, &p); err != nil {
		return err
	}
	msg, changed, err := m.messages.Edit(ctx, service.EditCommand{
		ActorID:         c.userID,
		MessageID:       p.MessageID,
		Body:            p.NewMessage,
		ExpectedVersion: p.Version,
	})
	if err != nil {
		return err
	}
	m.echoUnchanged(c, env, domain.EventMessageEdited, msg, changed)
	return nil
}

func (m *Manager) onDelete(ctx context.Context, c *Connection, env domain.Envelope) error {
	var p domain.MessageIDPayload
	if err := m.decode(env, &p); err != nil {
		return err
	}
	msg, changed, err := m.messages.SoftDelete(ctx, p.MessageID, c.userID)
	if err != nil {
		return err
	}
	m.echoUnchanged(c, env, domain.EventMessageDeleted, msg, changed)
	return nil
}

func (m *Manager) onMarkRead(ctx context.Context, c *Connection, env domain.Envelope) error {
	var p domain.MessageIDPayload
	if err := m.decode(env, &p); err != nil {
		return err
	}
	msg, changed, err := m.messages.MarkRead(ctx, p.MessageID, c.userID)
	if err != nil {
		return err
	}
	m.echoUnchanged(c, env, domain.EventMessageRead, msg, changed)
	return nil
}

// echoUnchanged answers the caller directly when nothing was broadcast, or
// when the caller is outside the room and missed the broadcast.
func (m *Manager) echoUnchanged(c *Connection, env domain.Envelope, typ string, msg *domain.Message, changed bool) {
	if !changed || !c.joined(msg.RoomID) {
		m.reply(c, env.RequestID, typ, msg)
	}
}

func (m *Manager) onHistory(ctx context.Context, c *Connection, env domain.Envelope) error {
	var p domain.HistoryPayload
	if err := m.decode(env, &p); err != nil {
		return err
	}
	page, limit, err := m.messages.History(ctx, p.RoomID, p.Take, p.Skip)
	if err != nil {
		return err
	}
	m.reply(c, env.RequestID, domain.EventMessages, domain.MessagesPayload{
		RoomID:   p.RoomID,
		Take:     limit,
		Skip:     p.Skip,
		Messages: page,
	})
	return nil
}

func (m *Manager) onConversations(ctx context.Context, c *Connection, env domain.Envelope) error {
	var p domain.ConversationsPayload
	if len(env.Payload) > 0 {
		if err := m.decode(env, &p); err != nil {
			return err
		}
	}
	if p.UserID != "" && p.UserID != c.userID {
		return fmt.Errorf("%w: conversations of another user", domain.ErrForbidden)
	}
	rooms, err := m.messages.ConversationsFor(ctx, c.userID)
	if err != nil {
		return err
	}
	m.reply(c, env.RequestID, domain.EventConversations, domain.ConversationListPayload{UserID: c.userID, Rooms: rooms})
	return nil
}

func (m *Manager) reply(c *Connection, requestID, typ string, payload any) {
	env, err := domain.NewEnvelope(typ, payload)
	if err != nil {
		c.log.Errorw("encode reply", "type", typ, "error", err)
		return
	}
	env.RequestID = requestID
	frame, err := json.Marshal(env)
	if err != nil {
		c.log.Errorw("encode reply", "type", typ, "error", err)
		return
	}
	if !c.Deliver(frame) {
		// a connection that cannot take its own replies is as slow as one
		// that cannot take broadcasts
		c.log.Warnw("send buffer full, closing", "type", typ)
		if m.metrics != nil {
			m.metrics.Evictions.Inc()
		}
		c.shutdown()
	}
}

func (m *Manager) fail(c *Connection, requestID string, err error) {
	code := domain.ErrorCode(err)
	if code == "internal" || errors.Is(err, domain.ErrPersistence) {
		c.log.Errorw("request failed", "code", code, "error", err)
	} else {
		c.log.Debugw("request rejected", "code", code, "error", err)
	}
	if m.metrics != nil {
		m.metrics.ErrorsSent.WithLabelValues(code).Inc()
	}
	m.reply(c, requestID, domain.EventError, domain.ErrorPayload{Code: code, Message: err.Error(), RequestID: requestID})
}

// metricLabel bounds label cardinality to the known client events.
func metricLabel(typ string) string {
	switch typ {
	case domain.EventJoinRoom, domain.EventLeaveRoom, domain.EventSaveMessage, domain.EventEditMessage,
		domain.EventDeleteMessage, domain.EventMarkRead, domain.EventGetMessages, domain.EventGetConversations:
		return typ
	}
	return "unknown"
}
