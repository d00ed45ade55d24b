package kafka

import (
	"context"
	"encoding/json"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/utils"
)

const (
	EventCreated = "message.created"
	EventEdited  = "message.edited"
	EventDeleted = "message.deleted"
	EventRead    = "message.read"
)

// LifecycleEvent is the record published for every durable message change.
type LifecycleEvent struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id"`
	ActorID string          `json:"actor_id,omitempty"`
	At      string          `json:"at"`
	Message *domain.Message `json:"message"`
}

func NewLifecycleEvent(typ, actorID string, m *domain.Message, at time.Time) LifecycleEvent {
	return LifecycleEvent{Type: typ, RoomID: m.RoomID, ActorID: actorID, At: utils.RFC3339(at), Message: m}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	topic  string
}

// NewProducer keys records by room id, so the hash balancer keeps a room's
// history on one partition in order.
func NewProducer(brokers []string, topic string) *Producer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
	}
	return &Producer{writer: w, topic: topic}
}

func (p *Producer) Publish(ctx context.Context, ev LifecycleEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafkago.Message{
		Key:   []byte(ev.RoomID),
		Value: b,
		Time:  time.Now(),
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Producer) Close(ctx context.Context) error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Noop drops events; used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, LifecycleEvent) error { return nil }

func (Noop) Close(context.Context) error { return nil }
