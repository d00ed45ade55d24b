package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoomPayload_AcceptsBareStringAndObject(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bare string", `"general"`, "general"},
		{"object", `{"roomId":"general"}`, "general"},
		{"padded string", `  "lobby" `, "lobby"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			var p RoomPayload
			req.NoError(json.Unmarshal([]byte(tt.raw), &p))
			req.Equal(tt.want, p.RoomID)
		})
	}
}

func TestEnvelope_DecodeWrapsValidationError(t *testing.T) {
	req := require.New(t)

	var p MessageIDPayload
	err := Envelope{Type: EventDeleteMessage}.Decode(&p)
	req.True(errors.Is(err, ErrValidation))

	err = Envelope{Type: EventDeleteMessage, Payload: json.RawMessage(`[1,2]`)}.Decode(&p)
	req.True(errors.Is(err, ErrValidation))

	env, err := NewEnvelope(EventDeleteMessage, MessageIDPayload{MessageID: "m1"})
	req.NoError(err)
	req.NoError(env.Decode(&p))
	req.Equal("m1", p.MessageID)
}

func TestErrorCode(t *testing.T) {
	req := require.New(t)
	req.Equal("not_found", ErrorCode(ErrNotFound))
	req.Equal("persistence", ErrorCode(errors.Join(errors.New("mongo down"), ErrPersistence)))
	req.Equal("internal", ErrorCode(errors.New("boom")))
}

func TestMessage_CloneDoesNotShareTimes(t *testing.T) {
	req := require.New(t)
	edited := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &Message{ID: "m1", EditedAt: &edited}

	c := m.Clone()
	req.Equal(m.EditedAt, c.EditedAt)
	req.NotSame(m.EditedAt, c.EditedAt)

	*c.EditedAt = c.EditedAt.Add(time.Hour)
	req.Equal(edited, *m.EditedAt)
	req.Nil((*Message)(nil).Clone())
}
