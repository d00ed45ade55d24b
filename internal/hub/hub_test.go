package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
)

type fakeMember struct {
	id, user string
	frames   chan []byte

	mu      sync.Mutex
	evicted bool
}

func newMember(id, user string, buf int) *fakeMember {
	return &fakeMember{id: id, user: user, frames: make(chan []byte, buf)}
}

func (f *fakeMember) ID() string     { return f.id }
func (f *fakeMember) UserID() string { return f.user }

func (f *fakeMember) Deliver(frame []byte) bool {
	select {
	case f.frames <- frame:
		return true
	default:
		return false
	}
}

func (f *fakeMember) Evict() {
	f.mu.Lock()
	f.evicted = true
	f.mu.Unlock()
}

func (f *fakeMember) wasEvicted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evicted
}

// drain returns the queued envelopes without blocking.
func (f *fakeMember) drain(t *testing.T) []domain.Envelope {
	var out []domain.Envelope
	for {
		select {
		case b := <-f.frames:
			var env domain.Envelope
			require.NoError(t, json.Unmarshal(b, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func types(envs []domain.Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func startHub(t *testing.T, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := New(zap.NewNop(), opts...)
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func TestHub_Join(t *testing.T) {
	t.Run("should ack the joiner and notify existing members", func(t *testing.T) {
		req := require.New(t)
		h := startHub(t)
		a, b := newMember("a", "alice", 8), newMember("b", "bob", 8)

		ok, err := h.Join(a, "r1")
		req.NoError(err)
		req.True(ok)
		req.Equal([]string{domain.EventJoinedRoom}, types(a.drain(t)))

		ok, err = h.Join(b, "r1")
		req.NoError(err)
		req.True(ok)
		req.Equal([]string{domain.EventJoinedRoom}, types(b.drain(t)))

		notices := a.drain(t)
		req.Equal([]string{domain.EventMemberJoined}, types(notices))
		var p domain.MembershipPayload
		req.NoError(notices[0].Decode(&p))
		req.Equal(domain.MembershipPayload{RoomID: "r1", ClientID: "b", UserID: "bob"}, p)
		req.Equal(2, h.Members("r1"))
	})

	t.Run("should treat a repeated join as a no-op", func(t *testing.T) {
		req := require.New(t)
		h := startHub(t)
		a, b := newMember("a", "alice", 8), newMember("b", "bob", 8)
		_, _ = h.Join(a, "r1")
		_, _ = h.Join(b, "r1")
		a.drain(t)
		b.drain(t)

		ok, err := h.Join(b, "r1")
		req.NoError(err)
		req.False(ok)
		req.Empty(a.drain(t))
		req.Empty(b.drain(t))
		req.Equal(2, h.Members("r1"))
	})
}

func TestHub_Broadcast(t *testing.T) {
	t.Run("should reach every member including the sender", func(t *testing.T) {
		req := require.New(t)
		h := startHub(t)
		a, b, c := newMember("a", "alice", 8), newMember("b", "bob", 8), newMember("c", "carol", 8)
		_, _ = h.Join(a, "r1")
		_, _ = h.Join(b, "r1")
		_, _ = h.Join(c, "r2")
		a.drain(t)
		b.drain(t)
		c.drain(t)

		n, err := h.Broadcast("r1", []byte(`{"type":"message"}`))
		req.NoError(err)
		req.Equal(2, n)
		req.Len(a.drain(t), 1)
		req.Len(b.drain(t), 1)
		req.Empty(c.drain(t))
	})

	t.Run("should preserve invocation order within a room", func(t *testing.T) {
		req := require.New(t)
		h := startHub(t)
		a := newMember("a", "alice", 128)
		_, _ = h.Join(a, "r1")
		a.drain(t)

		for i := 0; i < 100; i++ {
			_, err := h.Broadcast("r1", []byte(fmt.Sprintf(`{"type":"message","requestId":"%d"}`, i)))
			req.NoError(err)
		}
		got := a.drain(t)
		req.Len(got, 100)
		for i, env := range got {
			req.Equal(fmt.Sprint(i), env.RequestID)
		}
	})

	t.Run("should be a no-op for an empty room", func(t *testing.T) {
		req := require.New(t)
		h := startHub(t)
		n, err := h.Broadcast("nobody", []byte(`{}`))
		req.NoError(err)
		req.Zero(n)
	})
}

func TestHub_Leave(t *testing.T) {
	t.Run("should ack the leaver and notify the rest", func(t *testing.T) {
		req := require.New(t)
		h := startHub(t)
		a, b := newMember("a", "alice", 8), newMember("b", "bob", 8)
		_, _ = h.Join(a, "r1")
		_, _ = h.Join(b, "r1")
		a.drain(t)
		b.drain(t)

		ok, err := h.Leave(b, "r1")
		req.NoError(err)
		req.True(ok)
		req.Equal([]string{domain.EventLeftRoom}, types(b.drain(t)))
		req.Equal([]string{domain.EventMemberLeft}, types(a.drain(t)))

		ok, err = h.Leave(b, "r1")
		req.NoError(err)
		req.False(ok)
	})

	t.Run("should drop a disconnected member from every room", func(t *testing.T) {
		req := require.New(t)
		h := startHub(t)
		a, b := newMember("a", "alice", 8), newMember("b", "bob", 8)
		_, _ = h.Join(a, "r1")
		_, _ = h.Join(a, "r2")
		_, _ = h.Join(b, "r1")
		a.drain(t)
		b.drain(t)

		rooms, err := h.LeaveAll(a)
		req.NoError(err)
		req.ElementsMatch([]string{"r1", "r2"}, rooms)
		req.Equal([]string{domain.EventMemberLeft}, types(b.drain(t)))
		req.Empty(a.drain(t))
		req.Equal(1, h.Rooms())

		n, err := h.Broadcast("r1", []byte(`{}`))
		req.NoError(err)
		req.Equal(1, n)
	})
}

func TestHub_EvictsSlowMembers(t *testing.T) {
	req := require.New(t)
	var evicted []string
	h := startHub(t, WithEvictHook(func(m Member) { evicted = append(evicted, m.ID()) }))

	fast := newMember("fast", "alice", 16)
	slow := newMember("slow", "bob", 1)
	_, _ = h.Join(fast, "r1")
	_, _ = h.Join(slow, "r1") // joinedRoom fills slow's only slot
	fast.drain(t)

	n, err := h.Broadcast("r1", []byte(`{"type":"message"}`))
	req.NoError(err)
	req.Equal(1, n)
	req.True(slow.wasEvicted())
	req.Equal(1, h.Members("r1"))

	got := types(fast.drain(t))
	req.Equal([]string{domain.EventMessage, domain.EventMemberLeft}, got)
	req.Equal([]string{"slow"}, evicted)
}

func TestHub_Stopped(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	h := New(zap.NewNop())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, err := h.Join(newMember("a", "alice", 1), "r1")
	req.ErrorIs(err, ErrStopped)
	req.Zero(h.Rooms())
}
