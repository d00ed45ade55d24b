package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"context"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/hub"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/metric"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/mocks"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/redis"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/repository"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/service"
)

var errClosed = errors.New("socket closed")

type fakeSocket struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan []byte, 16), out: make(chan []byte, 256), closed: make(chan struct{})}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case b := <-s.in:
		return websocket.TextMessage, b, nil
	case <-s.closed:
		return 0, nil, errClosed
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	select {
	case <-s.closed:
		return errClosed
	default:
	}
	s.out <- data
	return nil
}

func (s *fakeSocket) WriteControl(int, []byte, time.Time) error { return nil }
func (s *fakeSocket) SetReadDeadline(time.Time) error          { return nil }
func (s *fakeSocket) SetWriteDeadline(time.Time) error         { return nil }
func (s *fakeSocket) SetReadLimit(int64)                       {}
func (s *fakeSocket) SetPongHandler(func(string) error)        {}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) sendEvent(t *testing.T, typ, requestID string, payload any) {
	env, err := domain.NewEnvelope(typ, payload)
	require.NoError(t, err)
	env.RequestID = requestID
	b, err := json.Marshal(env)
	require.NoError(t, err)
	s.in <- b
}

// expect waits for the next frame and checks its type.
func (s *fakeSocket) expect(t *testing.T, typ string) domain.Envelope {
	t.Helper()
	select {
	case b := <-s.out:
		var env domain.Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		require.Equal(t, typ, env.Type, "payload: %s", env.Payload)
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", typ)
		return domain.Envelope{}
	}
}

func (s *fakeSocket) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case b := <-s.out:
		t.Fatalf("unexpected frame %s", b)
	case <-time.After(50 * time.Millisecond):
	}
}

type harness struct {
	mgr     *Manager
	hub     *hub.Hub
	store   *repository.MemoryStore
	metrics *metric.Metrics
}

func newHarness(t *testing.T, verifier *mocks.MockVerifier, rate int) *harness {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := hub.New(zap.NewNop())
	go h.Run(ctx)

	store := repository.NewMemoryStore()
	log := zap.NewNop().Sugar()
	svc := service.NewMessageService(store, h, redis.NewMemoryDedup(time.Minute), nil, service.Settings{}, log)
	m := metric.NewMetrics(prometheus.NewRegistry())
	cfg := Settings{
		PingInterval:   time.Hour,
		WriteDeadline:  time.Second,
		PongWait:       time.Hour,
		MaxMessageSize: 1 << 16,
		SendBuffer:     64,
		RatePerSec:     rate,
	}
	return &harness{
		mgr:     NewManager(verifier, h, svc, redis.NewMemoryPresence(), m, cfg, log),
		hub:     h,
		store:   store,
		metrics: m,
	}
}

// connect runs Accept in the background and consumes the connected frame.
func (h *harness) connect(t *testing.T, credential string) (*fakeSocket, domain.ConnectedPayload, chan struct{}) {
	sock := newFakeSocket()
	done := make(chan struct{})
	go func() {
		h.mgr.Accept(sock, credential)
		close(done)
	}()
	var p domain.ConnectedPayload
	require.NoError(t, sock.expect(t, domain.EventConnected).Decode(&p))
	t.Cleanup(func() { _ = sock.Close() })
	return sock, p, done
}

func verifierFor(t *testing.T) *mocks.MockVerifier {
	ctrl := gomock.NewController(t)
	v := mocks.NewMockVerifier(ctrl)
	v.EXPECT().Verify("alice-token").Return("alice", nil).AnyTimes()
	v.EXPECT().Verify("bob-token").Return("bob", nil).AnyTimes()
	v.EXPECT().Verify(gomock.Any()).Return("", domain.ErrAuthFailure).AnyTimes()
	return v
}

func TestManager_RejectsBadCredentials(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, verifierFor(t), 0)
	sock := newFakeSocket()

	h.mgr.Accept(sock, "forged")

	env := sock.expect(t, domain.EventAuthError)
	var p domain.ErrorPayload
	req.NoError(env.Decode(&p))
	req.Equal("auth", p.Code)
	req.True(sock.isClosed())
	req.Zero(h.store.Len())
	req.Equal(1.0, testutil.ToFloat64(h.metrics.AuthFailures))
	req.Equal(0.0, testutil.ToFloat64(h.metrics.Connections))
}

func TestManager_RoomScenario(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, verifierFor(t), 0)

	a, ca, _ := h.connect(t, "alice-token")
	b, cb, _ := h.connect(t, "bob-token")
	req.Equal("alice", ca.UserID)
	req.NotEqual(ca.ClientID, cb.ClientID)

	a.sendEvent(t, domain.EventJoinRoom, "", "general")
	var joined domain.MembershipPayload
	req.NoError(a.expect(t, domain.EventJoinedRoom).Decode(&joined))
	req.Equal(domain.MembershipPayload{RoomID: "general", ClientID: ca.ClientID, UserID: "alice"}, joined)

	b.sendEvent(t, domain.EventJoinRoom, "", map[string]string{"roomId": "general"})
	b.expect(t, domain.EventJoinedRoom)
	a.expect(t, domain.EventMemberJoined)

	a.sendEvent(t, domain.EventSaveMessage, "r1", domain.SaveMessagePayload{RoomID: "general", Message: "hi", Type: domain.KindText})
	var onA, onB domain.Message
	req.NoError(a.expect(t, domain.EventMessage).Decode(&onA))
	req.NoError(b.expect(t, domain.EventMessage).Decode(&onB))
	req.Equal("hi", onA.Body)
	req.Equal(onA.ID, onB.ID)
	req.True(onA.Timestamp.Equal(onB.Timestamp))
	req.Equal("alice", onA.SenderID)
	a.expectNothing(t)

	// history is answered to the requester only
	b.sendEvent(t, domain.EventGetMessages, "h1", domain.HistoryPayload{RoomID: "general", Take: 50})
	env := b.expect(t, domain.EventMessages)
	req.Equal("h1", env.RequestID)
	var page domain.MessagesPayload
	req.NoError(env.Decode(&page))
	req.Len(page.Messages, 1)
	req.Equal(50, page.Take)
	a.expectNothing(t)

	// A disconnects: B is told, the message stays
	_ = a.Close()
	var left domain.MembershipPayload
	req.NoError(b.expect(t, domain.EventMemberLeft).Decode(&left))
	req.Equal(ca.ClientID, left.ClientID)
	req.Equal(1, h.store.Len())
	req.Eventually(func() bool { return h.hub.Members("general") == 1 }, time.Second, 10*time.Millisecond)
}

func TestManager_ErrorsStayOnTheConnection(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, verifierFor(t), 0)
	a, _, _ := h.connect(t, "alice-token")
	b, _, _ := h.connect(t, "bob-token")
	b.sendEvent(t, domain.EventJoinRoom, "", "general")
	b.expect(t, domain.EventJoinedRoom)

	a.in <- []byte("{not json")
	var p domain.ErrorPayload
	req.NoError(a.expect(t, domain.EventError).Decode(&p))
	req.Equal("validation", p.Code)

	a.sendEvent(t, domain.EventSaveMessage, "s1", domain.SaveMessagePayload{RoomID: "general"})
	env := a.expect(t, domain.EventError)
	req.NoError(env.Decode(&p))
	req.Equal("validation", p.Code)
	req.Equal("s1", p.RequestID)

	a.sendEvent(t, domain.EventEditMessage, "e1", domain.EditMessagePayload{MessageID: "ghost", NewMessage: "x"})
	req.NoError(a.expect(t, domain.EventError).Decode(&p))
	req.Equal("not_found", p.Code)

	a.sendEvent(t, domain.EventGetConversations, "", domain.ConversationsPayload{UserID: "bob"})
	req.NoError(a.expect(t, domain.EventError).Decode(&p))
	req.Equal("forbidden", p.Code)

	a.sendEvent(t, "launchMissiles", "", nil)
	req.NoError(a.expect(t, domain.EventError).Decode(&p))
	req.Equal("validation", p.Code)

	b.expectNothing(t)
	req.Zero(h.store.Len())

	// still usable afterwards
	a.sendEvent(t, domain.EventGetConversations, "", nil)
	var convs domain.ConversationListPayload
	req.NoError(a.expect(t, domain.EventConversations).Decode(&convs))
	req.Equal("alice", convs.UserID)
	req.Equal(3.0, testutil.ToFloat64(h.metrics.ErrorsSent.WithLabelValues("validation")))
}

func TestManager_EchoesWhenNothingWasBroadcast(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, verifierFor(t), 0)
	a, _, _ := h.connect(t, "alice-token")

	// not joined: the sender still gets its stored message back
	a.sendEvent(t, domain.EventSaveMessage, "s1", domain.SaveMessagePayload{RoomID: "general", Message: "first", IdempotencyKey: "k1"})
	var first domain.Message
	env := a.expect(t, domain.EventMessage)
	req.Equal("s1", env.RequestID)
	req.NoError(env.Decode(&first))

	a.sendEvent(t, domain.EventJoinRoom, "", "general")
	a.expect(t, domain.EventJoinedRoom)

	// a retried send replays the original to the sender only
	a.sendEvent(t, domain.EventSaveMessage, "s2", domain.SaveMessagePayload{RoomID: "general", Message: "first", IdempotencyKey: "k1"})
	var replay domain.Message
	env = a.expect(t, domain.EventMessage)
	req.Equal("s2", env.RequestID)
	req.NoError(env.Decode(&replay))
	req.Equal(first.ID, replay.ID)
	a.expectNothing(t)
	req.Equal(1, h.store.Len())

	a.sendEvent(t, domain.EventDeleteMessage, "", domain.MessageIDPayload{MessageID: first.ID})
	a.expect(t, domain.EventMessageDeleted)
	// second delete is a no-op answered directly
	a.sendEvent(t, domain.EventDeleteMessage, "d2", domain.MessageIDPayload{MessageID: first.ID})
	env = a.expect(t, domain.EventMessageDeleted)
	req.Equal("d2", env.RequestID)
	a.expectNothing(t)
}

func TestManager_RateLimits(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, verifierFor(t), 1) // burst of 2
	a, _, _ := h.connect(t, "alice-token")

	for i := 0; i < 3; i++ {
		a.sendEvent(t, domain.EventGetConversations, "", nil)
	}
	a.expect(t, domain.EventConversations)
	a.expect(t, domain.EventConversations)
	var p domain.ErrorPayload
	req.NoError(a.expect(t, domain.EventError).Decode(&p))
	req.Equal("rate_limited", p.Code)
}

func TestManager_DisconnectEndsAccept(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, verifierFor(t), 0)
	a, _, done := h.connect(t, "alice-token")
	req.Equal(1.0, testutil.ToFloat64(h.metrics.Connections))

	_ = a.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after the socket closed")
	}
	req.Equal(0.0, testutil.ToFloat64(h.metrics.Connections))
}
