package hub

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
)

var ErrStopped = errors.New("hub stopped")

// Member is a live connection as seen by the router.
type Member interface {
	ID() string
	UserID() string
	// Deliver queues a frame without blocking. False means the member's
	// buffer is full and it must be dropped.
	Deliver(frame []byte) bool
	// Evict is called from the dispatch goroutine after the member has been
	// removed for being too slow. It must not block.
	Evict()
}

type Option func(*Hub)

// WithEvictHook runs fn for every slow member the hub drops.
func WithEvictHook(fn func(Member)) Option {
	return func(h *Hub) { h.onEvict = fn }
}

// Hub maps rooms to their live members. All state is owned by the Run
// goroutine; every exported method is a request to it, so operations are
// applied one at a time in arrival order.
type Hub struct {
	rooms  map[string]map[string]Member   // roomID -> memberID -> member
	joined map[string]map[string]struct{} // memberID -> roomIDs

	join      chan *joinReq
	leave     chan *leaveReq
	leaveAll  chan *leaveAllReq
	broadcast chan *broadcastReq
	stats     chan *statsReq
	done      chan struct{}

	onEvict func(Member)
	log     *zap.Logger
}

type joinReq struct {
	m    Member
	room string
	ok   chan bool
}

type leaveReq struct {
	m    Member
	room string
	ok   chan bool
}

type leaveAllReq struct {
	m     Member
	rooms chan []string
}

type broadcastReq struct {
	room  string
	frame []byte
	n     chan int
}

type statsReq struct {
	room  string
	reply chan [2]int
}

func New(log *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		rooms:     make(map[string]map[string]Member),
		joined:    make(map[string]map[string]struct{}),
		join:      make(chan *joinReq),
		leave:     make(chan *leaveReq),
		leaveAll:  make(chan *leaveAllReq),
		broadcast: make(chan *broadcastReq),
		stats:     make(chan *statsReq),
		done:      make(chan struct{}),
		log:       log,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Run dispatches requests until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-h.join:
			r.ok <- h.handleJoin(r.m, r.room)
		case r := <-h.leave:
			r.ok <- h.handleLeave(r.m, r.room)
		case r := <-h.leaveAll:
			r.rooms <- h.handleLeaveAll(r.m)
		case r := <-h.broadcast:
			r.n <- h.handleBroadcast(r.room, r.frame)
		case r := <-h.stats:
			r.reply <- [2]int{len(h.rooms[r.room]), len(h.rooms)}
		}
	}
}

// Join adds m to room. It reports false when m already was a member; a
// repeated join changes nothing and notifies nobody.
func (h *Hub) Join(m Member, roomID string) (bool, error) {
	r := &joinReq{m: m, room: roomID, ok: make(chan bool, 1)}
	if err := submit(h, h.join, r); err != nil {
		return false, err
	}
	return <-r.ok, nil
}

// Leave removes m from room. It reports false when m was not a member.
func (h *Hub) Leave(m Member, roomID string) (bool, error) {
	r := &leaveReq{m: m, room: roomID, ok: make(chan bool, 1)}
	if err := submit(h, h.leave, r); err != nil {
		return false, err
	}
	return <-r.ok, nil
}

// LeaveAll drops m from every room and returns the rooms it was in.
func (h *Hub) LeaveAll(m Member) ([]string, error) {
	r := &leaveAllReq{m: m, rooms: make(chan []string, 1)}
	if err := submit(h, h.leaveAll, r); err != nil {
		return nil, err
	}
	return <-r.rooms, nil
}

// Broadcast delivers frame to every member of room, the sender included,
// and returns how many members accepted it.
func (h *Hub) Broadcast(roomID string, frame []byte) (int, error) {
	r := &broadcastReq{room: roomID, frame: frame, n: make(chan int, 1)}
	if err := submit(h, h.broadcast, r); err != nil {
		return 0, err
	}
	return <-r.n, nil
}

// Members returns the member count of a room.
func (h *Hub) Members(roomID string) int {
	r := &statsReq{room: roomID, reply: make(chan [2]int, 1)}
	if submit(h, h.stats, r) != nil {
		return 0
	}
	return (<-r.reply)[0]
}

// Rooms returns the number of rooms with at least one member.
func (h *Hub) Rooms() int {
	r := &statsReq{reply: make(chan [2]int, 1)}
	if submit(h, h.stats, r) != nil {
		return 0
	}
	return (<-r.reply)[1]
}

func submit[T any](h *Hub, ch chan T, r T) error {
	select {
	case ch <- r:
		return nil
	case <-h.done:
		return ErrStopped
	}
}

func (h *Hub) handleJoin(m Member, roomID string) bool {
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]Member)
		h.rooms[roomID] = members
	}
	if _, ok := members[m.ID()]; ok {
		return false
	}

	var slow []Member
	if notice := h.frame(domain.EventMemberJoined, roomID, m); notice != nil {
		for _, other := range members {
			if !other.Deliver(notice) {
				slow = append(slow, other)
			}
		}
	}

	members[m.ID()] = m
	rooms, ok := h.joined[m.ID()]
	if !ok {
		rooms = make(map[string]struct{})
		h.joined[m.ID()] = rooms
	}
	rooms[roomID] = struct{}{}

	if ack := h.frame(domain.EventJoinedRoom, roomID, m); ack != nil && !m.Deliver(ack) {
		slow = append(slow, m)
	}
	h.evict(slow)
	return true
}

func (h *Hub) handleLeave(m Member, roomID string) bool {
	if !h.remove(m, roomID) {
		return false
	}
	var slow []Member
	if ack := h.frame(domain.EventLeftRoom, roomID, m); ack != nil && !m.Deliver(ack) {
		slow = append(slow, m)
	}
	slow = append(slow, h.notifyLeft(m, roomID)...)
	h.evict(slow)
	return true
}

func (h *Hub) handleLeaveAll(m Member) []string {
	left := h.drop(m)
	var slow []Member
	for _, roomID := range left {
		slow = append(slow, h.notifyLeft(m, roomID)...)
	}
	h.evict(slow)
	return left
}

func (h *Hub) handleBroadcast(roomID string, frame []byte) int {
	var slow []Member
	n := 0
	for _, m := range h.rooms[roomID] {
		if m.Deliver(frame) {
			n++
			continue
		}
		slow = append(slow, m)
	}
	h.evict(slow)
	return n
}

// remove takes m out of one room, dropping empty rooms.
func (h *Hub) remove(m Member, roomID string) bool {
	members, ok := h.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := members[m.ID()]; !ok {
		return false
	}
	delete(members, m.ID())
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
	if rooms, ok := h.joined[m.ID()]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(h.joined, m.ID())
		}
	}
	return true
}

// drop removes m from all its rooms and returns them.
func (h *Hub) drop(m Member) []string {
	rooms := h.joined[m.ID()]
	left := make([]string, 0, len(rooms))
	for roomID := range rooms {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		h.remove(m, roomID)
	}
	return left
}

func (h *Hub) notifyLeft(m Member, roomID string) []Member {
	notice := h.frame(domain.EventMemberLeft, roomID, m)
	if notice == nil {
		return nil
	}
	var slow []Member
	for _, other := range h.rooms[roomID] {
		if !other.Deliver(notice) {
			slow = append(slow, other)
		}
	}
	return slow
}

// evict drops slow members. Their departure notices can overflow further
// members, so work through a queue until it drains.
func (h *Hub) evict(queue []Member) {
	seen := make(map[string]struct{})
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		if _, ok := seen[m.ID()]; ok {
			continue
		}
		seen[m.ID()] = struct{}{}

		left := h.drop(m)
		h.log.Warn("evicting slow member",
			zap.String("client_id", m.ID()),
			zap.String("user_id", m.UserID()),
			zap.Strings("rooms", left))
		m.Evict()
		if h.onEvict != nil {
			h.onEvict(m)
		}
		for _, roomID := range left {
			queue = append(queue, h.notifyLeft(m, roomID)...)
		}
	}
}

func (h *Hub) frame(typ, roomID string, m Member) []byte {
	b, err := domain.EncodeFrame(typ, domain.MembershipPayload{RoomID: roomID, ClientID: m.ID(), UserID: m.UserID()})
	if err != nil {
		h.log.Error("encode frame", zap.String("type", typ), zap.Error(err))
		return nil
	}
	return b
}
