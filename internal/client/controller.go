package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrStopped      = errors.New("controller stopped")
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Options struct {
	RoomID   string
	PageSize int

	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxAttempts bounds the redials after a loss. Zero retries forever.
	MaxAttempts uint64
	// ProbeInterval is the liveness safety net. Zero disables it.
	ProbeInterval time.Duration

	// NewBackOff overrides the exponential policy built from the fields above.
	NewBackOff func() backoff.BackOff

	// OnState and OnEvent run on the controller goroutine and must not block.
	OnState func(State)
	OnEvent func(env domain.Envelope)
}

func (o *Options) withDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 30 * time.Second
	}
}

func (o *Options) backOff() backoff.BackOff {
	if o.NewBackOff != nil {
		return o.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialInterval
	b.MaxInterval = o.MaxInterval
	b.MaxElapsedTime = 0
	if o.MaxAttempts > 0 {
		return backoff.WithMaxRetries(b, o.MaxAttempts)
	}
	return b
}

// Controller keeps one client connected to its active room. Every state
// change happens on the Run goroutine; transports report back tagged with the
// generation they were dialed for, and anything from an older generation is
// dropped.
type Controller struct {
	dialer Dialer
	opts   Options
	log    *zap.SugaredLogger
	view   *View
	state  atomic.Int32

	events chan any
	done   chan struct{}

	// owned by Run
	gen       uint64
	room      string
	transport Transport
	bo        backoff.BackOff
	retry     *time.Timer
	resyncID  string
	ctx       context.Context

	// live events seen while the resync page is outstanding
	backlog []liveEvent
}

type liveEvent struct {
	typ string
	m   *domain.Message
}

type startEvent struct{}

type forceEvent struct{}

type probeEvent struct{}

type switchEvent struct{ room string }

type retryEvent struct{ gen uint64 }

type frameEvent struct {
	gen uint64
	env domain.Envelope
}

type closedEvent struct {
	gen uint64
	err error
}

type dialedEvent struct {
	gen uint64
	t   Transport
	err error
}

type sendEvent struct {
	env   domain.Envelope
	reply chan error
}

func New(d Dialer, opts Options, log *zap.SugaredLogger) *Controller {
	opts.withDefaults()
	c := &Controller{
		dialer: d,
		opts:   opts,
		log:    log,
		view:   newView(),
		events: make(chan any, 64),
		done:   make(chan struct{}),
		room:   opts.RoomID,
	}
	c.bo = opts.backOff()
	c.view.room = opts.RoomID
	return c
}

func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) View() *View { return c.view }

// Start begins connecting. It is a no-op unless the controller is
// disconnected.
func (c *Controller) Start() { c.post(startEvent{}) }

// ForceReconnect drops any current link and dials again with a fresh
// backoff budget.
func (c *Controller) ForceReconnect() { c.post(forceEvent{}) }

// SwitchRoom changes the active room; when connected the new room is joined
// and its history replaces the view.
func (c *Controller) SwitchRoom(roomID string) { c.post(switchEvent{room: roomID}) }

// Send posts a chat message to the active room with a fresh idempotency key
// and returns that key.
func (c *Controller) Send(ctx context.Context, body string) (string, error) {
	key := uuid.New().String()
	err := c.Do(ctx, domain.EventSaveMessage, domain.SaveMessagePayload{
		RoomID:         c.view.Room(),
		Message:        body,
		Type:           domain.KindText,
		IdempotencyKey: key,
	})
	return key, err
}

// Do sends an arbitrary client event over the current link.
func (c *Controller) Do(ctx context.Context, typ string, payload any) error {
	env, err := domain.NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	ev := sendEvent{env: env, reply: make(chan error, 1)}
	select {
	case c.events <- ev:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.reply:
		return err
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns the state machine until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	c.ctx = ctx
	defer close(c.done)

	var probe <-chan time.Time
	if c.opts.ProbeInterval > 0 {
		t := time.NewTicker(c.opts.ProbeInterval)
		defer t.Stop()
		probe = t.C
	}

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			c.setState(Disconnected)
			return
		case <-probe:
			c.handle(probeEvent{})
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Controller) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) handle(ev any) {
	switch e := ev.(type) {
	case startEvent:
		if c.State() == Disconnected {
			c.bo.Reset()
			c.dial(Connecting)
		}
	case forceEvent:
		c.teardown()
		c.bo.Reset()
		c.dial(Connecting)
	case switchEvent:
		c.switchRoom(e.room)
	case dialedEvent:
		c.onDialed(e)
	case frameEvent:
		if e.gen == c.gen {
			c.onFrame(e.env)
		}
	case closedEvent:
		if e.gen == c.gen && c.State() == Connected {
			c.log.Infow("connection lost", "error", e.err)
			c.lost()
		}
	case retryEvent:
		if e.gen == c.gen && c.State() == Reconnecting {
			c.dial(Connecting)
		}
	case probeEvent:
		if c.State() == Connected && (c.transport == nil || !c.transport.Alive()) {
			c.log.Infow("probe found a dead connection")
			c.lost()
		}
	case sendEvent:
		e.reply <- c.send(e.env)
	}
}

// dial starts a new generation and dials it in the background.
func (c *Controller) dial(state State) {
	c.gen++
	gen := c.gen
	c.setState(state)
	cb := Callbacks{
		OnFrame: func(env domain.Envelope) { c.post(frameEvent{gen: gen, env: env}) },
		OnClose: func(err error) { c.post(closedEvent{gen: gen, err: err}) },
	}
	ctx := c.ctx
	go func() {
		t, err := c.dialer.Dial(ctx, cb)
		c.post(dialedEvent{gen: gen, t: t, err: err})
	}()
}

func (c *Controller) onDialed(e dialedEvent) {
	if e.gen != c.gen || (c.State() != Connecting && c.State() != Reconnecting) {
		if e.t != nil {
			_ = e.t.Close()
		}
		return
	}
	if e.err != nil {
		c.log.Warnw("dial failed", "error", e.err)
		c.scheduleRetry()
		return
	}
	c.transport = e.t
	c.bo.Reset()
	c.setState(Connected)
	c.resync()
}

// resync joins the active room and asks for its first history page, which
// replaces the view when it arrives.
func (c *Controller) resync() {
	if c.room == "" {
		return
	}
	if err := c.send(mustEnvelope(domain.EventJoinRoom, domain.RoomPayload{RoomID: c.room}, "")); err != nil {
		c.log.Warnw("join failed", "room", c.room, "error", err)
		return
	}
	c.resyncID = uuid.New().String()
	c.backlog = nil
	env := mustEnvelope(domain.EventGetMessages, domain.HistoryPayload{RoomID: c.room, Take: c.opts.PageSize}, c.resyncID)
	if err := c.send(env); err != nil {
		c.log.Warnw("history request failed", "room", c.room, "error", err)
	}
}

func (c *Controller) switchRoom(room string) {
	if room == c.room {
		return
	}
	old := c.room
	c.room = room
	c.view.replace(room, nil)
	if c.State() != Connected {
		return
	}
	if old != "" {
		_ = c.send(mustEnvelope(domain.EventLeaveRoom, domain.RoomPayload{RoomID: old}, ""))
	}
	c.resync()
}

func (c *Controller) onFrame(env domain.Envelope) {
	switch env.Type {
	case domain.EventAuthError:
		// a rejected credential will not improve by redialing
		c.log.Warnw("credential rejected, giving up", "payload", string(env.Payload))
		c.teardown()
		c.setState(Disconnected)
	case domain.EventMessages:
		if env.RequestID != "" && env.RequestID == c.resyncID {
			var p domain.MessagesPayload
			if err := env.Decode(&p); err != nil {
				c.log.Warnw("bad history page", "error", err)
				break
			}
			c.view.replace(p.RoomID, p.Messages)
			c.replay(p.Messages)
		}
	case domain.EventError:
		if env.RequestID != "" && env.RequestID == c.resyncID {
			// no page is coming; keep the live view as it is
			c.log.Warnw("history request refused", "payload", string(env.Payload))
			c.resyncID = ""
			c.backlog = nil
		}
	case domain.EventMessage, domain.EventMessageEdited, domain.EventMessageDeleted, domain.EventMessageRead:
		var m domain.Message
		if err := env.Decode(&m); err != nil {
			c.log.Warnw("bad message event", "type", env.Type, "error", err)
			break
		}
		c.view.apply(env.Type, &m)
		if c.resyncID != "" {
			c.backlog = append(c.backlog, liveEvent{typ: env.Type, m: &m})
		}
	}
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(env)
	}
}

// replay folds the live events that raced the history page back into the
// freshly replaced view. The page is authoritative for its own window, so a
// new message older than its oldest entry is left out.
func (c *Controller) replay(page []*domain.Message) {
	var oldest time.Time
	if len(page) > 0 && page[0] != nil {
		oldest = page[0].Timestamp
	}
	for _, ev := range c.backlog {
		if ev.typ == domain.EventMessage && ev.m.Timestamp.Before(oldest) {
			continue
		}
		c.view.apply(ev.typ, ev.m)
	}
	c.backlog = nil
	c.resyncID = ""
}

// lost abandons the current link and schedules a redial.
func (c *Controller) lost() {
	c.teardown()
	c.bo.Reset()
	c.scheduleRetry()
}

func (c *Controller) scheduleRetry() {
	d := c.bo.NextBackOff()
	if d == backoff.Stop {
		c.log.Warnw("reconnect attempts exhausted")
		c.setState(Disconnected)
		return
	}
	c.setState(Reconnecting)
	gen := c.gen
	c.retry = time.AfterFunc(d, func() { c.post(retryEvent{gen: gen}) })
}

// teardown invalidates the current generation and closes its transport.
func (c *Controller) teardown() {
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
}

func (c *Controller) send(env domain.Envelope) error {
	if c.State() != Connected || c.transport == nil {
		return ErrNotConnected
	}
	return c.transport.Send(env)
}

func (c *Controller) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.log.Debugw("state", "state", s.String())
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

func mustEnvelope(typ string, payload any, requestID string) domain.Envelope {
	env, err := domain.NewEnvelope(typ, payload)
	if err != nil {
		// payloads here are plain structs that always marshal
		panic(err)
	}
	env.RequestID = requestID
	return env
}
