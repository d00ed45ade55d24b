package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
)

// Transport is one live link to the gateway.
type Transport interface {
	Send(env domain.Envelope) error
	Close() error
	// Alive reports whether the link still looks usable.
	Alive() bool
}

// Callbacks receive inbound frames and the single close notification of a
// transport. They may be called from any goroutine.
type Callbacks struct {
	OnFrame func(env domain.Envelope)
	OnClose func(err error)
}

type Dialer interface {
	Dial(ctx context.Context, cb Callbacks) (Transport, error)
}

// WSDialer dials the gateway websocket endpoint with a bearer token.
//
// ReadTimeout bounds how long the link may stay silent. The gateway pings
// well inside its pong wait, so any frame or ping refreshes it; a link that
// hears nothing for that long is closed and reported lost.
type WSDialer struct {
	URL           string
	Token         string
	WriteDeadline time.Duration
	ReadTimeout   time.Duration
	Dialer        *websocket.Dialer
}

func (d *WSDialer) Dial(ctx context.Context, cb Callbacks) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	t := &wsTransport{conn: conn, writeDeadline: d.WriteDeadline, readTimeout: d.ReadTimeout}
	if t.writeDeadline <= 0 {
		t.writeDeadline = 10 * time.Second
	}
	if t.readTimeout <= 0 {
		t.readTimeout = 60 * time.Second
	}
	t.alive.Store(true)
	t.heard()
	conn.SetPingHandler(func(data string) error {
		t.heard()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(t.writeDeadline))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		t.heard()
		return nil
	})
	go t.readPump(cb)
	return t, nil
}

type wsTransport struct {
	conn          *websocket.Conn
	writeDeadline time.Duration
	readTimeout   time.Duration
	writeMu       sync.Mutex
	alive         atomic.Bool
	lastHeard     atomic.Int64
	closeOnce     sync.Once
}

// heard records inbound traffic and pushes the read deadline out.
func (t *wsTransport) heard() {
	now := time.Now()
	t.lastHeard.Store(now.UnixNano())
	_ = t.conn.SetReadDeadline(now.Add(t.readTimeout))
}

// readPump forwards frames until the connection fails or stays silent past
// the read timeout.
func (t *wsTransport) readPump(cb Callbacks) {
	for {
		var env domain.Envelope
		if err := t.conn.ReadJSON(&env); err != nil {
			t.alive.Store(false)
			_ = t.Close()
			if cb.OnClose != nil {
				cb.OnClose(err)
			}
			return
		}
		t.heard()
		if cb.OnFrame != nil {
			cb.OnFrame(env)
		}
	}
}

func (t *wsTransport) Send(env domain.Envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeDeadline))
	if err := t.conn.WriteJSON(env); err != nil {
		t.alive.Store(false)
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.alive.Store(false)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// Alive is false once the link failed or has been silent for longer than the
// read timeout, even if the reader has not noticed yet.
func (t *wsTransport) Alive() bool {
	if !t.alive.Load() {
		return false
	}
	return time.Since(time.Unix(0, t.lastHeard.Load())) < t.readTimeout
}
