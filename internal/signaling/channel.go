// Package signaling carries call signaling frames over websockets: Channel is
// the per-user client connection, Relay is a server that routes frames
// between connected users.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/callcore/internal/metrics"
	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/util"
)

// Status is the health of a Channel as shown to the user.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

const (
	writeWait      = util.DefaultWriteTimeout
	maxMessageSize = 1 << 20 // SDP blobs with many candidates can get large
)

// ErrNotConnected is returned by Send when no connection is open. The frame
// has been dropped; callers usually ignore it since Status already says so.
var ErrNotConnected = errors.New("signaling channel not connected")

// Options configures a Channel.
type Options struct {
	// URL is the base websocket URL; the escaped user id is appended.
	URL string

	// PingInterval > 0 enables websocket keepalive pings. The read deadline
	// is twice the interval, extended on every pong.
	PingInterval time.Duration

	// Reconnect re-dials with exponential backoff after an established
	// connection drops.
	Reconnect  bool
	BackoffMin time.Duration
	BackoffMax time.Duration

	Dialer  *websocket.Dialer
	Metrics metrics.Collector
}

// session is one Connect call's lifetime: it outlives individual websocket
// connections when Reconnect is on.
type session struct {
	userID string
	stop   chan struct{}
}

// Channel is a SignalingChannel: one websocket to the signaling server per
// local user id. All methods are safe for concurrent use.
type Channel struct {
	opts Options

	mu        sync.Mutex
	sess      *session
	conn      *websocket.Conn
	status    Status
	handlers  []func(proto.Message)
	statusFns []func(Status)

	writeMu sync.Mutex
}

// NewChannel creates a disconnected channel.
func NewChannel(opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: util.DefaultDialTimeout}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 500 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = 30 * time.Second
	}
	return &Channel{opts: opts, status: StatusDisconnected}
}

// OnMessage registers a handler invoked once per received frame, in arrival
// order, from the channel's read goroutine. Handlers must not block for long.
func (c *Channel) OnMessage(fn func(proto.Message)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// OnStatus registers a handler invoked on every status change.
func (c *Channel) OnStatus(fn func(Status)) {
	c.mu.Lock()
	c.statusFns = append(c.statusFns, fn)
	c.mu.Unlock()
}

func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// UserID returns the user id of the current session, "" when none.
func (c *Channel) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.userID
}

func (c *Channel) Connected() bool {
	return c.Status() == StatusConnected
}

// Connect opens the channel for userID. It is a no-op while a session for the
// same id is open or being established. A session for a different id is
// closed first.
func (c *Channel) Connect(ctx context.Context, userID string) error {
	id, err := util.ValidateUserID(userID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.sess != nil && c.sess.userID == id {
		c.mu.Unlock()
		return nil
	}
	old := c.teardownLocked()
	sess := &session{userID: id, stop: make(chan struct{})}
	c.sess = sess
	notify := c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	if old != nil {
		log.Printf("SIGNAL: switching user %s -> %s", old.userID, id)
	}
	notify()

	conn, err := c.dial(ctx, id)
	if err != nil {
		c.mu.Lock()
		var notify func()
		if c.sess == sess {
			c.sess = nil
			notify = c.setStatusLocked(StatusDisconnected)
		}
		c.mu.Unlock()
		if notify != nil {
			notify()
		}
		return err
	}

	if !c.install(sess, conn) {
		conn.Close()
		return fmt.Errorf("signaling session for %s closed while connecting", id)
	}
	return nil
}

// Close closes the connection and ends the session. Further Sends fail with
// ErrNotConnected until the next Connect.
func (c *Channel) Close() error {
	c.mu.Lock()
	old := c.teardownLocked()
	notify := c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()
	notify()
	if old != nil {
		log.Printf("SIGNAL: closed channel for %s", old.userID)
		c.opts.Metrics.SignalingDisconnected()
	}
	return nil
}

// Send writes one frame. When the channel is not open the frame is dropped,
// logged and ErrNotConnected is returned.
func (c *Channel) Send(msg proto.Message) error {
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		log.Printf("SIGNAL: not connected, dropping %s (call %s)", msg.Type, msg.CallID)
		c.opts.Metrics.MessageDropped(string(msg.Type), "not_connected")
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("SIGNAL: write %s failed: %v", msg.Type, err)
		c.opts.Metrics.MessageDropped(string(msg.Type), "write_error")
		// The read loop sees the broken connection and updates status.
		conn.Close()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	c.opts.Metrics.MessageSent(string(msg.Type), len(data))
	return nil
}

func (c *Channel) endpoint(userID string) string {
	return strings.TrimRight(c.opts.URL, "/") + "/" + url.PathEscape(userID)
}

func (c *Channel) dial(ctx context.Context, userID string) (*websocket.Conn, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.endpoint(userID), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// install makes conn the live connection of sess and starts its pumps.
// It returns false if sess was closed or replaced meanwhile.
func (c *Channel) install(sess *session, conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	notify := c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	log.Printf("SIGNAL: connected as %s", sess.userID)
	c.opts.Metrics.SignalingConnected()
	notify()

	done := make(chan struct{})
	go c.readLoop(sess, conn, done)
	if c.opts.PingInterval > 0 {
		go c.pingLoop(conn, done)
	}
	return true
}

// teardownLocked stops the current session and closes its connection.
func (c *Channel) teardownLocked() *session {
	old := c.sess
	if old != nil {
		close(old.stop)
		c.sess = nil
	}
	if c.conn != nil {
		conn := c.conn
		c.conn = nil
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	return old
}

// setStatusLocked records s and returns a func that notifies the status
// handlers; call it after releasing c.mu.
func (c *Channel) setStatusLocked(s Status) func() {
	if c.status == s {
		return func() {}
	}
	c.status = s
	fns := append([]func(Status){}, c.statusFns...)
	return func() {
		for _, fn := range fns {
			fn(s)
		}
	}
}

func (c *Channel) readLoop(sess *session, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	if c.opts.PingInterval > 0 {
		wait := 2 * c.opts.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("SIGNAL: unexpected close for %s: %v", sess.userID, err)
			}
			break
		}

		msg, err := proto.Decode(raw)
		if err != nil {
			log.Printf("SIGNAL: invalid frame from server: %v", err)
			c.opts.Metrics.MessageDropped("unknown", "decode_error")
			continue
		}
		c.opts.Metrics.MessageReceived(string(msg.Type), len(raw))

		c.mu.Lock()
		handlers := c.handlers
		c.mu.Unlock()
		for _, h := range handlers {
			h(msg)
		}
	}

	conn.Close()
	c.connLost(sess, conn)
}

func (c *Channel) pingLoop(conn *websocket.Conn, done chan struct{}) {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// connLost runs when conn's read loop ends.
func (c *Channel) connLost(sess *session, conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		// Closed or replaced by Close/Connect; they own the status.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	notify := c.setStatusLocked(StatusDisconnected)
	redial := c.sess == sess && c.opts.Reconnect
	if c.sess == sess && !redial {
		c.sess = nil
	}
	c.mu.Unlock()

	log.Printf("SIGNAL: disconnected (%s)", sess.userID)
	c.opts.Metrics.SignalingDisconnected()
	notify()

	if redial {
		go c.redial(sess)
	}
}

// redial reconnects sess with exponential backoff until it succeeds or the
// session is stopped.
func (c *Channel) redial(sess *session) {
	backoff := c.opts.BackoffMin
	for attempt := 1; ; attempt++ {
		select {
		case <-sess.stop:
			return
		case <-time.After(backoff):
		}

		c.mu.Lock()
		if c.sess != sess {
			c.mu.Unlock()
			return
		}
		notify := c.setStatusLocked(StatusConnecting)
		c.mu.Unlock()
		notify()

		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultDialTimeout)
		conn, err := c.dial(ctx, sess.userID)
		cancel()
		if err == nil {
			if !c.install(sess, conn) {
				conn.Close()
			}
			return
		}

		log.Printf("SIGNAL: reconnect attempt %d failed: %v", attempt, err)
		c.mu.Lock()
		if c.sess == sess {
			notify = c.setStatusLocked(StatusDisconnected)
		} else {
			notify = func() {}
		}
		c.mu.Unlock()
		notify()

		backoff *= 2
		if backoff > c.opts.BackoffMax {
			backoff = c.opts.BackoffMax
		}
	}
}
