package signaling

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/callcore/internal/metrics"
	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/storage"
	"github.com/petervdpas/callcore/internal/util"
)

const (
	relayPongWait   = 90 * time.Second
	relayPingPeriod = relayPongWait * 9 / 10
	sendBufferSize  = 256
)

// CallLog persists finished calls. *storage.DB implements it.
type CallLog interface {
	SaveCall(storage.CallRecord) error
}

// ActiveCall describes a relay session from one participant's side.
type ActiveCall struct {
	CallID      string         `json:"call_id"`
	CallType    proto.CallType `json:"call_type"`
	Status      string         `json:"status"`
	OtherUserID string         `json:"other_user_id"`
}

type relayCall struct {
	id       string
	caller   string
	callee   string
	callType proto.CallType
	status   string // calling | connected
	start    time.Time
}

func (rc *relayCall) other(userID string) (string, bool) {
	switch userID {
	case rc.caller:
		return rc.callee, true
	case rc.callee:
		return rc.caller, true
	}
	return "", false
}

type relayClient struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

func (rc *relayClient) close() {
	rc.once.Do(func() { close(rc.send) })
}

// Relay is a signaling server: it accepts one websocket per user at
// <prefix>/<user id> and routes call frames between participants.
type Relay struct {
	prefix   string
	upgrader websocket.Upgrader
	calllog  CallLog
	metrics  metrics.Collector

	mu      sync.Mutex
	clients map[string]*relayClient
	calls   map[string]*relayCall
	byUser  map[string]string // user id -> call id
}

// NewRelay creates a relay serving websockets under prefix. calllog may be nil.
func NewRelay(prefix string, calllog CallLog, m metrics.Collector) *Relay {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Relay{
		prefix: strings.TrimRight(prefix, "/"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		calllog: calllog,
		metrics: m,
		clients: make(map[string]*relayClient),
		calls:   make(map[string]*relayCall),
		byUser:  make(map[string]string),
	}
}

// ServeHTTP upgrades <prefix>/<user id> requests to a signaling websocket.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rest, ok := strings.CutPrefix(req.URL.Path, r.prefix+"/")
	if !ok {
		http.NotFound(w, req)
		return
	}
	userID, err := util.ValidateUserID(rest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("RELAY: upgrade failed for %s: %v", userID, err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &relayClient{userID: userID, conn: conn, send: make(chan []byte, sendBufferSize)}

	r.mu.Lock()
	prev := r.clients[userID]
	r.clients[userID] = c
	r.mu.Unlock()
	if prev != nil {
		// Newest connection wins; the old read loop exits on close.
		prev.conn.Close()
	}

	log.Printf("RELAY: %s connected", userID)
	r.metrics.RelayClientConnected()

	go r.writePump(c)
	r.readPump(c)
}

// ActiveCall returns userID's session if it is calling or connected.
func (r *Relay) ActiveCall(userID string) (ActiveCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.calls[r.byUser[userID]]
	if !ok {
		return ActiveCall{}, false
	}
	other, _ := rc.other(userID)
	return ActiveCall{CallID: rc.id, CallType: rc.callType, Status: rc.status, OtherUserID: other}, true
}

// Online reports whether userID has a connected websocket.
func (r *Relay) Online(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[userID]
	return ok
}

func (r *Relay) readPump(c *relayClient) {
	defer r.disconnect(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("RELAY: unexpected close for %s: %v", c.userID, err)
			}
			return
		}
		// Any frame counts as liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(relayPongWait))

		msg, err := proto.Decode(raw)
		if err != nil {
			log.Printf("RELAY: invalid frame from %s: %v", c.userID, err)
			r.metrics.MessageDropped("unknown", "decode_error")
			continue
		}
		r.metrics.MessageReceived(string(msg.Type), len(raw))
		r.route(c.userID, msg)
	}
}

func (r *Relay) writePump(c *relayClient) {
	t := time.NewTicker(relayPingPeriod)
	defer func() {
		t.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (r *Relay) route(from string, msg proto.Message) {
	r.mu.Lock()
	var finished *relayCall
	switch msg.Type {
	case proto.TypeCallRequest:
		r.handleCallRequestLocked(from, msg)

	case proto.TypeCallResponse:
		rc := r.calls[msg.CallID]
		if rc == nil || rc.callee != from {
			log.Printf("RELAY: call_response for unknown call %s from %s", msg.CallID, from)
			break
		}
		if msg.Action == proto.ActionAccept {
			rc.status = "connected"
			r.sendLocked(rc.caller, proto.CallAccepted(rc.id))
		} else {
			rc.status = "rejected"
			r.sendLocked(rc.caller, proto.CallRejected(rc.id))
			finished = r.removeLocked(rc)
		}

	case proto.TypeOffer, proto.TypeAnswer, proto.TypeICECandidate:
		rc := r.calls[msg.CallID]
		if rc == nil {
			log.Printf("RELAY: %s for unknown call %s from %s", msg.Type, msg.CallID, from)
			r.metrics.MessageDropped(string(msg.Type), "unknown_call")
			break
		}
		to, ok := rc.other(from)
		if !ok {
			log.Printf("RELAY: %s from non-participant %s on call %s", msg.Type, from, rc.id)
			r.metrics.MessageDropped(string(msg.Type), "not_participant")
			break
		}
		fwd := msg
		fwd.CalleeID, fwd.CallerID = "", ""
		r.sendLocked(to, fwd)

	case proto.TypeEndCall:
		rc := r.calls[msg.CallID]
		if rc == nil {
			break
		}
		to, ok := rc.other(from)
		if !ok {
			break
		}
		rc.status = "ended"
		r.sendLocked(to, proto.CallEnded(rc.id))
		finished = r.removeLocked(rc)

	default:
		log.Printf("RELAY: ignoring %s from %s", msg.Type, from)
	}
	r.mu.Unlock()

	if finished != nil {
		r.saveCall(finished)
	}
}

func (r *Relay) handleCallRequestLocked(from string, msg proto.Message) {
	rc := &relayCall{
		id:       uuid.NewString(),
		caller:   from,
		callee:   msg.CalleeID,
		callType: msg.CallType,
		status:   "calling",
		start:    time.Now(),
	}

	// The caller always learns the id first so later frames can be matched.
	r.sendLocked(from, proto.CallInitiated(rc.id))

	_, online := r.clients[rc.callee]
	_, callerBusy := r.byUser[from]
	_, calleeBusy := r.byUser[rc.callee]
	if !online || callerBusy || calleeBusy || rc.callee == from {
		log.Printf("RELAY: rejecting call %s -> %s (online=%v busy=%v)", from, rc.callee, online, callerBusy || calleeBusy)
		r.sendLocked(from, proto.CallRejected(rc.id))
		return
	}

	r.calls[rc.id] = rc
	r.byUser[rc.caller] = rc.id
	r.byUser[rc.callee] = rc.id
	r.metrics.RelaySessionOpened()
	log.Printf("RELAY: call %s %s -> %s (%s)", rc.id, rc.caller, rc.callee, rc.callType)

	r.sendLocked(rc.callee, proto.IncomingCall(rc.id, from, rc.callType))
}

// removeLocked forgets rc and returns it for logging.
func (r *Relay) removeLocked(rc *relayCall) *relayCall {
	delete(r.calls, rc.id)
	if r.byUser[rc.caller] == rc.id {
		delete(r.byUser, rc.caller)
	}
	if r.byUser[rc.callee] == rc.id {
		delete(r.byUser, rc.callee)
	}
	r.metrics.RelaySessionClosed(rc.status)
	return rc
}

// sendLocked queues msg for userID. Slow clients are disconnected.
func (r *Relay) sendLocked(userID string, msg proto.Message) {
	c := r.clients[userID]
	if c == nil {
		r.metrics.MessageDropped(string(msg.Type), "offline")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("RELAY: marshal %s: %v", msg.Type, err)
		return
	}
	select {
	case c.send <- data:
		r.metrics.MessageSent(string(msg.Type), len(data))
	default:
		log.Printf("RELAY: send buffer full for %s, dropping connection", userID)
		c.conn.Close()
	}
}

func (r *Relay) disconnect(c *relayClient) {
	r.mu.Lock()
	if r.clients[c.userID] != c {
		// Replaced by a newer connection for the same user.
		r.mu.Unlock()
		c.close()
		r.metrics.RelayClientDisconnected()
		return
	}
	delete(r.clients, c.userID)

	var finished *relayCall
	if rc := r.calls[r.byUser[c.userID]]; rc != nil {
		rc.status = "ended"
		if to, ok := rc.other(c.userID); ok {
			r.sendLocked(to, proto.CallEnded(rc.id))
		}
		finished = r.removeLocked(rc)
	}
	r.mu.Unlock()

	c.close()
	log.Printf("RELAY: %s disconnected", c.userID)
	r.metrics.RelayClientDisconnected()
	if finished != nil {
		r.saveCall(finished)
	}
}

func (r *Relay) saveCall(rc *relayCall) {
	if r.calllog == nil {
		return
	}
	err := r.calllog.SaveCall(storage.CallRecord{
		CallID:    rc.id,
		CallerID:  rc.caller,
		CalleeID:  rc.callee,
		CallType:  string(rc.callType),
		Status:    rc.status,
		StartTime: rc.start,
		EndTime:   time.Now(),
	})
	if err != nil {
		log.Printf("RELAY: %v", err)
	}
}
