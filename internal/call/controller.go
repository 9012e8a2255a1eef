// Package call implements the call session state machine on top of a
// signaling channel, local capture devices and a peer connection. Coupling to
// the rest of callcore is via the Signaler, Devices and PeerFactory
// interfaces only.
package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/callcore/internal/metrics"
	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/storage"
	"github.com/petervdpas/callcore/internal/util"
)

// Deps are a Controller's collaborators. Signaler, Devices and Peers are
// required; the rest may be nil.
type Deps struct {
	Signaler Signaler
	Devices  Devices
	Peers    PeerFactory
	CallLog  CallLog
	Metrics  metrics.Collector

	// SelfID returns the local user id, used for call log records.
	SelfID func() string
}

// Controller owns at most one call. Every state change runs on a single
// event goroutine; public methods post work to it and wait for the result.
// Lifecycle callbacks and Subscribe events are delivered on a separate
// goroutine after the state change they describe, so they may call back into
// the Controller (except Close).
type Controller struct {
	deps      Deps
	inbox     *queue
	notify    *notifier
	closeOnce sync.Once

	// Owned by the inbox goroutine.
	opts         Options
	sess         *CallSession
	gen          uint64 // bumped whenever a session starts or is torn down
	media        *localMedia
	acquiring    bool // GetUserMedia in flight for sess
	requested    bool // outbound call_request sent
	accepted     bool // outbound call_accepted received
	started      bool // counted in metrics.CallStarted
	peer         Peer
	remoteDesc   bool
	pendingICE   []proto.ICECandidate
	pendingOffer *proto.SessionDescription
	remote       []RemoteTrack
	ringTimer    *time.Timer
	orphans      int                 // call_requests ended before call_initiated arrived, this connection
	ignored      map[string]struct{} // finished or orphaned server ids
	ignoredOrder []string
	connStatus   string

	snapMu sync.RWMutex
	snap   Snapshot
}

// New creates a controller and starts its event goroutine.
func New(d Deps, opts Options) *Controller {
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.SelfID == nil {
		d.SelfID = func() string { return "" }
	}
	c := &Controller{
		deps:       d,
		opts:       opts,
		inbox:      newQueue(),
		notify:     newNotifier(),
		ignored:    make(map[string]struct{}),
		connStatus: "disconnected",
	}
	if d.Signaler.Connected() {
		c.connStatus = "connected"
	}
	c.snap = Snapshot{State: StateIdle, ConnectionStatus: c.connStatus}
	go c.inbox.run()
	return c
}

// do runs fn on the event goroutine and waits for it.
func (c *Controller) do(fn func()) error {
	done := make(chan struct{})
	if !c.inbox.push(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	<-done
	return nil
}

// ── Registration & observation ───────────────────────────────────────────────

func (c *Controller) OnIncomingCall(fn func(CallSession)) {
	c.notify.mu.Lock()
	c.notify.onIncoming = append(c.notify.onIncoming, fn)
	c.notify.mu.Unlock()
}

func (c *Controller) OnCallAccepted(fn func(CallSession)) {
	c.notify.mu.Lock()
	c.notify.onAccepted = append(c.notify.onAccepted, fn)
	c.notify.mu.Unlock()
}

func (c *Controller) OnCallRejected(fn func(CallSession)) {
	c.notify.mu.Lock()
	c.notify.onRejected = append(c.notify.onRejected, fn)
	c.notify.mu.Unlock()
}

func (c *Controller) OnCallEnded(fn func(CallSession)) {
	c.notify.mu.Lock()
	c.notify.onEnded = append(c.notify.onEnded, fn)
	c.notify.mu.Unlock()
}

// Subscribe returns a channel of state and lifecycle events. Slow readers
// miss events rather than blocking the controller.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.notify.subscribe()
}

// Snapshot returns the state as of the last completed transition.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// SetOptions replaces the options used for the next call.
func (c *Controller) SetOptions(o Options) {
	_ = c.do(func() { c.opts = o })
}

// SetConnectionStatus records the signaling channel status for Snapshot.
// Once the channel drops, call_initiated replies to requests sent on the old
// connection can no longer arrive.
func (c *Controller) SetConnectionStatus(status string) {
	c.inbox.push(func() {
		if status != "connected" && c.orphans > 0 {
			log.Printf("CALL: signaling %s, forgetting %d unanswered call requests", status, c.orphans)
			c.orphans = 0
		}
		if c.connStatus == status {
			return
		}
		c.connStatus = status
		c.publish()
	})
}

// HandleMessage queues an inbound signaling frame. Frames are processed in
// the order HandleMessage is called.
func (c *Controller) HandleMessage(msg proto.Message) {
	c.inbox.push(func() { c.handleMessage(msg) })
}

// Close ends any call in progress, waits for queued work and callbacks to
// finish and stops the controller.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		_ = c.do(func() {
			if c.sess != nil {
				c.endLocked()
			}
		})
		c.inbox.close()
		<-c.inbox.done
		c.notify.close()
	})
	return nil
}

// ── Public operations ────────────────────────────────────────────────────────

// StartCall calls otherUserID. It requires an idle controller and a connected
// signaling channel, acquires local media, then sends call_request.
func (c *Controller) StartCall(ctx context.Context, otherUserID string, t proto.CallType) error {
	if !t.Valid() {
		return fmt.Errorf("invalid call type %q", t)
	}
	other, err := util.ValidateUserID(otherUserID)
	if err != nil {
		return err
	}

	var gen uint64
	var res error
	if err := c.do(func() {
		switch {
		case c.sess != nil:
			res = ErrNotIdle
		case !c.deps.Signaler.Connected():
			res = ErrNotConnected
		default:
			now := time.Now()
			c.gen++
			gen = c.gen
			c.sess = &CallSession{
				CallID:      tempCallID(now),
				CallType:    t,
				Status:      StatusCalling,
				OtherUserID: other,
				Direction:   Outbound,
				StartTime:   now,
			}
			c.acquiring = true
			log.Printf("CALL [%s]: calling %s (%s)", c.sess.CallID, other, t)
			c.publish()
		}
	}); err != nil {
		return err
	}
	if res != nil {
		return res
	}

	cons := constraintsFor(t)
	stream, merr := c.deps.Devices.GetUserMedia(ctx, cons)

	if err := c.do(func() {
		live := gen == c.gen && c.sess != nil
		if merr != nil {
			res = &MediaAccessError{Constraints: cons, Err: merr}
			c.deps.Metrics.MediaError(cons.String())
			if live {
				log.Printf("CALL [%s]: %v", c.sess.CallID, res)
				c.discardLocked()
			}
			return
		}
		if !live {
			log.Printf("CALL: call ended while acquiring media, releasing stream %s", stream.ID())
			newLocalMedia(stream).release()
			res = ErrCanceled
			return
		}

		c.acquiring = false
		c.media = newLocalMedia(stream)
		if err := c.send(proto.CallRequest(other, t)); err != nil {
			res = fmt.Errorf("%w: %v", ErrNotConnected, err)
			c.discardLocked()
			return
		}
		c.requested = true
		c.started = true
		c.deps.Metrics.CallStarted(string(Outbound), string(t))
		c.armRingTimer()
		c.publish()
	}); err != nil {
		if merr == nil {
			stream.Stop()
		}
		return err
	}
	return res
}

// AcceptCall answers the pending inbound call: acquires local media, creates
// the peer connection and sends call_response(accept). It is a no-op when no
// inbound call is ringing. If media cannot be acquired the call is rejected
// and a *MediaAccessError returned.
func (c *Controller) AcceptCall(ctx context.Context) error {
	var gen uint64
	var t proto.CallType
	ringing := false
	if err := c.do(func() {
		if c.sess == nil || c.sess.Direction != Inbound || c.sess.Status != StatusCalling ||
			c.acquiring || c.peer != nil {
			return
		}
		ringing = true
		gen = c.gen
		t = c.sess.CallType
		c.acquiring = true
		c.stopRingTimer()
		log.Printf("CALL [%s]: accepting call from %s", c.sess.CallID, c.sess.OtherUserID)
	}); err != nil {
		return err
	}
	if !ringing {
		return nil
	}

	cons := constraintsFor(t)
	stream, merr := c.deps.Devices.GetUserMedia(ctx, cons)

	var res error
	if err := c.do(func() {
		live := gen == c.gen && c.sess != nil
		if merr != nil {
			res = &MediaAccessError{Constraints: cons, Err: merr}
			c.deps.Metrics.MediaError(cons.String())
			if live {
				log.Printf("CALL [%s]: %v, rejecting", c.sess.CallID, res)
				c.rejectLocked()
			}
			return
		}
		if !live {
			log.Printf("CALL: call ended while acquiring media, releasing stream %s", stream.ID())
			newLocalMedia(stream).release()
			res = ErrCanceled
			return
		}

		c.acquiring = false
		c.media = newLocalMedia(stream)
		if err := c.startPeerLocked(); err != nil {
			res = err
			log.Printf("CALL [%s]: %v, rejecting", c.sess.CallID, err)
			c.deps.Metrics.NegotiationError(err.Stage)
			c.rejectLocked()
			return
		}
		c.send(proto.CallResponse(c.sess.CallID, proto.ActionAccept))
		c.publish()

		if c.pendingOffer != nil {
			offer := *c.pendingOffer
			c.pendingOffer = nil
			c.applyOfferLocked(offer)
		}
	}); err != nil {
		if merr == nil {
			stream.Stop()
		}
		return err
	}
	return res
}

// RejectCall declines the pending inbound call. No-op otherwise.
func (c *Controller) RejectCall() {
	_ = c.do(func() {
		if c.sess == nil || c.sess.Direction != Inbound || c.sess.Status != StatusCalling {
			return
		}
		log.Printf("CALL [%s]: rejecting call from %s", c.sess.CallID, c.sess.OtherUserID)
		c.rejectLocked()
	})
}

// EndCall hangs up. Idempotent: a no-op when no call exists.
func (c *Controller) EndCall() {
	_ = c.do(func() {
		if c.sess == nil {
			return
		}
		log.Printf("CALL [%s]: hanging up", c.sess.CallID)
		c.endLocked()
	})
}

// ToggleAudio flips the local microphone track. Returns the new muted state
// (true = muted); false when there is no local audio track.
func (c *Controller) ToggleAudio() bool {
	return c.toggle(KindAudio)
}

// ToggleVideo flips the local camera track. Returns the new disabled state
// (true = off); false when there is no local video track or the call is
// audio-only.
func (c *Controller) ToggleVideo() bool {
	return c.toggle(KindVideo)
}

func (c *Controller) toggle(kind TrackKind) bool {
	off := false
	_ = c.do(func() {
		if c.media == nil || c.sess == nil {
			return
		}
		if kind == KindVideo && c.sess.CallType != proto.CallVideo {
			return
		}
		t := c.media.firstTrack(kind)
		if t == nil {
			return
		}
		t.SetEnabled(!t.Enabled())
		off = !t.Enabled()
		log.Printf("CALL [%s]: %s off=%v", c.sess.CallID, kind, off)
		c.publish()
	})
	return off
}

// ── Event-goroutine helpers ──────────────────────────────────────────────────

func (c *Controller) send(msg proto.Message) error {
	err := c.deps.Signaler.Send(msg)
	if err != nil {
		log.Printf("CALL [%s]: send %s: %v", msg.CallID, msg.Type, err)
	}
	return err
}

// startPeerLocked creates the peer connection for the current session and
// attaches the local stream.
func (c *Controller) startPeerLocked() *NegotiationError {
	gen := c.gen
	guard := func(fn func()) {
		c.inbox.push(func() {
			if gen == c.gen && c.sess != nil {
				fn()
			}
		})
	}

	p, err := c.deps.Peers.NewPeer(c.opts.ICEServers, PeerEvents{
		OnICECandidate: func(cand proto.ICECandidate) {
			guard(func() { c.send(proto.Candidate(c.sess.CallID, cand)) })
		},
		OnTrack: func(t RemoteTrack) {
			guard(func() { c.onRemoteTrack(t) })
		},
		OnStateChange: func(s PeerState) {
			guard(func() { c.onPeerState(s) })
		},
	})
	if err != nil {
		return &NegotiationError{Stage: "peer", Err: err}
	}
	c.peer = p

	if c.media != nil {
		if err := p.AddStream(c.media.stream); err != nil {
			return &NegotiationError{Stage: "add_stream", Err: err}
		}
	}
	return nil
}

func (c *Controller) armRingTimer() {
	if c.opts.RingTimeout <= 0 {
		return
	}
	gen := c.gen
	c.ringTimer = time.AfterFunc(c.opts.RingTimeout, func() {
		c.inbox.push(func() {
			if gen != c.gen || c.sess == nil || c.sess.Status != StatusCalling {
				return
			}
			switch {
			case c.sess.Direction == Outbound && !c.accepted:
				log.Printf("CALL [%s]: no answer after %s, ending", c.sess.CallID, c.opts.RingTimeout)
				c.endLocked()
			case c.sess.Direction == Inbound && !c.acquiring && c.peer == nil:
				log.Printf("CALL [%s]: not answered after %s, rejecting", c.sess.CallID, c.opts.RingTimeout)
				c.rejectLocked()
			}
		})
	})
}

func (c *Controller) stopRingTimer() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

// endLocked hangs up the current call, telling the other side when the server
// knows the call.
func (c *Controller) endLocked() {
	switch {
	case !c.sess.Temporary():
		c.send(proto.EndCall(c.sess.CallID))
	case c.requested:
		// The server id arrives later with call_initiated; end it then.
		c.orphans++
	}
	c.finishLocked(StatusEnded, EventEnded)
}

func (c *Controller) rejectLocked() {
	c.send(proto.CallResponse(c.sess.CallID, proto.ActionReject))
	c.finishLocked(StatusRejected, "")
}

// failLocked ends the call after a negotiation or transport failure.
func (c *Controller) failLocked(err *NegotiationError) {
	log.Printf("CALL [%s]: %v, ending call", c.sess.CallID, err)
	c.deps.Metrics.NegotiationError(err.Stage)
	c.endLocked()
}

// finishLocked moves the session to a terminal status, publishes it, releases
// every resource and returns to idle. ev, if set, is delivered afterwards.
func (c *Controller) finishLocked(status Status, ev EventKind) {
	c.sess.Status = status
	c.sess.EndTime = time.Now()
	final := *c.sess
	c.publish()

	started := c.started
	c.releaseLocked()
	c.sess = nil
	c.publish()

	if !final.Temporary() {
		c.ignore(final.CallID)
	}

	dur := final.EndTime.Sub(final.StartTime)
	log.Printf("CALL [%s]: %s (%s, %s, %s)", final.CallID, status, final.Direction, final.OtherUserID, dur.Round(time.Millisecond))
	if started {
		c.deps.Metrics.CallFinished(string(final.Direction), string(final.CallType), string(status), dur)
	}
	c.saveLocked(final)

	if ev != "" {
		c.notify.emit(Event{Kind: ev, Snapshot: c.Snapshot(), Call: &final})
	}
}

// discardLocked drops a session that never got going, without terminal
// callbacks or a call log record.
func (c *Controller) discardLocked() {
	c.releaseLocked()
	c.sess = nil
	c.publish()
}

// releaseLocked stops local tracks, closes the peer connection and clears
// per-call state. Pending timers and peer events become stale.
func (c *Controller) releaseLocked() {
	c.gen++
	c.stopRingTimer()
	if c.media != nil {
		c.media.release()
		c.media = nil
	}
	if c.peer != nil {
		if err := c.peer.Close(); err != nil {
			log.Printf("CALL: peer close: %v", err)
		}
		c.peer = nil
	}
	c.remoteDesc = false
	c.pendingICE = nil
	c.pendingOffer = nil
	c.remote = nil
	c.acquiring = false
	c.requested = false
	c.accepted = false
	c.started = false
}

func (c *Controller) saveLocked(s CallSession) {
	if c.deps.CallLog == nil {
		return
	}
	self := c.deps.SelfID()
	rec := storage.CallRecord{
		CallID:    s.CallID,
		CallerID:  self,
		CalleeID:  s.OtherUserID,
		CallType:  string(s.CallType),
		Status:    string(s.Status),
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
	}
	if s.Direction == Inbound {
		rec.CallerID, rec.CalleeID = s.OtherUserID, self
	}
	if err := c.deps.CallLog.SaveCall(rec); err != nil {
		log.Printf("CALL [%s]: %v", s.CallID, err)
	}
}

// publish stores a fresh snapshot and queues it for subscribers.
func (c *Controller) publish() {
	s := Snapshot{State: StateIdle, ConnectionStatus: c.connStatus}
	if c.sess != nil {
		cs := *c.sess
		s.Call = &cs
		s.State = State(cs.Status)
	}
	if c.media != nil {
		s.Local = c.media.info()
		if t := c.media.firstTrack(KindAudio); t != nil {
			s.AudioMuted = !t.Enabled()
		}
		if t := c.media.firstTrack(KindVideo); t != nil {
			s.VideoOff = !t.Enabled()
		}
	}
	if len(c.remote) > 0 {
		s.Remote = &StreamInfo{ID: c.remote[0].StreamID}
		for _, t := range c.remote {
			s.Remote.Tracks = append(s.Remote.Tracks, TrackInfo{ID: t.ID, Kind: t.Kind, Enabled: true})
		}
	}

	c.snapMu.Lock()
	c.snap = s
	c.snapMu.Unlock()
	c.notify.emit(Event{Kind: EventState, Snapshot: s})
}
