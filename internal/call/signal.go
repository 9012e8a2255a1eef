package call

import (
	"errors"
	"log"
	"time"

	"github.com/petervdpas/callcore/internal/proto"
)

var errPeerFailed = errors.New("peer connection failed")

// maxIgnored bounds the set of finished call ids whose late frames are dropped.
const maxIgnored = 64

// handleMessage dispatches one inbound signaling frame. Runs on the inbox
// goroutine.
func (c *Controller) handleMessage(msg proto.Message) {
	if _, ok := c.ignored[msg.CallID]; ok {
		return
	}

	switch msg.Type {
	case proto.TypeIncomingCall:
		c.onIncomingCall(msg)
	case proto.TypeCallInitiated:
		c.onCallInitiated(msg)
	case proto.TypeCallAccepted:
		c.onCallAccepted(msg)
	case proto.TypeCallRejected:
		c.onCallRejected(msg)
	case proto.TypeOffer:
		c.onOffer(msg)
	case proto.TypeAnswer:
		c.onAnswer(msg)
	case proto.TypeICECandidate:
		c.onRemoteCandidate(msg)
	case proto.TypeCallEnded:
		c.onCallEnded(msg)
	default:
		log.Printf("CALL: ignoring %s frame", msg.Type)
	}
}

// current reports whether callID is the tracked call's id.
func (c *Controller) current(callID string) bool {
	return c.sess != nil && callID != "" && c.sess.CallID == callID
}

// claims reports whether a call_initiated, call_accepted or call_rejected
// for callID answers the outbound call. While the call is on its placeholder
// id, the first server id answering its call_request is taken.
func (c *Controller) claims(callID string) bool {
	if c.sess == nil || c.sess.Direction != Outbound || callID == "" {
		return false
	}
	return c.sess.CallID == callID || (c.sess.Temporary() && c.requested)
}

// ignore drops later frames for callID, forgetting the oldest id once
// maxIgnored are held.
func (c *Controller) ignore(callID string) {
	if _, ok := c.ignored[callID]; ok || callID == "" {
		return
	}
	c.ignored[callID] = struct{}{}
	c.ignoredOrder = append(c.ignoredOrder, callID)
	if len(c.ignoredOrder) > maxIgnored {
		delete(c.ignored, c.ignoredOrder[0])
		c.ignoredOrder = c.ignoredOrder[1:]
	}
}

func (c *Controller) adopt(callID string) {
	if !c.sess.Temporary() || callID == "" || callID == c.sess.CallID {
		return
	}
	log.Printf("CALL [%s]: server assigned id %s", c.sess.CallID, callID)
	c.sess.CallID = callID
}

func (c *Controller) onIncomingCall(msg proto.Message) {
	if c.sess != nil {
		if c.sess.CallID == msg.CallID {
			return
		}
		log.Printf("CALL [%s]: busy, rejecting call %s from %s", c.sess.CallID, msg.CallID, msg.CallerID)
		c.send(proto.CallResponse(msg.CallID, proto.ActionReject))
		c.ignore(msg.CallID)
		return
	}

	now := time.Now()
	c.gen++
	c.sess = &CallSession{
		CallID:      msg.CallID,
		CallType:    msg.CallType,
		Status:      StatusCalling,
		OtherUserID: msg.CallerID,
		Direction:   Inbound,
		StartTime:   now,
	}
	c.started = true
	c.deps.Metrics.CallStarted(string(Inbound), string(msg.CallType))
	log.Printf("CALL [%s]: incoming %s call from %s", msg.CallID, msg.CallType, msg.CallerID)
	c.armRingTimer()
	c.publish()

	s := *c.sess
	c.notify.emit(Event{Kind: EventIncoming, Snapshot: c.Snapshot(), Call: &s})
}

func (c *Controller) onCallInitiated(msg proto.Message) {
	if c.orphans > 0 {
		// Answers a call_request that was hung up before the id arrived.
		c.orphans--
		c.ignore(msg.CallID)
		log.Printf("CALL [%s]: ending abandoned call", msg.CallID)
		c.send(proto.EndCall(msg.CallID))
		return
	}
	if !c.claims(msg.CallID) {
		return
	}
	c.adopt(msg.CallID)
	c.publish()
}

func (c *Controller) onCallAccepted(msg proto.Message) {
	if !c.claims(msg.CallID) || c.accepted {
		return
	}
	c.adopt(msg.CallID)
	c.accepted = true
	c.stopRingTimer()
	log.Printf("CALL [%s]: accepted by %s", c.sess.CallID, c.sess.OtherUserID)
	c.publish()

	s := *c.sess
	c.notify.emit(Event{Kind: EventAccepted, Snapshot: c.Snapshot(), Call: &s})

	if err := c.startPeerLocked(); err != nil {
		c.failLocked(err)
		return
	}
	sd, err := c.peer.CreateOffer()
	if err != nil {
		c.failLocked(&NegotiationError{Stage: "create_offer", Err: err})
		return
	}
	c.send(proto.Offer(c.sess.CallID, sd))
}

func (c *Controller) onCallRejected(msg proto.Message) {
	if !c.claims(msg.CallID) {
		return
	}
	c.adopt(msg.CallID)
	log.Printf("CALL [%s]: rejected by %s", c.sess.CallID, c.sess.OtherUserID)
	c.finishLocked(StatusRejected, EventRejected)
}

func (c *Controller) onCallEnded(msg proto.Message) {
	if !c.current(msg.CallID) {
		return
	}
	log.Printf("CALL [%s]: ended by %s", c.sess.CallID, c.sess.OtherUserID)
	c.finishLocked(StatusEnded, EventEnded)
}

func (c *Controller) onOffer(msg proto.Message) {
	if !c.current(msg.CallID) {
		return
	}
	if c.peer == nil {
		// Offer raced ahead of our own accept; apply it once the peer exists.
		offer := *msg.Offer
		c.pendingOffer = &offer
		log.Printf("CALL [%s]: holding offer until accepted", c.sess.CallID)
		return
	}
	c.applyOfferLocked(*msg.Offer)
}

func (c *Controller) applyOfferLocked(offer proto.SessionDescription) {
	if err := c.peer.SetRemoteDescription(offer); err != nil {
		c.failLocked(&NegotiationError{Stage: "set_remote", Err: err})
		return
	}
	c.remoteDesc = true
	c.flushCandidatesLocked()

	answer, err := c.peer.CreateAnswer()
	if err != nil {
		c.failLocked(&NegotiationError{Stage: "create_answer", Err: err})
		return
	}
	c.send(proto.Answer(c.sess.CallID, answer))
}

func (c *Controller) onAnswer(msg proto.Message) {
	if !c.current(msg.CallID) || c.peer == nil {
		return
	}
	if c.remoteDesc {
		log.Printf("CALL [%s]: duplicate answer ignored", c.sess.CallID)
		return
	}
	if err := c.peer.SetRemoteDescription(*msg.Answer); err != nil {
		c.failLocked(&NegotiationError{Stage: "set_remote", Err: err})
		return
	}
	c.remoteDesc = true
	c.flushCandidatesLocked()
}

// onRemoteCandidate applies a trickled candidate, buffering it until both the
// peer and the remote description exist. A bad candidate is not fatal.
func (c *Controller) onRemoteCandidate(msg proto.Message) {
	if !c.current(msg.CallID) {
		return
	}
	if c.peer == nil || !c.remoteDesc {
		c.pendingICE = append(c.pendingICE, *msg.Candidate)
		return
	}
	c.addCandidateLocked(*msg.Candidate)
}

func (c *Controller) flushCandidatesLocked() {
	pending := c.pendingICE
	c.pendingICE = nil
	for _, cand := range pending {
		c.addCandidateLocked(cand)
	}
}

func (c *Controller) addCandidateLocked(cand proto.ICECandidate) {
	if err := c.peer.AddICECandidate(cand); err != nil {
		log.Printf("CALL [%s]: add ICE candidate: %v", c.sess.CallID, err)
		c.deps.Metrics.NegotiationError("add_candidate")
	}
}

func (c *Controller) onRemoteTrack(t RemoteTrack) {
	c.remote = append(c.remote, t)
	if c.sess.Status == StatusCalling {
		c.sess.Status = StatusConnected
		log.Printf("CALL [%s]: connected to %s", c.sess.CallID, c.sess.OtherUserID)
	}
	c.publish()
}

func (c *Controller) onPeerState(s PeerState) {
	log.Printf("CALL [%s]: peer connection %s", c.sess.CallID, s)
	if s == PeerFailed {
		c.failLocked(&NegotiationError{Stage: "peer_failed", Err: errPeerFailed})
	}
}
