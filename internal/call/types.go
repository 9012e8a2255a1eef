package call

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/storage"
)

// Signaler is the only surface the call package needs from the signaling
// layer. *signaling.Channel satisfies it; inbound frames are fed to
// Controller.HandleMessage by the caller that wires the two together.
type Signaler interface {
	Send(msg proto.Message) error
	Connected() bool
}

// CallLog persists finished calls. *storage.DB satisfies it.
type CallLog interface {
	SaveCall(storage.CallRecord) error
}

// State is the controller's externally visible state.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateConnected State = "connected"
	StateEnded     State = "ended"
	StateRejected  State = "rejected"
)

// Status is the status of a CallSession.
type Status string

const (
	StatusCalling   Status = "calling"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
	StatusRejected  Status = "rejected"
)

type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// CallSession is the record of the one call a controller tracks.
type CallSession struct {
	CallID      string         `json:"call_id"`
	CallType    proto.CallType `json:"call_type"`
	Status      Status         `json:"status"`
	OtherUserID string         `json:"other_user_id"`
	Direction   Direction      `json:"direction"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time,omitzero"`
}

const tempPrefix = "temp_"

func tempCallID(now time.Time) string {
	return fmt.Sprintf("%s%d", tempPrefix, now.UnixMilli())
}

// Temporary reports whether the call id is a client placeholder that the
// server has not replaced yet.
func (s CallSession) Temporary() bool {
	return strings.HasPrefix(s.CallID, tempPrefix)
}

// TrackInfo describes one media track for rendering.
type TrackInfo struct {
	ID      string    `json:"id"`
	Kind    TrackKind `json:"kind"`
	Enabled bool      `json:"enabled"`
}

// StreamInfo is a read-only view of a local or remote stream.
type StreamInfo struct {
	ID     string      `json:"id"`
	Tracks []TrackInfo `json:"tracks"`
}

// Snapshot is the observable state handed to the presentation layer.
type Snapshot struct {
	State            State        `json:"state"`
	Call             *CallSession `json:"call,omitempty"`
	Local            *StreamInfo  `json:"local_stream,omitempty"`
	Remote           *StreamInfo  `json:"remote_stream,omitempty"`
	AudioMuted       bool         `json:"audio_muted"`
	VideoOff         bool         `json:"video_off"`
	ConnectionStatus string       `json:"connection_status"`
}

// EventKind labels an Event delivered to subscribers.
type EventKind string

const (
	EventState    EventKind = "state"
	EventIncoming EventKind = "incoming"
	EventAccepted EventKind = "accepted"
	EventRejected EventKind = "rejected"
	EventEnded    EventKind = "ended"
)

// Event is delivered to Subscribe listeners: every state change as
// EventState, plus one event per lifecycle callback.
type Event struct {
	Kind     EventKind    `json:"kind"`
	Snapshot Snapshot     `json:"snapshot"`
	Call     *CallSession `json:"call,omitempty"`
}

// ICEServer is one STUN/TURN server entry.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Options are applied to the next call the controller starts or receives.
type Options struct {
	ICEServers []ICEServer

	// RingTimeout ends an unanswered outbound call or rejects an unanswered
	// inbound one. 0 disables it.
	RingTimeout time.Duration
}

var (
	ErrNotIdle      = errors.New("a call is already in progress")
	ErrNotConnected = errors.New("signaling channel not connected")
	ErrCanceled     = errors.New("call ended before media was ready")
	ErrClosed       = errors.New("call controller closed")
)

// MediaAccessError reports that local capture devices could not be opened.
type MediaAccessError struct {
	Constraints Constraints
	Err         error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media access (%s): %v", e.Constraints, e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// NegotiationError reports a failed SDP or ICE step.
type NegotiationError struct {
	Stage string // create_offer, create_answer, set_remote, add_candidate, peer
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
