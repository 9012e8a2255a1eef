// Package proto defines the call signaling wire protocol: JSON frames with a
// "type" discriminator and a "call_id" correlation field.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the value of the "type" field of every signaling frame.
type Type string

// ── Frame types ───────────────────────────────────────────────────────────────
//
// Signaling sequence (server relays everything keyed by call_id):
//
//	caller                      server                      callee
//	──────────────────────────────────────────────────────────────────
//	call_request ─────────────►
//	             ◄───────────── call_initiated
//	                            incoming_call ─────────────►
//	                                          ◄───────────── call_response(accept)
//	             ◄───────────── call_accepted
//	offer ────────────────────────────────────────────────►
//	      ◄──────────────────────────────────────────────── answer
//	ice_candidate ◄──────────────────────────────────────► ice_candidate
//	end_call ─────────────────► call_ended ────────────────►
const (
	TypeCallRequest   Type = "call_request"   // caller → server: start a call
	TypeCallInitiated Type = "call_initiated" // server → caller: server-assigned call id
	TypeIncomingCall  Type = "incoming_call"  // server → callee: ring
	TypeCallResponse  Type = "call_response"  // callee → server: accept or reject
	TypeCallAccepted  Type = "call_accepted"  // server → caller
	TypeCallRejected  Type = "call_rejected"  // server → caller
	TypeOffer         Type = "offer"          // either → other: SDP offer
	TypeAnswer        Type = "answer"         // either → other: SDP answer
	TypeICECandidate  Type = "ice_candidate"  // either → other: trickle ICE
	TypeEndCall       Type = "end_call"       // either → server: hang up
	TypeCallEnded     Type = "call_ended"     // server → other party
)

// CallType selects which capture devices a call uses.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool { return t == CallAudio || t == CallVideo }

// Action is the callee's decision carried by call_response.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

// SessionDescription is the RTCSessionDescriptionInit shape (W3C WebRTC).
type SessionDescription struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// ICECandidate is the RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is one signaling frame. Which fields are set depends on Type;
// Validate enforces the per-type shape.
type Message struct {
	Type      Type                `json:"type"`
	CallID    string              `json:"call_id,omitempty"`
	CalleeID  string              `json:"callee_id,omitempty"`
	CallerID  string              `json:"caller_id,omitempty"`
	CallType  CallType            `json:"call_type,omitempty"`
	Action    Action              `json:"action,omitempty"`
	Status    string              `json:"status,omitempty"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
}

// ErrUnknownType is returned by Validate and Decode for unrecognized frames.
var ErrUnknownType = errors.New("unknown message type")

// Validate checks that the fields required by m.Type are present.
func (m Message) Validate() error {
	need := func(ok bool, field string) error {
		if !ok {
			return fmt.Errorf("%s: missing %s", m.Type, field)
		}
		return nil
	}

	switch m.Type {
	case TypeCallRequest:
		if err := need(m.CalleeID != "", "callee_id"); err != nil {
			return err
		}
		return need(m.CallType.Valid(), "call_type")
	case TypeIncomingCall:
		if err := need(m.CallID != "", "call_id"); err != nil {
			return err
		}
		if err := need(m.CallerID != "", "caller_id"); err != nil {
			return err
		}
		return need(m.CallType.Valid(), "call_type")
	case TypeCallResponse:
		if err := need(m.CallID != "", "call_id"); err != nil {
			return err
		}
		return need(m.Action == ActionAccept || m.Action == ActionReject, "action")
	case TypeOffer:
		if err := need(m.CallID != "", "call_id"); err != nil {
			return err
		}
		return need(m.Offer != nil && m.Offer.SDP != "", "offer")
	case TypeAnswer:
		if err := need(m.CallID != "", "call_id"); err != nil {
			return err
		}
		return need(m.Answer != nil && m.Answer.SDP != "", "answer")
	case TypeICECandidate:
		if err := need(m.CallID != "", "call_id"); err != nil {
			return err
		}
		return need(m.Candidate != nil, "candidate")
	case TypeCallInitiated, TypeCallAccepted, TypeCallRejected, TypeEndCall, TypeCallEnded:
		return need(m.CallID != "", "call_id")
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

// Encode validates m and marshals it to one JSON frame.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates one JSON frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ── Constructors ──────────────────────────────────────────────────────────────

func CallRequest(calleeID string, t CallType) Message {
	return Message{Type: TypeCallRequest, CalleeID: calleeID, CallType: t}
}

func CallInitiated(callID string) Message {
	return Message{Type: TypeCallInitiated, CallID: callID, Status: "calling"}
}

func IncomingCall(callID, callerID string, t CallType) Message {
	return Message{Type: TypeIncomingCall, CallID: callID, CallerID: callerID, CallType: t}
}

func CallResponse(callID string, a Action) Message {
	return Message{Type: TypeCallResponse, CallID: callID, Action: a}
}

func CallAccepted(callID string) Message {
	return Message{Type: TypeCallAccepted, CallID: callID}
}

func CallRejected(callID string) Message {
	return Message{Type: TypeCallRejected, CallID: callID}
}

func Offer(callID string, sd SessionDescription) Message {
	return Message{Type: TypeOffer, CallID: callID, Offer: &sd}
}

func Answer(callID string, sd SessionDescription) Message {
	return Message{Type: TypeAnswer, CallID: callID, Answer: &sd}
}

func Candidate(callID string, c ICECandidate) Message {
	return Message{Type: TypeICECandidate, CallID: callID, Candidate: &c}
}

func EndCall(callID string) Message {
	return Message{Type: TypeEndCall, CallID: callID}
}

func CallEnded(callID string) Message {
	return Message{Type: TypeCallEnded, CallID: callID}
}
