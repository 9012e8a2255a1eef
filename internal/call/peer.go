package call

import "github.com/petervdpas/callcore/internal/proto"

// PeerState mirrors RTCPeerConnectionState.
type PeerState string

const (
	PeerNew          PeerState = "new"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// RemoteTrack describes a track received from the other party.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     TrackKind
}

// PeerEvents are invoked from the peer's own goroutines, possibly after
// Close; the controller discards events of peers it no longer owns.
type PeerEvents struct {
	OnICECandidate func(proto.ICECandidate)
	OnTrack        func(RemoteTrack)
	OnStateChange  func(PeerState)
}

// Peer is one peer connection. CreateOffer and CreateAnswer also apply the
// result as the local description.
type Peer interface {
	AddStream(MediaStream) error
	CreateOffer() (proto.SessionDescription, error)
	CreateAnswer() (proto.SessionDescription, error)
	SetRemoteDescription(proto.SessionDescription) error
	AddICECandidate(proto.ICECandidate) error
	Close() error
}

// PeerFactory builds peer connections.
type PeerFactory interface {
	NewPeer(iceServers []ICEServer, ev PeerEvents) (Peer, error)
}
