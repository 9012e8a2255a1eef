package call

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/signaling"
)

type endpoint struct {
	c     *Controller
	ch    *signaling.Channel
	dev   *fakeDevices
	peers *fakePeers

	incoming chan CallSession
	accepted chan CallSession
	ended    chan CallSession
}

func joinRelay(t *testing.T, relay *signaling.Relay, base, userID string) *endpoint {
	t.Helper()
	e := &endpoint{
		ch:       signaling.NewChannel(signaling.Options{URL: base}),
		dev:      &fakeDevices{},
		peers:    &fakePeers{},
		incoming: make(chan CallSession, 4),
		accepted: make(chan CallSession, 4),
		ended:    make(chan CallSession, 4),
	}
	t.Cleanup(func() { e.ch.Close() })

	e.c = New(Deps{Signaler: e.ch, Devices: e.dev, Peers: e.peers, SelfID: e.ch.UserID}, Options{})
	// Runs before the channel closes so the hangup reaches the relay.
	t.Cleanup(func() { e.c.Close() })

	e.c.OnIncomingCall(func(s CallSession) { e.incoming <- s })
	e.c.OnCallAccepted(func(s CallSession) { e.accepted <- s })
	e.c.OnCallEnded(func(s CallSession) { e.ended <- s })
	e.ch.OnMessage(e.c.HandleMessage)
	e.ch.OnStatus(func(s signaling.Status) { e.c.SetConnectionStatus(string(s)) })

	if err := e.ch.Connect(ctx, userID); err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	eventually(t, userID+" online", func() bool { return relay.Online(userID) })
	return e
}

func hasCall(p *fakePeer, call string) bool {
	if p == nil {
		return false
	}
	for _, c := range p.calls() {
		if c == call {
			return true
		}
	}
	return false
}

func TestCallThroughRelay(t *testing.T) {
	relay := signaling.NewRelay("/ws", nil, nil)
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	alice := joinRelay(t, relay, base, "alice")
	bob := joinRelay(t, relay, base, "bob")

	if err := alice.c.StartCall(ctx, "bob", proto.CallVideo); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	in := waitSession(t, bob.incoming, "incoming")
	if in.OtherUserID != "alice" || in.CallType != proto.CallVideo {
		t.Fatalf("unexpected incoming %+v", in)
	}
	eventually(t, "server id at caller", func() bool {
		s := alice.c.Snapshot()
		return s.Call != nil && s.Call.CallID == in.CallID
	})

	if err := bob.c.AcceptCall(ctx); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	acc := waitSession(t, alice.accepted, "accepted")
	if acc.CallID != in.CallID {
		t.Fatalf("accepted %s, want %s", acc.CallID, in.CallID)
	}

	// offer -> answer round trip through the relay
	eventually(t, "answer applied at caller", func() bool {
		return hasCall(alice.peers.last(), "set_remote:answer")
	})
	if !hasCall(bob.peers.last(), "set_remote:offer") {
		t.Fatalf("callee peer calls %v", bob.peers.last().calls())
	}

	alice.peers.last().ev.OnICECandidate(cand("host-a"))
	eventually(t, "candidate at callee", func() bool {
		return hasCall(bob.peers.last(), "candidate:host-a")
	})

	bob.peers.last().ev.OnTrack(RemoteTrack{ID: "va", StreamID: "sa", Kind: KindVideo})
	alice.peers.last().ev.OnTrack(RemoteTrack{ID: "vb", StreamID: "sb", Kind: KindVideo})
	eventually(t, "both connected", func() bool {
		return alice.c.Snapshot().State == StateConnected && bob.c.Snapshot().State == StateConnected
	})
	if _, busy := relay.ActiveCall("bob"); !busy {
		t.Fatal("relay lost the active call")
	}

	alice.c.EndCall()
	ended := waitSession(t, bob.ended, "remote hangup")
	if ended.CallID != in.CallID || ended.Status != StatusEnded {
		t.Fatalf("unexpected ended session %+v", ended)
	}
	waitSession(t, alice.ended, "local hangup")
	eventually(t, "relay cleared", func() bool {
		_, busy := relay.ActiveCall("alice")
		return !busy
	})
	if s := bob.c.Snapshot(); s.State != StateIdle || s.Local != nil {
		t.Fatalf("callee not idle: %+v", s)
	}
	if bob.dev.last().stopCount() != 1 || bob.peers.last().closeCount() != 1 {
		t.Fatal("callee resources not released")
	}

	// A second call between the same users reuses nothing from the first.
	if err := bob.c.StartCall(ctx, "alice", proto.CallAudio); err != nil {
		t.Fatalf("second StartCall: %v", err)
	}
	in2 := waitSession(t, alice.incoming, "second incoming")
	if in2.CallID == in.CallID || in2.OtherUserID != "bob" {
		t.Fatalf("unexpected second incoming %+v", in2)
	}
	select {
	case <-time.After(50 * time.Millisecond):
	case s := <-bob.ended:
		t.Fatalf("second call ended early: %+v", s)
	}
}
