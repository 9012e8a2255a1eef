package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/storage"
)

// ── Signaler ─────────────────────────────────────────────────────────────────

type fakeSignaler struct {
	mu        sync.Mutex
	connected bool
	sent      []proto.Message
}

func (s *fakeSignaler) Send(m proto.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errors.New("offline")
	}
	s.sent = append(s.sent, m)
	return nil
}

func (s *fakeSignaler) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSignaler) messages() []proto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]proto.Message(nil), s.sent...)
}

func (s *fakeSignaler) ofType(t proto.Type) []proto.Message {
	var out []proto.Message
	for _, m := range s.messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// ── Media ────────────────────────────────────────────────────────────────────

type fakeTrack struct {
	id   string
	kind TrackKind

	mu      sync.Mutex
	enabled bool
	stops   int
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakeStream struct {
	id     string
	tracks []Track

	mu    sync.Mutex
	stops int
}

func (s *fakeStream) ID() string           { return s.id }
func (s *fakeStream) Tracks() []Track      { return s.tracks }
func (s *fakeStream) AudioTracks() []Track { return filterKind(s.tracks, KindAudio) }
func (s *fakeStream) VideoTracks() []Track { return filterKind(s.tracks, KindVideo) }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	for _, t := range s.tracks {
		t.Stop()
	}
}

func (s *fakeStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

type fakeDevices struct {
	mu      sync.Mutex
	err     error
	block   chan struct{} // when set, GetUserMedia waits for it
	entered chan struct{}
	streams []*fakeStream
	asked   []Constraints
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, c Constraints) (MediaStream, error) {
	d.mu.Lock()
	d.asked = append(d.asked, c)
	block, entered, err := d.block, d.entered, d.err
	d.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.streams) + 1
	s := &fakeStream{id: fmt.Sprintf("stream-%d", n)}
	if c.Audio {
		s.tracks = append(s.tracks, &fakeTrack{id: fmt.Sprintf("a%d", n), kind: KindAudio, enabled: true})
	}
	if c.Video {
		s.tracks = append(s.tracks, &fakeTrack{id: fmt.Sprintf("v%d", n), kind: KindVideo, enabled: true})
	}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevices) last() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// ── Peer ─────────────────────────────────────────────────────────────────────

type fakePeer struct {
	ev PeerEvents

	mu         sync.Mutex
	streams    []MediaStream
	remote     []proto.SessionDescription
	candidates []proto.ICECandidate
	log        []string // call order
	closed     int
	offerErr   error
}

func (p *fakePeer) record(s string) {
	p.log = append(p.log, s)
}

func (p *fakePeer) AddStream(ms MediaStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, ms)
	p.record("add_stream")
	return nil
}

func (p *fakePeer) CreateOffer() (proto.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("create_offer")
	if p.offerErr != nil {
		return proto.SessionDescription{}, p.offerErr
	}
	return proto.SessionDescription{Type: "offer", SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (proto.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("create_answer")
	return proto.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(sd proto.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, sd)
	p.record("set_remote:" + sd.Type)
	return nil
}

func (p *fakePeer) AddICECandidate(c proto.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	p.record("candidate:" + c.Candidate)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.log...)
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakePeers struct {
	mu       sync.Mutex
	peers    []*fakePeer
	offerErr error
}

func (f *fakePeers) NewPeer(_ []ICEServer, ev PeerEvents) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{ev: ev, offerErr: f.offerErr}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// ── Call log ─────────────────────────────────────────────────────────────────

type memCallLog struct {
	mu   sync.Mutex
	recs []storage.CallRecord
}

func (l *memCallLog) SaveCall(r storage.CallRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, r)
	return nil
}

func (l *memCallLog) records() []storage.CallRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]storage.CallRecord(nil), l.recs...)
}

// ── Harness ──────────────────────────────────────────────────────────────────

type harness struct {
	c     *Controller
	sig   *fakeSignaler
	dev   *fakeDevices
	peers *fakePeers
	log   *memCallLog

	incoming chan CallSession
	accepted chan CallSession
	rejected chan CallSession
	ended    chan CallSession
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		sig:      &fakeSignaler{connected: true},
		dev:      &fakeDevices{},
		peers:    &fakePeers{},
		log:      &memCallLog{},
		incoming: make(chan CallSession, 8),
		accepted: make(chan CallSession, 8),
		rejected: make(chan CallSession, 8),
		ended:    make(chan CallSession, 8),
	}
	h.c = New(Deps{
		Signaler: h.sig,
		Devices:  h.dev,
		Peers:    h.peers,
		CallLog:  h.log,
		SelfID:   func() string { return "alice" },
	}, opts)
	h.c.OnIncomingCall(func(s CallSession) { h.incoming <- s })
	h.c.OnCallAccepted(func(s CallSession) { h.accepted <- s })
	h.c.OnCallRejected(func(s CallSession) { h.rejected <- s })
	h.c.OnCallEnded(func(s CallSession) { h.ended <- s })
	t.Cleanup(func() { h.c.Close() })
	return h
}

// deliver feeds frames to the controller and waits until they are handled.
func (h *harness) deliver(msgs ...proto.Message) {
	for _, m := range msgs {
		h.c.HandleMessage(m)
	}
	h.flush()
}

// flush waits for everything queued on the event goroutine so far.
func (h *harness) flush() {
	_ = h.c.do(func() {})
}

func waitSession(t *testing.T, ch <-chan CallSession, what string) CallSession {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	return CallSession{}
}

func expectNone(t *testing.T, ch <-chan CallSession, what string) {
	t.Helper()
	select {
	case s := <-ch:
		t.Fatalf("unexpected %s callback: %+v", what, s)
	case <-time.After(50 * time.Millisecond):
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func cand(s string) proto.ICECandidate {
	mid := "0"
	return proto.ICECandidate{Candidate: s, SDPMid: &mid}
}
