package call

import (
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// MediaConfig tunes local capture and encoding.
type MediaConfig struct {
	Width        int
	Height       int
	VideoBitrate int
	AudioBitrate int
}

// pionTrack is a local capture track that can be attached to peer
// connections. Disabling it swaps the senders to a nil track so no media
// leaves the host; re-enabling restores the capture track.
type pionTrack struct {
	local webrtc.TrackLocal
	kind  TrackKind
	close func() error

	mu      sync.Mutex
	enabled bool
	stopped bool
	senders []*webrtc.RTPSender
}

func newPionTrack(local webrtc.TrackLocal, closeFn func() error) *pionTrack {
	kind := KindAudio
	if local.Kind() == webrtc.RTPCodecTypeVideo {
		kind = KindVideo
	}
	return &pionTrack{local: local, kind: kind, close: closeFn, enabled: true}
}

func (t *pionTrack) ID() string      { return t.local.ID() }
func (t *pionTrack) Kind() TrackKind { return t.kind }

func (t *pionTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *pionTrack) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled == on || t.stopped {
		return
	}
	t.enabled = on
	for _, s := range t.senders {
		t.applyLocked(s)
	}
}

// bind records a sender carrying this track and applies the enabled state.
func (t *pionTrack) bind(s *webrtc.RTPSender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.senders = append(t.senders, s)
	if !t.enabled {
		t.applyLocked(s)
	}
}

func (t *pionTrack) applyLocked(s *webrtc.RTPSender) {
	var next webrtc.TrackLocal
	if t.enabled {
		next = t.local
	}
	if err := s.ReplaceTrack(next); err != nil {
		log.Printf("CALL: replace %s track %s: %v", t.kind, t.local.ID(), err)
	}
}

func (t *pionTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.senders = nil
	t.mu.Unlock()

	if t.close != nil {
		if err := t.close(); err != nil {
			log.Printf("CALL: close %s track %s: %v", t.kind, t.local.ID(), err)
		}
	}
}

// pionStream groups the tracks of one GetUserMedia call.
type pionStream struct {
	id     string
	tracks []Track
	once   sync.Once
}

func (s *pionStream) ID() string { return s.id }

func (s *pionStream) Tracks() []Track {
	return append([]Track(nil), s.tracks...)
}

func (s *pionStream) AudioTracks() []Track { return filterKind(s.tracks, KindAudio) }
func (s *pionStream) VideoTracks() []Track { return filterKind(s.tracks, KindVideo) }

func (s *pionStream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}
