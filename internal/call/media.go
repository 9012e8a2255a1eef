package call

import (
	"context"
	"sync"

	"github.com/petervdpas/callcore/internal/proto"
)

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// Constraints selects which capture devices GetUserMedia opens.
type Constraints struct {
	Audio bool
	Video bool
}

func (c Constraints) String() string {
	switch {
	case c.Audio && c.Video:
		return "audio+video"
	case c.Video:
		return "video"
	case c.Audio:
		return "audio"
	}
	return "none"
}

func constraintsFor(t proto.CallType) Constraints {
	return Constraints{Audio: true, Video: t == proto.CallVideo}
}

// Track is one local capture track.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(bool)
	Stop()
}

// MediaStream is a set of local capture tracks acquired together.
// Stop stops every track.
type MediaStream interface {
	ID() string
	Tracks() []Track
	AudioTracks() []Track
	VideoTracks() []Track
	Stop()
}

// Devices acquires local capture streams.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) (MediaStream, error)
}

// localMedia owns the controller's acquired stream and releases it once no
// matter how many exit paths reach release.
type localMedia struct {
	stream MediaStream
	once   sync.Once
}

func newLocalMedia(s MediaStream) *localMedia {
	return &localMedia{stream: s}
}

func (m *localMedia) release() {
	m.once.Do(m.stream.Stop)
}

func (m *localMedia) info() *StreamInfo {
	return streamInfo(m.stream.ID(), m.stream.Tracks())
}

// firstTrack returns the first track of the given kind, nil when absent.
func (m *localMedia) firstTrack(kind TrackKind) Track {
	var ts []Track
	if kind == KindAudio {
		ts = m.stream.AudioTracks()
	} else {
		ts = m.stream.VideoTracks()
	}
	if len(ts) == 0 {
		return nil
	}
	return ts[0]
}

func streamInfo(id string, tracks []Track) *StreamInfo {
	si := &StreamInfo{ID: id, Tracks: make([]TrackInfo, 0, len(tracks))}
	for _, t := range tracks {
		si.Tracks = append(si.Tracks, TrackInfo{ID: t.ID(), Kind: t.Kind(), Enabled: t.Enabled()})
	}
	return si
}

// filterKind returns the tracks of one kind.
func filterKind(tracks []Track, kind TrackKind) []Track {
	var out []Track
	for _, t := range tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}
