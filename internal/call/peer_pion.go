package call

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callcore/internal/proto"
)

// PeerConfig tunes the ICE agent of every peer connection.
type PeerConfig struct {
	ICEDisconnected time.Duration
	ICEFailed       time.Duration
	ICEKeepalive    time.Duration
	LoggerFactory   logging.LoggerFactory
}

// PionPeers builds pion/webrtc peer connections whose codecs match the local
// capture encoders.
type PionPeers struct {
	api *webrtc.API
}

func NewPionPeers(d *PionDevices, cfg PeerConfig) (*PionPeers, error) {
	me := &webrtc.MediaEngine{}
	if err := d.registerCodecs(me); err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	// Relay paths can stall for several seconds during failover; the pion
	// default of 5s disconnected is too eager.
	se := webrtc.SettingEngine{LoggerFactory: cfg.LoggerFactory}
	se.SetICETimeouts(
		orDefault(cfg.ICEDisconnected, 30*time.Second),
		orDefault(cfg.ICEFailed, 120*time.Second),
		orDefault(cfg.ICEKeepalive, 2*time.Second),
	)

	return &PionPeers{api: webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (f *PionPeers) NewPeer(servers []ICEServer, ev PeerEvents) (Peer, error) {
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := f.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	p := &pionPeer{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || ev.OnICECandidate == nil {
			return // gathering complete
		}
		init := c.ToJSON()
		ev.OnICECandidate(proto.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if ev.OnStateChange != nil {
			ev.OnStateChange(PeerState(s.String()))
		}
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := KindAudio
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			kind = KindVideo
		}
		log.Printf("CALL: remote %s track %s (%s)", kind, tr.ID(), tr.Codec().MimeType)
		if ev.OnTrack != nil {
			ev.OnTrack(RemoteTrack{ID: tr.ID(), StreamID: tr.StreamID(), Kind: kind})
		}
		go p.readRemote(tr, kind)
	})

	return p, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddStream(ms MediaStream) error {
	for _, t := range ms.Tracks() {
		pt, ok := t.(*pionTrack)
		if !ok {
			return fmt.Errorf("track %s is not a capture track", t.ID())
		}
		sender, err := p.pc.AddTrack(pt.local)
		if err != nil {
			return fmt.Errorf("add %s track: %w", pt.kind, err)
		}
		pt.bind(sender)
		go drainRTCP(sender)
	}
	return nil
}

func (p *pionPeer) CreateOffer() (proto.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return proto.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return proto.SessionDescription{}, err
	}
	return proto.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *pionPeer) CreateAnswer() (proto.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return proto.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return proto.SessionDescription{}, err
	}
	return proto.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *pionPeer) SetRemoteDescription(sd proto.SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	})
}

func (p *pionPeer) AddICECandidate(c proto.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// readRemote consumes a remote track so the interceptors keep producing
// receiver reports. Rendering happens in the presentation layer.
func (p *pionPeer) readRemote(tr *webrtc.TrackRemote, kind TrackKind) {
	if kind == KindVideo {
		// Ask for a keyframe so the first frames decode.
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())}}
		if err := p.pc.WriteRTCP(pli); err != nil {
			log.Printf("CALL: PLI for track %s: %v", tr.ID(), err)
		}
	}

	var st rtpStats
	for {
		pkt, _, err := tr.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL: remote track %s: %v", tr.ID(), err)
			}
			break
		}
		st.observe(pkt)
	}
	log.Printf("CALL: remote %s track %s done: %d packets, %d bytes, %d lost",
		kind, tr.ID(), st.packets, st.bytes, st.lost)
}

// drainRTCP reads sender reports so NACK and PLI interceptors run.
func drainRTCP(s *webrtc.RTPSender) {
	for {
		if _, _, err := s.ReadRTCP(); err != nil {
			return
		}
	}
}

// rtpStats counts received packets and sequence gaps.
type rtpStats struct {
	packets uint64
	bytes   uint64
	lost    uint64
	lastSeq uint16
	started bool
}

// maxGap bounds what counts as loss; larger jumps are treated as a stream
// restart.
const maxGap = 1000

func (s *rtpStats) observe(p *rtp.Packet) {
	s.packets++
	s.bytes += uint64(len(p.Payload))
	if s.started {
		gap := p.SequenceNumber - s.lastSeq
		if gap > 1 && gap < maxGap {
			s.lost += uint64(gap - 1)
		}
	}
	s.lastSeq = p.SequenceNumber
	s.started = true
}
