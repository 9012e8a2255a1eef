//go:build linux

package call

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// PionDevices captures the local camera and microphone through
// pion/mediadevices (V4L2 + malgo) and encodes VP8 + Opus.
type PionDevices struct {
	cfg      MediaConfig
	selector *mediadevices.CodecSelector
}

func NewPionDevices(cfg MediaConfig) (*PionDevices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if cfg.VideoBitrate > 0 {
		vpxParams.BitRate = cfg.VideoBitrate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	if cfg.AudioBitrate > 0 {
		opusParams.BitRate = cfg.AudioBitrate
	}

	return &PionDevices{
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// registerCodecs makes the peer connection offer exactly what the encoders
// produce.
func (d *PionDevices) registerCodecs(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// GetUserMedia opens the requested devices. When both audio and video are
// requested and that fails, video-only and then audio-only are tried so one
// missing device does not block the call.
func (d *PionDevices) GetUserMedia(ctx context.Context, c Constraints) (MediaStream, error) {
	if !c.Audio && !c.Video {
		return nil, errors.New("no media requested")
	}

	type attempt struct {
		video, audio bool
	}
	attempts := []attempt{{c.Video, c.Audio}}
	if c.Video && c.Audio {
		attempts = append(attempts, attempt{true, false}, attempt{false, true})
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL: no media devices found")
	}
	for _, dev := range devices {
		log.Printf("CALL: media device kind=%v label=%q", dev.Kind, dev.Label)
	}

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		label := Constraints{Audio: a.audio, Video: a.video}.String()

		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Raw formats only; some cameras emit malformed MJPEG that
				// breaks the VP8 encoder.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: d.cfg.Width}
				mc.Height = prop.IntRanged{Max: d.cfg.Height}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL: GetUserMedia (%s) failed: %v", label, err)
			lastErr = err
			continue
		}

		stream := &pionStream{id: uuid.NewString()}
		for _, mt := range ms.GetTracks() {
			mt := mt
			mt.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL: local track %s ended: %v", mt.ID(), err)
				}
			})
			stream.tracks = append(stream.tracks, newPionTrack(mt, mt.Close))
		}

		if err := ctx.Err(); err != nil {
			stream.Stop()
			return nil, err
		}
		log.Printf("CALL: local media captured (%s), %d tracks", label, len(stream.tracks))
		return stream, nil
	}
	return nil, fmt.Errorf("open %s: %w", c, lastErr)
}
