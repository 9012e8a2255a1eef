//go:build !linux

package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var errNoCapture = errors.New("local capture is only supported on linux")

// PionDevices has no capture drivers outside linux; GetUserMedia always
// fails, so calls are rejected with a MediaAccessError.
type PionDevices struct {
	cfg MediaConfig
}

func NewPionDevices(cfg MediaConfig) (*PionDevices, error) {
	return &PionDevices{cfg: cfg}, nil
}

func (d *PionDevices) registerCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *PionDevices) GetUserMedia(ctx context.Context, _ Constraints) (MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errNoCapture
}
