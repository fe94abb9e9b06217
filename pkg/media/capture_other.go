//go:build !linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"

	"github.com/televisita/telecall/pkg/logger"
)

// NewCapture on non-Linux builds cannot open devices; the acquire function
// fails every rung so callers fall through to receive-only operation.
func NewCapture(log *logger.Logger) (AcquireFunc, *mediadevices.CodecSelector, error) {
	acquire := func(ctx context.Context, c Constraints) (*TrackSet, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.DebugMedia("capture unsupported on this platform", "rung", c.Label)
		return nil, fmt.Errorf("%w: capture not supported on this platform", ErrNoMediaAvailable)
	}
	return acquire, nil, nil
}

// ListDevices reports no devices on platforms without capture support.
func ListDevices() []mediadevices.MediaDeviceInfo {
	return nil
}
