//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/televisita/telecall/pkg/logger"
)

// NewCapture returns an AcquireFunc backed by pion/mediadevices (V4L2 +
// malgo). The returned CodecSelector must be used to populate the
// MediaEngine of the peer connection these tracks attach to.
func NewCapture(log *logger.Logger) (AcquireFunc, *mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	acquire := func(ctx context.Context, c Constraints) (*TrackSet, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.DebugMedia("opening devices",
			"rung", c.Label,
			"video_device", c.VideoDeviceID,
			"audio_device", c.AudioDeviceID)

		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if !c.AudioOnly {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG node that
				// produces malformed frames and poisons the VP8 encoder.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				if c.Width > 0 {
					mc.Width = prop.IntRanged{Max: c.Width}
				}
				if c.Height > 0 {
					mc.Height = prop.IntRanged{Max: c.Height}
				}
				if c.VideoDeviceID != "" {
					mc.DeviceID = prop.StringExact(c.VideoDeviceID)
				}
			}
		}
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			if c.AudioDeviceID != "" {
				mc.DeviceID = prop.StringExact(c.AudioDeviceID)
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			return nil, Classify(fmt.Errorf("get user media (%s): %w", c.Label, err))
		}

		var audio, video Track
		for _, track := range stream.GetTracks() {
			t := track
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warn("local track ended", "kind", t.Kind().String(), "error", err)
				}
			})
			switch t.Kind() {
			case webrtc.RTPCodecTypeAudio:
				audio = t
			case webrtc.RTPCodecTypeVideo:
				video = t
			}
		}
		return NewTrackSet(audio, video, c.Label), nil
	}

	return acquire, selector, nil
}

// ListDevices enumerates the capture devices mediadevices can see, for
// diagnostics and device-picker output.
func ListDevices() []mediadevices.MediaDeviceInfo {
	return mediadevices.EnumerateDevices()
}
