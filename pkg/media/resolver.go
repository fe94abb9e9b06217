package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/televisita/telecall/pkg/logger"
)

// Constraints describes one rung of the fallback ladder: which devices to
// open and at what quality.
type Constraints struct {
	// Label names the rung for logging and TrackSet.Label.
	Label string

	// VideoDeviceID / AudioDeviceID pin exact devices when set.
	VideoDeviceID string
	AudioDeviceID string

	// Width/Height request a capture resolution. Zero means driver default.
	Width  int
	Height int

	// AudioOnly skips video capture entirely.
	AudioOnly bool
}

// AcquireFunc opens devices matching the constraints. Implementations map
// platform errors through Classify so the resolver can decide whether to
// keep descending the ladder.
type AcquireFunc func(ctx context.Context, c Constraints) (*TrackSet, error)

// Resolver walks the constraint fallback ladder until an acquisition
// succeeds. The acquire function is injected so tests (and non-Linux
// builds) run without hardware.
type Resolver struct {
	acquire AcquireFunc
	prefs   *Prefs
	logger  *logger.Logger
}

// NewResolver creates a resolver. prefs may be nil, which skips the
// preferred-device rung.
func NewResolver(acquire AcquireFunc, prefs *Prefs, log *logger.Logger) *Resolver {
	return &Resolver{
		acquire: acquire,
		prefs:   prefs,
		logger:  log,
	}
}

// ladder builds the ordered constraint list. The preferred-device rung only
// appears when saved preferences exist.
func (r *Resolver) ladder() []Constraints {
	var steps []Constraints

	if r.prefs != nil {
		if p := r.prefs.Get(); p.VideoDeviceID != "" || p.AudioDeviceID != "" {
			steps = append(steps, Constraints{
				Label:         "preferred",
				VideoDeviceID: p.VideoDeviceID,
				AudioDeviceID: p.AudioDeviceID,
				Width:         1280,
				Height:        720,
			})
		}
	}

	steps = append(steps,
		Constraints{Label: "default", Width: 1280, Height: 720},
		Constraints{Label: "reduced", Width: 640, Height: 480},
		Constraints{Label: "audio-only", AudioOnly: true},
	)
	return steps
}

// Acquire walks the ladder top to bottom and returns the first successful
// TrackSet. A permission denial aborts immediately: the user said no, and
// asking again with looser constraints would just re-prompt. A busy device
// moves on to the next rung. If every rung fails the last cause is wrapped
// in ErrNoMediaAvailable.
func (r *Resolver) Acquire(ctx context.Context) (*TrackSet, error) {
	var lastErr error

	for _, step := range r.ladder() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		set, err := r.acquire(ctx, step)
		if err == nil {
			r.logger.Info("media acquired",
				"rung", step.Label,
				"audio", set.HasAudio(),
				"video", set.HasVideo())
			if step.Label == "preferred" && r.prefs != nil {
				r.prefs.Touch()
			}
			return set, nil
		}

		err = Classify(err)
		if errors.Is(err, ErrPermissionDenied) {
			r.logger.Warn("media permission denied", "rung", step.Label)
			return nil, err
		}

		r.logger.DebugMedia("acquisition failed, trying next rung",
			"rung", step.Label, "error", err)
		lastErr = err

		// Stale saved device ids are the common cause of a failed
		// preferred rung; forget them so the next call starts clean.
		if step.Label == "preferred" && r.prefs != nil {
			r.prefs.Clear()
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMediaAvailable, lastErr)
	}
	return nil, ErrNoMediaAvailable
}
