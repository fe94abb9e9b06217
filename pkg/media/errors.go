// Package media acquires local capture tracks through a constraint fallback
// ladder and manages their lifecycle for the duration of a call.
package media

import (
	"errors"
	"strings"
)

var (
	// ErrPermissionDenied means the user (or OS) refused capture access.
	// Retrying with different constraints cannot help, so the fallback
	// ladder stops at this error.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrDeviceBusy means a device exists but another process holds it.
	// A different constraint may still succeed, so the ladder continues.
	ErrDeviceBusy = errors.New("media device busy")

	// ErrNoMediaAvailable means every rung of the fallback ladder failed.
	ErrNoMediaAvailable = errors.New("no media available")
)

// Classify maps a raw capture error onto the package's error taxonomy,
// preserving the original as the wrapped cause. Unknown errors pass
// through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceBusy) || errors.Is(err, ErrNoMediaAvailable) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "operation not permitted"),
		strings.Contains(msg, "access denied"):
		return errorWith(ErrPermissionDenied, err)
	case strings.Contains(msg, "device or resource busy"),
		strings.Contains(msg, "resource busy"),
		strings.Contains(msg, "in use"):
		return errorWith(ErrDeviceBusy, err)
	case strings.Contains(msg, "no such device"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "failed to find"):
		return errorWith(ErrNoMediaAvailable, err)
	}
	return err
}

type classified struct {
	kind  error
	cause error
}

func errorWith(kind, cause error) error {
	return &classified{kind: kind, cause: cause}
}

func (e *classified) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *classified) Is(target error) bool {
	return errors.Is(e.kind, target)
}

func (e *classified) Unwrap() error {
	return e.cause
}
