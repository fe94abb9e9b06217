package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Track is a local capture track that can be attached to a peer connection
// and released when the call ends.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// TrackSet bundles the audio and video tracks produced by one acquisition,
// with the mute state the session reports to the user. Safe for concurrent
// use; toggles and Stop are idempotent.
type TrackSet struct {
	mu    sync.Mutex
	audio Track
	video Track

	audioEnabled bool
	videoEnabled bool
	stopped      bool

	// label names the fallback rung that produced this set ("preferred",
	// "default", "reduced", "audio-only").
	label string
}

// NewTrackSet wraps acquired tracks. Either track may be nil (an audio-only
// acquisition has no video). Tracks start enabled.
func NewTrackSet(audio, video Track, label string) *TrackSet {
	return &TrackSet{
		audio:        audio,
		video:        video,
		audioEnabled: audio != nil,
		videoEnabled: video != nil,
		label:        label,
	}
}

// Label names the fallback rung that produced this set.
func (t *TrackSet) Label() string { return t.label }

// HasAudio reports whether the set carries an audio track.
func (t *TrackSet) HasAudio() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.audio != nil
}

// HasVideo reports whether the set carries a video track.
func (t *TrackSet) HasVideo() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.video != nil
}

// Audio returns the audio track, or nil.
func (t *TrackSet) Audio() Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.audio
}

// Video returns the video track, or nil.
func (t *TrackSet) Video() Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.video
}

// ToggleAudio flips the audio mute state and returns the new enabled value.
// With no audio track it stays false. The flag is the reported state; frame
// suppression happens at the RTP sender, which the session keeps in sync.
func (t *TrackSet) ToggleAudio() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.audio == nil || t.stopped {
		return false
	}
	t.audioEnabled = !t.audioEnabled
	return t.audioEnabled
}

// ToggleVideo flips the video mute state and returns the new enabled value.
func (t *TrackSet) ToggleVideo() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.video == nil || t.stopped {
		return false
	}
	t.videoEnabled = !t.videoEnabled
	return t.videoEnabled
}

// AudioEnabled reports the current audio mute state.
func (t *TrackSet) AudioEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.audioEnabled
}

// VideoEnabled reports the current video mute state.
func (t *TrackSet) VideoEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.videoEnabled
}

// Stop releases the underlying devices. Idempotent; safe to call from any
// call state.
func (t *TrackSet) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.audioEnabled = false
	t.videoEnabled = false
	if t.audio != nil {
		t.audio.Close()
	}
	if t.video != nil {
		t.video.Close()
	}
}
