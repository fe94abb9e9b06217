package transport

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/televisita/telecall/pkg/logger"
	"github.com/televisita/telecall/pkg/media"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	ch, err := NewChannel(Options{Logger: logger.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestRecvOnlyOfferCarriesBothKinds(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.EnsureRecvOnly())

	offer, err := ch.CreateOffer(context.Background())
	require.NoError(t, err)

	sum, err := DescribeSDP(offer.SDP)
	require.NoError(t, err)
	assert.True(t, sum.HasAudio, "recv-only offer should request audio")
	assert.True(t, sum.HasVideo, "recv-only offer should request video")
	assert.Equal(t, 2, sum.MediaSections)
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	caller := newTestChannel(t)
	callee := newTestChannel(t)
	require.NoError(t, caller.EnsureRecvOnly())
	require.NoError(t, callee.EnsureRecvOnly())

	assert.False(t, callee.RemoteDescriptionSet())

	offer, err := caller.CreateOffer(context.Background())
	require.NoError(t, err)
	require.NoError(t, callee.SetRemoteDescription(offer))
	assert.True(t, callee.RemoteDescriptionSet())

	answer, err := callee.CreateAnswer(context.Background())
	require.NoError(t, err)
	require.NoError(t, caller.SetRemoteDescription(answer))
	assert.True(t, caller.RemoteDescriptionSet())
}

// closableTrack adapts a static RTP track to the capture track interface.
type closableTrack struct {
	*webrtc.TrackLocalStaticRTP
}

func (closableTrack) Close() error { return nil }

func TestSetTrackEnabledGatesSender(t *testing.T) {
	ch := newTestChannel(t)

	rtpTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
	require.NoError(t, err)
	require.NoError(t, ch.AttachLocal(media.NewTrackSet(nil, closableTrack{rtpTrack}, "default")))

	require.NoError(t, ch.SetTrackEnabled(webrtc.RTPCodecTypeVideo, false))
	assert.Nil(t, ch.videoSender.Track(), "muted sender should carry no track")

	require.NoError(t, ch.SetTrackEnabled(webrtc.RTPCodecTypeVideo, true))
	assert.NotNil(t, ch.videoSender.Track(), "unmute should restore the track")

	// No audio sender attached: toggling audio is a no-op.
	require.NoError(t, ch.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false))
}

func TestChannelCloseIdempotent(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
}

func TestStateStartsNew(t *testing.T) {
	ch := newTestChannel(t)
	assert.Equal(t, StateNew, ch.State())
}

func TestStateStrings(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateNew, "new"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateDisconnected, "disconnected"},
		{StateFailed, "failed"},
		{StateClosed, "closed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.state.String())
	}
}

func TestDescribeSDPRejectsGarbage(t *testing.T) {
	_, err := DescribeSDP("not sdp at all")
	assert.Error(t, err)
}
