// Package transport wraps a pion PeerConnection as the media channel for one
// call attempt: trickle-ICE negotiation primitives, local track attachment,
// and a cached view of the connection state.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/televisita/telecall/pkg/logger"
	"github.com/televisita/telecall/pkg/media"
)

// State is the channel's connection state as the session sees it.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrClosed is returned by operations on a channel after Close.
var ErrClosed = errors.New("transport closed")

// EnginePopulator registers capture codecs on the media engine before the
// peer connection is built. *mediadevices.CodecSelector satisfies it.
type EnginePopulator interface {
	Populate(*webrtc.MediaEngine)
}

// Options configure a Channel.
type Options struct {
	// STUNServers are the ICE server URLs.
	STUNServers []string

	// Populator registers capture codecs. Nil falls back to pion's
	// default codec set (sufficient for receive-only operation).
	Populator EnginePopulator

	Logger *logger.Logger
}

// Channel is one peer connection with trickle-ICE plumbing. Create a fresh
// Channel per call attempt; a closed channel is not reusable.
type Channel struct {
	logger *logger.Logger
	pc     *webrtc.PeerConnection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Cached connection state; pc.ConnectionState() can block during
	// transitions, so handlers keep this copy fresh instead.
	stateMu     sync.RWMutex
	cachedState webrtc.PeerConnectionState

	mu        sync.Mutex
	remoteSet bool
	closed    bool

	// Senders from AttachLocal, kept so mute can pause them via
	// ReplaceTrack without renegotiation.
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	videoTrack  webrtc.TrackLocal

	onCandidate   func(webrtc.ICECandidateInit)
	onTrack       func(*webrtc.TrackRemote)
	onStateChange func(State)
}

// NewChannel builds the peer connection with the codec set, default
// interceptors and lenient ICE timeouts. Callbacks must be registered via
// the On* setters before negotiation starts.
func NewChannel(opts Options) (*Channel, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if opts.Populator != nil {
		opts.Populator.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Default disconnectedTimeout is 5s, too twitchy for a polling relay
	// that can stall for a couple of seconds. Give ICE room to recover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	var iceServers []webrtc.ICEServer
	if len(opts.STUNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: opts.STUNServers})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		logger:      opts.Logger,
		pc:          pc,
		ctx:         ctx,
		cancel:      cancel,
		cachedState: webrtc.PeerConnectionStateNew,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		ch.stateMu.Lock()
		ch.cachedState = state
		ch.stateMu.Unlock()

		ch.logger.Info("peer connection state changed", "state", state.String())

		ch.mu.Lock()
		cb := ch.onStateChange
		ch.mu.Unlock()
		if cb != nil {
			cb(mapState(state))
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return // end of gathering
		}
		ch.logger.DebugICE("local candidate gathered", "candidate", cand.String())
		ch.mu.Lock()
		cb := ch.onCandidate
		ch.mu.Unlock()
		if cb != nil {
			cb(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		ch.logger.Info("remote track received",
			"kind", track.Kind().String(),
			"codec", track.Codec().MimeType)

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			ch.wg.Add(1)
			go ch.keyframeLoop(track.SSRC())
		}

		ch.mu.Lock()
		cb := ch.onTrack
		ch.mu.Unlock()
		if cb != nil {
			cb(track)
		}
	})

	return ch, nil
}

// OnCandidate registers the trickle-ICE callback for locally gathered
// candidates.
func (c *Channel) OnCandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

// OnTrack registers the remote track callback.
func (c *Channel) OnTrack(fn func(*webrtc.TrackRemote)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

// OnStateChange registers the connection state callback.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onStateChange = fn
	c.mu.Unlock()
}

// AttachLocal adds the acquired tracks to the connection and starts RTCP
// readers on their senders.
func (c *Channel) AttachLocal(set *media.TrackSet) error {
	if set == nil {
		return nil
	}
	if audio := set.Audio(); audio != nil {
		sender, err := c.pc.AddTrack(audio)
		if err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		c.mu.Lock()
		c.audioSender, c.audioTrack = sender, audio
		c.mu.Unlock()
		c.wg.Add(1)
		go c.readRTCP(sender, "audio")
	}
	if video := set.Video(); video != nil {
		sender, err := c.pc.AddTrack(video)
		if err != nil {
			return fmt.Errorf("add video track: %w", err)
		}
		c.mu.Lock()
		c.videoSender, c.videoTrack = sender, video
		c.mu.Unlock()
		c.wg.Add(1)
		go c.readRTCP(sender, "video")
	}
	return nil
}

// SetTrackEnabled pauses or resumes the outgoing track of the given kind.
// ReplaceTrack(nil) stops RTP at the sender without renegotiation, so mute
// silences the wire rather than just flipping a flag. A kind with no local
// sender is a no-op.
func (c *Channel) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	c.mu.Lock()
	var sender *webrtc.RTPSender
	var track webrtc.TrackLocal
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		sender, track = c.audioSender, c.audioTrack
	case webrtc.RTPCodecTypeVideo:
		sender, track = c.videoSender, c.videoTrack
	}
	c.mu.Unlock()

	if sender == nil {
		return nil
	}
	if !enabled {
		track = nil
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace %s track: %w", kind.String(), err)
	}
	c.logger.DebugMedia("outgoing track toggled", "kind", kind.String(), "enabled", enabled)
	return nil
}

// EnsureRecvOnly adds receive-only transceivers for kinds with no local
// track, so a peer without a camera or microphone still receives remote
// media.
func (c *Channel) EnsureRecvOnly() error {
	have := map[webrtc.RTPCodecType]bool{}
	for _, t := range c.pc.GetTransceivers() {
		have[t.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if have[kind] {
			continue
		}
		_, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add recvonly %s transceiver: %w", kind.String(), err)
		}
	}
	return nil
}

// CreateOffer produces and applies the local offer. Candidates trickle via
// OnCandidate as gathering proceeds.
func (c *Channel) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	c.logger.DebugSDP("offer created", "bytes", len(offer.SDP))
	return offer, nil
}

// CreateAnswer produces and applies the local answer to a received offer.
func (c *Channel) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	c.logger.DebugSDP("answer created", "bytes", len(answer.SDP))
	return answer, nil
}

// SetRemoteDescription applies the peer's description and unblocks candidate
// application.
func (c *Channel) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	c.logger.DebugSDP("remote description applied", "type", desc.Type.String())
	c.mu.Lock()
	c.remoteSet = true
	c.mu.Unlock()
	return nil
}

// RemoteDescriptionSet reports whether a remote description has been applied.
// Candidates arriving earlier must be queued by the caller.
func (c *Channel) RemoteDescriptionSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSet
}

// AddCandidate applies a remote ICE candidate. Only valid after
// SetRemoteDescription.
func (c *Channel) AddCandidate(cand webrtc.ICECandidateInit) error {
	if err := c.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	c.logger.DebugICE("remote candidate applied", "candidate", cand.Candidate)
	return nil
}

// State returns the cached connection state.
func (c *Channel) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return mapState(c.cachedState)
}

// Close tears the connection down. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.pc.Close()
	c.wg.Wait()
	if err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

// keyframeLoop periodically requests a keyframe for a remote video track so
// a picture lost to packet drop recovers without waiting for the sender's
// own keyframe interval.
func (c *Channel) keyframeLoop(ssrc webrtc.SSRC) {
	defer c.wg.Done()

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			err := c.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
			})
			if err != nil {
				return
			}
		}
	}
}

// readRTCP drains feedback from an RTPSender and surfaces the interesting
// packets in the log.
func (c *Channel) readRTCP(sender *webrtc.RTPSender, trackType string) {
	defer c.wg.Done()

	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
					c.logger.DebugMedia("rtcp read error", "track", trackType, "error", err)
				}
			}
			return
		}

		for _, packet := range packets {
			switch pkt := packet.(type) {
			case *rtcp.PictureLossIndication:
				c.logger.DebugMedia("peer requested keyframe",
					"track", trackType,
					"media_ssrc", pkt.MediaSSRC)
			case *rtcp.ReceiverReport:
				c.logger.DebugMedia("receiver report",
					"track", trackType,
					"reports", len(pkt.Reports))
			}
		}
	}
}

func mapState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}
	return StateNew
}
