// Package session implements the call state machine for one endpoint: it
// consumes control messages from the relay, drives media acquisition and
// transport negotiation, and exposes user-level call controls.
//
// All state lives in a single event-loop goroutine. Commands, signaling
// messages, timer firings and async results (media acquisition, transport
// callbacks) are funneled into that loop, so the negotiation guards have
// exactly one writer and need no locks.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"

	"github.com/televisita/telecall/pkg/logger"
	"github.com/televisita/telecall/pkg/media"
	"github.com/televisita/telecall/pkg/signal"
	"github.com/televisita/telecall/pkg/transport"
)

// Role fixes which side creates offers. Only the Caller ever offers, so the
// two peers cannot glare.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// Status is the user-visible call state.
type Status int

const (
	StatusIdle Status = iota
	StatusRinging
	StatusNegotiating
	StatusConnected
	StatusEnded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRinging:
		return "ringing"
	case StatusNegotiating:
		return "negotiating"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Signaler is the relay client surface the session depends on. Both the
// polling client and the WebSocket client satisfy it.
type Signaler interface {
	Join(ctx context.Context) error
	Send(ctx context.Context, msg signal.Message) error
	Messages() <-chan signal.Message
	Close()
}

// Transport is one media channel attempt. *transport.Channel satisfies it.
type Transport interface {
	OnCandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(*webrtc.TrackRemote))
	OnStateChange(func(transport.State))
	AttachLocal(*media.TrackSet) error
	EnsureRecvOnly() error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescriptionSet() bool
	AddCandidate(cand webrtc.ICECandidateInit) error
	SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error
	State() transport.State
	Close() error
}

// TransportFactory builds a fresh Transport per negotiation attempt.
type TransportFactory func() (Transport, error)

// Acquirer resolves local capture tracks. *media.Resolver satisfies it.
type Acquirer interface {
	Acquire(ctx context.Context) (*media.TrackSet, error)
}

// Defaults for the tunable timings.
const (
	DefaultStartCooldown  = 10 * time.Second
	DefaultEndedIdleDelay = 2 * time.Second
	DefaultMaxReconnects  = 3
)

var (
	// ErrNotCaller is returned when the callee tries to dial.
	ErrNotCaller = errors.New("only the caller can start a call")

	// ErrNotRinging is returned for accept/reject outside an incoming call.
	ErrNotRinging = errors.New("no incoming call to answer")
)

// Config assembles a session's collaborators and tunables.
type Config struct {
	RoomID      string
	UserID      string
	DisplayName string
	Role        Role

	Signaler     Signaler
	NewTransport TransportFactory
	Media        Acquirer

	// StartCooldown throttles repeated dial attempts. Zero means the
	// default 10s.
	StartCooldown time.Duration

	// EndedIdleDelay is how long the Ended status lingers before the
	// session returns to Idle. Zero means the default 2s.
	EndedIdleDelay time.Duration

	// MaxReconnects bounds transport-failure renegotiation attempts per
	// call. Negative disables reconnects; zero means the default 3.
	MaxReconnects int

	// OnStatusChange, when set, is invoked from the session goroutine on
	// every status transition. It must not call back into the session.
	OnStatusChange func(Status)

	// OnRemoteTrack, when set, receives remote media tracks.
	OnRemoteTrack func(*webrtc.TrackRemote)

	Logger *logger.Logger
}

// Snapshot is a point-in-time view of the session for status displays.
type Snapshot struct {
	Status       Status
	Role         Role
	PeerID       string
	AudioEnabled bool
	VideoEnabled bool
	MediaLabel   string
	Connected    time.Duration
	Reconnects   int

	// LastError classifies the most recent failure, empty when none.
	LastError string
}

// Session is the call state machine for one endpoint in one room.
type Session struct {
	cfg    Config
	logger *logger.Logger

	cmds chan func()
	evs  chan any

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startLimiter *rate.Limiter

	// Everything below is owned by the event loop.
	//
	// generation identifies one negotiation attempt: it is stamped into
	// offers, answers and candidates, and into transport callbacks, so
	// artifacts of an abandoned attempt can be recognized and dropped.
	// The caller allocates it; the callee adopts it from the offer.
	//
	// callSeq identifies one call attempt end to end. Adopting a new
	// generation does not bump it, only teardown does, so an in-flight
	// media acquisition survives renegotiation but not a hangup.
	status     Status
	generation uint64
	callSeq    uint64
	peerID     string
	callerName string

	trans      Transport
	localMedia *media.TrackSet

	offerInFlight   bool
	offerSentGen    uint64
	pendingOfferReq bool
	mediaPending    bool
	pendingOffer    *pendingOffer
	pendingCands    []CandidatePayload

	connectedAt time.Time
	reconnects  int
	endedSeq    uint64
	lastError   string
}

type pendingOffer struct {
	from    string
	payload OfferPayload
}

// Async results posted back into the loop. Each carries the generation it
// belongs to so results from an abandoned attempt are dropped.
type (
	evMediaReady struct {
		seq uint64
		set *media.TrackSet
		err error
	}
	evLocalCandidate struct {
		gen  uint64
		cand webrtc.ICECandidateInit
	}
	evTransportState struct {
		gen   uint64
		state transport.State
	}
	evRetry struct {
		gen uint64
	}
	evEndedDelay struct {
		seq uint64
	}
)

// New creates a session. Start must be called before any other method.
func New(cfg Config) (*Session, error) {
	if cfg.Signaler == nil || cfg.NewTransport == nil || cfg.Media == nil {
		return nil, errors.New("session: Signaler, NewTransport and Media are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	if cfg.StartCooldown == 0 {
		cfg.StartCooldown = DefaultStartCooldown
	}
	if cfg.EndedIdleDelay == 0 {
		cfg.EndedIdleDelay = DefaultEndedIdleDelay
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:          cfg,
		logger:       cfg.Logger.With("component", "session", "role", cfg.Role.String()),
		cmds:         make(chan func(), 8),
		evs:          make(chan any, 32),
		ctx:          ctx,
		cancel:       cancel,
		startLimiter: rate.NewLimiter(rate.Every(cfg.StartCooldown), 1),
		status:       StatusIdle,
	}, nil
}

// Start joins the room and starts the event loop.
func (s *Session) Start(ctx context.Context) error {
	if err := s.cfg.Signaler.Join(ctx); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	s.wg.Add(1)
	go s.loop()
	return nil
}

// Close stops the loop, tears down any active call and leaves the room.
func (s *Session) Close() {
	s.cancel()
	s.wg.Wait()

	// The loop is gone; state is safe to touch directly now. The event
	// buffer may still hold a media result that landed after the loop
	// quit, carrying live devices.
drain:
	for {
		select {
		case ev := <-s.evs:
			if mr, ok := ev.(evMediaReady); ok && mr.set != nil {
				mr.set.Stop()
			}
		default:
			break drain
		}
	}

	s.closeTransport()
	s.stopMedia()
	s.cfg.Signaler.Close()
}

// StartCall dials the peer. Caller role only; no-op unless Idle; throttled
// by the start cooldown.
func (s *Session) StartCall() error {
	if s.cfg.Role != RoleCaller {
		return ErrNotCaller
	}
	s.post(func() { s.startCall() })
	return nil
}

// Accept answers an incoming call. Callee role only.
func (s *Session) Accept() error {
	if s.cfg.Role != RoleCallee {
		return ErrNotRinging
	}
	s.post(func() { s.accept() })
	return nil
}

// Reject declines an incoming call.
func (s *Session) Reject() error {
	if s.cfg.Role != RoleCallee {
		return ErrNotRinging
	}
	s.post(func() { s.reject() })
	return nil
}

// End hangs up. Safe to call from any state, including mid-negotiation.
func (s *Session) End() {
	s.post(func() { s.endCall(true, "local hangup") })
}

// ToggleAudio flips the microphone mute state and returns the new value.
func (s *Session) ToggleAudio() bool {
	return s.ask(func() bool {
		if s.localMedia == nil {
			return false
		}
		enabled := s.localMedia.ToggleAudio()
		s.applyTrackGate(webrtc.RTPCodecTypeAudio, enabled)
		return enabled
	})
}

// ToggleVideo flips the camera mute state and returns the new value.
func (s *Session) ToggleVideo() bool {
	return s.ask(func() bool {
		if s.localMedia == nil {
			return false
		}
		enabled := s.localMedia.ToggleVideo()
		s.applyTrackGate(webrtc.RTPCodecTypeVideo, enabled)
		return enabled
	})
}

// applyTrackGate pushes mute state down to the RTP sender so a muted track
// stops transmitting instead of only reporting muted.
func (s *Session) applyTrackGate(kind webrtc.RTPCodecType, enabled bool) {
	if s.trans == nil {
		return
	}
	if err := s.trans.SetTrackEnabled(kind, enabled); err != nil {
		s.logger.Warn("toggle track", "kind", kind.String(), "error", err)
	}
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() Snapshot {
	resp := make(chan Snapshot, 1)
	s.post(func() {
		snap := Snapshot{
			Status:     s.status,
			Role:       s.cfg.Role,
			PeerID:     s.peerID,
			Reconnects: s.reconnects,
			LastError:  s.lastError,
		}
		if s.localMedia != nil {
			snap.AudioEnabled = s.localMedia.AudioEnabled()
			snap.VideoEnabled = s.localMedia.VideoEnabled()
			snap.MediaLabel = s.localMedia.Label()
		}
		if s.status == StatusConnected && !s.connectedAt.IsZero() {
			snap.Connected = time.Since(s.connectedAt)
		}
		resp <- snap
	})
	select {
	case snap := <-resp:
		return snap
	case <-s.ctx.Done():
		return Snapshot{Status: s.status, Role: s.cfg.Role}
	}
}

func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.ctx.Done():
	}
}

func (s *Session) ask(fn func() bool) bool {
	resp := make(chan bool, 1)
	s.post(func() { resp <- fn() })
	select {
	case v := <-resp:
		return v
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) postEvent(ev any) {
	select {
	case s.evs <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) loop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.cmds:
			fn()
		case ev := <-s.evs:
			s.handleEvent(ev)
		case msg, ok := <-s.cfg.Signaler.Messages():
			if !ok {
				s.logger.Warn("signal stream closed")
				return
			}
			s.handleMessage(msg)
		}
	}
}

func (s *Session) setStatus(st Status) {
	if s.status == st {
		return
	}
	s.logger.Info("status changed", "from", s.status.String(), "to", st.String())
	s.status = st
	if s.cfg.OnStatusChange != nil {
		s.cfg.OnStatusChange(st)
	}
}

// ── User commands ────────────────────────────────────────────────────────

func (s *Session) startCall() {
	if s.status != StatusIdle {
		s.logger.DebugSession("start ignored", "status", s.status.String())
		return
	}
	if !s.startLimiter.Allow() {
		s.logger.Warn("start throttled, try again shortly")
		return
	}

	s.generation++
	s.reconnects = 0
	s.setStatus(StatusRinging)
	s.acquireMedia()

	data, err := encodePayload(CallInfoPayload{CallerName: s.cfg.DisplayName})
	if err != nil {
		s.logger.Error("encode call info", "error", err)
		data = nil
	}
	s.send(signal.Message{Type: signal.TypeIncomingCall, Data: data})
}

func (s *Session) accept() {
	if s.status != StatusRinging {
		s.logger.DebugSession("accept ignored", "status", s.status.String())
		return
	}
	s.acquireMedia()
	s.send(signal.Message{Type: signal.TypeCalleeJoined})
}

func (s *Session) reject() {
	if s.status != StatusRinging {
		s.logger.DebugSession("reject ignored", "status", s.status.String())
		return
	}
	s.send(signal.Message{Type: signal.TypeCallRejected})
	s.resetCall()
	s.setStatus(StatusIdle)
}

func (s *Session) endCall(notifyPeer bool, reason string) {
	if s.status == StatusIdle {
		return
	}
	s.logger.Info("ending call", "reason", reason)

	if notifyPeer {
		s.send(signal.Message{Type: signal.TypeCallEnded})
	}
	s.resetCall()
	s.setStatus(StatusEnded)
	s.scheduleIdle()
}

// scheduleIdle arms the cosmetic Ended->Idle delay so the UI can show the
// call summary briefly.
func (s *Session) scheduleIdle() {
	s.endedSeq++
	seq := s.endedSeq
	time.AfterFunc(s.cfg.EndedIdleDelay, func() {
		s.postEvent(evEndedDelay{seq: seq})
	})
}

// resetCall tears down transport and media and clears every negotiation
// guard. Bumping the counters invalidates async results still in flight.
func (s *Session) resetCall() {
	s.generation++
	s.callSeq++
	s.closeTransport()
	s.stopMedia()
	s.offerInFlight = false
	s.offerSentGen = 0
	s.pendingOfferReq = false
	s.mediaPending = false
	s.pendingOffer = nil
	s.pendingCands = nil
	s.peerID = ""
	s.callerName = ""
	s.connectedAt = time.Time{}
}

func (s *Session) closeTransport() {
	if s.trans == nil {
		return
	}
	if err := s.trans.Close(); err != nil {
		s.logger.Warn("transport close", "error", err)
	}
	s.trans = nil
}

func (s *Session) stopMedia() {
	if s.localMedia == nil {
		return
	}
	s.localMedia.Stop()
	s.localMedia = nil
}

// ── Signaling inbound ────────────────────────────────────────────────────

func (s *Session) handleMessage(msg signal.Message) {
	switch msg.Type {
	case signal.TypeIncomingCall:
		s.handleIncomingCall(msg)
	case signal.TypeCalleeJoined:
		s.handleCalleeJoined(msg)
	case signal.TypeOffer:
		s.handleOffer(msg)
	case signal.TypeAnswer:
		s.handleAnswer(msg)
	case signal.TypeCandidate:
		s.handleCandidate(msg)
	case signal.TypeCallEnded:
		s.endCall(false, "peer hung up")
	case signal.TypeCallRejected:
		s.handleRejected()
	default:
		s.logger.DebugSession("unhandled message", "type", msg.Type)
	}
}

func (s *Session) handleIncomingCall(msg signal.Message) {
	if s.cfg.Role != RoleCallee {
		return
	}
	if s.status != StatusIdle && s.status != StatusRinging {
		s.logger.DebugSession("incoming call ignored", "status", s.status.String())
		return
	}

	var info CallInfoPayload
	if len(msg.Data) > 0 {
		if err := decodePayload(msg, &info); err != nil {
			s.logger.Warn("bad call info", "error", err)
		}
	}
	s.peerID = msg.From
	s.callerName = info.CallerName
	s.setStatus(StatusRinging)
	s.logger.Info("incoming call", "from", msg.From, "caller", info.CallerName)
}

// handleCalleeJoined is the caller's trigger to offer. Duplicate deliveries
// and redeliveries must not produce a second offer for the same attempt.
func (s *Session) handleCalleeJoined(msg signal.Message) {
	if s.cfg.Role != RoleCaller {
		return
	}
	if s.status != StatusRinging && s.status != StatusNegotiating {
		s.logger.DebugSession("callee-joined ignored", "status", s.status.String())
		return
	}
	s.peerID = msg.From

	if s.offerInFlight || s.offerSentGen == s.generation {
		s.logger.DebugSession("offer already sent for this attempt, skipping")
		return
	}
	if s.mediaPending {
		// Media is still resolving; remember to offer once it lands.
		s.pendingOfferReq = true
		return
	}
	s.sendOffer()
}

func (s *Session) handleOffer(msg signal.Message) {
	if s.cfg.Role != RoleCallee {
		return
	}

	var payload OfferPayload
	if err := decodePayload(msg, &payload); err != nil {
		s.logger.Warn("bad offer", "error", err)
		return
	}

	if s.trans != nil && s.trans.RemoteDescriptionSet() && payload.Generation == s.generation {
		s.logger.DebugSession("duplicate offer, skipping")
		return
	}

	// A new generation from the caller means a renegotiation attempt:
	// drop the old transport but keep local media.
	if s.trans != nil && payload.Generation != s.generation {
		s.closeTransport()
		s.pendingCands = nil
	}
	s.generation = payload.Generation
	s.peerID = msg.From

	if s.mediaPending {
		s.pendingOffer = &pendingOffer{from: msg.From, payload: payload}
		return
	}
	s.answerOffer(payload)
}

func (s *Session) handleAnswer(msg signal.Message) {
	if s.cfg.Role != RoleCaller {
		return
	}

	var payload AnswerPayload
	if err := decodePayload(msg, &payload); err != nil {
		s.logger.Warn("bad answer", "error", err)
		return
	}
	if payload.Generation != s.generation {
		s.logger.DebugSession("stale answer dropped",
			"answer_generation", payload.Generation,
			"current_generation", s.generation)
		return
	}
	if s.trans == nil || !s.offerInFlight {
		s.logger.DebugSession("unexpected answer dropped")
		return
	}
	if s.trans.RemoteDescriptionSet() {
		s.logger.DebugSession("duplicate answer, skipping")
		return
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
	if err := s.trans.SetRemoteDescription(desc); err != nil {
		s.logger.Error("apply answer", "error", err)
		s.failCall("apply answer: " + err.Error())
		return
	}
	s.offerInFlight = false
	s.drainCandidates()
}

// handleCandidate applies a remote candidate, or queues it when it raced
// ahead of the offer/answer. Queued candidates drain in receipt order.
func (s *Session) handleCandidate(msg signal.Message) {
	var payload CandidatePayload
	if err := decodePayload(msg, &payload); err != nil {
		s.logger.Warn("bad candidate", "error", err)
		return
	}

	if s.trans == nil || !s.trans.RemoteDescriptionSet() {
		s.pendingCands = append(s.pendingCands, payload)
		s.logger.DebugSession("candidate queued", "queued", len(s.pendingCands))
		return
	}
	if payload.Generation != s.generation {
		s.logger.DebugSession("stale candidate dropped")
		return
	}
	if err := s.trans.AddCandidate(payload.Candidate); err != nil {
		s.logger.Warn("add candidate", "error", err)
	}
}

func (s *Session) handleRejected() {
	if s.cfg.Role != RoleCaller {
		return
	}
	s.logger.Info("call rejected by peer")
	s.resetCall()
	s.setStatus(StatusEnded)
	s.scheduleIdle()
}

// ── Negotiation ──────────────────────────────────────────────────────────

func (s *Session) acquireMedia() {
	s.mediaPending = true
	seq := s.callSeq
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		set, err := s.cfg.Media.Acquire(s.ctx)
		select {
		case s.evs <- evMediaReady{seq: seq, set: set, err: err}:
		case <-s.ctx.Done():
			// Nothing will read the event; release the devices here
			// instead of leaving the camera lit.
			if set != nil {
				set.Stop()
			}
		}
	}()
}

func (s *Session) sendOffer() {
	if s.offerInFlight || s.offerSentGen == s.generation {
		return
	}
	if err := s.ensureTransport(); err != nil {
		s.failCall("create transport: " + err.Error())
		return
	}

	offer, err := s.trans.CreateOffer(s.ctx)
	if err != nil {
		s.failCall("create offer: " + err.Error())
		return
	}

	data, err := encodePayload(OfferPayload{
		SDP:        offer.SDP,
		Type:       offer.Type.String(),
		Generation: s.generation,
	})
	if err != nil {
		s.failCall(err.Error())
		return
	}

	s.offerInFlight = true
	s.offerSentGen = s.generation
	s.pendingOfferReq = false
	s.send(signal.Message{Type: signal.TypeOffer, To: s.peerID, Data: data})
	s.setStatus(StatusNegotiating)
	s.logger.Info("offer sent", "generation", s.generation)
}

func (s *Session) answerOffer(payload OfferPayload) {
	if err := s.ensureTransport(); err != nil {
		s.failCall("create transport: " + err.Error())
		return
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
	if err := s.trans.SetRemoteDescription(desc); err != nil {
		s.failCall("apply offer: " + err.Error())
		return
	}
	s.drainCandidates()

	answer, err := s.trans.CreateAnswer(s.ctx)
	if err != nil {
		s.failCall("create answer: " + err.Error())
		return
	}

	data, err := encodePayload(AnswerPayload{
		SDP:        answer.SDP,
		Type:       answer.Type.String(),
		Generation: payload.Generation,
	})
	if err != nil {
		s.failCall(err.Error())
		return
	}

	s.send(signal.Message{Type: signal.TypeAnswer, To: s.peerID, Data: data})
	s.setStatus(StatusNegotiating)
	s.logger.Info("answer sent", "generation", payload.Generation)
}

// ensureTransport builds a fresh channel for the current attempt, attaches
// local media (falling back to receive-only) and wires callbacks stamped
// with the current generation.
func (s *Session) ensureTransport() error {
	if s.trans != nil {
		return nil
	}
	t, err := s.cfg.NewTransport()
	if err != nil {
		return err
	}
	s.trans = t

	gen := s.generation
	t.OnCandidate(func(cand webrtc.ICECandidateInit) {
		s.postEvent(evLocalCandidate{gen: gen, cand: cand})
	})
	t.OnStateChange(func(state transport.State) {
		s.postEvent(evTransportState{gen: gen, state: state})
	})
	if s.cfg.OnRemoteTrack != nil {
		t.OnTrack(s.cfg.OnRemoteTrack)
	}

	if s.localMedia != nil {
		if err := t.AttachLocal(s.localMedia); err != nil {
			return err
		}
		// A mute chosen before renegotiation carries over to the new
		// transport.
		if s.localMedia.HasAudio() && !s.localMedia.AudioEnabled() {
			if err := t.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false); err != nil {
				return err
			}
		}
		if s.localMedia.HasVideo() && !s.localMedia.VideoEnabled() {
			if err := t.SetTrackEnabled(webrtc.RTPCodecTypeVideo, false); err != nil {
				return err
			}
		}
	}
	return t.EnsureRecvOnly()
}

// drainCandidates applies queued remote candidates in the order they were
// received, dropping any from another generation.
func (s *Session) drainCandidates() {
	if len(s.pendingCands) == 0 {
		return
	}
	queued := s.pendingCands
	s.pendingCands = nil
	for _, p := range queued {
		if p.Generation != s.generation {
			continue
		}
		if err := s.trans.AddCandidate(p.Candidate); err != nil {
			s.logger.Warn("add queued candidate", "error", err)
		}
	}
	s.logger.DebugSession("candidate queue drained", "count", len(queued))
}

func (s *Session) failCall(reason string) {
	s.logger.Error("call failed", "reason", reason)
	s.lastError = reason
	s.send(signal.Message{Type: signal.TypeCallEnded})
	s.resetCall()
	s.setStatus(StatusFailed)
	s.scheduleIdle()
}

// ── Async events ─────────────────────────────────────────────────────────

func (s *Session) handleEvent(ev any) {
	switch e := ev.(type) {
	case evMediaReady:
		s.handleMediaReady(e)
	case evLocalCandidate:
		s.handleLocalCandidate(e)
	case evTransportState:
		s.handleTransportState(e)
	case evRetry:
		s.handleRetry(e)
	case evEndedDelay:
		if e.seq == s.endedSeq && (s.status == StatusEnded || s.status == StatusFailed) {
			s.setStatus(StatusIdle)
		}
	}
}

func (s *Session) handleMediaReady(e evMediaReady) {
	if e.seq != s.callSeq {
		// Result of an abandoned call; release the devices.
		if e.set != nil {
			e.set.Stop()
		}
		return
	}
	s.mediaPending = false

	if e.err != nil {
		s.pendingOfferReq = false
		s.pendingOffer = nil
		s.logger.Error("media acquisition failed", "error", e.err)
		s.lastError = e.err.Error()
		s.endCall(true, "media unavailable: "+e.err.Error())
		return
	}

	s.localMedia = e.set
	s.logger.Info("local media ready",
		"rung", e.set.Label(),
		"audio", e.set.HasAudio(),
		"video", e.set.HasVideo())

	switch {
	case s.cfg.Role == RoleCaller && s.pendingOfferReq:
		s.sendOffer()
	case s.cfg.Role == RoleCallee && s.pendingOffer != nil:
		payload := s.pendingOffer.payload
		s.pendingOffer = nil
		s.answerOffer(payload)
	}
}

func (s *Session) handleLocalCandidate(e evLocalCandidate) {
	if e.gen != s.generation {
		return
	}
	data, err := encodePayload(CandidatePayload{Candidate: e.cand, Generation: e.gen})
	if err != nil {
		s.logger.Warn("encode candidate", "error", err)
		return
	}
	s.send(signal.Message{Type: signal.TypeCandidate, To: s.peerID, Data: data})
}

func (s *Session) handleTransportState(e evTransportState) {
	if e.gen != s.generation {
		return
	}

	switch e.state {
	case transport.StateConnected:
		s.connectedAt = time.Now()
		s.reconnects = 0
		s.setStatus(StatusConnected)
	case transport.StateDisconnected:
		// ICE often recovers on its own; the lenient timeouts give it
		// 30s before this escalates to Failed.
		s.logger.Warn("transport disconnected, waiting for recovery")
	case transport.StateFailed:
		s.handleTransportFailure()
	}
}

// handleTransportFailure retries negotiation with a fresh transport while
// keeping local media, up to MaxReconnects with growing backoff. The caller
// drives the new offer; the callee just waits for it in Ringing.
func (s *Session) handleTransportFailure() {
	if s.cfg.MaxReconnects < 0 || s.reconnects >= s.cfg.MaxReconnects {
		s.logger.Error("transport failed, reconnect attempts exhausted",
			"attempts", s.reconnects)
		s.lastError = "transport failed"
		s.send(signal.Message{Type: signal.TypeCallEnded})
		s.resetCall()
		s.setStatus(StatusFailed)
		s.scheduleIdle()
		return
	}

	s.reconnects++
	delay := backoffDelay(s.reconnects)
	s.logger.Warn("transport failed, scheduling reconnect",
		"attempt", s.reconnects,
		"max", s.cfg.MaxReconnects,
		"delay", delay)

	s.closeTransport()
	s.pendingCands = nil
	s.offerInFlight = false
	s.generation++
	s.setStatus(StatusRinging)

	if s.cfg.Role != RoleCaller {
		return
	}
	gen := s.generation
	time.AfterFunc(delay, func() {
		s.postEvent(evRetry{gen: gen})
	})
}

func (s *Session) handleRetry(e evRetry) {
	if e.gen != s.generation || s.status != StatusRinging {
		return
	}
	s.logger.Info("reconnecting", "attempt", s.reconnects, "generation", s.generation)
	s.sendOffer()
}

// send posts a control message best-effort; signaling loss during an active
// call is tolerable, and negotiation-phase failures surface via timeouts.
func (s *Session) send(msg signal.Message) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.cfg.Signaler.Send(ctx, msg); err != nil {
		s.logger.Warn("send failed", "type", msg.Type, "error", err)
	}
}
