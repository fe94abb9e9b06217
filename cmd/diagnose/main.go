// diagnose checks the pieces a call depends on before anyone dials: STUN
// reachability, the relay health endpoint, and an in-process loopback
// negotiation with a synthetic RTP test pattern.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"

	"github.com/televisita/telecall/pkg/config"
	"github.com/televisita/telecall/pkg/logger"
	"github.com/televisita/telecall/pkg/media"
	"github.com/televisita/telecall/pkg/transport"
)

func main() {
	fs := flag.NewFlagSet("diagnose", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("env", ".env", "path to .env configuration file")
	duration := fs.Duration("duration", 10*time.Second, "loopback test duration")
	fs.Parse(os.Args[1:])

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		os.Stderr.WriteString("logger init: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logger.New(logCfg)
	if err != nil {
		os.Stderr.WriteString("logger init: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Error("failed to load configuration", "path", *envPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration+30*time.Second)
	defer cancel()

	ok := true
	if !checkSTUN(cfg.Call.STUNServers, log) {
		ok = false
	}
	if !checkRelay(ctx, cfg.Relay.URL, log) {
		ok = false
	}
	if !loopbackCall(ctx, cfg.Call.STUNServers, *duration, log) {
		ok = false
	}

	if !ok {
		log.Error("diagnostics finished with failures")
		os.Exit(1)
	}
	log.Info("all diagnostics passed")
}

// checkSTUN sends a binding request to each configured server and reports
// the reflexive address, proving UDP egress works.
func checkSTUN(servers []string, log *logger.Logger) bool {
	ok := false
	for _, server := range servers {
		addr := strings.TrimPrefix(server, "stun:")
		client, err := stun.Dial("udp4", addr)
		if err != nil {
			log.Warn("stun dial failed", "server", addr, "error", err)
			continue
		}

		var mapped stun.XORMappedAddress
		req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		err = client.Do(req, func(res stun.Event) {
			if res.Error != nil {
				err = res.Error
				return
			}
			err = mapped.GetFrom(res.Message)
		})
		client.Close()

		if err != nil {
			log.Warn("stun binding failed", "server", addr, "error", err)
			continue
		}
		log.Info("stun binding ok", "server", addr, "reflexive_addr", mapped.String())
		ok = true
	}
	if !ok {
		log.Error("no STUN server reachable")
	}
	return ok
}

func checkRelay(ctx context.Context, relayURL string, log *logger.Logger) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(relayURL, "/")+"/health", nil)
	if err != nil {
		log.Error("relay health request", "error", err)
		return false
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		log.Error("relay unreachable", "url", relayURL, "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Error("relay unhealthy", "status", resp.StatusCode)
		return false
	}
	log.Info("relay healthy", "url", relayURL)
	return true
}

// staticTrack adapts a TrackLocalStaticRTP to the capture track interface.
type staticTrack struct {
	*webrtc.TrackLocalStaticRTP
}

func (staticTrack) Close() error { return nil }

// loopbackCall negotiates two channels against each other in-process and
// pushes a synthetic VP8 RTP stream through, verifying the full pion path
// (SDP, ICE over loopback, SRTP, interceptors) without hardware.
func loopbackCall(ctx context.Context, stunServers []string, duration time.Duration, log *logger.Logger) bool {
	tlog := log.With("component", "loopback")

	sender, err := transport.NewChannel(transport.Options{STUNServers: stunServers, Logger: tlog})
	if err != nil {
		log.Error("create sender channel", "error", err)
		return false
	}
	defer sender.Close()

	receiver, err := transport.NewChannel(transport.Options{STUNServers: stunServers, Logger: tlog})
	if err != nil {
		log.Error("create receiver channel", "error", err)
		return false
	}
	defer receiver.Close()

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", "diagnose-pattern")
	if err != nil {
		log.Error("create test track", "error", err)
		return false
	}
	if err := sender.AttachLocal(media.NewTrackSet(nil, staticTrack{track}, "test-pattern")); err != nil {
		log.Error("attach test track", "error", err)
		return false
	}
	if err := receiver.EnsureRecvOnly(); err != nil {
		log.Error("prepare receiver", "error", err)
		return false
	}

	// Trickle candidates across once descriptions are in place.
	senderCands := make(chan webrtc.ICECandidateInit, 32)
	receiverCands := make(chan webrtc.ICECandidateInit, 32)
	sender.OnCandidate(func(c webrtc.ICECandidateInit) { senderCands <- c })
	receiver.OnCandidate(func(c webrtc.ICECandidateInit) { receiverCands <- c })

	var received atomic.Uint64
	receiver.OnTrack(func(remote *webrtc.TrackRemote) {
		go func() {
			for {
				if _, _, err := remote.ReadRTP(); err != nil {
					return
				}
				received.Add(1)
			}
		}()
	})

	connected := make(chan struct{}, 1)
	receiver.OnStateChange(func(st transport.State) {
		if st == transport.StateConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	offer, err := sender.CreateOffer(ctx)
	if err != nil {
		log.Error("create offer", "error", err)
		return false
	}
	if sum, err := transport.DescribeSDP(offer.SDP); err == nil {
		log.Info("offer composed",
			"media_sections", sum.MediaSections,
			"video", sum.HasVideo,
			"audio", sum.HasAudio)
	}
	if err := receiver.SetRemoteDescription(offer); err != nil {
		log.Error("apply offer", "error", err)
		return false
	}
	answer, err := receiver.CreateAnswer(ctx)
	if err != nil {
		log.Error("create answer", "error", err)
		return false
	}
	if err := sender.SetRemoteDescription(answer); err != nil {
		log.Error("apply answer", "error", err)
		return false
	}

	go relayCandidates(ctx, senderCands, receiver, log)
	go relayCandidates(ctx, receiverCands, sender, log)

	select {
	case <-connected:
		log.Info("loopback connected")
	case <-time.After(20 * time.Second):
		log.Error("loopback connection timeout",
			"sender_state", sender.State().String(),
			"receiver_state", receiver.State().String())
		return false
	case <-ctx.Done():
		return false
	}

	sent := sendTestPattern(ctx, track, duration, log)
	// Give in-flight packets a moment to land.
	time.Sleep(500 * time.Millisecond)

	got := received.Load()
	log.Info("loopback result", "packets_sent", sent, "packets_received", got)
	if got == 0 {
		log.Error("no packets made it through the loopback")
		return false
	}
	return true
}

func relayCandidates(ctx context.Context, cands <-chan webrtc.ICECandidateInit, dst *transport.Channel, log *logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-cands:
			if err := dst.AddCandidate(c); err != nil {
				log.Debug("loopback candidate rejected", "error", err)
			}
		}
	}
}

// sendTestPattern writes a 30fps stream of minimal VP8 payloads. The
// content is not decodable video; the point is exercising RTP flow.
func sendTestPattern(ctx context.Context, track *webrtc.TrackLocalStaticRTP, duration time.Duration, log *logger.Logger) uint64 {
	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(duration)

	var seq uint16
	var ts uint32
	var sent uint64
	payload := make([]byte, 800)
	payload[0] = 0x10 // VP8 payload descriptor: start of partition

	for {
		select {
		case <-ctx.Done():
			return sent
		case <-deadline:
			return sent
		case <-ticker.C:
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					SequenceNumber: seq,
					Timestamp:      ts,
					Marker:         true,
				},
				Payload: payload,
			}
			if err := track.WriteRTP(pkt); err != nil {
				log.Warn("test pattern write failed", "error", err)
				return sent
			}
			seq++
			ts += 3000 // 90kHz / 30fps
			sent++
			if sent%150 == 0 {
				log.Debug("test pattern progress", "packets", sent)
			}
		}
	}
}
