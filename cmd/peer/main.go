// peer runs one call endpoint: it joins the configured room through the
// relay, acquires local media, and drives calls from an interactive prompt.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/televisita/telecall/pkg/config"
	"github.com/televisita/telecall/pkg/logger"
	"github.com/televisita/telecall/pkg/media"
	"github.com/televisita/telecall/pkg/session"
	"github.com/televisita/telecall/pkg/signal"
	"github.com/televisita/telecall/pkg/transport"
)

func main() {
	fs := flag.NewFlagSet("peer", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("env", ".env", "path to .env configuration file")
	name := fs.String("name", "", "display name shown to the peer")
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
	if cfg.Call.RoomID == "" {
		log.Error("room_id is required for the peer endpoint")
		os.Exit(1)
	}

	// Suffix the user id so two sessions of the same role in one room are
	// distinguishable in relay logs.
	userID := cfg.Call.UserType + "-" + uuid.NewString()[:8]
	role := session.RoleCallee
	if cfg.Call.UserType == "doctor" {
		role = session.RoleCaller
	}

	log.Info("starting call endpoint",
		"room_id", cfg.Call.RoomID,
		"user_id", userID,
		"role", role.String(),
		"relay", cfg.Relay.URL)

	// Relay client: poll loop by default, WebSocket push when configured.
	var signaler session.Signaler
	if cfg.Relay.UseWebSocket {
		signaler = signal.NewWSClient(cfg.Relay.URL, cfg.Call.RoomID, userID,
			cfg.Call.UserType, log.With("component", "signal"))
	} else {
		client := signal.NewClient(cfg.Relay.URL, cfg.Call.RoomID, userID,
			cfg.Call.UserType, log.With("component", "signal"))
		client.SetPollInterval(cfg.Relay.PollInterval)
		signaler = client
	}

	// Device preferences and capture.
	prefsPath, err := media.DefaultPrefsPath()
	if err != nil {
		log.Warn("device preferences unavailable", "error", err)
	}
	prefs, err := media.OpenPrefs(prefsPath)
	if err != nil {
		log.Warn("device preferences unreadable", "error", err)
		prefs, _ = media.OpenPrefs("")
	}

	acquire, selector, err := media.NewCapture(log.With("component", "media"))
	if err != nil {
		log.Error("capture init failed", "error", err)
		os.Exit(1)
	}
	resolver := media.NewResolver(acquire, prefs, log.With("component", "media"))

	// Unplugged devices invalidate saved preferences so the next call
	// doesn't stall on a missing camera.
	watcher, err := media.NewDeviceWatcher("/dev", func(name string, removed bool) {
		if removed {
			prefs.Clear()
		}
	}, log.With("component", "devwatch"))
	if err != nil {
		log.Debug("device watch unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	transportLog := log.With("component", "transport")
	newTransport := func() (session.Transport, error) {
		opts := transport.Options{
			STUNServers: cfg.Call.STUNServers,
			Logger:      transportLog,
		}
		if selector != nil {
			opts.Populator = selector
		}
		return transport.NewChannel(opts)
	}

	sess, err := session.New(session.Config{
		RoomID:        cfg.Call.RoomID,
		UserID:        userID,
		DisplayName:   *name,
		Role:          role,
		Signaler:      signaler,
		NewTransport:  newTransport,
		Media:         resolver,
		MaxReconnects: cfg.Call.MaxReconnects,
		OnStatusChange: func(st session.Status) {
			fmt.Printf("\r[call] %s\n> ", st.String())
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			go drainTrack(track, log)
		},
		Logger: log.With("component", "session"),
	})
	if err != nil {
		log.Error("session init failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		log.Error("failed to join room", "error", err)
		os.Exit(1)
	}
	defer sess.Close()

	runPrompt(sess, role)
}

// drainTrack keeps a remote track's RTP flowing; without a reader the
// interceptors stall and the sender backs off.
func drainTrack(track *webrtc.TrackRemote, log *logger.Logger) {
	var packets uint64
	for {
		_, _, err := track.ReadRTP()
		if err != nil {
			log.Debug("remote track ended",
				"kind", track.Kind().String(),
				"packets", packets)
			return
		}
		packets++
	}
}

func runPrompt(sess *session.Session, role session.Role) {
	fmt.Println("commands: call accept reject end mute video status devices quit")
	fmt.Print("> ")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "call":
			if err := sess.StartCall(); err != nil {
				fmt.Println("error:", err)
			}
		case "accept":
			if err := sess.Accept(); err != nil {
				fmt.Println("error:", err)
			}
		case "reject":
			if err := sess.Reject(); err != nil {
				fmt.Println("error:", err)
			}
		case "end":
			sess.End()
		case "mute":
			fmt.Println("audio enabled:", sess.ToggleAudio())
		case "video":
			fmt.Println("video enabled:", sess.ToggleVideo())
		case "status":
			snap := sess.Snapshot()
			fmt.Printf("status=%s role=%s peer=%q media=%q audio=%v video=%v reconnects=%d",
				snap.Status.String(), snap.Role.String(), snap.PeerID,
				snap.MediaLabel, snap.AudioEnabled, snap.VideoEnabled, snap.Reconnects)
			if snap.Connected > 0 {
				fmt.Printf(" connected=%s", snap.Connected.Round(time.Second))
			}
			if snap.LastError != "" {
				fmt.Printf(" last_error=%q", snap.LastError)
			}
			fmt.Println()
		case "devices":
			for _, d := range media.ListDevices() {
				fmt.Printf("%v: %s (%s)\n", d.Kind, d.Label, d.DeviceID)
			}
		case "quit", "exit":
			return
		case "":
		default:
			fmt.Println("commands: call accept reject end mute video status devices quit")
		}
		fmt.Print("> ")
	}
}
