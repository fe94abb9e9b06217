// relayd runs the signaling relay: the per-room HTTP mailbox that call
// endpoints poll (or stream over WebSocket) during negotiation.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/televisita/telecall/pkg/api"
	"github.com/televisita/telecall/pkg/config"
	"github.com/televisita/telecall/pkg/logger"
)

func main() {
	fs := flag.NewFlagSet("relayd", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("env", ".env", "path to .env configuration file")
	addr := fs.String("addr", ":8787", "listen address (overridden by listen_addr in .env)")
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

	listenAddr := *addr
	if _, err := os.Stat(*envPath); err == nil {
		cfg, err := config.Load(*envPath)
		if err != nil {
			log.Error("failed to load configuration", "path", *envPath, "error", err)
			os.Exit(1)
		}
		if cfg.Relay.ListenAddr != "" {
			listenAddr = cfg.Relay.ListenAddr
		}
		log.Info("configuration loaded", "path", *envPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	server := api.NewServer(log.With("component", "relay"))
	if err := server.Start(ctx, listenAddr); err != nil {
		log.Error("relay server exited", "error", err)
		os.Exit(1)
	}

	log.Info("graceful shutdown complete")
}
