package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeEnv(t, `
# relay endpoint
relay_url=http://localhost:8787
room_id=room-1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Relay.PollInterval != time.Second {
		t.Errorf("PollInterval = %s, expected 1s default", cfg.Relay.PollInterval)
	}
	if cfg.Relay.ListenAddr != ":8787" {
		t.Errorf("ListenAddr = %q, expected default :8787", cfg.Relay.ListenAddr)
	}
	if cfg.Call.UserType != "doctor" {
		t.Errorf("UserType = %q, expected default doctor", cfg.Call.UserType)
	}
	if len(cfg.Call.STUNServers) != 2 {
		t.Errorf("STUNServers = %v, expected two Google defaults", cfg.Call.STUNServers)
	}
}

func TestLoadParsesAllKeys(t *testing.T) {
	path := writeEnv(t, `
relay_url=https://relay.example.com
listen_addr=:9000
poll_interval_ms=500
use_websocket=true
room_id=consult-42
user_type=patient
stun_servers=stun:stun.example.com:3478, stun:backup.example.com:3478
max_reconnects=5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Relay.URL != "https://relay.example.com" {
		t.Errorf("URL = %q", cfg.Relay.URL)
	}
	if cfg.Relay.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %s", cfg.Relay.PollInterval)
	}
	if !cfg.Relay.UseWebSocket {
		t.Error("UseWebSocket should be true")
	}
	if cfg.Call.UserType != "patient" {
		t.Errorf("UserType = %q", cfg.Call.UserType)
	}
	if len(cfg.Call.STUNServers) != 2 || cfg.Call.STUNServers[1] != "stun:backup.example.com:3478" {
		t.Errorf("STUNServers = %v", cfg.Call.STUNServers)
	}
	if cfg.Call.MaxReconnects != 5 {
		t.Errorf("MaxReconnects = %d", cfg.Call.MaxReconnects)
	}
}

func TestLoadURLDecodesValues(t *testing.T) {
	path := writeEnv(t, `
relay_url=http%3A%2F%2Flocalhost%3A8787
room_id=room-1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.URL != "http://localhost:8787" {
		t.Errorf("URL = %q, expected decoded value", cfg.Relay.URL)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		env  string
	}{
		{"missing relay_url", "room_id=room-1\n"},
		{"bad user_type", "relay_url=http://localhost:8787\nuser_type=nurse\n"},
		{"negative reconnects", "relay_url=http://localhost:8787\nmax_reconnects=-1\n"},
		{"bad poll interval", "relay_url=http://localhost:8787\npoll_interval_ms=abc\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeEnv(t, tt.env)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.env")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
