package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when the .env file leaves a key unset.
const (
	DefaultPollInterval = 1000 * time.Millisecond
	DefaultSTUNServers  = "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"
)

// Config holds all settings for relay endpoints and the relay server
type Config struct {
	Relay RelayConfig
	Call  CallConfig
}

// RelayConfig holds relay service settings
type RelayConfig struct {
	URL          string
	ListenAddr   string
	PollInterval time.Duration
	UseWebSocket bool
}

// CallConfig holds call endpoint settings
type CallConfig struct {
	RoomID        string
	UserType      string
	STUNServers   []string
	MaxReconnects int
}

// Load reads configuration from a .env file
func Load(envPath string) (*Config, error) {
	file, err := os.Open(envPath)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	cfg := &Config{
		Relay: RelayConfig{
			ListenAddr:   ":8787",
			PollInterval: DefaultPollInterval,
		},
		Call: CallConfig{
			UserType:    "doctor",
			STUNServers: splitList(DefaultSTUNServers),
		},
	}
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key=value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// URL decode values that might be encoded
		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			// If decode fails, use original value
			decodedValue = value
		}

		switch key {
		case "relay_url":
			cfg.Relay.URL = decodedValue
		case "listen_addr":
			cfg.Relay.ListenAddr = decodedValue
		case "poll_interval_ms":
			ms, err := strconv.Atoi(decodedValue)
			if err != nil {
				return nil, fmt.Errorf("invalid poll_interval_ms %q: %w", decodedValue, err)
			}
			cfg.Relay.PollInterval = time.Duration(ms) * time.Millisecond
		case "use_websocket":
			cfg.Relay.UseWebSocket = decodedValue == "true" || decodedValue == "1"
		case "room_id":
			cfg.Call.RoomID = decodedValue
		case "user_type":
			cfg.Call.UserType = decodedValue
		case "stun_servers":
			cfg.Call.STUNServers = splitList(decodedValue)
		case "max_reconnects":
			n, err := strconv.Atoi(decodedValue)
			if err != nil {
				return nil, fmt.Errorf("invalid max_reconnects %q: %w", decodedValue, err)
			}
			cfg.Call.MaxReconnects = n
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are present
func (c *Config) Validate() error {
	if c.Relay.URL == "" {
		return fmt.Errorf("missing relay_url")
	}
	if c.Relay.PollInterval <= 0 {
		return fmt.Errorf("poll_interval_ms must be positive")
	}
	if c.Call.UserType != "doctor" && c.Call.UserType != "patient" {
		return fmt.Errorf("user_type must be doctor or patient, got %q", c.Call.UserType)
	}
	if len(c.Call.STUNServers) == 0 {
		return fmt.Errorf("missing stun_servers")
	}
	if c.Call.MaxReconnects < 0 {
		return fmt.Errorf("max_reconnects must not be negative")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
