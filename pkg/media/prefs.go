package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Preferences are the device ids remembered across calls so the same
// camera and microphone get picked next time.
type Preferences struct {
	VideoDeviceID string `json:"videoDeviceId,omitempty"`
	AudioDeviceID string `json:"audioDeviceId,omitempty"`
	LastUsed      int64  `json:"lastUsed,omitempty"`
}

// Prefs persists device preferences as a small JSON file. All methods are
// safe for concurrent use; disk errors degrade to in-memory behavior.
type Prefs struct {
	mu   sync.Mutex
	path string
	cur  Preferences
}

// DefaultPrefsPath returns the per-user preferences file location.
func DefaultPrefsPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "telecall", "devices.json"), nil
}

// OpenPrefs loads preferences from path, tolerating a missing file.
func OpenPrefs(path string) (*Prefs, error) {
	p := &Prefs{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	if err := json.Unmarshal(data, &p.cur); err != nil {
		// Corrupt file: start over rather than fail every call.
		p.cur = Preferences{}
	}
	return p, nil
}

// Get returns the current preferences.
func (p *Prefs) Get() Preferences {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

// Set replaces the stored preferences and persists them.
func (p *Prefs) Set(prefs Preferences) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	prefs.LastUsed = time.Now().UnixMilli()
	p.cur = prefs
	return p.saveLocked()
}

// Touch refreshes LastUsed after a successful preferred-device acquisition.
func (p *Prefs) Touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur.LastUsed = time.Now().UnixMilli()
	_ = p.saveLocked()
}

// Clear forgets the saved device ids, e.g. after they failed to open or a
// device was unplugged.
func (p *Prefs) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur = Preferences{}
	_ = p.saveLocked()
}

func (p *Prefs) saveLocked() error {
	if p.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create preferences dir: %w", err)
	}
	data, err := json.MarshalIndent(p.cur, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	if err := os.WriteFile(p.path, data, 0o644); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	return nil
}
