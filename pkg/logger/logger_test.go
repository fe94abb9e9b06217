package logger

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
		wantErr  bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", "", true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q) expected error", tt.input)
			}
			continue
		}
		if err != nil || got != tt.expected {
			t.Errorf("ParseLevel(%q) = %q, %v; expected %q", tt.input, got, err, tt.expected)
		}
	}
}

func TestEnableCategoryAll(t *testing.T) {
	cfg := NewConfig()
	cfg.EnableCategory(DebugAll)

	for _, cat := range []DebugCategory{DebugSignal, DebugSDP, DebugICE, DebugMedia, DebugSession} {
		if !cfg.IsCategoryEnabled(cat) {
			t.Errorf("category %s should be enabled by DebugAll", cat)
		}
	}
}

func TestCategoryFilteringSuppressesOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")

	cfg := NewConfig()
	cfg.Level = LevelDebug
	cfg.OutputFile = path
	cfg.EnableCategory(DebugICE)

	log, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.DebugICE("candidate gathered", "type", "host")
	log.DebugSDP("offer composed", "sections", 2)
	log.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "candidate gathered") {
		t.Error("enabled category should be logged")
	}
	if strings.Contains(out, "offer composed") {
		t.Error("disabled category should be suppressed")
	}
}

func TestFlagsToConfig(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	if err := fs.Parse([]string{"-log-format", "json", "-debug-session"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := f.ToConfig()
	if err != nil {
		t.Fatalf("ToConfig: %v", err)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("Format = %q, expected json", cfg.Format)
	}
	if cfg.Level != LevelDebug {
		t.Error("enabling a debug category should force debug level")
	}
	if !cfg.IsCategoryEnabled(DebugSession) {
		t.Error("session category should be enabled")
	}
	if cfg.IsCategoryEnabled(DebugICE) {
		t.Error("ice category should stay disabled")
	}
}

func TestFlagsRejectBadLevel(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	if err := fs.Parse([]string{"-log-level", "loud"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ToConfig(); err == nil {
		t.Error("expected an error for an invalid level")
	}
}
