package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Transport.URL = "wss://chat.example.com/realtime"
	cfg.Reconnect.Base = Duration(2 * time.Second)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Transport.URL != "wss://chat.example.com/realtime" {
		t.Errorf("Transport.URL = %q", loaded.Transport.URL)
	}
	if loaded.Reconnect.Base.Std() != 2*time.Second {
		t.Errorf("Reconnect.Base = %v, want 2s", loaded.Reconnect.Base.Std())
	}
}

// TestLoadFillsDefaults verifies a partial file inherits defaults for
// everything it does not set.
func TestLoadFillsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	partial := "default_profile = \"alt\"\n\n[reconnect]\nmax_attempts = 7\n"
	if err := os.WriteFile(path, []byte(partial), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DefaultProfile != "alt" {
		t.Errorf("DefaultProfile = %q, want alt", cfg.DefaultProfile)
	}
	if cfg.Reconnect.MaxAttempts != 7 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 7", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Channel.HandshakeTimeout.Std() != 10*time.Second {
		t.Errorf("Channel.HandshakeTimeout = %v, want default 10s", cfg.Channel.HandshakeTimeout.Std())
	}
	if cfg.Queue.MaxLength != 100 {
		t.Errorf("Queue.MaxLength = %d, want default 100", cfg.Queue.MaxLength)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.DefaultProfile != "main" {
		t.Errorf("DefaultProfile = %q, want main", cfg.DefaultProfile)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestDurationRoundTrip(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"500ms", 500 * time.Millisecond},
		{"30s", 30 * time.Second},
		{"1m30s", 90 * time.Second},
	}
	for _, tt := range tests {
		var d Duration
		if err := d.UnmarshalText([]byte(tt.in)); err != nil {
			t.Fatalf("UnmarshalText(%q) error = %v", tt.in, err)
		}
		if d.Std() != tt.want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", tt.in, d.Std(), tt.want)
		}
		out, err := d.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		if string(out) != tt.in {
			t.Errorf("MarshalText() = %q, want %q", out, tt.in)
		}
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("UnmarshalText(soon) expected error")
	}
}
