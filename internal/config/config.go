// Package config loads and saves the daemon's TOML configuration.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that round-trips through TOML as a string
// like "500ms" or "30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration, one file per install at
// ~/.chatlink/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Transport TransportConfig `toml:"transport"`
	Identity  IdentityConfig  `toml:"identity"`
	Channel   ChannelConfig   `toml:"channel"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Presence  PresenceConfig  `toml:"presence"`
	Queue     QueueConfig     `toml:"queue"`
	Message   MessageConfig   `toml:"message"`
}

// TransportConfig locates the realtime server.
type TransportConfig struct {
	URL string `toml:"url"`
}

// IdentityConfig is the identity the daemon connects as. Left empty, the
// daemon starts up disconnected and waits for a caller to initialize.
type IdentityConfig struct {
	UserID      string `toml:"user_id"`
	Username    string `toml:"username"`
	AccessToken string `toml:"access_token"`
}

// ChannelConfig tunes the per-channel subscription lifecycle.
type ChannelConfig struct {
	MessageTopic     string   `toml:"message_topic"`
	PresenceTopic    string   `toml:"presence_topic"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	ResubscribeBase  Duration `toml:"resubscribe_base"`
	MaxResubscribes  int      `toml:"max_resubscribes"`
}

// ReconnectConfig tunes the manager-level reconnection policy.
type ReconnectConfig struct {
	Base        Duration `toml:"base"`
	MaxAttempts int      `toml:"max_attempts"`
}

// PresenceConfig tunes the presence heartbeat.
type PresenceConfig struct {
	Heartbeat Duration `toml:"heartbeat"`
}

// QueueConfig tunes the offline message queue.
type QueueConfig struct {
	MaxRetries int `toml:"max_retries"`
	MaxLength  int `toml:"max_length"`
}

// MessageConfig tunes outbound message validation.
type MessageConfig struct {
	MaxLength  int      `toml:"max_length"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow Duration `toml:"rate_window"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Transport:      TransportConfig{URL: "wss://localhost:4000/realtime"},
		Channel: ChannelConfig{
			MessageTopic:     "messages",
			PresenceTopic:    "presence",
			HandshakeTimeout: Duration(10 * time.Second),
			ResubscribeBase:  Duration(500 * time.Millisecond),
			MaxResubscribes:  3,
		},
		Reconnect: ReconnectConfig{
			Base:        Duration(time.Second),
			MaxAttempts: 5,
		},
		Presence: PresenceConfig{Heartbeat: Duration(30 * time.Second)},
		Queue:    QueueConfig{MaxRetries: 3, MaxLength: 100},
		Message: MessageConfig{
			MaxLength:  500,
			RateLimit:  10,
			RateWindow: Duration(time.Minute),
		},
	}
}

// Load reads config from the given path, filling unset fields with
// defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from the given path, falling back to the
// defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
