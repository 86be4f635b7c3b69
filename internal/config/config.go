package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Duration wraps time.Duration so TOML and environment values can be
// written as "5s" / "300ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds the engine configuration, loaded from
// ~/.courier/config.toml with COURIER_* environment overrides.
type Config struct {
	DefaultProfile string `toml:"default_profile" env:"COURIER_PROFILE"`

	// Server endpoints.
	PushURL string `toml:"push_url" env:"COURIER_PUSH_URL"`
	APIURL  string `toml:"api_url" env:"COURIER_API_URL"`
	RTURL   string `toml:"rt_url" env:"COURIER_RT_URL"`

	// Account identity used on outgoing messages and presence writes.
	UserID      string `toml:"user_id" env:"COURIER_USER_ID"`
	DisplayName string `toml:"display_name" env:"COURIER_DISPLAY_NAME"`

	// Delivery timing contract. Tests shrink these instead of sleeping
	// for real wall-clock intervals.
	AckTimeout        Duration `toml:"ack_timeout" env:"COURIER_ACK_TIMEOUT"`
	TypingDebounce    Duration `toml:"typing_debounce" env:"COURIER_TYPING_DEBOUNCE"`
	TypingIdleTimeout Duration `toml:"typing_idle_timeout" env:"COURIER_TYPING_IDLE_TIMEOUT"`
	TypingStaleAfter  Duration `toml:"typing_stale_after" env:"COURIER_TYPING_STALE_AFTER"`
}

// Default returns the configuration contract values.
func Default() *Config {
	return &Config{
		PushURL:           "wss://chat.example.com/push",
		APIURL:            "https://chat.example.com/api",
		RTURL:             "wss://chat.example.com/rt",
		AckTimeout:        Duration{5000 * time.Millisecond},
		TypingDebounce:    Duration{300 * time.Millisecond},
		TypingIdleTimeout: Duration{3000 * time.Millisecond},
		TypingStaleAfter:  Duration{10000 * time.Millisecond},
	}
}

// Load reads config from the given path, fills unset fields with defaults,
// then applies environment overrides. A missing file is not an error; the
// defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	def := Default()
	if cfg.AckTimeout.Duration <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.TypingDebounce.Duration <= 0 {
		cfg.TypingDebounce = def.TypingDebounce
	}
	if cfg.TypingIdleTimeout.Duration <= 0 {
		cfg.TypingIdleTimeout = def.TypingIdleTimeout
	}
	if cfg.TypingStaleAfter.Duration <= 0 {
		cfg.TypingStaleAfter = def.TypingStaleAfter
	}

	return cfg, nil
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
