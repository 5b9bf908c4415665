// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Server configuration: defaults, TOML file loading and validation.

package control

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/momentics/hioload-rtp/api"
)

// Duration is a time.Duration that decodes from TOML strings like "750ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
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

// Config is the full server configuration.
type Config struct {
	Workers        int      `toml:"workers"`
	PinWorkers     bool     `toml:"pin_workers"`
	ListenAddr     string   `toml:"listen_addr"`
	MaxConnections int      `toml:"max_connections"`
	SendBufferSize int      `toml:"send_buffer_size"`
	IdleTimeout    Duration `toml:"idle_timeout"`

	// RTP stream
	RTPDest            string   `toml:"rtp_dest"`
	AgeLimit           Duration `toml:"age_limit"`
	InitialWindow      int      `toml:"initial_window"`
	MaxWindow          int      `toml:"max_window"`
	MaxRetransmitDelay Duration `toml:"max_retransmit_delay"`
	SlowStart          bool     `toml:"slow_start"`
	MSS                int      `toml:"mss"`
	PoolSlotSize       int      `toml:"pool_slot_size"`
	PoolMaxSlots       int      `toml:"pool_max_slots"`
	ResendMaxEntries   int      `toml:"resend_max_entries"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// DefaultConfig returns a configuration that serves on all interfaces with
// one worker per CPU.
func DefaultConfig() *Config {
	return &Config{
		Workers:            0,
		ListenAddr:         "0.0.0.0:5540",
		MaxConnections:     1000,
		SendBufferSize:     96 * 1024,
		IdleTimeout:        Duration{2 * time.Minute},
		AgeLimit:           Duration{2 * time.Second},
		InitialWindow:      2 * 1466,
		MaxWindow:          64 * 1024,
		MaxRetransmitDelay: Duration{24 * time.Second},
		SlowStart:          true,
		MSS:                1466,
		PoolSlotSize:       1600,
		PoolMaxSlots:       16384,
		ResendMaxEntries:   1024,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// LoadConfig reads a TOML file over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "unknown config keys").
			WithContext("file", path).
			WithContext("keys", fmt.Sprint(undecoded)).
			Wrap(api.ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges and addresses.
func (c *Config) Validate() error {
	invalid := func(key string, v any) error {
		return fmt.Errorf("%s = %v: %w", key, v, api.ErrInvalidArgument)
	}
	if c.Workers < 0 {
		return invalid("workers", c.Workers)
	}
	if _, err := netip.ParseAddrPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q: %w", c.ListenAddr, err)
	}
	if c.RTPDest != "" {
		if _, err := netip.ParseAddrPort(c.RTPDest); err != nil {
			return fmt.Errorf("rtp_dest %q: %w", c.RTPDest, err)
		}
	}
	if c.MaxConnections < 0 {
		return invalid("max_connections", c.MaxConnections)
	}
	// an RTP header must fit, and a packet must fit one UDP datagram
	if c.MSS < 64 || c.MSS > 65507 {
		return invalid("mss", c.MSS)
	}
	if c.InitialWindow < c.MSS {
		return invalid("initial_window", c.InitialWindow)
	}
	if c.MaxWindow < c.InitialWindow {
		return invalid("max_window", c.MaxWindow)
	}
	if c.MaxRetransmitDelay.Duration <= 0 {
		return invalid("max_retransmit_delay", c.MaxRetransmitDelay)
	}
	if c.PoolSlotSize <= 0 {
		return invalid("pool_slot_size", c.PoolSlotSize)
	}
	if c.ResendMaxEntries < 64 {
		return invalid("resend_max_entries", c.ResendMaxEntries)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return invalid("log_format", c.LogFormat)
	}
	return nil
}

// Values flattens the live-reloadable subset for a ConfigStore.
func (c *Config) Values() map[string]any {
	return map[string]any{
		"max_connections": c.MaxConnections,
		"log_level":       c.LogLevel,
		"idle_timeout":    c.IdleTimeout.Duration,
		"age_limit":       c.AgeLimit.Duration,
	}
}
