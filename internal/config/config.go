// Package config loads link engine options from a TOML file, overlaying
// them onto the built-in defaults.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Options configures one side of a link engine. Zero values from
// DefaultOptions() are the built-in defaults; Load only overrides fields that
// are actually present in the TOML file.
type Options struct {
	WindowSize        int
	MaxRetries        int
	MaxData           int
	AckTimeout        time.Duration
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	DisconnectTimeout time.Duration
}

// DefaultOptions returns the protocol's built-in defaults.
func DefaultOptions() Options {
	return Options{
		WindowSize:        8,
		MaxRetries:        3,
		MaxData:           1024,
		AckTimeout:        2000 * time.Millisecond,
		HeartbeatInterval: 5000 * time.Millisecond,
		ConnectionTimeout: 10 * time.Second,
		DisconnectTimeout: 5 * time.Second,
	}
}

// Validate reports whether Options falls within the protocol's legal ranges.
func (o Options) Validate() error {
	if o.WindowSize < 1 || o.WindowSize > 8 {
		return fmt.Errorf("config: window_size %d out of range [1,8]", o.WindowSize)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries %d must be >= 0", o.MaxRetries)
	}
	if o.MaxData < 1 || o.MaxData > 1024 {
		return fmt.Errorf("config: max_data %d out of range [1,1024]", o.MaxData)
	}
	if o.AckTimeout <= 0 {
		return fmt.Errorf("config: ack_timeout_ms must be > 0")
	}
	if o.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat_interval_ms must be > 0")
	}
	if o.ConnectionTimeout <= 0 {
		return fmt.Errorf("config: connection_timeout_ms must be > 0")
	}
	if o.DisconnectTimeout <= 0 {
		return fmt.Errorf("config: disconnect_timeout_ms must be > 0")
	}
	return nil
}

// fileOptions is the TOML key mapping for a link engine config file.
type fileOptions struct {
	WindowSize       int `toml:"window_size"`
	MaxRetries       int `toml:"max_retries"`
	MaxData          int `toml:"max_data"`
	AckTimeoutMS     int `toml:"ack_timeout_ms"`
	HeartbeatMS      int `toml:"heartbeat_interval_ms"`
	ConnectTimeoutMS int `toml:"connection_timeout_ms"`
	DisconnectTimeMS int `toml:"disconnect_timeout_ms"`
}

// Load reads path as TOML and overlays it onto DefaultOptions(), then
// validates the result. A field absent from the file keeps its default.
func Load(path string) (Options, error) {
	cfg := DefaultOptions()

	var raw fileOptions
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Options{}, fmt.Errorf("config: load %q: %w", path, err)
	}

	if meta.IsDefined("window_size") {
		cfg.WindowSize = raw.WindowSize
	}
	if meta.IsDefined("max_retries") {
		cfg.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("max_data") {
		cfg.MaxData = raw.MaxData
	}
	if meta.IsDefined("ack_timeout_ms") {
		cfg.AckTimeout = time.Duration(raw.AckTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("heartbeat_interval_ms") {
		cfg.HeartbeatInterval = time.Duration(raw.HeartbeatMS) * time.Millisecond
	}
	if meta.IsDefined("connection_timeout_ms") {
		cfg.ConnectionTimeout = time.Duration(raw.ConnectTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("disconnect_timeout_ms") {
		cfg.DisconnectTimeout = time.Duration(raw.DisconnectTimeMS) * time.Millisecond
	}

	if err := cfg.Validate(); err != nil {
		return Options{}, err
	}
	return cfg, nil
}
