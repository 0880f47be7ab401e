// Package config loads msgport settings from a TOML file, overlays MSGPORT_*
// environment variables, and watches the file for log level changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sammck-go/msgport/internal/logger"
	"github.com/sammck-go/msgport/pkg/msgnet"
	"github.com/sammck-go/msgport/pkg/msgport"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MSGPORT_"

// Config is the complete runtime configuration of a msgport process
type Config struct {
	Codec            string
	MaxFrameSize     int
	MaxPendingFrames int
	MaxPendingScopes int
	AttachTimeout    time.Duration
	MaxRetryCount    int
	MaxRetryInterval time.Duration
	WebSocketPath    string
	ReadBufferSize   int
	WriteBufferSize  int
	KeySeed          string
	Auth             string
	Fingerprint      string
	KeepAlive        time.Duration
	LogLevel         logger.LogLevel
}

// Default returns the built-in configuration
func Default() *Config {
	n := msgnet.DefaultConfig()
	return &Config{
		Codec:            n.Codec,
		MaxFrameSize:     n.MaxFrameSize,
		MaxPendingFrames: n.MaxPendingFrames,
		MaxPendingScopes: n.MaxPendingScopes,
		AttachTimeout:    n.AttachTimeout,
		MaxRetryCount:    n.MaxRetryCount,
		MaxRetryInterval: n.MaxRetryInterval,
		WebSocketPath:    n.WebSocketPath,
		ReadBufferSize:   n.ReadBufferSize,
		WriteBufferSize:  n.WriteBufferSize,
		KeySeed:          n.KeySeed,
		Auth:             n.Auth,
		Fingerprint:      n.Fingerprint,
		KeepAlive:        n.KeepAlive,
		LogLevel:         logger.LogLevelInfo,
	}
}

// NetConfig returns the transport part of the configuration
func (c *Config) NetConfig() *msgnet.Config {
	return &msgnet.Config{
		Codec:            c.Codec,
		MaxFrameSize:     c.MaxFrameSize,
		MaxPendingFrames: c.MaxPendingFrames,
		MaxPendingScopes: c.MaxPendingScopes,
		AttachTimeout:    c.AttachTimeout,
		MaxRetryCount:    c.MaxRetryCount,
		MaxRetryInterval: c.MaxRetryInterval,
		WebSocketPath:    c.WebSocketPath,
		ReadBufferSize:   c.ReadBufferSize,
		WriteBufferSize:  c.WriteBufferSize,
		KeySeed:          c.KeySeed,
		Auth:             c.Auth,
		Fingerprint:      c.Fingerprint,
		KeepAlive:        c.KeepAlive,
	}
}

// Validate reports settings no transport can work with
func (c *Config) Validate() error {
	bad := func(f string, args ...interface{}) error {
		return fmt.Errorf("%w: invalid config: %s", msgport.ErrMisuse, fmt.Sprintf(f, args...))
	}
	if _, err := msgnet.NewCodec(c.Codec); err != nil {
		return bad("codec %q", c.Codec)
	}
	if c.MaxFrameSize <= 0 {
		return bad("max_frame_size must be positive")
	}
	if c.MaxPendingFrames < 0 || c.MaxPendingScopes < 0 {
		return bad("pending limits must not be negative")
	}
	if !strings.HasPrefix(c.WebSocketPath, "/") {
		return bad("websocket_path %q must start with /", c.WebSocketPath)
	}
	if c.Auth != "" && !strings.Contains(c.Auth, ":") {
		return bad("auth must be user:pass")
	}
	return nil
}

// fileConfig mirrors the TOML layout. Durations are strings parsed by
// time.ParseDuration.
type fileConfig struct {
	Codec            string `toml:"codec"`
	MaxFrameSize     int    `toml:"max_frame_size"`
	MaxPendingFrames int    `toml:"max_pending_frames"`
	MaxPendingScopes int    `toml:"max_pending_scopes"`
	AttachTimeout    string `toml:"attach_timeout"`
	MaxRetryCount    int    `toml:"max_retry_count"`
	MaxRetryInterval string `toml:"max_retry_interval"`
	WebSocketPath    string `toml:"websocket_path"`
	ReadBufferSize   int    `toml:"read_buffer_size"`
	WriteBufferSize  int    `toml:"write_buffer_size"`
	KeySeed          string `toml:"key_seed"`
	Auth             string `toml:"auth"`
	Fingerprint      string `toml:"fingerprint"`
	KeepAlive        string `toml:"keepalive"`
	LogLevel         string `toml:"log_level"`
}

// Load returns the defaults overlaid with the keys present in the TOML file at
// path (if path is not empty) and then with the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.overlayEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: config %s: unknown key %q", msgport.ErrMisuse, path, undecoded[0].String())
	}

	if meta.IsDefined("codec") {
		c.Codec = strings.TrimSpace(raw.Codec)
	}
	if meta.IsDefined("max_frame_size") {
		c.MaxFrameSize = raw.MaxFrameSize
	}
	if meta.IsDefined("max_pending_frames") {
		c.MaxPendingFrames = raw.MaxPendingFrames
	}
	if meta.IsDefined("max_pending_scopes") {
		c.MaxPendingScopes = raw.MaxPendingScopes
	}
	if meta.IsDefined("max_retry_count") {
		c.MaxRetryCount = raw.MaxRetryCount
	}
	if meta.IsDefined("websocket_path") {
		c.WebSocketPath = strings.TrimSpace(raw.WebSocketPath)
	}
	if meta.IsDefined("read_buffer_size") {
		c.ReadBufferSize = raw.ReadBufferSize
	}
	if meta.IsDefined("write_buffer_size") {
		c.WriteBufferSize = raw.WriteBufferSize
	}
	if meta.IsDefined("key_seed") {
		c.KeySeed = raw.KeySeed
	}
	if meta.IsDefined("auth") {
		c.Auth = raw.Auth
	}
	if meta.IsDefined("fingerprint") {
		c.Fingerprint = strings.TrimSpace(raw.Fingerprint)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"attach_timeout", raw.AttachTimeout, &c.AttachTimeout},
		{"max_retry_interval", raw.MaxRetryInterval, &c.MaxRetryInterval},
		{"keepalive", raw.KeepAlive, &c.KeepAlive},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("log_level") {
		if err := c.LogLevel.FromString(strings.TrimSpace(raw.LogLevel)); err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
	}
	return nil
}

func (c *Config) overlayEnv(getenv func(string) (string, bool)) error {
	// empty variables count as unset
	lookup := func(name string) (string, bool) {
		v, ok := getenv(name)
		return v, ok && v != ""
	}
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("CODEC", &c.Codec)
	str("WEBSOCKET_PATH", &c.WebSocketPath)
	str("KEY_SEED", &c.KeySeed)
	str("AUTH", &c.Auth)
	str("FINGERPRINT", &c.Fingerprint)
	for _, err := range []error{
		num("MAX_FRAME_SIZE", &c.MaxFrameSize),
		num("MAX_PENDING_FRAMES", &c.MaxPendingFrames),
		num("MAX_PENDING_SCOPES", &c.MaxPendingScopes),
		num("MAX_RETRY_COUNT", &c.MaxRetryCount),
		dur("ATTACH_TIMEOUT", &c.AttachTimeout),
		dur("MAX_RETRY_INTERVAL", &c.MaxRetryInterval),
		dur("KEEPALIVE", &c.KeepAlive),
	} {
		if err != nil {
			return err
		}
	}
	if v, ok := lookup(EnvPrefix + "LOG_LEVEL"); ok {
		if err := c.LogLevel.FromString(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("parse %sLOG_LEVEL: %w", EnvPrefix, err)
		}
	}
	return nil
}
