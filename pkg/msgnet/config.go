package msgnet

import "time"

// ProtocolVersion is the WebSocket subprotocol and SSH version tag spoken by this package
const ProtocolVersion = "msgport.v1"

// MessageChannelName is the channel id of the default scope of every connection
const MessageChannelName = "msgport"

// Config holds the transport settings shared by every connection kind. The zero
// value is not useful; start from DefaultConfig.
type Config struct {
	// Codec names the envelope encoding: "json" or "proto"
	Codec string

	// MaxFrameSize bounds a single encoded envelope, in bytes
	MaxFrameSize int

	// MaxPendingFrames bounds the frames held for a scope that has not been attached yet
	MaxPendingFrames int

	// MaxPendingScopes bounds the number of unattached scopes per connection
	MaxPendingScopes int

	// AttachTimeout bounds how long attaching a sub-channel waits for the peer's stream
	AttachTimeout time.Duration

	// MaxRetryCount is the number of dial retries; a negative value retries forever
	MaxRetryCount int

	// MaxRetryInterval caps the backoff between dial attempts
	MaxRetryInterval time.Duration

	// WebSocketPath is the HTTP path upgraded to WebSocket connections
	WebSocketPath string

	// ReadBufferSize and WriteBufferSize size the WebSocket buffers
	ReadBufferSize  int
	WriteBufferSize int

	// KeySeed derives the SSH host key; empty means a random key
	KeySeed string

	// Auth is an optional "user:pass" pair for SSH connections
	Auth string

	// Fingerprint, if set, is the expected prefix of the SSH server key fingerprint
	Fingerprint string

	// KeepAlive is the SSH and yamux keepalive interval; zero disables it
	KeepAlive time.Duration
}

// DefaultConfig returns the default transport configuration
func DefaultConfig() *Config {
	return &Config{
		Codec:            "json",
		MaxFrameSize:     16 * 1024 * 1024,
		MaxPendingFrames: 64,
		MaxPendingScopes: 256,
		AttachTimeout:    10 * time.Second,
		MaxRetryCount:    0,
		MaxRetryInterval: 5 * time.Minute,
		WebSocketPath:    "/msgport",
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		KeepAlive:        25 * time.Second,
	}
}

func (c *Config) orDefault() *Config {
	if c == nil {
		return DefaultConfig()
	}
	return c
}
