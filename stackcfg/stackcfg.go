// Package stackcfg holds the stack's recognized compile-time knobs
// (spec.md §6) as an ordinary struct with a validating constructor,
// mirroring the teacher's protocols/lss/config.Config shape: a plain
// struct plus an Empty... constructor and Validate method, not a
// package-level global, so tests can instantiate independent stacks
// (spec.md §9's "avoid global mutable state" note).
package stackcfg

import (
	"errors"
	"time"
)

// TLSVersion names a protocol version this stack recognizes.
type TLSVersion uint16

const (
	SSL30 TLSVersion = 0x0300
	TLS10 TLSVersion = 0x0301
	TLS11 TLSVersion = 0x0302
	TLS12 TLSVersion = 0x0303
)

// Config is the recognized set of compile-time knobs from spec.md §6.
type Config struct {
	// TLS / handshake.
	TLSMinVersion          TLSVersion
	TLSMaxVersion          TLSVersion
	SessionResumeSupport   bool
	SessionCacheLifetime   time.Duration
	MaxProtocolDataLength  int

	// TCP.
	TCPMaxMSS       int
	TCPMinMSS       int
	TCPTxBufferSize int
	TCPRxBufferSize int
	TCPMaxRetries   int
	TCPSynQueueSize int
	TCPSackSupport  bool

	// Sockets.
	SocketMaxCount          int
	SocketEphemeralPortMin  int
	SocketEphemeralPortMax  int
}

// Empty returns a Config with spec.md §6's documented defaults, ready for
// a caller to override selectively before Validate.
func Empty() *Config {
	return &Config{
		TLSMinVersion:          TLS10,
		TLSMaxVersion:          TLS12,
		SessionResumeSupport:   true,
		SessionCacheLifetime:   24 * time.Hour,
		MaxProtocolDataLength:  16384, // 2^14, per spec.md §4.8
		TCPMaxMSS:              1460,
		TCPMinMSS:              536,
		TCPTxBufferSize:        8192,
		TCPRxBufferSize:        8192,
		TCPMaxRetries:          5,
		TCPSynQueueSize:        4,
		TCPSackSupport:         true,
		SocketMaxCount:         16,
		SocketEphemeralPortMin: 49152,
		SocketEphemeralPortMax: 65535,
	}
}

// Validate checks the config is well-formed, rejecting the shapes that
// would break downstream invariants (e.g. min MSS exceeding max MSS,
// version range inverted).
func (c *Config) Validate() error {
	if c.TLSMinVersion > c.TLSMaxVersion {
		return errors.New("stackcfg: TLSMinVersion exceeds TLSMaxVersion")
	}
	if c.TCPMinMSS <= 0 || c.TCPMinMSS > c.TCPMaxMSS {
		return errors.New("stackcfg: invalid MSS range")
	}
	if c.MaxProtocolDataLength <= 0 || c.MaxProtocolDataLength > 16384 {
		return errors.New("stackcfg: MaxProtocolDataLength out of range")
	}
	if c.TCPSynQueueSize <= 0 {
		return errors.New("stackcfg: TCPSynQueueSize must be positive")
	}
	if c.SocketMaxCount <= 0 {
		return errors.New("stackcfg: SocketMaxCount must be positive")
	}
	if c.SocketEphemeralPortMin <= 0 || c.SocketEphemeralPortMin >= c.SocketEphemeralPortMax || c.SocketEphemeralPortMax > 65535 {
		return errors.New("stackcfg: invalid ephemeral port range")
	}
	return nil
}

// Copy returns an independent copy of c.
func (c *Config) Copy() *Config {
	cp := *c
	return &cp
}
