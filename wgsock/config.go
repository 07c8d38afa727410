package wgsock

import (
	"fmt"
	"strings"
)

const (
	// KeySize is the length of private, public and preshared keys in bytes.
	KeySize = 32

	// DefaultKeepaliveSecs is the persistent keepalive interval applied when
	// the caller does not set one.
	DefaultKeepaliveSecs = 25

	// DefaultMTU is the tunnel MTU applied when the caller does not set one.
	DefaultMTU = 1420

	// DefaultTunnelAddress is the tunnel-local address applied when the
	// caller does not set one.
	DefaultTunnelAddress = "10.0.0.2"

	// MinMTU and MaxMTU bound the accepted MTU range.
	MinMTU = 576
	MaxMTU = 65535
)

// Config describes one tunnel endpoint and its parameters. Fields may be
// mutated between construction and use, so Validate is re-run immediately
// before every activation attempt. A Config that fails validation is never
// handed to the engine.
type Config struct {
	PrivateKey    []byte
	PeerPublicKey []byte
	// PresharedKey is optional; leave nil to disable.
	PresharedKey []byte
	// Endpoint is the remote tunnel endpoint as host:port. The host part may
	// be a hostname; it is resolved at activation time.
	Endpoint      string
	TunnelAddress string
	KeepaliveSecs int
	MTU           int
}

// NewConfig returns a Config with the default keepalive, MTU and tunnel
// address applied.
func NewConfig() *Config {
	return &Config{
		KeepaliveSecs: DefaultKeepaliveSecs,
		MTU:           DefaultMTU,
		TunnelAddress: DefaultTunnelAddress,
	}
}

// SetPrivateKeyBase64 decodes and sets the private key.
func (c *Config) SetPrivateKeyBase64(s string) error {
	key, err := DecodeKey(s)
	if err != nil {
		return fmt.Errorf("SetPrivateKeyBase64: %w", err)
	}
	c.PrivateKey = key
	return nil
}

// SetPeerPublicKeyBase64 decodes and sets the peer public key.
func (c *Config) SetPeerPublicKeyBase64(s string) error {
	key, err := DecodeKey(s)
	if err != nil {
		return fmt.Errorf("SetPeerPublicKeyBase64: %w", err)
	}
	c.PeerPublicKey = key
	return nil
}

// SetPresharedKeyBase64 decodes and sets the preshared key. An empty string
// leaves the preshared key unset.
func (c *Config) SetPresharedKeyBase64(s string) error {
	if s == "" {
		return nil
	}
	key, err := DecodeKey(s)
	if err != nil {
		return fmt.Errorf("SetPresharedKeyBase64: %w", err)
	}
	c.PresharedKey = key
	return nil
}

// Validate checks the config and returns a *ConfigError naming the first
// field that is invalid, in a fixed order: private key, peer public key,
// preshared key, endpoint, tunnel address, MTU. Validate is pure and has no
// side effects.
func (c *Config) Validate() error {
	if len(c.PrivateKey) != KeySize {
		return &ConfigError{Reason: "invalid private key (must be 32 bytes)"}
	}
	if len(c.PeerPublicKey) != KeySize {
		return &ConfigError{Reason: "invalid peer public key (must be 32 bytes)"}
	}
	if c.PresharedKey != nil && len(c.PresharedKey) != KeySize {
		return &ConfigError{Reason: "invalid preshared key (must be 32 bytes)"}
	}
	if !strings.Contains(c.Endpoint, ":") {
		return &ConfigError{Reason: "invalid endpoint format (use host:port)"}
	}
	if c.TunnelAddress == "" {
		return &ConfigError{Reason: "invalid tunnel address"}
	}
	if c.MTU < MinMTU || c.MTU > MaxMTU {
		return &ConfigError{Reason: "invalid MTU (must be 576-65535)"}
	}
	return nil
}
