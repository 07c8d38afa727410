// Package wgengine implements the wgsock.Engine interface with a userspace
// WireGuard device. Every tunnel session runs wireguard-go on top of a gVisor
// netstack TUN, so no kernel interface, routing table entry or elevated
// privilege is needed. Connections are ordinary netstack TCP connections
// dialed inside the tunnel.
package wgengine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun/netstack"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"

	"github.com/streampipe/wgsock/wgsock"
)

// Engine runs up to two independent WireGuard sessions: one full tunnel
// session and one narrower session for HTTP routing. Socket connections are
// dialed through the HTTP session when it is configured, falling back to the
// tunnel session.
type Engine struct {
	mu          sync.Mutex
	tunnel      *session
	httpSession *session

	connMu sync.Mutex
	conns  map[wgsock.Handle]*gonet.TCPConn

	// Handle ids start at 1; 0 is reserved for "no connection".
	nextHandle atomic.Uint64
}

// New creates an engine with no active sessions.
func New() *Engine {
	return &Engine{conns: map[wgsock.Handle]*gonet.TCPConn{}}
}

type session struct {
	dev  *device.Device
	tnet *netstack.Net
}

func (s *session) close() {
	s.dev.Close()
}

// StartTunnel brings up the full tunnel session, replacing a previous one.
func (e *Engine) StartTunnel(p wgsock.TunnelParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := startSession(p, "tunnel ")
	if err != nil {
		return fmt.Errorf("StartTunnel: %w", err)
	}
	if e.tunnel != nil {
		e.tunnel.close()
	}
	e.tunnel = s
	return nil
}

// StopTunnel tears down the full tunnel session. Harmless when none runs.
func (e *Engine) StopTunnel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tunnel != nil {
		e.tunnel.close()
		e.tunnel = nil
	}
}

func (e *Engine) TunnelActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tunnel != nil
}

// ConfigureHTTP brings up the HTTP routing session. The serverAddress is
// recorded for logging only; sockets can connect to any address inside the
// tunnel, routing is not restricted to one server.
func (e *Engine) ConfigureHTTP(p wgsock.TunnelParams, serverAddress string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := startSession(p, "http ")
	if err != nil {
		return fmt.Errorf("ConfigureHTTP: %w", err)
	}
	if e.httpSession != nil {
		e.httpSession.close()
	}
	e.httpSession = s
	log.WithField("serverAddress", serverAddress).Debug("http session configured")
	return nil
}

func (e *Engine) ClearHTTP() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.httpSession != nil {
		e.httpSession.close()
		e.httpSession = nil
	}
}

func (e *Engine) HTTPConfigured() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.httpSession != nil
}

// Connect dials host:port inside the active session and returns a non-zero
// handle. A context deadline bounds the attempt; its expiry surfaces as an
// error wrapping context.DeadlineExceeded.
func (e *Engine) Connect(host string, port int, timeout time.Duration) (wgsock.Handle, error) {
	e.mu.Lock()
	s := e.httpSession
	if s == nil {
		s = e.tunnel
	}
	e.mu.Unlock()
	if s == nil {
		return 0, errors.New("Connect: no tunnel session is active")
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return 0, fmt.Errorf("Connect: invalid host ip %q", host)
	}

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c, err := s.tnet.DialContextTCP(ctx, &net.TCPAddr{IP: ip, Port: port})
	if err != nil {
		return 0, fmt.Errorf("Connect: failed to dial %s:%d inside tunnel: %w", host, port, err)
	}

	handle := wgsock.Handle(e.nextHandle.Add(1))
	e.connMu.Lock()
	e.conns[handle] = c
	e.connMu.Unlock()
	return handle, nil
}

// LocalPort returns the netstack-allocated local port for the connection.
func (e *Engine) LocalPort(h wgsock.Handle) (int, error) {
	c, err := e.lookup(h)
	if err != nil {
		return 0, err
	}
	addr, ok := c.LocalAddr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("LocalPort: unexpected local address type %T", c.LocalAddr())
	}
	return addr.Port, nil
}

// Recv reads into b. A timeout of 0 blocks indefinitely; otherwise the read
// deadline is armed and expiry surfaces as a net.Error with Timeout() true.
// Orderly remote close surfaces as io.EOF. Close on the same handle from
// another goroutine unblocks a pending Recv.
func (e *Engine) Recv(h wgsock.Handle, b []byte, timeout time.Duration) (int, error) {
	c, err := e.lookup(h)
	if err != nil {
		return 0, err
	}
	if timeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = c.SetReadDeadline(time.Time{})
	}
	return c.Read(b)
}

// Send writes b and returns the number of bytes accepted.
func (e *Engine) Send(h wgsock.Handle, b []byte) (int, error) {
	c, err := e.lookup(h)
	if err != nil {
		return 0, err
	}
	return c.Write(b)
}

// Close releases the connection behind h. Unknown handles are ignored, so
// releasing twice is harmless.
func (e *Engine) Close(h wgsock.Handle) {
	e.connMu.Lock()
	c, ok := e.conns[h]
	delete(e.conns, h)
	e.connMu.Unlock()
	if ok {
		_ = c.Close()
	}
}

func (e *Engine) lookup(h wgsock.Handle) (*gonet.TCPConn, error) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	c, ok := e.conns[h]
	if !ok {
		return nil, fmt.Errorf("unknown connection handle %d", h)
	}
	return c, nil
}

// GeneratePrivateKey returns 32 random bytes clamped for curve25519.
func (e *Engine) GeneratePrivateKey() ([]byte, error) {
	key := make([]byte, wgsock.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("GeneratePrivateKey: %w", err)
	}
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
	return key, nil
}

// DerivePublicKey computes the curve25519 public key for privateKey.
func (e *Engine) DerivePublicKey(privateKey []byte) ([]byte, error) {
	if len(privateKey) != wgsock.KeySize {
		return nil, fmt.Errorf("DerivePublicKey: private key must be %d bytes", wgsock.KeySize)
	}
	publicKey, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("DerivePublicKey: %w", err)
	}
	return publicKey, nil
}

func startSession(p wgsock.TunnelParams, logPrefix string) (*session, error) {
	addr, err := netip.ParseAddr(p.TunnelAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid tunnel address %q: %w", p.TunnelAddress, err)
	}

	tunDev, tnet, err := netstack.CreateNetTUN([]netip.Addr{addr}, []netip.Addr{}, p.MTU)
	if err != nil {
		return nil, fmt.Errorf("failed to create netstack TUN: %w", err)
	}

	dev := device.NewDevice(tunDev, conn.NewDefaultBind(), device.NewLogger(device.LogLevelError, logPrefix))
	if err := dev.IpcSet(uapiConfig(p)); err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to configure device: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to bring device up: %w", err)
	}

	log.WithField("endpoint", p.Endpoint).WithField("mtu", p.MTU).Debug("wireguard session up")
	return &session{dev: dev, tnet: tnet}, nil
}

// uapiConfig renders the device configuration in WireGuard's UAPI wire
// format. Keys are hex encoded there, not base64.
func uapiConfig(p wgsock.TunnelParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", hex.EncodeToString(p.PrivateKey))
	fmt.Fprintf(&b, "public_key=%s\n", hex.EncodeToString(p.PeerPublicKey))
	if len(p.PresharedKey) > 0 {
		fmt.Fprintf(&b, "preshared_key=%s\n", hex.EncodeToString(p.PresharedKey))
	}
	fmt.Fprintf(&b, "endpoint=%s\n", p.Endpoint)
	b.WriteString("allowed_ip=0.0.0.0/0\n")
	b.WriteString("allowed_ip=::/0\n")
	fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", p.KeepaliveSecs)
	return b.String()
}
