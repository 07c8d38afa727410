package wgsock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultConnectTimeout is substituted when a caller connects with timeout 0.
const DefaultConnectTimeout = 10 * time.Second

const defaultBufferSize = 65536

// VirtualSocket presents a conventional blocking TCP socket backed by one
// engine connection handle. A socket is in exactly one of three states:
// unconnected, connected with a live handle, or closed. Close is idempotent
// and always drives the handle to 0, so a second close is a no-op rather
// than a double release.
//
// VirtualSocket satisfies net.Conn; read deadlines map onto the SoTimeout
// option. Per-socket operations are ordered by call order within the owning
// goroutine; separate sockets are fully independent.
type VirtualSocket struct {
	engine Engine

	// handle is taken exactly once on close via an atomic swap, so two
	// goroutines racing on Close cannot both observe a live handle.
	handle atomic.Uint64

	mu             sync.Mutex
	connected      bool
	connecting     bool
	closed         bool
	inputShutdown  bool
	outputShutdown bool

	soTimeout         time.Duration
	noDelay           bool
	sendBufferSize    int
	receiveBufferSize int

	localAddr  *net.TCPAddr
	remoteAddr *net.TCPAddr

	in  *SocketReader
	out *SocketWriter

	onClose func(*VirtualSocket)
}

// NewVirtualSocket creates an unconnected socket backed by engine. Most
// callers obtain sockets from a SocketFactory instead.
func NewVirtualSocket(engine Engine) *VirtualSocket {
	return &VirtualSocket{
		engine:            engine,
		noDelay:           true,
		sendBufferSize:    defaultBufferSize,
		receiveBufferSize: defaultBufferSize,
		localAddr:         &net.TCPAddr{IP: net.IPv4zero},
	}
}

// Connect opens a logical connection through the active tunnel. A timeout of
// 0 means DefaultConnectTimeout. Connecting an already-connected or closed
// socket fails fast. If the socket is closed concurrently while the engine
// connect is in flight, the fresh handle is released before returning.
func (s *VirtualSocket) Connect(host string, port int, timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	// connecting guards the window between this check and the handle commit,
	// so a second Connect racing with an in-flight one fails fast instead of
	// leaking the loser's engine handle.
	if s.connected || s.connecting {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.connecting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
	}()

	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return &ResolveError{Host: host, Err: err}
		}
		ip = ips[0]
		for _, candidate := range ips {
			if candidate.To4() != nil {
				ip = candidate
				break
			}
		}
	}

	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	log.WithField("host", host).WithField("port", port).Debug("connecting through tunnel")

	handle, err := s.engine.Connect(ip.String(), port, timeout)
	if err != nil {
		if IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("Connect: %s:%d: %w", host, port, ErrConnectTimeout)
		}
		return fmt.Errorf("Connect: failed to connect to %s:%d: %w", host, port, err)
	}
	// Handle 0 is reserved for "no connection", never a valid id.
	if handle == 0 {
		return fmt.Errorf("Connect: failed to connect to %s:%d: %w", host, port, ErrEngineRejected)
	}

	localPort, err := s.engine.LocalPort(handle)
	if err != nil {
		localPort = 0
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.engine.Close(handle)
		return ErrClosed
	}
	s.handle.Store(uint64(handle))
	s.connected = true
	s.remoteAddr = &net.TCPAddr{IP: ip, Port: port}
	s.localAddr = &net.TCPAddr{IP: s.localAddr.IP, Port: localPort}
	s.mu.Unlock()

	log.WithField("host", host).WithField("port", port).
		WithField("handle", handle).Debug("connected through tunnel")
	return nil
}

// Read reads into b, blocking until data arrives, the configured SoTimeout
// elapses (ErrReadTimeout, socket stays open) or the engine reports an
// error. A closed or input-shutdown socket reads as end-of-stream.
func (s *VirtualSocket) Read(b []byte) (int, error) {
	s.mu.Lock()
	if s.closed || s.inputShutdown {
		s.mu.Unlock()
		return 0, io.EOF
	}
	if !s.connected {
		s.mu.Unlock()
		return 0, ErrNotConnected
	}
	timeout := s.soTimeout
	s.mu.Unlock()

	handle := Handle(s.handle.Load())
	if handle == 0 {
		return 0, io.EOF
	}

	for {
		n, err := s.engine.Recv(handle, b, timeout)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			if IsTimeout(err) {
				return 0, ErrReadTimeout
			}
			if s.IsClosed() {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("Read: engine recv failed: %w", err)
		}
		// A zero-byte result is an engine-internal signal, not data; it is
		// never surfaced to the caller.
		if n > 0 || len(b) == 0 {
			return n, nil
		}
	}
}

// Write writes all of b, blocking until the engine accepted the full buffer
// or failed. Partial sends are not exposed to the caller.
func (s *VirtualSocket) Write(b []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if s.outputShutdown {
		s.mu.Unlock()
		return 0, ErrOutputShutdown
	}
	if !s.connected {
		s.mu.Unlock()
		return 0, ErrNotConnected
	}
	s.mu.Unlock()

	handle := Handle(s.handle.Load())
	if handle == 0 {
		return 0, ErrClosed
	}

	total := 0
	for total < len(b) {
		n, err := s.engine.Send(handle, b[total:])
		if err != nil {
			if s.IsClosed() {
				return total, ErrClosed
			}
			return total, fmt.Errorf("Write: engine send failed: %w", err)
		}
		if n <= 0 {
			return total, fmt.Errorf("Write: engine accepted no data")
		}
		total += n
	}
	return total, nil
}

// Close closes the socket. It is idempotent and never returns an error: the
// terminal state is set first, then the handle is taken exactly once and
// released, so even a failing engine close leaves the socket closed.
// Closing from another goroutine unblocks a pending Read or Write.
func (s *VirtualSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.inputShutdown = true
	s.outputShutdown = true
	onClose := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	if handle := Handle(s.handle.Swap(0)); handle != 0 {
		log.WithField("handle", handle).Debug("closing tunnel socket")
		s.engine.Close(handle)
	}
	if onClose != nil {
		onClose(s)
	}
	return nil
}

// ShutdownInput shuts down the read direction. Subsequent reads return
// end-of-stream.
func (s *VirtualSocket) ShutdownInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.inputShutdown = true
	return nil
}

// ShutdownOutput shuts down the write direction. Subsequent writes fail.
func (s *VirtualSocket) ShutdownOutput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.outputShutdown = true
	return nil
}

// Handle returns the current engine handle, 0 when unconnected or closed.
func (s *VirtualSocket) Handle() uint64 { return s.handle.Load() }

func (s *VirtualSocket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *VirtualSocket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *VirtualSocket) IsInputShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputShutdown
}

func (s *VirtualSocket) IsOutputShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputShutdown
}

// LocalAddr returns the tunnel-local address with the engine-assigned port.
func (s *VirtualSocket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localAddr
}

// RemoteAddr returns the connected peer address, nil when unconnected.
func (s *VirtualSocket) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteAddr == nil {
		return nil
	}
	return s.remoteAddr
}

// SetSoTimeout sets the blocking-read timeout. 0 disables the timeout.
func (s *VirtualSocket) SetSoTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.soTimeout = d
}

func (s *VirtualSocket) SoTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.soTimeout
}

// SetDeadline implements net.Conn by mapping the deadline onto SoTimeout.
func (s *VirtualSocket) SetDeadline(t time.Time) error {
	return s.SetReadDeadline(t)
}

// SetReadDeadline implements net.Conn by mapping the deadline onto SoTimeout.
func (s *VirtualSocket) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		s.SetSoTimeout(0)
		return nil
	}
	s.SetSoTimeout(time.Until(t))
	return nil
}

// SetWriteDeadline is accepted but ignored; writes block until the engine
// accepts the buffer.
func (s *VirtualSocket) SetWriteDeadline(time.Time) error { return nil }

// SetNoDelay stores the option locally. The engine enforces its own
// transport behavior, so this is informational only.
func (s *VirtualSocket) SetNoDelay(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noDelay = on
}

func (s *VirtualSocket) NoDelay() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noDelay
}

func (s *VirtualSocket) SetSendBufferSize(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendBufferSize = size
}

func (s *VirtualSocket) SendBufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendBufferSize
}

func (s *VirtualSocket) SetReceiveBufferSize(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiveBufferSize = size
}

func (s *VirtualSocket) ReceiveBufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiveBufferSize
}

// SetKeepAlive is accepted but ignored; the engine manages its own
// keepalive, which is reported as permanently enabled.
func (s *VirtualSocket) SetKeepAlive(bool) {}

// KeepAlive always reports true, the engine keepalive cannot be disabled.
func (s *VirtualSocket) KeepAlive() bool { return true }

// SetLinger is accepted but ignored.
func (s *VirtualSocket) SetLinger(bool, int) {}

// Linger reports linger as disabled.
func (s *VirtualSocket) Linger() int { return -1 }

// SetTrafficClass is accepted but ignored.
func (s *VirtualSocket) SetTrafficClass(int) {}

func (s *VirtualSocket) TrafficClass() int { return 0 }

// SetOOBInline is accepted but ignored.
func (s *VirtualSocket) SetOOBInline(bool) {}

func (s *VirtualSocket) OOBInline() bool { return false }

// SetReuseAddress is accepted but ignored.
func (s *VirtualSocket) SetReuseAddress(bool) {}

func (s *VirtualSocket) ReuseAddress() bool { return false }
