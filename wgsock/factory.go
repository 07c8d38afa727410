package wgsock

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// SocketInfo describes one open socket for the status API.
type SocketInfo struct {
	Handle     uint64 `json:"handle"`
	LocalAddr  string `json:"localAddr"`
	RemoteAddr string `json:"remoteAddr"`
}

// SocketFactory produces VirtualSocket instances for generic TCP clients.
// Substituting the factory's DialContext into an http.Transport redirects a
// client through the tunnel with no other code changes. The factory keeps a
// registry of its open sockets for the status API; sockets deregister
// themselves on close.
type SocketFactory struct {
	manager *TunnelManager

	mu   sync.Mutex
	open map[*VirtualSocket]struct{}
}

// NewSocketFactory creates a factory producing sockets backed by the
// manager's engine.
func NewSocketFactory(manager *TunnelManager) *SocketFactory {
	return &SocketFactory{
		manager: manager,
		open:    map[*VirtualSocket]struct{}{},
	}
}

// Available reports whether the manager currently has an HTTP-mode tunnel
// configured, letting a generic client opt in to tunneled sockets only when
// appropriate.
func (f *SocketFactory) Available() bool {
	return f.manager.IsHTTPConfigured()
}

// NewSocket returns an unconnected socket. Its local address carries the
// tunnel-local IP of the active configuration when one is known.
func (f *SocketFactory) NewSocket() *VirtualSocket {
	s := NewVirtualSocket(f.manager.engine)
	if addr := f.manager.CurrentTunnelAddress(); addr != "" {
		if ip := net.ParseIP(addr); ip != nil {
			s.localAddr = &net.TCPAddr{IP: ip}
		}
	}
	s.onClose = f.deregister
	f.mu.Lock()
	f.open[s] = struct{}{}
	f.mu.Unlock()
	return s
}

// Dial returns a socket connected to host:port with the default connect
// timeout.
func (f *SocketFactory) Dial(host string, port int) (*VirtualSocket, error) {
	s := f.NewSocket()
	if err := s.Connect(host, port, 0); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// DialLocal is the local-address-bind variant. The requested local address
// is ignored, address allocation is delegated entirely to the engine.
func (f *SocketFactory) DialLocal(host string, port int, localHost string, localPort int) (*VirtualSocket, error) {
	log.WithField("localHost", localHost).WithField("localPort", localPort).
		Debug("local bind requested, delegated to engine address allocation")
	return f.Dial(host, port)
}

// DialContext matches the http.Transport DialContext signature. The context
// deadline bounds the connect attempt.
func (f *SocketFactory) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("DialContext: unsupported network %q", network)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("DialContext: invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("DialContext: invalid port %q: %w", portStr, err)
	}

	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	s := f.NewSocket()
	if err := s.Connect(host, port, timeout); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// OpenSockets lists the factory's currently open sockets, ordered by handle.
func (f *SocketFactory) OpenSockets() []SocketInfo {
	f.mu.Lock()
	sockets := maps.Keys(f.open)
	f.mu.Unlock()

	infos := make([]SocketInfo, 0, len(sockets))
	for _, s := range sockets {
		info := SocketInfo{Handle: s.Handle()}
		if addr := s.LocalAddr(); addr != nil {
			info.LocalAddr = addr.String()
		}
		if addr := s.RemoteAddr(); addr != nil {
			info.RemoteAddr = addr.String()
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b SocketInfo) int {
		switch {
		case a.Handle < b.Handle:
			return -1
		case a.Handle > b.Handle:
			return 1
		}
		return 0
	})
	return infos
}

func (f *SocketFactory) deregister(s *VirtualSocket) {
	f.mu.Lock()
	delete(f.open, s)
	f.mu.Unlock()
}
