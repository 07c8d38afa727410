package wgsock

import "time"

// Handle identifies one live engine-side connection. A handle is exclusively
// owned by one VirtualSocket. Handle 0 is reserved and means "no connection",
// so an engine must never allocate it for a successful connect.
type Handle uint64

// TunnelParams is the fully validated, endpoint-resolved parameter set handed
// to the engine. The engine copies what it needs; the struct is not retained.
type TunnelParams struct {
	PrivateKey    []byte
	PeerPublicKey []byte
	// PresharedKey is optional and nil when unset.
	PresharedKey []byte
	// Endpoint is a numeric ip:port, resolved before the engine sees it.
	Endpoint      string
	TunnelAddress string
	KeepaliveSecs int
	MTU           int
}

// Engine is the narrow interface to the transport engine that owns the actual
// encrypted tunnel. All calls are synchronous.
//
// Recv and Send may block; Close(h) must cancel in-flight Recv/Send calls on
// the same handle so that a socket closed from another goroutine unblocks
// promptly. Recv reports a timeout through an error whose Timeout() method
// returns true, and an orderly remote close as io.EOF.
type Engine interface {
	StartTunnel(p TunnelParams) error
	StopTunnel()
	TunnelActive() bool

	ConfigureHTTP(p TunnelParams, serverAddress string) error
	ClearHTTP()
	HTTPConfigured() bool

	Connect(host string, port int, timeout time.Duration) (Handle, error)
	LocalPort(h Handle) (int, error)
	Recv(h Handle, b []byte, timeout time.Duration) (int, error)
	Send(h Handle, b []byte) (int, error)
	Close(h Handle)

	GeneratePrivateKey() ([]byte, error)
	DerivePublicKey(privateKey []byte) ([]byte, error)
}
