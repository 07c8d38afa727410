package wgsock

import (
	"errors"
	"net"
)

// Socket state errors. Callers can branch on these with errors.Is.
var (
	ErrClosed           = errors.New("socket is closed")
	ErrAlreadyConnected = errors.New("socket is already connected")
	ErrNotConnected     = errors.New("socket is not connected")
	ErrInputShutdown    = errors.New("socket input is shutdown")
	ErrOutputShutdown   = errors.New("socket output is shutdown")
	ErrEngineRejected   = errors.New("engine rejected the request")
	ErrNotConfigured    = errors.New("tunnel http routing is not configured")
)

// timeoutError satisfies net.Error so HTTP transports and other generic TCP
// clients can distinguish a timeout from a hard I/O failure via Timeout().
type timeoutError struct{ msg string }

func (e *timeoutError) Error() string   { return e.msg }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

var (
	// ErrConnectTimeout reports that a connect attempt exceeded its timeout.
	ErrConnectTimeout error = &timeoutError{"connect timed out"}
	// ErrReadTimeout reports that a read exceeded the configured SoTimeout.
	// The socket stays open and usable after a read timeout.
	ErrReadTimeout error = &timeoutError{"read timed out"}
)

// ConfigError reports why a tunnel configuration was rejected. A config that
// fails validation never reaches the engine.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid tunnel configuration: " + e.Reason
}

// ResolveError reports a hostname that could not be resolved to a numeric
// address. Resolution is never retried automatically.
type ResolveError struct {
	Host string
	Err  error
}

func (e *ResolveError) Error() string {
	return "could not resolve host '" + e.Host + "': " + e.Err.Error()
}

func (e *ResolveError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a timeout of any kind, including timeouts
// surfaced by the engine as net.Error values.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
