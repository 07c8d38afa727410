// Package wgsock implements a blocking virtual socket layer on top of an encrypted
// point-to-point tunnel. The tunnel itself (key exchange, packet encryption, routing)
// is owned by an Engine implementation and is consumed here only through a small
// synchronous, handle-based interface.
//
// The package has three cooperating parts:
//
// - TunnelManager owns the process-wide tunnel configuration and lifecycle. It
// validates a Config, resolves the endpoint and asks the engine to bring the
// tunnel up or down. A generation counter is bumped on every successful HTTP
// (re)configuration so independent owners can detect that somebody else
// reconfigured the tunnel since they last touched it, and avoid tearing down
// a configuration they do not own.
//
// - VirtualSocket emulates a conventional blocking TCP socket
// (connect/read/write/shutdown/close with timeouts and socket options) backed
// by one engine connection handle. It also satisfies net.Conn, so a stock
// http.Transport can be pointed at the tunnel without further glue.
//
// - SocketFactory hands out VirtualSocket instances to generic TCP clients and
// reports whether the tunnel is currently configured for HTTP routing.
//
// Socket I/O is blocking and runs on the calling goroutine; there is no event
// loop in this layer. Closing a socket from another goroutine unblocks a
// pending read or write, because the engine cancels in-flight I/O when the
// handle is closed.
package wgsock
