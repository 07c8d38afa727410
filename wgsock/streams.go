package wgsock

// SocketReader is the read half of a VirtualSocket. Closing it shuts down
// the input direction only; the socket itself stays open.
type SocketReader struct {
	s *VirtualSocket
}

func (r *SocketReader) Read(p []byte) (int, error) {
	return r.s.Read(p)
}

func (r *SocketReader) Close() error {
	return r.s.ShutdownInput()
}

// SocketWriter is the write half of a VirtualSocket. Closing it shuts down
// the output direction only; the socket itself stays open. There is no
// buffering, data is handed to the engine immediately.
type SocketWriter struct {
	s *VirtualSocket
}

func (w *SocketWriter) Write(p []byte) (int, error) {
	return w.s.Write(p)
}

func (w *SocketWriter) Close() error {
	return w.s.ShutdownOutput()
}

// InputStream returns the socket's read half. The wrapper is created lazily
// and cached, so every call returns the same instance. It fails if the
// socket is closed, input is shut down or the socket is not yet connected.
func (s *VirtualSocket) InputStream() (*SocketReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.inputShutdown {
		return nil, ErrInputShutdown
	}
	if !s.connected {
		return nil, ErrNotConnected
	}
	if s.in == nil {
		s.in = &SocketReader{s: s}
	}
	return s.in, nil
}

// OutputStream returns the socket's write half, with the same lazy caching
// and state checks as InputStream.
func (s *VirtualSocket) OutputStream() (*SocketWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.outputShutdown {
		return nil, ErrOutputShutdown
	}
	if !s.connected {
		return nil, ErrNotConnected
	}
	if s.out == nil {
		s.out = &SocketWriter{s: s}
	}
	return s.out, nil
}
