// Package wghttp is a minimal HTTP client that sends requests through the
// tunnel socket factory, for callers that want a quick tunneled GET without
// wiring up their own transport.
package wghttp

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/streampipe/wgsock/wgsock"
)

// DefaultTimeout bounds one complete request/response cycle.
const DefaultTimeout = 15 * time.Second

// Result carries the response status and body of one request.
type Result struct {
	StatusCode int
	Body       string
}

// Success reports whether the status code is in the 2xx range.
func (r Result) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client issues HTTP requests through tunnel sockets. The zero Timeout means
// DefaultTimeout. No retries happen here, retry policy is the caller's.
type Client struct {
	Factory *wgsock.SocketFactory
	Timeout time.Duration
}

// NewClient creates a client dialing through factory.
func NewClient(factory *wgsock.SocketFactory) *Client {
	return &Client{Factory: factory}
}

// Get performs a GET request for path against host:port inside the tunnel.
// It fails with wgsock.ErrNotConfigured when no HTTP-mode tunnel is active.
func (c *Client) Get(host string, port int, path string) (Result, error) {
	if !c.Factory.Available() {
		return Result{}, wgsock.ErrNotConfigured
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := http.Client{
		Transport: &http.Transport{
			DialContext:       c.Factory.DialContext,
			DisableKeepAlives: true,
		},
		Timeout: timeout,
	}

	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(host, strconv.Itoa(port)), path)
	res, err := client.Get(url)
	if err != nil {
		return Result{}, fmt.Errorf("Get: request through tunnel failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Result{}, fmt.Errorf("Get: failed to read body: %w", err)
	}
	return Result{StatusCode: res.StatusCode, Body: string(body)}, nil
}
