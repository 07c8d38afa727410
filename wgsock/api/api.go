// Package api exposes the tunnel state over a local HTTP endpoint so other
// processes (or a supervising UI) can inspect whether the tunnel is up, which
// configuration generation is active and which sockets are open.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/streampipe/wgsock/wgsock"
)

// DefaultStatusPort is the port on which we start the HTTP server exposing
// the tunnel status.
const DefaultStatusPort = 28200

// Status is the snapshot served by the /status endpoint.
type Status struct {
	Active         bool   `json:"active"`
	HTTPConfigured bool   `json:"httpConfigured"`
	Generation     uint64 `json:"generation"`
	TunnelAddress  string `json:"tunnelAddress"`
	SessionID      string `json:"sessionId"`
}

// Handler builds the status API handler. Two endpoints:
// 1. localhost:{PORT}/status	current tunnel state
// 2. localhost:{PORT}/sockets	list of open sockets
func Handler(tm *wgsock.TunnelManager, factory *wgsock.SocketFactory) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(writer http.ResponseWriter, request *http.Request) {
		status := Status{
			Active:         tm.IsTunnelActive(),
			HTTPConfigured: tm.IsHTTPConfigured(),
			Generation:     tm.Generation(),
			TunnelAddress:  tm.CurrentTunnelAddress(),
			SessionID:      tm.SessionID(),
		}
		writer.Header().Add("Content-Type", "application/json")
		enc := json.NewEncoder(writer)
		if err := enc.Encode(status); err != nil {
			log.WithError(err).Error("failed to write tunnel status response")
		}
	})
	mux.HandleFunc("/sockets", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Add("Content-Type", "application/json")
		enc := json.NewEncoder(writer)
		if err := enc.Encode(factory.OpenSockets()); err != nil {
			log.WithError(err).Error("failed to write socket list response")
		}
	})
	return mux
}

// ServeStatus starts the status API server. It blocks until the server
// fails.
func ServeStatus(tm *wgsock.TunnelManager, factory *wgsock.SocketFactory, port int) error {
	if err := http.ListenAndServe(fmt.Sprintf("127.0.0.1:%d", port), Handler(tm, factory)); err != nil {
		return fmt.Errorf("ServeStatus: failed to start http server: %w", err)
	}
	return nil
}

// FetchStatus retrieves the tunnel status from a running status API server.
func FetchStatus(port int) (Status, error) {
	c := http.Client{
		Timeout: 5 * time.Second,
	}
	res, err := c.Get(fmt.Sprintf("http://127.0.0.1:%d/status", port))
	if err != nil {
		return Status{}, fmt.Errorf("FetchStatus: failed to get tunnel status: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Status{}, fmt.Errorf("FetchStatus: failed to read body: %w", err)
	}
	var status Status
	err = json.Unmarshal(body, &status)
	if err != nil {
		return Status{}, fmt.Errorf("FetchStatus: failed to parse response: %w", err)
	}
	return status, nil
}

// FetchOpenSockets retrieves the open socket list from a running status API
// server.
func FetchOpenSockets(port int) ([]wgsock.SocketInfo, error) {
	c := http.Client{
		Timeout: 5 * time.Second,
	}
	res, err := c.Get(fmt.Sprintf("http://127.0.0.1:%d/sockets", port))
	if err != nil {
		return nil, fmt.Errorf("FetchOpenSockets: failed to get socket list: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("FetchOpenSockets: failed to read body: %w", err)
	}
	var infos []wgsock.SocketInfo
	err = json.Unmarshal(body, &infos)
	if err != nil {
		return nil, fmt.Errorf("FetchOpenSockets: failed to parse response: %w", err)
	}
	return infos, nil
}
