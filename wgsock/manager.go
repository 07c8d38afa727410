package wgsock

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// StatusObserver receives tunnel lifecycle notifications. The manager
// supports zero or one observer, not multiple subscribers. Callbacks are
// invoked synchronously from inside manager operations, so an observer must
// not call back into the manager.
type StatusObserver interface {
	OnConnecting()
	OnConnected()
	OnDisconnected()
	OnError(reason string)
}

// managerState is the shared record guarded by the manager mutex. It is only
// ever updated as a whole inside a locked section, so a concurrent reader can
// never observe a partially applied reconfiguration.
type managerState struct {
	active           bool
	httpConfigured   bool
	configGeneration uint64
	tunnelAddress    string
	sessionID        string
}

// TunnelManager coordinates the process-wide tunnel configuration and
// lifecycle. It owns zero-or-one active engine configuration; many sockets
// may be created while one configuration is active. Construct one explicitly
// with NewTunnelManager and share it; the manager serializes StartTunnel,
// StopTunnel, ConfigureHTTP and the clear operations behind a single lock.
type TunnelManager struct {
	engine Engine

	mu       sync.Mutex
	state    managerState
	observer StatusObserver
}

// NewTunnelManager creates a manager for the given engine. The tunnel starts
// out inactive.
func NewTunnelManager(engine Engine) *TunnelManager {
	return &TunnelManager{engine: engine}
}

// SetStatusObserver installs the single lifecycle observer. Passing nil
// removes it.
func (m *TunnelManager) SetStatusObserver(o StatusObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
}

// StartTunnel validates the config, resolves the endpoint and asks the
// engine to bring the tunnel up. Validation and resolution failures are
// reported to the observer and returned without touching the engine or any
// counters. On engine failure the manager stays inactive.
func (m *TunnelManager) StartTunnel(config *Config) error {
	if err := config.Validate(); err != nil {
		log.WithError(err).Error("invalid tunnel configuration")
		m.mu.Lock()
		m.notifyError(err.Error())
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.notifyConnecting()

	endpoint, err := resolveEndpoint(config.Endpoint)
	if err != nil {
		log.WithError(err).Error("failed to resolve tunnel endpoint")
		m.notifyError(err.Error())
		return fmt.Errorf("StartTunnel: %w", err)
	}

	if err := m.engine.StartTunnel(tunnelParams(config, endpoint)); err != nil {
		log.WithError(err).Error("failed to start tunnel")
		m.notifyError("failed to start tunnel")
		return fmt.Errorf("StartTunnel: %w: %w", ErrEngineRejected, err)
	}

	m.state.active = true
	m.notifyConnected()
	log.WithField("endpoint", endpoint).Info("tunnel started")
	return nil
}

// StopTunnel unconditionally stops the engine tunnel and marks the manager
// inactive. Stopping an already-inactive tunnel is harmless.
func (m *TunnelManager) StopTunnel() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.engine.StopTunnel()
	m.state.active = false
	m.notifyDisconnected()
	log.Info("tunnel stopped")
}

// ConfigureHTTP activates the narrower HTTP routing path without tearing
// down a full tunnel session. On success the config generation is
// incremented and returned; a caller that wants to tear the configuration
// down later should remember it and use ClearHTTPConfigIfOwner, so it does
// not destroy a configuration somebody else set up in the meantime.
func (m *TunnelManager) ConfigureHTTP(config *Config, serverAddress string) (uint64, error) {
	if err := config.Validate(); err != nil {
		log.WithError(err).Error("invalid tunnel configuration for http routing")
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	endpoint, err := resolveEndpoint(config.Endpoint)
	if err != nil {
		log.WithError(err).Error("failed to resolve tunnel endpoint for http routing")
		return 0, fmt.Errorf("ConfigureHTTP: %w", err)
	}

	if err := m.engine.ConfigureHTTP(tunnelParams(config, endpoint), serverAddress); err != nil {
		log.WithError(err).Error("failed to configure http routing")
		return 0, fmt.Errorf("ConfigureHTTP: %w: %w", ErrEngineRejected, err)
	}

	m.state.httpConfigured = true
	m.state.configGeneration++
	m.state.tunnelAddress = config.TunnelAddress
	m.state.sessionID = uuid.NewString()
	log.WithField("generation", m.state.configGeneration).
		WithField("endpoint", endpoint).
		Info("http routing configured")
	return m.state.configGeneration, nil
}

// ClearHTTPConfig unconditionally clears the HTTP routing configuration.
// It does not check the generation counter, so it can clear a configuration
// set up by another owner; use ClearHTTPConfigIfOwner when that matters.
func (m *TunnelManager) ClearHTTPConfig() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearHTTPLocked()
}

// ClearHTTPConfigIfOwner clears the HTTP routing configuration only if the
// current generation still matches generation, i.e. nobody reconfigured the
// tunnel since the caller set it up. It reports whether the configuration
// was cleared.
func (m *TunnelManager) ClearHTTPConfigIfOwner(generation uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.configGeneration != generation {
		log.WithField("ownGeneration", generation).
			WithField("currentGeneration", m.state.configGeneration).
			Info("skipping http teardown, configuration was superseded")
		return false
	}
	m.clearHTTPLocked()
	return true
}

func (m *TunnelManager) clearHTTPLocked() {
	m.engine.ClearHTTP()
	m.state.httpConfigured = false
	m.state.tunnelAddress = ""
	m.state.sessionID = ""
	log.Info("http routing configuration cleared")
}

// IsTunnelActive cross-checks the local flag against a live engine query,
// because the engine may have torn itself down after a fatal transport error
// without notifying the manager.
func (m *TunnelManager) IsTunnelActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.active && m.engine.TunnelActive()
}

// IsHTTPConfigured cross-checks the local flag against a live engine query.
func (m *TunnelManager) IsHTTPConfigured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.httpConfigured && m.engine.HTTPConfigured()
}

// Generation returns the current config generation. It increases by one on
// every successful ConfigureHTTP call and never otherwise.
func (m *TunnelManager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.configGeneration
}

// CurrentTunnelAddress returns the tunnel-local address of the active HTTP
// configuration, or "" when none is configured.
func (m *TunnelManager) CurrentTunnelAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.tunnelAddress
}

// SessionID returns an opaque id identifying the active HTTP configuration,
// or "" when none is configured.
func (m *TunnelManager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.sessionID
}

func (m *TunnelManager) notifyConnecting() {
	if m.observer != nil {
		m.observer.OnConnecting()
	}
}

func (m *TunnelManager) notifyConnected() {
	if m.observer != nil {
		m.observer.OnConnected()
	}
}

func (m *TunnelManager) notifyDisconnected() {
	if m.observer != nil {
		m.observer.OnDisconnected()
	}
}

func (m *TunnelManager) notifyError(reason string) {
	if m.observer != nil {
		m.observer.OnError(reason)
	}
}

func tunnelParams(config *Config, resolvedEndpoint string) TunnelParams {
	return TunnelParams{
		PrivateKey:    config.PrivateKey,
		PeerPublicKey: config.PeerPublicKey,
		PresharedKey:  config.PresharedKey,
		Endpoint:      resolvedEndpoint,
		TunnelAddress: config.TunnelAddress,
		KeepaliveSecs: config.KeepaliveSecs,
		MTU:           config.MTU,
	}
}

// resolveEndpoint turns a host:port endpoint into a numeric ip:port. Hosts
// that are already numeric resolve immediately; for hostnames an IPv4 address
// is preferred over IPv6.
func resolveEndpoint(endpoint string) (string, error) {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", &ResolveError{Host: endpoint, Err: err}
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", &ResolveError{Host: endpoint, Err: fmt.Errorf("invalid port %q", port)}
	}
	if ip := net.ParseIP(host); ip != nil {
		return net.JoinHostPort(ip.String(), port), nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return "", &ResolveError{Host: host, Err: err}
	}
	selected := ips[0]
	for _, ip := range ips {
		if ip.To4() != nil {
			selected = ip
			break
		}
	}
	return net.JoinHostPort(selected.String(), port), nil
}
