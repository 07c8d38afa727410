package wgsock

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestStartTunnelRejectsInvalidConfigWithoutEngineCall(t *testing.T) {
	engine := new(engineMock)
	m := NewTunnelManager(engine)
	o := new(observerRecorder)
	m.SetStatusObserver(o)

	c := validTestConfig()
	c.Endpoint = "no-port-separator"

	err := m.StartTunnel(c)
	assert.Error(t, err)
	var configErr *ConfigError
	assert.ErrorAs(t, err, &configErr)
	engine.AssertNotCalled(t, "StartTunnel")
	assert.Equal(t, []string{"error"}, o.events())
}

func TestStartTunnelWithLiteralEndpoint(t *testing.T) {
	engine := new(engineMock)
	m := NewTunnelManager(engine)
	o := new(observerRecorder)
	m.SetStatusObserver(o)

	engine.On("StartTunnel", mock.MatchedBy(func(p TunnelParams) bool {
		return p.Endpoint == "203.0.113.5:51820" &&
			p.TunnelAddress == "10.0.0.2" &&
			p.MTU == 1420
	})).Return(nil)
	engine.On("TunnelActive").Return(true)

	err := m.StartTunnel(validTestConfig())
	assert.NoError(t, err)
	engine.AssertNumberOfCalls(t, "StartTunnel", 1)
	assert.True(t, m.IsTunnelActive())
	assert.Equal(t, []string{"connecting", "connected"}, o.events())
}

func TestStartTunnelEngineFailureStaysInactive(t *testing.T) {
	engine := new(engineMock)
	m := NewTunnelManager(engine)
	o := new(observerRecorder)
	m.SetStatusObserver(o)

	engine.On("StartTunnel", mock.Anything).Return(errors.New("handshake failed"))

	err := m.StartTunnel(validTestConfig())
	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineRejected)
	assert.False(t, m.IsTunnelActive())
	assert.Equal(t, []string{"connecting", "error"}, o.events())
}

func TestStartTunnelUnresolvableEndpoint(t *testing.T) {
	engine := new(engineMock)
	m := NewTunnelManager(engine)
	o := new(observerRecorder)
	m.SetStatusObserver(o)

	c := validTestConfig()
	c.Endpoint = "host.invalid:51820"

	err := m.StartTunnel(c)
	assert.Error(t, err)
	var resolveErr *ResolveError
	assert.ErrorAs(t, err, &resolveErr)
	engine.AssertNotCalled(t, "StartTunnel")
	assert.Equal(t, []string{"connecting", "error"}, o.events())
}

func TestStopTunnelIsIdempotent(t *testing.T) {
	engine := new(engineMock)
	m := NewTunnelManager(engine)
	o := new(observerRecorder)
	m.SetStatusObserver(o)

	engine.On("StopTunnel").Return()

	m.StopTunnel()
	m.StopTunnel()

	assert.False(t, m.IsTunnelActive())
	assert.Equal(t, []string{"disconnected", "disconnected"}, o.events())
}

func TestConfigureHTTPBumpsGeneration(t *testing.T) {
	engine := new(engineMock)
	m := NewTunnelManager(engine)

	engine.On("ConfigureHTTP", mock.Anything, "10.0.0.1").Return(nil)
	engine.On("HTTPConfigured").Return(true)

	gen1, err := m.ConfigureHTTP(validTestConfig(), "10.0.0.1")
	assert.NoError(t, err)
	gen2, err := m.ConfigureHTTP(validTestConfig(), "10.0.0.1")
	assert.NoError(t, err)

	assert.Equal(t, uint64(1), gen1)
	assert.Equal(t, uint64(2), gen2)
	assert.NotEqual(t, gen1, gen2)
	assert.True(t, m.IsHTTPConfigured())
	assert.Equal(t, "10.0.0.2", m.CurrentTunnelAddress())
	assert.NotEmpty(t, m.SessionID())
}

func TestConfigureHTTPFailureLeavesGenerationUnchanged(t *testing.T) {
	engine := new(engineMock)
	m := NewTunnelManager(engine)

	engine.On("ConfigureHTTP", mock.Anything, mock.Anything).Return(errors.New("boom"))

	_, err := m.ConfigureHTTP(validTestConfig(), "10.0.0.1")
	assert.Error(t, err)
	assert.Equal(t, uint64(0), m.Generation())
	assert.False(t, m.IsHTTPConfigured())
}

func TestConfigureHTTPRejectsInvalidConfigWithoutEngineCall(t *testing.T) {
	engine := new(engineMock)
	m := NewTunnelManager(engine)

	c := validTestConfig()
	c.MTU = 100

	_, err := m.ConfigureHTTP(c, "10.0.0.1")
	assert.Error(t, err)
	engine.AssertNotCalled(t, "ConfigureHTTP")
	assert.Equal(t, uint64(0), m.Generation())
}

func TestClearHTTPConfigIfOwnerSkipsSupersededConfig(t *testing.T) {
	engine := new(engineMock)
	m := NewTunnelManager(engine)

	engine.On("ConfigureHTTP", mock.Anything, mock.Anything).Return(nil)
	engine.On("ClearHTTP").Return()

	gen1, err := m.ConfigureHTTP(validTestConfig(), "10.0.0.1")
	assert.NoError(t, err)
	gen2, err := m.ConfigureHTTP(validTestConfig(), "10.0.0.1")
	assert.NoError(t, err)

	// The first owner's stale teardown must not destroy the second
	// owner's live configuration.
	assert.False(t, m.ClearHTTPConfigIfOwner(gen1))
	engine.AssertNotCalled(t, "ClearHTTP")

	assert.True(t, m.ClearHTTPConfigIfOwner(gen2))
	engine.AssertNumberOfCalls(t, "ClearHTTP", 1)
	assert.Equal(t, "", m.CurrentTunnelAddress())
}

func TestClearHTTPConfigIsUnconditional(t *testing.T) {
	engine := new(engineMock)
	m := NewTunnelManager(engine)

	engine.On("ConfigureHTTP", mock.Anything, mock.Anything).Return(nil)
	engine.On("ClearHTTP").Return()

	_, err := m.ConfigureHTTP(validTestConfig(), "10.0.0.1")
	assert.NoError(t, err)

	m.ClearHTTPConfig()
	engine.AssertNumberOfCalls(t, "ClearHTTP", 1)
	assert.False(t, m.IsHTTPConfigured())
}

func TestIsTunnelActiveCrossChecksEngine(t *testing.T) {
	engine := new(engineMock)
	m := NewTunnelManager(engine)

	engine.On("StartTunnel", mock.Anything).Return(nil)
	// The engine tore itself down without telling the manager.
	engine.On("TunnelActive").Return(false)

	assert.NoError(t, m.StartTunnel(validTestConfig()))
	assert.False(t, m.IsTunnelActive())
}

func TestIsHTTPConfiguredCrossChecksEngine(t *testing.T) {
	engine := new(engineMock)
	m := NewTunnelManager(engine)

	engine.On("ConfigureHTTP", mock.Anything, mock.Anything).Return(nil)
	engine.On("HTTPConfigured").Return(false)

	_, err := m.ConfigureHTTP(validTestConfig(), "10.0.0.1")
	assert.NoError(t, err)
	assert.False(t, m.IsHTTPConfigured())
}

type engineMock struct {
	mock.Mock
}

func (e *engineMock) StartTunnel(p TunnelParams) error {
	return e.Called(p).Error(0)
}

func (e *engineMock) StopTunnel() {
	e.Called()
}

func (e *engineMock) TunnelActive() bool {
	return e.Called().Bool(0)
}

func (e *engineMock) ConfigureHTTP(p TunnelParams, serverAddress string) error {
	return e.Called(p, serverAddress).Error(0)
}

func (e *engineMock) ClearHTTP() {
	e.Called()
}

func (e *engineMock) HTTPConfigured() bool {
	return e.Called().Bool(0)
}

func (e *engineMock) Connect(host string, port int, timeout time.Duration) (Handle, error) {
	args := e.Called(host, port, timeout)
	return args.Get(0).(Handle), args.Error(1)
}

func (e *engineMock) LocalPort(h Handle) (int, error) {
	args := e.Called(h)
	return args.Int(0), args.Error(1)
}

func (e *engineMock) Recv(h Handle, b []byte, timeout time.Duration) (int, error) {
	args := e.Called(h, b, timeout)
	return args.Int(0), args.Error(1)
}

func (e *engineMock) Send(h Handle, b []byte) (int, error) {
	args := e.Called(h, b)
	return args.Int(0), args.Error(1)
}

func (e *engineMock) Close(h Handle) {
	e.Called(h)
}

func (e *engineMock) GeneratePrivateKey() ([]byte, error) {
	args := e.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (e *engineMock) DerivePublicKey(privateKey []byte) ([]byte, error) {
	args := e.Called(privateKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

type observerRecorder struct {
	mu     sync.Mutex
	record []string
}

func (o *observerRecorder) add(event string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.record = append(o.record, event)
}

func (o *observerRecorder) events() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string{}, o.record...)
}

func (o *observerRecorder) OnConnecting()        { o.add("connecting") }
func (o *observerRecorder) OnConnected()         { o.add("connected") }
func (o *observerRecorder) OnDisconnected()      { o.add("disconnected") }
func (o *observerRecorder) OnError(reason string) { o.add("error") }
