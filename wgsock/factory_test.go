package wgsock

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupFactory(t *testing.T) (*SocketFactory, *TunnelManager, *fakeEngine) {
	engine := newFakeEngine()
	manager := NewTunnelManager(engine)
	return NewSocketFactory(manager), manager, engine
}

func TestFactoryAvailability(t *testing.T) {
	f, manager, _ := setupFactory(t)

	assert.False(t, f.Available())

	_, err := manager.ConfigureHTTP(validTestConfig(), "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, f.Available())

	manager.ClearHTTPConfig()
	assert.False(t, f.Available())
}

func TestFactorySocketCarriesTunnelLocalAddress(t *testing.T) {
	f, manager, _ := setupFactory(t)

	_, err := manager.ConfigureHTTP(validTestConfig(), "10.0.0.1")
	require.NoError(t, err)

	s := f.NewSocket()
	addr, ok := s.LocalAddr().(*net.TCPAddr)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2", addr.IP.String())
}

func TestFactoryRegistryTracksOpenSockets(t *testing.T) {
	f, _, _ := setupFactory(t)

	s1, err := f.Dial("10.0.0.1", 443)
	require.NoError(t, err)
	s2, err := f.Dial("10.0.0.1", 8080)
	require.NoError(t, err)

	infos := f.OpenSockets()
	require.Len(t, infos, 2)
	assert.Equal(t, uint64(s1.Handle()), infos[0].Handle)
	assert.Equal(t, uint64(s2.Handle()), infos[1].Handle)
	assert.Equal(t, "10.0.0.1:443", infos[0].RemoteAddr)

	require.NoError(t, s1.Close())
	infos = f.OpenSockets()
	require.Len(t, infos, 1)
	assert.Equal(t, uint64(s2.Handle()), infos[0].Handle)

	require.NoError(t, s2.Close())
	assert.Empty(t, f.OpenSockets())
}

func TestFactoryDialFailureClosesSocket(t *testing.T) {
	f, _, engine := setupFactory(t)
	engine.connectZero = true

	_, err := f.Dial("10.0.0.1", 443)
	assert.Error(t, err)
	assert.Empty(t, f.OpenSockets())
}

func TestFactoryDialLocalIgnoresLocalBind(t *testing.T) {
	f, _, _ := setupFactory(t)

	s, err := f.DialLocal("10.0.0.1", 443, "192.168.1.50", 40000)
	require.NoError(t, err)
	defer s.Close()

	addr := s.LocalAddr().(*net.TCPAddr)
	assert.NotEqual(t, "192.168.1.50", addr.IP.String())
	assert.NotEqual(t, 40000, addr.Port)
}

func TestFactoryDialContext(t *testing.T) {
	f, _, engine := setupFactory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := f.DialContext(ctx, "tcp", "10.0.0.9:8080")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "10.0.0.9:8080", conn.RemoteAddr().String())
	// The context deadline bounded the connect attempt.
	assert.LessOrEqual(t, engine.lastConnectTimeout(), 2*time.Second)

	_, err = f.DialContext(ctx, "udp", "10.0.0.9:53")
	assert.Error(t, err)

	_, err = f.DialContext(ctx, "tcp", "missing-port")
	assert.Error(t, err)
}
