package resolve

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func loopbackUDPConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHostIsOverride(t *testing.T) {
	require.False(t, HostIsOverride("0"))
	require.False(t, HostIsOverride("0.0.0.0"))
	require.False(t, HostIsOverride("::"))
	require.True(t, HostIsOverride("10.0.0.1"))
	require.True(t, HostIsOverride("example.com"))
}

func TestResolve_BothOverridesSkipCapability(t *testing.T) {
	conn := loopbackUDPConn(t)

	addr, err := Resolve(nil, conn, Override{Host: "10.0.0.9", Port: 4242})
	require.NoError(t, err)
	udpAddr, ok := addr.(*net.UDPAddr)
	require.True(t, ok)
	require.Equal(t, "10.0.0.9", udpAddr.IP.String())
	require.Equal(t, 4242, udpAddr.Port)
}

func TestResolve_PartialOverrideUsesCapabilityForMissingField(t *testing.T) {
	conn := loopbackUDPConn(t)
	localPort := conn.LocalAddr().(*net.UDPAddr).Port

	addr, err := Resolve(LocalAddrCapability{}, conn, Override{Host: "10.0.0.9"})
	require.NoError(t, err)
	udpAddr := addr.(*net.UDPAddr)
	require.Equal(t, "10.0.0.9", udpAddr.IP.String())
	require.Equal(t, localPort, udpAddr.Port)
}

func TestResolve_NoCapabilityNoOverrideFails(t *testing.T) {
	conn := loopbackUDPConn(t)

	_, err := Resolve(nil, conn, Override{})
	require.ErrorIs(t, err, ErrNoUpstream)
}

func TestResolve_CapabilityErrorPropagates(t *testing.T) {
	conn := loopbackUDPConn(t)

	_, err := Resolve(failingCapability{}, conn, Override{})
	require.ErrorIs(t, err, ErrNoUpstream)
}

type failingCapability struct{}

func (failingCapability) OriginalDestination(conn Conn) (net.Addr, error) {
	return nil, errCapabilityUnavailable
}

var errCapabilityUnavailable = &capabilityError{"capability unavailable"}

type capabilityError struct{ msg string }

func (e *capabilityError) Error() string { return e.msg }
