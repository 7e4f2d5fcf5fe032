package portmgr

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureServicePortAllocatesFreshWhenNoPersistedPort(t *testing.T) {
	m := New(nil)
	port, err := m.EnsureServicePort("svc-1", 0, 0)
	require.NoError(t, err)
	require.Greater(t, port, 0)
}

func TestEnsureServicePortReusesFreePersistedPort(t *testing.T) {
	m := New(nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	got, err := m.EnsureServicePort("svc-1", port, 0)
	require.NoError(t, err)
	require.Equal(t, port, got)
}

func TestEnsureServicePortReallocatesWhenPersistedPortOccupied(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	occupied := ln.Addr().(*net.TCPAddr).Port

	m := New(nil)
	got, err := m.EnsureServicePort("svc-1", occupied, 0)
	require.NoError(t, err)
	require.NotEqual(t, occupied, got)
}

func TestTwoServicesNeverCollide(t *testing.T) {
	m := New(nil)
	p1, err := m.EnsureServicePort("svc-1", 0, 0)
	require.NoError(t, err)
	p2, err := m.EnsureServicePort("svc-2", 0, 0)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)
}

func TestReleasePortForFreesReservation(t *testing.T) {
	m := New(nil)
	port, err := m.EnsureServicePort("svc-1", 0, 0)
	require.NoError(t, err)

	m.ReleasePortFor("svc-1")

	got, err := m.EnsureServicePort("svc-2", port, 0)
	require.NoError(t, err)
	require.Equal(t, port, got)
}

func TestRememberSpecificPort(t *testing.T) {
	m := New(nil)
	m.RememberSpecificPort("svc-1", 59999)

	port, err := m.EnsureServicePort("svc-2", 59999, 0)
	require.NoError(t, err)
	require.NotEqual(t, 59999, port)
}

func TestSanitizedServiceName(t *testing.T) {
	cases := map[string]string{
		"web":        "WEB",
		"worker-1":   "WORKER_1",
		"my.service": "MY_SERVICE",
		"a b":        "A_B",
	}
	for in, want := range cases {
		require.Equal(t, want, SanitizedServiceName(in))
	}
}
