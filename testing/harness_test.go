package testing

import (
	stdtesting "testing"

	"github.com/stretchr/testify/require"
)

func TestHarnessConnectAssignsServerIDZero(t *stdtesting.T) {
	h, err := NewHarness(64<<10, 64)
	require.NoError(t, err)
	defer h.Stop()

	serverID, err := h.Connect()
	require.NoError(t, err)
	require.Equal(t, uint64(0), serverID, "server registered before any client, so it should get node id 0")
}

func TestHarnessRemoteAllocWriteRoundTrip(t *stdtesting.T) {
	h, err := NewHarness(64<<10, 64)
	require.NoError(t, err)
	defer h.Stop()

	_, err = h.Connect()
	require.NoError(t, err)

	off, err := h.Client.RemoteAlloc(h.ServerAddr, 4096)
	require.NoError(t, err)

	conn, ok := h.Client.Conn(h.ServerAddr)
	require.True(t, ok)

	src := []byte("hello\x00")
	require.NoError(t, conn.Write(off, src, true))

	got, err := h.ServerMR.ReadBytes(off, uint64(len(src)))
	require.NoError(t, err)
	require.Equal(t, src, got)

	require.NoError(t, h.Client.RemoteFree(h.ServerAddr, 4096, off))
}

func TestHarnessRemoteAllocExhaustionReturnsOOM(t *stdtesting.T) {
	h, err := NewHarness(1024, 64)
	require.NoError(t, err)
	defer h.Stop()

	_, err = h.Connect()
	require.NoError(t, err)

	_, err = h.Client.RemoteAlloc(h.ServerAddr, 600)
	require.NoError(t, err)

	_, err = h.Client.RemoteAlloc(h.ServerAddr, 600)
	require.Error(t, err)
}
