//go:build !windows

package ipc

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// leaveStaleSocket creates a socket file nobody listens on, as a crashed
// daemon would.
func leaveStaleSocket(t *testing.T, path string) {
	t.Helper()
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, l.Close())
	_, err = os.Lstat(path)
	require.NoError(t, err)
}

func TestStartReplacesStaleSocket(t *testing.T) {
	path := socketPath(t)
	leaveStaleSocket(t, path)

	srv, err := NewServer(ServerConfig{SocketPath: path, Permissions: 0600}, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	info, err := os.Lstat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestStartRefusesNonSocket(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0600))

	srv, err := NewServer(ServerConfig{SocketPath: path}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Start(), ErrNotSocket)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}

func TestStopLeavesReplacedSocket(t *testing.T) {
	path := socketPath(t)
	srv, err := NewServer(ServerConfig{SocketPath: path}, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	// Another daemon took the path over.
	require.NoError(t, os.Remove(path))
	leaveStaleSocket(t, path)

	require.NoError(t, srv.Stop())
	_, err = os.Lstat(path)
	assert.NoError(t, err)
}

func TestStopRemovesOwnSocket(t *testing.T) {
	path := socketPath(t)
	srv, err := NewServer(ServerConfig{SocketPath: path}, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop())

	_, err = os.Lstat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPeerTrusted(t *testing.T) {
	assert.True(t, (&PeerCredentials{UID: 0}).trusted(1000))
	assert.True(t, (&PeerCredentials{UID: 1000}).trusted(1000))
	assert.False(t, (&PeerCredentials{UID: 1001}).trusted(1000))
}
