//go:build !windows

package ipc

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"
)

// socketProbeTimeout bounds the liveness check on an existing socket, so a
// wedged daemon cannot hang the startup of a new one.
const socketProbeTimeout = 500 * time.Millisecond

var (
	// ErrNotSocket is returned when the socket path is taken by a file that
	// is not a socket. keyshell never removes such a file.
	ErrNotSocket = errors.New("socket path exists and is not a socket")

	// ErrPeerCredentialsUnsupported is returned where the platform cannot
	// report the peer of a unix socket.
	ErrPeerCredentialsUnsupported = errors.New("peer credentials not supported on this platform")
)

// PeerCredentials identifies the process on the other end of a control
// connection.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// trusted reports whether the peer may drive the daemon: root, or the user
// the daemon runs as.
func (p *PeerCredentials) trusted(uid int) bool {
	return p.UID == 0 || p.UID == uid
}

// claimSocket makes path free for this daemon. A socket that still answers
// belongs to a running daemon and is refused; one nobody answers on is left
// over from a crash and removed.
func claimSocket(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s", ErrNotSocket, path)
	}

	if conn, err := net.DialTimeout("unix", path, socketProbeTimeout); err == nil {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// listenSocket binds path and applies mode to the socket file. It returns
// the file's identity so releaseSocket can tell it apart from a socket a
// later daemon put in its place.
func listenSocket(path string, mode os.FileMode) (net.Listener, os.FileInfo, error) {
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on socket: %w", err)
	}
	// Closing a unix listener unlinks its path; releaseSocket does that.
	if ul, ok := l.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}

	fail := func(err error) (net.Listener, os.FileInfo, error) {
		l.Close()
		os.Remove(path)
		return nil, nil, err
	}
	if err := os.Chmod(path, mode); err != nil {
		return fail(fmt.Errorf("set socket permissions: %w", err))
	}
	info, err := os.Lstat(path)
	if err != nil {
		return fail(err)
	}
	return l, info, nil
}

// releaseSocket removes path if it is still the socket this daemon created.
func releaseSocket(path string, owned os.FileInfo) {
	if owned == nil {
		return
	}
	info, err := os.Lstat(path)
	if err != nil || !os.SameFile(info, owned) {
		return
	}
	os.Remove(path)
}
