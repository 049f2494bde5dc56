//go:build !linux && !windows

package ipc

import "net"

// GetPeerCredentials is only implemented on Linux.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, ErrPeerCredentialsUnsupported
}
