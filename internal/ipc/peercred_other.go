//go:build !linux

package ipc

import (
	"errors"
	"net"
)

// peerCredentials is only implemented on Linux; the broker refuses
// connections it cannot attribute to a peer.
func peerCredentials(conn *net.UnixConn) (PeerIdentity, error) {
	return PeerIdentity{}, errors.New("ipc: peer credentials unsupported on this platform")
}
