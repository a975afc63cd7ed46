//go:build linux

package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials retrieves the kernel-attested credentials of the peer
// process connected to a unix socket.
func peerCredentials(conn *net.UnixConn) (PeerIdentity, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return PeerIdentity{}, fmt.Errorf("ipc: raw conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return PeerIdentity{}, fmt.Errorf("ipc: control: %w", err)
	}
	if credErr != nil {
		return PeerIdentity{}, fmt.Errorf("ipc: getsockopt: %w", credErr)
	}

	return PeerIdentity{
		UID: int(cred.Uid),
		GID: int(cred.Gid),
		PID: int(cred.Pid),
	}, nil
}
