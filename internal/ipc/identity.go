package ipc

import "fmt"

// PeerIdentity is the transport-authenticated identity of a connected
// peer, read from the socket at accept time. It cannot be forged by the
// peer: the kernel fills it in.
type PeerIdentity struct {
	UID int
	GID int
	PID int
}

func (p PeerIdentity) String() string {
	return fmt.Sprintf("uid=%d gid=%d pid=%d", p.UID, p.GID, p.PID)
}
