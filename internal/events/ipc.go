package events

import (
	"log/slog"

	"shizukud/internal/ipc"
	"shizukud/internal/pkgdb"
)

// IPCNotifier pushes permission-change events over the broker's own
// sockets: subscribed management clients (a live Settings UI) see every
// change, while the affected application sees only its own, targeted by
// the kernel-attested UID of its connection.
type IPCNotifier struct {
	// Public is the app-facing server; nil disables targeted delivery.
	Public *ipc.Server

	// Mgmt is the management server; nil disables subscriber delivery.
	Mgmt *ipc.Server

	// Resolver targets the affected package's UID.
	Resolver pkgdb.Resolver

	Log *slog.Logger
}

// PermissionChanged implements Notifier.
func (n *IPCNotifier) PermissionChanged(pkg string, userID int, granted bool) {
	msg, err := ipc.Marshal(ipc.MsgPermissionEvent, 0, ipc.PermissionEventPayload{
		PackageName: pkg,
		UserID:      userID,
		Granted:     granted,
	})
	if err != nil {
		if n.Log != nil {
			n.Log.Warn("permission event marshal failed", "error", err)
		}
		return
	}

	if n.Mgmt != nil {
		n.Mgmt.Broadcast(msg, func(c *ipc.Conn) bool { return c.Subscribed() })
	}
	if n.Public != nil && n.Resolver != nil {
		if expected, ok := pkgdb.ExpectedUID(n.Resolver, pkg, userID); ok {
			n.Public.Broadcast(msg, func(c *ipc.Conn) bool { return c.Peer.UID == expected })
		}
	}
}
