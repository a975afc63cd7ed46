package events

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// D-Bus identifiers for the broker's signal. Receipt is restricted to
// platform components by the system bus policy shipped with the broker.
const (
	BusName       = "org.shizukud.Broker"
	ObjectPath    = dbus.ObjectPath("/org/shizukud/Broker")
	InterfaceName = "org.shizukud.Broker"
	SignalName    = "PermissionChanged"
)

// BusNotifier emits PermissionChanged signals on the system bus.
type BusNotifier struct {
	conn *dbus.Conn
	log  *slog.Logger
}

// NewBusNotifier connects to the system bus and claims the broker's
// well-known name.
func NewBusNotifier(log *slog.Logger) (*BusNotifier, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("events: connect system bus: %w", err)
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("events: bus name %s already owned", BusName)
	}

	return &BusNotifier{conn: conn, log: log}, nil
}

// PermissionChanged implements Notifier.
func (n *BusNotifier) PermissionChanged(pkg string, userID int, granted bool) {
	err := n.conn.Emit(ObjectPath, InterfaceName+"."+SignalName, pkg, int32(userID), granted)
	if err != nil {
		n.log.Warn("dbus signal emission failed",
			"package", pkg, "user", userID, "error", err)
	}
}

// Close releases the bus connection.
func (n *BusNotifier) Close() error {
	return n.conn.Close()
}
