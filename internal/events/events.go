// Package events delivers permission-change notifications to the
// affected application's process space.
//
// Delivery is one-way and best-effort: a failed notification is logged
// and never retried. The wire event carries {package, user, granted}.
package events

import "log/slog"

// Change is one permission-state transition.
type Change struct {
	PackageName string
	UserID      int
	Granted     bool
}

// Notifier delivers permission-change events.
type Notifier interface {
	PermissionChanged(pkg string, userID int, granted bool)
}

// Func adapts a function to the Notifier interface. The daemon uses it
// to push events to subscribed IPC connections.
type Func func(pkg string, userID int, granted bool)

// PermissionChanged implements Notifier.
func (f Func) PermissionChanged(pkg string, userID int, granted bool) {
	f(pkg, userID, granted)
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

// PermissionChanged implements Notifier.
func (m Multi) PermissionChanged(pkg string, userID int, granted bool) {
	for _, n := range m {
		n.PermissionChanged(pkg, userID, granted)
	}
}

// Nop discards events. Used where notification is configured off.
type Nop struct{}

// PermissionChanged implements Notifier.
func (Nop) PermissionChanged(string, int, bool) {}

// Recorder captures events for tests.
type Recorder struct {
	Changes []Change
}

// PermissionChanged implements Notifier.
func (r *Recorder) PermissionChanged(pkg string, userID int, granted bool) {
	r.Changes = append(r.Changes, Change{PackageName: pkg, UserID: userID, Granted: granted})
}

// Logged wraps a notifier with debug logging.
func Logged(n Notifier, log *slog.Logger) Notifier {
	return Func(func(pkg string, userID int, granted bool) {
		log.Debug("permission changed", "package", pkg, "user", userID, "granted", granted)
		n.PermissionChanged(pkg, userID, granted)
	})
}
