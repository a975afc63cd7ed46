// Package lifecycle reconciles stored grant state with platform events:
// boot, user removal, and package removal.
//
// Under normal operation peer-death handling keeps the store consistent;
// these hooks cover what liveness cannot see — crashes, power loss, and
// changes that happened while the broker was down.
package lifecycle

import (
	"log/slog"
	"time"

	"shizukud/internal/store"
)

// Hooks runs the reconciliation passes.
type Hooks struct {
	store *store.Store
	log   *slog.Logger

	nowMillis func() int64
}

// New creates the hooks.
func New(st *store.Store, log *slog.Logger) *Hooks {
	if log == nil {
		log = slog.Default()
	}
	return &Hooks{
		store:     st,
		log:       log,
		nowMillis: func() int64 { return time.Now().UnixMilli() },
	}
}

// OnBootUnlocked runs after credential storage is available. Session-only
// grants did not survive the reboot; time-limited grants that lapsed
// while the device was off are expired with an audit entry. Nothing runs
// pre-unlock: the encrypted store is unreadable until then.
func (h *Hooks) OnBootUnlocked() {
	now := h.nowMillis()
	for _, userID := range h.store.Users() {
		for _, g := range h.store.Grants(userID) {
			if !g.Granted {
				continue
			}
			switch {
			case g.Flags&store.FlagGrantSessionOnly != 0:
				h.log.Info("revoking session-only grant from previous boot",
					"package", g.PackageName, "user", userID)
				h.store.Revoke(g.PackageName, userID)
			case g.IsExpired(now):
				h.log.Info("expiring grant", "package", g.PackageName, "user", userID)
				h.store.Revoke(g.PackageName, userID)
				h.store.AppendAudit(store.AuditEvent{
					Version:     1,
					EventType:   store.EventExpire,
					PackageName: g.PackageName,
					AppID:       g.AppID,
					UserID:      userID,
					EventAt:     now,
					Detail:      "boot",
				})
			}
		}
	}
}

// OnUserRemoved purges all state for a removed user. No per-record audit
// is emitted: the log goes with the user.
func (h *Hooks) OnUserRemoved(userID int) {
	h.log.Info("user removed, purging state", "user", userID)
	h.store.DeleteUser(userID)
}

// OnPackageRemoved revokes a removed package's grant silently. Audit
// entries are kept for forensics. Replacements (updates) are ignored.
func (h *Hooks) OnPackageRemoved(pkg string, userID int, replacing bool) {
	if replacing {
		return
	}
	h.log.Info("package removed, revoking grant", "package", pkg, "user", userID)
	h.store.Revoke(pkg, userID)
}
