// Package manager implements the privileged management surface used by
// the system Settings UI: list, inspect, and revoke grants, and query
// the audit log. It cannot create grants — only user consent does that.
//
// Every operation first asserts the caller holds the management
// capability: root, or a UID from the configured management set.
// Cross-user operations (UserAll) additionally require the cross-user
// capability. The surface routes through the same store and session
// registry as the permission engine; it keeps no state of its own.
package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"shizukud/internal/broker"
	"shizukud/internal/events"
	"shizukud/internal/store"
)

// UserAll addresses every user at once. List and revoke-all treat it as
// an authorized no-op that returns empty: per-user iteration is the
// supported path.
const UserAll = -1

// MaxAuditResults caps one audit query at the management boundary.
const MaxAuditResults = 100

// ErrNotAuthorized: the caller lacks the management capability.
var ErrNotAuthorized = errors.New("caller lacks management capability")

// Config wires the manager's collaborators.
type Config struct {
	Store    *store.Store
	Sessions *broker.Sessions
	Notifier events.Notifier
	Log      *slog.Logger

	// UIDs may call the management surface in addition to root.
	UIDs []int

	// CrossUserUIDs may additionally address UserAll.
	CrossUserUIDs []int

	// NowMillis overrides the clock, for tests.
	NowMillis func() int64
}

// Manager is the management engine.
type Manager struct {
	store    *store.Store
	sessions *broker.Sessions
	notify   events.Notifier
	log      *slog.Logger

	uids      map[int]bool
	crossUser map[int]bool
	nowMillis func() int64
}

// New creates the manager.
func New(cfg Config) *Manager {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	notify := cfg.Notifier
	if notify == nil {
		notify = events.Nop{}
	}
	now := cfg.NowMillis
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	m := &Manager{
		store:     cfg.Store,
		sessions:  cfg.Sessions,
		notify:    notify,
		log:       log,
		uids:      make(map[int]bool),
		crossUser: make(map[int]bool),
		nowMillis: now,
	}
	for _, uid := range cfg.UIDs {
		m.uids[uid] = true
	}
	for _, uid := range cfg.CrossUserUIDs {
		m.crossUser[uid] = true
	}
	return m
}

// ListGrants returns a user's grant records. UserAll returns empty.
func (m *Manager) ListGrants(callerUID, userID int) ([]store.Grant, error) {
	if err := m.authorize(callerUID, userID); err != nil {
		return nil, err
	}
	if userID == UserAll {
		return nil, nil
	}
	return m.store.Grants(userID), nil
}

// GetPermission returns one record, if present.
func (m *Manager) GetPermission(callerUID int, pkg string, userID int) (store.Grant, bool, error) {
	if err := m.authorize(callerUID, userID); err != nil {
		return store.Grant{}, false, err
	}
	g, ok := m.store.Grant(pkg, userID)
	return g, ok, nil
}

// RevokePermission revokes one grant. When a record existed, every
// matching session token is invalidated, one REVOKE audit entry is
// appended with the caller's identity, and one change notification is
// delivered. Revoking an absent record succeeds silently.
func (m *Manager) RevokePermission(callerUID int, pkg string, userID int) error {
	if err := m.authorize(callerUID, userID); err != nil {
		return err
	}
	m.log.Info("revoke permission", "package", pkg, "user", userID, "caller_uid", callerUID)

	revoked, ok := m.store.Revoke(pkg, userID)
	if !ok {
		return nil
	}

	m.sessions.InvalidateMatching(pkg, userID)
	m.appendAudit(revoked, fmt.Sprintf("callerUid=%d", callerUID))
	m.notify.PermissionChanged(pkg, userID, false)
	return nil
}

// RevokeAllPermissions revokes every grant for a user with a single
// store write, then audits and notifies per record. UserAll is an
// authorized no-op.
func (m *Manager) RevokeAllPermissions(callerUID, userID int) error {
	if err := m.authorize(callerUID, userID); err != nil {
		return err
	}
	if userID == UserAll {
		return nil
	}
	m.log.Info("revoke all permissions", "user", userID, "caller_uid", callerUID)

	revoked := m.store.RevokeAll(userID)
	for _, g := range revoked {
		m.sessions.InvalidateMatching(g.PackageName, userID)
		m.appendAudit(g, fmt.Sprintf("bulk; callerUid=%d", callerUID))
		m.notify.PermissionChanged(g.PackageName, userID, false)
	}
	return nil
}

// GetAuditLog returns audit events, newest first, capped at
// MaxAuditResults. A non-empty pkg filters to that package.
func (m *Manager) GetAuditLog(callerUID int, pkg string, userID int) ([]store.AuditEvent, error) {
	if err := m.authorize(callerUID, userID); err != nil {
		return nil, err
	}
	list := m.store.Audit(pkg, userID)
	if len(list) > MaxAuditResults {
		list = list[:MaxAuditResults]
	}
	return list, nil
}

// authorize asserts the management capability, plus the cross-user
// capability for UserAll targets.
func (m *Manager) authorize(callerUID, userID int) error {
	if callerUID != 0 && !m.uids[callerUID] {
		return fmt.Errorf("uid %d: %w", callerUID, ErrNotAuthorized)
	}
	if userID == UserAll && callerUID != 0 && !m.crossUser[callerUID] {
		return fmt.Errorf("uid %d lacks cross-user capability: %w", callerUID, ErrNotAuthorized)
	}
	return nil
}

func (m *Manager) appendAudit(g store.Grant, detail string) {
	m.store.AppendAudit(store.AuditEvent{
		Version:     1,
		EventType:   store.EventRevoke,
		PackageName: g.PackageName,
		AppID:       g.AppID,
		UserID:      g.UserID,
		EventAt:     m.nowMillis(),
		Detail:      detail,
	})
}
