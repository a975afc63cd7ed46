// Package broker implements the app-facing permission engine: the
// permission state machine, rate-limited consent dispatch, and the
// session-token registry bound to peer liveness.
//
// Every operation carries the transport-authenticated peer UID. The
// engine resolves the claimed (package, user) against the platform
// package database and refuses callers that do not own the package.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"shizukud/internal/consent"
	"shizukud/internal/events"
	"shizukud/internal/pkgdb"
	"shizukud/internal/store"
)

// Callback is the one-shot outcome of a permission request. Exactly one
// method is invoked per request; the engine drops its reference after.
type Callback interface {
	OnGranted(g store.Grant, sessionToken string)
	OnDenied(pkg string, userID int)
}

// Config wires the engine's collaborators.
type Config struct {
	Store    *store.Store
	Sessions *Sessions
	Resolver pkgdb.Resolver
	Prompter consent.Prompter
	Notifier events.Notifier
	Log      *slog.Logger

	// NowMillis overrides the clock, for tests.
	NowMillis func() int64
}

// Engine is the public permission surface.
type Engine struct {
	store    *store.Store
	sessions *Sessions
	resolver pkgdb.Resolver
	prompter consent.Prompter
	notify   events.Notifier
	log      *slog.Logger

	nowMillis func() int64
	pending   pendingCounter
}

// New creates the engine.
func New(cfg Config) *Engine {
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
	return &Engine{
		store:     cfg.Store,
		sessions:  cfg.Sessions,
		resolver:  cfg.Resolver,
		prompter:  cfg.Prompter,
		notify:    notify,
		log:       log,
		nowMillis: now,
	}
}

// Ping returns the protocol version. Unrestricted.
func (e *Engine) Ping() int { return ProtocolVersion }

// Sessions exposes the session registry to sibling surfaces.
func (e *Engine) Sessions() *Sessions { return e.sessions }

// RequestPermission runs the consent flow for (pkg, userID) on behalf of
// callerUID. The call returns once the outcome is decided or the dialog
// is queued; the outcome itself arrives through cb.
func (e *Engine) RequestPermission(ctx context.Context, callerUID int, pkg string, userID int, cb Callback) error {
	appID, err := e.enforceCallerOwnsPackage(callerUID, pkg, userID)
	if err != nil {
		return err
	}

	existing, exists := e.store.Grant(pkg, userID)
	if exists && existing.Granted {
		if !existing.IsExpired(e.nowMillis()) {
			token := e.sessions.Issue(pkg, userID, existing.Flags)
			e.log.Debug("existing valid grant", "package", pkg, "user", userID)
			cb.OnGranted(existing, token)
			return nil
		}
		// Expired while stored: revoke, audit, then run the dialog path.
		e.store.Revoke(pkg, userID)
		e.audit(store.EventExpire, pkg, existing.AppID, userID, "")
	}

	// Permanent deny: a prior record revoked by the user short-circuits
	// without showing a dialog.
	if exists && existing.Flags&store.FlagRevokedByUser != 0 && !existing.Granted {
		e.log.Debug("permanently denied", "package", pkg, "user", userID)
		cb.OnDenied(pkg, userID)
		return nil
	}

	key := pendingKey(pkg, userID)
	if n := e.pending.inc(key); n > MaxPendingRequests {
		e.pending.dec(key)
		return fmt.Errorf("%s: %w", pkg, ErrRateLimited)
	}

	req := consent.Request{
		PackageName: pkg,
		AppID:       appID,
		UserID:      userID,
	}
	e.prompter.Prompt(ctx, req, &wrappedDecision{
		engine: e,
		key:    key,
		req:    req,
		cb:     cb,
	})
	return nil
}

// GetMyPermission returns the caller's own record, unfiltered.
func (e *Engine) GetMyPermission(callerUID int, pkg string, userID int) (store.Grant, bool, error) {
	if _, err := e.enforceCallerOwnsPackage(callerUID, pkg, userID); err != nil {
		return store.Grant{}, false, err
	}
	g, ok := e.store.Grant(pkg, userID)
	return g, ok, nil
}

// AttachSession binds a token to the calling peer's liveness handle.
// Fails ErrNotOwner when the token is unknown or was not issued to a
// package the caller owns.
func (e *Engine) AttachSession(callerUID int, token string, live Liveness) error {
	pkg, userID, ok := e.sessions.Lookup(token)
	if !ok {
		return fmt.Errorf("unknown session token: %w", ErrNotOwner)
	}
	expected, ok := pkgdb.ExpectedUID(e.resolver, pkg, userID)
	if !ok || expected != callerUID {
		return fmt.Errorf("token not issued to uid %d: %w", callerUID, ErrNotOwner)
	}
	return e.sessions.Attach(token, callerUID, live)
}

// PendingCount reports the in-flight dialog count for (pkg, userID).
func (e *Engine) PendingCount(pkg string, userID int) int {
	return e.pending.get(pendingKey(pkg, userID))
}

// enforceCallerOwnsPackage resolves the expected UID for (pkg, userID)
// and compares it with the caller. Returns the package's app id.
func (e *Engine) enforceCallerOwnsPackage(callerUID int, pkg string, userID int) (int, error) {
	if pkg == "" {
		return 0, fmt.Errorf("empty package name: %w", ErrNotOwner)
	}
	appID, ok := e.resolver.AppID(pkg, userID)
	if !ok {
		return 0, fmt.Errorf("package %s not found for user %d: %w", pkg, userID, ErrNotOwner)
	}
	if expected := pkgdb.ComposeUID(userID, appID); expected != callerUID {
		return 0, fmt.Errorf("uid %d does not own %s in user %d: %w",
			callerUID, pkg, userID, ErrNotOwner)
	}
	return appID, nil
}

func (e *Engine) audit(eventType int, pkg string, appID, userID int, detail string) {
	e.store.AppendAudit(store.AuditEvent{
		Version:     1,
		EventType:   eventType,
		PackageName: pkg,
		AppID:       appID,
		UserID:      userID,
		EventAt:     e.nowMillis(),
		Detail:      detail,
	})
}

// wrappedDecision decrements the pending counter before forwarding any
// terminal consent decision, then drives the grant or deny path. The
// counter is released even when the upstream callback is unreachable.
type wrappedDecision struct {
	engine *Engine
	key    string
	req    consent.Request
	cb     Callback
}

// Allow writes the grant, audits, notifies, and delivers the callback
// with a fresh session token. A store write failure does not block
// callback delivery; the grant is re-consented on the next read cycle.
func (d *wrappedDecision) Allow() {
	e := d.engine
	e.pending.dec(d.key)

	g := store.Grant{
		Version:     1,
		PackageName: d.req.PackageName,
		AppID:       d.req.AppID,
		UserID:      d.req.UserID,
		Granted:     true,
		GrantedAt:   e.nowMillis(),
		ExpiresAt:   0,
		Flags:       store.FlagGrantPersistent,
	}
	e.store.PutGrant(g)
	e.audit(store.EventGrant, g.PackageName, g.AppID, g.UserID, "")
	e.notify.PermissionChanged(g.PackageName, g.UserID, true)

	token := e.sessions.Issue(g.PackageName, g.UserID, g.Flags)
	d.cb.OnGranted(g, token)
}

// Deny audits and forwards. Stored grant state is not altered: a plain
// deny is not a permanent deny.
func (d *wrappedDecision) Deny() {
	e := d.engine
	e.pending.dec(d.key)
	e.audit(store.EventDeny, d.req.PackageName, d.req.AppID, d.req.UserID, "")
	d.cb.OnDenied(d.req.PackageName, d.req.UserID)
}
