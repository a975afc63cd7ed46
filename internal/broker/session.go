package broker

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"shizukud/internal/events"
	"shizukud/internal/store"
)

// Liveness is a peer's death signal: fn runs when the peer's transport
// handle dies. An IPC connection satisfies this.
type Liveness interface {
	OnClose(fn func())
}

type session struct {
	token       string
	pkg         string
	userID      int
	flags       uint32
	attached    bool
	attachedUID int
}

// Sessions is the in-memory session-token registry. Tokens are opaque,
// non-forgeable handles; a token is live only while its issuing peer's
// liveness handle is observed alive.
type Sessions struct {
	store  *store.Store
	notify events.Notifier
	log    *slog.Logger

	nowMillis func() int64

	mu      sync.Mutex
	byToken map[string]*session
}

// NewSessions creates the registry.
func NewSessions(st *store.Store, notify events.Notifier, log *slog.Logger) *Sessions {
	if log == nil {
		log = slog.Default()
	}
	if notify == nil {
		notify = events.Nop{}
	}
	return &Sessions{
		store:     st,
		notify:    notify,
		log:       log,
		nowMillis: func() int64 { return time.Now().UnixMilli() },
		byToken:   make(map[string]*session),
	}
}

// Issue mints a session token for (pkg, userID). The flags snapshot
// decides session-only revocation when the peer later dies. Multiple
// live tokens per (pkg, userID) are permitted.
func (s *Sessions) Issue(pkg string, userID int, flags uint32) string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("session token entropy: %v", err))
	}
	token := hex.EncodeToString(buf)

	s.mu.Lock()
	s.byToken[token] = &session{
		token:  token,
		pkg:    pkg,
		userID: userID,
		flags:  flags,
	}
	s.mu.Unlock()
	return token
}

// Lookup resolves a token to its (package, user).
func (s *Sessions) Lookup(token string) (pkg string, userID int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byToken[token]
	if !ok {
		return "", 0, false
	}
	return entry.pkg, entry.userID, true
}

// Attach subscribes a token to its peer's liveness. Double-attach by the
// same peer succeeds without a second subscription; attach by a
// different peer fails ErrNotOwner. The caller must already have
// verified the peer owns the token's package.
func (s *Sessions) Attach(token string, peerUID int, live Liveness) error {
	s.mu.Lock()
	entry, ok := s.byToken[token]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("attach %s...: %w", token[:min(8, len(token))], ErrNotOwner)
	}
	if entry.attached {
		sameOwner := entry.attachedUID == peerUID
		s.mu.Unlock()
		if sameOwner {
			return nil
		}
		return fmt.Errorf("attach by uid %d: %w", peerUID, ErrNotOwner)
	}
	entry.attached = true
	entry.attachedUID = peerUID
	s.mu.Unlock()

	live.OnClose(func() { s.SessionDied(token) })
	return nil
}

// SessionDied removes a token. When the original flags marked the grant
// session-only and the store still records it granted, the grant is
// revoked, audited, and the change broadcast.
func (s *Sessions) SessionDied(token string) {
	s.mu.Lock()
	entry, ok := s.byToken[token]
	if ok {
		delete(s.byToken, token)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if entry.flags&store.FlagGrantSessionOnly == 0 {
		return
	}
	g, ok := s.store.Grant(entry.pkg, entry.userID)
	if !ok || !g.Granted {
		return
	}

	s.log.Info("session died, revoking session-only grant",
		"package", entry.pkg, "user", entry.userID)
	revoked, ok := s.store.Revoke(entry.pkg, entry.userID)
	if !ok {
		return
	}
	s.store.AppendAudit(store.AuditEvent{
		Version:     1,
		EventType:   store.EventRevoke,
		PackageName: revoked.PackageName,
		AppID:       revoked.AppID,
		UserID:      revoked.UserID,
		EventAt:     s.nowMillis(),
		Detail:      "session-died",
	})
	s.notify.PermissionChanged(entry.pkg, entry.userID, false)
}

// InvalidateMatching removes every token for (pkg, userID) and returns
// how many were dropped. Used by management revocation; the store
// transition has already been written, so no per-token revoke runs.
func (s *Sessions) InvalidateMatching(pkg string, userID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, entry := range s.byToken {
		if entry.pkg == pkg && entry.userID == userID {
			delete(s.byToken, token)
			n++
		}
	}
	return n
}

// Count returns the number of live tokens.
func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byToken)
}
