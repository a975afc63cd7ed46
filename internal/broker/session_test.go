package broker

import (
	"errors"
	"path/filepath"
	"testing"

	"shizukud/internal/events"
	"shizukud/internal/keystore"
	"shizukud/internal/store"
)

func newSessionFixture(t *testing.T) (*Sessions, *store.Store, *events.Recorder) {
	t.Helper()
	dir := t.TempDir()
	ks, err := keystore.Open(&keystore.FileProvider{Path: filepath.Join(dir, "master.key")})
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(filepath.Join(dir, "state"), ks, nil)
	if err != nil {
		t.Fatal(err)
	}
	notify := &events.Recorder{}
	s := NewSessions(st, notify, nil)
	return s, st, notify
}

func TestIssueAndLookup(t *testing.T) {
	s, _, _ := newSessionFixture(t)

	token := s.Issue("com.a", 0, store.FlagGrantPersistent)
	if token == "" {
		t.Fatal("empty token")
	}
	pkg, userID, ok := s.Lookup(token)
	if !ok || pkg != "com.a" || userID != 0 {
		t.Errorf("Lookup = %q, %d, %v", pkg, userID, ok)
	}

	// Tokens are unique.
	if token2 := s.Issue("com.a", 0, store.FlagGrantPersistent); token2 == token {
		t.Error("duplicate token issued")
	}
	if s.Count() != 2 {
		t.Errorf("Count = %d, want 2", s.Count())
	}
}

func TestAttachIdempotentSamePeer(t *testing.T) {
	s, _, _ := newSessionFixture(t)
	token := s.Issue("com.a", 0, store.FlagGrantPersistent)

	live := &fakeLiveness{}
	if err := s.Attach(token, 10042, live); err != nil {
		t.Fatalf("first attach failed: %v", err)
	}
	if err := s.Attach(token, 10042, live); err != nil {
		t.Errorf("double attach by same peer should succeed: %v", err)
	}
	if err := s.Attach(token, 10077, live); !errors.Is(err, ErrNotOwner) {
		t.Errorf("attach by different peer: err = %v", err)
	}
}

// Scenario: session-only auto-revoke on peer death.
func TestSessionOnlyAutoRevoke(t *testing.T) {
	s, st, notify := newSessionFixture(t)
	st.PutGrant(store.Grant{
		Version: 1, PackageName: "com.a", AppID: 10042, UserID: 0,
		Granted: true, GrantedAt: 1, Flags: store.FlagGrantSessionOnly,
	})

	token := s.Issue("com.a", 0, store.FlagGrantSessionOnly)
	live := &fakeLiveness{}
	if err := s.Attach(token, 10042, live); err != nil {
		t.Fatal(err)
	}

	live.die()

	g, ok := st.Grant("com.a", 0)
	if !ok {
		t.Fatal("record vanished")
	}
	if g.Granted {
		t.Error("session-only grant still granted after peer death")
	}
	if g.Flags&store.FlagRevokedByUser == 0 || g.Flags&store.FlagGrantSessionOnly == 0 {
		t.Errorf("flags = %#x", g.Flags)
	}

	audit := st.Audit("", 0)
	revokes := 0
	for _, e := range audit {
		if e.EventType == store.EventRevoke {
			revokes++
			if e.Detail != "session-died" {
				t.Errorf("revoke detail = %q", e.Detail)
			}
		}
	}
	if revokes != 1 {
		t.Errorf("REVOKE audits = %d, want 1", revokes)
	}

	if len(notify.Changes) != 1 || notify.Changes[0].Granted {
		t.Errorf("notifications = %+v", notify.Changes)
	}

	if _, _, ok := s.Lookup(token); ok {
		t.Error("token survived peer death")
	}
}

func TestPersistentGrantSurvivesPeerDeath(t *testing.T) {
	s, st, notify := newSessionFixture(t)
	st.PutGrant(store.Grant{
		Version: 1, PackageName: "com.a", AppID: 10042, UserID: 0,
		Granted: true, GrantedAt: 1, Flags: store.FlagGrantPersistent,
	})

	token := s.Issue("com.a", 0, store.FlagGrantPersistent)
	live := &fakeLiveness{}
	if err := s.Attach(token, 10042, live); err != nil {
		t.Fatal(err)
	}
	live.die()

	g, ok := st.Grant("com.a", 0)
	if !ok || !g.Granted {
		t.Error("persistent grant must survive peer death")
	}
	if len(notify.Changes) != 0 {
		t.Errorf("unexpected notifications: %+v", notify.Changes)
	}
	if _, _, ok := s.Lookup(token); ok {
		t.Error("token should still be dropped on peer death")
	}
}

func TestSessionDiedOnlyRevokesOnce(t *testing.T) {
	s, st, notify := newSessionFixture(t)
	st.PutGrant(store.Grant{
		Version: 1, PackageName: "com.a", AppID: 10042, UserID: 0,
		Granted: true, GrantedAt: 1, Flags: store.FlagGrantSessionOnly,
	})

	token := s.Issue("com.a", 0, store.FlagGrantSessionOnly)
	s.SessionDied(token)
	s.SessionDied(token) // second death signal is a no-op

	revokes := 0
	for _, e := range st.Audit("", 0) {
		if e.EventType == store.EventRevoke {
			revokes++
		}
	}
	if revokes != 1 {
		t.Errorf("REVOKE audits = %d, want 1", revokes)
	}
	if len(notify.Changes) != 1 {
		t.Errorf("notifications = %d, want 1", len(notify.Changes))
	}
}

func TestInvalidateMatching(t *testing.T) {
	s, _, _ := newSessionFixture(t)
	t1 := s.Issue("com.a", 0, store.FlagGrantPersistent)
	t2 := s.Issue("com.a", 0, store.FlagGrantPersistent)
	t3 := s.Issue("com.a", 10, store.FlagGrantPersistent)
	t4 := s.Issue("com.b", 0, store.FlagGrantPersistent)

	if n := s.InvalidateMatching("com.a", 0); n != 2 {
		t.Errorf("invalidated %d, want 2", n)
	}
	for _, token := range []string{t1, t2} {
		if _, _, ok := s.Lookup(token); ok {
			t.Error("matching token survived invalidation")
		}
	}
	for _, token := range []string{t3, t4} {
		if _, _, ok := s.Lookup(token); !ok {
			t.Error("non-matching token was invalidated")
		}
	}
}
