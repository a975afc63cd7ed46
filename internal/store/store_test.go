package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"shizukud/internal/keystore"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	ks, err := keystore.Open(&keystore.FileProvider{Path: filepath.Join(dir, "master.key")})
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	s, err := Open(filepath.Join(dir, "state"), ks, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func testGrant(pkg string, userID int) Grant {
	return Grant{
		Version:     1,
		PackageName: pkg,
		AppID:       10042,
		UserID:      userID,
		Granted:     true,
		GrantedAt:   1700000000000,
		ExpiresAt:   0,
		Flags:       FlagGrantPersistent,
	}
}

func TestPutAndGetGrant(t *testing.T) {
	s := testStore(t)
	g := testGrant("com.example.app", 0)
	s.PutGrant(g)

	got, ok := s.Grant("com.example.app", 0)
	if !ok {
		t.Fatal("grant not found after PutGrant")
	}
	if got.PackageName != g.PackageName || got.AppID != g.AppID ||
		got.UserID != g.UserID || got.Granted != g.Granted ||
		got.GrantedAt != g.GrantedAt || got.ExpiresAt != g.ExpiresAt ||
		got.Flags != g.Flags || got.Scope != g.Scope {
		t.Errorf("round trip mismatch: got %+v want %+v", got, g)
	}
}

func TestPutGrantReplaces(t *testing.T) {
	s := testStore(t)
	s.PutGrant(testGrant("com.example.app", 0))

	updated := testGrant("com.example.app", 0)
	updated.Granted = false
	updated.Flags = FlagRevokedByUser
	s.PutGrant(updated)

	list := s.Grants(0)
	if len(list) != 1 {
		t.Fatalf("expected 1 record, got %d", len(list))
	}
	if list[0].Granted {
		t.Error("record was not replaced")
	}
}

func TestGrantMissing(t *testing.T) {
	s := testStore(t)
	if _, ok := s.Grant("com.nothing", 0); ok {
		t.Error("missing grant should not be found")
	}
	if got := s.Grants(7); len(got) != 0 {
		t.Errorf("missing user should read empty, got %d", len(got))
	}
}

func TestRevoke(t *testing.T) {
	s := testStore(t)
	s.PutGrant(testGrant("com.example.app", 0))

	got, ok := s.Revoke("com.example.app", 0)
	if !ok {
		t.Fatal("Revoke did not find the record")
	}
	if got.Granted {
		t.Error("revoked record still granted")
	}
	if got.Flags&FlagRevokedByUser == 0 {
		t.Error("revoked record missing FlagRevokedByUser")
	}

	// Revoke of an absent record reports false.
	if _, ok := s.Revoke("com.absent", 0); ok {
		t.Error("Revoke of absent record should report false")
	}
}

func TestRevokeAll(t *testing.T) {
	s := testStore(t)
	s.PutGrant(testGrant("com.a", 0))
	s.PutGrant(testGrant("com.b", 0))
	s.PutGrant(testGrant("com.c", 10))

	revoked := s.RevokeAll(0)
	if len(revoked) != 2 {
		t.Fatalf("expected 2 revoked, got %d", len(revoked))
	}
	for _, g := range revoked {
		if g.Granted || g.Flags&FlagRevokedByUser == 0 {
			t.Errorf("record %s not fully revoked", g.PackageName)
		}
	}

	// Other user untouched.
	g, ok := s.Grant("com.c", 10)
	if !ok || !g.Granted {
		t.Error("user 10 state should be unchanged")
	}
}

func TestDeleteUser(t *testing.T) {
	s := testStore(t)
	s.PutGrant(testGrant("com.a", 0))
	s.AppendAudit(AuditEvent{Version: 1, EventType: EventGrant, PackageName: "com.a", UserID: 0, EventAt: 1})

	s.DeleteUser(0)

	if got := s.Grants(0); len(got) != 0 {
		t.Error("grants survived DeleteUser")
	}
	if got := s.Audit("", 0); len(got) != 0 {
		t.Error("audit survived DeleteUser")
	}
}

func TestAuditNewestFirstAndTrim(t *testing.T) {
	s := testStore(t)
	for i := 0; i < MaxAuditEntries+25; i++ {
		s.AppendAudit(AuditEvent{
			Version:     1,
			EventType:   EventUse,
			PackageName: "com.a",
			UserID:      0,
			EventAt:     int64(i),
		})
	}

	list := s.Audit("", 0)
	if len(list) != MaxAuditEntries {
		t.Fatalf("audit length = %d, want %d", len(list), MaxAuditEntries)
	}
	if list[0].EventAt != int64(MaxAuditEntries+24) {
		t.Errorf("newest event first: got EventAt=%d", list[0].EventAt)
	}
	for i := 1; i < len(list); i++ {
		if list[i].EventAt != list[i-1].EventAt-1 {
			t.Fatalf("ordering broken at index %d", i)
		}
	}
}

func TestAuditPackageFilter(t *testing.T) {
	s := testStore(t)
	s.AppendAudit(AuditEvent{Version: 1, EventType: EventGrant, PackageName: "com.a", UserID: 0, EventAt: 1})
	s.AppendAudit(AuditEvent{Version: 1, EventType: EventGrant, PackageName: "com.b", UserID: 0, EventAt: 2})

	list := s.Audit("com.a", 0)
	if len(list) != 1 || list[0].PackageName != "com.a" {
		t.Errorf("filtered audit = %+v", list)
	}
}

func TestCorruptFileReadsEmpty(t *testing.T) {
	s := testStore(t)
	s.PutGrant(testGrant("com.a", 0))

	// Overwrite the encrypted file with garbage.
	if err := os.WriteFile(s.grantsPath(0), []byte("not a ciphertext"), 0600); err != nil {
		t.Fatal(err)
	}
	if got := s.Grants(0); len(got) != 0 {
		t.Errorf("corrupt file should read empty, got %d records", len(got))
	}
}

func TestUnknownFieldsAndBitsPreserved(t *testing.T) {
	s := testStore(t)

	raw := `{
		"version": 3,
		"packageName": "com.future.app",
		"appId": 10099,
		"userId": 0,
		"granted": true,
		"grantedAt": 5,
		"expiresAt": 0,
		"flags": 4097,
		"scope": "shell",
		"futureField": {"nested": true}
	}`
	var g Grant
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if g.Flags != 4097 {
		t.Fatalf("unknown flag bits lost on read: %d", g.Flags)
	}

	s.PutGrant(g)
	got, ok := s.Grant("com.future.app", 0)
	if !ok {
		t.Fatal("grant not found")
	}
	if got.Version != 3 || got.Flags != 4097 || got.Scope != "shell" {
		t.Errorf("known fields lost: %+v", got)
	}

	out, err := json.Marshal(got)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatal(err)
	}
	if string(m["futureField"]) != `{"nested":true}` {
		t.Errorf("unknown field lost: %s", m["futureField"])
	}
}

func TestScopeNullRoundTrip(t *testing.T) {
	var g Grant
	if err := json.Unmarshal([]byte(`{"packageName":"com.a","appId":1,"userId":0,"granted":false,"grantedAt":0,"expiresAt":0,"flags":0,"scope":null}`), &g); err != nil {
		t.Fatal(err)
	}
	if g.Scope != "" {
		t.Errorf("null scope should read empty, got %q", g.Scope)
	}
	out, err := json.Marshal(g)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatal(err)
	}
	if string(m["scope"]) != "null" {
		t.Errorf("empty scope should write null, got %s", m["scope"])
	}
}

func TestUsers(t *testing.T) {
	s := testStore(t)
	s.PutGrant(testGrant("com.a", 0))
	s.PutGrant(testGrant("com.b", 10))
	s.AppendAudit(AuditEvent{Version: 1, EventType: EventGrant, PackageName: "com.c", UserID: 11, EventAt: 1})

	users := s.Users()
	if len(users) != 3 || users[0] != 0 || users[1] != 10 || users[2] != 11 {
		t.Errorf("Users() = %v", users)
	}
}

func TestGrantValidate(t *testing.T) {
	g := testGrant("com.a", 0)
	if err := g.Validate(); err != nil {
		t.Errorf("valid grant rejected: %v", err)
	}

	bad := testGrant("com.a", 0)
	bad.Flags = FlagGrantPersistent | FlagRevokedByUser
	if err := bad.Validate(); err == nil {
		t.Error("granted record with revoked flag should fail validation")
	}

	both := testGrant("com.a", 0)
	both.Flags = FlagGrantPersistent | FlagGrantSessionOnly
	if err := both.Validate(); err == nil {
		t.Error("both persistence flags should fail validation")
	}

	expiry := testGrant("com.a", 0)
	expiry.ExpiresAt = expiry.GrantedAt - 1
	if err := expiry.Validate(); err == nil {
		t.Error("expiresAt before grantedAt should fail validation")
	}
}

func TestConcurrentUsersIndependent(t *testing.T) {
	s := testStore(t)
	var wg sync.WaitGroup
	for user := 0; user < 4; user++ {
		wg.Add(1)
		go func(user int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				pkg := fmt.Sprintf("com.app%d", i%5)
				g := testGrant(pkg, user)
				s.PutGrant(g)
				s.Grant(pkg, user)
				s.AppendAudit(AuditEvent{
					Version: 1, EventType: EventUse,
					PackageName: pkg, UserID: user, EventAt: int64(i),
				})
			}
		}(user)
	}
	wg.Wait()

	for user := 0; user < 4; user++ {
		if got := len(s.Grants(user)); got != 5 {
			t.Errorf("user %d has %d grants, want 5", user, got)
		}
	}
}
