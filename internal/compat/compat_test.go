package compat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"shizukud/internal/broker"
	"shizukud/internal/consent"
	"shizukud/internal/events"
	"shizukud/internal/keystore"
	"shizukud/internal/pkgdb"
	"shizukud/internal/store"
	"shizukud/internal/supervisor"
)

const (
	testPkg   = "com.example.termapp"
	testAppID = 10042
	testUID   = testAppID
)

type staticResolver struct{ apps map[string]int }

func (r *staticResolver) AppID(pkg string, userID int) (int, bool) {
	id, ok := r.apps[pkg]
	return id, ok
}

func (r *staticResolver) PackagesForUID(uid int) []string {
	_, appID := pkgdb.SplitUID(uid)
	for pkg, id := range r.apps {
		if id == appID {
			return []string{pkg}
		}
	}
	return nil
}

type autoAllowPrompter struct{ allow bool }

func (p *autoAllowPrompter) Prompt(ctx context.Context, req consent.Request, d consent.Decision) {
	if p.allow {
		d.Allow()
	} else {
		d.Deny()
	}
}

func newService(t *testing.T, allow bool) (*Service, *store.Store) {
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

	resolver := &staticResolver{apps: map[string]int{testPkg: testAppID}}
	sessions := broker.NewSessions(st, &events.Recorder{}, nil)
	engine := broker.New(broker.Config{
		Store:    st,
		Sessions: sessions,
		Resolver: resolver,
		Prompter: &autoAllowPrompter{allow: allow},
		Notifier: &events.Recorder{},
	})
	sup := supervisor.New(supervisor.Config{Store: st, Resolver: resolver})
	t.Cleanup(sup.Shutdown)

	props, err := OpenProperties(filepath.Join(dir, "properties"))
	if err != nil {
		t.Fatal(err)
	}

	svc := New(Config{
		Engine:     engine,
		Store:      st,
		Supervisor: sup,
		Resolver:   resolver,
		Properties: props,
	})
	return svc, st
}

func TestStaticInfo(t *testing.T) {
	svc, _ := newService(t, true)
	if svc.GetVersion() != Version {
		t.Errorf("GetVersion = %d", svc.GetVersion())
	}
	if svc.GetSELinuxContext() != SELinuxContext {
		t.Errorf("GetSELinuxContext = %q", svc.GetSELinuxContext())
	}
	if svc.ShouldShowRequestPermissionRationale() {
		t.Error("rationale should always be false")
	}
}

func TestCheckSelfPermission(t *testing.T) {
	svc, st := newService(t, true)

	if svc.CheckSelfPermission(testUID) {
		t.Error("no grant yet")
	}
	st.PutGrant(store.Grant{
		Version: 1, PackageName: testPkg, AppID: testAppID, UserID: 0,
		Granted: true, GrantedAt: 1, Flags: store.FlagGrantPersistent,
	})
	if !svc.CheckSelfPermission(testUID) {
		t.Error("grant not seen")
	}
	if svc.CheckSelfPermission(99999) {
		t.Error("unknown uid should not be granted")
	}
}

// The compat request path must route through the shared engine: the
// grant it produces is visible to the primary surface's store.
func TestRequestPermissionRoutesThroughEngine(t *testing.T) {
	svc, st := newService(t, true)

	var mu sync.Mutex
	var gotCode int
	var gotGranted bool
	done := make(chan struct{})
	err := svc.RequestPermission(context.Background(), testUID, 77, func(code int, granted bool) {
		mu.Lock()
		gotCode, gotGranted = code, granted
		mu.Unlock()
		close(done)
	})
	if err != nil {
		t.Fatalf("RequestPermission failed: %v", err)
	}
	<-done

	if gotCode != 77 || !gotGranted {
		t.Errorf("result = (%d, %v)", gotCode, gotGranted)
	}
	g, ok := st.Grant(testPkg, 0)
	if !ok || !g.Granted {
		t.Error("grant not written through the shared store")
	}
}

func TestRequestPermissionDenied(t *testing.T) {
	svc, st := newService(t, false)

	done := make(chan struct{})
	var granted bool
	err := svc.RequestPermission(context.Background(), testUID, 1, func(_ int, g bool) {
		granted = g
		close(done)
	})
	if err != nil {
		t.Fatal(err)
	}
	<-done

	if granted {
		t.Error("deny expected")
	}
	if _, ok := st.Grant(testPkg, 0); ok {
		t.Error("deny must not store a record")
	}
}

func TestRequestPermissionUnknownCaller(t *testing.T) {
	svc, _ := newService(t, true)
	err := svc.RequestPermission(context.Background(), 5, 1, nil)
	if !errors.Is(err, broker.ErrNotOwner) {
		t.Errorf("err = %v, want ErrNotOwner", err)
	}
}

func TestNewProcessRequiresGrant(t *testing.T) {
	svc, st := newService(t, true)

	if _, err := svc.NewProcess(testUID, []string{"/bin/sh", "-c", "true"}, nil, "", nil); !errors.Is(err, supervisor.ErrNotGranted) {
		t.Errorf("ungranted NewProcess: err = %v", err)
	}

	st.PutGrant(store.Grant{
		Version: 1, PackageName: testPkg, AppID: testAppID, UserID: 0,
		Granted: true, GrantedAt: 1, Flags: store.FlagGrantPersistent,
	})
	p, err := svc.NewProcess(testUID, []string{"/bin/sh", "-c", "exit 0"}, nil, "", nil)
	if err != nil {
		t.Fatalf("granted NewProcess failed: %v", err)
	}
	p.Wait()
}

func TestProperties(t *testing.T) {
	svc, st := newService(t, true)

	if got := svc.GetSystemProperty("ro.test", "fallback"); got != "fallback" {
		t.Errorf("unset property = %q", got)
	}

	// Ungranted set is refused.
	if err := svc.SetSystemProperty(testUID, "ro.test", "1"); !errors.Is(err, supervisor.ErrNotGranted) {
		t.Errorf("ungranted set: err = %v", err)
	}

	st.PutGrant(store.Grant{
		Version: 1, PackageName: testPkg, AppID: testAppID, UserID: 0,
		Granted: true, GrantedAt: 1, Flags: store.FlagGrantPersistent,
	})
	if err := svc.SetSystemProperty(testUID, "ro.test", "1"); err != nil {
		t.Fatalf("granted set failed: %v", err)
	}
	if got := svc.GetSystemProperty("ro.test", ""); got != "1" {
		t.Errorf("property = %q, want 1", got)
	}
}

func TestUserServiceStubs(t *testing.T) {
	svc, _ := newService(t, true)

	args := map[string]string{"class": "com.example.termapp.Service"}
	if got := svc.AddUserService(args); got != -1 {
		t.Errorf("AddUserService = %d, want -1", got)
	}
	if got := svc.RemoveUserService(args); got != -1 {
		t.Errorf("RemoveUserService = %d, want -1", got)
	}
	if svc.IsHidden(testUID) {
		t.Error("IsHidden should always be false")
	}
	if got := svc.GetFlagsForUID(testUID, 0xff); got != 0 {
		t.Errorf("GetFlagsForUID = %d, want 0", got)
	}

	// The no-op stubs must not panic or touch state.
	svc.AttachUserService(args)
	svc.AttachApplication(nil)
	svc.DispatchPackageChanged()
	svc.UpdateFlagsForUID(testUID, 0xff, 1)
}

func TestPropertiesPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "properties")
	p, err := OpenProperties(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Set("persist.adb", "enabled"); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenProperties(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.Get("persist.adb", ""); got != "enabled" {
		t.Errorf("reloaded property = %q", got)
	}
}
