package events

import "testing"

func TestMultiFansOut(t *testing.T) {
	a := &Recorder{}
	b := &Recorder{}
	m := Multi{a, b}

	m.PermissionChanged("com.example.app", 0, true)
	m.PermissionChanged("com.example.app", 0, false)

	for _, r := range []*Recorder{a, b} {
		if len(r.Changes) != 2 {
			t.Fatalf("recorder got %d changes, want 2", len(r.Changes))
		}
		if !r.Changes[0].Granted || r.Changes[1].Granted {
			t.Error("change order or granted flags wrong")
		}
	}
}

func TestIPCNotifierWithoutServers(t *testing.T) {
	// An unwired notifier must be a safe no-op: the daemon constructs it
	// before the servers exist.
	n := &IPCNotifier{}
	n.PermissionChanged("com.example.app", 0, true)
}

func TestFuncAdapter(t *testing.T) {
	var got Change
	n := Func(func(pkg string, userID int, granted bool) {
		got = Change{PackageName: pkg, UserID: userID, Granted: granted}
	})
	n.PermissionChanged("com.a", 10, true)
	if got.PackageName != "com.a" || got.UserID != 10 || !got.Granted {
		t.Errorf("got %+v", got)
	}
}
