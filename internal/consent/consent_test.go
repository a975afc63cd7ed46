package consent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordedDecision struct {
	mu      sync.Mutex
	allowed bool
	denied  bool
	done    chan struct{}
}

func newRecordedDecision() *recordedDecision {
	return &recordedDecision{done: make(chan struct{})}
}

func (d *recordedDecision) Allow() {
	d.mu.Lock()
	d.allowed = true
	d.mu.Unlock()
	close(d.done)
}

func (d *recordedDecision) Deny() {
	d.mu.Lock()
	d.denied = true
	d.mu.Unlock()
	close(d.done)
}

func (d *recordedDecision) wait(t *testing.T) {
	t.Helper()
	select {
	case <-d.done:
	case <-time.After(5 * time.Second):
		t.Fatal("decision never resolved")
	}
}

func writeHelper(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helper.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecPrompterAllow(t *testing.T) {
	p := &ExecPrompter{Command: []string{writeHelper(t, "echo allow")}}
	d := newRecordedDecision()
	p.Prompt(context.Background(), Request{PackageName: "com.a", AppID: 10042, UserID: 0}, d)
	d.wait(t)
	if !d.allowed || d.denied {
		t.Errorf("allowed=%v denied=%v", d.allowed, d.denied)
	}
}

func TestExecPrompterDeny(t *testing.T) {
	p := &ExecPrompter{Command: []string{writeHelper(t, "echo deny")}}
	d := newRecordedDecision()
	p.Prompt(context.Background(), Request{PackageName: "com.a", UserID: 0}, d)
	d.wait(t)
	if d.allowed || !d.denied {
		t.Errorf("allowed=%v denied=%v", d.allowed, d.denied)
	}
}

func TestExecPrompterGarbageOutputIsDeny(t *testing.T) {
	p := &ExecPrompter{Command: []string{writeHelper(t, "echo maybe")}}
	d := newRecordedDecision()
	p.Prompt(context.Background(), Request{PackageName: "com.a", UserID: 0}, d)
	d.wait(t)
	if !d.denied {
		t.Error("garbage helper output should be deny")
	}
}

func TestExecPrompterCrashIsDeny(t *testing.T) {
	p := &ExecPrompter{Command: []string{writeHelper(t, "exit 3")}}
	d := newRecordedDecision()
	p.Prompt(context.Background(), Request{PackageName: "com.a", UserID: 0}, d)
	d.wait(t)
	if !d.denied {
		t.Error("helper crash should be deny")
	}
}

func TestExecPrompterMissingHelperIsDeny(t *testing.T) {
	p := &ExecPrompter{Command: []string{"/nonexistent/consent-helper"}}
	d := newRecordedDecision()
	p.Prompt(context.Background(), Request{PackageName: "com.a", UserID: 0}, d)
	d.wait(t)
	if !d.denied {
		t.Error("missing helper should be deny")
	}
}

func TestExecPrompterTimeoutIsDeny(t *testing.T) {
	p := &ExecPrompter{
		Command: []string{writeHelper(t, "sleep 30; echo allow")},
		Timeout: 100 * time.Millisecond,
	}
	d := newRecordedDecision()
	p.Prompt(context.Background(), Request{PackageName: "com.a", UserID: 0}, d)
	d.wait(t)
	if !d.denied {
		t.Error("helper timeout should be deny")
	}
}

func TestPromptsForSameKeyResolveInOrder(t *testing.T) {
	// The helper appends its invocation order to a shared file; prompts
	// on one key must run one at a time.
	dir := t.TempDir()
	marker := filepath.Join(dir, "order")
	script := "echo run >> " + marker + "\necho allow"
	p := &ExecPrompter{Command: []string{writeHelper(t, script)}}

	decisions := make([]*recordedDecision, 3)
	for i := range decisions {
		decisions[i] = newRecordedDecision()
		p.Prompt(context.Background(), Request{PackageName: "com.a", UserID: 0}, decisions[i])
	}
	for _, d := range decisions {
		d.wait(t)
	}

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(strings.Fields(string(data))); got != 3 {
		t.Errorf("helper ran %d times, want 3", got)
	}
}
