// Package supervisor launches and supervises OS processes on behalf of
// granted applications. Children run under the broker's privilege; the
// requesting peer gets transferable stdio handles and wait/exit/destroy
// control. Global and per-owner caps bound resource use, and every child
// is destroyed when its owning peer dies.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"shizukud/internal/pkgdb"
	"shizukud/internal/store"
)

// Default process caps.
const (
	DefaultMaxGlobal   = 64
	DefaultMaxPerOwner = 8
)

// Errors surfaced to callers.
var (
	// ErrNotGranted: the peer attempted an elevated operation without an
	// active grant.
	ErrNotGranted = errors.New("no active grant")

	// ErrResourceExhausted: a process cap was exceeded.
	ErrResourceExhausted = errors.New("process cap exceeded")

	// ErrNotExited: exit status queried on a live child.
	ErrNotExited = errors.New("process has not exited")

	// ErrNotFound: no supervised process with that id (or not owned by
	// the caller).
	ErrNotFound = errors.New("unknown process")
)

// Liveness is the owning peer's death signal.
type Liveness interface {
	OnClose(fn func())
}

// Config wires the supervisor.
type Config struct {
	Store    *store.Store
	Resolver pkgdb.Resolver
	Log      *slog.Logger

	// MaxGlobal / MaxPerOwner cap live processes; zero means default.
	MaxGlobal   int
	MaxPerOwner int

	// NowMillis overrides the clock, for tests.
	NowMillis func() int64
}

// Supervisor owns the process records.
type Supervisor struct {
	store    *store.Store
	resolver pkgdb.Resolver
	log      *slog.Logger

	maxGlobal   int
	maxPerOwner int
	nowMillis   func() int64

	nextID atomic.Int64

	mu       sync.Mutex
	procs    map[int64]*Process
	perOwner map[int]int
	global   int
}

// New creates the supervisor.
func New(cfg Config) *Supervisor {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	maxGlobal := cfg.MaxGlobal
	if maxGlobal <= 0 {
		maxGlobal = DefaultMaxGlobal
	}
	maxPerOwner := cfg.MaxPerOwner
	if maxPerOwner <= 0 {
		maxPerOwner = DefaultMaxPerOwner
	}
	now := cfg.NowMillis
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Supervisor{
		store:       cfg.Store,
		resolver:    cfg.Resolver,
		log:         log,
		maxGlobal:   maxGlobal,
		maxPerOwner: maxPerOwner,
		nowMillis:   now,
		procs:       make(map[int64]*Process),
		perOwner:    make(map[int]int),
	}
}

// NewProcess spawns argv for the peer identified by ownerUID. The peer
// must hold an active grant; caps apply; the child is destroyed when the
// peer's liveness handle dies.
func (s *Supervisor) NewProcess(ownerUID int, argv, env []string, dir string, live Liveness) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command: %w", ErrNotFound)
	}

	pkg, appID, err := s.grantedPackage(ownerUID)
	if err != nil {
		return nil, err
	}

	if err := s.reserve(ownerUID); err != nil {
		return nil, err
	}

	id := s.nextID.Add(1)
	p, err := startProcess(id, ownerUID, argv, env, dir, s.log)
	if err != nil {
		s.releaseSlot(ownerUID)
		s.log.Warn("process spawn failed", "cmd", argv[0], "error", err)
		return nil, err
	}
	p.release = func() { s.releaseSlot(ownerUID) }

	s.mu.Lock()
	s.procs[id] = p
	s.mu.Unlock()

	go p.reap()
	if live != nil {
		live.OnClose(func() {
			s.log.Info("owner died, destroying process", "pid_owner", ownerUID, "process", id)
			p.Destroy()
			s.remove(p)
		})
	}

	userID, _ := pkgdb.SplitUID(ownerUID)
	s.store.AppendAudit(store.AuditEvent{
		Version:     1,
		EventType:   store.EventUse,
		PackageName: pkg,
		AppID:       appID,
		UserID:      userID,
		EventAt:     s.nowMillis(),
		Detail:      redactCommand(argv),
	})

	return p, nil
}

// Get returns a supervised process owned by ownerUID.
func (s *Supervisor) Get(ownerUID int, id int64) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok || p.ownerUID != ownerUID {
		return nil, ErrNotFound
	}
	return p, nil
}

// GlobalCount returns the number of live supervised processes.
func (s *Supervisor) GlobalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global
}

// OwnerCount returns one owner's live process count.
func (s *Supervisor) OwnerCount(ownerUID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perOwner[ownerUID]
}

// Shutdown destroys every supervised process.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()
	for _, p := range procs {
		p.Destroy()
	}
}

// grantedPackage resolves the owner's package and verifies an active
// grant.
func (s *Supervisor) grantedPackage(ownerUID int) (string, int, error) {
	userID, _ := pkgdb.SplitUID(ownerUID)
	for _, pkg := range s.resolver.PackagesForUID(ownerUID) {
		g, ok := s.store.Grant(pkg, userID)
		if ok && g.Granted {
			return pkg, g.AppID, nil
		}
	}
	return "", 0, fmt.Errorf("uid %d: %w", ownerUID, ErrNotGranted)
}

// reserve claims a process slot under both caps.
func (s *Supervisor) reserve(ownerUID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.global >= s.maxGlobal {
		return fmt.Errorf("global cap %d: %w", s.maxGlobal, ErrResourceExhausted)
	}
	if s.perOwner[ownerUID] >= s.maxPerOwner {
		return fmt.Errorf("per-owner cap %d: %w", s.maxPerOwner, ErrResourceExhausted)
	}
	s.global++
	s.perOwner[ownerUID]++
	return nil
}

func (s *Supervisor) releaseSlot(ownerUID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global--
	if s.perOwner[ownerUID] <= 1 {
		delete(s.perOwner, ownerUID)
	} else {
		s.perOwner[ownerUID]--
	}
}

// remove drops a process record once its owner has died. Until then an
// exited process stays queryable; its slot is released separately,
// exactly once per process, via Process.release.
func (s *Supervisor) remove(p *Process) {
	s.mu.Lock()
	delete(s.procs, p.ID)
	s.mu.Unlock()
}

// redactCommand summarizes argv for the audit trail without recording
// arguments, which may carry user data.
func redactCommand(argv []string) string {
	if len(argv) == 1 {
		return "cmd=" + argv[0]
	}
	return fmt.Sprintf("cmd=%s (+%d args)", argv[0], len(argv)-1)
}
