// Package compat mirrors the narrow elevated-execution API an existing
// app ecosystem expects. It routes every operation through the same
// permission engine, store, and supervisor as the primary surface — it
// never keeps grant state of its own.
package compat

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"shizukud/internal/broker"
	"shizukud/internal/pkgdb"
	"shizukud/internal/store"
	"shizukud/internal/supervisor"
)

// Version is the Shizuku API level the shim reports.
const Version = 13

// SELinuxContext is the broker's security context string.
const SELinuxContext = "u:r:system_shizuku:s0"

// ResultFunc receives a compat permission outcome.
type ResultFunc func(requestCode int, granted bool)

// Service is the compatibility surface.
type Service struct {
	engine     *broker.Engine
	store      *store.Store
	supervisor *supervisor.Supervisor
	resolver   pkgdb.Resolver
	props      *Properties
	log        *slog.Logger
}

// Config wires the shim.
type Config struct {
	Engine     *broker.Engine
	Store      *store.Store
	Supervisor *supervisor.Supervisor
	Resolver   pkgdb.Resolver
	Properties *Properties
	Log        *slog.Logger
}

// New creates the shim.
func New(cfg Config) *Service {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		engine:     cfg.Engine,
		store:      cfg.Store,
		supervisor: cfg.Supervisor,
		resolver:   cfg.Resolver,
		props:      cfg.Properties,
		log:        log,
	}
}

// GetVersion reports the supported API level.
func (s *Service) GetVersion() int { return Version }

// GetUID reports the broker's own UID.
func (s *Service) GetUID() int { return os.Getuid() }

// GetSELinuxContext reports the broker's security context.
func (s *Service) GetSELinuxContext() string { return SELinuxContext }

// ShouldShowRequestPermissionRationale is always false for this shim.
func (s *Service) ShouldShowRequestPermissionRationale() bool { return false }

// CheckSelfPermission reports whether the calling peer holds an active
// grant.
func (s *Service) CheckSelfPermission(callerUID int) bool {
	pkg, ok := s.callerPackage(callerUID)
	if !ok {
		return false
	}
	userID, _ := pkgdb.SplitUID(callerUID)
	g, ok := s.store.Grant(pkg, userID)
	return ok && g.Granted
}

// RequestPermission starts the consent flow for the calling peer's own
// package. The outcome is delivered through result, keyed by the app's
// requestCode.
func (s *Service) RequestPermission(ctx context.Context, callerUID, requestCode int, result ResultFunc) error {
	pkg, ok := s.callerPackage(callerUID)
	if !ok {
		return fmt.Errorf("uid %d has no package: %w", callerUID, broker.ErrNotOwner)
	}
	userID, _ := pkgdb.SplitUID(callerUID)

	return s.engine.RequestPermission(ctx, callerUID, pkg, userID, &compatCallback{
		log:         s.log,
		requestCode: requestCode,
		result:      result,
	})
}

// NewProcess spawns a supervised subprocess for the calling peer. Grant
// verification and caps live in the supervisor.
func (s *Service) NewProcess(callerUID int, cmd, env []string, dir string, live supervisor.Liveness) (*supervisor.Process, error) {
	return s.supervisor.NewProcess(callerUID, cmd, env, dir, live)
}

// GetSystemProperty reads a property; def is returned when unset.
func (s *Service) GetSystemProperty(name, def string) string {
	return s.props.Get(name, def)
}

// SetSystemProperty writes a property. Grant-gated.
func (s *Service) SetSystemProperty(callerUID int, name, value string) error {
	if !s.CheckSelfPermission(callerUID) {
		return fmt.Errorf("uid %d: %w", callerUID, supervisor.ErrNotGranted)
	}
	return s.props.Set(name, value)
}

// UserService stub family. This shim does not host user services; the
// methods exist so callers built against the full ecosystem API keep
// working, with the same answers the original gives.

// AddUserService is not implemented; always -1.
func (s *Service) AddUserService(args map[string]string) int { return -1 }

// RemoveUserService is not implemented; always -1.
func (s *Service) RemoveUserService(args map[string]string) int { return -1 }

// AttachUserService is a no-op.
func (s *Service) AttachUserService(args map[string]string) {}

// AttachApplication is a no-op.
func (s *Service) AttachApplication(args map[string]string) {}

// DispatchPackageChanged is a no-op; the broker tracks package state
// through the platform package database instead.
func (s *Service) DispatchPackageChanged() {}

// IsHidden reports whether a UID is hidden from the broker; never here.
func (s *Service) IsHidden(uid int) bool { return false }

// GetFlagsForUID always reports no flags.
func (s *Service) GetFlagsForUID(uid, mask int) int { return 0 }

// UpdateFlagsForUID is a no-op.
func (s *Service) UpdateFlagsForUID(uid, mask, value int) {}

func (s *Service) callerPackage(callerUID int) (string, bool) {
	pkgs := s.resolver.PackagesForUID(callerUID)
	if len(pkgs) == 0 {
		return "", false
	}
	return pkgs[0], true
}

// compatCallback adapts the engine's one-shot callback to the shim's
// requestCode-keyed result.
type compatCallback struct {
	log         *slog.Logger
	requestCode int
	result      ResultFunc
}

func (c *compatCallback) OnGranted(g store.Grant, sessionToken string) {
	c.log.Debug("compat permission granted", "package", g.PackageName)
	if c.result != nil {
		c.result(c.requestCode, true)
	}
}

func (c *compatCallback) OnDenied(pkg string, userID int) {
	c.log.Debug("compat permission denied", "package", pkg)
	if c.result != nil {
		c.result(c.requestCode, false)
	}
}
