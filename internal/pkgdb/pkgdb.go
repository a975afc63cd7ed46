// Package pkgdb resolves package identity against the platform package
// database.
//
// The broker never trusts a caller's claimed package name: every
// app-facing operation resolves the (package, user) pair to the UID the
// platform assigned at install time and compares it with the transport's
// authenticated peer UID. The database is a JSON file maintained by the
// platform installer; the broker only reads it.
package pkgdb

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// PerUserRange is the UID span of one user: uid = userID*PerUserRange + appID.
const PerUserRange = 100000

// SplitUID decomposes a UID into its user and app-id components.
func SplitUID(uid int) (userID, appID int) {
	return uid / PerUserRange, uid % PerUserRange
}

// ComposeUID builds the UID for an app id within a user.
func ComposeUID(userID, appID int) int {
	return userID*PerUserRange + appID
}

// Resolver answers package-identity queries.
type Resolver interface {
	// AppID returns the app id assigned to a package for a user, and
	// whether the package is installed for that user.
	AppID(pkg string, userID int) (int, bool)

	// PackagesForUID returns the packages owned by a UID, best match first.
	PackagesForUID(uid int) []string
}

// ExpectedUID resolves the UID that owns pkg in userID, if installed.
func ExpectedUID(r Resolver, pkg string, userID int) (int, bool) {
	appID, ok := r.AppID(pkg, userID)
	if !ok {
		return 0, false
	}
	return ComposeUID(userID, appID), true
}

// Package is one installed package in the database file.
type Package struct {
	Name  string `json:"name"`
	AppID int    `json:"appId"`
	Users []int  `json:"users"`
}

type dbFile struct {
	Version  int       `json:"version"`
	Packages []Package `json:"packages"`
}

// FileResolver is a Resolver backed by a JSON package database file.
// Reload swaps the package set atomically; readers always see either the
// previous or the next snapshot.
type FileResolver struct {
	path string

	mu   sync.RWMutex
	pkgs []Package
}

// Load reads the package database at path.
func Load(path string) (*FileResolver, error) {
	r := &FileResolver{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the database file.
func (r *FileResolver) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("pkgdb: read %s: %w", r.path, err)
	}
	var f dbFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("pkgdb: parse %s: %w", r.path, err)
	}
	r.mu.Lock()
	r.pkgs = f.Packages
	r.mu.Unlock()
	return nil
}

// AppID implements Resolver.
func (r *FileResolver) AppID(pkg string, userID int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pkgs {
		if p.Name != pkg {
			continue
		}
		for _, u := range p.Users {
			if u == userID {
				return p.AppID, true
			}
		}
	}
	return 0, false
}

// PackagesForUID implements Resolver.
func (r *FileResolver) PackagesForUID(uid int) []string {
	userID, appID := SplitUID(uid)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, p := range r.pkgs {
		if p.AppID != appID {
			continue
		}
		for _, u := range p.Users {
			if u == userID {
				names = append(names, p.Name)
				break
			}
		}
	}
	return names
}

// Snapshot returns the installed package names per user, sorted. Used by
// the lifecycle watcher to diff consecutive database states.
func (r *FileResolver) Snapshot() map[int][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int][]string)
	for _, p := range r.pkgs {
		for _, u := range p.Users {
			out[u] = append(out[u], p.Name)
		}
	}
	for u := range out {
		sort.Strings(out[u])
	}
	return out
}
