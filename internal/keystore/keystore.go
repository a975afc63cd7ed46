// Package keystore manages the broker's master key and the per-user
// subkeys derived from it.
//
// The master key is a 32-byte platform secret held by a Provider: a
// 0600-mode key file by default, or a TPM2-sealed blob on hardware that
// has one. Store file keys are derived with HKDF-SHA256 under a fixed
// domain string plus a per-user info tag, so revealing one user's file
// key discloses nothing about another's.
package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the master key and subkey length in bytes.
const KeySize = 32

// StoreDomain separates store subkeys from any other use of the master key.
const StoreDomain = "shizukud-store-v1"

// ArchiveDomain separates the audit-archive HMAC key.
const ArchiveDomain = "shizukud-audit-archive-v1"

// ErrNoMasterKey is returned when a provider has no key material.
var ErrNoMasterKey = errors.New("keystore: no master key available")

// Provider supplies the 32-byte master key.
type Provider interface {
	// MasterKey returns the master key, generating and persisting one on
	// first use.
	MasterKey() ([]byte, error)

	// Name identifies the provider for logging.
	Name() string
}

// Keystore derives subkeys from a provider's master key. The master key
// is fetched once and cached for the daemon's lifetime.
type Keystore struct {
	master []byte
}

// Open fetches the master key from the provider.
func Open(p Provider) (*Keystore, error) {
	master, err := p.MasterKey()
	if err != nil {
		return nil, fmt.Errorf("keystore: provider %s: %w", p.Name(), err)
	}
	if len(master) != KeySize {
		return nil, fmt.Errorf("keystore: provider %s returned %d-byte key", p.Name(), len(master))
	}
	return &Keystore{master: master}, nil
}

// UserKey derives the store subkey for a user's grant and audit files.
func (k *Keystore) UserKey(userID int) []byte {
	return k.derive(StoreDomain, fmt.Sprintf("user-%d", userID))
}

// ArchiveKey derives the HMAC key for the audit archive chain.
func (k *Keystore) ArchiveKey() []byte {
	return k.derive(ArchiveDomain, "hmac")
}

func (k *Keystore) derive(domain, info string) []byte {
	r := hkdf.New(sha256.New, k.master, []byte(domain), []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF-SHA256 cannot fail to produce 32 bytes.
		panic(fmt.Sprintf("keystore: hkdf: %v", err))
	}
	return key
}

// Close wipes the cached master key.
func (k *Keystore) Close() {
	Zero(k.master)
	k.master = nil
}

// NewRandomKey generates a fresh 32-byte key.
func NewRandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("keystore: generate key: %w", err)
	}
	return key, nil
}

// Zero overwrites a byte slice with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
