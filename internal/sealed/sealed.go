// Package sealed provides authenticated encryption for the broker's
// persisted state files. It wraps filippo.io/age with a scrypt recipient
// keyed by a per-user subkey from the keystore, so each grants/audit file
// is an independent, self-describing encrypted envelope.
//
// The primitive never overwrites in place: callers write a fresh
// ciphertext stream for every update. A truncated or tampered file fails
// authentication on read and is treated as absent by the store.
package sealed

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

// workFactor is the scrypt cost exponent passed to age. The default (18)
// is tuned for guessable interactive passphrases; file subkeys are
// full-entropy, so the KDF adds nothing and a light setting keeps store
// writes cheap.
const workFactor = 10

// ErrKeySize is returned for keys that are not 32 bytes.
var ErrKeySize = errors.New("sealed: key must be 32 bytes")

// Encrypt seals plaintext under the given 32-byte key.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	recipient, err := recipientFor(key)
	if err != nil {
		return nil, err
	}

	var ciphertext bytes.Buffer
	w, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return nil, fmt.Errorf("sealed: begin encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finish encrypt: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Authentication failure,
// truncation, and garbage input all surface as errors.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	identity, err := identityFor(key)
	if err != nil {
		return nil, err
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: open: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("sealed: read plaintext: %w", err)
	}
	return plaintext, nil
}

func recipientFor(key []byte) (*age.ScryptRecipient, error) {
	if len(key) != 32 {
		return nil, ErrKeySize
	}
	recipient, err := age.NewScryptRecipient(hex.EncodeToString(key))
	if err != nil {
		return nil, fmt.Errorf("sealed: recipient: %w", err)
	}
	recipient.SetWorkFactor(workFactor)
	return recipient, nil
}

func identityFor(key []byte) (*age.ScryptIdentity, error) {
	if len(key) != 32 {
		return nil, ErrKeySize
	}
	identity, err := age.NewScryptIdentity(hex.EncodeToString(key))
	if err != nil {
		return nil, fmt.Errorf("sealed: identity: %w", err)
	}
	return identity, nil
}
