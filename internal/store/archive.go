// Append-only audit archive.
//
// The JSON audit file is the canonical, bounded management view; this
// sqlite archive keeps the full history past the 200-entry window.
// Each record carries an HMAC and a hash chained to its predecessor, so
// deletion or reordering of archived events is detectable.
package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS audit_archive (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id         INTEGER NOT NULL,
    package_name    TEXT NOT NULL,
    app_id          INTEGER NOT NULL,
    event_type      INTEGER NOT NULL,
    event_at        INTEGER NOT NULL,
    detail          TEXT,
    prev_hash       BLOB NOT NULL,
    record_hash     BLOB NOT NULL UNIQUE,
    hmac            BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_archive_user ON audit_archive(user_id, event_at);
CREATE INDEX IF NOT EXISTS idx_audit_archive_package ON audit_archive(package_name, event_at);
`

// Archive is the tamper-evident sqlite audit archive.
type Archive struct {
	db      *sql.DB
	hmacKey []byte

	mu       sync.Mutex
	lastHash [32]byte
}

// OpenArchive opens or creates the archive database.
// The hmacKey must be at least 32 bytes (keystore.ArchiveKey).
func OpenArchive(path string, hmacKey []byte) (*Archive, error) {
	if len(hmacKey) < 32 {
		return nil, errors.New("archive: HMAC key must be at least 32 bytes")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("archive: create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("archive: open database: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: apply schema: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: set permissions: %w", err)
	}

	a := &Archive{db: db, hmacKey: hmacKey}
	if err := a.loadChainHead(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) loadChainHead() error {
	row := a.db.QueryRow(`SELECT record_hash FROM audit_archive ORDER BY id DESC LIMIT 1`)
	var head []byte
	switch err := row.Scan(&head); {
	case err == sql.ErrNoRows:
		return nil // genesis: zero hash
	case err != nil:
		return fmt.Errorf("archive: load chain head: %w", err)
	}
	if len(head) != 32 {
		return errors.New("archive: chain head has wrong length")
	}
	copy(a.lastHash[:], head)
	return nil
}

// Append inserts one event at the end of the chain.
func (a *Archive) Append(ev AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	recordHash := chainHash(a.lastHash, ev)
	mac := hmac.New(sha256.New, a.hmacKey)
	mac.Write(recordHash[:])

	_, err := a.db.Exec(`
		INSERT INTO audit_archive
		(user_id, package_name, app_id, event_type, event_at, detail, prev_hash, record_hash, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.UserID, ev.PackageName, ev.AppID, ev.EventType, ev.EventAt, ev.Detail,
		a.lastHash[:], recordHash[:], mac.Sum(nil))
	if err != nil {
		return fmt.Errorf("archive: insert: %w", err)
	}
	a.lastHash = recordHash
	return nil
}

// Count returns the number of archived events.
func (a *Archive) Count() (int, error) {
	var n int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM audit_archive`).Scan(&n); err != nil {
		return 0, fmt.Errorf("archive: count: %w", err)
	}
	return n, nil
}

// Verify walks the whole chain, recomputing every hash and HMAC.
// It returns the number of verified records.
func (a *Archive) Verify() (int, error) {
	rows, err := a.db.Query(`
		SELECT user_id, package_name, app_id, event_type, event_at, detail, prev_hash, record_hash, hmac
		FROM audit_archive ORDER BY id ASC`)
	if err != nil {
		return 0, fmt.Errorf("archive: query: %w", err)
	}
	defer rows.Close()

	var prev [32]byte
	count := 0
	for rows.Next() {
		var ev AuditEvent
		var prevHash, recordHash, storedMAC []byte
		if err := rows.Scan(&ev.UserID, &ev.PackageName, &ev.AppID, &ev.EventType,
			&ev.EventAt, &ev.Detail, &prevHash, &recordHash, &storedMAC); err != nil {
			return count, fmt.Errorf("archive: scan: %w", err)
		}

		if !hmac.Equal(prevHash, prev[:]) {
			return count, fmt.Errorf("archive: chain break at record %d", count+1)
		}
		want := chainHash(prev, ev)
		if !hmac.Equal(recordHash, want[:]) {
			return count, fmt.Errorf("archive: hash mismatch at record %d", count+1)
		}
		mac := hmac.New(sha256.New, a.hmacKey)
		mac.Write(want[:])
		if !hmac.Equal(storedMAC, mac.Sum(nil)) {
			return count, fmt.Errorf("archive: HMAC mismatch at record %d", count+1)
		}

		copy(prev[:], recordHash)
		count++
	}
	return count, rows.Err()
}

// chainHash binds an event's fields to its predecessor.
func chainHash(prev [32]byte, ev AuditEvent) [32]byte {
	h := sha256.New()
	h.Write(prev[:])
	var nums [32]byte
	binary.BigEndian.PutUint64(nums[0:8], uint64(ev.UserID))
	binary.BigEndian.PutUint64(nums[8:16], uint64(ev.AppID))
	binary.BigEndian.PutUint64(nums[16:24], uint64(ev.EventType))
	binary.BigEndian.PutUint64(nums[24:32], uint64(ev.EventAt))
	h.Write(nums[:])
	h.Write([]byte(ev.PackageName))
	h.Write([]byte{0})
	h.Write([]byte(ev.Detail))
	var out [32]byte
	h.Sum(out[:0])
	return out
}
