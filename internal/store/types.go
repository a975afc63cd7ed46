package store

import (
	"encoding/json"
	"fmt"
)

// FileFormatVersion is written to every grants / audit file.
const FileFormatVersion = 1

// MaxAuditEntries is the per-user audit-log cap; oldest entries are
// trimmed first.
const MaxAuditEntries = 200

// Grant flag bits. Unknown bits are preserved across read/write.
const (
	FlagGrantPersistent  uint32 = 0x1
	FlagGrantSessionOnly uint32 = 0x2
	FlagRevokedByUser    uint32 = 0x4
	FlagRevokedByPolicy  uint32 = 0x8
)

// Audit event types.
const (
	EventGrant  = 1
	EventRevoke = 2
	EventUse    = 3
	EventDeny   = 4
	EventExpire = 5
)

// Grant is one package's permission state within a user.
//
// granted=true records carry exactly one of FlagGrantPersistent /
// FlagGrantSessionOnly and neither revoked bit; scope empty means "full".
// JSON fields the current schema does not know are carried through
// verbatim so a newer writer's records survive a round trip.
type Grant struct {
	Version     int
	PackageName string
	AppID       int
	UserID      int
	Granted     bool
	GrantedAt   int64
	ExpiresAt   int64
	Flags       uint32
	Scope       string

	extra map[string]json.RawMessage
}

var grantKnownFields = []string{
	"version", "packageName", "appId", "userId", "granted",
	"grantedAt", "expiresAt", "flags", "scope",
}

// IsExpired reports whether the grant has an expiry in the past.
func (g *Grant) IsExpired(nowMillis int64) bool {
	return g.ExpiresAt > 0 && nowMillis > g.ExpiresAt
}

// Validate checks the record invariants.
func (g *Grant) Validate() error {
	if g.PackageName == "" {
		return fmt.Errorf("grant has empty package name")
	}
	if g.Granted {
		if g.Flags&(FlagRevokedByUser|FlagRevokedByPolicy) != 0 {
			return fmt.Errorf("granted record carries a revoked flag")
		}
		persistent := g.Flags&FlagGrantPersistent != 0
		sessionOnly := g.Flags&FlagGrantSessionOnly != 0
		if persistent == sessionOnly {
			return fmt.Errorf("granted record must be exactly one of persistent or session-only")
		}
	}
	if g.ExpiresAt != 0 && g.ExpiresAt <= g.GrantedAt {
		return fmt.Errorf("expiresAt %d not after grantedAt %d", g.ExpiresAt, g.GrantedAt)
	}
	return nil
}

// MarshalJSON emits the schema fields plus any preserved unknown fields.
func (g Grant) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(grantKnownFields)+len(g.extra))
	for k, v := range g.extra {
		m[k] = v
	}
	m["version"] = g.Version
	m["packageName"] = g.PackageName
	m["appId"] = g.AppID
	m["userId"] = g.UserID
	m["granted"] = g.Granted
	m["grantedAt"] = g.GrantedAt
	m["expiresAt"] = g.ExpiresAt
	m["flags"] = g.Flags
	if g.Scope == "" {
		m["scope"] = nil
	} else {
		m["scope"] = g.Scope
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads the schema fields and keeps everything else aside.
func (g *Grant) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	g.Version = 1
	g.Flags = FlagGrantPersistent
	if err := pick(raw, "version", &g.Version); err != nil {
		return err
	}
	if err := pick(raw, "packageName", &g.PackageName); err != nil {
		return err
	}
	if err := pick(raw, "appId", &g.AppID); err != nil {
		return err
	}
	if err := pick(raw, "userId", &g.UserID); err != nil {
		return err
	}
	if err := pick(raw, "granted", &g.Granted); err != nil {
		return err
	}
	if err := pick(raw, "grantedAt", &g.GrantedAt); err != nil {
		return err
	}
	if err := pick(raw, "expiresAt", &g.ExpiresAt); err != nil {
		return err
	}
	if err := pick(raw, "flags", &g.Flags); err != nil {
		return err
	}
	if err := pickNullable(raw, "scope", &g.Scope); err != nil {
		return err
	}

	for _, k := range grantKnownFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		g.extra = raw
	} else {
		g.extra = nil
	}
	return nil
}

// AuditEvent is one entry in a user's audit log.
type AuditEvent struct {
	Version     int
	EventType   int
	PackageName string
	AppID       int
	UserID      int
	EventAt     int64
	Detail      string

	extra map[string]json.RawMessage
}

var auditKnownFields = []string{
	"version", "eventType", "packageName", "appId", "userId", "eventAt", "detail",
}

// MarshalJSON emits the schema fields plus any preserved unknown fields.
func (e AuditEvent) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(auditKnownFields)+len(e.extra))
	for k, v := range e.extra {
		m[k] = v
	}
	m["version"] = e.Version
	m["eventType"] = e.EventType
	m["packageName"] = e.PackageName
	m["appId"] = e.AppID
	m["userId"] = e.UserID
	m["eventAt"] = e.EventAt
	if e.Detail == "" {
		m["detail"] = nil
	} else {
		m["detail"] = e.Detail
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads the schema fields and keeps everything else aside.
func (e *AuditEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.Version = 1
	if err := pick(raw, "version", &e.Version); err != nil {
		return err
	}
	if err := pick(raw, "eventType", &e.EventType); err != nil {
		return err
	}
	if err := pick(raw, "packageName", &e.PackageName); err != nil {
		return err
	}
	if err := pick(raw, "appId", &e.AppID); err != nil {
		return err
	}
	if err := pick(raw, "userId", &e.UserID); err != nil {
		return err
	}
	if err := pick(raw, "eventAt", &e.EventAt); err != nil {
		return err
	}
	if err := pickNullable(raw, "detail", &e.Detail); err != nil {
		return err
	}

	for _, k := range auditKnownFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		e.extra = raw
	} else {
		e.extra = nil
	}
	return nil
}

// EventTypeName returns a human-readable event type for CLI output.
func EventTypeName(t int) string {
	switch t {
	case EventGrant:
		return "GRANT"
	case EventRevoke:
		return "REVOKE"
	case EventUse:
		return "USE"
	case EventDeny:
		return "DENY"
	case EventExpire:
		return "EXPIRE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// pick decodes raw[key] into out when present and non-null.
func pick(raw map[string]json.RawMessage, key string, out any) error {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return nil
	}
	if err := json.Unmarshal(v, out); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}

// pickNullable decodes an optional string where JSON null means empty.
func pickNullable(raw map[string]json.RawMessage, key string, out *string) error {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		*out = ""
		return nil
	}
	return pick(raw, key, out)
}
