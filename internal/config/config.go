// Package config handles configuration loading and validation for shizukud.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Version is the current config schema version.
const Version = 1

// Config is the root configuration for the shizukud daemon.
type Config struct {
	// Version is the config schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// DataDir is the directory holding the encrypted grant and audit files.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// PackageDB is the path to the platform package database file.
	PackageDB string `toml:"package_db" json:"package_db" yaml:"package_db"`

	// IPC configures the two unix-socket surfaces.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Consent configures the consent-dialog helper.
	Consent ConsentConfig `toml:"consent" json:"consent" yaml:"consent"`

	// Manager configures the privileged management surface.
	Manager ManagerConfig `toml:"manager" json:"manager" yaml:"manager"`

	// Supervisor configures subprocess supervision.
	Supervisor SupervisorConfig `toml:"supervisor" json:"supervisor" yaml:"supervisor"`

	// Keystore configures the master-key provider.
	Keystore KeystoreConfig `toml:"keystore" json:"keystore" yaml:"keystore"`

	// Archive configures the sqlite audit archive.
	Archive ArchiveConfig `toml:"archive" json:"archive" yaml:"archive"`

	// Events configures permission-change notification delivery.
	Events EventsConfig `toml:"events" json:"events" yaml:"events"`

	// Compat configures the ecosystem-compatibility surface.
	Compat CompatConfig `toml:"compat" json:"compat" yaml:"compat"`

	// Metrics configures the optional metrics endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Logging configures daemon logging.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// IPCConfig configures the daemon's unix-socket listeners.
type IPCConfig struct {
	// PublicSocket is the app-facing socket path. Mode 0666; authorization
	// happens per operation against the peer's credentials.
	PublicSocket string `toml:"public_socket" json:"public_socket" yaml:"public_socket"`

	// ManagementSocket is the privileged socket path. Mode 0600.
	ManagementSocket string `toml:"management_socket" json:"management_socket" yaml:"management_socket"`
}

// ConsentConfig configures the consent-dialog collaborator.
type ConsentConfig struct {
	// Command is the helper argv launched for each consent prompt.
	// The helper receives --package, --app-id and --user flags and must
	// print "allow" or "deny" on stdout.
	Command []string `toml:"command" json:"command" yaml:"command"`

	// TimeoutSec bounds how long a dialog may stay unresolved. A timeout
	// counts as deny. 0 means no timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// ManagerConfig configures management-surface authorization.
type ManagerConfig struct {
	// UIDs may call the management surface in addition to root.
	UIDs []int `toml:"uids" json:"uids" yaml:"uids"`

	// CrossUserUIDs may additionally target every user at once.
	CrossUserUIDs []int `toml:"cross_user_uids" json:"cross_user_uids" yaml:"cross_user_uids"`
}

// SupervisorConfig configures subprocess supervision limits.
type SupervisorConfig struct {
	// MaxGlobal caps concurrently supervised processes across all owners.
	MaxGlobal int `toml:"max_global" json:"max_global" yaml:"max_global"`

	// MaxPerOwner caps concurrently supervised processes per owning peer.
	MaxPerOwner int `toml:"max_per_owner" json:"max_per_owner" yaml:"max_per_owner"`
}

// KeystoreConfig configures the store master key.
type KeystoreConfig struct {
	// Provider selects the master-key backend: "file" or "tpm".
	Provider string `toml:"provider" json:"provider" yaml:"provider"`

	// KeyPath is the key file ("file") or sealed blob ("tpm") location.
	// Empty means <data_dir>/master.key.
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`
}

// ArchiveConfig configures the append-only sqlite audit archive.
type ArchiveConfig struct {
	// Enabled turns the archive on. The bounded JSON audit file stays
	// canonical either way.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the archive database location. Empty means
	// <data_dir>/audit_archive.db.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// EventsConfig configures notification delivery.
type EventsConfig struct {
	// DBus enables PermissionChanged signal emission on the system bus.
	DBus bool `toml:"dbus" json:"dbus" yaml:"dbus"`
}

// CompatConfig configures the Shizuku-compatibility surface.
type CompatConfig struct {
	// PropertiesPath backs the get/set system-property operations.
	// Empty means <data_dir>/properties.
	PropertiesPath string `toml:"properties_path" json:"properties_path" yaml:"properties_path"`
}

// MetricsConfig configures the metrics scrape endpoint.
type MetricsConfig struct {
	// ListenAddr enables the HTTP endpoint when non-empty, e.g. "127.0.0.1:9911".
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// LoggingConfig configures daemon logging.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file used when Output includes "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Version > Version {
		return fmt.Errorf("config version %d is newer than supported %d", c.Version, Version)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.IPC.PublicSocket == "" || c.IPC.ManagementSocket == "" {
		return fmt.Errorf("both ipc sockets must be configured")
	}
	if c.IPC.PublicSocket == c.IPC.ManagementSocket {
		return fmt.Errorf("public and management sockets must differ")
	}
	if c.Supervisor.MaxGlobal <= 0 || c.Supervisor.MaxPerOwner <= 0 {
		return fmt.Errorf("supervisor caps must be positive")
	}
	if c.Supervisor.MaxPerOwner > c.Supervisor.MaxGlobal {
		return fmt.Errorf("max_per_owner %d exceeds max_global %d",
			c.Supervisor.MaxPerOwner, c.Supervisor.MaxGlobal)
	}
	switch c.Keystore.Provider {
	case "file", "tpm":
	default:
		return fmt.Errorf("unknown keystore provider %q", c.Keystore.Provider)
	}
	if c.Consent.TimeoutSec < 0 {
		return fmt.Errorf("consent timeout must not be negative")
	}
	switch c.Logging.Output {
	case "", "stdout", "stderr", "both", "file":
	default:
		return fmt.Errorf("unknown logging output %q", c.Logging.Output)
	}
	if (c.Logging.Output == "file" || c.Logging.Output == "both") && c.Logging.FilePath == "" {
		return fmt.Errorf("logging output %q requires file_path", c.Logging.Output)
	}
	return nil
}

// ApplyEnvOverrides applies SHIZUKUD_* environment variable overrides.
// Environment variables take precedence over the config file.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SHIZUKUD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SHIZUKUD_PACKAGE_DB"); v != "" {
		c.PackageDB = v
	}
	if v := os.Getenv("SHIZUKUD_PUBLIC_SOCKET"); v != "" {
		c.IPC.PublicSocket = v
	}
	if v := os.Getenv("SHIZUKUD_MANAGEMENT_SOCKET"); v != "" {
		c.IPC.ManagementSocket = v
	}
	if v := os.Getenv("SHIZUKUD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SHIZUKUD_KEYSTORE_PROVIDER"); v != "" {
		c.Keystore.Provider = v
	}
	if v := os.Getenv("SHIZUKUD_MANAGER_UIDS"); v != "" {
		if uids, err := parseUIDList(v); err == nil {
			c.Manager.UIDs = uids
		}
	}
}

func parseUIDList(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	uids := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		uid, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid uid %q: %w", p, err)
		}
		uids = append(uids, uid)
	}
	return uids, nil
}
