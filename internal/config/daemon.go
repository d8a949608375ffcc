package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
)

// DefaultDaemonConfigPath is where the system daemon looks for its configuration.
const DefaultDaemonConfigPath = "/etc/surface-dtx/surface-dtx-daemon.conf"

// Default daemon values.
const (
	DefaultHandlerTimeout = 60 * time.Second
	DefaultHandlerGrace   = 2 * time.Second
	DefaultOutputLimit    = 64 * 1024
	DefaultAttachDelay    = 5 * time.Second
	DefaultHeartbeat      = 5 * time.Second
	DefaultDevicePath     = "/dev/surface/dtx"
	DefaultStartupTimeout = 30 * time.Second
	DefaultLockFile       = "/run/surface-dtx-daemon.lock"
)

// Duration is a time.Duration that can be unmarshaled from human-readable strings.
// Supports formats like "5s", "1m30s", or a bare number of seconds ("60", 2.5).
// A value of "0" or 0 disables whatever the duration controls.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML parsing.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(bytes.TrimSpace(text))

	// Bare numbers are seconds, fractions allowed
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return fmt.Errorf("invalid duration %q: must not be negative", s)
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: must be like '5s', '1m', '1h30m' or seconds: %w", s, err)
	}
	if dur < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	*d = Duration(dur)
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML output.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a byte count written as "64KiB", "1 MB" or a bare number.
type ByteSize uint64

// UnmarshalText implements encoding.TextUnmarshaler for TOML parsing.
func (b *ByteSize) UnmarshalText(text []byte) error {
	s := string(bytes.TrimSpace(text))
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: must be like '64KiB' or a number of bytes: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML output.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(humanize.IBytes(uint64(b))), nil
}

// DaemonConfig is the configuration for surface-dtx-daemon.
type DaemonConfig struct {
	// Dir is the directory the configuration was loaded from. Relative
	// handler paths resolve against it and handlers run inside it.
	Dir string `toml:"-"`

	Log       LogConfig       `toml:"log"`
	Handler   HandlerConfig   `toml:"handler"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Device    DeviceConfig    `toml:"device"`
}

// HandlerConfig holds one entry per lifecycle point plus the settings shared
// by all handlers. Grace and OutputLimit need a restart to change.
type HandlerConfig struct {
	Grace       Duration `toml:"grace"`        // Between SIGTERM and SIGKILL on timeout
	OutputLimit ByteSize `toml:"output_limit"` // Kept per output stream

	Detach      HandlerEntry `toml:"detach"`
	DetachAbort HandlerEntry `toml:"detach_abort"`
	Attach      HandlerEntry `toml:"attach"`
}

// HandlerEntry configures a single handler executable.
type HandlerEntry struct {
	Exec    string   `toml:"exec"`    // Empty means no handler
	Timeout Duration `toml:"timeout"` // e.g. "60s" or 60
	Delay   Duration `toml:"delay"`   // Wait before spawning (attach only by default)
}

// HeartbeatConfig controls the periodic keepalive sent to the firmware.
type HeartbeatConfig struct {
	Interval Duration `toml:"interval"`
}

// DeviceConfig locates the latch controller device node.
type DeviceConfig struct {
	Path           string   `toml:"path"`
	StartupTimeout Duration `toml:"startup_timeout"`
	LockFile       string   `toml:"lock_file"`
}

// DefaultDaemonConfig returns a new DaemonConfig with default values.
func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		Dir: filepath.Dir(DefaultDaemonConfigPath),
		Log: LogConfig{Level: LogLevelInfo},
		Handler: HandlerConfig{
			Grace:       Duration(DefaultHandlerGrace),
			OutputLimit: DefaultOutputLimit,
			Detach:      HandlerEntry{Timeout: Duration(DefaultHandlerTimeout)},
			DetachAbort: HandlerEntry{Timeout: Duration(DefaultHandlerTimeout)},
			Attach: HandlerEntry{
				Timeout: Duration(DefaultHandlerTimeout),
				Delay:   Duration(DefaultAttachDelay),
			},
		},
		Heartbeat: HeartbeatConfig{Interval: Duration(DefaultHeartbeat)},
		Device: DeviceConfig{
			Path:           DefaultDevicePath,
			StartupTimeout: Duration(DefaultStartupTimeout),
			LockFile:       DefaultLockFile,
		},
	}
}

// LoadDaemonConfig loads the daemon configuration from path.
// An empty path means DefaultDaemonConfigPath, which may be absent; an
// explicitly named file must exist.
func LoadDaemonConfig(path string) (*DaemonConfig, *Diagnostics, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultDaemonConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return DefaultDaemonConfig(), &Diagnostics{}, nil
		}
		return nil, nil, &Error{Path: path, Err: fmt.Errorf("failed to read config file: %w", err)}
	}

	config, diag, err := ParseDaemonConfig(data)
	if err != nil {
		return nil, nil, &Error{Path: path, Err: err}
	}
	diag.Path = path

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	config.Dir = filepath.Dir(abs)

	if err := config.Validate(); err != nil {
		return nil, nil, &Error{Path: path, Err: fmt.Errorf("invalid configuration: %w", err)}
	}

	return config, diag, nil
}

// ParseDaemonConfig decodes data on top of the defaults. Unknown keys do not
// fail the parse; they are collected into the returned Diagnostics.
func ParseDaemonConfig(data []byte) (*DaemonConfig, *Diagnostics, error) {
	// Start with defaults, then overlay with file contents
	config := DefaultDaemonConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	unknown, err := unknownKeys(data, DefaultDaemonConfig())
	if err != nil {
		return nil, nil, err
	}

	return config, &Diagnostics{Unknown: unknown}, nil
}

// Validate checks if the configuration is valid.
func (c *DaemonConfig) Validate() error {
	if _, err := ParseLevel(string(c.Log.Level)); err != nil {
		return err
	}

	handlers := []struct {
		name  string
		entry HandlerEntry
	}{
		{"detach", c.Handler.Detach},
		{"detach_abort", c.Handler.DetachAbort},
		{"attach", c.Handler.Attach},
	}
	for _, h := range handlers {
		if h.entry.Exec != "" && h.entry.Timeout <= 0 {
			return fmt.Errorf("handler.%s.timeout must be positive", h.name)
		}
	}

	if c.Handler.OutputLimit == 0 {
		return errors.New("handler.output_limit must be positive")
	}

	if c.Device.Path == "" {
		return errors.New("device.path must not be empty")
	}
	if c.Device.StartupTimeout < 0 {
		return errors.New("device.startup_timeout must not be negative")
	}

	return nil
}

// ExecPath resolves a handler path against the configuration directory.
// Returns "" when no handler is configured.
func (c *DaemonConfig) ExecPath(entry HandlerEntry) string {
	if entry.Exec == "" {
		return ""
	}
	path := expandPath(entry.Exec)
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Dir, path)
}
