// Package config handles configuration file loading and parsing.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// LevelTrace sits below slog.LevelDebug for very chatty output.
const LevelTrace = slog.LevelDebug - 4

// LogLevel is the textual log level accepted in configuration files.
type LogLevel string

const (
	LogLevelError LogLevel = "error"
	LogLevelWarn  LogLevel = "warn"
	LogLevelInfo  LogLevel = "info"
	LogLevelDebug LogLevel = "debug"
	LogLevelTrace LogLevel = "trace"
)

// ParseLevel maps a configured level onto slog.
func ParseLevel(s string) (slog.Level, error) {
	switch LogLevel(strings.ToLower(s)) {
	case LogLevelError:
		return slog.LevelError, nil
	case LogLevelWarn:
		return slog.LevelWarn, nil
	case LogLevelInfo, "":
		return slog.LevelInfo, nil
	case LogLevelDebug:
		return slog.LevelDebug, nil
	case LogLevelTrace:
		return LevelTrace, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q, must be one of: error, warn, info, debug, trace", s)
	}
}

// LogConfig holds logging options shared by both daemons.
type LogConfig struct {
	Level LogLevel `toml:"level"`
}

// Error is returned for any configuration problem found at startup.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Diagnostics carries non-fatal findings from loading a configuration file.
type Diagnostics struct {
	Path    string
	Unknown []string // Dotted key paths not recognised by the schema
}

// Log reports the diagnostics. Unknown keys are warnings, never errors.
func (d *Diagnostics) Log(logger *slog.Logger) {
	if d == nil {
		return
	}
	logger = logger.With("component", "config")
	if d.Path == "" {
		logger.Debug("no configuration file, using defaults")
		return
	}
	logger.Debug("configuration loaded", "file", d.Path)
	for _, key := range d.Unknown {
		logger.Warn("unknown config item", "file", d.Path, "item", key)
	}
}

// unknownKeys runs a strict decode into a scratch value and collects the keys
// the schema does not know about.
func unknownKeys(data []byte, scratch any) ([]string, error) {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	err := dec.Decode(scratch)
	if err == nil {
		return nil, nil
	}

	var strict *toml.StrictMissingError
	if !errors.As(err, &strict) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	seen := make(map[string]struct{}, len(strict.Errors))
	keys := make([]string, 0, len(strict.Errors))
	for i := range strict.Errors {
		key := strings.Join(strict.Errors[i].Key(), ".")
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// UserConfig is the configuration for surface-dtx-userd.
type UserConfig struct {
	Log LogConfig `toml:"log"`
}

// DefaultUserConfig returns a UserConfig with default values.
func DefaultUserConfig() *UserConfig {
	return &UserConfig{Log: LogConfig{Level: LogLevelInfo}}
}

// UserConfigPath returns the path to the per-user config file.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config.
func UserConfigPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "surface-dtx", "surface-dtx-userd.conf")
}

// LoadUserConfig loads configuration from the specified path.
// If path is empty, uses the default config path.
// Returns default config if that default file doesn't exist.
func LoadUserConfig(path string) (*UserConfig, *Diagnostics, error) {
	explicit := path != ""
	if !explicit {
		path = UserConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return DefaultUserConfig(), &Diagnostics{}, nil
		}
		return nil, nil, &Error{Path: path, Err: fmt.Errorf("failed to read config file: %w", err)}
	}

	cfg := DefaultUserConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, nil, &Error{Path: path, Err: fmt.Errorf("failed to parse config file: %w", err)}
	}
	if _, err := ParseLevel(string(cfg.Log.Level)); err != nil {
		return nil, nil, &Error{Path: path, Err: err}
	}

	unknown, err := unknownKeys(data, DefaultUserConfig())
	if err != nil {
		return nil, nil, &Error{Path: path, Err: err}
	}

	return cfg, &Diagnostics{Path: path, Unknown: unknown}, nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
