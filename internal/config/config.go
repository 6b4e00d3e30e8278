// Package config loads and persists termcore's runtime configuration: the
// scrollback buffer eviction thresholds, the context-cache TTL, the pane
// cleanup cadence, and the WebSocket server port. Each setting can be
// overridden by an environment variable (spec.md §6), parsed defensively so
// a malformed override never blocks startup.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"
)

const (
	maxConfigFileBytes int64 = 1 << 20 // 1MB
	maxRenameRetry           = 10
	// Windows file lock releases (antivirus/indexing) typically settle quickly.
	// Use a short linear backoff: baseDelay * (1..maxRenameRetry).
	renameRetryBaseDelay = 10 * time.Millisecond
	// maxValidPort is the highest TCP/UDP port number (2^16 - 1).
	// Port 0 is valid and means "OS auto-assign".
	maxValidPort = 65535
)

// defaultConfigDirFn is a test seam; tests override it to simulate
// directory-resolution failures in validateConfigPath.
var defaultConfigDirFn = defaultConfigDir
var userHomeDirFn = os.UserHomeDir

// Config is termcore's runtime configuration.
type Config struct {
	// BufferMaxSize is the byte threshold at which a pane's scrollback
	// buffer is evicted back down to BufferKeepSize. Overridden by
	// TERMINAL_BUFFER_MAX_SIZE.
	BufferMaxSize int `yaml:"buffer_max_size" json:"buffer_max_size"`
	// BufferKeepSize is how much scrollback survives an eviction.
	// Overridden by TERMINAL_BUFFER_KEEP_SIZE.
	BufferKeepSize int `yaml:"buffer_keep_size" json:"buffer_keep_size"`
	// ShellCacheTTL is the configured shell-context cache TTL. Overridden by
	// TERMINAL_SHELL_CACHE_TTL. It is loaded, validated and saved here only;
	// the context service's adaptive-TTL formula starts from its own fixed
	// 12s base and does not read this field.
	ShellCacheTTL time.Duration `yaml:"shell_cache_ttl" json:"shell_cache_ttl"`
	// CleanupInterval is how often dead panes are swept. Overridden
	// by TERMINAL_CLEANUP_INTERVAL.
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	// AutoCleanup enables the periodic sweep; when false, panes are only
	// removed on explicit request. Overridden by TERMINAL_AUTO_CLEANUP.
	AutoCleanup bool `yaml:"auto_cleanup" json:"auto_cleanup"`
	// WebSocketPort is the port for the local WebSocket server used for
	// pane data streaming and named UI events. 0 lets the OS assign an
	// available port.
	WebSocketPort int `yaml:"websocket_port" json:"websocket_port"`
}

// DefaultConfig returns the built-in defaults, matching the values each
// owning package falls back to when constructed with a zero Config.
func DefaultConfig() Config {
	return Config{
		BufferMaxSize:   1 << 20,
		BufferKeepSize:  1 << 19,
		ShellCacheTTL:   12 * time.Second,
		CleanupInterval: 30 * time.Second,
		AutoCleanup:     true,
		WebSocketPort:   0,
	}
}

// DefaultPath resolves the config file path, preferring LOCALAPPDATA over
// APPDATA, falling back to ~/.config when both are unset, and then to
// os.TempDir() if the home directory cannot be resolved.
func DefaultPath() string {
	base := strings.TrimSpace(os.Getenv("LOCALAPPDATA"))
	if base == "" {
		base = strings.TrimSpace(os.Getenv("APPDATA"))
	}
	if base == "" {
		home, err := userHomeDirFn()
		if err != nil {
			slog.Warn("[config] using temp dir as config path fallback", "error", err)
			base = os.TempDir()
		} else {
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, "termcore", "config.yaml")
}

// Load reads the config file at path, applies env var overrides, and
// validates the result. If the file does not exist, defaults (plus env
// overrides) are returned.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, errors.New("config path required")
	}

	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnvOverrides(&cfg)
			return cfg, validate(&cfg)
		}
		return cfg, err
	}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			slog.Warn("[config] failed to parse config, using defaults", "path", path, "error", err)
			cfg = DefaultConfig()
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EnsureFile writes default config if missing and returns the loaded
// config (including any env var overrides).
func EnsureFile(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if _, err := Save(path, cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Save validates cfg and atomically writes it to path, returning the
// normalized config actually written.
func Save(path string, cfg Config) (Config, error) {
	normalizedPath, err := validateConfigPath(path)
	if err != nil {
		return cfg, err
	}
	if err := validate(&cfg); err != nil {
		return cfg, fmt.Errorf("save config: %w", err)
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("save config: marshal: %w", err)
	}
	if err := atomicWrite(normalizedPath, raw); err != nil {
		return cfg, err
	}
	slog.Debug("[config] config saved", "path", path)
	return cfg, nil
}

// envOverride describes one TERMINAL_* environment variable and how to
// apply its parsed value, mirroring the teacher's parseXxxEnv helpers:
// invalid values are logged and ignored rather than failing startup.
type envOverride struct {
	name  string
	apply func(cfg *Config, raw string) error
}

var envOverrides = []envOverride{
	{"TERMINAL_BUFFER_MAX_SIZE", func(cfg *Config, raw string) error {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fmt.Errorf("must be a positive integer, got %q", raw)
		}
		cfg.BufferMaxSize = n
		return nil
	}},
	{"TERMINAL_BUFFER_KEEP_SIZE", func(cfg *Config, raw string) error {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fmt.Errorf("must be a positive integer, got %q", raw)
		}
		cfg.BufferKeepSize = n
		return nil
	}},
	{"TERMINAL_SHELL_CACHE_TTL", func(cfg *Config, raw string) error {
		d, err := parseDurationOrSeconds(raw)
		if err != nil || d <= 0 {
			return fmt.Errorf("must be a positive duration, got %q", raw)
		}
		cfg.ShellCacheTTL = d
		return nil
	}},
	{"TERMINAL_CLEANUP_INTERVAL", func(cfg *Config, raw string) error {
		d, err := parseDurationOrSeconds(raw)
		if err != nil || d <= 0 {
			return fmt.Errorf("must be a positive duration, got %q", raw)
		}
		cfg.CleanupInterval = d
		return nil
	}},
	{"TERMINAL_AUTO_CLEANUP", func(cfg *Config, raw string) error {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("must be a boolean, got %q", raw)
		}
		cfg.AutoCleanup = b
		return nil
	}},
}

// parseDurationOrSeconds accepts either a Go duration string ("5s") or a
// bare integer, interpreted as seconds, for ergonomics with simple env var
// configuration.
func parseDurationOrSeconds(raw string) (time.Duration, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// applyEnvOverrides mutates cfg in place with any set and parseable
// TERMINAL_* environment variables. Unparseable values are logged and
// left at whatever cfg already held.
func applyEnvOverrides(cfg *Config) {
	for _, ov := range envOverrides {
		raw, ok := os.LookupEnv(ov.name)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := ov.apply(cfg, raw); err != nil {
			slog.Warn("[config] ignoring invalid environment override", "var", ov.name, "value", raw, "error", err)
		}
	}
}

// validate fills missing/invalid defaults in place and returns an error
// only for conditions that cannot be defaulted around (currently none;
// every field is self-healing, matching the teacher's policy that
// malformed config must not prevent startup).
func validate(cfg *Config) error {
	defaults := DefaultConfig()
	if isZeroConfig(*cfg) {
		*cfg = defaults
		return nil
	}
	if cfg.BufferMaxSize <= 0 {
		slog.Warn("[config] buffer_max_size invalid, using default", "value", cfg.BufferMaxSize)
		cfg.BufferMaxSize = defaults.BufferMaxSize
	}
	if cfg.BufferKeepSize <= 0 || cfg.BufferKeepSize > cfg.BufferMaxSize {
		slog.Warn("[config] buffer_keep_size invalid, using half of buffer_max_size", "value", cfg.BufferKeepSize)
		cfg.BufferKeepSize = cfg.BufferMaxSize / 2
	}
	if cfg.ShellCacheTTL <= 0 {
		slog.Warn("[config] shell_cache_ttl invalid, using default", "value", cfg.ShellCacheTTL)
		cfg.ShellCacheTTL = defaults.ShellCacheTTL
	}
	if cfg.CleanupInterval <= 0 {
		slog.Warn("[config] cleanup_interval invalid, using default", "value", cfg.CleanupInterval)
		cfg.CleanupInterval = defaults.CleanupInterval
	}
	if cfg.WebSocketPort < 0 || cfg.WebSocketPort > maxValidPort {
		slog.Warn("[config] websocket_port out of valid range (0-65535), falling back to 0 (auto-assign)",
			"configured", cfg.WebSocketPort, "max", maxValidPort)
		cfg.WebSocketPort = 0
	}
	return nil
}

func isZeroConfig(cfg Config) bool {
	return reflect.DeepEqual(cfg, Config{})
}

// Watch starts an fsnotify watcher on path's containing directory and
// invokes onChange with the freshly reloaded (and env-override-applied)
// config whenever the file is written or renamed over. Watch itself applies
// nothing; what takes effect is up to onChange. The returned
// stop function closes the watcher; it is safe to call more than once.
func Watch(path string, onChange func(Config)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	var once sync.Once
	go watchLoop(watcher, path, onChange, done)

	return func() {
		once.Do(func() {
			close(done)
			_ = watcher.Close()
		})
	}, nil
}

func watchLoop(watcher *fsnotify.Watcher, path string, onChange func(Config), done <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[config] watch loop panicked", "panic", r)
		}
	}()
	target := filepath.Clean(path)
	for {
		select {
		case <-done:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				slog.Warn("[config] reload after change failed", "path", path, "error", err)
				continue
			}
			slog.Info("[config] reloaded after on-disk change", "path", path)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("[config] watch error", "error", err)
		}
	}
}

// atomicWrite writes config data using temp-file + rename to avoid partial
// writes, retrying rename on Windows to tolerate transient file locks.
func atomicWrite(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save config: mkdir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".config.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("save config: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			if closeErr := tmpFile.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
				slog.Warn("[config] failed to close temp file", "path", tmpPath, "error", closeErr)
			}
		}
		if err != nil {
			if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				slog.Warn("[config] failed to remove temp file", "path", tmpPath, "error", removeErr)
			}
		}
	}()

	if err = tmpFile.Chmod(0o600); err != nil {
		return fmt.Errorf("save config: chmod temp: %w", err)
	}
	if _, err = tmpFile.Write(data); err != nil {
		return fmt.Errorf("save config: write: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		return fmt.Errorf("save config: sync: %w", err)
	}
	err = tmpFile.Close()
	tmpFile = nil
	if err != nil {
		return fmt.Errorf("save config: close: %w", err)
	}

	if err = renameFileWithRetry(tmpPath, path); err != nil {
		return fmt.Errorf("save config: rename: %w", err)
	}
	return nil
}

// validateConfigPath normalizes path and enforces that config writes stay
// inside the default config directory when that directory is resolvable.
func validateConfigPath(path string) (string, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return "", errors.New("config path required")
	}
	absolutePath, err := filepath.Abs(trimmedPath)
	if err != nil {
		return "", fmt.Errorf("save config: resolve path: %w", err)
	}

	expectedDir, err := defaultConfigDirFn()
	if err != nil {
		return "", fmt.Errorf("save config: resolve config dir: %w", err)
	}
	absoluteExpectedDir, err := filepath.Abs(expectedDir)
	if err != nil {
		return "", fmt.Errorf("save config: resolve config dir: %w", err)
	}
	if !pathWithinDir(absolutePath, absoluteExpectedDir) {
		return "", fmt.Errorf("save config: path outside config directory: %q", absolutePath)
	}

	return absolutePath, nil
}

func defaultConfigDir() (string, error) {
	return filepath.Dir(DefaultPath()), nil
}

// pathWithinDir blocks directory traversal by ensuring path is under dir.
func pathWithinDir(path string, dir string) bool {
	relativePath, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	if relativePath == "." {
		return true
	}
	if relativePath == ".." || strings.HasPrefix(relativePath, ".."+string(os.PathSeparator)) {
		return false
	}
	return !filepath.IsAbs(relativePath)
}

func readLimitedFile(path string, maxBytes int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	limited := io.LimitReader(file, maxBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", maxBytes)
	}
	return raw, nil
}

func renameFileWithRetry(sourcePath string, targetPath string) error {
	var lastErr error
	for attempt := range maxRenameRetry {
		err := os.Rename(sourcePath, targetPath)
		if err == nil {
			return nil
		}
		lastErr = err
		if runtime.GOOS != "windows" {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * renameRetryBaseDelay)
	}
	return lastErr
}
