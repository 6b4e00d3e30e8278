package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func newConfigPathForSaveTest(t *testing.T, elems ...string) string {
	t.Helper()
	localAppData := t.TempDir()
	t.Setenv("LOCALAPPDATA", localAppData)
	t.Setenv("APPDATA", "")

	defaultPath := DefaultPath()

	return filepath.Join(filepath.Dir(defaultPath), filepath.Join(elems...))
}

func TestPathWithinDir(t *testing.T) {
	baseDir := t.TempDir()
	configDir := filepath.Join(baseDir, "config")

	tests := []struct {
		name string
		path string
		dir  string
		want bool
	}{
		{name: "same path", path: configDir, dir: configDir, want: true},
		{name: "subdirectory path", path: filepath.Join(configDir, "sub", "config.yaml"), dir: configDir, want: true},
		{name: "traversal path", path: filepath.Join(configDir, "..", "outside.yaml"), dir: configDir, want: false},
		{name: "different path", path: filepath.Join(baseDir, "other", "config.yaml"), dir: configDir, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pathWithinDir(tt.path, tt.dir)
			if got != tt.want {
				t.Fatalf("pathWithinDir(%q, %q) = %v, want %v", tt.path, tt.dir, got, tt.want)
			}
		})
	}
}

func TestIsZeroConfig(t *testing.T) {
	if !isZeroConfig(Config{}) {
		t.Fatal("isZeroConfig(Config{}) = false, want true")
	}
	if isZeroConfig(DefaultConfig()) {
		t.Fatal("isZeroConfig(DefaultConfig()) = true, want false")
	}
}

func TestDefaultPathUsesLocalAppDataWhenAvailable(t *testing.T) {
	t.Setenv("LOCALAPPDATA", filepath.Join("tmp", "local"))
	t.Setenv("APPDATA", "")

	path := DefaultPath()
	want := filepath.Join(filepath.Join("tmp", "local"), "termcore", "config.yaml")
	if path != want {
		t.Fatalf("DefaultPath() = %q, want %q", path, want)
	}
}

func TestDefaultPathFallsBackToAppData(t *testing.T) {
	t.Setenv("LOCALAPPDATA", "")
	t.Setenv("APPDATA", filepath.Join("tmp", "roaming"))

	path := DefaultPath()
	want := filepath.Join(filepath.Join("tmp", "roaming"), "termcore", "config.yaml")
	if path != want {
		t.Fatalf("DefaultPath() = %q, want %q", path, want)
	}
}

func TestDefaultPathFallsBackToTempDirWhenHomeDirUnavailable(t *testing.T) {
	original := userHomeDirFn
	t.Cleanup(func() { userHomeDirFn = original })
	userHomeDirFn = func() (string, error) {
		return "", errors.New("simulated home dir resolution failure")
	}
	t.Setenv("LOCALAPPDATA", "")
	t.Setenv("APPDATA", "")

	path := DefaultPath()
	want := filepath.Join(os.TempDir(), "termcore", "config.yaml")
	if path != want {
		t.Fatalf("DefaultPath() = %q, want %q", path, want)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg != DefaultConfig() {
		t.Fatalf("Load() = %+v, want defaults %+v", cfg, DefaultConfig())
	}
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("Load(\"\") expected error")
	}
}

func TestLoadParsesYAMLFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := []byte("buffer_max_size: 2097152\nbuffer_keep_size: 1048576\nauto_cleanup: false\nwebsocket_port: 9123\n")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BufferMaxSize != 2097152 {
		t.Errorf("BufferMaxSize = %d, want 2097152", cfg.BufferMaxSize)
	}
	if cfg.BufferKeepSize != 1048576 {
		t.Errorf("BufferKeepSize = %d, want 1048576", cfg.BufferKeepSize)
	}
	if cfg.AutoCleanup {
		t.Error("AutoCleanup should be false")
	}
	if cfg.WebSocketPort != 9123 {
		t.Errorf("WebSocketPort = %d, want 9123", cfg.WebSocketPort)
	}
}

func TestLoadMalformedYAMLFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("not: [valid yaml"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BufferMaxSize != DefaultConfig().BufferMaxSize {
		t.Errorf("BufferMaxSize = %d, want default", cfg.BufferMaxSize)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("TERMINAL_BUFFER_MAX_SIZE", "4096")
	t.Setenv("TERMINAL_BUFFER_KEEP_SIZE", "2048")
	t.Setenv("TERMINAL_SHELL_CACHE_TTL", "5s")
	t.Setenv("TERMINAL_CLEANUP_INTERVAL", "60")
	t.Setenv("TERMINAL_AUTO_CLEANUP", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BufferMaxSize != 4096 {
		t.Errorf("BufferMaxSize = %d, want 4096", cfg.BufferMaxSize)
	}
	if cfg.BufferKeepSize != 2048 {
		t.Errorf("BufferKeepSize = %d, want 2048", cfg.BufferKeepSize)
	}
	if cfg.ShellCacheTTL != 5*time.Second {
		t.Errorf("ShellCacheTTL = %v, want 5s", cfg.ShellCacheTTL)
	}
	if cfg.CleanupInterval != 60*time.Second {
		t.Errorf("CleanupInterval = %v, want 60s", cfg.CleanupInterval)
	}
	if cfg.AutoCleanup {
		t.Error("AutoCleanup should be false")
	}
}

func TestLoadIgnoresUnparseableEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("TERMINAL_BUFFER_MAX_SIZE", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BufferMaxSize != DefaultConfig().BufferMaxSize {
		t.Errorf("BufferMaxSize = %d, want default %d on unparseable override", cfg.BufferMaxSize, DefaultConfig().BufferMaxSize)
	}
}

func TestLoadIgnoresNegativeDurationOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("TERMINAL_SHELL_CACHE_TTL", "-5s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ShellCacheTTL != DefaultConfig().ShellCacheTTL {
		t.Errorf("ShellCacheTTL = %v, want default on negative override", cfg.ShellCacheTTL)
	}
}

func TestParseDurationOrSecondsAcceptsBareInteger(t *testing.T) {
	d, err := parseDurationOrSeconds("90")
	if err != nil {
		t.Fatalf("parseDurationOrSeconds() error = %v", err)
	}
	if d != 90*time.Second {
		t.Fatalf("parseDurationOrSeconds(\"90\") = %v, want 90s", d)
	}
}

func TestParseDurationOrSecondsAcceptsDurationString(t *testing.T) {
	d, err := parseDurationOrSeconds("1m30s")
	if err != nil {
		t.Fatalf("parseDurationOrSeconds() error = %v", err)
	}
	if d != 90*time.Second {
		t.Fatalf("parseDurationOrSeconds(\"1m30s\") = %v, want 90s", d)
	}
}

func TestValidateFixesInvalidBufferSizes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferMaxSize = -1
	cfg.BufferKeepSize = 0
	if err := validate(&cfg); err != nil {
		t.Fatalf("validate() error = %v", err)
	}
	if cfg.BufferMaxSize <= 0 {
		t.Errorf("BufferMaxSize = %d, want positive default", cfg.BufferMaxSize)
	}
	if cfg.BufferKeepSize <= 0 || cfg.BufferKeepSize > cfg.BufferMaxSize {
		t.Errorf("BufferKeepSize = %d, want within (0, %d]", cfg.BufferKeepSize, cfg.BufferMaxSize)
	}
}

func TestValidateClampsWebSocketPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WebSocketPort = 70000
	if err := validate(&cfg); err != nil {
		t.Fatalf("validate() error = %v", err)
	}
	if cfg.WebSocketPort != 0 {
		t.Errorf("WebSocketPort = %d, want 0 (auto-assign fallback)", cfg.WebSocketPort)
	}
}

func TestValidateRejectsNegativeWebSocketPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WebSocketPort = -1
	if err := validate(&cfg); err != nil {
		t.Fatalf("validate() error = %v", err)
	}
	if cfg.WebSocketPort != 0 {
		t.Errorf("WebSocketPort = %d, want 0 (auto-assign fallback)", cfg.WebSocketPort)
	}
}

func TestValidateZeroConfigResetsToDefaults(t *testing.T) {
	cfg := Config{}
	if err := validate(&cfg); err != nil {
		t.Fatalf("validate() error = %v", err)
	}
	if cfg != DefaultConfig() {
		t.Fatalf("validate(zero Config) = %+v, want defaults %+v", cfg, DefaultConfig())
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := newConfigPathForSaveTest(t, "config.yaml")
	cfg := DefaultConfig()
	cfg.BufferMaxSize = 1 << 21
	cfg.BufferKeepSize = 1 << 20
	cfg.ShellCacheTTL = 20 * time.Second
	cfg.CleanupInterval = 45 * time.Second
	cfg.AutoCleanup = false
	cfg.WebSocketPort = 8765

	if _, err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded != cfg {
		t.Fatalf("loaded = %+v, want %+v", loaded, cfg)
	}
}

func TestSaveRejectsEmptyPath(t *testing.T) {
	if _, err := Save("", DefaultConfig()); err == nil {
		t.Fatal("Save() expected empty path error")
	}
}

func TestSaveRejectsPathOutsideDefaultConfigDirectory(t *testing.T) {
	_ = newConfigPathForSaveTest(t, "config.yaml")
	outsidePath := filepath.Join(t.TempDir(), "outside-config.yaml")
	if _, err := Save(outsidePath, DefaultConfig()); err == nil {
		t.Fatal("Save() expected path validation error")
	}
}

func TestSaveRenameFailureRemovesTempFile(t *testing.T) {
	path := newConfigPathForSaveTest(t, "config.yaml")
	if err := os.MkdirAll(path, 0o700); err != nil {
		t.Fatalf("mkdir path as directory: %v", err)
	}
	if _, err := Save(path, DefaultConfig()); err == nil {
		t.Fatal("Save() expected rename failure")
	}
	pattern := filepath.Join(filepath.Dir(path), ".config.yaml.tmp.*")
	tempFiles, globErr := filepath.Glob(pattern)
	if globErr != nil {
		t.Fatalf("glob temp files: %v", globErr)
	}
	if len(tempFiles) != 0 {
		t.Fatalf("temporary files were not cleaned up: %v", tempFiles)
	}
}

func TestEnsureFileWritesDefaultsWhenMissing(t *testing.T) {
	path := newConfigPathForSaveTest(t, "config.yaml")
	cfg, err := EnsureFile(path)
	if err != nil {
		t.Fatalf("EnsureFile() error = %v", err)
	}
	if cfg != DefaultConfig() {
		t.Fatalf("EnsureFile() = %+v, want defaults", cfg)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("expected config file to be written: %v", statErr)
	}
}

func TestEnsureFileLeavesExistingFileUntouched(t *testing.T) {
	path := newConfigPathForSaveTest(t, "config.yaml")
	cfg := DefaultConfig()
	cfg.WebSocketPort = 5555
	if _, err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := EnsureFile(path)
	if err != nil {
		t.Fatalf("EnsureFile() error = %v", err)
	}
	if got.WebSocketPort != 5555 {
		t.Fatalf("EnsureFile() = %+v, want WebSocketPort 5555 preserved", got)
	}
}

func TestReadLimitedFileRejectsTooLargeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "large-config.yaml")
	oversized := make([]byte, maxConfigFileBytes+1)
	for i := range oversized {
		oversized[i] = 'a'
	}
	if err := os.WriteFile(path, oversized, 0o600); err != nil {
		t.Fatalf("write oversized config: %v", err)
	}
	if _, err := readLimitedFile(path, maxConfigFileBytes); err == nil {
		t.Fatal("readLimitedFile() expected size limit error")
	}
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	path := newConfigPathForSaveTest(t, "config.yaml")
	cfg := DefaultConfig()
	if _, err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reloaded := make(chan Config, 1)
	stop, err := Watch(path, func(c Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer stop()

	updated := cfg
	updated.WebSocketPort = 4321
	if _, err := Save(path, updated); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	select {
	case got := <-reloaded:
		if got.WebSocketPort != 4321 {
			t.Errorf("reloaded WebSocketPort = %d, want 4321", got.WebSocketPort)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch reload callback")
	}
}

func TestWatchStopIsIdempotent(t *testing.T) {
	path := newConfigPathForSaveTest(t, "config.yaml")
	if _, err := Save(path, DefaultConfig()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	stop, err := Watch(path, func(Config) {})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	stop()
	stop()
}

func TestConfigStructFieldCount(t *testing.T) {
	if got := reflect.TypeFor[Config]().NumField(); got != 6 {
		t.Fatalf("Config field count = %d, want 6; update tests for new fields", got)
	}
}
