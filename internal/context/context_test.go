package context

import (
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/opencodex/termcore/internal/mux"
	"github.com/opencodex/termcore/internal/ptypane"
	"github.com/opencodex/termcore/internal/shellintegration"
)

func skipIfNoPTY(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("PTY-backed pane tests require a Unix PTY")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func TestRegistrySetActiveIdempotentAndNotify(t *testing.T) {
	r := NewRegistry()
	changes, unsub := r.Subscribe()
	defer unsub()

	r.SetActive(1, 42)
	select {
	case ev := <-changes:
		if ev.WindowID != 1 || ev.PaneID != 42 {
			t.Fatalf("unexpected change %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first SetActive notification")
	}

	// A duplicate write is a no-op: no second notification arrives.
	r.SetActive(1, 42)
	select {
	case ev := <-changes:
		t.Fatalf("did not expect a duplicate notification, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	if pane, ok := r.ActivePane(1); !ok || pane != 42 {
		t.Fatalf("ActivePane = %v, %v", pane, ok)
	}
	if !r.IsPaneActive(42) {
		t.Error("expected pane 42 to be active")
	}
	if r.IsPaneActive(7) {
		t.Error("did not expect pane 7 to be active")
	}
}

func TestGetContextWithFallbackDefaultsWhenNothingCached(t *testing.T) {
	shellIntg := shellintegration.New()
	m := mux.New(mux.Config{}, shellIntg)
	defer m.Shutdown(time.Second)
	registry := NewRegistry()
	svc := NewService(m, shellIntg, registry)
	defer svc.Shutdown()

	got := svc.GetContextWithFallback(1, 0, false)
	want := DefaultContext()
	if got.CWD != want.CWD || got.ShellType != want.ShellType {
		t.Fatalf("got %+v, want default %+v", got, want)
	}
}

func TestQueryContextByPaneNotFound(t *testing.T) {
	shellIntg := shellintegration.New()
	m := mux.New(mux.Config{}, shellIntg)
	defer m.Shutdown(time.Second)
	registry := NewRegistry()
	svc := NewService(m, shellIntg, registry)
	defer svc.Shutdown()

	_, err := svc.QueryContextByPane(999)
	if err != ErrPaneNotFound {
		t.Fatalf("got err %v, want ErrPaneNotFound", err)
	}
}

func TestQueryActiveContextNoActivePane(t *testing.T) {
	shellIntg := shellintegration.New()
	m := mux.New(mux.Config{}, shellIntg)
	defer m.Shutdown(time.Second)
	registry := NewRegistry()
	svc := NewService(m, shellIntg, registry)
	defer svc.Shutdown()

	_, err := svc.QueryActiveContext(1)
	if err != ErrNoActivePane {
		t.Fatalf("got err %v, want ErrNoActivePane", err)
	}
}

func TestGetContextByPaneReflectsShellStateAndInvalidates(t *testing.T) {
	skipIfNoPTY(t)

	shellIntg := shellintegration.New()
	m := mux.New(mux.Config{}, shellIntg)
	defer m.Shutdown(2 * time.Second)
	registry := NewRegistry()
	svc := NewService(m, shellIntg, registry)
	defer svc.Shutdown()

	id, err := m.CreatePane(ptypane.ShellConfig{Program: "/bin/sh", Args: []string{"-c", "cat"}})
	if err != nil {
		t.Fatalf("CreatePane: %v", err)
	}
	registry.SetActive(1, id)

	ctx := svc.GetContextByPane(id)
	if !ctx.Active {
		t.Error("expected context to report the pane as active")
	}

	shellIntg.ProcessOutput(id, []byte("\x1b]7;file://host/tmp/work\x07"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		ctx := svc.GetContextByPane(id)
		if ctx.CWD == "/tmp/work" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache never reflected cwd change, last cwd=%q", ctx.CWD)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConvertHistoryCapsAtSnapshotLimit(t *testing.T) {
	history := make([]shellintegration.CommandInfo, historySnapshotLimit+20)
	for i := range history {
		history[i] = shellintegration.CommandInfo{CommandLine: "echo hi"}
	}
	got := convertHistory(history)
	if len(got) != historySnapshotLimit {
		t.Fatalf("got %d entries, want %d", len(got), historySnapshotLimit)
	}
}

func TestConvertHistoryEmpty(t *testing.T) {
	if got := convertHistory(nil); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestComputeAdaptiveTTLAlwaysClamped(t *testing.T) {
	svc := &Service{}
	cases := []struct {
		idle     time.Duration
		hitCount int
		active   bool
	}{
		{0, 0, false},
		{5 * time.Second, 0, false},
		{5 * time.Second, 20, false},
		{200 * time.Second, 0, false},
		{200 * time.Second, 50, false},
		{30 * time.Second, 8, false},
		{0, 0, true},
		{30 * time.Second, 20, true},
	}
	for _, c := range cases {
		ttl := svc.computeAdaptiveTTL(c.idle, c.hitCount, c.active)
		if ttl < minCacheTTL || ttl > maxCacheTTL {
			t.Errorf("idle=%v hits=%d active=%v: ttl=%v out of [%v,%v]", c.idle, c.hitCount, c.active, ttl, minCacheTTL, maxCacheTTL)
		}
	}
}

func TestComputeAdaptiveTTLIdleFloor(t *testing.T) {
	svc := &Service{}
	if ttl := svc.computeAdaptiveTTL(200*time.Second, 0, false); ttl != minCacheTTL {
		t.Fatalf("got %v, want floor %v", ttl, minCacheTTL)
	}
}

func TestComputeAdaptiveTTLActiveBase(t *testing.T) {
	svc := &Service{}
	if ttl := svc.computeAdaptiveTTL(30*time.Second, 0, true); ttl != maxCacheTTL {
		t.Fatalf("got %v, want active base %v", ttl, maxCacheTTL)
	}
}

func TestComputeAdaptiveTTLHitCountOverridesRatherThanCompounds(t *testing.T) {
	svc := &Service{}
	// idle in [10s, 120s] so neither idle branch fires; base stays baseCacheTTL.
	got := svc.computeAdaptiveTTL(30*time.Second, 20, false)
	want := baseCacheTTL * 2
	if got != want {
		t.Fatalf("got %v, want %v (hits>12 should override the x1.5 factor, not compound it)", got, want)
	}
}

func TestCacheStatsTracksHitsMissesAndEvictions(t *testing.T) {
	skipIfNoPTY(t)

	shellIntg := shellintegration.New()
	m := mux.New(mux.Config{}, shellIntg)
	defer m.Shutdown(time.Second)
	registry := NewRegistry()
	svc := NewService(m, shellIntg, registry)
	defer svc.Shutdown()

	id, err := m.CreatePane(ptypane.ShellConfig{Program: "/bin/sh", Args: []string{"-c", "cat"}})
	if err != nil {
		t.Fatalf("CreatePane: %v", err)
	}

	svc.GetContextByPane(id) // miss
	svc.GetContextByPane(id) // hit

	stats := svc.Stats()
	if stats.MissCount != 1 || stats.HitCount != 1 {
		t.Fatalf("got %+v", stats)
	}

	svc.InvalidateCacheEntry(id)
	stats = svc.Stats()
	if stats.EvictionCount != 1 {
		t.Fatalf("got %+v, want one eviction", stats)
	}
}
