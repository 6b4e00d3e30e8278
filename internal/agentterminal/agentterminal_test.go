package agentterminal

import (
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/opencodex/termcore/internal/completionsink"
	"github.com/opencodex/termcore/internal/mux"
	"github.com/opencodex/termcore/internal/scrollback"
	"github.com/opencodex/termcore/internal/shellintegration"
)

func newTestManager(t *testing.T) (*Manager, *mux.Mux) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("PTY-backed agent terminal tests require a Unix PTY")
	}
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("/bin/bash not available")
	}
	shellIntg := shellintegration.New()
	m := mux.New(mux.Config{}, shellIntg)
	analyzer := completionsink.NewOutputAnalyzer(scrollback.New())
	mgr := NewManager(m, shellIntg, analyzer, Options{ShellProgram: "/bin/bash"})
	t.Cleanup(func() {
		mgr.Shutdown()
		m.Shutdown(time.Second)
	})
	return mgr, m
}

func TestBuildWireCommand(t *testing.T) {
	got := buildWireCommand("echo hi", "/tmp/it's a dir")
	want := "cd '/tmp/it'\\''s a dir' && echo hi\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBuildWireCommandNoCwd(t *testing.T) {
	got := buildWireCommand("echo hi", "")
	if got != "echo hi\n" {
		t.Errorf("got %q", got)
	}
}

func TestCreateTerminalBusyRejectsConcurrentCommand(t *testing.T) {
	mgr, _ := newTestManager(t)

	first, err := mgr.CreateTerminal("sleep 5", ModeForeground, "session-1", "", "")
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if first.Status != StatusRunning {
		t.Fatalf("expected Running, got %v", first.Status)
	}

	_, err = mgr.CreateTerminal("echo hi", ModeForeground, "session-1", "", "")
	if err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	got, ok := mgr.Get(first.ID)
	if !ok || got.Status != StatusRunning {
		t.Errorf("expected terminal still Running, got %+v", got)
	}
}

func TestCreateTerminalCompletionAndDrain(t *testing.T) {
	mgr, _ := newTestManager(t)

	term, err := mgr.CreateTerminal("true", ModeBackground, "session-2", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	final, err := mgr.WaitForCompletion(term.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("expected Completed, got %v", final.Status)
	}

	drained := mgr.DrainCompletedNotifications("session-2")
	if len(drained) != 1 || drained[0] != term.ID {
		t.Fatalf("got drained %v", drained)
	}
	if empty := mgr.DrainCompletedNotifications("session-2"); len(empty) != 0 {
		t.Errorf("expected second drain empty, got %v", empty)
	}
}

func TestWaitForCompletionTimeout(t *testing.T) {
	mgr, _ := newTestManager(t)

	term, err := mgr.CreateTerminal("sleep 30", ModeForeground, "session-3", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = mgr.WaitForCompletion(term.ID, 50*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestBuildPromptOverlayEmpty(t *testing.T) {
	mgr, _ := newTestManager(t)
	if got := mgr.BuildPromptOverlay("nobody"); got != "none" {
		t.Errorf("got %q", got)
	}
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	if got := shellQuote("a'b"); got != `'a'\''b'` {
		t.Errorf("got %q", got)
	}
}
