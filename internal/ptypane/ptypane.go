// Package ptypane wraps a single pseudo-terminal-backed child process: the
// PTY Pane component. It owns the OS process, exposes Write/Resize/Reader,
// and reports whether the underlying process has exited.
package ptypane

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/creack/pty"

	"github.com/opencodex/termcore/internal/procutil"
)

// Size is a PTY window size in character cells.
type Size struct {
	Rows int
	Cols int
}

// DefaultSize is the size new panes start with absent an explicit request.
var DefaultSize = Size{Rows: 24, Cols: 80}

// ShellConfig describes how to launch the pane's child process.
type ShellConfig struct {
	Program string
	Args    []string
	Dir     string
	Env     []string
	Size    Size
}

// ErrPaneDead is returned by operations on a pane whose process has exited.
var ErrPaneDead = errors.New("ptypane: pane is dead")

// Pane is a single PTY-backed process.
type Pane struct {
	id   uint32
	cmd  *exec.Cmd
	ptmx *os.File

	mu   sync.RWMutex
	dead atomic.Bool

	size Size
}

// New spawns a child process attached to a new PTY and returns the pane
// wrapping it. On platforms without PTY support (or when creack/pty reports
// ErrUnsupported) it is the caller's responsibility to fall back to a
// pipe-backed implementation; this package only targets PTY-capable hosts.
func New(id uint32, cfg ShellConfig) (*Pane, error) {
	if cfg.Program == "" {
		return nil, errors.New("ptypane: program is required")
	}
	size := cfg.Size
	if size.Rows <= 0 || size.Cols <= 0 {
		size = DefaultSize
	}

	cmd := exec.Command(cfg.Program, cfg.Args...)
	cmd.Dir = cfg.Dir
	env := cfg.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	env = append(append([]string{}, env...),
		"TERM=xterm-256color", "COLORTERM=truecolor",
		"LANG=en_US.UTF-8", "LC_ALL=en_US.UTF-8", "LC_CTYPE=en_US.UTF-8")
	if integrationEnv, ok := IntegrationEnv(cfg.Program); ok {
		env = append(append([]string{}, env...), integrationEnv...)
	}
	cmd.Env = env
	procutil.HideWindow(cmd)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(size.Rows),
		Cols: uint16(size.Cols),
	})
	if err != nil {
		return nil, fmt.Errorf("ptypane: start: %w", err)
	}

	p := &Pane{
		id:   id,
		cmd:  cmd,
		ptmx: ptmx,
		size: size,
	}

	go p.waitForExit()

	return p, nil
}

// ID returns the pane's identifier.
func (p *Pane) ID() uint32 { return p.id }

// PID returns the child process id, or 0 if unavailable.
func (p *Pane) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// IsDead reports whether the pane's process has exited.
func (p *Pane) IsDead() bool { return p.dead.Load() }

// waitForExit blocks until the child process exits and marks the pane dead.
// Started as its own goroutine by New so callers never have to poll.
func (p *Pane) waitForExit() {
	_ = p.cmd.Wait()
	p.dead.Store(true)
	slog.Info("[ptypane] pane process exited", "pane", p.id, "pid", p.PID())
}

// Reader returns the pane's PTY master for reading output. The reader is
// shared across calls: callers should read from it on a single goroutine
// (see internal/iohandler).
func (p *Pane) Reader() io.Reader {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ptmx
}

// Write sends input bytes to the pane's PTY.
func (p *Pane) Write(data []byte) (int, error) {
	if p.IsDead() {
		return 0, ErrPaneDead
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, err := p.ptmx.Write(data)
	if err != nil {
		slog.Warn("[ptypane] write failed", "pane", p.id, "error", err)
	}
	return n, err
}

// Resize updates the PTY window size.
func (p *Pane) Resize(size Size) error {
	if size.Rows <= 0 || size.Cols <= 0 {
		return errors.New("ptypane: invalid size")
	}
	if p.IsDead() {
		return ErrPaneDead
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Rows: uint16(size.Rows), Cols: uint16(size.Cols)}); err != nil {
		return fmt.Errorf("ptypane: resize: %w", err)
	}
	p.size = size
	return nil
}

// Size returns the pane's current window size.
func (p *Pane) Size() Size {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.size
}

// Close terminates the pane's process and releases its PTY master.
func (p *Pane) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	if p.cmd != nil && p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			firstErr = err
		}
	}
	if err := p.ptmx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
