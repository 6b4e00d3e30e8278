// Package agentterminal implements the Agent Terminal Manager: it exposes a
// pane as a logical "agent terminal" keyed by a caller-supplied session id,
// serializes command submission into the underlying pane, and reports
// completion by observing the shell-integration event stream.
//
// Lock ordering: Manager.mu guards the terminal table and its two secondary
// indices (by pane id, by session id) plus the per-session pending-completed
// queue. Never call a subscriber callback (event emission, waiter wakeup)
// while holding mu; copy what is needed and act after unlocking, matching
// the discipline documented on internal/mux.Mux and
// internal/shellintegration.Manager.
package agentterminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencodex/termcore/internal/completionsink"
	"github.com/opencodex/termcore/internal/mux"
	"github.com/opencodex/termcore/internal/ptypane"
	"github.com/opencodex/termcore/internal/shellintegration"
	"github.com/opencodex/termcore/internal/workerutil"
)

// ExecMode distinguishes how a terminal's completion is surfaced to callers.
type ExecMode int

const (
	ModeForeground ExecMode = iota
	ModeBackground
)

// Status is an agent terminal's lifecycle state.
type Status int

const (
	StatusInitializing Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusAborted
)

// IsTerminal reports whether status is one from which no further transition
// is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

var (
	// ErrBusy is returned by CreateTerminal when the session's terminal is
	// already Running.
	ErrBusy = errors.New("agentterminal: terminal is busy")
	// ErrNotFound is returned when a terminal id is unknown.
	ErrNotFound = errors.New("agentterminal: terminal not found")
	// ErrTimeout is returned by WaitForCompletion when the caller-supplied
	// timeout elapses before the terminal reaches a terminal status.
	ErrTimeout = errors.New("agentterminal: wait for completion timed out")
)

// AgentTerminal is a point-in-time snapshot of a logical terminal.
type AgentTerminal struct {
	ID          string
	SessionID   string
	PaneID      mux.PaneID
	Command     string
	Mode        ExecMode
	Status      Status
	Error       string
	ExitCode    *int
	Label       string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// EventKind distinguishes the agent-terminal lifecycle events emitted on
// every state transition.
type EventKind int

const (
	EventCreated EventKind = iota
	EventUpdated
	EventCompleted
	EventRemoved
)

// Event is broadcast on every agent-terminal lifecycle transition.
type Event struct {
	Kind     EventKind
	Terminal AgentTerminal
}

type terminalEntry struct {
	terminal AgentTerminal
	notify   chan struct{} // closed and replaced on every transition, wakes waiters
}

// Manager owns the agent-terminal table and its indices.
type Manager struct {
	mux          *mux.Mux
	shellIntg    *shellintegration.Manager
	analyzer     *completionsink.OutputAnalyzer
	shellProgram string
	shellArgs    []string

	mu          sync.Mutex
	byID        map[string]*terminalEntry
	byPane      map[mux.PaneID]string
	bySession   map[string]string
	pendingDone map[string][]string // sessionID -> terminal ids completed, undrained

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures a Manager.
type Options struct {
	// ShellProgram/ShellArgs launch a new pane's shell when an agent
	// terminal needs one; defaults to the platform's login shell.
	ShellProgram string
	ShellArgs    []string
}

// NewManager constructs an agent terminal manager and starts its
// shell-event completion loop.
func NewManager(m *mux.Mux, shellIntg *shellintegration.Manager, analyzer *completionsink.OutputAnalyzer, opts Options) *Manager {
	program := opts.ShellProgram
	if program == "" {
		program = defaultShellProgram()
	}
	mgr := &Manager{
		mux:          m,
		shellIntg:    shellIntg,
		analyzer:     analyzer,
		shellProgram: program,
		shellArgs:    opts.ShellArgs,
		byID:         make(map[string]*terminalEntry),
		byPane:       make(map[mux.PaneID]string),
		bySession:    make(map[string]string),
		pendingDone:  make(map[string][]string),
		subs:         make(map[int]chan Event),
	}
	ctx, cancel := context.WithCancel(context.Background())
	mgr.cancel = cancel
	workerutil.RunWithPanicRecovery(ctx, "agentterminal.completionLoop", &mgr.wg, func(ctx context.Context) {
		mgr.completionLoop(ctx)
	}, workerutil.RecoveryOptions{
		IsShutdown: func() bool {
			select {
			case <-ctx.Done():
				return true
			default:
				return false
			}
		},
	})
	return mgr
}

func defaultShellProgram() string {
	return "/bin/bash"
}

// Subscribe registers a listener for agent-terminal lifecycle events.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Event, 256)
	m.subs[id] = ch
	m.subsMu.Unlock()

	return ch, func() {
		m.subsMu.Lock()
		if existing, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(existing)
		}
		m.subsMu.Unlock()
	}
}

func (m *Manager) emit(kind EventKind, t AgentTerminal) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- Event{Kind: kind, Terminal: t}:
		default:
			slog.Warn("[agentterminal] subscriber channel full, dropping event", "terminal", t.ID)
		}
	}
}

// CreateTerminal resolves (reusing or creating) the terminal for session,
// rejects if it is already Running, writes the wire command to its pane,
// and returns the resulting snapshot.
func (m *Manager) CreateTerminal(command string, mode ExecMode, session string, cwd string, label string) (AgentTerminal, error) {
	m.mu.Lock()
	id, existed := m.bySession[session]
	if !existed {
		id = uuid.NewString()
	}
	entry, hasEntry := m.byID[id]
	if hasEntry && entry.terminal.Status == StatusRunning {
		m.mu.Unlock()
		return AgentTerminal{}, ErrBusy
	}
	m.mu.Unlock()

	paneID, err := m.resolvePane(entry, cwd, label)
	if err != nil {
		return AgentTerminal{}, fmt.Errorf("agentterminal: resolve pane: %w", err)
	}

	now := timeNow()
	term := AgentTerminal{
		ID:        id,
		SessionID: session,
		PaneID:    paneID,
		Command:   command,
		Mode:      mode,
		Status:    StatusRunning,
		Label:     label,
		CreatedAt: now,
	}
	if hasEntry {
		term.CreatedAt = entry.terminal.CreatedAt
	}

	m.mu.Lock()
	m.byID[id] = &terminalEntry{terminal: term, notify: make(chan struct{})}
	m.byPane[paneID] = id
	m.bySession[session] = id
	m.mu.Unlock()

	wire := buildWireCommand(command, cwd)
	if werr := m.mux.WritePane(paneID, []byte(wire)); werr != nil {
		failed := m.transition(id, func(t *AgentTerminal) {
			t.Status = StatusFailed
			t.Error = werr.Error()
			t.CompletedAt = timeNow()
		})
		m.enqueuePending(session, id)
		m.emit(EventUpdated, failed)
		m.emit(EventCompleted, failed)
		return AgentTerminal{}, fmt.Errorf("agentterminal: write command: %w", werr)
	}

	if existed {
		m.emit(EventUpdated, term)
	} else {
		m.emit(EventCreated, term)
	}
	return term, nil
}

// resolvePane reuses prior's pane if it still exists in the mux, otherwise
// creates a fresh one for the agent shell.
func (m *Manager) resolvePane(prior *terminalEntry, cwd, label string) (mux.PaneID, error) {
	if prior != nil && m.mux.HasPane(prior.terminal.PaneID) {
		return prior.terminal.PaneID, nil
	}
	cfg := ptypane.ShellConfig{
		Program: m.shellProgram,
		Args:    m.shellArgs,
		Dir:     cwd,
	}
	return m.mux.CreatePane(cfg)
}

// buildWireCommand composes the text written to the pane: an optional
// `cd '<cwd>' && ` prefix (POSIX single-quote escaped) followed by command
// and a trailing newline.
func buildWireCommand(command, cwd string) string {
	var b strings.Builder
	if cwd != "" {
		b.WriteString("cd ")
		b.WriteString(shellQuote(cwd))
		b.WriteString(" && ")
	}
	b.WriteString(command)
	b.WriteByte('\n')
	return b.String()
}

// shellQuote wraps s in single quotes, escaping any embedded single quote as
// '\'' (close quote, escaped quote, reopen quote) — the standard POSIX
// idiom.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// transition applies mutate to the terminal under lock and returns the
// resulting snapshot; it is a no-op returning the zero value if id is
// unknown.
func (m *Manager) transition(id string, mutate func(*AgentTerminal)) AgentTerminal {
	m.mu.Lock()
	entry, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return AgentTerminal{}
	}
	mutate(&entry.terminal)
	done := entry.notify
	entry.notify = make(chan struct{})
	result := entry.terminal
	m.mu.Unlock()
	close(done)
	return result
}

func (m *Manager) enqueuePending(session, id string) {
	m.mu.Lock()
	m.pendingDone[session] = append(m.pendingDone[session], id)
	m.mu.Unlock()
}

// completionLoop subscribes to shell-integration events for the lifetime of
// the manager and advances any agent terminal whose pane reports a finished
// command.
func (m *Manager) completionLoop(ctx context.Context) {
	events, unsubscribe := m.shellIntg.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == shellintegration.EventCommandFinished && ev.Command != nil {
				m.handleShellEvent(ev.PaneID, *ev.Command)
			}
		}
	}
}

func (m *Manager) handleShellEvent(paneID uint32, cmd shellintegration.CommandInfo) {
	if m.analyzer != nil {
		// Ensure last-command output is recorded before waiters are woken,
		// so a waiter that wakes up and immediately queries last output
		// always observes this command's.
		m.analyzer.OnShellCommandEvent(paneID, cmd)
	}

	m.mu.Lock()
	id, ok := m.byPane[paneID]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry := m.byID[id]
	if entry == nil || entry.terminal.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	result := m.transition(id, func(t *AgentTerminal) {
		t.Status = StatusCompleted
		t.ExitCode = cmd.ExitCode
		t.CompletedAt = timeNow()
	})
	if result.ID == "" {
		return
	}
	if result.Mode == ModeBackground {
		m.enqueuePending(result.SessionID, id)
	}
	m.emit(EventUpdated, result)
	m.emit(EventCompleted, result)
}

// WaitForCompletion blocks until id reaches a terminal status or timeout
// elapses, returning the final status (or ErrTimeout/ErrNotFound).
func (m *Manager) WaitForCompletion(id string, timeout time.Duration) (AgentTerminal, error) {
	deadline := time.After(timeout)
	for {
		m.mu.Lock()
		entry, ok := m.byID[id]
		if !ok {
			m.mu.Unlock()
			return AgentTerminal{}, ErrNotFound
		}
		if entry.terminal.Status.IsTerminal() {
			result := entry.terminal
			m.mu.Unlock()
			return result, nil
		}
		wake := entry.notify
		m.mu.Unlock()

		select {
		case <-wake:
			continue
		case <-deadline:
			return AgentTerminal{}, ErrTimeout
		}
	}
}

// AbortTerminal sends SIGINT's terminal convention (^C) to a non-terminal
// terminal's pane and transitions it to Aborted.
func (m *Manager) AbortTerminal(id string) (AgentTerminal, error) {
	m.mu.Lock()
	entry, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return AgentTerminal{}, ErrNotFound
	}
	if entry.terminal.Status.IsTerminal() {
		result := entry.terminal
		m.mu.Unlock()
		return result, nil
	}
	paneID := entry.terminal.PaneID
	m.mu.Unlock()

	_ = m.mux.WritePane(paneID, []byte{0x03})

	result := m.transition(id, func(t *AgentTerminal) {
		t.Status = StatusAborted
		t.CompletedAt = timeNow()
	})
	if result.ID == "" {
		return AgentTerminal{}, ErrNotFound
	}
	m.enqueuePending(result.SessionID, id)
	m.emit(EventUpdated, result)
	m.emit(EventCompleted, result)
	return result, nil
}

// RemoveTerminal removes the pane from the mux and discards all tracked
// state for id.
func (m *Manager) RemoveTerminal(id string) error {
	m.mu.Lock()
	entry, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.byID, id)
	delete(m.byPane, entry.terminal.PaneID)
	if m.bySession[entry.terminal.SessionID] == id {
		delete(m.bySession, entry.terminal.SessionID)
	}
	m.mu.Unlock()

	err := m.mux.RemovePane(entry.terminal.PaneID)
	m.emit(EventRemoved, AgentTerminal{ID: id})
	if err != nil && !errors.Is(err, mux.ErrPaneNotFound) {
		return err
	}
	return nil
}

// DrainCompletedNotifications atomically takes and clears the pending
// completed-terminal queue for session.
func (m *Manager) DrainCompletedNotifications(session string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.pendingDone[session]
	delete(m.pendingDone, session)
	return ids
}

// Get returns a snapshot of terminal id.
func (m *Manager) Get(id string) (AgentTerminal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byID[id]
	if !ok {
		return AgentTerminal{}, false
	}
	return entry.terminal, true
}

// BuildPromptOverlay renders a markdown fragment listing session's
// currently-running background terminals and completed-but-undrained
// terminals, or "none" when both are empty.
func (m *Manager) BuildPromptOverlay(session string) string {
	m.mu.Lock()
	var running []AgentTerminal
	for _, entry := range m.byID {
		if entry.terminal.SessionID == session && entry.terminal.Mode == ModeBackground && entry.terminal.Status == StatusRunning {
			running = append(running, entry.terminal)
		}
	}
	var completed []AgentTerminal
	for _, id := range m.pendingDone[session] {
		if entry, ok := m.byID[id]; ok {
			completed = append(completed, entry.terminal)
		}
	}
	m.mu.Unlock()

	if len(running) == 0 && len(completed) == 0 {
		return "none"
	}

	var b strings.Builder
	if len(running) > 0 {
		b.WriteString("## Running background terminals\n")
		for _, t := range running {
			fmt.Fprintf(&b, "- `%s`: %s\n", t.ID, t.Command)
		}
	}
	if len(completed) > 0 {
		b.WriteString("## Completed background terminals\n")
		for _, t := range completed {
			exit := "?"
			if t.ExitCode != nil {
				exit = fmt.Sprintf("%d", *t.ExitCode)
			}
			fmt.Fprintf(&b, "- `%s`: %s (exit %s)\n", t.ID, t.Command, exit)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Shutdown stops the completion loop and waits for it to exit.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

var timeNow = time.Now
