// Package mux implements the Terminal Mux: the pane registry, the single
// dispatcher goroutine that fans pane notifications out to subscribers, and
// the write/resize/remove operations that act on panes under lock.
//
// Lock ordering: Mux.mu guards the pane map; Mux.subsMu guards the
// subscriber map and its registration order. Pane pointers
// are extracted from the map while holding an RLock and then used outside
// the lock for I/O — the same "extract under lock, act outside lock"
// invariant the teacher's tmux session manager documents for its own pane
// writes, since a pane's own operations (Write, Resize) are independently
// synchronized and must never be called while holding Mux.mu.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencodex/termcore/internal/iohandler"
	"github.com/opencodex/termcore/internal/ptypane"
	"github.com/opencodex/termcore/internal/scrollback"
	"github.com/opencodex/termcore/internal/shellintegration"
	"github.com/opencodex/termcore/internal/workerutil"
)

// PaneID identifies a pane within the mux.
type PaneID = uint32

// NotificationKind distinguishes the kinds of events the mux dispatches.
type NotificationKind int

const (
	NotificationPaneOutput NotificationKind = iota
	NotificationPaneExited
	NotificationPaneAdded
	NotificationPaneRemoved
	NotificationPaneResized
)

// Notification is one event dispatched to mux subscribers.
type Notification struct {
	Kind     NotificationKind
	PaneID   PaneID
	Data     []byte
	ExitCode *int
	Size     ptypane.Size
}

var (
	// ErrPaneNotFound is returned when an operation references an unknown pane id.
	ErrPaneNotFound = errors.New("mux: pane not found")
)

// notificationQueueSize sizes the dispatcher's inbound channel; 4096 mirrors
// the buffered channel the teacher uses for its own pane-output feed.
const notificationQueueSize = 4096

// Mux owns the set of active panes and dispatches their output and
// lifecycle notifications to subscribers.
type Mux struct {
	mu    sync.RWMutex
	panes map[PaneID]*ptypane.Pane
	nextID atomic.Uint32

	subsMu   sync.Mutex
	subs     map[int]chan Notification
	subOrder []int
	nextSub  int

	notifyCh chan Notification
	shutdown chan struct{}
	wg       sync.WaitGroup

	io         *iohandler.Handler
	shellIntg  *shellintegration.Manager
	scrollback *scrollback.Buffer

	bufferMaxSize  int
	bufferKeepSize int
}

// Config configures buffer-eviction thresholds; see internal/config for the
// env-var-overridable defaults.
type Config struct {
	BufferMaxSize  int
	BufferKeepSize int
}

// New constructs a Mux and starts its dispatcher goroutine.
func New(cfg Config, shellIntg *shellintegration.Manager) *Mux {
	if cfg.BufferMaxSize <= 0 {
		cfg.BufferMaxSize = 1 << 20
	}
	if cfg.BufferKeepSize <= 0 || cfg.BufferKeepSize > cfg.BufferMaxSize {
		cfg.BufferKeepSize = cfg.BufferMaxSize / 2
	}

	m := &Mux{
		panes:          make(map[PaneID]*ptypane.Pane),
		subs:           make(map[int]chan Notification),
		notifyCh:       make(chan Notification, notificationQueueSize),
		shutdown:       make(chan struct{}),
		shellIntg:      shellIntg,
		scrollback:     scrollback.Global(),
		bufferMaxSize:  cfg.BufferMaxSize,
		bufferKeepSize: cfg.BufferKeepSize,
	}
	m.io = iohandler.New(shellIntg, m.onPaneOutput, m.onPaneExit)

	opts := workerutil.RecoveryOptions{
		IsShutdown: func() bool {
			select {
			case <-m.shutdown:
				return true
			default:
				return false
			}
		},
	}
	workerutil.RunWithPanicRecovery(context.Background(), "mux.dispatcher", &m.wg, func(_ context.Context) {
		m.dispatchLoop()
	}, opts)

	return m
}

// CreatePane spawns a new pane and registers it for I/O dispatch.
func (m *Mux) CreatePane(cfg ptypane.ShellConfig) (PaneID, error) {
	id := m.nextID.Add(1)
	pane, err := ptypane.New(id, cfg)
	if err != nil {
		return 0, fmt.Errorf("mux: create pane: %w", err)
	}

	if m.shellIntg != nil {
		shellType := toShellIntegrationType(ptypane.DetectShellKind(cfg.Program))
		m.shellIntg.RegisterPane(id, shellType)
	}

	m.mu.Lock()
	m.panes[id] = pane
	m.mu.Unlock()

	m.io.Spawn(id, pane)
	slog.Info("[mux] pane created", "pane", id, "pid", pane.PID())

	select {
	case m.notifyCh <- Notification{Kind: NotificationPaneAdded, PaneID: id}:
	default:
		slog.Warn("[mux] notification queue full, dropping pane added", "pane", id)
	}
	return id, nil
}

func toShellIntegrationType(kind ptypane.ShellKind) shellintegration.ShellType {
	switch kind {
	case ptypane.ShellBash:
		return shellintegration.ShellBash
	case ptypane.ShellZsh:
		return shellintegration.ShellZsh
	case ptypane.ShellFish:
		return shellintegration.ShellFish
	default:
		return shellintegration.ShellUnknown
	}
}

// paneFor extracts the pane pointer under a read lock. Callers must not
// hold Mux.mu while operating on the returned pane.
func (m *Mux) paneFor(id PaneID) (*ptypane.Pane, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.panes[id]
	return p, ok
}

// WritePane writes data to pane id.
func (m *Mux) WritePane(id PaneID, data []byte) error {
	pane, ok := m.paneFor(id)
	if !ok {
		return ErrPaneNotFound
	}
	_, err := pane.Write(data)
	return err
}

// ResizePane resizes pane id.
func (m *Mux) ResizePane(id PaneID, size ptypane.Size) error {
	pane, ok := m.paneFor(id)
	if !ok {
		return ErrPaneNotFound
	}
	if err := pane.Resize(size); err != nil {
		return err
	}
	select {
	case m.notifyCh <- Notification{Kind: NotificationPaneResized, PaneID: id, Size: size}:
	default:
		slog.Warn("[mux] notification queue full, dropping pane resized", "pane", id)
	}
	return nil
}

// RemovePane stops the pane's reader, closes its process, and releases its
// tracked state. It is safe to call more than once.
func (m *Mux) RemovePane(id PaneID) error {
	m.mu.Lock()
	pane, ok := m.panes[id]
	if ok {
		delete(m.panes, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrPaneNotFound
	}

	m.io.Stop(id)
	if m.shellIntg != nil {
		m.shellIntg.RemovePane(id)
	}
	m.scrollback.Remove(scrollback.PaneID(id))

	select {
	case m.notifyCh <- Notification{Kind: NotificationPaneRemoved, PaneID: id}:
	default:
		slog.Warn("[mux] notification queue full, dropping pane removed", "pane", id)
	}
	return pane.Close()
}

// HasPane reports whether id is currently registered.
func (m *Mux) HasPane(id PaneID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.panes[id]
	return ok
}

// IsPaneDead reports whether pane id's underlying process has exited.
// Unknown ids are reported dead so a caller sweeping ListPanes never stalls
// on a pane removed between the two calls.
func (m *Mux) IsPaneDead(id PaneID) bool {
	pane, ok := m.paneFor(id)
	if !ok {
		return true
	}
	return pane.IsDead()
}

// ListPanes returns the ids of all currently registered panes.
func (m *Mux) ListPanes() []PaneID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]PaneID, 0, len(m.panes))
	for id := range m.panes {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe registers a listener for mux notifications. Notifications are
// delivered to every live subscriber in registration order (spec §4.5).
func (m *Mux) Subscribe() (<-chan Notification, func()) {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Notification, notificationQueueSize)
	m.subs[id] = ch
	m.subOrder = append(m.subOrder, id)
	m.subsMu.Unlock()

	return ch, func() {
		m.subsMu.Lock()
		if existing, ok := m.subs[id]; ok {
			delete(m.subs, id)
			for i, sid := range m.subOrder {
				if sid == id {
					m.subOrder = append(m.subOrder[:i], m.subOrder[i+1:]...)
					break
				}
			}
			close(existing)
		}
		m.subsMu.Unlock()
	}
}

func (m *Mux) onPaneOutput(paneID uint32, text []byte) {
	m.scrollback.Append(scrollback.PaneID(paneID), text, m.bufferMaxSize, m.bufferKeepSize)
	select {
	case m.notifyCh <- Notification{Kind: NotificationPaneOutput, PaneID: paneID, Data: text}:
	default:
		slog.Warn("[mux] notification queue full, dropping pane output", "pane", paneID)
	}
}

func (m *Mux) onPaneExit(paneID uint32) {
	select {
	case m.notifyCh <- Notification{Kind: NotificationPaneExited, PaneID: paneID}:
	default:
		slog.Warn("[mux] notification queue full, dropping pane exit", "pane", paneID)
	}
}

// dispatchLoop is the mux's single dispatcher goroutine: it drains
// notifyCh and fans each notification out to every current subscriber,
// recovering from a panicking subscriber without tearing down dispatch for
// the rest.
func (m *Mux) dispatchLoop() {
	for {
		select {
		case <-m.shutdown:
			return
		case n := <-m.notifyCh:
			m.dispatchOne(n)
		}
	}
}

func (m *Mux) dispatchOne(n Notification) {
	m.subsMu.Lock()
	targets := make([]chan Notification, 0, len(m.subOrder))
	for _, id := range m.subOrder {
		if ch, ok := m.subs[id]; ok {
			targets = append(targets, ch)
		}
	}
	m.subsMu.Unlock()

	for _, ch := range targets {
		m.sendSafely(ch, n)
	}
}

func (m *Mux) sendSafely(ch chan Notification, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[mux] subscriber panicked during dispatch, dropping it", "panic", r)
		}
	}()
	select {
	case ch <- n:
	default:
		slog.Warn("[mux] subscriber channel full, dropping notification")
	}
}

// Shutdown stops the dispatcher and waits, with a budget, for in-flight
// pane reader goroutines to exit.
func (m *Mux) Shutdown(budget time.Duration) {
	close(m.shutdown)

	m.mu.RLock()
	ids := make([]PaneID, 0, len(m.panes))
	for id := range m.panes {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.RemovePane(id)
	}

	done := make(chan struct{})
	go func() {
		m.io.Wait()
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(budget):
		slog.Warn("[mux] shutdown budget exceeded, proceeding anyway")
	}
}
