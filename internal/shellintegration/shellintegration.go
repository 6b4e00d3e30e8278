// Package shellintegration tracks, per pane, the shell-reported command
// lifecycle and working directory derived from OSC 133/7/0-2/1337
// sequences, and broadcasts state transitions to subscribers (the Context
// Service and the Event Handler).
//
// Lock ordering: Manager.mu guards the pane-state map; Manager.subsMu
// guards the subscriber map. Each paneState has its own mutex for its fields. Never hold
// Manager.mu while calling a subscriber callback; always copy what is
// needed and call out after unlocking, matching the "emit outside the lock"
// discipline used elsewhere in this codebase.
package shellintegration

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opencodex/termcore/internal/oscparser"
)

// HistoryLimit bounds the number of completed commands retained per pane.
const HistoryLimit = 128

// ShellType classifies the shell running in a pane.
type ShellType int

const (
	ShellUnknown ShellType = iota
	ShellBash
	ShellZsh
	ShellFish
	ShellPowerShell
	ShellCmd
)

// CommandStatus is the lifecycle state of a tracked command.
type CommandStatus int

const (
	StatusRunning CommandStatus = iota
	StatusFinished
)

// CommandInfo describes one command observed in a pane.
type CommandInfo struct {
	ID               uint64
	CommandLine      string
	WorkingDirectory string
	Status           CommandStatus
	ExitCode         *int
	StartedAt        time.Time
	FinishedAt       time.Time
}

// PaneState is an immutable snapshot of a pane's shell-integration state.
type PaneState struct {
	PaneID       uint32
	ShellType    ShellType
	CWD          string
	WindowTitle  string
	NodeVersion  string
	Integration  bool
	Current      *CommandInfo
	History      []CommandInfo
	LastActivity time.Time
}

// EventKind identifies the category of a ShellEvent.
type EventKind int

const (
	EventCwdChanged EventKind = iota
	EventTitleChanged
	EventCommandStarted
	EventCommandFinished
	EventIntegrationChanged
	EventProperty
	EventNodeVersionChanged
)

// ShellEvent is broadcast whenever a pane's tracked state changes.
type ShellEvent struct {
	PaneID      uint32
	Kind        EventKind
	CWD         string
	WindowTitle string
	NodeVersion string
	Command     *CommandInfo
	Integration bool
	PropertyKey string
	PropertyVal string
}

type paneState struct {
	mu            sync.Mutex
	shellType     ShellType
	cwd           string
	windowTitle   string
	nodeVersion   string
	integration   bool
	current       *CommandInfo
	history       []CommandInfo
	lastActivity  time.Time
	pending       []byte
	nextCommandID uint64
}

func (s *paneState) snapshot(paneID uint32) PaneState {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := make([]CommandInfo, len(s.history))
	copy(hist, s.history)
	var cur *CommandInfo
	if s.current != nil {
		c := *s.current
		cur = &c
	}
	return PaneState{
		PaneID:       paneID,
		ShellType:    s.shellType,
		CWD:          s.cwd,
		WindowTitle:  s.windowTitle,
		NodeVersion:  s.nodeVersion,
		Integration:  s.integration,
		Current:      cur,
		History:      hist,
		LastActivity: s.lastActivity,
	}
}

// Manager tracks shell-integration state for all active panes and fans
// state transitions out to subscribers.
type Manager struct {
	mu       sync.RWMutex
	states   map[uint32]*paneState
	subsMu   sync.Mutex
	subs     map[int]chan ShellEvent
	nextSub  int
	capacity int
}

// New creates a shell-integration manager. Subscriber channels are created
// with a fixed buffer capacity of 1000 (the broadcast channel capacity from
// the design, a reasonable size for desktop-scale pane counts).
func New() *Manager {
	return &Manager{
		states:   make(map[uint32]*paneState),
		subs:     make(map[int]chan ShellEvent),
		capacity: 1000,
	}
}

// RegisterPane begins tracking shellType for paneID, overwriting any prior
// state.
func (m *Manager) RegisterPane(paneID uint32, shellType ShellType) {
	m.mu.Lock()
	m.states[paneID] = &paneState{shellType: shellType}
	m.mu.Unlock()
}

// RemovePane discards all tracked state for paneID.
func (m *Manager) RemovePane(paneID uint32) {
	m.mu.Lock()
	delete(m.states, paneID)
	m.mu.Unlock()
}

// State returns a snapshot of paneID's tracked state.
func (m *Manager) State(paneID uint32) (PaneState, bool) {
	m.mu.RLock()
	s, ok := m.states[paneID]
	m.mu.RUnlock()
	if !ok {
		return PaneState{}, false
	}
	return s.snapshot(paneID), true
}

// Subscribe registers a new listener for shell events and returns it along
// with an unsubscribe function.
func (m *Manager) Subscribe() (<-chan ShellEvent, func()) {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan ShellEvent, m.capacity)
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

func (m *Manager) broadcast(ev ShellEvent) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("[shellintegration] subscriber channel full, dropping event", "subscriber", id, "pane", ev.PaneID)
		}
	}
}

// ProcessOutput parses and applies any OSC sequences found in frame,
// updating the pane's tracked state and broadcasting any resulting events,
// then returns frame with all OSC sequences stripped out. An OSC
// introducer left unterminated at the end of frame is held back in the
// pane's state and prepended to the next frame, so a sequence split across
// two PTY reads is still recognized (spec §4.2/§8). It satisfies
// iohandler.Sink.
func (m *Manager) ProcessOutput(paneID uint32, frame []byte) []byte {
	m.touchActivity(paneID)

	m.mu.RLock()
	s, ok := m.states[paneID]
	m.mu.RUnlock()
	if !ok {
		_, clean := oscparser.Parse(frame)
		return clean
	}

	s.mu.Lock()
	combined := frame
	if len(s.pending) > 0 {
		combined = append(append([]byte(nil), s.pending...), frame...)
	}
	safe, pending := oscparser.SplitPending(combined)
	s.pending = append(s.pending[:0], pending...)
	s.mu.Unlock()

	seqs, clean := oscparser.Parse(safe)
	for _, seq := range seqs {
		m.apply(paneID, seq)
	}
	return clean
}

// touchActivity stamps paneID's last-activity time. Called on every output
// frame, not just ones carrying OSC sequences, so a busy but integration-less
// shell still reports recent activity.
func (m *Manager) touchActivity(paneID uint32) {
	m.mu.RLock()
	s, ok := m.states[paneID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (m *Manager) apply(paneID uint32, seq oscparser.Sequence) {
	m.mu.RLock()
	s, ok := m.states[paneID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	switch seq.Kind {
	case oscparser.KindCWD:
		s.mu.Lock()
		changed := s.cwd != seq.CWD
		s.cwd = seq.CWD
		s.mu.Unlock()
		if changed {
			m.broadcast(ShellEvent{PaneID: paneID, Kind: EventCwdChanged, CWD: seq.CWD})
		}
	case oscparser.KindWindowTitle:
		s.mu.Lock()
		changed := s.windowTitle != seq.WindowTitle.Text
		s.windowTitle = seq.WindowTitle.Text
		s.mu.Unlock()
		if changed {
			m.broadcast(ShellEvent{PaneID: paneID, Kind: EventTitleChanged, WindowTitle: seq.WindowTitle.Text})
		}
	case oscparser.KindNodeVersion:
		s.mu.Lock()
		s.nodeVersion = seq.NodeVersion
		s.mu.Unlock()
		m.broadcast(ShellEvent{PaneID: paneID, Kind: EventNodeVersionChanged, NodeVersion: seq.NodeVersion})
	case oscparser.KindShellIntegration:
		m.applyMarker(paneID, s, seq)
	}
}

func (m *Manager) applyMarker(paneID uint32, s *paneState, seq oscparser.Sequence) {
	switch seq.Marker {
	case oscparser.MarkerPromptStart:
		m.finalizeCurrent(paneID, s, nil)
		s.mu.Lock()
		s.integration = true
		s.mu.Unlock()
		m.broadcast(ShellEvent{PaneID: paneID, Kind: EventIntegrationChanged, Integration: true})

	case oscparser.MarkerCommandStart:
		s.mu.Lock()
		s.nextCommandID++
		s.current = &CommandInfo{
			ID:               s.nextCommandID,
			CommandLine:      strings.TrimSpace(seq.Data),
			WorkingDirectory: s.cwd,
			Status:           StatusRunning,
			StartedAt:        time.Now(),
		}
		s.mu.Unlock()

	case oscparser.MarkerCommandExecuted:
		s.mu.Lock()
		if s.current != nil {
			s.current.Status = StatusRunning
			if s.current.CommandLine == "" {
				s.current.CommandLine = strings.TrimSpace(seq.Data)
			}
		}
		cur := s.current
		s.mu.Unlock()
		m.broadcast(ShellEvent{PaneID: paneID, Kind: EventCommandStarted, Command: copyCommand(cur)})

	case oscparser.MarkerCommandFinished:
		m.finalizeCurrent(paneID, s, seq.ExitCode)

	case oscparser.MarkerContinuation:
		s.mu.Lock()
		if s.current != nil && seq.Data != "" {
			s.current.CommandLine = strings.TrimSpace(s.current.CommandLine + " " + seq.Data)
		}
		s.mu.Unlock()

	case oscparser.MarkerRightPrompt:
		// No state change; right-prompt rendering is cosmetic.

	case oscparser.MarkerInvalid:
		m.finalizeCurrent(paneID, s, nil)

	case oscparser.MarkerCancelled:
		cancelled := 130
		m.finalizeCurrent(paneID, s, &cancelled)

	case oscparser.MarkerProperty:
		if seq.PropertyKey == "cwd" {
			s.mu.Lock()
			changed := s.cwd != seq.PropertyVal
			s.cwd = seq.PropertyVal
			s.mu.Unlock()
			if changed {
				m.broadcast(ShellEvent{PaneID: paneID, Kind: EventCwdChanged, CWD: seq.PropertyVal})
			}
			return
		}
		m.broadcast(ShellEvent{PaneID: paneID, Kind: EventProperty, PropertyKey: seq.PropertyKey, PropertyVal: seq.PropertyVal})
	}
}

// finalizeCurrent marks the pane's in-flight command Finished with exit
// (which may be nil), appends it to history with eviction at HistoryLimit,
// and broadcasts CommandFinished. A no-op if there is no current command.
func (m *Manager) finalizeCurrent(paneID uint32, s *paneState, exit *int) {
	s.mu.Lock()
	cur := s.current
	if cur == nil {
		s.mu.Unlock()
		return
	}
	cur.Status = StatusFinished
	cur.ExitCode = exit
	cur.FinishedAt = time.Now()
	s.history = append(s.history, *cur)
	if len(s.history) > HistoryLimit {
		s.history = s.history[len(s.history)-HistoryLimit:]
	}
	s.current = nil
	done := *cur
	s.mu.Unlock()

	m.broadcast(ShellEvent{PaneID: paneID, Kind: EventCommandFinished, Command: &done})
}

func copyCommand(c *CommandInfo) *CommandInfo {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
