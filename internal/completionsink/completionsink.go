// Package completionsink defines the narrow event-producing boundary the
// completion-learning pipeline consumes. Spec §1 places the ranking/learning
// engine itself out of scope; this package only records what a finished
// command's output was and forwards finished-command events to a pluggable
// Sink, mirroring the original's output_analyzer.rs public surface
// (on_shell_command_event, get_last_command_output).
package completionsink

import (
	"sync"

	"github.com/opencodex/termcore/internal/scrollback"
	"github.com/opencodex/termcore/internal/shellintegration"
)

// Sink receives a finished command and the pane it ran in. Implementations
// feed an offline completion-learning pipeline; this package ships none.
type Sink interface {
	OnCommandFinished(paneID uint32, cmd shellintegration.CommandInfo)
}

// CommandOutput pairs a finished command with the pane's scrollback text as
// it stood when the command finished. The text is the whole scrollback
// buffer; it is not trimmed to the portion written since the command started.
type CommandOutput struct {
	Command shellintegration.CommandInfo
	Output  string
}

// OutputAnalyzer records, per pane, the most recently finished command and
// the scrollback text observed for it, and forwards the event to any
// registered sinks. It is the concrete (non-learning) implementation of the
// completion-sink boundary: agentterminal and eventhandler both feed it so
// that the "last command output" is recorded before completion waiters are
// woken, matching the original's ordering guarantee.
type OutputAnalyzer struct {
	scroll *scrollback.Buffer

	mu   sync.Mutex
	last map[uint32]CommandOutput

	sinksMu sync.Mutex
	sinks   []Sink
}

// NewOutputAnalyzer constructs an analyzer that reads pane text from scroll.
func NewOutputAnalyzer(scroll *scrollback.Buffer) *OutputAnalyzer {
	return &OutputAnalyzer{
		scroll: scroll,
		last:   make(map[uint32]CommandOutput),
	}
}

// AddSink registers a sink to be notified of every finished command,
// in addition to the analyzer's own bookkeeping.
func (a *OutputAnalyzer) AddSink(s Sink) {
	if s == nil {
		return
	}
	a.sinksMu.Lock()
	a.sinks = append(a.sinks, s)
	a.sinksMu.Unlock()
}

// OnShellCommandEvent records the command's output (when
// finished) and forwards the event to every registered sink, in
// registration order, before returning — callers that must observe the
// recording before waking waiters (agentterminal) rely on this ordering.
func (a *OutputAnalyzer) OnShellCommandEvent(paneID uint32, cmd shellintegration.CommandInfo) {
	if cmd.Status == shellintegration.StatusFinished {
		text, _ := a.scroll.GetText(scrollback.PaneID(paneID))
		a.mu.Lock()
		a.last[paneID] = CommandOutput{Command: cmd, Output: text}
		a.mu.Unlock()
	}

	a.sinksMu.Lock()
	sinks := make([]Sink, len(a.sinks))
	copy(sinks, a.sinks)
	a.sinksMu.Unlock()

	for _, s := range sinks {
		s.OnCommandFinished(paneID, cmd)
	}
}

// GetLastCommandOutput returns the most recently recorded finished-command
// output for pane, if any.
func (a *OutputAnalyzer) GetLastCommandOutput(paneID uint32) (CommandOutput, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out, ok := a.last[paneID]
	return out, ok
}
