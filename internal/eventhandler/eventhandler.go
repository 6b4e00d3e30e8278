// Package eventhandler bridges the Mux, shell-integration, and context
// event streams into the UI boundary: it subscribes to each source's
// notification channel and translates every notification into either a
// binary pane-data frame or a named JSON event on an Emitter.
//
// Lock ordering: Handler holds no mutex of its own. Each subscriber loop
// runs on its own goroutine under workerutil's panic-recovery harness and
// only ever reads from its subscription channel and calls out to Emitter or
// OutputAnalyzer; it never touches another subscriber's state.
package eventhandler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/opencodex/termcore/internal/completionsink"
	contextsvc "github.com/opencodex/termcore/internal/context"
	"github.com/opencodex/termcore/internal/mux"
	"github.com/opencodex/termcore/internal/shellintegration"
	"github.com/opencodex/termcore/internal/workerutil"
)

// Emitter is the UI-facing boundary the event handler forwards to. Binary
// pane output takes a dedicated method so a websocket-backed implementation
// can send it as a binary frame without a JSON envelope; every other event
// goes out as a named JSON payload.
type Emitter interface {
	EmitPaneOutput(paneID uint32, data []byte)
	EmitEvent(name string, payload any)
}

// Named events forwarded to Emitter.EmitEvent. Kept as constants so callers
// building UI-side dispatch tables have a single source of truth.
const (
	EventTerminalCreated             = "terminal_created"
	EventTerminalClosed              = "terminal_closed"
	EventTerminalResized             = "terminal_resized"
	EventTerminalExit                = "terminal_exit"
	EventPaneCwdChanged              = "pane_cwd_changed"
	EventPaneTitleChanged            = "pane_title_changed"
	EventNodeVersionChanged          = "node_version_changed"
	EventPaneCommandEvent            = "pane_command_event"
	EventActivePaneChanged           = "active_pane_changed"
	EventPaneContextUpdated          = "pane_context_updated"
	EventPaneShellIntegrationChanged = "pane_shell_integration_changed"
	EventAgentTerminalCreated        = "agent_terminal_created"
	EventAgentTerminalUpdated        = "agent_terminal_updated"
	EventAgentTerminalCompleted      = "agent_terminal_completed"
	EventAgentTerminalRemoved        = "agent_terminal_removed"
)

// Handler fans Mux, shell-integration, and active-pane-registry
// notifications out to an Emitter, and feeds finished commands into an
// OutputAnalyzer for the completion-learning boundary.
type Handler struct {
	mux        *mux.Mux
	shellIntg  *shellintegration.Manager
	registry   *contextsvc.Registry
	contextSvc *contextsvc.Service
	analyzer   *completionsink.OutputAnalyzer
	emit       Emitter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an event handler. Call Start to begin forwarding.
// contextSvc may be nil, in which case pane_context_updated events are not
// forwarded (a bare mux/shell-integration-only deployment).
func New(m *mux.Mux, shellIntg *shellintegration.Manager, registry *contextsvc.Registry, contextSvc *contextsvc.Service, analyzer *completionsink.OutputAnalyzer, emit Emitter) *Handler {
	return &Handler{mux: m, shellIntg: shellIntg, registry: registry, contextSvc: contextSvc, analyzer: analyzer, emit: emit}
}

// Start launches the subscriber loops (mux, shell-integration, active pane
// registry, and context-service, if wired) under panic recovery. Safe to
// call once.
func (h *Handler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	opts := func() workerutil.RecoveryOptions {
		return workerutil.RecoveryOptions{
			IsShutdown: func() bool {
				select {
				case <-ctx.Done():
					return true
				default:
					return false
				}
			},
		}
	}

	if h.contextSvc != nil {
		workerutil.RunWithPanicRecovery(ctx, "eventhandler.contextLoop", &h.wg, h.contextLoop, opts())
	}
	workerutil.RunWithPanicRecovery(ctx, "eventhandler.muxLoop", &h.wg, h.muxLoop, opts())
	workerutil.RunWithPanicRecovery(ctx, "eventhandler.shellLoop", &h.wg, h.shellLoop, opts())
	workerutil.RunWithPanicRecovery(ctx, "eventhandler.registryLoop", &h.wg, h.registryLoop, opts())
}

// Shutdown stops all subscriber loops and waits for them to exit.
func (h *Handler) Shutdown() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// muxLoop forwards pane output as binary frames and translates every other
// mux notification into a named event. Scrollback append already happens
// inside the mux itself; this loop only concerns itself with the UI
// boundary.
func (h *Handler) muxLoop(ctx context.Context) {
	notifications, unsub := h.mux.Subscribe()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			h.handleMuxNotification(n)
		}
	}
}

func (h *Handler) handleMuxNotification(n mux.Notification) {
	switch n.Kind {
	case mux.NotificationPaneOutput:
		h.emit.EmitPaneOutput(n.PaneID, n.Data)
	case mux.NotificationPaneAdded:
		h.emit.EmitEvent(EventTerminalCreated, map[string]any{"paneId": n.PaneID})
	case mux.NotificationPaneRemoved:
		h.emit.EmitEvent(EventTerminalClosed, map[string]any{"paneId": n.PaneID})
	case mux.NotificationPaneResized:
		h.emit.EmitEvent(EventTerminalResized, map[string]any{
			"paneId": n.PaneID,
			"cols":   n.Size.Cols,
			"rows":   n.Size.Rows,
		})
	case mux.NotificationPaneExited:
		h.emit.EmitEvent(EventTerminalExit, map[string]any{"paneId": n.PaneID, "exitCode": n.ExitCode})
	default:
		slog.Debug("[eventhandler] unhandled mux notification kind", "kind", n.Kind)
	}
}

// shellLoop forwards shell-integration state transitions as named events,
// and feeds finished commands into the output analyzer.
//
// CwdChanged is forwarded from here only: the mux layer's own
// pane-lifecycle notifications are not where CWD tracking lives in this
// design, so the shell-integration stream is the single source for CWD —
// forwarding it from any other layer would let consumers see the same
// change twice. If a second event source is ever added that can also
// observe CWD (e.g. a context-service poll), its CwdChanged must be
// dropped here, not forwarded.
func (h *Handler) shellLoop(ctx context.Context) {
	events, unsub := h.shellIntg.Subscribe()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.handleShellEvent(ev)
		}
	}
}

func (h *Handler) handleShellEvent(ev shellintegration.ShellEvent) {
	switch ev.Kind {
	case shellintegration.EventCwdChanged:
		h.emit.EmitEvent(EventPaneCwdChanged, map[string]any{"paneId": ev.PaneID, "cwd": ev.CWD})
	case shellintegration.EventTitleChanged:
		h.emit.EmitEvent(EventPaneTitleChanged, map[string]any{"paneId": ev.PaneID, "title": ev.WindowTitle})
	case shellintegration.EventNodeVersionChanged:
		h.emit.EmitEvent(EventNodeVersionChanged, map[string]any{"paneId": ev.PaneID, "version": ev.NodeVersion})
	case shellintegration.EventIntegrationChanged:
		h.emit.EmitEvent(EventPaneShellIntegrationChanged, map[string]any{"paneId": ev.PaneID, "enabled": ev.Integration})
	case shellintegration.EventCommandStarted:
		h.emit.EmitEvent(EventPaneCommandEvent, commandEventPayload(ev.PaneID, ev.Command))
	case shellintegration.EventCommandFinished:
		if h.analyzer != nil && ev.Command != nil {
			h.analyzer.OnShellCommandEvent(ev.PaneID, *ev.Command)
		}
		h.emit.EmitEvent(EventPaneCommandEvent, commandEventPayload(ev.PaneID, ev.Command))
	case shellintegration.EventProperty:
		// Properties other than cwd (already surfaced as MarkerProperty cwd ->
		// EventCwdChanged by shellintegration itself) have no dedicated UI
		// event; skip.
	default:
		slog.Debug("[eventhandler] unhandled shell event kind", "kind", ev.Kind)
	}
}

func commandEventPayload(paneID uint32, cmd *shellintegration.CommandInfo) map[string]any {
	payload := map[string]any{"paneId": paneID}
	if cmd == nil {
		payload["command"] = nil
		return payload
	}
	payload["command"] = map[string]any{
		"commandLine": cmd.CommandLine,
		"status":      int(cmd.Status),
		"exitCode":    cmd.ExitCode,
	}
	return payload
}

// registryLoop forwards active-pane-registry changes as {oldPaneId?,
// newPaneId?}, tracking the previously reported pane per window itself
// since Registry.ActivePaneChanged only carries the new value.
func (h *Handler) registryLoop(ctx context.Context) {
	changes, unsub := h.registry.Subscribe()
	defer unsub()

	prev := make(map[uint32]mux.PaneID)
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			old, had := prev[change.WindowID]
			prev[change.WindowID] = change.PaneID
			payload := map[string]any{"newPaneId": change.PaneID}
			if had {
				payload["oldPaneId"] = old
			}
			h.emit.EmitEvent(EventActivePaneChanged, payload)
		}
	}
}

// contextLoop forwards freshly-computed context snapshots as
// pane_context_updated events.
func (h *Handler) contextLoop(ctx context.Context) {
	updates, unsub := h.contextSvc.Subscribe()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			h.emit.EmitEvent(EventPaneContextUpdated, map[string]any{
				"paneId":  u.PaneID,
				"context": contextPayload(u.Context),
			})
		}
	}
}

func contextPayload(c contextsvc.TerminalContext) map[string]any {
	payload := map[string]any{
		"cwd":           c.CWD,
		"shellType":     int(c.ShellType),
		"integration":   c.Integration,
		"windowTitle":   c.WindowTitle,
		"active":        c.Active,
		"lastActivity":  c.LastActivity,
		"commandsCount": len(c.History),
	}
	if c.Current != nil {
		payload["current"] = map[string]any{
			"id":               c.Current.ID,
			"commandLine":      c.Current.CommandLine,
			"workingDirectory": c.Current.WorkingDirectory,
			"running":          c.Current.Running,
			"exitCode":         c.Current.ExitCode,
		}
	} else {
		payload["current"] = nil
	}
	return payload
}
