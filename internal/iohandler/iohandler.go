// Package iohandler runs the per-pane reader goroutine: it pulls bytes off
// a pane's PTY, reassembles UTF-8 sequences split across read boundaries,
// runs shell-integration processing and OSC stripping, and forwards the
// cleaned text onward.
package iohandler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/opencodex/termcore/internal/workerutil"
)

const defaultBufferSize = 8192

// Pane is the minimal PTY surface the handler needs from a pane.
type Pane interface {
	Reader() io.Reader
	IsDead() bool
}

// Sink receives decoded frames and is given the chance to observe and strip
// shell-integration OSC sequences before the remaining bytes are forwarded.
// ProcessOutput returns the bytes that should be emitted as pane output
// after shell-integration state has been updated and OSC sequences removed.
type Sink interface {
	ProcessOutput(paneID uint32, frame []byte) []byte
}

// OnOutput is called with the cleaned text for a pane. It may be called
// concurrently from different panes' reader goroutines, never concurrently
// for the same pane.
type OnOutput func(paneID uint32, text []byte)

// OnExit is called once, from the reader goroutine, when the pane's reader
// returns EOF/closed.
type OnExit func(paneID uint32)

// Handler manages the set of active per-pane reader goroutines.
type Handler struct {
	bufferSize int
	sink       Sink
	onOutput   OnOutput
	onExit     OnExit

	mu      sync.RWMutex
	running map[uint32]chan struct{}
	wg      sync.WaitGroup
}

// New creates an I/O handler. sink may be nil, in which case frames are
// forwarded unmodified.
func New(sink Sink, onOutput OnOutput, onExit OnExit) *Handler {
	return &Handler{
		bufferSize: defaultBufferSize,
		sink:       sink,
		onOutput:   onOutput,
		onExit:     onExit,
		running:    make(map[uint32]chan struct{}),
	}
}

// Spawn starts a reader goroutine for pane. It is a no-op if a reader is
// already running for this pane id.
func (h *Handler) Spawn(paneID uint32, pane Pane) {
	h.mu.Lock()
	if _, ok := h.running[paneID]; ok {
		h.mu.Unlock()
		return
	}
	done := make(chan struct{})
	h.running[paneID] = done
	h.mu.Unlock()

	h.wg.Add(1)
	opts := workerutil.RecoveryOptions{
		IsShutdown: func() bool {
			select {
			case <-done:
				return true
			default:
				return false
			}
		},
	}
	workerutil.RunWithPanicRecovery(context.Background(), "iohandler.reader", &h.wg, func(_ context.Context) {
		h.readLoop(paneID, pane, done)
	}, opts)
}

// Stop signals pane's reader goroutine to treat itself as shutting down.
// The goroutine still exits naturally once its blocking Read call returns
// (typically because the pane process has exited and closed its PTY).
func (h *Handler) Stop(paneID uint32) {
	h.mu.Lock()
	done, ok := h.running[paneID]
	if ok {
		delete(h.running, paneID)
	}
	h.mu.Unlock()
	if ok {
		close(done)
	}
}

// Wait blocks until all reader goroutines have exited.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) readLoop(paneID uint32, pane Pane, done chan struct{}) {
	slog.Debug("[iohandler] reader started", "pane", paneID)
	reader := pane.Reader()
	buf := make([]byte, h.bufferSize)
	var pending []byte

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			pending = h.decodeAndEmit(paneID, pending, buf[:n])
		}
		if err != nil {
			slog.Debug("[iohandler] reader exiting", "pane", paneID, "error", err)
			break
		}
		select {
		case <-done:
			slog.Debug("[iohandler] reader observed shutdown signal", "pane", paneID)
			return
		default:
		}
	}

	if len(pending) > 0 {
		h.emit(paneID, pending)
	}
	if h.onExit != nil {
		h.onExit(paneID)
	}
}

// decodeAndEmit feeds input through the incremental UTF-8 decoder, emitting
// each complete frame as it becomes available, and returns any bytes still
// pending completion of a multi-byte sequence.
func (h *Handler) decodeAndEmit(paneID uint32, pending, input []byte) []byte {
	pending = append(pending, input...)
	for {
		if len(pending) == 0 {
			return pending
		}
		if utf8.Valid(pending) {
			h.emit(paneID, pending)
			return nil
		}
		validLen := validPrefixLen(pending)
		if validLen > 0 {
			h.emit(paneID, pending[:validLen])
			pending = pending[validLen:]
			continue
		}
		// No valid prefix. Determine whether the leading bytes are an
		// incomplete-but-possibly-valid sequence (wait for more data) or an
		// outright invalid byte (drop it and keep going).
		if r, size := utf8.DecodeRune(pending); r == utf8.RuneError && size == 1 {
			if !utf8.FullRune(pending) {
				// Could still become valid with more bytes; wait.
				return pending
			}
			slog.Debug("[iohandler] dropping invalid UTF-8 byte", "pane", paneID)
			pending = pending[1:]
			continue
		}
		return pending
	}
}

// validPrefixLen returns the length of the longest prefix of b that is
// valid UTF-8, stopping before any error.
func validPrefixLen(b []byte) int {
	total := 0
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size <= 1 {
			return total
		}
		total += size
		b = b[size:]
	}
	return total
}

func (h *Handler) emit(paneID uint32, frame []byte) {
	cleaned := frame
	if h.sink != nil {
		cleaned = h.sink.ProcessOutput(paneID, frame)
	}
	if len(cleaned) == 0 {
		return
	}
	if h.onOutput != nil {
		h.onOutput(paneID, cleaned)
	}
}
