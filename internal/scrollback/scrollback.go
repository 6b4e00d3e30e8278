// Package scrollback holds a bounded, process-wide output history per pane,
// used to answer "what did this pane recently print" queries independent of
// the PTY's own screen buffer.
package scrollback

import (
	"sync"
	"time"
)

// PaneID identifies a pane, matching the mux package's pane identifier.
type PaneID uint32

// TooNewWindow is the age below which an entry is considered freshly
// created; callers use this to avoid acting on scrollback that has not had
// a chance to accumulate meaningful output yet.
const TooNewWindow = 2 * time.Second

type entry struct {
	bytes     []byte
	createdAt time.Time
}

// Buffer is the process-wide scrollback store, keyed by pane id.
type Buffer struct {
	mu      sync.Mutex
	entries map[PaneID]*entry
}

var (
	globalOnce sync.Once
	global     *Buffer
)

// New creates a scrollback buffer. Most callers should use Global instead;
// New exists for tests that want an isolated instance.
func New() *Buffer {
	return &Buffer{entries: make(map[PaneID]*entry)}
}

// Global returns the process-wide singleton scrollback buffer, lazily
// initialized on first use.
func Global() *Buffer {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// Append adds data to pane's scrollback, truncating from the front to keep
// at most keepSize bytes once the buffer exceeds maxSize. keepSize is
// clamped to [1, maxSize].
func (b *Buffer) Append(pane PaneID, data []byte, maxSize, keepSize int) {
	if len(data) == 0 {
		return
	}
	keep := keepSize
	if keep > maxSize {
		keep = maxSize
	}
	if keep < 1 {
		keep = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[pane]
	if !ok {
		e = &entry{createdAt: time.Now()}
		b.entries[pane] = e
	}
	e.bytes = append(e.bytes, data...)
	if len(e.bytes) > maxSize {
		start := len(e.bytes) - keep
		trimmed := make([]byte, keep)
		copy(trimmed, e.bytes[start:])
		e.bytes = trimmed
	}
}

// GetBytes returns a copy of pane's accumulated scrollback bytes.
func (b *Buffer) GetBytes(pane PaneID) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[pane]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(e.bytes))
	copy(out, e.bytes)
	return out, true
}

// GetText returns pane's scrollback as a string. The bytes are converted
// as they are; invalid UTF-8 sequences are not replaced.
func (b *Buffer) GetText(pane PaneID) (string, bool) {
	raw, ok := b.GetBytes(pane)
	if !ok {
		return "", false
	}
	return string(raw), true
}

// IsTooNew reports whether pane's scrollback entry was created less than
// TooNewWindow ago. A pane with no entry is not too new.
func (b *Buffer) IsTooNew(pane PaneID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[pane]
	if !ok {
		return false
	}
	return time.Since(e.createdAt) < TooNewWindow
}

// Remove discards pane's scrollback entry entirely, called when a pane is
// torn down.
func (b *Buffer) Remove(pane PaneID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, pane)
}
