// Package context implements the Context Service and Active Pane Registry:
// it assembles a point-in-time snapshot of what a pane's shell is doing,
// caches those snapshots with an adaptive TTL, and tracks which pane is
// currently "active" (focused) per window.
package context

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/opencodex/termcore/internal/mux"
	"github.com/opencodex/termcore/internal/shellintegration"
	"github.com/opencodex/termcore/internal/workerutil"
)

const (
	minCacheTTL  = 3 * time.Second
	baseCacheTTL = 12 * time.Second
	maxCacheTTL  = 90 * time.Second

	// ttlHysteresis avoids oscillating a cache entry's TTL back and forth
	// for marginal adjustments.
	ttlHysteresis = 250 * time.Millisecond

	defaultCacheSize = 256
)

// ShellType is an alias of shellintegration.ShellType for the public context
// shape, so context package consumers can name it without importing
// shellintegration directly.
type ShellType = shellintegration.ShellType

// CommandInfo is a point-in-time view of a pane's current or most recent
// command.
type CommandInfo struct {
	ID               uint64
	CommandLine      string
	Command          string
	Args             []string
	WorkingDirectory string
	Running          bool
	ExitCode         *int
}

// historySnapshotLimit bounds the command history carried in a
// TerminalContext snapshot; the manager's own history can run up to
// shellintegration.HistoryLimit (128) but consumers only need a head.
const historySnapshotLimit = 50

// queryTimeout is the hard ceiling on assembling one context snapshot.
const queryTimeout = 1500 * time.Millisecond

// TerminalContext is the assembled snapshot returned to callers.
type TerminalContext struct {
	PaneID       uint32
	CWD          string
	ShellType    ShellType
	Integration  bool
	Current      *CommandInfo
	History      []CommandInfo
	WindowTitle  string
	LastActivity time.Time
	Active       bool
}

// DefaultContext is returned when no real pane information is available.
func DefaultContext() TerminalContext {
	return TerminalContext{CWD: "~", ShellType: shellintegration.ShellBash}
}

// ErrPaneNotFound is returned when a context query names a pane the mux no
// longer knows about.
var ErrPaneNotFound = mux.ErrPaneNotFound

// ErrQueryTimeout is returned when assembling a context snapshot exceeds
// queryTimeout.
var ErrQueryTimeout = errors.New("context: query timed out")

// ErrNoActivePane is returned when a window-scoped query is made and no
// pane has been marked active for that window.
var ErrNoActivePane = errors.New("context: no active pane")

type cacheEntry struct {
	ctx        TerminalContext
	cachedAt   time.Time
	ttl        time.Duration
	hitCount   int
	lastAccess time.Time
}

// CacheStats summarizes cache effectiveness for diagnostics.
type CacheStats struct {
	TotalEntries  int
	HitCount      uint64
	MissCount     uint64
	EvictionCount uint64
	HitRate       float64
}

// Registry tracks the currently active pane per window and notifies
// subscribers when it changes.
type Registry struct {
	mu     sync.RWMutex
	active map[uint32]mux.PaneID // windowID -> pane

	subsMu sync.Mutex
	subs   map[int]chan ActivePaneChanged
	nextID int
}

// ActivePaneChanged is broadcast whenever a window's active pane changes.
type ActivePaneChanged struct {
	WindowID uint32
	PaneID   mux.PaneID
}

// NewRegistry creates an empty active-pane registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[uint32]mux.PaneID),
		subs:   make(map[int]chan ActivePaneChanged),
	}
}

// SetActive records pane as the active pane for window, emitting a change
// notification unless it is a no-op duplicate of the current value.
func (r *Registry) SetActive(window uint32, pane mux.PaneID) {
	r.mu.Lock()
	if existing, ok := r.active[window]; ok && existing == pane {
		r.mu.Unlock()
		return
	}
	r.active[window] = pane
	r.mu.Unlock()

	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ActivePaneChanged{WindowID: window, PaneID: pane}:
		default:
		}
	}
}

// ActivePane returns the pane currently marked active for window.
func (r *Registry) ActivePane(window uint32) (mux.PaneID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.active[window]
	return p, ok
}

// AnyActivePane returns an arbitrary active pane, used as a fallback when
// the caller does not know which window it cares about.
func (r *Registry) AnyActivePane() (mux.PaneID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.active {
		return p, true
	}
	return 0, false
}

// IsPaneActive reports whether pane is the active pane for any window.
func (r *Registry) IsPaneActive(pane mux.PaneID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.active {
		if p == pane {
			return true
		}
	}
	return false
}

// Subscribe registers for active-pane-changed notifications.
func (r *Registry) Subscribe() (<-chan ActivePaneChanged, func()) {
	r.subsMu.Lock()
	id := r.nextID
	r.nextID++
	ch := make(chan ActivePaneChanged, 32)
	r.subs[id] = ch
	r.subsMu.Unlock()

	return ch, func() {
		r.subsMu.Lock()
		if existing, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(existing)
		}
		r.subsMu.Unlock()
	}
}

// ContextUpdated is broadcast whenever the service computes a fresh
// TerminalContext snapshot for a pane (i.e. on a cache miss, not a hit).
type ContextUpdated struct {
	PaneID  mux.PaneID
	Context TerminalContext
}

// Service assembles and caches TerminalContext snapshots.
type Service struct {
	mux       *mux.Mux
	shellIntg *shellintegration.Manager
	registry  *Registry

	mu    sync.Mutex
	cache *lru.Cache[uint64, *cacheEntry]

	hits      atomicCounter
	misses    atomicCounter
	evictions atomicCounter

	subsMu sync.Mutex
	subs   map[int]chan ContextUpdated
	nextID int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Subscribe registers for context-updated notifications.
func (s *Service) Subscribe() (<-chan ContextUpdated, func()) {
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan ContextUpdated, 32)
	s.subs[id] = ch
	s.subsMu.Unlock()

	return ch, func() {
		s.subsMu.Lock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
		s.subsMu.Unlock()
	}
}

func (s *Service) broadcastUpdated(pane mux.PaneID, ctx TerminalContext) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ContextUpdated{PaneID: pane, Context: ctx}:
		default:
		}
	}
}

type atomicCounter struct {
	mu sync.Mutex
	n  uint64
}

func (c *atomicCounter) add(n uint64) {
	c.mu.Lock()
	c.n += n
	c.mu.Unlock()
}

func (c *atomicCounter) load() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// NewService constructs a context service backed by m and shellIntg,
// reporting active-pane focus through registry. It subscribes to shellIntg
// so that any reported state change invalidates the affected pane's cache
// entry immediately rather than waiting out the adaptive TTL.
func NewService(m *mux.Mux, shellIntg *shellintegration.Manager, registry *Registry) *Service {
	cache, _ := lru.NewWithEvict[uint64, *cacheEntry](defaultCacheSize, nil)
	s := &Service{mux: m, shellIntg: shellIntg, registry: registry, cache: cache, subs: make(map[int]chan ContextUpdated)}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	opts := workerutil.RecoveryOptions{
		IsShutdown: func() bool {
			select {
			case <-ctx.Done():
				return true
			default:
				return false
			}
		},
	}
	workerutil.RunWithPanicRecovery(ctx, "context.cacheInvalidation", &s.wg, s.invalidateOnShellEvents, opts)
	return s
}

// invalidateOnShellEvents drops a pane's cache entry the moment its shell
// state changes, so stale CWD, title, or command-status data never survives
// past the next read.
func (s *Service) invalidateOnShellEvents(ctx context.Context) {
	events, unsub := s.shellIntg.Subscribe()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.InvalidateCacheEntry(ev.PaneID)
		}
	}
}

// Shutdown stops the cache-invalidation subscriber goroutine and waits for
// it to exit.
func (s *Service) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func cacheKey(pane mux.PaneID) uint64 {
	var b [4]byte
	b[0] = byte(pane)
	b[1] = byte(pane >> 8)
	b[2] = byte(pane >> 16)
	b[3] = byte(pane >> 24)
	return xxhash.Sum64(b[:])
}

// GetContextByPane returns pane's assembled context, serving from cache when
// fresh and otherwise querying live state and restocking the cache.
func (s *Service) GetContextByPane(pane mux.PaneID) TerminalContext {
	ctx, err := s.QueryContextByPane(pane)
	if err != nil {
		return DefaultContext()
	}
	return ctx
}

// QueryContextByPane is GetContextByPane's error-returning form: it reports
// ErrPaneNotFound if the mux no longer knows about pane, and ErrQueryTimeout
// if assembling a fresh snapshot exceeds queryTimeout.
func (s *Service) QueryContextByPane(pane mux.PaneID) (TerminalContext, error) {
	key := cacheKey(pane)

	s.mu.Lock()
	if entry, ok := s.cache.Get(key); ok {
		if time.Since(entry.cachedAt) < entry.ttl {
			entry.hitCount++
			entry.lastAccess = time.Now()
			s.mu.Unlock()
			s.hits.add(1)
			return entry.ctx, nil
		}
	}
	s.mu.Unlock()

	s.misses.add(1)
	if s.mux != nil && !s.mux.HasPane(pane) {
		return TerminalContext{}, ErrPaneNotFound
	}

	ctxCh := make(chan TerminalContext, 1)
	go func() { ctxCh <- s.queryContext(pane) }()
	select {
	case ctx := <-ctxCh:
		s.storeInCache(pane, ctx)
		s.broadcastUpdated(pane, ctx)
		return ctx, nil
	case <-time.After(queryTimeout):
		return TerminalContext{}, ErrQueryTimeout
	}
}

// GetActiveContext returns the context for window's active pane, falling
// back to DefaultContext if none is set.
func (s *Service) GetActiveContext(window uint32) TerminalContext {
	ctx, err := s.QueryActiveContext(window)
	if err != nil {
		return DefaultContext()
	}
	return ctx
}

// QueryActiveContext is GetActiveContext's error-returning form.
func (s *Service) QueryActiveContext(window uint32) (TerminalContext, error) {
	pane, ok := s.registry.ActivePane(window)
	if !ok {
		return TerminalContext{}, ErrNoActivePane
	}
	return s.QueryContextByPane(pane)
}

// GetContextWithFallback cascades: pane (if given and alive) -> active pane
// for window -> any cached context -> DefaultContext.
func (s *Service) GetContextWithFallback(window uint32, pane mux.PaneID, havePane bool) TerminalContext {
	if havePane {
		if ctx, err := s.QueryContextByPane(pane); err == nil {
			return ctx
		}
	}
	if active, ok := s.registry.ActivePane(window); ok {
		if ctx, err := s.QueryContextByPane(active); err == nil {
			return ctx
		}
	}
	if any, ok := s.loadAnyCached(); ok {
		return any
	}
	return DefaultContext()
}

func (s *Service) loadAnyCached() (TerminalContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *cacheEntry
	for _, key := range s.cache.Keys() {
		entry, ok := s.cache.Peek(key)
		if !ok {
			continue
		}
		if best == nil || entry.lastAccess.After(best.lastAccess) {
			best = entry
		}
	}
	if best == nil {
		return TerminalContext{}, false
	}
	return best.ctx, true
}

func (s *Service) queryContext(pane mux.PaneID) TerminalContext {
	state, ok := s.shellIntg.State(pane)
	if !ok {
		ctx := DefaultContext()
		ctx.PaneID = pane
		ctx.Active = s.registry.IsPaneActive(pane)
		return ctx
	}
	ctx := TerminalContext{
		PaneID:       pane,
		CWD:          state.CWD,
		ShellType:    state.ShellType,
		Integration:  state.Integration,
		WindowTitle:  state.WindowTitle,
		LastActivity: state.LastActivity,
		Active:       s.registry.IsPaneActive(pane),
	}
	if ctx.CWD == "" {
		ctx.CWD = "~"
	}
	if state.Current != nil {
		ctx.Current = convertCommand(*state.Current)
	}
	ctx.History = convertHistory(state.History)
	return ctx
}

// convertHistory projects the manager's command history into the public
// CommandInfo shape, keeping only the most recent historySnapshotLimit
// entries (the manager's own history can run up to shellintegration.HistoryLimit).
func convertHistory(history []shellintegration.CommandInfo) []CommandInfo {
	if len(history) == 0 {
		return nil
	}
	if len(history) > historySnapshotLimit {
		history = history[len(history)-historySnapshotLimit:]
	}
	out := make([]CommandInfo, len(history))
	for i, c := range history {
		out[i] = *convertCommand(c)
	}
	return out
}

func convertCommand(c shellintegration.CommandInfo) *CommandInfo {
	fields := strings.Fields(c.CommandLine)
	info := &CommandInfo{
		ID:               c.ID,
		CommandLine:      c.CommandLine,
		WorkingDirectory: c.WorkingDirectory,
		Running:          c.Status == shellintegration.StatusRunning,
		ExitCode:         c.ExitCode,
	}
	if len(fields) > 0 {
		info.Command = fields[0]
		info.Args = fields[1:]
	}
	return info
}

func (s *Service) storeInCache(pane mux.PaneID, ctx TerminalContext) {
	key := cacheKey(pane)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	existing, had := s.cache.Get(key)
	var idleSince time.Time
	hitCount := 0
	if had {
		idleSince = existing.lastAccess
		hitCount = existing.hitCount
	} else {
		idleSince = now
	}

	ttl := s.computeAdaptiveTTL(now.Sub(idleSince), hitCount, ctx.Active)
	if had {
		remaining := existing.ttl - now.Sub(existing.cachedAt)
		if ttl < remaining+ttlHysteresis {
			ttl = existing.ttl
		}
	}

	evicted := s.cache.Add(key, &cacheEntry{
		ctx:        ctx,
		cachedAt:   now,
		ttl:        ttl,
		hitCount:   hitCount,
		lastAccess: now,
	})
	if evicted {
		s.evictions.add(1)
	}
}

// computeAdaptiveTTL implements the adaptive-TTL formula: start from base
// (12s, or 90s for the active pane, per §4.7), clamp to a floor after a
// long idle period, double when recently reaccessed, and scale further
// with accumulated hit count. Later rules override earlier ones — hits > 12
// overrides the ×1.5 factor rather than compounding it, matching the
// original's if/else if order — then the whole result is clamped to
// [minCacheTTL, maxCacheTTL].
func (s *Service) computeAdaptiveTTL(idle time.Duration, hitCount int, isActive bool) time.Duration {
	ttl := baseCacheTTL
	if isActive {
		ttl = maxCacheTTL
	}

	if idle > 120*time.Second {
		ttl = minCacheTTL
	}
	if idle < 10*time.Second {
		ttl = ttl * 2
	}
	if hitCount > 12 {
		ttl = ttl * 2
	} else if hitCount > 4 {
		ttl = time.Duration(float64(ttl) * 1.5)
	}

	if ttl < minCacheTTL {
		ttl = minCacheTTL
	}
	if ttl > maxCacheTTL {
		ttl = maxCacheTTL
	}
	return ttl
}

// InvalidateCacheEntry drops pane's cache entry, called when shell
// integration reports a state change that should not wait out the TTL.
// Per spec §4.7, invalidation increments the eviction counter exposed by
// Stats.
func (s *Service) InvalidateCacheEntry(pane mux.PaneID) {
	s.mu.Lock()
	removed := s.cache.Remove(cacheKey(pane))
	s.mu.Unlock()
	if removed {
		s.evictions.add(1)
	}
}

// ClearAllCache empties the cache entirely.
func (s *Service) ClearAllCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
}

// Stats returns a snapshot of cache effectiveness counters.
func (s *Service) Stats() CacheStats {
	hits := s.hits.load()
	misses := s.misses.load()
	total := hits + misses
	var rate float64
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	s.mu.Lock()
	entries := s.cache.Len()
	s.mu.Unlock()
	return CacheStats{
		TotalEntries:  entries,
		HitCount:      hits,
		MissCount:     misses,
		EvictionCount: s.evictions.load(),
		HitRate:       rate,
	}
}
