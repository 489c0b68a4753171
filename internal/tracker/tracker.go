// Package tracker implements two pieces of process-wide, concurrency-safe
// shared state: the ResponseTracker idempotency ledger and the StopManager
// cancellation map. Both are small, deliberately dependency-free components
// — everything else
// in the system (Dispatch Engine, Reply Pipeline) is a reader or writer of
// them, never the other way around, which keeps them free of import cycles.
package tracker

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// responseKey is the ResponseTracker's idempotency key: (event_id, entity_id).
type responseKey struct {
	EventID  string
	EntityID string
}

// ResponseTracker is the process-wide ledger of (event_id, entity_id) pairs
// that have already been handled, or are in flight, so a duplicate chat
// event delivery never produces a second reply. Entries are retained for
// the life of the process subject to a bounded LRU eviction (default
// capacity 10000) — the ledger is an at-most-once guard, not an audit log,
// so evicting the oldest entry under memory pressure is an acceptable
// tradeoff.
type ResponseTracker struct {
	mu    sync.Mutex
	cache *lru.Cache[responseKey, struct{}]
	// byEvent indexes every entity_id ever marked for an event_id, so
	// ContainsAny doesn't need to probe every known entity id.
	byEvent map[string]map[string]struct{}
	cap     int
}

// NewResponseTracker constructs a ResponseTracker bounded to capacity
// entries (<=0 falls back to a default of 10000).
func NewResponseTracker(capacity int) *ResponseTracker {
	if capacity <= 0 {
		capacity = 10000
	}
	rt := &ResponseTracker{byEvent: make(map[string]map[string]struct{}), cap: capacity}
	cache, err := lru.NewWithEvict[responseKey, struct{}](capacity, rt.onEvict)
	if err != nil {
		// Only returns an error for capacity <= 0, already guarded above.
		panic(err)
	}
	rt.cache = cache
	return rt
}

func (rt *ResponseTracker) onEvict(key responseKey, _ struct{}) {
	// Called with rt.mu already held by the Add/Mark path that triggered
	// the eviction (golang-lru invokes OnEvict synchronously).
	if ids, ok := rt.byEvent[key.EventID]; ok {
		delete(ids, key.EntityID)
		if len(ids) == 0 {
			delete(rt.byEvent, key.EventID)
		}
	}
}

// Mark records (eventID, entityID) as handled/in-flight. It reports
// whether this call was the first to mark the pair (false means a prior
// Mark already claimed it — the caller should treat that as a duplicate).
func (rt *ResponseTracker) Mark(eventID, entityID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	key := responseKey{EventID: eventID, EntityID: entityID}
	if rt.cache.Contains(key) {
		return false
	}
	rt.cache.Add(key, struct{}{})
	ids, ok := rt.byEvent[eventID]
	if !ok {
		ids = make(map[string]struct{})
		rt.byEvent[eventID] = ids
	}
	ids[entityID] = struct{}{}
	return true
}

// Contains reports whether (eventID, entityID) has already been marked.
func (rt *ResponseTracker) Contains(eventID, entityID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cache.Contains(responseKey{EventID: eventID, EntityID: entityID})
}

// ContainsAny reports whether eventID has been marked for any entity.
func (rt *ResponseTracker) ContainsAny(eventID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ids, ok := rt.byEvent[eventID]
	return ok && len(ids) > 0
}

// Len reports the number of entries currently retained (test/metrics hook).
func (rt *ResponseTracker) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cache.Len()
}

// CancellableTask is the minimal surface StopManager needs from an
// in-flight ReplyTask. internal/reply's *ReplyTask satisfies this without
// tracker importing internal/reply.
type CancellableTask interface {
	Cancel()
	EventID() string
}

// StopManager maps a thread id to the handle of the currently running
// ReplyTask in that thread (if any), so a `!stop` command can cancel
// exactly the reply streaming in its own thread and no other (B3).
type StopManager struct {
	mu       sync.Mutex
	byThread map[string]CancellableTask
}

// NewStopManager constructs an empty StopManager.
func NewStopManager() *StopManager {
	return &StopManager{byThread: make(map[string]CancellableTask)}
}

// Set records task as the active ReplyTask for threadID, replacing any
// prior entry (the prior task is assumed already terminal; callers are
// responsible for not overwriting a still-running task).
func (sm *StopManager) Set(threadID string, task CancellableTask) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.byThread[threadID] = task
}

// Get returns the active ReplyTask for threadID, if any.
func (sm *StopManager) Get(threadID string) (CancellableTask, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	t, ok := sm.byThread[threadID]
	return t, ok
}

// Clear removes the entry for threadID if it still points at task (so a
// finishing ReplyTask doesn't clobber a newer one that has already taken
// its place in the same thread).
func (sm *StopManager) Clear(threadID string, task CancellableTask) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if current, ok := sm.byThread[threadID]; ok && current == task {
		delete(sm.byThread, threadID)
	}
}

// Stop cancels the ReplyTask mapped to threadID, if one is running. It
// reports whether a task was found and cancelled.
func (sm *StopManager) Stop(threadID string) bool {
	sm.mu.Lock()
	task, ok := sm.byThread[threadID]
	sm.mu.Unlock()
	if !ok {
		return false
	}
	task.Cancel()
	return true
}

// CancelAll cancels every tracked ReplyTask — used during graceful
// shutdown.
func (sm *StopManager) CancelAll() {
	sm.mu.Lock()
	tasks := make([]CancellableTask, 0, len(sm.byThread))
	for _, t := range sm.byThread {
		tasks = append(tasks, t)
	}
	sm.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
}
