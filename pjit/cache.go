// Package pjit is the run-time half of polli: the dispatcher the
// generated trampolines call into, the specialization cache, the worker
// pool and the variant builder.
package pjit

import (
	"sync"
	"unsafe"
)

// CacheKey identifies one specialization variant: the prototype plus
// the hash over the run values it was built for.
type CacheKey struct {
	Prototype uint64
	ValueHash uint64
}

const (
	statePending uint32 = iota
	stateReady
)

// CacheEntry is the per-key state machine. It moves from Pending to
// Ready exactly once; the resolved address never changes afterwards.
// While Pending, each concurrent caller registers its checkpoint
// pointer; completion fans the address out to all of them.
type CacheEntry struct {
	mu       sync.Mutex
	state    uint32
	addr     uintptr
	building bool
	waiters  []*unsafe.Pointer
}

// Address returns the resolved address and whether the entry is Ready.
func (e *CacheEntry) Address() (uintptr, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr, e.state == stateReady
}

const cacheShards = 64

type cacheShard struct {
	mu      sync.RWMutex
	entries map[CacheKey]*CacheEntry
}

// Cache is the concurrent map from cache keys to entries. It is
// sharded by the low bits of the prototype id so concurrent dispatches
// for unrelated prototypes contend only when their ids share a shard.
type Cache struct {
	shards [cacheShards]cacheShard
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i].entries = make(map[CacheKey]*CacheEntry)
	}
	return c
}

func (c *Cache) shard(k CacheKey) *cacheShard {
	return &c.shards[k.Prototype%cacheShards]
}

// Find returns the entry for k, if any.
func (c *Cache) Find(k CacheKey) (*CacheEntry, bool) {
	s := c.shard(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[k]
	return e, ok
}

// InsertIfAbsent installs a Pending entry carrying slot as its first
// waiter. When an entry already exists it is returned unchanged with
// inserted == false; exactly one caller per key observes inserted ==
// true, which makes it the one allowed to submit a build task.
func (c *Cache) InsertIfAbsent(k CacheKey, slot *unsafe.Pointer) (*CacheEntry, bool) {
	s := c.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[k]; ok {
		return e, false
	}
	e := &CacheEntry{building: true}
	if slot != nil {
		e.waiters = append(e.waiters, slot)
	}
	s.entries[k] = e
	return e, true
}

// TryClaimBuild reserves the build for a Pending entry with no build in
// flight. At most one caller wins until Complete or BuildFailed.
func (c *Cache) TryClaimBuild(k CacheKey) bool {
	e, ok := c.Find(k)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateReady || e.building {
		return false
	}
	e.building = true
	return true
}

// BuildFailed releases the build claim so a later dispatch can retry;
// the entry stays Pending and callers keep taking the fallback path.
func (c *Cache) BuildFailed(k CacheKey) {
	e, ok := c.Find(k)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.building = false
}

// AddWaiter registers a checkpoint pointer under k. Ready entries get
// the address written immediately instead.
func (c *Cache) AddWaiter(k CacheKey, slot *unsafe.Pointer) {
	e, ok := c.Find(k)
	if !ok || slot == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateReady {
		*slot = unsafe.Pointer(e.addr)
		return
	}
	for _, w := range e.waiters {
		if w == slot {
			return
		}
	}
	e.waiters = append(e.waiters, slot)
}

// RemoveWaiter drops a checkpoint pointer registration: a later
// completion will not write through it. Callers use this before the
// memory the slot points into goes away.
func (c *Cache) RemoveWaiter(k CacheKey, slot *unsafe.Pointer) {
	e, ok := c.Find(k)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, w := range e.waiters {
		if w == slot {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

// ClearWaiters drops every checkpoint registration under k. Used when a
// caller signals that its slot is about to be freed.
func (c *Cache) ClearWaiters(k CacheKey) {
	e, ok := c.Find(k)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waiters = nil
}

// Complete transitions k from Pending to Ready and writes addr through
// every registered checkpoint pointer. It is idempotent: duplicate
// completions neither change the address nor write waiters again.
func (c *Cache) Complete(k CacheKey, addr uintptr) {
	e, ok := c.Find(k)
	if !ok {
		e, _ = c.InsertIfAbsent(k, nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateReady {
		return
	}
	e.state = stateReady
	e.addr = addr
	for _, w := range e.waiters {
		*w = unsafe.Pointer(addr)
	}
	e.waiters = nil
}
