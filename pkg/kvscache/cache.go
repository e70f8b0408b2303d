// Package kvscache implements the content-addressed object cache: a
// mapping from blob ref to a cache entry carrying the decoded object,
// validity/dirty flags, per-entry waiters, and a last-use epoch.
//
// Content addressing means an entry carries no version: a given ref always
// names exactly one object, so "valid" (object present) and "dirty"
// (unacknowledged by the content store) can be tracked independently
// without the cache needing to reason about conflicting writes to the same
// ref.
package kvscache

import (
	"github.com/garrettbslone/flux-core/pkg/kvstree"
	"github.com/garrettbslone/flux-core/pkg/kvswait"
)

// Entry holds the cached state for one ref. Invariants (spec.md §8):
// valid=false implies Object=nil; dirty=true implies valid=true; once an
// entry becomes valid it stays valid until expired; once an entry becomes
// clean, dirty must never become true again for the same ref.
type Entry struct {
	Object interface{} // kvstree.Directory or an arbitrary JSON value

	valid                bool
	dirty                bool
	contentStorePending  bool
	lastUseEpoch         int64

	WaitersValid kvswait.Queue
	WaitersClean kvswait.Queue
}

func (e *Entry) Valid() bool               { return e.valid }
func (e *Entry) Dirty() bool               { return e.dirty }
func (e *Entry) ContentStorePending() bool { return e.contentStorePending }
func (e *Entry) LastUse() int64            { return e.lastUseEpoch }

// SetValid marks the entry valid with the given object and releases every
// waiter registered on WaitersValid.
func (e *Entry) SetValid(obj interface{}) {
	e.Object = obj
	e.valid = true
	e.WaitersValid.Release()
}

// ClearValid is only meaningful before the entry is ever set; provided for
// symmetry and tests. Once valid, spec.md forbids reverting (content
// addressing means the blob a ref names never changes).
func (e *Entry) ClearValid() {
	e.valid = false
	e.Object = nil
}

// SetDirty marks the entry dirty (awaiting content-store acknowledgement).
// Requires the entry already be valid.
func (e *Entry) SetDirty() {
	e.dirty = true
}

// ClearDirty marks the entry clean and releases every waiter on
// WaitersClean. Per spec.md, dirty must never become true again afterward
// for this ref, since the blob it names is immutable once stored.
func (e *Entry) ClearDirty() {
	e.dirty = false
	e.WaitersClean.Release()
}

func (e *Entry) SetContentStorePending(p bool) { e.contentStorePending = p }

// touch refreshes the entry's last-use epoch, called on every lookup.
func (e *Entry) touch(epoch int64) { e.lastUseEpoch = epoch }

// NoWaiters reports whether the entry has no registered waiters on either
// queue, a precondition for expire.
func (e *Entry) NoWaiters() bool {
	return e.WaitersValid.Len() == 0 && e.WaitersClean.Len() == 0
}

// Stats is a point-in-time snapshot for the kvs.stats.get RPC and metrics.
type Stats struct {
	Size       int
	Valid      int
	Dirty      int
	Faults     int64
	NoopStores int64
}

// Cache is the content-addressed object cache for one node. It holds no
// locks: the core engine runs single-threaded inside the node's reactor
// loop (spec.md §5).
type Cache struct {
	entries map[kvstree.Ref]*Entry
	faults  int64
	noops   int64
}

func New() *Cache {
	return &Cache{entries: make(map[kvstree.Ref]*Entry)}
}

// Lookup returns the entry for ref, refreshing its last-use epoch, or nil
// if ref is not cached.
func (c *Cache) Lookup(ref kvstree.Ref, epoch int64) *Entry {
	e, ok := c.entries[ref]
	if !ok {
		return nil
	}
	e.touch(epoch)
	return e
}

// Insert adds a fresh, invalid entry for ref and returns it. It fails if
// ref is already present, since a ref names exactly one object and a
// second insert would either be redundant or a content-store collision.
func (c *Cache) Insert(ref kvstree.Ref, epoch int64) (*Entry, error) {
	if _, ok := c.entries[ref]; ok {
		return nil, errAlreadyPresent(ref)
	}
	e := &Entry{lastUseEpoch: epoch}
	c.entries[ref] = e
	return e, nil
}

// GetOrInsert returns the existing entry for ref, or inserts and returns a
// fresh one. This is the common fault-in path: the lookup/commit engine
// doesn't know in advance whether a ref is already being faulted in by
// another suspended request.
func (c *Cache) GetOrInsert(ref kvstree.Ref, epoch int64) *Entry {
	if e, ok := c.entries[ref]; ok {
		e.touch(epoch)
		return e
	}
	e := &Entry{lastUseEpoch: epoch}
	c.entries[ref] = e
	return e
}

// Count returns the number of cached entries.
func (c *Cache) Count() int { return len(c.entries) }

// RecordFault and RecordNoopStore are bumped by the lookup/commit engines
// for the stats and metrics surfaces; the cache itself never detects a
// fault or no-op, it only stores the counters on behalf of its caller so
// kvs.stats.clear has one place to reset them.
func (c *Cache) RecordFault()    { c.faults++ }
func (c *Cache) RecordNoopStore() { c.noops++ }

// Expire removes every entry satisfying valid ∧ ¬dirty ∧ no_waiters ∧
// epoch−last_use > max_age. max_age=0 forces an unconditional drop of
// every such entry regardless of age (kvs.dropcache).
func (c *Cache) Expire(epoch, maxAge int64) int {
	n := 0
	for ref, e := range c.entries {
		if !e.valid || e.dirty || !e.NoWaiters() {
			continue
		}
		if maxAge > 0 && epoch-e.lastUseEpoch <= maxAge {
			continue
		}
		delete(c.entries, ref)
		n++
	}
	return n
}

// WaitDestroy walks every entry's waiter queues and destroys any wait
// whose envelope matches, used for client disconnect.
func (c *Cache) WaitDestroy(match func(kvswait.Envelope) bool) int {
	n := 0
	for _, e := range c.entries {
		n += e.WaitersValid.Destroy(match)
		n += e.WaitersClean.Destroy(match)
	}
	return n
}

// Stats reports a snapshot of cache occupancy and lifetime counters.
func (c *Cache) Stats() Stats {
	s := Stats{Size: len(c.entries), Faults: c.faults, NoopStores: c.noops}
	for _, e := range c.entries {
		if e.valid {
			s.Valid++
		}
		if e.dirty {
			s.Dirty++
		}
	}
	return s
}

// ResetStats clears the lifetime fault/no-op counters (kvs.stats.clear).
func (c *Cache) ResetStats() {
	c.faults = 0
	c.noops = 0
}

type cacheError string

func (e cacheError) Error() string { return string(e) }

func errAlreadyPresent(ref kvstree.Ref) error {
	return cacheError("kvscache: ref already present: " + string(ref))
}
