// Package kvswatch implements long-lived key watches on top of kvslookup,
// kvswait, and kvsroot: a watcher re-evaluates its key each time a setroot
// is observed locally and is delivered a notification only when the value
// changed (or, with FIRST, on first registration).
package kvswatch

import (
	"reflect"

	"github.com/garrettbslone/flux-core/pkg/kvscache"
	"github.com/garrettbslone/flux-core/pkg/kvserr"
	"github.com/garrettbslone/flux-core/pkg/kvslookup"
	"github.com/garrettbslone/flux-core/pkg/kvsroot"
	"github.com/garrettbslone/flux-core/pkg/kvswait"
)

// Flags recognized on a watch request, matching spec.md §4's watch
// primitive.
type Flags int

const (
	// FIRST delivers the current value immediately on registration, even
	// when there is nothing to compare it against yet.
	FIRST Flags = 1 << iota
	// ONCE auto-unwatches after the first delivered notification.
	ONCE
)

// Absent is delivered in place of a value when the watched key does not
// exist, distinguishing "no key" from a JSON null value.
type Absent struct{}

// DeliverFunc is invoked whenever a watcher's value changes (or, with
// FIRST, immediately on registration). errno is non-EOK for a lookup-time
// error (ENOTDIR, EISDIR, ELOOP); the watcher is torn down after an error
// delivery.
type DeliverFunc func(sender, key string, value interface{}, errno kvserr.Errno)

// watcher is the manager's private bookkeeping for one registered watch.
type watcher struct {
	sender string
	key    string
	flags  Flags

	// previousValue is the value this watch compares against: the client's
	// previous_value on the original request, replaced with whatever was
	// last delivered after that, mirroring watch_request_cb re-enqueuing
	// with the updated oval on every cycle.
	previousValue interface{}
	// awaitingFirst is true only for the evaluation tied to the original
	// Watch call; FIRST is honored there and nowhere else, since a real
	// client only sets it on its first request and the manager performs
	// every later resubmission on the client's behalf.
	awaitingFirst bool

	state *kvslookup.State
	wait  *kvswait.Wait // persistent registration on the manager's Watchlist
}

// Manager owns every active watch for one node instance's default
// namespace tree (or, with namespace-qualified roots, one namespace).
type Manager struct {
	cache     *kvscache.Cache
	roots     *kvsroot.Table
	namespace string
	deliver   DeliverFunc

	watchlist kvswait.Watchlist
	byKey     map[string][]*watcher
	epoch     int64
}

func NewManager(cache *kvscache.Cache, roots *kvsroot.Table, namespace string, deliver DeliverFunc) *Manager {
	return &Manager{
		cache:     cache,
		roots:     roots,
		namespace: namespace,
		deliver:   deliver,
		byKey:     make(map[string][]*watcher),
	}
}

// SetEpoch updates the cache touch epoch used for lookups driven by this
// manager; the node driver advances this once per heartbeat.
func (m *Manager) SetEpoch(epoch int64) { m.epoch = epoch }

// Watch registers a new watch on key for sender, comparing future values
// against previousValue (the client's last-seen value, per spec.md §4.6's
// watch(key, previous_value, flags) primitive) until the first delivery,
// and performs its initial evaluation.
func (m *Manager) Watch(sender, key string, previousValue interface{}, flags Flags) error {
	root := m.roots.Get(m.namespace).Dir
	state, err := kvslookup.NewState(root, key, 0)
	if err != nil {
		return err
	}
	w := &watcher{sender: sender, key: key, flags: flags, previousValue: previousValue, awaitingFirst: true, state: state}
	m.byKey[key] = append(m.byKey[key], w)
	m.runWalk(w)
	return nil
}

// Unwatch removes every watcher registered by sender on key, destroying
// both its persistent watchlist registration and any in-flight cache
// fault-in wait.
func (m *Manager) Unwatch(sender, key string) int {
	return m.destroy(func(e kvswait.Envelope) bool {
		return e.Sender == sender && e.Key == key && e.Topic == "kvs.watch"
	})
}

// Disconnect removes every watcher registered by sender, regardless of
// key, used when a client connection is lost.
func (m *Manager) Disconnect(sender string) int {
	return m.destroy(func(e kvswait.Envelope) bool {
		return e.Sender == sender && e.Topic == "kvs.watch"
	})
}

func (m *Manager) destroy(match func(kvswait.Envelope) bool) int {
	n := m.watchlist.Destroy(match)
	n += m.cache.WaitDestroy(match)
	for key, ws := range m.byKey {
		kept := ws[:0]
		for _, w := range ws {
			if match(kvswait.Envelope{Sender: w.sender, Topic: "kvs.watch", Key: w.key}) {
				continue
			}
			kept = append(kept, w)
		}
		if len(kept) == 0 {
			delete(m.byKey, key)
		} else {
			m.byKey[key] = kept
		}
	}
	return n
}

// NotifyRootChanged is called once per setroot observed locally: it fires
// every registered watcher's recheck, per spec.md's wait_runqueue
// semantics (kvswait.Watchlist.RunAll).
func (m *Manager) NotifyRootChanged() {
	m.watchlist.RunAll()
}

// runWalk advances w's lookup as far as it can without blocking. On
// MISSING it registers a one-shot wait on the faulted ref and returns;
// the cache entry becoming valid re-invokes runWalk to continue.
func (m *Manager) runWalk(w *watcher) {
	res := kvslookup.Walk(m.cache, m.epoch, w.state)
	switch res.Kind {
	case kvslookup.MISSING:
		env := kvswait.Envelope{Sender: w.sender, Topic: "kvs.watch", Key: w.key}
		fault := kvswait.New(env, func() { m.runWalk(w) })
		entry := m.cache.Lookup(res.Missing, m.epoch)
		if entry == nil {
			entry = m.cache.GetOrInsert(res.Missing, m.epoch)
		}
		entry.WaitersValid.Register(fault)
	case kvslookup.VALUE:
		m.settle(w, res.Value, kvserr.EOK)
	case kvslookup.NOT_FOUND:
		m.settle(w, Absent{}, kvserr.EOK)
	case kvslookup.ERROR:
		m.deliver(w.sender, w.key, nil, res.Errno)
		// Lookup-time errors are terminal for this watcher: no re-registration.
		m.destroy(func(e kvswait.Envelope) bool {
			return e.Sender == w.sender && e.Key == w.key && e.Topic == "kvs.watch"
		})
	}
}

// settle compares value against w.previousValue (the client-supplied
// previous_value on the original request, or whatever was delivered last
// cycle) and delivers when FIRST was set on the original request or the
// value actually changed, per spec.md §4.6. It then re-registers the
// watcher on the root-change watchlist unless ONCE has just fired.
func (m *Manager) settle(w *watcher, value interface{}, errno kvserr.Errno) {
	first := w.awaitingFirst
	w.awaitingFirst = false

	changed := (first && w.flags&FIRST != 0) || !reflect.DeepEqual(w.previousValue, value)
	w.previousValue = value

	if changed {
		m.deliver(w.sender, w.key, value, errno)
		if w.flags&ONCE != 0 {
			m.destroy(func(e kvswait.Envelope) bool {
				return e.Sender == w.sender && e.Key == w.key && e.Topic == "kvs.watch"
			})
			return
		}
	}

	m.requeue(w)
}

// requeue (re-)adds w's persistent wait to the root-change watchlist so
// the next NotifyRootChanged re-evaluates it. When the wait fires, a fresh
// kvslookup.State is started from the root current at that moment, since
// the tree may have changed shape anywhere along the old path.
func (m *Manager) requeue(w *watcher) {
	env := kvswait.Envelope{Sender: w.sender, Topic: "kvs.watch", Key: w.key}
	w.wait = kvswait.New(env, func() {
		state, err := kvslookup.NewState(m.roots.Get(m.namespace).Dir, w.key, 0)
		if err != nil {
			return
		}
		w.state = state
		m.runWalk(w)
	})
	m.watchlist.Add(w.wait)
}

// Count reports the total number of registered watchers across all keys,
// for kvs.stats.get.
func (m *Manager) Count() int {
	n := 0
	for _, ws := range m.byKey {
		n += len(ws)
	}
	return n
}
