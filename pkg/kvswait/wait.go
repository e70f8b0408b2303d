// Package kvswait implements the cooperative suspension primitive used
// throughout the core: a Wait is a resume thunk that fires exactly once,
// after every condition it was registered against has reported in.
package kvswait

// Envelope identifies the originating request a Wait was created for, so
// wait_destroy_msg (disconnect, unwatch) can find and cancel it without the
// caller needing a handle to the Wait itself.
type Envelope struct {
	Sender string
	Topic  string
	// Key disambiguates multiple waits from the same sender/topic, e.g. the
	// watched key for an unwatch match.
	Key string
}

// Resume is invoked exactly once, when a Wait's usecount reaches zero.
type Resume func()

// Wait is a suspended continuation. It may be registered against several
// condition sources (cache entries becoming valid or clean, a new root);
// each registration increments Usecount. A condition firing decrements it;
// Resume runs when it reaches zero.
type Wait struct {
	Envelope  Envelope
	Usecount  int
	resume    Resume
	destroyed bool
}

// New creates a Wait bound to resume with no registrations yet; the caller
// must call Queue.Register for each condition it is waiting on before
// returning control to the reactor.
func New(env Envelope, resume Resume) *Wait {
	return &Wait{Envelope: env, resume: resume}
}

// fire decrements usecount and runs resume exactly once when it reaches
// zero. Safe to call after the wait already fired (a no-op), since a wait
// can be registered on a cache entry and the watchlist simultaneously.
func (w *Wait) fire() {
	if w.destroyed {
		return
	}
	w.Usecount--
	if w.Usecount <= 0 {
		w.destroyed = true
		w.resume()
	}
}

// Queue is a condition source: a set of waits registered against it. A
// cache entry embeds one Queue for "valid" and one for "clean".
type Queue struct {
	waits []*Wait
}

// Register adds w to the queue and increments its usecount by one,
// representing this queue as one of the conditions w is suspended on.
func (q *Queue) Register(w *Wait) {
	w.Usecount++
	q.waits = append(q.waits, w)
}

// Release fires every wait currently registered and empties the queue.
// Used when a cache entry becomes valid/clean; a new root fires the
// Watchlist via RunAll instead.
func (q *Queue) Release() {
	waits := q.waits
	q.waits = nil
	for _, w := range waits {
		w.fire()
	}
}

// Len reports how many waits are currently registered, used by expire to
// decide whether an entry has "no waiters".
func (q *Queue) Len() int {
	return len(q.waits)
}

// Destroy removes any wait from the queue whose envelope matches, without
// running its resume action. Used by wait_destroy (cache-wide, by match
// function) and unwatch/disconnect (by envelope).
func (q *Queue) Destroy(match func(Envelope) bool) int {
	kept := q.waits[:0]
	n := 0
	for _, w := range q.waits {
		if match(w.Envelope) {
			w.destroyed = true
			n++
			continue
		}
		kept = append(kept, w)
	}
	q.waits = kept
	return n
}

// Watchlist is the global queue of long-lived watch waits. Unlike Queue,
// RunAll fires every wait regardless of usecount: a resume action that
// still needs to wait re-registers itself before returning.
type Watchlist struct {
	waits []*Wait
}

// Add registers w on the watchlist without touching its usecount; the
// watchlist's RunAll firing ignores usecount entirely.
func (wl *Watchlist) Add(w *Wait) {
	wl.waits = append(wl.waits, w)
}

// RunAll invokes resume on every wait currently on the list. This is
// wait_runqueue: it always reschedules the full set, so a watcher whose
// value has not changed must re-add itself to remain registered.
func (wl *Watchlist) RunAll() {
	waits := wl.waits
	wl.waits = nil
	for _, w := range waits {
		w.destroyed = false
		w.resume()
	}
}

// Len reports the number of watchers currently registered.
func (wl *Watchlist) Len() int {
	return len(wl.waits)
}

// Destroy removes any wait whose envelope matches match, used by unwatch
// and disconnect to clear both the cache-entry waiters and the watchlist.
func (wl *Watchlist) Destroy(match func(Envelope) bool) int {
	kept := wl.waits[:0]
	n := 0
	for _, w := range wl.waits {
		if match(w.Envelope) {
			n++
			continue
		}
		kept = append(kept, w)
	}
	wl.waits = kept
	return n
}
