package kvswait

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWaitFiresOnceUsecountReachesZero(t *testing.T) {
	fired := 0
	w := New(Envelope{Sender: "s1"}, func() { fired++ })

	var q1, q2 Queue
	q1.Register(w)
	q2.Register(w)
	assert.Equal(t, 2, w.Usecount)

	q1.Release()
	assert.Equal(t, 0, fired, "must not fire until every registration reports in")

	q2.Release()
	assert.Equal(t, 1, fired)
}

func TestWaitResumeIsIdempotentAfterFiring(t *testing.T) {
	fired := 0
	w := New(Envelope{}, func() { fired++ })
	var q Queue
	q.Register(w)
	q.Release()
	w.fire() // a second release on an already-fired wait must be a no-op
	assert.Equal(t, 1, fired)
}

func TestQueueDestroyRemovesMatchingWithoutFiring(t *testing.T) {
	fired := false
	w := New(Envelope{Sender: "target", Key: "k"}, func() { fired = true })
	var q Queue
	q.Register(w)

	n := q.Destroy(func(e Envelope) bool { return e.Sender == "target" })
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, q.Len())
	assert.False(t, fired, "Destroy must cancel without resuming")
}

func TestWatchlistRunAllInvokesEveryWaitRegardlessOfUsecount(t *testing.T) {
	var wl Watchlist
	calls := 0
	w := New(Envelope{Sender: "s"}, func() { calls++ })
	wl.Add(w)

	wl.RunAll()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, wl.Len(), "RunAll drains the list; a still-waiting resume must re-add itself")

	// Simulate a resume that wants to keep waiting: it re-adds itself.
	wl.Add(w)
	wl.RunAll()
	assert.Equal(t, 2, calls)
}

func TestWatchlistDestroy(t *testing.T) {
	var wl Watchlist
	w1 := New(Envelope{Sender: "a"}, func() {})
	w2 := New(Envelope{Sender: "b"}, func() {})
	wl.Add(w1)
	wl.Add(w2)

	n := wl.Destroy(func(e Envelope) bool { return e.Sender == "a" })
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, wl.Len())
}
