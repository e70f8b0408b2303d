package kvscache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garrettbslone/flux-core/pkg/kvstree"
	"github.com/garrettbslone/flux-core/pkg/kvswait"
)

func TestGetOrInsertCreatesInvalidEntry(t *testing.T) {
	c := New()
	e := c.GetOrInsert(kvstree.Ref("r1"), 1)
	require.NotNil(t, e)
	assert.False(t, e.Valid())
	assert.Nil(t, e.Object)
	assert.Equal(t, 1, c.Count())

	again := c.GetOrInsert(kvstree.Ref("r1"), 2)
	assert.Same(t, e, again, "GetOrInsert must return the existing entry, not a new one")
}

func TestInsertRejectsDuplicateRef(t *testing.T) {
	c := New()
	_, err := c.Insert(kvstree.Ref("r1"), 0)
	require.NoError(t, err)

	_, err = c.Insert(kvstree.Ref("r1"), 0)
	assert.Error(t, err)
}

func TestSetValidReleasesWaiters(t *testing.T) {
	c := New()
	e := c.GetOrInsert(kvstree.Ref("r1"), 0)

	released := false
	w := kvswait.New(kvswait.Envelope{Sender: "s1"}, func() { released = true })
	e.WaitersValid.Register(w)

	e.SetValid("hello")
	assert.True(t, e.Valid())
	assert.Equal(t, "hello", e.Object)
	assert.True(t, released)
}

func TestSetDirtyThenClearDirtyReleasesCleanWaiters(t *testing.T) {
	c := New()
	e := c.GetOrInsert(kvstree.Ref("r1"), 0)
	e.SetValid(kvstree.Directory{})
	e.SetDirty()
	assert.True(t, e.Dirty())

	released := false
	w := kvswait.New(kvswait.Envelope{Sender: "s1"}, func() { released = true })
	e.WaitersClean.Register(w)

	e.ClearDirty()
	assert.False(t, e.Dirty())
	assert.True(t, released)
}

func TestExpireSkipsDirtyAndWaitedEntries(t *testing.T) {
	c := New()

	clean := c.GetOrInsert(kvstree.Ref("clean"), 0)
	clean.SetValid(1)

	dirty := c.GetOrInsert(kvstree.Ref("dirty"), 0)
	dirty.SetValid(2)
	dirty.SetDirty()

	waited := c.GetOrInsert(kvstree.Ref("waited"), 0)
	waited.SetValid(3)
	waited.WaitersValid.Register(kvswait.New(kvswait.Envelope{Sender: "s"}, func() {}))

	invalid := c.GetOrInsert(kvstree.Ref("invalid"), 0)

	n := c.Expire(100, 0)
	assert.Equal(t, 1, n, "only the clean, unwaited, valid entry should expire")
	assert.Equal(t, 3, c.Count())
	assert.NotNil(t, c.Lookup(kvstree.Ref("dirty"), 100))
	assert.NotNil(t, c.Lookup(kvstree.Ref("waited"), 100))
	assert.NotNil(t, c.Lookup(kvstree.Ref("invalid"), 100))
	assert.Nil(t, c.Lookup(kvstree.Ref("clean"), 100))
}

func TestExpireRespectsMaxAge(t *testing.T) {
	c := New()
	e := c.GetOrInsert(kvstree.Ref("r1"), 10)
	e.SetValid(1)

	n := c.Expire(15, 10) // age 5, under max age 10
	assert.Equal(t, 0, n)

	n = c.Expire(25, 10) // age 15, over max age 10
	assert.Equal(t, 1, n)
}

func TestStatsReflectsValidAndDirtyCounts(t *testing.T) {
	c := New()
	a := c.GetOrInsert(kvstree.Ref("a"), 0)
	a.SetValid(1)
	a.SetDirty()
	c.GetOrInsert(kvstree.Ref("b"), 0)
	c.RecordFault()
	c.RecordNoopStore()

	s := c.Stats()
	assert.Equal(t, 2, s.Size)
	assert.Equal(t, 1, s.Valid)
	assert.Equal(t, 1, s.Dirty)
	assert.EqualValues(t, 1, s.Faults)
	assert.EqualValues(t, 1, s.NoopStores)

	c.ResetStats()
	s = c.Stats()
	assert.EqualValues(t, 0, s.Faults)
	assert.EqualValues(t, 0, s.NoopStores)
}

func TestWaitDestroyMatchesEnvelope(t *testing.T) {
	c := New()
	e := c.GetOrInsert(kvstree.Ref("r1"), 0)
	e.WaitersValid.Register(kvswait.New(kvswait.Envelope{Sender: "gone"}, func() {}))
	e.WaitersValid.Register(kvswait.New(kvswait.Envelope{Sender: "stays"}, func() {}))

	n := c.WaitDestroy(func(env kvswait.Envelope) bool { return env.Sender == "gone" })
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, e.WaitersValid.Len())
}
