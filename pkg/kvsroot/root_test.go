package kvsroot

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/garrettbslone/flux-core/pkg/kvstree"
)

func TestInitSeedsOnlyOnce(t *testing.T) {
	tbl := NewTable()
	tbl.Init("ns", kvstree.Ref("r0"))
	assert.Equal(t, Pointer{Dir: kvstree.Ref("r0"), Seq: 0}, tbl.Get("ns"))

	tbl.Init("ns", kvstree.Ref("r1"))
	assert.Equal(t, kvstree.Ref("r0"), tbl.Get("ns").Dir, "Init must not overwrite an already-seeded namespace")
}

func TestAdvanceIncrementsSeq(t *testing.T) {
	tbl := NewTable()
	p1 := tbl.Advance("ns", kvstree.Ref("a"))
	assert.Equal(t, uint64(1), p1.Seq)
	p2 := tbl.Advance("ns", kvstree.Ref("b"))
	assert.Equal(t, uint64(2), p2.Seq)
	assert.Equal(t, kvstree.Ref("b"), tbl.Get("ns").Dir)
}

func TestObserveRejectsNonIncreasingSeq(t *testing.T) {
	tbl := NewTable()
	tbl.Advance("ns", kvstree.Ref("a")) // seq=1

	ok := tbl.Observe("ns", kvstree.Ref("b"), 1)
	assert.False(t, ok, "observing the same seq must be rejected")
	assert.Equal(t, kvstree.Ref("a"), tbl.Get("ns").Dir)

	ok = tbl.Observe("ns", kvstree.Ref("b"), 0)
	assert.False(t, ok, "observing a lower seq must be rejected")

	ok = tbl.Observe("ns", kvstree.Ref("b"), 2)
	assert.True(t, ok)
	assert.Equal(t, Pointer{Dir: kvstree.Ref("b"), Seq: 2}, tbl.Get("ns"))
}

func TestDefaultNamespaceAppliesWhenEmpty(t *testing.T) {
	tbl := NewTable()
	tbl.Init("", kvstree.Ref("r0"))
	assert.Equal(t, tbl.Get(""), tbl.Get(DefaultNamespace))
}

func TestGetOnUnknownNamespaceReturnsZeroValue(t *testing.T) {
	tbl := NewTable()
	assert.Equal(t, Pointer{}, tbl.Get("never-seen"))
}
