package kvscommit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garrettbslone/flux-core/pkg/kvstree"
)

func TestContributeBecomesReadyAtNprocs(t *testing.T) {
	m := NewManager()
	d := kvstree.NewFileVal(1)

	_, ready := m.Contribute("f1", 2, 0, []Op{{Key: "a", Dirent: &d}}, Envelope{Sender: "p1"})
	assert.False(t, ready)
	assert.False(t, m.Pending())

	f, ready := m.Contribute("f1", 2, 0, []Op{{Key: "b", Dirent: &d}}, Envelope{Sender: "p2"})
	assert.True(t, ready)
	assert.True(t, m.Pending())
	assert.Equal(t, READY, f.State)
	assert.Len(t, f.Ops, 2)
	assert.Len(t, f.Envelopes, 2)
}

func TestPopBatchSinglePopsAlone(t *testing.T) {
	m := NewManager()
	d := kvstree.NewFileVal(1)
	m.Contribute("solo", 1, 0, []Op{{Key: "a", Dirent: &d}}, Envelope{Sender: "p1"})

	b := m.PopBatch(8)
	require.NotNil(t, b)
	assert.Equal(t, []string{"solo"}, b.Names)
	assert.False(t, m.Pending())
}

func TestPopBatchMergesUpToMaxMerge(t *testing.T) {
	m := NewManager()
	d := kvstree.NewFileVal(1)
	m.Contribute("f1", 1, 0, []Op{{Key: "a", Dirent: &d}}, Envelope{Sender: "p1"})
	m.Contribute("f2", 1, 0, []Op{{Key: "b", Dirent: &d}}, Envelope{Sender: "p2"})
	m.Contribute("f3", 1, 0, []Op{{Key: "c", Dirent: &d}}, Envelope{Sender: "p3"})

	b := m.PopBatch(2)
	require.NotNil(t, b)
	assert.ElementsMatch(t, []string{"f1", "f2"}, b.Names)
	assert.Len(t, b.Ops, 2)
	assert.True(t, m.Pending(), "the third fence should remain queued")

	b2 := m.PopBatch(2)
	require.NotNil(t, b2)
	assert.Equal(t, []string{"f3"}, b2.Names)
}

func TestPopBatchMaxMergeOneDisablesMerging(t *testing.T) {
	m := NewManager()
	d := kvstree.NewFileVal(1)
	m.Contribute("f1", 1, 0, []Op{{Key: "a", Dirent: &d}}, Envelope{Sender: "p1"})
	m.Contribute("f2", 1, 0, []Op{{Key: "b", Dirent: &d}}, Envelope{Sender: "p2"})

	b := m.PopBatch(1)
	require.NotNil(t, b)
	assert.Equal(t, []string{"f1"}, b.Names)
	assert.True(t, m.Pending())
}

func TestPopBatchStopsMergingAtNoMergeFence(t *testing.T) {
	m := NewManager()
	d := kvstree.NewFileVal(1)
	m.Contribute("f1", 1, 0, []Op{{Key: "a", Dirent: &d}}, Envelope{Sender: "p1"})
	m.Contribute("f2", 1, NO_MERGE, []Op{{Key: "b", Dirent: &d}}, Envelope{Sender: "p2"})
	m.Contribute("f3", 1, 0, []Op{{Key: "c", Dirent: &d}}, Envelope{Sender: "p3"})

	b := m.PopBatch(8)
	require.NotNil(t, b)
	assert.Equal(t, []string{"f1"}, b.Names, "merge must stop before a NO_MERGE fence")

	b2 := m.PopBatch(8)
	require.NotNil(t, b2)
	assert.Equal(t, []string{"f2"}, b2.Names, "a NO_MERGE fence is always popped alone")
}

func TestPopBatchOnEmptyQueueReturnsNil(t *testing.T) {
	m := NewManager()
	assert.Nil(t, m.PopBatch(8))
}

func TestRemoveDeletesFromTable(t *testing.T) {
	m := NewManager()
	d := kvstree.NewFileVal(1)
	m.Contribute("f1", 1, 0, []Op{{Key: "a", Dirent: &d}}, Envelope{Sender: "p1"})
	m.Remove("f1")
	_, ok := m.Get("f1")
	assert.False(t, ok)
}
