// Package kvsroot holds the root pointer(s) naming the current version of
// each tree namespace. rootseq is monotonically non-decreasing per
// instance: the leader increments it by one per applied commit, followers
// adopt an incoming (rootdir, rootseq) whenever its rootseq exceeds theirs.
package kvsroot

import "github.com/garrettbslone/flux-core/pkg/kvstree"

// DefaultNamespace is used when a request omits one, generalizing the
// single-root model of spec.md §3 to the original's namespace-qualified
// roots (SPEC_FULL.md "Supplemented features").
const DefaultNamespace = "primary"

// Pointer is one namespace's (rootdir, rootseq) pair.
type Pointer struct {
	Dir kvstree.Ref
	Seq uint64
}

// Table owns one Pointer per namespace. It is mutated only by the commit
// engine on the leader or by the setroot event handler on followers
// (spec.md §3 Lifecycle).
type Table struct {
	byNamespace map[string]Pointer
}

func NewTable() *Table {
	return &Table{byNamespace: make(map[string]Pointer)}
}

// Get returns the current pointer for namespace, or the zero Pointer if the
// namespace has never been initialized.
func (t *Table) Get(namespace string) Pointer {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return t.byNamespace[namespace]
}

// Advance is called by the commit engine on the leader: it unconditionally
// sets (dir, rootseq+1) and returns the new pointer.
func (t *Table) Advance(namespace string, dir kvstree.Ref) Pointer {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	cur := t.byNamespace[namespace]
	next := Pointer{Dir: dir, Seq: cur.Seq + 1}
	t.byNamespace[namespace] = next
	return next
}

// Observe applies an incoming (dir, seq) pair, e.g. from a setroot event on
// a follower. It is a no-op, returning false, if seq does not exceed the
// local sequence — rootseq must never go backward (spec.md invariant 4).
func (t *Table) Observe(namespace string, dir kvstree.Ref, seq uint64) bool {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	cur := t.byNamespace[namespace]
	if seq <= cur.Seq {
		return false
	}
	t.byNamespace[namespace] = Pointer{Dir: dir, Seq: seq}
	return true
}

// Init seeds namespace with an initial pointer if it has none yet. Used by
// the leader at startup to bootstrap an empty root directory.
func (t *Table) Init(namespace string, dir kvstree.Ref) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if _, ok := t.byNamespace[namespace]; !ok {
		t.byNamespace[namespace] = Pointer{Dir: dir, Seq: 0}
	}
}
