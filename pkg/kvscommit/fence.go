// Package kvscommit implements the fence accumulator, the commit manager
// that tracks ready fences and merges them, and the restartable commit
// engine that applies a fence's op list to produce a new root.
package kvscommit

import "github.com/garrettbslone/flux-core/pkg/kvstree"

// Flags recognized on a fence, matching spec.md §4.2.
type Flags int

const (
	// NO_MERGE excludes this fence from the commit manager's merge policy:
	// it is always processed alone.
	NO_MERGE Flags = 1 << iota
)

// FenceState tracks a fence's lifecycle (spec.md §3 Fence definition).
type FenceState int

const (
	OPEN FenceState = iota
	READY
	PROCESSING
	FenceDone
)

func (s FenceState) String() string {
	switch s {
	case OPEN:
		return "OPEN"
	case READY:
		return "READY"
	case PROCESSING:
		return "PROCESSING"
	case FenceDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Op is one tree mutation: set key to Dirent, or — when Dirent is nil —
// unlink key. Strict requests ECOMMIT rather than a silent no-op when an
// unlink target does not exist.
type Op struct {
	Key    string
	Dirent *kvstree.Dirent
	Strict bool
}

// Envelope identifies the request a fence contribution came from, so the
// commit's terminal event (setroot or kvs.error) can be matched back to the
// client awaiting a reply.
type Envelope struct {
	Sender string
	ReqID  string
}

// Fence accumulates one named, possibly multi-participant commit request.
// It is created on the first contribution bearing its name and becomes
// READY once ReceivedCount reaches Nprocs (spec.md §3).
type Fence struct {
	Name          string
	Nprocs        int
	Flags         Flags
	ReceivedCount int
	Ops           []Op
	Envelopes     []Envelope
	State         FenceState
}

// Manager owns the name-keyed fence table and the ready queue the commit
// engine drains. It holds no locks: all mutation happens on the single
// reactor goroutine (spec.md §5).
type Manager struct {
	fences map[string]*Fence
	ready  []*Fence
}

func NewManager() *Manager {
	return &Manager{fences: make(map[string]*Fence)}
}

// Contribute adds ops from one participant to the named fence, creating it
// on first use. It returns the fence and whether this contribution just
// made it READY (ReceivedCount == Nprocs).
func (m *Manager) Contribute(name string, nprocs int, flags Flags, ops []Op, env Envelope) (*Fence, bool) {
	f, ok := m.fences[name]
	if !ok {
		f = &Fence{Name: name, Nprocs: nprocs, Flags: flags, State: OPEN}
		m.fences[name] = f
	}
	f.Ops = append(f.Ops, ops...)
	f.Envelopes = append(f.Envelopes, env)
	f.ReceivedCount++

	if f.State == OPEN && f.ReceivedCount >= f.Nprocs {
		f.State = READY
		m.ready = append(m.ready, f)
		return f, true
	}
	return f, false
}

// Pending reports whether any fence is waiting in the ready queue, driving
// the reactor's prepare hook (spec.md §5): the loop must not sleep while
// this is true.
func (m *Manager) Pending() bool {
	return len(m.ready) > 0
}

// Get looks up a fence by name, e.g. to attach a late-arriving envelope
// before its terminal event fires.
func (m *Manager) Get(name string) (*Fence, bool) {
	f, ok := m.fences[name]
	return f, ok
}

// Remove deletes a fence from the table. Called once its terminal event
// (setroot or kvs.error) has been observed locally (spec.md §3, §4.2).
func (m *Manager) Remove(name string) {
	delete(m.fences, name)
}

// Batch is a group of one or more fences processed together as a single
// commit: either one fence alone, or several merged by PopBatch.
type Batch struct {
	Names  []string
	Ops    []Op
	Fences []*Fence
}

// PopBatch removes up to maxMerge fences from the front of the ready queue
// and groups them into one Batch, implementing the merge policy of
// spec.md §4.2: a fence carrying NO_MERGE is always popped alone; maxMerge
// <= 1 disables merging entirely.
func (m *Manager) PopBatch(maxMerge int) *Batch {
	if len(m.ready) == 0 {
		return nil
	}
	first := m.ready[0]
	if first.Flags&NO_MERGE != 0 || maxMerge <= 1 {
		m.ready = m.ready[1:]
		first.State = PROCESSING
		return &Batch{Names: []string{first.Name}, Ops: append([]Op(nil), first.Ops...), Fences: []*Fence{first}}
	}

	var fences []*Fence
	for len(fences) < maxMerge && len(m.ready) > 0 {
		f := m.ready[0]
		if f.Flags&NO_MERGE != 0 {
			break
		}
		fences = append(fences, f)
		m.ready = m.ready[1:]
	}
	b := &Batch{Fences: fences}
	for _, f := range fences {
		f.State = PROCESSING
		b.Names = append(b.Names, f.Name)
		b.Ops = append(b.Ops, f.Ops...)
	}
	return b
}
