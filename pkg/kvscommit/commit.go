package kvscommit

import (
	"github.com/garrettbslone/flux-core/pkg/kvscache"
	"github.com/garrettbslone/flux-core/pkg/kvsencode"
	"github.com/garrettbslone/flux-core/pkg/kvserr"
	"github.com/garrettbslone/flux-core/pkg/kvstree"
)

// Phase is the commit state machine's current step (spec.md §3 Commit
// definition: START, FAULTING, WRITING, DONE, ERROR).
type Phase int

const (
	START Phase = iota
	FAULTING
	WRITING
	DONE
	ERROR
)

// Commit is one ready batch promoted into a restartable state machine. A
// Process call that returns MISSING leaves the batch and base root as they
// were, updating only Phase, MissingRefs and DirtyEntries;
// the caller registers a wait on Missing becoming valid and calls Process
// again, which restarts the op-apply loop from the batch's base root. This
// is safe because applying ops is a pure function of cache contents:
// re-running it after a fault-in repeats only cheap, idempotent work
// (cloning and re-staging directories already staged) before making new
// progress.
type Commit struct {
	Batch    *Batch
	baseRoot kvstree.Ref

	WorkingRoot  kvstree.Ref
	DirtyEntries []kvstree.Ref
	MissingRefs  []kvstree.Ref
	Errno        kvserr.Errno
	Phase        Phase
}

// NewCommit promotes a ready batch into a commit against baseRoot.
func NewCommit(b *Batch, baseRoot kvstree.Ref) *Commit {
	return &Commit{Batch: b, baseRoot: baseRoot, Phase: START}
}

// ResultKind tags a Process outcome.
type ResultKind int

const (
	MISSING ResultKind = iota
	FINISHED
	FAILED
)

// Result is the outcome of one Process call.
type Result struct {
	Kind    ResultKind
	Missing kvstree.Ref
	NewRoot kvstree.Ref
	Errno   kvserr.Errno
}

// Engine applies a commit's op list against the cache, faulting missing
// directories through cache.GetOrInsert and staging every modified
// directory as a dirty cache entry with a freshly computed ref
// (copy-on-write, spec.md §4.4 step 2-3).
type Engine struct {
	cache   *kvscache.Cache
	encoder kvsencode.Encoder
	epoch   int64
}

func NewEngine(cache *kvscache.Cache, encoder kvsencode.Encoder) *Engine {
	return &Engine{cache: cache, encoder: encoder}
}

// SetEpoch updates the logical clock used for cache touch/expiry
// accounting; the node driver advances this once per heartbeat.
func (e *Engine) SetEpoch(epoch int64) { e.epoch = epoch }

// Process advances c as far as it can without blocking. Call it again
// after the caller's wait on a MISSING ref resolves.
func (e *Engine) Process(c *Commit) Result {
	if c.Phase == DONE {
		return Result{Kind: FINISHED, NewRoot: c.WorkingRoot}
	}

	c.DirtyEntries = c.DirtyEntries[:0]
	root := c.baseRoot
	for _, op := range c.Batch.Ops {
		newRoot, missing, err := e.applyOp(c, root, op)
		if missing != "" {
			c.Phase = FAULTING
			c.MissingRefs = append(c.MissingRefs[:0], missing)
			return Result{Kind: MISSING, Missing: missing}
		}
		if err != nil {
			c.Phase = ERROR
			c.Errno = kvserr.ErrnoOf(err)
			return Result{Kind: FAILED, Errno: c.Errno}
		}
		root = newRoot
	}

	if root == c.baseRoot {
		e.cache.RecordNoopStore()
	}
	c.Phase = WRITING
	c.WorkingRoot = root
	c.Phase = DONE
	return Result{Kind: FINISHED, NewRoot: root}
}

// applyOp applies one op to root, returning the new root ref, or a missing
// ref if a directory on the path is not yet cache-valid.
func (e *Engine) applyOp(c *Commit, root kvstree.Ref, op Op) (kvstree.Ref, kvstree.Ref, error) {
	comps, err := kvstree.SplitPath(op.Key)
	if err != nil {
		return "", "", kvserr.New(kvserr.ECOMMIT, err.Error())
	}
	return e.materialize(c, root, comps, op)
}

// materialize walks from ref down comps, cloning every directory on the
// path (copy-on-write) and applying op at the leaf, then re-stages each
// directory bottom-up with a freshly computed ref.
func (e *Engine) materialize(c *Commit, ref kvstree.Ref, comps []string, op Op) (kvstree.Ref, kvstree.Ref, error) {
	entry := e.cache.Lookup(ref, e.epoch)
	if entry == nil || !entry.Valid() {
		e.cache.GetOrInsert(ref, e.epoch)
		return "", ref, nil
	}
	dir, ok := entry.Object.(kvstree.Directory)
	if !ok {
		return "", "", kvserr.ErrNotDir
	}
	newDir := dir.Clone()
	name := comps[0]

	if len(comps) == 1 {
		_, present := newDir[name]
		if op.Dirent == nil {
			if !present && op.Strict {
				return "", "", kvserr.New(kvserr.ECOMMIT, "unlink of nonexistent key: "+name)
			}
			delete(newDir, name)
		} else {
			newDir[name] = *op.Dirent
		}
		newRef, err := e.stage(c, newDir)
		return newRef, "", err
	}

	child, present := newDir[name]
	var childRef kvstree.Ref
	switch {
	case present && child.Kind == kvstree.DIRREF:
		childRef = child.Ref
	case present && child.Kind == kvstree.DIRVAL:
		inline, _ := child.Val.(kvstree.Directory)
		ref, err := e.stage(c, inline)
		if err != nil {
			return "", "", err
		}
		childRef = ref
	case !present:
		ref, err := e.stage(c, kvstree.Directory{})
		if err != nil {
			return "", "", err
		}
		childRef = ref
	default:
		return "", "", kvserr.ErrNotDir
	}

	newChildRef, missing, err := e.materialize(c, childRef, comps[1:], op)
	if missing != "" || err != nil {
		return "", missing, err
	}
	newDir[name] = kvstree.NewDirRef(newChildRef)
	newRef, err := e.stage(c, newDir)
	return newRef, "", err
}

// stage computes dir's ref, inserts or updates its cache entry as
// valid+dirty+content-store-pending, and records it on the commit's dirty
// list (spec.md §4.4 step 3).
func (e *Engine) stage(c *Commit, dir kvstree.Directory) (kvstree.Ref, error) {
	ref, err := e.encoder.Ref(dir)
	if err != nil {
		return "", kvserr.New(kvserr.ECOMMIT, err.Error())
	}
	entry := e.cache.GetOrInsert(ref, e.epoch)
	if !entry.Valid() {
		entry.SetValid(dir)
	}
	entry.SetDirty()
	entry.SetContentStorePending(true)
	c.DirtyEntries = append(c.DirtyEntries, ref)
	return ref, nil
}

// Finalize clears content_store_pending/dirty on every entry in
// c.DirtyEntries once the content store has acknowledged the write,
// releasing any waiters on those entries becoming clean (spec.md §4.4
// step 4-5, "dirty_cache_entries" phase of the original's commit FSM).
func (e *Engine) Finalize(c *Commit) {
	for _, ref := range c.DirtyEntries {
		entry := e.cache.Lookup(ref, e.epoch)
		if entry == nil {
			continue
		}
		entry.SetContentStorePending(false)
		entry.ClearDirty()
	}
}
