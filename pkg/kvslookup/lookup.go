// Package kvslookup implements the resumable tree walk described in
// spec.md §4.3: given a root ref and a slash-separated key, it walks
// directories component by component, reporting a missing ref instead of
// blocking so the caller can fault it in and resume.
package kvslookup

import (
	"github.com/garrettbslone/flux-core/pkg/kvscache"
	"github.com/garrettbslone/flux-core/pkg/kvserr"
	"github.com/garrettbslone/flux-core/pkg/kvstree"
)

// Flags recognized on a lookup, matching spec.md §4.3.
type Flags int

const (
	// READDIR requires the target resolve to a directory; the directory
	// object itself is returned rather than a scalar value.
	READDIR Flags = 1 << iota
	// READLINK returns the LINKVAL dirent itself on the terminal component
	// instead of following it.
	READLINK
	// TREEOBJ returns the raw dirent for the terminal component rather than
	// the dereferenced value.
	TREEOBJ
)

// maxSymlinks bounds symlink chase depth before ELOOP, matching common
// POSIX lookup limits.
const maxSymlinks = 8

// ResultKind tags a Walk outcome.
type ResultKind int

const (
	VALUE ResultKind = iota
	NOT_FOUND
	ERROR
	MISSING
)

// Result is the outcome of one Walk call.
type Result struct {
	Kind    ResultKind
	Value   interface{} // VALUE
	Errno   kvserr.Errno
	Missing kvstree.Ref // MISSING
	// MissingIsDir tells the caller which decode to use once it has
	// loaded Missing's bytes from the content store: true for a directory
	// object, false for an arbitrary value.
	MissingIsDir bool
}

// State is the resumable cursor for one logical lookup. It persists across
// MISSING returns: the caller registers a wait on state.Missing's cache
// entry becoming valid and calls Walk again with the same State once it
// has. A State must not be reused across logically distinct lookups.
type State struct {
	rootRef      kvstree.Ref
	comps        []string
	idx          int
	curRef       kvstree.Ref       // directory ref currently being read, if out-of-line
	curInline    kvstree.Directory // directory object currently being read, if inline
	symlinkCount int
	flags        Flags
}

// NewState begins a lookup of key against root, honoring flags.
func NewState(root kvstree.Ref, key string, flags Flags) (*State, error) {
	comps, err := kvstree.SplitPath(key)
	if err != nil {
		return nil, err
	}
	return &State{rootRef: root, comps: comps, curRef: root, flags: flags}, nil
}

// Walk advances the lookup as far as it can without blocking, faulting
// through cache at the given epoch. It returns MISSING when it needs an
// object not yet valid in cache; the caller should register a wait on that
// ref becoming valid and call Walk again.
func Walk(cache *kvscache.Cache, epoch int64, s *State) Result {
	for {
		dir, res, ok := loadCurrentDir(cache, epoch, s)
		if !ok {
			return res
		}

		name := s.comps[s.idx]
		d, present := dir[name]
		last := s.idx == len(s.comps)-1

		if !present {
			return Result{Kind: NOT_FOUND, Errno: kvserr.ENOENT}
		}

		if !last {
			switch d.Kind {
			case kvstree.DIRREF:
				s.idx++
				s.curRef = d.Ref
				s.curInline = nil
				continue
			case kvstree.DIRVAL:
				s.idx++
				s.curRef = ""
				s.curInline = d.Val.(kvstree.Directory)
				continue
			case kvstree.LINKVAL:
				if res, ok := followLink(s, d.Link); !ok {
					return res
				}
				continue
			default:
				// FILEREF or FILEVAL with components remaining.
				return Result{Kind: ERROR, Errno: kvserr.ENOTDIR}
			}
		}

		// Terminal component.
		if d.Kind == kvstree.LINKVAL && s.flags&READLINK == 0 {
			if res, ok := followLink(s, d.Link); !ok {
				return res
			}
			continue
		}

		if s.flags&TREEOBJ != 0 {
			return Result{Kind: VALUE, Value: d}
		}

		isDir := d.IsDir()
		if s.flags&READDIR != 0 && !isDir {
			return Result{Kind: ERROR, Errno: kvserr.ENOTDIR}
		}
		if s.flags&READDIR == 0 && isDir {
			return Result{Kind: ERROR, Errno: kvserr.EISDIR}
		}

		switch d.Kind {
		case kvstree.FILEVAL:
			return Result{Kind: VALUE, Value: d.Val}
		case kvstree.LINKVAL:
			return Result{Kind: VALUE, Value: d}
		case kvstree.FILEREF:
			e := cache.Lookup(d.Ref, epoch)
			if e == nil || !e.Valid() {
				cache.GetOrInsert(d.Ref, epoch)
				return Result{Kind: MISSING, Missing: d.Ref, MissingIsDir: false}
			}
			return Result{Kind: VALUE, Value: e.Object}
		case kvstree.DIRREF:
			e := cache.Lookup(d.Ref, epoch)
			if e == nil || !e.Valid() {
				cache.GetOrInsert(d.Ref, epoch)
				return Result{Kind: MISSING, Missing: d.Ref, MissingIsDir: true}
			}
			return Result{Kind: VALUE, Value: e.Object}
		case kvstree.DIRVAL:
			return Result{Kind: VALUE, Value: d.Val}
		}
		return Result{Kind: ERROR, Errno: kvserr.EPROTO}
	}
}

// loadCurrentDir resolves s.curRef/s.curInline to a Directory, reporting
// MISSING if the out-of-line ref isn't cached yet.
func loadCurrentDir(cache *kvscache.Cache, epoch int64, s *State) (kvstree.Directory, Result, bool) {
	if s.curInline != nil {
		return s.curInline, Result{}, true
	}
	e := cache.Lookup(s.curRef, epoch)
	if e == nil || !e.Valid() {
		cache.GetOrInsert(s.curRef, epoch)
		return nil, Result{Kind: MISSING, Missing: s.curRef, MissingIsDir: true}, false
	}
	dir, ok := e.Object.(kvstree.Directory)
	if !ok {
		return nil, Result{Kind: ERROR, Errno: kvserr.ENOTDIR}, false
	}
	return dir, Result{}, true
}

// followLink restarts the walk at the root with target concatenated with
// the remaining path, bounding chase depth at maxSymlinks.
func followLink(s *State, target string) (Result, bool) {
	s.symlinkCount++
	if s.symlinkCount > maxSymlinks {
		return Result{Kind: ERROR, Errno: kvserr.ELOOP}, false
	}
	targetComps, err := kvstree.SplitPath(target)
	if err != nil {
		return Result{Kind: ERROR, Errno: kvserr.EPROTO}, false
	}
	remaining := s.comps[s.idx+1:]
	s.comps = append(append([]string{}, targetComps...), remaining...)
	s.idx = 0
	s.curRef = s.rootRef
	s.curInline = nil
	return Result{}, true
}
