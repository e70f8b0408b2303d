// Package kvserr defines the error kinds produced by the lookup and commit
// paths (spec.md §7) and the errno values carried over the wire in
// kvs.error events and request replies.
package kvserr

import "errors"

// Errno is the wire-level error code attached to a reply or a kvs.error
// event. Protocol and lookup errors are returned directly to the request
// that hit them; commit errors are broadcast and fan out to every fence
// participant.
type Errno int

const (
	EOK Errno = iota
	EPROTO
	ENOENT
	EISDIR
	ENOTDIR
	ELOOP
	ENOMISSING // transient: fault-in in progress, never surfaced to a client
	ECOMMIT    // commit-conflict or op-precondition failure
	ESTORE     // content.store failure while finishing a commit
)

func (e Errno) String() string {
	switch e {
	case EOK:
		return "ok"
	case EPROTO:
		return "protocol error"
	case ENOENT:
		return "not found"
	case EISDIR:
		return "is a directory"
	case ENOTDIR:
		return "not a directory"
	case ELOOP:
		return "too many levels of symbolic links"
	case ENOMISSING:
		return "missing object"
	case ECOMMIT:
		return "commit failed"
	case ESTORE:
		return "content store write failed"
	default:
		return "unknown error"
	}
}

// Error wraps an Errno as a Go error, satisfying errors.Is against the
// sentinel errors below.
type Error struct {
	Errno Errno
	Msg   string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Errno.String() + ": " + e.Msg
	}
	return e.Errno.String()
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Errno == e.Errno
}

func New(errno Errno, msg string) *Error {
	return &Error{Errno: errno, Msg: msg}
}

var (
	ErrProtocol = &Error{Errno: EPROTO}
	ErrNotFound = &Error{Errno: ENOENT}
	ErrIsDir    = &Error{Errno: EISDIR}
	ErrNotDir   = &Error{Errno: ENOTDIR}
	ErrLoop     = &Error{Errno: ELOOP}
	ErrCommit   = &Error{Errno: ECOMMIT}
	ErrStore    = &Error{Errno: ESTORE}
)

// ErrnoOf extracts the Errno carried by err, or EPROTO if err does not
// originate from this package.
func ErrnoOf(err error) Errno {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno
	}
	return EPROTO
}
