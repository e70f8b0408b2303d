// Package contentstore defines the external blob service the KVS core
// consumes as an abstract interface (spec.md §6): a separate, immutable,
// content-addressed store keyed by cryptographic hash. The core never
// computes storage placement or garbage-collects blobs — it only Loads
// and Stores by ref.
package contentstore

import (
	"context"

	"github.com/garrettbslone/flux-core/pkg/kvstree"
)

// Store loads and stores blobs by their content ref. Load on a ref the
// store does not have returns an error satisfying errors.Is(err, ErrNotFound).
type Store interface {
	Load(ctx context.Context, ref kvstree.Ref) ([]byte, error)
	Store(ctx context.Context, ref kvstree.Ref, data []byte) error
}

type notFoundError kvstree.Ref

func (e notFoundError) Error() string { return "contentstore: not found: " + string(e) }

// ErrNotFound is the sentinel a binding's Load error matches under
// errors.Is when ref is absent; bindings return NewNotFound(ref).
var ErrNotFound = notFoundError("")

// NewNotFound builds a not-found error naming ref, usable with errors.Is
// against ErrNotFound since both share the notFoundError type.
func NewNotFound(ref kvstree.Ref) error { return notFoundError(ref) }

func (e notFoundError) Is(target error) bool {
	_, ok := target.(notFoundError)
	return ok
}
