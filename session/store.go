// Package session defines the append-only conversation path: a tree of
// messages keyed by id with a leaf pointer, and the replace operation that
// lets the compaction engine rewrite a prefix of the path in place.
//
// Package shape is grounded on goa-ai's runtime/agent/session package (a
// pluggable Store interface with in-memory and durable backends) adapted
// from session/run lifecycle metadata to the message-tree semantics opal's
// spec requires.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/opal-run/opal/agent"
)

// Errors returned by Store implementations.
var (
	ErrNotFound       = errors.New("session: message not found")
	ErrDuplicateID    = errors.New("session: message id already present")
	ErrParentNotFound = errors.New("session: parent id does not exist")
	ErrNotContiguous  = errors.New("session: ids_to_remove is not a contiguous prefix of the path")
	ErrEmptyPath      = errors.New("session: path is empty")
)

// Store is the append-only conversation path. Implementations must
// preserve the invariants documented on each method; see inmem, jsonl, and
// mongo subpackages for concrete backends.
type Store interface {
	// Append adds msg as a child of parentID (or as the root when parentID
	// is empty) and returns its assigned id. If msg.ID is empty one is
	// generated. If parentID equals the current leaf (or the path is
	// empty), the leaf pointer advances to msg's id.
	Append(ctx context.Context, parentID string, msg agent.Message) (string, error)

	// Path returns the ordered sequence of messages from root to the
	// current leaf.
	Path(ctx context.Context) ([]agent.Message, error)

	// Leaf returns the id of the current leaf message, or "" if the path
	// is empty.
	Leaf() string

	// ReplacePathSegment removes the messages identified by idsToRemove
	// (which must be a contiguous prefix of the current path) and inserts
	// replacement in their place, parented to the parent of the first
	// removed message. The leaf pointer is preserved unless the removed
	// segment contained the leaf, in which case the leaf becomes
	// replacement's id.
	ReplacePathSegment(ctx context.Context, idsToRemove []string, replacement agent.Message) error

	// Get returns a single message by id.
	Get(ctx context.Context, id string) (agent.Message, error)
}

// ValidateAppend checks the invariants Append must enforce given the
// current path, independent of storage backend: a non-empty parentID must
// name an existing message, and the id must be unique. An empty parentID
// is accepted whether or not the path is empty. Backends call this before
// mutating their state.
func ValidateAppend(existing map[string]agent.Message, parentID string, id string) error {
	if _, dup := existing[id]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if parentID != "" {
		if _, ok := existing[parentID]; !ok {
			return fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
		}
	}
	return nil
}

// ContiguousPrefix reports whether idsToRemove, in order, forms an
// unbroken prefix of path (matching by Message.ID from path[0]).
func ContiguousPrefix(path []agent.Message, idsToRemove []string) bool {
	if len(idsToRemove) == 0 || len(idsToRemove) > len(path) {
		return false
	}
	for i, id := range idsToRemove {
		if path[i].ID != id {
			return false
		}
	}
	return true
}
