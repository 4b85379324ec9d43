// Package inmem implements session.Store entirely in memory. It is the
// backend used by tests and by ephemeral sub-agent sessions that do not
// need to survive a process restart.
package inmem

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/opal-run/opal/agent"
	"github.com/opal-run/opal/session"
)

// Store is a thread-safe in-memory implementation of session.Store backed
// by a map keyed on message id plus a leaf pointer.
type Store struct {
	mu       sync.RWMutex
	messages map[string]agent.Message
	leaf     string
	// order preserves insertion order so Path can be reconstructed without
	// repeatedly walking parent pointers from scratch (a cache, not a
	// source of truth: parent_id links remain authoritative).
	order []string
}

// New constructs an empty in-memory session store.
func New() *Store {
	return &Store{messages: make(map[string]agent.Message)}
}

// Append implements session.Store.
func (s *Store) Append(_ context.Context, parentID string, msg agent.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := session.ValidateAppend(s.messages, parentID, msg.ID); err != nil {
		return "", err
	}
	msg.ParentID = parentID

	wasLeaf := parentID == s.leaf || (s.leaf == "" && parentID == "")
	s.messages[msg.ID] = msg
	s.order = append(s.order, msg.ID)
	if wasLeaf {
		s.leaf = msg.ID
	}
	return msg.ID, nil
}

// Leaf implements session.Store.
func (s *Store) Leaf() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaf
}

// Get implements session.Store.
func (s *Store) Get(_ context.Context, id string) (agent.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return agent.Message{}, session.ErrNotFound
	}
	return m, nil
}

// Path implements session.Store by walking parent pointers from the leaf
// back to the root, then reversing.
func (s *Store) Path(_ context.Context) ([]agent.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pathLocked()
}

func (s *Store) pathLocked() ([]agent.Message, error) {
	if s.leaf == "" {
		return nil, nil
	}
	var rev []agent.Message
	cur := s.leaf
	seen := make(map[string]bool)
	for cur != "" {
		if seen[cur] {
			return nil, session.ErrNotContiguous // cycle guard; should be unreachable
		}
		seen[cur] = true
		m, ok := s.messages[cur]
		if !ok {
			return nil, session.ErrNotFound
		}
		rev = append(rev, m)
		cur = m.ParentID
	}
	path := make([]agent.Message, len(rev))
	for i, m := range rev {
		path[len(rev)-1-i] = m
	}
	return path, nil
}

// ReplacePathSegment implements session.Store.
func (s *Store) ReplacePathSegment(_ context.Context, idsToRemove []string, replacement agent.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathLocked()
	if err != nil {
		return err
	}
	if len(path) == 0 {
		return session.ErrEmptyPath
	}
	if !session.ContiguousPrefix(path, idsToRemove) {
		return session.ErrNotContiguous
	}

	parentOfFirst := path[0].ParentID
	removedLeaf := false
	for _, id := range idsToRemove {
		if id == s.leaf {
			removedLeaf = true
		}
		delete(s.messages, id)
	}
	s.order = pruneOrder(s.order, idsToRemove)

	if replacement.ID == "" {
		replacement.ID = uuid.NewString()
	}
	replacement.ParentID = parentOfFirst
	s.messages[replacement.ID] = replacement
	s.order = append(s.order, replacement.ID)

	// Re-parent the message that followed the removed segment (if any) so
	// the chain stays connected.
	if len(idsToRemove) < len(path) {
		next := path[len(idsToRemove)]
		nm := s.messages[next.ID]
		nm.ParentID = replacement.ID
		s.messages[next.ID] = nm
	}

	if removedLeaf {
		s.leaf = replacement.ID
	}
	return nil
}

func pruneOrder(order []string, remove []string) []string {
	removeSet := make(map[string]bool, len(remove))
	for _, id := range remove {
		removeSet[id] = true
	}
	out := order[:0:0]
	for _, id := range order {
		if !removeSet[id] {
			out = append(out, id)
		}
	}
	return out
}
