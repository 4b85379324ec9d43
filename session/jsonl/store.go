// Package jsonl implements session.Store with an in-memory path plus a
// newline-delimited JSON file for crash-safe persistence, per spec.md §6's
// session file format: each line is {"op":"append",...} or
// {"op":"replace",...}, replayed in order on load. A trailing partial line
// (the "crash after fsync" case) is discarded.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/opal-run/opal/agent"
	"github.com/opal-run/opal/session"
	"github.com/opal-run/opal/session/inmem"
)

// record is the on-disk shape of one JSONL line.
type record struct {
	Op         string        `json:"op"`
	ParentID   string        `json:"parent_id,omitempty"`
	Message    agent.Message `json:"message"`
	RemoveIDs  []string      `json:"remove_ids,omitempty"`
}

// Store wraps an inmem.Store with append-on-write persistence to path.
type Store struct {
	mu   sync.Mutex
	mem  *inmem.Store
	file *os.File
}

// Open opens (creating if necessary) the session file at path, replays any
// existing records into a fresh in-memory store, and returns a Store ready
// to accept further writes.
func Open(path string) (*Store, error) {
	mem := inmem.New()
	if err := loadInto(mem, path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("jsonl: open %s: %w", path, err)
	}
	return &Store{mem: mem, file: f}, nil
}

// loadInto replays path's records into mem in order, discarding a trailing
// incomplete record rather than failing the load.
func loadInto(mem *inmem.Store, path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("jsonl: load %s: %w", path, err)
	}
	defer f.Close()

	ctx := context.Background()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Partial trailing line from a crash mid-write: stop replay here.
			break
		}
		switch rec.Op {
		case "append":
			if _, err := mem.Append(ctx, rec.ParentID, rec.Message); err != nil {
				return fmt.Errorf("jsonl: replay append: %w", err)
			}
		case "replace":
			if err := mem.ReplacePathSegment(ctx, rec.RemoveIDs, rec.Message); err != nil {
				return fmt.Errorf("jsonl: replay replace: %w", err)
			}
		default:
			// Unknown op in an otherwise well-formed line: skip rather than abort.
		}
	}
	// A scanner error other than EOF on the final, truncated token is also
	// treated as "discard the trailing partial record."
	if err := scanner.Err(); err != nil && err != io.ErrUnexpectedEOF {
		return nil
	}
	return nil
}

// Append implements session.Store, persisting the operation before
// returning.
func (s *Store) Append(ctx context.Context, parentID string, msg agent.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.mem.Append(ctx, parentID, msg)
	if err != nil {
		return "", err
	}
	msg.ID = id
	return id, s.writeLocked(record{Op: "append", ParentID: parentID, Message: msg})
}

// Path implements session.Store.
func (s *Store) Path(ctx context.Context) ([]agent.Message, error) { return s.mem.Path(ctx) }

// Leaf implements session.Store.
func (s *Store) Leaf() string { return s.mem.Leaf() }

// Get implements session.Store.
func (s *Store) Get(ctx context.Context, id string) (agent.Message, error) { return s.mem.Get(ctx, id) }

// ReplacePathSegment implements session.Store, persisting the operation
// before returning.
func (s *Store) ReplacePathSegment(ctx context.Context, idsToRemove []string, replacement agent.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Assign the replacement's id here, before calling into mem, so the
	// persisted record carries the same id mem assigns in memory.
	// inmem.Store.ReplacePathSegment only fills in an id when one isn't
	// already set, so pre-assigning it here is honored rather than
	// overwritten, and a later append's parent_id survives a reload.
	if replacement.ID == "" {
		replacement.ID = uuid.NewString()
	}
	if err := s.mem.ReplacePathSegment(ctx, idsToRemove, replacement); err != nil {
		return err
	}
	return s.writeLocked(record{Op: "replace", RemoveIDs: idsToRemove, Message: replacement})
}

func (s *Store) writeLocked(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("jsonl: marshal record: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("jsonl: write record: %w", err)
	}
	return s.file.Sync()
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

var _ session.Store = (*Store)(nil)
