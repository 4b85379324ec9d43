// Package mongo implements session.Store on top of MongoDB for deployments
// that run more than one opal process against a shared session.
//
// Shape grounded on goa-ai's features/session/mongo.Store: a thin adapter
// delegating to a driver client, with documents keyed by session id and
// records appended to an ordered array field. This mirrors the JSONL
// backend's op-log model (append/replace) but stored server-side instead
// of in a local file, so a session can be resumed from any process with
// connectivity to the cluster.
package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/opal-run/opal/agent"
	"github.com/opal-run/opal/session"
	"github.com/opal-run/opal/session/inmem"
)

// entry is the persisted shape of one op-log record within a session
// document, mirroring jsonl.record.
type entry struct {
	Op        string        `bson:"op"`
	ParentID  string        `bson:"parent_id,omitempty"`
	Message   agent.Message `bson:"message"`
	RemoveIDs []string      `bson:"remove_ids,omitempty"`
	At        time.Time     `bson:"at"`
}

type doc struct {
	ID      string  `bson:"_id"`
	Entries []entry `bson:"entries"`
}

// Store persists a session's op-log to a Mongo collection and replays it
// into an in-memory path on Open, the same way jsonl.Store does for a
// local file.
type Store struct {
	coll      *mongo.Collection
	sessionID string
	mem       *inmem.Store
}

// Open loads (or creates) the Mongo-backed session document for
// sessionID, replays its op-log into an in-memory path, and returns a
// Store ready to accept further writes.
func Open(ctx context.Context, coll *mongo.Collection, sessionID string) (*Store, error) {
	mem := inmem.New()

	var d doc
	err := coll.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&d)
	switch {
	case err == mongo.ErrNoDocuments:
		if _, err := coll.InsertOne(ctx, doc{ID: sessionID}); err != nil {
			return nil, fmt.Errorf("mongo: create session document: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("mongo: load session document: %w", err)
	default:
		for _, e := range d.Entries {
			if err := replay(ctx, mem, e); err != nil {
				return nil, fmt.Errorf("mongo: replay session %s: %w", sessionID, err)
			}
		}
	}

	return &Store{coll: coll, sessionID: sessionID, mem: mem}, nil
}

func replay(ctx context.Context, mem *inmem.Store, e entry) error {
	switch e.Op {
	case "append":
		_, err := mem.Append(ctx, e.ParentID, e.Message)
		return err
	case "replace":
		return mem.ReplacePathSegment(ctx, e.RemoveIDs, e.Message)
	default:
		return nil
	}
}

// Append implements session.Store.
func (s *Store) Append(ctx context.Context, parentID string, msg agent.Message) (string, error) {
	id, err := s.mem.Append(ctx, parentID, msg)
	if err != nil {
		return "", err
	}
	msg.ID = id
	return id, s.pushLocked(ctx, entry{Op: "append", ParentID: parentID, Message: msg, At: time.Now()})
}

// Path implements session.Store.
func (s *Store) Path(ctx context.Context) ([]agent.Message, error) { return s.mem.Path(ctx) }

// Leaf implements session.Store.
func (s *Store) Leaf() string { return s.mem.Leaf() }

// Get implements session.Store.
func (s *Store) Get(ctx context.Context, id string) (agent.Message, error) { return s.mem.Get(ctx, id) }

// ReplacePathSegment implements session.Store.
func (s *Store) ReplacePathSegment(ctx context.Context, idsToRemove []string, replacement agent.Message) error {
	// Assign the id before mem does, so the persisted entry carries it and
	// later appends parented to the replacement still resolve on replay.
	if replacement.ID == "" {
		replacement.ID = uuid.NewString()
	}
	if err := s.mem.ReplacePathSegment(ctx, idsToRemove, replacement); err != nil {
		return err
	}
	return s.pushLocked(ctx, entry{Op: "replace", RemoveIDs: idsToRemove, Message: replacement, At: time.Now()})
}

func (s *Store) pushLocked(ctx context.Context, e entry) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": s.sessionID},
		bson.M{"$push": bson.M{"entries": e}},
	)
	if err != nil {
		return fmt.Errorf("mongo: append entry: %w", err)
	}
	return nil
}

var _ session.Store = (*Store)(nil)
