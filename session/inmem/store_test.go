package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-run/opal/agent"
	"github.com/opal-run/opal/session"
)

func TestAppendBuildsLinearPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	id1, err := s.Append(ctx, "", agent.Message{Role: agent.RoleUser, Text: "hi"})
	require.NoError(t, err)
	id2, err := s.Append(ctx, id1, agent.Message{Role: agent.RoleAssistant, Text: "hello"})
	require.NoError(t, err)

	assert.Equal(t, id2, s.Leaf())

	path, err := s.Path(ctx)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, "hi", path[0].Text)
	assert.Equal(t, "hello", path[1].Text)
}

func TestAppendRejectsDuplicateID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	_, err := s.Append(ctx, "", agent.Message{ID: "m1", Role: agent.RoleUser, Text: "a"})
	require.NoError(t, err)

	_, err = s.Append(ctx, "m1", agent.Message{ID: "m1", Role: agent.RoleAssistant, Text: "b"})
	assert.ErrorIs(t, err, session.ErrDuplicateID)
}

func TestAppendRejectsMissingParent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	_, err := s.Append(ctx, "ghost", agent.Message{Role: agent.RoleUser, Text: "a"})
	assert.ErrorIs(t, err, session.ErrParentNotFound)
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	t.Parallel()
	s := New()
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestReplacePathSegmentSplicesPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	id1, err := s.Append(ctx, "", agent.Message{ID: "m1", Role: agent.RoleUser, Text: "one"})
	require.NoError(t, err)
	id2, err := s.Append(ctx, id1, agent.Message{ID: "m2", Role: agent.RoleAssistant, Text: "two"})
	require.NoError(t, err)
	id3, err := s.Append(ctx, id2, agent.Message{ID: "m3", Role: agent.RoleUser, Text: "three"})
	require.NoError(t, err)

	err = s.ReplacePathSegment(ctx, []string{id1, id2}, agent.Message{ID: "summary", Role: agent.RoleSystem, Text: "summarized"})
	require.NoError(t, err)

	path, err := s.Path(ctx)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, "summarized", path[0].Text)
	assert.Equal(t, id3, path[1].ID)
	assert.Equal(t, "summary", path[1].ParentID)
	assert.Equal(t, id3, s.Leaf())
}

func TestReplacePathSegmentCoveringLeafMovesLeaf(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	id1, err := s.Append(ctx, "", agent.Message{ID: "m1", Role: agent.RoleUser, Text: "one"})
	require.NoError(t, err)
	_, err = s.Append(ctx, id1, agent.Message{ID: "m2", Role: agent.RoleAssistant, Text: "two"})
	require.NoError(t, err)

	err = s.ReplacePathSegment(ctx, []string{"m1", "m2"}, agent.Message{ID: "summary", Role: agent.RoleSystem, Text: "summarized"})
	require.NoError(t, err)

	assert.Equal(t, "summary", s.Leaf())
	path, err := s.Path(ctx)
	require.NoError(t, err)
	require.Len(t, path, 1)
}

func TestReplacePathSegmentRejectsNonContiguous(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	id1, err := s.Append(ctx, "", agent.Message{ID: "m1", Role: agent.RoleUser, Text: "one"})
	require.NoError(t, err)
	_, err = s.Append(ctx, id1, agent.Message{ID: "m2", Role: agent.RoleAssistant, Text: "two"})
	require.NoError(t, err)

	err = s.ReplacePathSegment(ctx, []string{"m2"}, agent.Message{ID: "bad", Role: agent.RoleSystem})
	assert.ErrorIs(t, err, session.ErrNotContiguous)
}
