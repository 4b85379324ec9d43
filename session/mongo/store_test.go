package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-run/opal/agent"
	"github.com/opal-run/opal/session/inmem"
)

func TestReplayAppendsIntoInMemoryStore(t *testing.T) {
	t.Parallel()
	mem := inmem.New()
	err := replay(context.Background(), mem, entry{
		Op:      "append",
		Message: agent.Message{Role: agent.RoleUser, Text: "hi"},
	})
	require.NoError(t, err)

	path, err := mem.Path(context.Background())
	require.NoError(t, err)
	require.Len(t, path, 1)
	assert.Equal(t, "hi", path[0].Text)
}

func TestReplayReplacesPathSegment(t *testing.T) {
	t.Parallel()
	mem := inmem.New()
	require.NoError(t, replay(context.Background(), mem, entry{
		Op:      "append",
		Message: agent.Message{Role: agent.RoleUser, Text: "hi"},
	}))
	path, err := mem.Path(context.Background())
	require.NoError(t, err)
	id := path[0].ID

	err = replay(context.Background(), mem, entry{
		Op:        "replace",
		RemoveIDs: []string{id},
		Message:   agent.Message{Role: agent.RoleUser, Text: "summary"},
	})
	require.NoError(t, err)

	path, err = mem.Path(context.Background())
	require.NoError(t, err)
	require.Len(t, path, 1)
	assert.Equal(t, "summary", path[0].Text)
}

func TestReplayIgnoresUnknownOp(t *testing.T) {
	t.Parallel()
	mem := inmem.New()
	err := replay(context.Background(), mem, entry{Op: "mystery"})
	require.NoError(t, err)

	path, err := mem.Path(context.Background())
	require.NoError(t, err)
	assert.Empty(t, path)
}
