package redisbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelNameNamespacesBySessionID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "opal:events:s1", channelName("s1"))
	assert.Equal(t, "opal:events:", channelName(""))
}

func TestChannelNameDoesNotCollideAcrossSessions(t *testing.T) {
	t.Parallel()
	assert.NotEqual(t, channelName("a"), channelName("b"))
}
