package relay_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsp-relay-server/internal/relay"
)

func TestSession_TracksConnection(t *testing.T) {
	s, conn := newSession(testKey)

	assert.Equal(t, conn.ID(), s.ID())
	assert.Equal(t, testKey, s.Key())
	assert.True(t, s.IsConnected())

	require.NoError(t, s.Send([]byte{0x47}))
	assert.Equal(t, [][]byte{{0x47}}, conn.Binaries())

	require.NoError(t, s.Close())
	assert.False(t, s.IsConnected())
	assert.NoError(t, s.Close())
}

func TestSessionTable(t *testing.T) {
	table := relay.NewSessionTable()
	a, _ := newSession(testKey)
	b, _ := newSession(testKey)

	assert.True(t, table.Add(a))
	assert.False(t, table.Add(a))
	assert.True(t, table.Add(b))
	assert.Equal(t, 2, table.Len())

	got, ok := table.Get(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)

	removed, ok := table.Remove(a.ID())
	require.True(t, ok)
	assert.Same(t, a, removed)
	_, ok = table.Remove(a.ID())
	assert.False(t, ok)

	drained := table.Drain()
	assert.Len(t, drained, 1)
	assert.Equal(t, 0, table.Len())
}
