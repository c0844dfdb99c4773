package memory

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insight-collector/pkg/coordination"
)

func TestFirstMemberLeads(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx := context.Background()

	a, err := hub.Join(ctx, "/g")
	require.NoError(t, err)
	b, err := hub.Join(ctx, "/g")
	require.NoError(t, err)

	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())
	assert.Equal(t, 2, hub.Size("/g"))

	var promoted atomic.Bool
	b.OnEvent(func(e coordination.Event) {
		if e.Leader {
			promoted.Store(true)
		}
	})
	require.NoError(t, a.Close())
	assert.True(t, b.IsLeader())
	assert.True(t, promoted.Load())
}

func TestPublishFromListener(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a, err := hub.Join(context.Background(), "/g")
	require.NoError(t, err)
	a.OnEvent(func(e coordination.Event) {
		_ = a.Publish(coordination.NodeState{ID: "q", Container: "m", Services: []string{"stat"}})
	})
	_, err = hub.Join(context.Background(), "/g")
	require.NoError(t, err)

	leader, ok := hub.Leader("/g")
	require.True(t, ok)
	assert.Equal(t, []string{"stat"}, leader.Services)
	assert.Len(t, a.Members(), 2)
}

func TestClosedHub(t *testing.T) {
	hub := NewHub()
	g, err := hub.Join(context.Background(), "/g")
	require.NoError(t, err)
	require.NoError(t, hub.Close())

	assert.False(t, g.IsLeader())
	assert.ErrorIs(t, g.Publish(coordination.NodeState{}), coordination.ErrNotJoined)
	_, err = hub.Join(context.Background(), "/g")
	assert.ErrorIs(t, err, coordination.ErrClosed)
}
