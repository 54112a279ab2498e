package rooms

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketrelay/pkg/types"
)

func TestRegistry_JoinLeaveIdempotent(t *testing.T) {
	r := NewRegistry()
	room := types.ConversationRoom("7")
	require.NoError(t, r.AddConnection("c1"))

	changed, err := r.Join("c1", room)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = r.Join("c1", room)
	require.NoError(t, err)
	assert.False(t, changed, "second join must be a no-op")
	assert.Equal(t, []string{"c1"}, r.SubscribersOf(room))

	assert.True(t, r.Leave("c1", room))
	assert.False(t, r.Leave("c1", room), "second leave must be a no-op")
	assert.Empty(t, r.SubscribersOf(room))
	assert.False(t, r.Leave("c1", types.SupportRoom("42")), "leaving a room never joined")
}

func TestRegistry_AddConnection(t *testing.T) {
	r := NewRegistry()

	assert.ErrorIs(t, r.AddConnection(""), ErrEmptyConnectionID)
	require.NoError(t, r.AddConnection("c1"))
	assert.ErrorIs(t, r.AddConnection("c1"), ErrConnectionRegistered)
	assert.True(t, r.IsLive("c1"))
}

func TestRegistry_RemoveConnectionLeavesEveryRoom(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddConnection("c1"))
	require.NoError(t, r.AddConnection("c2"))

	joined := []types.RoomID{
		types.ConversationRoom("7"),
		types.SupportRoom("42"),
		types.RoleRoom(types.RoleFarmer, "17"),
	}
	for _, room := range joined {
		_, err := r.Join("c1", room)
		require.NoError(t, err)
	}
	_, err := r.Join("c2", types.ConversationRoom("7"))
	require.NoError(t, err)

	left := r.RemoveConnection("c1")
	assert.ElementsMatch(t, joined, left)

	for _, room := range joined {
		assert.NotContains(t, r.SubscribersOf(room), "c1")
		assert.False(t, r.IsSubscribed("c1", room))
	}
	assert.Equal(t, []string{"c2"}, r.SubscribersOf(types.ConversationRoom("7")))
	assert.Equal(t, Stats{Connections: 1, Rooms: 1}, r.Stats())

	assert.Nil(t, r.RemoveConnection("c1"), "second removal is a no-op")
}

func TestRegistry_NoResurrectionAfterRemoval(t *testing.T) {
	r := NewRegistry()
	room := types.ConversationRoom("7")
	require.NoError(t, r.AddConnection("c1"))
	r.RemoveConnection("c1")

	changed, err := r.Join("c1", room)
	assert.ErrorIs(t, err, ErrConnectionRemoved)
	assert.False(t, changed)
	assert.Empty(t, r.SubscribersOf(room))
}

func TestRegistry_RemovalRacingJoins(t *testing.T) {
	// Whatever the interleaving, once RemoveConnection has returned the
	// connection is in no room and stays out of every room.
	for i := 0; i < 50; i++ {
		r := NewRegistry()
		connID := fmt.Sprintf("c%d", i)
		require.NoError(t, r.AddConnection(connID))

		var wg sync.WaitGroup
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				_, _ = r.Join(connID, types.ConversationRoom(fmt.Sprintf("%d", j)))
			}(j)
		}
		r.RemoveConnection(connID)
		wg.Wait()

		assert.False(t, r.IsLive(connID))
		assert.Empty(t, r.RoomsOf(connID))
		for j := 0; j < 10; j++ {
			assert.NotContains(t, r.SubscribersOf(types.ConversationRoom(fmt.Sprintf("%d", j))), connID)
		}
	}
}

func TestRegistry_ForEachSubscriberHoldsOffRemoval(t *testing.T) {
	r := NewRegistry()
	room := types.ConversationRoom("7")
	for _, id := range []string{"c2", "c1", "c3"} {
		require.NoError(t, r.AddConnection(id))
		_, err := r.Join(id, room)
		require.NoError(t, err)
	}

	removed := make(chan struct{})
	var visited []string
	r.ForEachSubscriber(room, func(connID string) {
		if connID == "c1" {
			go func() {
				r.RemoveConnection("c3")
				close(removed)
			}()
		}
		select {
		case <-removed:
			t.Errorf("removal returned while %s was still being visited", connID)
		case <-time.After(20 * time.Millisecond):
		}
		visited = append(visited, connID)
	})
	assert.Equal(t, []string{"c1", "c2", "c3"}, visited)

	<-removed
	visited = nil
	r.ForEachSubscriber(room, func(connID string) { visited = append(visited, connID) })
	assert.Equal(t, []string{"c1", "c2"}, visited)
}

func TestRegistry_RoomsOfKind(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddConnection("u1"))
	require.NoError(t, r.AddConnection("u2"))
	_, _ = r.Join("u1", types.SupportRoom("b"))
	_, _ = r.Join("u2", types.SupportRoom("a"))
	_, _ = r.Join("u2", types.ConversationRoom("7"))

	assert.Equal(t,
		[]types.RoomID{types.SupportRoom("a"), types.SupportRoom("b")},
		r.RoomsOfKind(types.RoomKindSupport))
	assert.Equal(t,
		[]types.RoomID{types.ConversationRoom("7"), types.SupportRoom("a")},
		r.RoomsOf("u2"))
}
