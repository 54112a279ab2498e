package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketrelay/pkg/types"
)

type event struct {
	kind string
	room types.RoomID
	user string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []event
}

func (n *recordingNotifier) TypingStarted(room types.RoomID, who types.Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event{"start", room, who.UserID})
}

func (n *recordingNotifier) TypingStopped(room types.RoomID, who types.Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event{"stop", room, who.UserID})
}

func (n *recordingNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.kind == kind {
			c++
		}
	}
	return c
}

var (
	buyer = types.Identity{UserID: "7", Role: types.RoleBuyer, DisplayName: "Ama"}
	room  = types.ConversationRoom("c1")
)

func TestTracker_ExpiresExactlyOnce(t *testing.T) {
	n := &recordingNotifier{}
	tr := NewTracker(30*time.Millisecond, n)
	defer tr.Close()

	tr.StartTyping("conn1", room, buyer)
	assert.Equal(t, []string{"7"}, tr.IsTyping(room))

	require.Eventually(t, func() bool { return n.count("stop") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, 1, n.count("start"))
	assert.Equal(t, 1, n.count("stop"))
	assert.Empty(t, tr.IsTyping(room))
}

func TestTracker_RefreshExtendsWindow(t *testing.T) {
	n := &recordingNotifier{}
	tr := NewTracker(60*time.Millisecond, n)
	defer tr.Close()

	tr.StartTyping("conn1", room, buyer)
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		tr.StartTyping("conn1", room, buyer)
	}
	assert.Equal(t, 0, n.count("stop"), "refreshes inside the window must keep the state alive")
	assert.Equal(t, 1, n.count("start"), "refresh is not a new start")

	require.Eventually(t, func() bool { return n.count("stop") == 1 }, time.Second, 5*time.Millisecond)
}

func TestTracker_ExplicitStopSuppressesExpiry(t *testing.T) {
	n := &recordingNotifier{}
	tr := NewTracker(30*time.Millisecond, n)
	defer tr.Close()

	tr.StartTyping("conn1", room, buyer)
	assert.True(t, tr.StopTyping(room, buyer.UserID))
	assert.False(t, tr.StopTyping(room, buyer.UserID), "second stop is a no-op")

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, n.count("stop"))
}

func TestTracker_StopAfterExpiryIsNoop(t *testing.T) {
	n := &recordingNotifier{}
	tr := NewTracker(20*time.Millisecond, n)
	defer tr.Close()

	tr.StartTyping("conn1", room, buyer)
	require.Eventually(t, func() bool { return n.count("stop") == 1 }, time.Second, 5*time.Millisecond)

	assert.False(t, tr.StopTyping(room, buyer.UserID))
	assert.Equal(t, 1, n.count("stop"))
}

func TestTracker_ClearConnection(t *testing.T) {
	n := &recordingNotifier{}
	tr := NewTracker(time.Minute, n)
	defer tr.Close()

	other := types.SupportRoom("7")
	tr.StartTyping("conn1", room, buyer)
	tr.StartTyping("conn1", other, buyer)
	tr.StartTyping("conn2", room, types.Identity{UserID: "9", Role: types.RoleFarmer})

	assert.Equal(t, 2, tr.ClearConnection("conn1"))
	assert.Equal(t, 2, n.count("stop"), "disconnect reports stops immediately")
	assert.Equal(t, []string{"9"}, tr.IsTyping(room))
	assert.Empty(t, tr.IsTyping(other))
	assert.Equal(t, 0, tr.ClearConnection("conn1"))
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_ConcurrentStopAndExpiry(t *testing.T) {
	// Stop racing the timer must still produce a single stop per burst.
	for i := 0; i < 20; i++ {
		n := &recordingNotifier{}
		tr := NewTracker(5*time.Millisecond, n)

		tr.StartTyping("conn1", room, buyer)
		time.Sleep(5 * time.Millisecond)
		tr.StopTyping(room, buyer.UserID)

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, n.count("stop"))
		tr.Close()
	}
}
