package inbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketrelay/pkg/types"
)

// fakeSource serves fixed history and listings. When gate is set, ListMessages
// blocks until it is closed.
type fakeSource struct {
	mu       sync.Mutex
	history  map[types.RoomID][]*types.Message
	listing  []*types.ActiveChatSummary
	failFor  map[string]bool
	gate     chan struct{}
	entered  chan struct{}
	listCall atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{history: make(map[types.RoomID][]*types.Message), failFor: make(map[string]bool)}
}

func (s *fakeSource) ListMessages(ctx context.Context, room types.RoomID) ([]*types.Message, error) {
	s.listCall.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[room.ID] {
		return nil, errors.New("collaborator returned 503")
	}
	return append([]*types.Message(nil), s.history[room]...), nil
}

func (s *fakeSource) ListActiveConversations(context.Context, string) ([]*types.ActiveChatSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listing, nil
}

var operator = types.Identity{UserID: "admin-1", Role: types.RoleAdmin, DisplayName: "Support"}

func supportMessage(id, counterpart, sender, body string, at time.Time) *types.Message {
	role := types.RoleAnonymous
	if sender != counterpart {
		role = types.RoleAdmin
	}
	return &types.Message{
		ID: id, Room: types.SupportRoom(counterpart), SenderID: sender, SenderRole: role,
		SenderName: "Visitor " + sender, Body: body, CreatedAt: at,
	}
}

func TestInbox_UnreadThenMarkReadHydrates(t *testing.T) {
	src := newFakeSource()
	now := time.Now()
	hello := supportMessage("m1", "42", "42", "hello", now)
	src.history[types.SupportRoom("42")] = []*types.Message{hello}

	in := New(operator, src)

	summary, ok := in.OnMessageDelivered(hello)
	require.True(t, ok)
	assert.Equal(t, "42", summary.CounterpartID)
	assert.Equal(t, 1, summary.UnreadCount)
	assert.Equal(t, "hello", summary.LastMessage)
	assert.Equal(t, StateListed, in.State("42"))

	summary, history, err := in.MarkRead(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.UnreadCount)
	assert.Equal(t, "hello", summary.LastMessage, "markRead leaves the last message alone")
	assert.Equal(t, StateHydrated, in.State("42"))
	require.Len(t, history, 1)
	assert.Equal(t, "m1", history[0].ID)
	assert.Equal(t, int32(1), src.listCall.Load())

	// Already hydrated: no second fetch.
	_, _, err = in.MarkRead(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.listCall.Load())
}

func TestInbox_FocusedConversationStaysRead(t *testing.T) {
	in := New(operator, newFakeSource())
	now := time.Now()

	_, _, err := in.Focus(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, StateFocused, in.State("42"))

	summary, _ := in.OnMessageDelivered(supportMessage("m1", "42", "42", "are you there?", now))
	assert.Equal(t, 0, summary.UnreadCount)
	assert.Len(t, in.History("42"), 1, "focused conversations keep their history current")

	// Another conversation still counts.
	summary, _ = in.OnMessageDelivered(supportMessage("m2", "43", "43", "hi", now))
	assert.Equal(t, 1, summary.UnreadCount)
}

func TestInbox_FocusMovesPreviousBackToHydrated(t *testing.T) {
	in := New(operator, newFakeSource())
	ctx := context.Background()

	_, _, err := in.Focus(ctx, "42")
	require.NoError(t, err)
	_, _, err = in.Focus(ctx, "43")
	require.NoError(t, err)

	assert.Equal(t, StateHydrated, in.State("42"))
	assert.Equal(t, StateFocused, in.State("43"))
	assert.Equal(t, "43", in.Focused())

	_, _, err = in.Focus(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, StateHydrated, in.State("43"))
	assert.Empty(t, in.Focused())

	summary, _ := in.OnMessageDelivered(supportMessage("m1", "43", "43", "back", time.Now()))
	assert.Equal(t, 1, summary.UnreadCount)
}

func TestInbox_OperatorRepliesDoNotCountAsUnread(t *testing.T) {
	in := New(operator, newFakeSource())

	summary, _ := in.OnMessageDelivered(supportMessage("m1", "42", "admin-2", "how can we help?", time.Now()))
	assert.Equal(t, 0, summary.UnreadCount)
	assert.Equal(t, "how can we help?", summary.LastMessage)
}

func TestInbox_IgnoresNonSupportRooms(t *testing.T) {
	in := New(operator, newFakeSource())
	_, ok := in.OnMessageDelivered(&types.Message{ID: "m1", Room: types.ConversationRoom("7"), Body: "x"})
	assert.False(t, ok)
	assert.Empty(t, in.Summaries())
}

func TestInbox_HistoryFailureIsScopedToOneConversation(t *testing.T) {
	src := newFakeSource()
	src.failFor["42"] = true
	in := New(operator, src)
	now := time.Now()
	in.OnMessageDelivered(supportMessage("m1", "42", "42", "hello", now))
	in.OnMessageDelivered(supportMessage("m2", "43", "43", "hi", now))

	summary, history, err := in.MarkRead(context.Background(), "42")
	assert.ErrorIs(t, err, ErrHistoryUnavailable)
	assert.Nil(t, history)
	assert.Equal(t, 0, summary.UnreadCount)
	assert.Equal(t, StateListed, in.State("42"), "a failed hydration leaves the conversation listed")

	_, _, err = in.MarkRead(context.Background(), "43")
	require.NoError(t, err)
	assert.Equal(t, StateHydrated, in.State("43"))

	_, _, err = in.Focus(context.Background(), "42")
	assert.ErrorIs(t, err, ErrHistoryUnavailable)
	assert.Empty(t, in.Focused())

	// Retry succeeds once the collaborator recovers.
	src.mu.Lock()
	src.failFor["42"] = false
	src.mu.Unlock()
	_, _, err = in.MarkRead(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, StateHydrated, in.State("42"))
}

func TestInbox_ConcurrentHydrationFetchesOnce(t *testing.T) {
	src := newFakeSource()
	src.gate = make(chan struct{})
	src.entered = make(chan struct{}, 10)
	in := New(operator, src)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := in.MarkRead(context.Background(), "42")
			assert.NoError(t, err)
		}()
	}

	<-src.entered
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.listCall.Load())
}

func TestInbox_DeliveryDuringHydrationIsKept(t *testing.T) {
	src := newFakeSource()
	now := time.Now()
	first := supportMessage("m1", "42", "42", "first", now)
	src.history[types.SupportRoom("42")] = []*types.Message{first}
	src.gate = make(chan struct{})
	src.entered = make(chan struct{}, 1)
	in := New(operator, src)

	done := make(chan []*types.Message)
	go func() {
		_, history, err := in.MarkRead(context.Background(), "42")
		assert.NoError(t, err)
		done <- history
	}()

	<-src.entered
	in.OnMessageDelivered(supportMessage("m2", "42", "42", "second", now.Add(time.Second)))
	close(src.gate)

	history := <-done
	require.Len(t, history, 2)
	assert.Equal(t, "m1", history[0].ID)
	assert.Equal(t, "m2", history[1].ID)
}

func TestInbox_OnConnectMergesListing(t *testing.T) {
	src := newFakeSource()
	now := time.Now()
	src.listing = []*types.ActiveChatSummary{
		{CounterpartID: "42", DisplayName: "Visitor 42", LastMessage: "old", LastMessageAt: now.Add(-time.Hour), UnreadCount: 2},
		{CounterpartID: "43", DisplayName: "Visitor 43", LastMessage: "newest", LastMessageAt: now},
	}
	in := New(operator, src)
	in.OnMessageDelivered(supportMessage("m9", "42", "42", "live", now.Add(-time.Minute)))

	summaries, err := in.OnConnect(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, "43", summaries[0].CounterpartID, "most recent first")
	assert.Equal(t, "live", summaries[1].LastMessage, "newer live delivery wins over an older listing")
	assert.Equal(t, StateListed, in.State("43"))
	assert.Equal(t, StateUnknown, in.State("99"))
}

func TestInbox_PreviewIsBounded(t *testing.T) {
	in := New(operator, newFakeSource())
	long := make([]rune, 500)
	for i := range long {
		long[i] = 'a'
	}
	summary, _ := in.OnMessageDelivered(supportMessage("m1", "42", "42", string(long), time.Now()))
	assert.Equal(t, previewRunes+1, len([]rune(summary.LastMessage)))
}
