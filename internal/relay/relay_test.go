package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketrelay/internal/rooms"
	"marketrelay/internal/storetest"
	"marketrelay/pkg/types"
)

// recordingDeliverer keeps every frame handed to each connection, in order.
type recordingDeliverer struct {
	mu     sync.Mutex
	frames map[string][]*types.Frame
	fail   map[string]bool
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{frames: make(map[string][]*types.Frame), fail: make(map[string]bool)}
}

func (d *recordingDeliverer) Deliver(connID string, frame *types.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[connID] {
		return errors.New("connection closed")
	}
	d.frames[connID] = append(d.frames[connID], frame)
	return nil
}

func (d *recordingDeliverer) messages(t *testing.T, connID string) []*types.Message {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*types.Message
	for _, f := range d.frames[connID] {
		if f.Type != types.EventMessage {
			continue
		}
		var m types.Message
		require.NoError(t, json.Unmarshal(f.Payload, &m))
		out = append(out, &m)
	}
	return out
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []observed
}

type observed struct {
	msg        *types.Message
	recipients []string
}

func (o *recordingObserver) MessageDelivered(msg *types.Message, recipients []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, observed{msg, recipients})
}

type fixture struct {
	registry  *rooms.Registry
	store     *storetest.Store
	deliverer *recordingDeliverer
	relay     *Relay
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		registry:  rooms.NewRegistry(),
		store:     storetest.New(),
		deliverer: newRecordingDeliverer(),
	}
	r, err := New(f.registry, f.store, f.deliverer, opts...)
	require.NoError(t, err)
	f.relay = r
	return f
}

func (f *fixture) join(t *testing.T, connID string, room types.RoomID) {
	t.Helper()
	if !f.registry.IsLive(connID) {
		require.NoError(t, f.registry.AddConnection(connID))
	}
	_, err := f.registry.Join(connID, room)
	require.NoError(t, err)
}

var (
	buyer  = types.Identity{UserID: "b1", Role: types.RoleBuyer, DisplayName: "Ama"}
	farmer = types.Identity{UserID: "f1", Role: types.RoleFarmer, DisplayName: "Kofi"}
	conv   = types.ConversationRoom("7")
)

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(rooms.NewRegistry(), nil, newRecordingDeliverer())
	assert.ErrorIs(t, err, ErrNilStore)
}

func TestSend_DeliversToEverySubscriber(t *testing.T) {
	f := newFixture(t)
	f.join(t, "buyer-conn", conv)
	f.join(t, "farmer-conn", conv)
	f.join(t, "bystander", types.ConversationRoom("8"))

	msg, err := f.relay.Send(context.Background(), SendRequest{
		ConnectionID: "buyer-conn", Sender: buyer, Room: conv, Body: "  is the maize dry?  ", ClientMessageID: "c-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "is the maize dry?", msg.Body)
	assert.Equal(t, int64(1), msg.Sequence)
	assert.Equal(t, "c-1", msg.ClientMessageID)

	for _, connID := range []string{"buyer-conn", "farmer-conn"} {
		got := f.deliverer.messages(t, connID)
		require.Len(t, got, 1, connID)
		assert.Equal(t, msg.ID, got[0].ID)
		assert.Equal(t, conv, got[0].Room)
	}
	assert.Empty(t, f.deliverer.messages(t, "bystander"))
	assert.Len(t, f.store.Messages(conv), 1)
}

func TestSend_UnsubscribedSenderIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.join(t, "farmer-conn", conv)
	require.NoError(t, f.registry.AddConnection("outsider"))

	_, err := f.relay.Send(context.Background(), SendRequest{
		ConnectionID: "outsider", Sender: buyer, Room: conv, Body: "hi",
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 0, f.store.Creates(), "unauthorized sends never reach the store")
	assert.Empty(t, f.deliverer.messages(t, "farmer-conn"))
}

func TestSend_PersistenceFailureDeliversNothing(t *testing.T) {
	f := newFixture(t)
	f.store.FailCreate = func(*types.NewMessage) bool { return true }
	f.join(t, "buyer-conn", conv)
	f.join(t, "farmer-conn", conv)

	msg, err := f.relay.Send(context.Background(), SendRequest{
		ConnectionID: "buyer-conn", Sender: buyer, Room: conv, Body: "hello", ClientMessageID: "c-1",
	})
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, ErrPersistenceFailed)
	assert.ErrorIs(t, err, storetest.ErrInjected)
	assert.Equal(t, 1, f.store.Creates(), "the relay does not retry")

	assert.Empty(t, f.deliverer.messages(t, "buyer-conn"))
	assert.Empty(t, f.deliverer.messages(t, "farmer-conn"))
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t, WithMaxBodyRunes(5))
	f.join(t, "buyer-conn", conv)

	tests := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"empty body", SendRequest{ConnectionID: "buyer-conn", Sender: buyer, Room: conv, Body: "   "}, types.ErrEmptyBody},
		{"long body", SendRequest{ConnectionID: "buyer-conn", Sender: buyer, Room: conv, Body: "toolong"}, types.ErrBodyTooLong},
		{"bad room", SendRequest{ConnectionID: "buyer-conn", Sender: buyer, Room: types.RoomID{Kind: "lobby", ID: "1"}, Body: "hi"}, types.ErrInvalidRoomID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.relay.Send(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, 0, f.store.Creates())
}

func TestSend_PerRoomOrderMatchesPersistenceOrder(t *testing.T) {
	f := newFixture(t)
	f.store.CreateDelay = time.Millisecond
	f.join(t, "buyer-conn", conv)
	f.join(t, "farmer-conn", conv)
	f.join(t, "watcher", conv)

	var wg sync.WaitGroup
	for _, sender := range []struct {
		connID string
		who    types.Identity
	}{{"buyer-conn", buyer}, {"farmer-conn", farmer}} {
		wg.Add(1)
		go func(connID string, who types.Identity) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := f.relay.Send(context.Background(), SendRequest{
					ConnectionID: connID, Sender: who, Room: conv, Body: fmt.Sprintf("%s-%d", who.UserID, i),
				})
				assert.NoError(t, err)
			}
		}(sender.connID, sender.who)
	}
	wg.Wait()

	persisted := f.store.Messages(conv)
	require.Len(t, persisted, 50)

	for _, connID := range []string{"buyer-conn", "farmer-conn", "watcher"} {
		got := f.deliverer.messages(t, connID)
		require.Len(t, got, 50, connID)
		for i, m := range got {
			assert.Equal(t, int64(i+1), m.Sequence, "%s out of order at %d", connID, i)
			assert.Equal(t, persisted[i].ID, m.ID, "delivery order must equal persistence order")
		}
	}
}

// gatedStore blocks CreateMessage for one room until the gate is closed.
type gatedStore struct {
	*storetest.Store
	room types.RoomID
	gate chan struct{}
}

func (g *gatedStore) CreateMessage(ctx context.Context, msg *types.NewMessage) (*types.Message, error) {
	if msg.Room == g.room {
		<-g.gate
	}
	return g.Store.CreateMessage(ctx, msg)
}

func TestSend_RoomsDoNotBlockEachOther(t *testing.T) {
	registry := rooms.NewRegistry()
	store := &gatedStore{Store: storetest.New(), room: conv, gate: make(chan struct{})}
	r, err := New(registry, store, newRecordingDeliverer())
	require.NoError(t, err)

	other := types.ConversationRoom("8")
	require.NoError(t, registry.AddConnection("buyer-conn"))
	_, _ = registry.Join("buyer-conn", conv)
	_, _ = registry.Join("buyer-conn", other)

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_, _ = r.Send(context.Background(), SendRequest{ConnectionID: "buyer-conn", Sender: buyer, Room: conv, Body: "slow"})
	}()

	fastDone := make(chan error, 1)
	go func() {
		_, err := r.Send(context.Background(), SendRequest{ConnectionID: "buyer-conn", Sender: buyer, Room: other, Body: "fast"})
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("a blocked room stalled an unrelated room")
	}

	close(store.gate)
	<-slowDone
	assert.Equal(t, 2, r.Rooms())
}

func TestSend_RemovedConnectionNeverReceives(t *testing.T) {
	f := newFixture(t)
	f.join(t, "buyer-conn", conv)
	f.join(t, "farmer-conn", conv)

	f.registry.RemoveConnection("farmer-conn")

	_, err := f.relay.Send(context.Background(), SendRequest{ConnectionID: "buyer-conn", Sender: buyer, Room: conv, Body: "still there?"})
	require.NoError(t, err)
	assert.Empty(t, f.deliverer.messages(t, "farmer-conn"))

	// A late join for the removed id is rejected, so later sends cannot reach it either.
	_, err = f.registry.Join("farmer-conn", conv)
	assert.ErrorIs(t, err, rooms.ErrConnectionRemoved)
	_, err = f.relay.Send(context.Background(), SendRequest{ConnectionID: "buyer-conn", Sender: buyer, Room: conv, Body: "hello?"})
	require.NoError(t, err)
	assert.Empty(t, f.deliverer.messages(t, "farmer-conn"))
}

// removingDeliverer starts removing victim from the registry on the first delivery
// of a fan-out and records whether victim was reached after the removal returned.
type removingDeliverer struct {
	*recordingDeliverer
	registry *rooms.Registry
	victim   string

	once         sync.Once
	removed      chan struct{}
	lateDelivery bool
}

func (d *removingDeliverer) Deliver(connID string, frame *types.Frame) error {
	d.once.Do(func() {
		go func() {
			d.registry.RemoveConnection(d.victim)
			close(d.removed)
		}()
		// Give the removal every chance to overtake the rest of the fan-out.
		select {
		case <-d.removed:
		case <-time.After(50 * time.Millisecond):
		}
	})
	if connID == d.victim {
		select {
		case <-d.removed:
			d.lateDelivery = true
		default:
		}
	}
	return d.recordingDeliverer.Deliver(connID, frame)
}

func TestSend_RemovalDuringFanOutIsNeverOvertaken(t *testing.T) {
	registry := rooms.NewRegistry()
	d := &removingDeliverer{
		recordingDeliverer: newRecordingDeliverer(),
		registry:           registry,
		victim:             "farmer-conn",
		removed:            make(chan struct{}),
	}
	r, err := New(registry, storetest.New(), d)
	require.NoError(t, err)
	for _, id := range []string{"buyer-conn", "farmer-conn"} {
		require.NoError(t, registry.AddConnection(id))
		_, err := registry.Join(id, conv)
		require.NoError(t, err)
	}

	_, err = r.Send(context.Background(), SendRequest{ConnectionID: "buyer-conn", Sender: buyer, Room: conv, Body: "racing"})
	require.NoError(t, err)
	assert.False(t, d.lateDelivery, "farmer-conn reached after its removal returned")

	select {
	case <-d.removed:
	case <-time.After(time.Second):
		t.Fatal("removal never completed")
	}
	assert.False(t, registry.IsLive("farmer-conn"))

	before := len(d.messages(t, "farmer-conn"))
	_, err = r.Send(context.Background(), SendRequest{ConnectionID: "buyer-conn", Sender: buyer, Room: conv, Body: "after"})
	require.NoError(t, err)
	assert.Len(t, d.messages(t, "farmer-conn"), before)
}

func TestSend_FailedDeliveryDoesNotStopFanOut(t *testing.T) {
	f := newFixture(t)
	f.join(t, "buyer-conn", conv)
	f.join(t, "broken", conv)
	f.join(t, "farmer-conn", conv)
	f.deliverer.fail["broken"] = true

	_, err := f.relay.Send(context.Background(), SendRequest{ConnectionID: "buyer-conn", Sender: buyer, Room: conv, Body: "hi"})
	require.NoError(t, err)
	assert.Len(t, f.deliverer.messages(t, "farmer-conn"), 1)
	assert.Len(t, f.deliverer.messages(t, "buyer-conn"), 1)
}

func TestSend_RetryWithSameClientMessageIDIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.join(t, "buyer-conn", conv)
	f.join(t, "farmer-conn", conv)

	req := SendRequest{ConnectionID: "buyer-conn", Sender: buyer, Room: conv, Body: "once", ClientMessageID: "c-42"}
	first, err := f.relay.Send(context.Background(), req)
	require.NoError(t, err)
	second, err := f.relay.Send(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Sequence, second.Sequence)
	assert.Len(t, f.store.Messages(conv), 1)
	assert.Len(t, f.deliverer.messages(t, "farmer-conn"), 1, "a retry must not fan out twice")
}

func TestSend_GeneratesClientMessageID(t *testing.T) {
	f := newFixture(t)
	f.join(t, "buyer-conn", conv)

	a, err := f.relay.Send(context.Background(), SendRequest{ConnectionID: "buyer-conn", Sender: buyer, Room: conv, Body: "same"})
	require.NoError(t, err)
	b, err := f.relay.Send(context.Background(), SendRequest{ConnectionID: "buyer-conn", Sender: buyer, Room: conv, Body: "same"})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ClientMessageID)
	assert.NotEqual(t, a.ID, b.ID, "identical bodies without keys are distinct messages")
}

func TestSend_RateLimited(t *testing.T) {
	f := newFixture(t, WithLimiter(NewRateLimiter(2, time.Minute)))
	f.join(t, "buyer-conn", conv)

	for i := 0; i < 2; i++ {
		_, err := f.relay.Send(context.Background(), SendRequest{ConnectionID: "buyer-conn", Sender: buyer, Room: conv, Body: "hi"})
		require.NoError(t, err)
	}
	_, err := f.relay.Send(context.Background(), SendRequest{ConnectionID: "buyer-conn", Sender: buyer, Room: conv, Body: "hi"})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 2, f.store.Creates())
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestSend_LimiterOutageFailsOpen(t *testing.T) {
	f := newFixture(t, WithLimiter(brokenLimiter{}))
	f.join(t, "buyer-conn", conv)

	_, err := f.relay.Send(context.Background(), SendRequest{ConnectionID: "buyer-conn", Sender: buyer, Room: conv, Body: "hi"})
	assert.NoError(t, err)
}

func TestSend_SupportRoomsNotifyObserver(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, WithObserver(obs))
	support := types.SupportRoom("anon-1")
	f.join(t, "visitor", support)
	f.join(t, "operator", support)
	f.join(t, "buyer-conn", conv)

	visitor := types.Identity{UserID: "anon-1", Role: types.RoleAnonymous}
	_, err := f.relay.Send(context.Background(), SendRequest{ConnectionID: "visitor", Sender: visitor, Room: support, Body: "hello"})
	require.NoError(t, err)
	_, err = f.relay.Send(context.Background(), SendRequest{ConnectionID: "buyer-conn", Sender: buyer, Room: conv, Body: "hi"})
	require.NoError(t, err)

	require.Len(t, obs.calls, 1, "only support rooms feed the inbox")
	assert.Equal(t, "hello", obs.calls[0].msg.Body)
	assert.ElementsMatch(t, []string{"visitor", "operator"}, obs.calls[0].recipients)
}

func TestPublish_SkipsExcludedConnection(t *testing.T) {
	f := newFixture(t)
	f.join(t, "buyer-conn", conv)
	f.join(t, "farmer-conn", conv)

	n, err := f.relay.Publish(conv, types.EventTypingStart, types.TypingPayload{UserID: "b1"}, "buyer-conn")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.deliverer.mu.Lock()
	defer f.deliverer.mu.Unlock()
	assert.Empty(t, f.deliverer.frames["buyer-conn"])
	require.Len(t, f.deliverer.frames["farmer-conn"], 1)
	assert.Equal(t, types.EventTypingStart, f.deliverer.frames["farmer-conn"][0].Type)
	assert.Equal(t, "conversation:7", f.deliverer.frames["farmer-conn"][0].Room)
}
