package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketrelay/internal/access"
	"marketrelay/internal/inbox"
	"marketrelay/internal/presence"
	"marketrelay/internal/relay"
	"marketrelay/internal/rooms"
	"marketrelay/pkg/interfaces"
	"marketrelay/pkg/types"
)

const defaultNotifyBuffer = 1000

// Options tunes the components the hub assembles.
type Options struct {
	TypingWindow time.Duration
	MaxBodyRunes int
	Limiter      relay.Limiter
	NotifyBuffer int
}

// Hub coordinates connections, rooms, the relay, typing state and operator inboxes.
// ARCHITECTURAL DISCOVERY: chat messages take the synchronous relay path so the sender
// gets its ack or error on the same request; advisory presence and typing events are
// queued and published by a single goroutine so they reach clients in the order raised.
type Hub struct {
	notifyChannel   chan notification
	shutdownChannel chan struct{}
	done            chan struct{}

	rooms   *rooms.Registry
	conns   *connectionTable
	store   interfaces.MessageStore
	policy  *access.Policy
	relay   *relay.Relay
	typing  *presence.Tracker
	inboxes *inbox.Directory

	running bool
	dropped int64
	mu      sync.RWMutex
}

type notification struct {
	room      types.RoomID
	eventType string
	payload   any
}

// Stats is a point-in-time snapshot of hub state.
type Stats struct {
	Running       bool  `json:"running"`
	Connections   int   `json:"connections"`
	Users         int   `json:"users"`
	Operators     int   `json:"operators"`
	Rooms         int   `json:"rooms"`
	Lanes         int   `json:"lanes"`
	TypingStates  int   `json:"typing_states"`
	Inboxes       int   `json:"inboxes"`
	DroppedEvents int64 `json:"dropped_events"`
}

// NewHub wires the relay, typing tracker and inbox directory around registry and store.
func NewHub(registry *rooms.Registry, store interfaces.MessageStore, policy *access.Policy, opts Options) (*Hub, error) {
	if registry == nil {
		registry = rooms.NewRegistry()
	}
	if policy == nil {
		policy = access.NewPolicy(store, 0)
	}
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = defaultNotifyBuffer
	}

	h := &Hub{
		notifyChannel:   make(chan notification, opts.NotifyBuffer),
		shutdownChannel: make(chan struct{}),
		done:            make(chan struct{}),
		rooms:           registry,
		conns:           newConnectionTable(),
		store:           store,
		policy:          policy,
	}
	h.inboxes = inbox.NewDirectory(store, h)
	h.typing = presence.NewTracker(opts.TypingWindow, h)

	relayOpts := []relay.Option{relay.WithObserver(h.inboxes)}
	if opts.Limiter != nil {
		relayOpts = append(relayOpts, relay.WithLimiter(opts.Limiter))
	}
	if opts.MaxBodyRunes > 0 {
		relayOpts = append(relayOpts, relay.WithMaxBodyRunes(opts.MaxBodyRunes))
	}
	r, err := relay.New(registry, store, h, relayOpts...)
	if err != nil {
		return nil, fmt.Errorf("create relay: %w", err)
	}
	h.relay = r
	return h, nil
}

// Start begins publishing queued presence and typing events.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	slog.Info("[HUB] starting")
	go h.run(ctx)
	return nil
}

// Stop halts event publishing and cancels pending typing timers without notifying.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.mu.Unlock()

	slog.Info("[HUB] stopping")
	h.typing.Close()

	// TECHNICAL DISCOVERY: Safe channel close using select to prevent panic
	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}
	<-h.done
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer slog.Info("[HUB] stopped")

	for {
		select {
		case n := <-h.notifyChannel:
			h.publish(n)
		case <-h.shutdownChannel:
			return
		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			h.typing.Close()
			return
		}
	}
}

func (h *Hub) publish(n notification) {
	if _, err := h.relay.Publish(n.room, n.eventType, n.payload, ""); err != nil {
		slog.Warn("[HUB] publish failed", "room", n.room.String(), "type", n.eventType, "error", err)
	}
}

// notify queues an advisory event. Events raised while the queue is full are dropped.
func (h *Hub) notify(room types.RoomID, eventType string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	select {
	case h.notifyChannel <- notification{room: room, eventType: eventType, payload: payload}:
	default:
		h.dropped++
		slog.Warn("[HUB] event dropped", "room", room.String(), "type", eventType, "error", ErrNotificationsDropped)
	}
}

// TypingStarted implements presence.Notifier.
func (h *Hub) TypingStarted(room types.RoomID, who types.Identity) {
	h.notify(room, types.EventTypingStart, types.TypingPayload{UserID: who.UserID, DisplayName: who.DisplayName})
}

// TypingStopped implements presence.Notifier.
func (h *Hub) TypingStopped(room types.RoomID, who types.Identity) {
	h.notify(room, types.EventTypingStop, types.TypingPayload{UserID: who.UserID, DisplayName: who.DisplayName})
}

// Connect registers a freshly authenticated connection. It owns no rooms yet.
func (h *Hub) Connect(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !h.IsRunning() {
		return ErrHubNotRunning
	}
	if err := h.rooms.AddConnection(conn.ID()); err != nil {
		return fmt.Errorf("register connection: %w", err)
	}
	h.conns.add(conn)

	who := conn.Identity()
	slog.Info("[HUB] connected", "conn", conn.ID(), "user", who.UserID, "role", string(who.Role))
	return nil
}

// Disconnect synchronously tears down everything a connection owned: room
// membership, typing state and its operator inbox. Safe to call more than once.
func (h *Hub) Disconnect(conn interfaces.Connection) {
	if conn == nil {
		return
	}
	id := conn.ID()
	who := conn.Identity()

	// Unreachable through Deliver first, then out of every room.
	removed := h.conns.remove(conn)
	left := h.rooms.RemoveConnection(id)
	cleared := h.typing.ClearConnection(id)
	h.inboxes.Detach(id)

	for _, room := range left {
		if room.Kind == types.RoomKindSupport && room.ID == who.UserID && !h.userInRoom(who.UserID, room) {
			h.notify(room, types.EventPresenceLeft, types.PresencePayload{UserID: who.UserID, DisplayName: who.DisplayName, Role: who.Role})
			h.inboxes.SetOnline(who.UserID, false)
		}
	}

	if err := conn.Close(); err != nil {
		slog.Debug("[HUB] close after disconnect", "conn", id, "error", err)
	}
	if removed {
		slog.Info("[HUB] disconnected", "conn", id, "user", who.UserID, "rooms", len(left), "typing_cleared", cleared)
	}
}

// DisconnectAll tears down every live connection. Used on shutdown, where hijacked
// WebSocket connections are not closed by the HTTP server.
func (h *Hub) DisconnectAll() int {
	conns := h.conns.all()
	for _, conn := range conns {
		h.Disconnect(conn)
	}
	return len(conns)
}

// userInRoom reports whether any live connection of userID is subscribed to room.
func (h *Hub) userInRoom(userID string, room types.RoomID) bool {
	for _, connID := range h.rooms.SubscribersOf(room) {
		if u, ok := h.conns.userOf(connID); ok && u == userID {
			return true
		}
	}
	return false
}

// Deliver implements relay.Deliverer and inbox.Deliverer.
func (h *Hub) Deliver(connID string, frame *types.Frame) error {
	conn, ok := h.conns.get(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	return conn.WriteJSON(frame)
}

// Publish sends an out-of-band event to every subscriber of room.
func (h *Hub) Publish(room types.RoomID, eventType string, payload any) (int, error) {
	if err := room.Validate(); err != nil {
		return 0, err
	}
	return h.relay.Publish(room, eventType, payload, "")
}

// Registry exposes the room registry.
func (h *Hub) Registry() *rooms.Registry {
	return h.rooms
}

// Inboxes exposes the operator inbox directory.
func (h *Hub) Inboxes() *inbox.Directory {
	return h.inboxes
}

// Typing exposes the typing tracker.
func (h *Hub) Typing() *presence.Tracker {
	return h.typing
}

func (h *Hub) Stats() Stats {
	connections, users, operators := h.conns.count()
	roomStats := h.rooms.Stats()

	h.mu.RLock()
	running, dropped := h.running, h.dropped
	h.mu.RUnlock()

	return Stats{
		Running:       running,
		Connections:   connections,
		Users:         users,
		Operators:     operators,
		Rooms:         roomStats.Rooms,
		Lanes:         h.relay.Rooms(),
		TypingStates:  h.typing.Len(),
		Inboxes:       h.inboxes.Len(),
		DroppedEvents: dropped,
	}
}
