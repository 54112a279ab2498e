package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketrelay/pkg/interfaces"
	"marketrelay/pkg/types"
)

// recentPerRoom bounds how many delivered message ids a lane remembers for
// duplicate suppression.
const recentPerRoom = 256

// Subscriptions is the read side of the room registry the relay needs.
type Subscriptions interface {
	IsSubscribed(connID string, room types.RoomID) bool
	// ForEachSubscriber must hold off removals until fn has seen every subscriber.
	ForEachSubscriber(room types.RoomID, fn func(connID string))
}

// Deliverer writes a frame to one live connection without blocking on the network.
type Deliverer interface {
	Deliver(connID string, frame *types.Frame) error
}

// DeliveryObserver is told about every message delivered into a support room.
type DeliveryObserver interface {
	MessageDelivered(msg *types.Message, recipients []string)
}

// SendRequest is one inbound chat message.
type SendRequest struct {
	ConnectionID    string
	Sender          types.Identity
	Room            types.RoomID
	Body            string
	ClientMessageID string
}

// Option configures a Relay.
type Option func(*Relay)

func WithLimiter(l Limiter) Option {
	return func(r *Relay) { r.limiter = l }
}

func WithObserver(o DeliveryObserver) Option {
	return func(r *Relay) { r.observer = o }
}

func WithMaxBodyRunes(n int) Option {
	return func(r *Relay) { r.maxBodyRunes = n }
}

func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// Relay accepts chat messages, persists them and fans them out to room subscribers.
// ARCHITECTURAL DISCOVERY: persist-then-route per room lane. A lane lock is held from
// the store call until the last subscriber has been handed the frame, so message N
// of a room is fully delivered before message N+1 is persisted. Rooms never share
// a lane and proceed concurrently.
type Relay struct {
	subs         Subscriptions
	store        interfaces.MessageStore
	deliverer    Deliverer
	limiter      Limiter
	observer     DeliveryObserver
	maxBodyRunes int
	now          func() time.Time

	mu    sync.Mutex
	lanes map[types.RoomID]*lane
}

type lane struct {
	mu       sync.Mutex
	sequence int64
	recent   map[string]*types.Message // persisted id -> delivered message
	order    []string
}

func New(subs Subscriptions, store interfaces.MessageStore, deliverer Deliverer, opts ...Option) (*Relay, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	r := &Relay{
		subs:         subs,
		store:        store,
		deliverer:    deliverer,
		maxBodyRunes: types.DefaultMaxBodyRunes,
		now:          time.Now,
		lanes:        make(map[types.RoomID]*lane),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Send validates, persists and fans out one message. On any error nothing is
// delivered and the caller still owns the body.
func (r *Relay) Send(ctx context.Context, req SendRequest) (*types.Message, error) {
	if err := req.Room.Validate(); err != nil {
		return nil, err
	}
	if !r.subs.IsSubscribed(req.ConnectionID, req.Room) {
		return nil, ErrUnauthorized
	}

	body, err := types.NormalizeBody(req.Body, r.maxBodyRunes)
	if err != nil {
		return nil, err
	}
	clientMessageID := strings.TrimSpace(req.ClientMessageID)
	if err := types.ValidateClientMessageID(clientMessageID); err != nil {
		return nil, err
	}
	if clientMessageID == "" {
		clientMessageID = uuid.NewString()
	}

	if r.limiter != nil {
		allowed, err := r.limiter.Allow(ctx, req.Sender.UserID)
		if err != nil {
			// Fails open.
			slog.Warn("[RELAY] rate limiter unavailable", "error", err)
		} else if !allowed {
			return nil, ErrRateLimited
		}
	}

	l := r.lane(req.Room)
	l.mu.Lock()
	defer l.mu.Unlock()

	msg, err := r.store.CreateMessage(ctx, &types.NewMessage{
		ClientMessageID: clientMessageID,
		Room:            req.Room,
		Body:            body,
		SenderID:        req.Sender.UserID,
		SenderName:      req.Sender.DisplayName,
		SenderRole:      req.Sender.Role,
		SentAt:          r.now(),
	})
	if err != nil {
		slog.Error("[RELAY] persist failed", "room", req.Room.String(), "sender", req.Sender.UserID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	// A retried send whose first attempt was persisted and delivered is acknowledged
	// again without a second fan-out.
	if delivered, seen := l.recent[msg.ID]; seen {
		return delivered, nil
	}

	msg.Room = req.Room
	if msg.ClientMessageID == "" {
		msg.ClientMessageID = clientMessageID
	}
	l.sequence++
	msg.Sequence = l.sequence
	l.remember(msg)

	frame, err := types.NewFrame(types.EventMessage, req.Room, msg)
	if err != nil {
		return nil, err
	}
	recipients := r.fanOut(req.Room, frame, "")
	if req.Room.Kind == types.RoomKindSupport && r.observer != nil {
		r.observer.MessageDelivered(msg, recipients)
	}

	slog.Debug("[RELAY] delivered", "room", req.Room.String(), "id", msg.ID, "sequence", msg.Sequence, "recipients", len(recipients))
	return msg, nil
}

// Publish fans out a non-persisted event to the current subscribers of room,
// skipping except when set. It returns how many connections accepted the frame.
func (r *Relay) Publish(room types.RoomID, eventType string, payload any, except string) (int, error) {
	frame, err := types.NewFrame(eventType, room, payload)
	if err != nil {
		return 0, err
	}
	return len(r.fanOut(room, frame, except)), nil
}

func (r *Relay) fanOut(room types.RoomID, frame *types.Frame, except string) []string {
	var delivered []string
	r.subs.ForEachSubscriber(room, func(connID string) {
		if connID == except {
			return
		}
		// Continue delivery to other recipients even if one fails
		if err := r.deliverer.Deliver(connID, frame); err != nil {
			slog.Warn("[RELAY] delivery failed", "connection", connID, "type", frame.Type, "error", err)
			return
		}
		delivered = append(delivered, connID)
	})
	if delivered == nil {
		delivered = []string{}
	}
	return delivered
}

func (r *Relay) lane(room types.RoomID) *lane {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, exists := r.lanes[room]
	if !exists {
		l = &lane{recent: make(map[string]*types.Message)}
		r.lanes[room] = l
	}
	return l
}

// remember must be called with l.mu held.
func (l *lane) remember(msg *types.Message) {
	l.recent[msg.ID] = msg
	l.order = append(l.order, msg.ID)
	if len(l.order) > recentPerRoom {
		delete(l.recent, l.order[0])
		l.order = l.order[1:]
	}
}

// Rooms returns the number of rooms that have carried at least one message.
func (r *Relay) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lanes)
}
