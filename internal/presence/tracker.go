package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"marketrelay/pkg/types"
)

// DefaultWindow is the quiescence window after which an unrefreshed typing state expires.
const DefaultWindow = 2 * time.Second

// Notifier receives typing transitions. Calls are made without the tracker lock held.
type Notifier interface {
	TypingStarted(room types.RoomID, who types.Identity)
	TypingStopped(room types.RoomID, who types.Identity)
}

type key struct {
	room   types.RoomID
	userID string
}

type entry struct {
	who       types.Identity
	connID    string
	startedAt time.Time
	deadline  time.Time
	timer     *time.Timer
}

// Tracker holds the transient "is typing" state per (room, user).
// ARCHITECTURAL DISCOVERY: each key owns exactly one timer which is Reset on
// every refresh. Whoever deletes the entry (expiry, explicit stop or disconnect)
// is the only one that emits the stop notification.
type Tracker struct {
	mu       sync.Mutex
	window   time.Duration
	notifier Notifier
	entries  map[key]*entry
	byConn   map[string]map[key]struct{}
	closed   bool
}

func NewTracker(window time.Duration, notifier Notifier) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		window:   window,
		notifier: notifier,
		entries:  make(map[key]*entry),
		byConn:   make(map[string]map[key]struct{}),
	}
}

// StartTyping marks who as typing in room, or refreshes the existing state.
// Only the first start of a typing burst is reported to the notifier.
func (t *Tracker) StartTyping(connID string, room types.RoomID, who types.Identity) {
	k := key{room: room, userID: who.UserID}
	now := time.Now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if e, exists := t.entries[k]; exists {
		e.deadline = now.Add(t.window)
		if e.connID != connID {
			t.unindex(e.connID, k)
			e.connID = connID
			t.index(connID, k)
		}
		e.timer.Reset(t.window)
		t.mu.Unlock()
		return
	}

	e := &entry{who: who, connID: connID, startedAt: now, deadline: now.Add(t.window)}
	e.timer = time.AfterFunc(t.window, func() { t.expire(k, e) })
	t.entries[k] = e
	t.index(connID, k)
	t.mu.Unlock()

	if t.notifier != nil {
		t.notifier.TypingStarted(room, who)
	}
}

// StopTyping ends the typing state of userID in room. It reports whether a
// state existed; a stop for a state that already expired is a no-op.
func (t *Tracker) StopTyping(room types.RoomID, userID string) bool {
	k := key{room: room, userID: userID}

	t.mu.Lock()
	e, exists := t.entries[k]
	if !exists {
		t.mu.Unlock()
		return false
	}
	t.remove(k, e)
	t.mu.Unlock()

	t.notifyStopped(room, e.who)
	return true
}

// expire runs on the entry's timer goroutine.
func (t *Tracker) expire(k key, e *entry) {
	t.mu.Lock()
	if current, exists := t.entries[k]; !exists || current != e {
		t.mu.Unlock()
		return
	}
	// A refresh that raced the firing timer has already re-armed it.
	if time.Now().Before(e.deadline) {
		t.mu.Unlock()
		return
	}
	t.remove(k, e)
	t.mu.Unlock()

	slog.Debug("[TYPING] expired", "room", k.room.String(), "user_id", k.userID)
	t.notifyStopped(k.room, e.who)
}

// ClearConnection drops every typing state owned by connID and reports each as stopped.
func (t *Tracker) ClearConnection(connID string) int {
	t.mu.Lock()
	keys := t.byConn[connID]
	stopped := make([]*entry, 0, len(keys))
	rooms := make([]types.RoomID, 0, len(keys))
	for k := range keys {
		e := t.entries[k]
		t.remove(k, e)
		stopped = append(stopped, e)
		rooms = append(rooms, k.room)
	}
	t.mu.Unlock()

	for i, e := range stopped {
		t.notifyStopped(rooms[i], e.who)
	}
	return len(stopped)
}

// IsTyping returns the ids of users currently typing in room.
func (t *Tracker) IsTyping(room types.RoomID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var users []string
	for k := range t.entries {
		if k.room == room {
			users = append(users, k.userID)
		}
	}
	sort.Strings(users)
	return users
}

// Len returns the number of active typing states.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close stops all timers without emitting notifications.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for k, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, k)
	}
	t.byConn = make(map[string]map[key]struct{})
}

// remove must be called with t.mu held.
func (t *Tracker) remove(k key, e *entry) {
	e.timer.Stop()
	delete(t.entries, k)
	t.unindex(e.connID, k)
}

func (t *Tracker) index(connID string, k key) {
	keys, ok := t.byConn[connID]
	if !ok {
		keys = make(map[key]struct{})
		t.byConn[connID] = keys
	}
	keys[k] = struct{}{}
}

func (t *Tracker) unindex(connID string, k key) {
	keys, ok := t.byConn[connID]
	if !ok {
		return
	}
	delete(keys, k)
	if len(keys) == 0 {
		delete(t.byConn, connID)
	}
}

func (t *Tracker) notifyStopped(room types.RoomID, who types.Identity) {
	if t.notifier != nil {
		t.notifier.TypingStopped(room, who)
	}
}
