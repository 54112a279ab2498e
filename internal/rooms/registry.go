package rooms

import (
	"sort"
	"sync"

	"marketrelay/pkg/types"
)

// Registry maps rooms to the live connections subscribed to them.
// ARCHITECTURAL DISCOVERY: two indexes are kept in step under one lock so that
// RemoveConnection costs O(rooms joined) and SubscribersOf costs O(subscribers).
// A connection id is live only between AddConnection and RemoveConnection; ids are
// never reused, so a join that loses the race against removal is rejected rather
// than resurrecting the connection.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[types.RoomID]map[string]struct{} // room -> connection ids
	members map[string]map[types.RoomID]struct{} // connection id -> rooms; key present == live
}

// Stats is a point-in-time view used by the health endpoints.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[types.RoomID]map[string]struct{}),
		members: make(map[string]map[types.RoomID]struct{}),
	}
}

// AddConnection marks connID live with no memberships.
func (r *Registry) AddConnection(connID string) error {
	if connID == "" {
		return ErrEmptyConnectionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.members[connID]; exists {
		return ErrConnectionRegistered
	}
	r.members[connID] = make(map[types.RoomID]struct{})
	return nil
}

// Join subscribes connID to room. Joining twice is a no-op; the bool reports
// whether membership changed.
func (r *Registry) Join(connID string, room types.RoomID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, live := r.members[connID]
	if !live {
		return false, ErrConnectionRemoved
	}
	if _, already := joined[room]; already {
		return false, nil
	}

	joined[room] = struct{}{}
	subs, exists := r.rooms[room]
	if !exists {
		subs = make(map[string]struct{})
		r.rooms[room] = subs
	}
	subs[connID] = struct{}{}
	return true, nil
}

// Leave unsubscribes connID from room. Leaving a room never joined is a no-op.
func (r *Registry) Leave(connID string, room types.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, live := r.members[connID]
	if !live {
		return false
	}
	if _, ok := joined[room]; !ok {
		return false
	}
	delete(joined, room)
	r.dropSubscriber(room, connID)
	return true
}

// RemoveConnection unsubscribes connID from every room and marks it dead.
// It returns the rooms the connection was in.
func (r *Registry) RemoveConnection(connID string) []types.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, live := r.members[connID]
	if !live {
		return nil
	}
	delete(r.members, connID)

	left := make([]types.RoomID, 0, len(joined))
	for room := range joined {
		r.dropSubscriber(room, connID)
		left = append(left, room)
	}
	return left
}

// dropSubscriber must be called with r.mu held.
func (r *Registry) dropSubscriber(room types.RoomID, connID string) {
	subs, exists := r.rooms[room]
	if !exists {
		return
	}
	delete(subs, connID)
	// An empty room is just a namespace; nothing to keep.
	if len(subs) == 0 {
		delete(r.rooms, room)
	}
}

// SubscribersOf returns a snapshot of the connection ids subscribed to room.
func (r *Registry) SubscribersOf(room types.RoomID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.rooms[room]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ForEachSubscriber calls fn for every subscriber of room, in id order, while
// holding the registry read lock. A RemoveConnection that starts during the walk
// returns only after it, so a removed connection is never visited afterwards.
// fn must not block and must not call back into the Registry.
func (r *Registry) ForEachSubscriber(room types.RoomID, fn func(connID string)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.rooms[room]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fn(id)
	}
}

func (r *Registry) IsSubscribed(connID string, room types.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[room][connID]
	return ok
}

// IsLive reports whether connID has been added and not yet removed.
func (r *Registry) IsLive(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.members[connID]
	return ok
}

// RoomsOf returns the rooms connID is subscribed to.
func (r *Registry) RoomsOf(connID string) []types.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := r.members[connID]
	out := make([]types.RoomID, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	sortRooms(out)
	return out
}

// RoomsOfKind returns every room of the given kind that has at least one subscriber.
func (r *Registry) RoomsOfKind(kind types.RoomKind) []types.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.RoomID
	for room := range r.rooms {
		if room.Kind == kind {
			out = append(out, room)
		}
	}
	sortRooms(out)
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{Connections: len(r.members), Rooms: len(r.rooms)}
}

func sortRooms(rooms []types.RoomID) {
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].String() < rooms[j].String()
	})
}
