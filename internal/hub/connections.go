package hub

import (
	"sync"

	"marketrelay/pkg/interfaces"
)

type connEntry struct {
	conn     interfaces.Connection
	operator bool // joined the support operator pool
}

// connectionTable tracks live connections by id and by user.
// ARCHITECTURAL DISCOVERY: one user may hold several connections (tabs, devices);
// presence is derived from the per-user set, never from a single connection.
type connectionTable struct {
	mu     sync.RWMutex
	byID   map[string]*connEntry
	byUser map[string]map[string]struct{}
}

func newConnectionTable() *connectionTable {
	return &connectionTable{
		byID:   make(map[string]*connEntry),
		byUser: make(map[string]map[string]struct{}),
	}
}

func (t *connectionTable) add(conn interfaces.Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := conn.ID()
	userID := conn.Identity().UserID
	t.byID[id] = &connEntry{conn: conn}
	if t.byUser[userID] == nil {
		t.byUser[userID] = make(map[string]struct{})
	}
	t.byUser[userID][id] = struct{}{}
}

// remove only removes the registered instance. A different connection that
// carries the same id is left in place.
func (t *connectionTable) remove(conn interfaces.Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := conn.ID()
	entry, exists := t.byID[id]
	if !exists || entry.conn != conn {
		return false
	}
	delete(t.byID, id)

	userID := conn.Identity().UserID
	if ids, ok := t.byUser[userID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(t.byUser, userID)
		}
	}
	return true
}

func (t *connectionTable) get(id string) (interfaces.Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

func (t *connectionTable) markOperator(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.byID[id]
	if !ok {
		return false
	}
	entry.operator = true
	return true
}

func (t *connectionTable) operators() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, entry := range t.byID {
		if entry.operator {
			ids = append(ids, id)
		}
	}
	return ids
}

// userOf returns the user id behind a connection id.
func (t *connectionTable) userOf(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.byID[id]
	if !ok {
		return "", false
	}
	return entry.conn.Identity().UserID, true
}

func (t *connectionTable) count() (connections, users, operators int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, entry := range t.byID {
		if entry.operator {
			operators++
		}
	}
	return len(t.byID), len(t.byUser), operators
}

func (t *connectionTable) all() []interfaces.Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns := make([]interfaces.Connection, 0, len(t.byID))
	for _, entry := range t.byID {
		conns = append(conns, entry.conn)
	}
	return conns
}
