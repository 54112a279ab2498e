package inbox

import (
	"context"
	"log/slog"
	"sync"

	"marketrelay/pkg/types"
)

// Deliverer writes a frame to one live connection.
type Deliverer interface {
	Deliver(connID string, frame *types.Frame) error
}

// Directory keeps one Inbox per operator connection and pushes a chat-summary
// frame to that connection whenever its inbox changes.
type Directory struct {
	source    HistorySource
	deliverer Deliverer

	mu      sync.RWMutex
	inboxes map[string]*Inbox // connection id -> inbox
	online  map[string]bool   // support users with a live connection in their room
}

func NewDirectory(source HistorySource, deliverer Deliverer) *Directory {
	return &Directory{
		source:    source,
		deliverer: deliverer,
		inboxes:   make(map[string]*Inbox),
		online:    make(map[string]bool),
	}
}

// Attach creates the inbox of an operator connection and loads its listing.
// Attaching the same connection again reloads the listing into the existing inbox.
func (d *Directory) Attach(ctx context.Context, connID string, operator types.Identity) (*Inbox, []types.ActiveChatSummary, error) {
	if !operator.IsOperator() {
		return nil, nil, ErrNotOperator
	}

	d.mu.Lock()
	in, exists := d.inboxes[connID]
	if !exists {
		in = New(operator, d.source)
		d.inboxes[connID] = in
	}
	d.mu.Unlock()

	if _, err := in.OnConnect(ctx); err != nil {
		return in, nil, err
	}

	d.mu.RLock()
	for userID := range d.online {
		in.SetOnline(userID, true)
	}
	d.mu.RUnlock()

	return in, in.Summaries(), nil
}

// Detach drops the inbox of a connection. Safe to call for non-operators.
func (d *Directory) Detach(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inboxes, connID)
}

// Get returns the inbox of connID.
func (d *Directory) Get(connID string) (*Inbox, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	in, ok := d.inboxes[connID]
	return in, ok
}

// Len returns the number of attached operator connections.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.inboxes)
}

// MessageDelivered updates the inbox of every operator connection that received msg.
func (d *Directory) MessageDelivered(msg *types.Message, recipients []string) {
	for _, connID := range recipients {
		in, ok := d.Get(connID)
		if !ok {
			continue
		}
		summary, changed := in.OnMessageDelivered(msg)
		if !changed {
			continue
		}
		// A conversation first seen through this message picks up the known presence.
		if d.IsOnline(msg.Room.ID) {
			if updated, flipped := in.SetOnline(msg.Room.ID, true); flipped {
				summary = updated
			}
		}
		d.push(connID, summary)
	}
}

// SetOnline records whether a support user is reachable and updates every inbox.
func (d *Directory) SetOnline(userID string, online bool) {
	d.mu.Lock()
	if online {
		d.online[userID] = true
	} else {
		delete(d.online, userID)
	}
	targets := make(map[string]*Inbox, len(d.inboxes))
	for connID, in := range d.inboxes {
		targets[connID] = in
	}
	d.mu.Unlock()

	for connID, in := range targets {
		if summary, changed := in.SetOnline(userID, online); changed {
			d.push(connID, summary)
		}
	}
}

// IsOnline reports whether userID currently has a live support connection.
func (d *Directory) IsOnline(userID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.online[userID]
}

func (d *Directory) push(connID string, summary types.ActiveChatSummary) {
	frame, err := types.NewFrame(types.EventChatSummary, types.SupportRoom(summary.CounterpartID), summary)
	if err != nil {
		slog.Error("[INBOX] encode summary failed", "error", err)
		return
	}
	if err := d.deliverer.Deliver(connID, frame); err != nil {
		slog.Warn("[INBOX] summary push failed", "connection", connID, "error", err)
	}
}
