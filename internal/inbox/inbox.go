package inbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"marketrelay/pkg/types"
)

// previewRunes bounds the last message preview kept in a summary.
const previewRunes = 120

// State is the lifecycle of one conversation inside an operator's inbox.
type State int

const (
	StateUnknown State = iota
	StateListed
	StateHydrated
	StateFocused
)

func (s State) String() string {
	switch s {
	case StateListed:
		return "listed"
	case StateHydrated:
		return "hydrated"
	case StateFocused:
		return "focused"
	default:
		return "unknown"
	}
}

// HistorySource is the slice of the durable store an inbox reads from.
type HistorySource interface {
	ListMessages(ctx context.Context, room types.RoomID) ([]*types.Message, error)
	ListActiveConversations(ctx context.Context, operatorID string) ([]*types.ActiveChatSummary, error)
}

type conversation struct {
	summary   types.ActiveChatSummary
	state     State
	history   []*types.Message
	hydrating bool
	pending   []*types.Message // delivered while a history fetch was in flight
}

// Inbox aggregates the support conversations of one operator.
// FUNCTIONAL DISCOVERY: unread counts only move on deliveries from the counterpart
// and on MarkRead/Focus; nothing else mutates a summary.
type Inbox struct {
	operator types.Identity
	source   HistorySource

	mu      sync.Mutex
	chats   map[string]*conversation
	focused string

	hydrate singleflight.Group
}

func New(operator types.Identity, source HistorySource) *Inbox {
	return &Inbox{
		operator: operator,
		source:   source,
		chats:    make(map[string]*conversation),
	}
}

// Operator returns the identity owning the inbox.
func (in *Inbox) Operator() types.Identity {
	return in.operator
}

// OnConnect loads the active conversation listing and merges it into the inbox.
func (in *Inbox) OnConnect(ctx context.Context) ([]types.ActiveChatSummary, error) {
	listed, err := in.source.ListActiveConversations(ctx, in.operator.UserID)
	if err != nil {
		return nil, fmt.Errorf("list active conversations: %w", err)
	}

	in.mu.Lock()
	for _, s := range listed {
		if s == nil || s.CounterpartID == "" {
			continue
		}
		c, known := in.chats[s.CounterpartID]
		if !known {
			in.chats[s.CounterpartID] = &conversation{summary: *s, state: StateListed}
			continue
		}
		// Live deliveries already seen win over a listing that may be older.
		if s.LastMessageAt.After(c.summary.LastMessageAt) {
			c.summary.LastMessage = s.LastMessage
			c.summary.LastMessageAt = s.LastMessageAt
		}
		if c.summary.DisplayName == "" {
			c.summary.DisplayName = s.DisplayName
		}
	}
	in.mu.Unlock()

	return in.Summaries(), nil
}

// OnMessageDelivered applies a message delivered into a support room. It returns
// the updated summary and false when the message does not belong to a support room.
func (in *Inbox) OnMessageDelivered(msg *types.Message) (types.ActiveChatSummary, bool) {
	if msg == nil || msg.Room.Kind != types.RoomKindSupport {
		return types.ActiveChatSummary{}, false
	}
	counterpart := msg.Room.ID

	in.mu.Lock()
	defer in.mu.Unlock()

	c := in.conversation(counterpart)
	c.summary.LastMessage = preview(msg.Body)
	c.summary.LastMessageAt = msg.CreatedAt

	if msg.SenderID == counterpart {
		if msg.SenderName != "" {
			c.summary.DisplayName = msg.SenderName
		}
		c.summary.Role = msg.SenderRole
		if c.state != StateFocused {
			c.summary.UnreadCount++
		}
	}

	switch {
	case c.hydrating:
		c.pending = append(c.pending, msg)
	case c.state >= StateHydrated:
		c.history = appendUnique(c.history, msg)
	}
	return c.summary, true
}

// MarkRead zeroes the unread count of counterpart and hydrates its history when
// it has not been loaded yet. The last message is left untouched. A history
// failure is reported with ErrHistoryUnavailable; the unread count is still reset.
func (in *Inbox) MarkRead(ctx context.Context, counterpart string) (types.ActiveChatSummary, []*types.Message, error) {
	if counterpart == "" {
		return types.ActiveChatSummary{}, nil, ErrEmptyCounterpart
	}

	in.mu.Lock()
	c := in.conversation(counterpart)
	c.summary.UnreadCount = 0
	summary := c.summary
	in.mu.Unlock()

	history, err := in.ensureHydrated(ctx, counterpart)
	if err != nil {
		return summary, nil, err
	}
	return summary, history, nil
}

// Focus makes counterpart the conversation the operator is looking at. Messages
// into a focused conversation do not raise its unread count. An empty counterpart
// clears the focus.
func (in *Inbox) Focus(ctx context.Context, counterpart string) (types.ActiveChatSummary, []*types.Message, error) {
	if counterpart == "" {
		in.mu.Lock()
		in.unfocusLocked()
		in.mu.Unlock()
		return types.ActiveChatSummary{}, nil, nil
	}

	history, err := in.ensureHydrated(ctx, counterpart)
	if err != nil {
		return types.ActiveChatSummary{}, nil, err
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.focused != counterpart {
		in.unfocusLocked()
	}
	c := in.conversation(counterpart)
	c.state = StateFocused
	c.summary.UnreadCount = 0
	in.focused = counterpart
	return c.summary, history, nil
}

// SetOnline flips the online flag of a known conversation.
func (in *Inbox) SetOnline(counterpart string, online bool) (types.ActiveChatSummary, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	c, known := in.chats[counterpart]
	if !known || c.summary.Online == online {
		return types.ActiveChatSummary{}, false
	}
	c.summary.Online = online
	return c.summary, true
}

// State returns the lifecycle state of counterpart's conversation.
func (in *Inbox) State(counterpart string) State {
	in.mu.Lock()
	defer in.mu.Unlock()

	if c, known := in.chats[counterpart]; known {
		return c.state
	}
	return StateUnknown
}

// Summary returns the summary of counterpart's conversation.
func (in *Inbox) Summary(counterpart string) (types.ActiveChatSummary, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	c, known := in.chats[counterpart]
	if !known {
		return types.ActiveChatSummary{}, false
	}
	return c.summary, true
}

// Focused returns the focused counterpart, if any.
func (in *Inbox) Focused() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.focused
}

// History returns the loaded history of counterpart; nil until hydrated.
func (in *Inbox) History(counterpart string) []*types.Message {
	in.mu.Lock()
	defer in.mu.Unlock()

	if c, known := in.chats[counterpart]; known && c.state >= StateHydrated {
		return append([]*types.Message(nil), c.history...)
	}
	return nil
}

// Summaries returns every conversation, most recent activity first.
func (in *Inbox) Summaries() []types.ActiveChatSummary {
	in.mu.Lock()
	defer in.mu.Unlock()

	out := make([]types.ActiveChatSummary, 0, len(in.chats))
	for _, c := range in.chats {
		out = append(out, c.summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].CounterpartID < out[j].CounterpartID
	})
	return out
}

// ensureHydrated loads the history of counterpart once. Concurrent callers share
// the same fetch.
func (in *Inbox) ensureHydrated(ctx context.Context, counterpart string) ([]*types.Message, error) {
	in.mu.Lock()
	c := in.conversation(counterpart)
	if c.state >= StateHydrated {
		history := append([]*types.Message(nil), c.history...)
		in.mu.Unlock()
		return history, nil
	}
	in.mu.Unlock()

	v, err, _ := in.hydrate.Do(counterpart, func() (interface{}, error) {
		in.mu.Lock()
		c := in.conversation(counterpart)
		if c.state >= StateHydrated {
			history := append([]*types.Message(nil), c.history...)
			in.mu.Unlock()
			return history, nil
		}
		c.hydrating = true
		in.mu.Unlock()

		msgs, err := in.source.ListMessages(ctx, types.SupportRoom(counterpart))

		in.mu.Lock()
		defer in.mu.Unlock()
		c.hydrating = false
		if err != nil {
			c.pending = nil
			return nil, fmt.Errorf("%w: %s: %w", ErrHistoryUnavailable, counterpart, err)
		}
		history := msgs
		for _, m := range c.pending {
			history = appendUnique(history, m)
		}
		c.pending = nil
		c.history = history
		if c.state < StateHydrated {
			c.state = StateHydrated
		}
		return append([]*types.Message(nil), history...), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*types.Message), nil
}

// conversation must be called with in.mu held. It creates the entry on first
// appearance.
func (in *Inbox) conversation(counterpart string) *conversation {
	c, known := in.chats[counterpart]
	if !known {
		c = &conversation{
			summary: types.ActiveChatSummary{CounterpartID: counterpart},
			state:   StateListed,
		}
		in.chats[counterpart] = c
	}
	return c
}

func (in *Inbox) unfocusLocked() {
	if in.focused == "" {
		return
	}
	if c, known := in.chats[in.focused]; known && c.state == StateFocused {
		c.state = StateHydrated
	}
	in.focused = ""
}

func appendUnique(history []*types.Message, msg *types.Message) []*types.Message {
	for _, m := range history {
		if m.ID == msg.ID {
			return history
		}
	}
	return append(history, msg)
}

func preview(body string) string {
	if utf8.RuneCountInString(body) <= previewRunes {
		return body
	}
	return string([]rune(body)[:previewRunes]) + "…"
}
