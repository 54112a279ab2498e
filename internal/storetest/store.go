// Package storetest provides an in-memory MessageStore with failure injection for tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketrelay/pkg/interfaces"
	"marketrelay/pkg/types"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("injected store failure")

// Store keeps messages in memory. The exported hooks may be set before use.
type Store struct {
	mu           sync.Mutex
	messages     map[types.RoomID][]*types.Message
	byClientID   map[string]*types.Message
	participants map[string][]string
	summaries    map[string][]*types.ActiveChatSummary

	// FailCreate makes CreateMessage fail when it returns true.
	FailCreate func(msg *types.NewMessage) bool
	// FailList makes ListMessages fail.
	FailList bool
	// CreateDelay is slept inside CreateMessage.
	CreateDelay time.Duration
	// FailHealth makes HealthCheck fail.
	FailHealth bool

	creates int
	lists   int
}

var _ interfaces.MessageStore = (*Store)(nil)

func New() *Store {
	return &Store{
		messages:     make(map[types.RoomID][]*types.Message),
		byClientID:   make(map[string]*types.Message),
		participants: make(map[string][]string),
		summaries:    make(map[string][]*types.ActiveChatSummary),
	}
}

func (s *Store) CreateMessage(ctx context.Context, msg *types.NewMessage) (*types.Message, error) {
	if s.CreateDelay > 0 {
		select {
		case <-time.After(s.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.creates++
	if s.FailCreate != nil && s.FailCreate(msg) {
		return nil, ErrInjected
	}

	key := msg.Room.String() + "|" + msg.ClientMessageID
	if existing, ok := s.byClientID[key]; ok {
		copied := *existing
		return &copied, nil
	}

	stored := &types.Message{
		ID:              uuid.NewString(),
		ClientMessageID: msg.ClientMessageID,
		Room:            msg.Room,
		Body:            msg.Body,
		SenderID:        msg.SenderID,
		SenderName:      msg.SenderName,
		SenderRole:      msg.SenderRole,
		CreatedAt:       msg.SentAt,
	}
	s.messages[msg.Room] = append(s.messages[msg.Room], stored)
	s.byClientID[key] = stored

	copied := *stored
	return &copied, nil
}

func (s *Store) ListMessages(_ context.Context, room types.RoomID) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lists++
	if s.FailList {
		return nil, ErrInjected
	}
	out := make([]*types.Message, 0, len(s.messages[room]))
	for _, m := range s.messages[room] {
		copied := *m
		out = append(out, &copied)
	}
	return out, nil
}

func (s *Store) ListActiveConversations(_ context.Context, operatorID string) ([]*types.ActiveChatSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.ActiveChatSummary, 0, len(s.summaries[operatorID]))
	for _, sum := range s.summaries[operatorID] {
		copied := *sum
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CounterpartID < out[j].CounterpartID })
	return out, nil
}

func (s *Store) ConversationParticipants(_ context.Context, conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, interfaces.ErrNotFound)
	}
	return append([]string(nil), p...), nil
}

func (s *Store) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailHealth {
		return ErrInjected
	}
	return nil
}

func (s *Store) Close() error { return nil }

// SetParticipants seeds the two sides of a conversation.
func (s *Store) SetParticipants(conversationID string, userIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[conversationID] = userIDs
}

// SetActiveConversations seeds the inbox listing of an operator.
func (s *Store) SetActiveConversations(operatorID string, summaries ...*types.ActiveChatSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[operatorID] = summaries
}

// Messages returns the persisted messages of room in insertion order.
func (s *Store) Messages(room types.RoomID) []*types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Message(nil), s.messages[room]...)
}

// Creates and Lists count calls, failed ones included.
func (s *Store) Creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

func (s *Store) Lists() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}
