package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketrelay/pkg/interfaces"
	"marketrelay/pkg/types"
)

// DefaultCacheTTL bounds how long conversation participants are trusted without
// asking the collaborator again.
const DefaultCacheTTL = 5 * time.Minute

// ParticipantSource resolves the two sides of a conversation.
type ParticipantSource interface {
	ConversationParticipants(ctx context.Context, conversationID string) ([]string, error)
}

type cachedParticipants struct {
	userIDs   []string
	expiresAt time.Time
}

// Policy decides which rooms an identity may join.
// FUNCTIONAL DISCOVERY: support and role rooms are decided from the identity alone;
// only conversation rooms need the collaborator, and those answers are cached.
type Policy struct {
	source ParticipantSource
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedParticipants // conversation id -> participants
}

func NewPolicy(source ParticipantSource, ttl time.Duration) *Policy {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Policy{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cachedParticipants),
	}
}

// CanJoin returns nil when who may subscribe to room.
func (p *Policy) CanJoin(ctx context.Context, who types.Identity, room types.RoomID) error {
	if err := room.Validate(); err != nil {
		return err
	}

	switch room.Kind {
	case types.RoomKindSupport:
		if who.UserID == room.ID || who.IsOperator() {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnauthorized, room)

	case types.RoomKindRole:
		if who.Role == room.Role && who.UserID == room.ID {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnauthorized, room)

	case types.RoomKindConversation:
		participants, err := p.participants(ctx, room.ID)
		if err != nil {
			return err
		}
		for _, id := range participants {
			if id == who.UserID {
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrUnauthorized, room)

	default:
		return fmt.Errorf("%w: %s", ErrUnauthorized, room)
	}
}

// Invalidate forgets the cached participants of a conversation.
func (p *Policy) Invalidate(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, conversationID)
}

func (p *Policy) participants(ctx context.Context, conversationID string) ([]string, error) {
	// Check in-memory cache first
	p.mu.RLock()
	cached, exists := p.cache[conversationID]
	p.mu.RUnlock()
	if exists && p.now().Before(cached.expiresAt) {
		return cached.userIDs, nil
	}

	userIDs, err := p.source.ConversationParticipants(ctx, conversationID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
		}
		slog.Warn("[ACCESS] participant lookup failed", "conversation", conversationID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}

	p.mu.Lock()
	p.cache[conversationID] = cachedParticipants{userIDs: userIDs, expiresAt: p.now().Add(p.ttl)}
	p.mu.Unlock()

	return userIDs, nil
}
