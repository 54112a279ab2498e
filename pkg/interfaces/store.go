package interfaces

import (
	"context"

	"marketrelay/pkg/types"
)

// MessageStore is the durable-store collaborator.
// ARCHITECTURAL DISCOVERY: the relay never owns message history; every persisted
// message and every history read goes through this boundary.
type MessageStore interface {
	// CreateMessage persists msg and returns it with the store-assigned id and timestamp.
	// Storing the same ClientMessageID twice in one room returns the original message.
	CreateMessage(ctx context.Context, msg *types.NewMessage) (*types.Message, error)

	// ListMessages returns the room history ordered oldest first.
	ListMessages(ctx context.Context, room types.RoomID) ([]*types.Message, error)

	// ListActiveConversations returns the support inbox of an operator.
	ListActiveConversations(ctx context.Context, operatorID string) ([]*types.ActiveChatSummary, error)

	// ConversationParticipants returns the user ids of both sides of a conversation.
	ConversationParticipants(ctx context.Context, conversationID string) ([]string, error)

	HealthCheck(ctx context.Context) error

	Close() error
}
