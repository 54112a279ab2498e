// Package mongostore keeps chat history in MongoDB for deployments that run the
// relay without the marketplace REST store.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"marketrelay/pkg/interfaces"
	"marketrelay/pkg/types"
)

const (
	messagesCollection      = "messages"
	conversationsCollection = "conversations"
	activeConversationLimit = 200
	defaultTimeout          = 10 * time.Second
)

var ErrMissingURI = errors.New("mongo URI is required")

var _ interfaces.MessageStore = (*Store)(nil)

type Config struct {
	URI         string
	Database    string
	Timeout     time.Duration
	MaxPoolSize uint64
}

// Store implements interfaces.MessageStore on two collections: messages, keyed
// uniquely by (room_id, client_message_id), and conversations.
type Store struct {
	client        *mongo.Client
	messages      *mongo.Collection
	conversations *mongo.Collection
	timeout       time.Duration
}

type messageDoc struct {
	ObjectID        primitive.ObjectID `bson:"_id,omitempty"`
	ID              string             `bson:"message_id"`
	RoomID          string             `bson:"room_id"`
	RoomKind        string             `bson:"room_kind"`
	RoomRef         string             `bson:"room_ref"`
	ClientMessageID string             `bson:"client_message_id"`
	Body            string             `bson:"body"`
	SenderID        string             `bson:"sender_id"`
	SenderName      string             `bson:"sender_name,omitempty"`
	SenderRole      string             `bson:"sender_role"`
	CreatedAt       time.Time          `bson:"created_at"`
}

type conversationDoc struct {
	ID           string   `bson:"_id"`
	Participants []string `bson:"participants"`
}

// Open connects, pings the primary and makes sure the indexes exist.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, ErrMissingURI
	}
	if cfg.Database == "" {
		cfg.Database = "marketrelay"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.Timeout).
		SetServerSelectionTimeout(cfg.Timeout)
	if cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:        client,
		messages:      db.Collection(messagesCollection),
		conversations: db.Collection(conversationsCollection),
		timeout:       cfg.Timeout,
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	slog.Info("[STORE] connected to MongoDB", "database", cfg.Database)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "room_id", Value: 1}, {Key: "client_message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "room_kind", Value: 1}, {Key: "room_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}
	return nil
}

// CreateMessage inserts msg unless its (room, client message id) already exists,
// then returns the stored document either way.
func (s *Store) CreateMessage(ctx context.Context, msg *types.NewMessage) (*types.Message, error) {
	if msg == nil {
		return nil, errors.New("message cannot be nil")
	}
	if err := msg.Room.Validate(); err != nil {
		return nil, err
	}
	if msg.ClientMessageID == "" {
		return nil, types.ErrInvalidClientMessageID
	}
	createdAt := msg.SentAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc := messageDoc{
		ID:              uuid.NewString(),
		RoomID:          msg.Room.String(),
		RoomKind:        string(msg.Room.Kind),
		RoomRef:         msg.Room.ID,
		ClientMessageID: msg.ClientMessageID,
		Body:            msg.Body,
		SenderID:        msg.SenderID,
		SenderName:      msg.SenderName,
		SenderRole:      string(msg.SenderRole),
		CreatedAt:       createdAt.UTC(),
	}
	filter := bson.M{"room_id": doc.RoomID, "client_message_id": doc.ClientMessageID}

	_, err := s.messages.UpdateOne(ctx, filter, bson.M{"$setOnInsert": doc}, options.Update().SetUpsert(true))
	// Two concurrent upserts of one key race on the unique index; the loser reads the winner.
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	var stored messageDoc
	if err := s.messages.FindOne(ctx, filter).Decode(&stored); err != nil {
		return nil, fmt.Errorf("failed to read back message: %w", err)
	}
	return stored.toMessage()
}

// ListMessages returns the history of room in delivery order.
func (s *Store) ListMessages(ctx context.Context, room types.RoomID) ([]*types.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.messages.Find(ctx, bson.M{"room_id": room.String()}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query room history: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	messages := make([]*types.Message, 0)
	for cursor.Next(ctx) {
		var doc messageDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		msg, err := doc.toMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// ListActiveConversations folds the support history room by room. The operator
// pool is shared, so the operator id does not narrow the listing.
func (s *Store) ListActiveConversations(ctx context.Context, _ string) ([]*types.ActiveChatSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{
		{Key: "room_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1},
	})
	cursor, err := s.messages.Find(ctx, bson.M{"room_kind": string(types.RoomKindSupport)}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query support history: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	b := newSummaryBuilder()
	for cursor.Next(ctx) {
		var doc messageDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		b.add(&doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("error iterating support history: %w", err)
	}
	return b.summaries(activeConversationLimit), nil
}

// ConversationParticipants returns the two user ids of a conversation.
func (s *Store) ConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc conversationDoc
	if err := s.conversations.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("conversation %s: %w", conversationID, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	return doc.Participants, nil
}

// UpsertConversation records or replaces the participants of a conversation.
func (s *Store) UpsertConversation(ctx context.Context, conversationID string, participants []string) error {
	if conversationID == "" {
		return types.ErrInvalidRoomID
	}
	if err := types.ValidateParticipants(participants); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc := conversationDoc{ID: conversationID, Participants: participants}
	if _, err := s.conversations.ReplaceOne(ctx, bson.M{"_id": conversationID}, doc, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongo ping failed: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	return nil
}

func (d *messageDoc) toMessage() (*types.Message, error) {
	room, err := types.ParseRoomID(d.RoomID)
	if err != nil {
		return nil, fmt.Errorf("stored room %q: %w", d.RoomID, err)
	}
	return &types.Message{
		ID:              d.ID,
		ClientMessageID: d.ClientMessageID,
		Room:            room,
		Body:            d.Body,
		SenderID:        d.SenderID,
		SenderName:      d.SenderName,
		SenderRole:      types.Role(d.SenderRole),
		CreatedAt:       d.CreatedAt,
	}, nil
}

// summaryBuilder turns support messages, grouped by room and in delivery order,
// into one summary per room. Unread counts the user's messages since anyone
// else last wrote in the room.
type summaryBuilder struct {
	byRoom map[string]*types.ActiveChatSummary
}

func newSummaryBuilder() *summaryBuilder {
	return &summaryBuilder{byRoom: make(map[string]*types.ActiveChatSummary)}
}

func (b *summaryBuilder) add(doc *messageDoc) {
	s, ok := b.byRoom[doc.RoomID]
	if !ok {
		s = &types.ActiveChatSummary{CounterpartID: doc.RoomRef}
		b.byRoom[doc.RoomID] = s
	}
	s.LastMessage = doc.Body
	s.LastMessageAt = doc.CreatedAt
	if doc.SenderID == doc.RoomRef {
		s.UnreadCount++
		s.DisplayName = doc.SenderName
		s.Role = types.Role(doc.SenderRole)
	} else {
		s.UnreadCount = 0
	}
}

// summaries returns at most limit summaries, most recent conversation first.
func (b *summaryBuilder) summaries(limit int) []*types.ActiveChatSummary {
	out := make([]*types.ActiveChatSummary, 0, len(b.byRoom))
	for _, s := range b.byRoom {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].CounterpartID < out[j].CounterpartID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
