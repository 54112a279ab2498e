package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	dbconfig "marketrelay/pkg/database"
	"marketrelay/pkg/interfaces"
	"marketrelay/pkg/types"
)

const (
	writeQueueSize          = 100
	writeTimeout            = 30 * time.Second
	activeConversationLimit = 200
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

var _ interfaces.MessageStore = (*Manager)(nil)

// Manager is the embedded SQLite message store.
type Manager struct {
	db           *sql.DB
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies the embedded migrations and validates the schema.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}

	migrations := dbconfig.NewMigrationManager(db)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		writeChannel: make(chan writeOperation, writeQueueSize),
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine. Failed writes
// are reported to the caller as-is; the relay decides what the client sees.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- op.operation(m.db)
		case <-m.shutdown:
			slog.Info("[DB] write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// CreateMessage persists msg. A second call with the same room and client message
// id returns the first stored message unchanged.
func (m *Manager) CreateMessage(ctx context.Context, msg *types.NewMessage) (*types.Message, error) {
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

	var stored *types.Message
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, room_id, room_kind, room_ref, client_message_id, body, sender_id, sender_name, sender_role, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (room_id, client_message_id) DO NOTHING
		`,
			uuid.NewString(),
			msg.Room.String(),
			string(msg.Room.Kind),
			msg.Room.ID,
			msg.ClientMessageID,
			msg.Body,
			msg.SenderID,
			msg.SenderName,
			string(msg.SenderRole),
			createdAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		row := db.QueryRowContext(ctx, selectMessage+` WHERE room_id = ? AND client_message_id = ?`,
			msg.Room.String(), msg.ClientMessageID)
		stored, err = scanMessage(row)
		if err != nil {
			return fmt.Errorf("failed to read back message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

const selectMessage = `
	SELECT id, room_id, client_message_id, body, sender_id, sender_name, sender_role, created_at
	FROM messages`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*types.Message, error) {
	var (
		msg  types.Message
		room string
		role string
	)
	if err := row.Scan(&msg.ID, &room, &msg.ClientMessageID, &msg.Body, &msg.SenderID, &msg.SenderName, &role, &msg.CreatedAt); err != nil {
		return nil, err
	}
	parsed, err := types.ParseRoomID(room)
	if err != nil {
		return nil, fmt.Errorf("stored room %q: %w", room, err)
	}
	msg.Room = parsed
	msg.SenderRole = types.Role(role)
	return &msg, nil
}

// ListMessages returns the history of room in delivery order.
func (m *Manager) ListMessages(ctx context.Context, room types.RoomID) ([]*types.Message, error) {
	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	rows, err := m.db.QueryContext(ctx, selectMessage+` WHERE room_id = ? ORDER BY created_at ASC, rowid ASC`, room.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query room history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]*types.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// ListActiveConversations lists support rooms by most recent message. The
// operator pool is shared, so every operator sees the same listing. Unread counts
// the user's messages since the last reply from anyone else.
func (m *Manager) ListActiveConversations(ctx context.Context, _ string) ([]*types.ActiveChatSummary, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT m.room_ref, m.body, m.created_at,
			COALESCE((SELECT u.sender_name FROM messages u
				WHERE u.room_id = m.room_id AND u.sender_id = m.room_ref
				ORDER BY u.rowid DESC LIMIT 1), ''),
			COALESCE((SELECT u.sender_role FROM messages u
				WHERE u.room_id = m.room_id AND u.sender_id = m.room_ref
				ORDER BY u.rowid DESC LIMIT 1), ''),
			(SELECT COUNT(*) FROM messages c
				WHERE c.room_id = m.room_id AND c.sender_id = m.room_ref
				AND c.rowid > COALESCE((SELECT MAX(r.rowid) FROM messages r
					WHERE r.room_id = m.room_id AND r.sender_id <> m.room_ref), 0))
		FROM messages m
		WHERE m.room_kind = 'support'
			AND m.rowid = (SELECT MAX(l.rowid) FROM messages l WHERE l.room_id = m.room_id)
		ORDER BY m.created_at DESC
		LIMIT ?
	`, activeConversationLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query active conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summaries := make([]*types.ActiveChatSummary, 0)
	for rows.Next() {
		var (
			s    types.ActiveChatSummary
			role string
		)
		if err := rows.Scan(&s.CounterpartID, &s.LastMessage, &s.LastMessageAt, &s.DisplayName, &role, &s.UnreadCount); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		s.Role = types.Role(role)
		summaries = append(summaries, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversation rows: %w", err)
	}
	return summaries, nil
}

// ConversationParticipants returns the two user ids of a conversation.
func (m *Manager) ConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	var a, b string
	err := m.db.QueryRowContext(ctx,
		`SELECT participant_a, participant_b FROM conversations WHERE id = ?`, conversationID,
	).Scan(&a, &b)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", conversationID, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	return []string{a, b}, nil
}

// UpsertConversation records or replaces the participants of a conversation.
func (m *Manager) UpsertConversation(ctx context.Context, conversationID string, participants []string) error {
	if strings.TrimSpace(conversationID) == "" {
		return types.ErrInvalidRoomID
	}
	if err := types.ValidateParticipants(participants); err != nil {
		return err
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO conversations (id, participant_a, participant_b)
			VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET participant_a = excluded.participant_a, participant_b = excluded.participant_b
		`, conversationID, participants[0], participants[1])
		if err != nil {
			return fmt.Errorf("failed to upsert conversation: %w", err)
		}
		return nil
	})
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations LIMIT 1").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
