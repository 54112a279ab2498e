package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables testing
// and deployment verification without coupling to migration system
type SchemaValidator struct {
	db *sql.DB
}

func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"conversations":     "Conversation participants",
		"messages":          "Message data storage",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
func (v *SchemaValidator) ValidateTableStructure() error {
	conversationColumns := map[string]string{
		"id":            "TEXT",
		"participant_a": "TEXT",
		"participant_b": "TEXT",
		"created_at":    "DATETIME",
	}
	if err := v.validateColumns("conversations", conversationColumns); err != nil {
		return fmt.Errorf("conversations table structure invalid: %w", err)
	}

	messageColumns := map[string]string{
		"id":                "TEXT",
		"room_id":           "TEXT",
		"room_kind":         "TEXT",
		"room_ref":          "TEXT",
		"client_message_id": "TEXT",
		"body":              "TEXT",
		"sender_id":         "TEXT",
		"sender_name":       "TEXT",
		"sender_role":       "TEXT",
		"created_at":        "DATETIME",
	}
	if err := v.validateColumns("messages", messageColumns); err != nil {
		return fmt.Errorf("messages table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_messages_room_time":          "Room history retrieval",
		"idx_messages_kind":               "Support room listing",
		"idx_conversations_participant_a": "Participant lookups",
		"idx_conversations_participant_b": "Participant lookups",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies that the idempotency and kind constraints are enforced.
// It runs inside a transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	insert := `
		INSERT INTO messages (id, room_id, room_kind, room_ref, client_message_id, body, sender_id, sender_role, created_at)
		VALUES (?, 'support:probe', ?, 'probe', ?, 'probe', 'probe', 'buyer', CURRENT_TIMESTAMP)
	`
	if _, err := tx.Exec(insert, "probe-1", "support", "probe-key"); err != nil {
		return fmt.Errorf("failed to insert probe message: %w", err)
	}
	if _, err := tx.Exec(insert, "probe-2", "support", "probe-key"); err == nil {
		return fmt.Errorf("unique constraint not enforced: messages(room_id, client_message_id)")
	}
	if _, err := tx.Exec(insert, "probe-3", "lobby", "probe-other"); err == nil {
		return fmt.Errorf("check constraint not enforced: messages.room_kind")
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}
	return nil
}
