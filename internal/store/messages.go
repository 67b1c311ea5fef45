package store

import (
	"database/sql"
	"fmt"

	"github.com/iammorganparry/clive/apps/conductor/internal/models"
)

// MessageStore persists the append-only message history of sessions.
type MessageStore struct {
	db *DB
}

func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

// AppendMessage assigns the next sequence number for the session and inserts
// the message. m.Seq is set on success.
func (s *MessageStore) AppendMessage(m *models.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM messages WHERE session_id = ?`, m.SessionID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("next message seq: %w", err)
	}
	m.Seq = int(maxSeq.Int64) + 1

	_, err = tx.Exec(`
		INSERT INTO messages (id, session_id, seq, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.SessionID, m.Seq, string(m.Role), m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// ListMessages returns up to limit messages after skipping offset, in
// sequence order.
func (s *MessageStore) ListMessages(sessionID string, offset, limit int) ([]*models.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, seq, role, content, created_at
		FROM messages WHERE session_id = ?
		ORDER BY seq ASC
		LIMIT ? OFFSET ?
	`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}

// CountMessages returns the number of messages stored for a session.
func (s *MessageStore) CountMessages(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
