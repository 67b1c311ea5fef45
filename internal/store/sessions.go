package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/iammorganparry/clive/apps/conductor/internal/errors"
	"github.com/iammorganparry/clive/apps/conductor/internal/models"
)

const sessionColumns = `id, working_dir, status, work_item_id, display_order, model,
	agent_session_id, last_error, error_type, created_at, updated_at, completed_at`

// SessionStore persists sessions.
type SessionStore struct {
	db *DB
}

func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// CreateSession inserts a new session. DisplayOrder is assigned after every
// existing session when left at zero.
func (s *SessionStore) CreateSession(sess *models.Session) error {
	if sess.DisplayOrder == 0 {
		var maxOrder sql.NullInt64
		if err := s.db.QueryRow(`SELECT MAX(display_order) FROM sessions`).Scan(&maxOrder); err != nil {
			return fmt.Errorf("next display order: %w", err)
		}
		sess.DisplayOrder = int(maxOrder.Int64) + 1
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (
			id, working_dir, status, work_item_id, display_order, model,
			agent_session_id, last_error, error_type, created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sess.ID, sess.WorkingDir, string(sess.Status), nullString(sess.WorkItemID), sess.DisplayOrder,
		sess.Model, sess.AgentSessionID, sess.LastError, sess.ErrorType,
		sess.CreatedAt, sess.UpdatedAt, nullInt(sess.CompletedAt),
	)
	if isPrimaryKeyViolation(err) {
		return apperrors.NewValidationError("id", "session already exists")
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession fetches a session by ID. Returns (nil, nil) when absent.
func (s *SessionStore) GetSession(id string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions filtered by status and/or work item, in
// display order.
func (s *SessionStore) ListSessions(status models.SessionStatus, workItemID string) ([]*models.Session, error) {
	var conditions []string
	var args []any

	if status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(status))
	}
	if workItemID != "" {
		conditions = append(conditions, "work_item_id = ?")
		args = append(args, workItemID)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %s FROM sessions %s ORDER BY display_order ASC, created_at ASC, id ASC
	`, sessionColumns, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// StateUpdate carries the status-related columns written on a transition.
type StateUpdate struct {
	Status      models.SessionStatus
	CompletedAt *int64
	LastError   string
	ErrorType   string
}

// UpdateState writes a status transition.
func (s *SessionStore) UpdateState(id string, u StateUpdate) (*models.Session, error) {
	res, err := s.db.Exec(`
		UPDATE sessions SET status = ?, completed_at = ?, last_error = ?, error_type = ?, updated_at = ?
		WHERE id = ?
	`, string(u.Status), nullInt(u.CompletedAt), u.LastError, u.ErrorType, time.Now().Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("update session state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.NewNotFoundError("session", id)
	}
	return s.GetSession(id)
}

// SetAgentSessionID records the agent-side conversation id.
func (s *SessionStore) SetAgentSessionID(id, agentSessionID string) error {
	_, err := s.db.Exec(`UPDATE sessions SET agent_session_id = ?, updated_at = ? WHERE id = ?`,
		agentSessionID, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set agent session id: %w", err)
	}
	return nil
}

// SetWorkItem sets or clears (nil) the session's work-item reference.
func (s *SessionStore) SetWorkItem(id string, workItemID *string) error {
	res, err := s.db.Exec(`UPDATE sessions SET work_item_id = ?, updated_at = ? WHERE id = ?`,
		nullString(workItemID), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set session work item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("session", id)
	}
	return nil
}

// SetDisplayOrder assigns slots[i] as the display_order of ids[i],
// atomically. A nil slots assigns 1..n.
func (s *SessionStore) SetDisplayOrder(ids []string, slots []int) error {
	if slots != nil && len(slots) != len(ids) {
		return fmt.Errorf("reorder: %d ids for %d slots", len(ids), len(slots))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin reorder: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE sessions SET display_order = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare reorder: %w", err)
	}
	defer stmt.Close()

	for i, id := range ids {
		order := i + 1
		if slots != nil {
			order = slots[i]
		}
		if _, err := stmt.Exec(order, id); err != nil {
			return fmt.Errorf("reorder session %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// DeleteSession removes a session and its messages.
func (s *SessionStore) DeleteSession(id string) error {
	res, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("session", id)
	}
	return nil
}

// CountByStatus returns the number of sessions per status.
func (s *SessionStore) CountByStatus() (map[models.SessionStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SessionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan session count: %w", err)
		}
		counts[models.SessionStatus(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var workItemID, model, agentID, lastError, errorType sql.NullString
	var completedAt sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.WorkingDir, &sess.Status, &workItemID, &sess.DisplayOrder, &model,
		&agentID, &lastError, &errorType, &sess.CreatedAt, &sess.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if workItemID.Valid {
		sess.WorkItemID = &workItemID.String
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Int64
	}
	sess.Model = model.String
	sess.AgentSessionID = agentID.String
	sess.LastError = lastError.String
	sess.ErrorType = errorType.String
	return &sess, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
