package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/iammorganparry/clive/apps/conductor/internal/errors"
	"github.com/iammorganparry/clive/apps/conductor/internal/models"
)

const workItemColumns = `id, title, description, workspace_path, project_id, status,
	created_at, updated_at, completed_at`

// WorkItemStore handles CRUD operations for work items.
type WorkItemStore struct {
	db *DB
}

func NewWorkItemStore(db *DB) *WorkItemStore {
	return &WorkItemStore{db: db}
}

// CreateWorkItem inserts a new work item.
func (s *WorkItemStore) CreateWorkItem(w *models.WorkItem) error {
	_, err := s.db.Exec(`
		INSERT INTO work_items (
			id, title, description, workspace_path, project_id, status,
			created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		w.ID, w.Title, w.Description, w.WorkspacePath, w.ProjectID, string(w.Status),
		w.CreatedAt, w.UpdatedAt, nullInt(w.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	return nil
}

// GetWorkItem fetches a work item by ID. Returns (nil, nil) when absent.
func (s *WorkItemStore) GetWorkItem(id string) (*models.WorkItem, error) {
	w, err := scanWorkItem(s.db.QueryRow(`SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	return w, nil
}

// ListWorkItems returns work items filtered by status and/or project, most
// recently updated first.
func (s *WorkItemStore) ListWorkItems(status models.WorkItemStatus, projectID string) ([]*models.WorkItem, error) {
	var conditions []string
	var args []any

	if status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(status))
	}
	if projectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, projectID)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %s FROM work_items %s ORDER BY updated_at DESC, created_at DESC
	`, workItemColumns, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	var result []*models.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// UpdateWorkItem applies partial updates to a work item. completed_at is
// stamped only when it is not already set and the new status is completed,
// and cleared whenever the new status is anything else.
func (s *WorkItemStore) UpdateWorkItem(id string, req *models.UpdateWorkItemRequest) (*models.WorkItem, error) {
	now := time.Now().Unix()
	sets := []string{"updated_at = ?"}
	args := []any{now}

	if req.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *req.Title)
	}
	if req.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *req.Description)
	}
	if req.WorkspacePath != nil {
		sets = append(sets, "workspace_path = ?")
		args = append(args, *req.WorkspacePath)
	}
	if req.ProjectID != nil {
		sets = append(sets, "project_id = ?")
		args = append(args, *req.ProjectID)
	}
	if req.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*req.Status))
		if *req.Status == models.WorkItemStatusCompleted {
			sets = append(sets, "completed_at = COALESCE(completed_at, ?)")
			args = append(args, now)
		} else {
			sets = append(sets, "completed_at = NULL")
		}
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE work_items SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("update work item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.NewNotFoundError("work item", id)
	}

	return s.GetWorkItem(id)
}

// TransitionStatus moves a work item from one status to another only if it is
// currently in from. Reports whether the row changed.
func (s *WorkItemStore) TransitionStatus(id string, from, to models.WorkItemStatus) (bool, error) {
	res, err := s.db.Exec(`UPDATE work_items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().Unix(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition work item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteWorkItem removes a work item record. Session references are not
// touched here.
func (s *WorkItemStore) DeleteWorkItem(id string) error {
	res, err := s.db.Exec("DELETE FROM work_items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete work item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("work item", id)
	}
	return nil
}

// CountByStatus returns the number of work items per status.
func (s *WorkItemStore) CountByStatus() (map[models.WorkItemStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count work items: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.WorkItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan work item count: %w", err)
		}
		counts[models.WorkItemStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanWorkItem(row rowScanner) (*models.WorkItem, error) {
	var w models.WorkItem
	var description, workspacePath, projectID sql.NullString
	var completedAt sql.NullInt64

	err := row.Scan(
		&w.ID, &w.Title, &description, &workspacePath, &projectID, &w.Status,
		&w.CreatedAt, &w.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Description = description.String
	w.WorkspacePath = workspacePath.String
	w.ProjectID = projectID.String
	if completedAt.Valid {
		w.CompletedAt = &completedAt.Int64
	}
	return &w, nil
}
