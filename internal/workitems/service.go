// Package workitems implements the work-item lifecycle: CRUD, session
// association and the development-log document kept for each item.
package workitems

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iammorganparry/clive/apps/conductor/internal/devlog"
	apperrors "github.com/iammorganparry/clive/apps/conductor/internal/errors"
	"github.com/iammorganparry/clive/apps/conductor/internal/models"
	"github.com/iammorganparry/clive/apps/conductor/internal/privacy"
	"github.com/iammorganparry/clive/apps/conductor/internal/relay"
	"github.com/iammorganparry/clive/apps/conductor/internal/store"
)

// Sessions is the part of the session orchestrator work items rely on.
// Session references are only ever changed through it.
type Sessions interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context, req *models.ListSessionsRequest) ([]*models.Session, error)
	SetWorkItem(ctx context.Context, id string, workItemID *string) (*models.Session, error)
}

// Publisher broadcasts work-item changes.
type Publisher interface {
	PublishGlobal(channel string, payload any)
}

// Service handles work-item business logic.
type Service struct {
	workItems *store.WorkItemStore
	sessions  Sessions
	devlogs   *devlog.Store
	pub       Publisher
	logger    *slog.Logger

	// locks serializes Associate against Delete for the same item, so no
	// reference is set after the delete has cleared them.
	locks *itemLocks
}

func NewService(
	workItems *store.WorkItemStore,
	sessions Sessions,
	devlogs *devlog.Store,
	pub Publisher,
	logger *slog.Logger,
) *Service {
	return &Service{
		workItems: workItems,
		sessions:  sessions,
		devlogs:   devlogs,
		pub:       pub,
		logger:    logger,
		locks:     newItemLocks(),
	}
}

// Create creates a work item in planning and writes its dev log.
func (s *Service) Create(ctx context.Context, req *models.CreateWorkItemRequest) (*models.WorkItem, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, apperrors.NewValidationError("title", "is required")
	}

	now := time.Now().Unix()
	w := &models.WorkItem{
		ID:            uuid.New().String(),
		Title:         title,
		Description:   req.Description,
		WorkspacePath: req.WorkspacePath,
		ProjectID:     req.ProjectID,
		Status:        models.WorkItemStatusPlanning,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.workItems.CreateWorkItem(w); err != nil {
		return nil, fmt.Errorf("create work item: %w", err)
	}

	// The log is auxiliary; it is regenerated on read if this fails.
	if err := s.devlogs.Init(w); err != nil {
		s.logger.Warn("failed to initialize devlog", "work_item_id", w.ID, "error", err)
	}

	s.logger.Info("work item created", "work_item_id", w.ID, "title", w.Title)
	s.publish("created", w, w.ID)
	return w, nil
}

// Get returns the work item with its sessions and progress.
func (s *Service) Get(ctx context.Context, id string) (*models.WorkItemDetail, error) {
	w, err := s.load(id)
	if err != nil {
		return nil, err
	}
	list, err := s.sessions.List(ctx, &models.ListSessionsRequest{WorkItemID: id})
	if err != nil {
		return nil, err
	}
	return &models.WorkItemDetail{WorkItem: w, Sessions: list, Progress: progress(list)}, nil
}

// progress counts sessions that are done or idle over all sessions.
func progress(list []*models.Session) models.Progress {
	p := models.Progress{Total: len(list)}
	for _, sess := range list {
		if sess.Status == models.SessionStatusCompleted || sess.Status == models.SessionStatusWaitingForInput {
			p.Completed++
		}
	}
	if p.Total < 1 {
		p.Total = 1
	}
	return p
}

// List returns work items, most recently updated first.
func (s *Service) List(ctx context.Context, req *models.ListWorkItemsRequest) ([]*models.WorkItem, error) {
	if req.Status != "" && !req.Status.IsValid() {
		return nil, apperrors.NewValidationError("status", "unknown work item status "+string(req.Status))
	}
	list, err := s.workItems.ListWorkItems(req.Status, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.WorkItem{}
	}
	return list, nil
}

// Update applies a partial update and refreshes the dev-log header.
func (s *Service) Update(ctx context.Context, id string, req *models.UpdateWorkItemRequest) (*models.WorkItem, error) {
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		return nil, apperrors.NewValidationError("title", "must not be empty")
	}
	if req.Status != nil && !req.Status.IsValid() {
		return nil, apperrors.NewValidationError("status", "unknown work item status "+string(*req.Status))
	}

	w, err := s.workItems.UpdateWorkItem(id, req)
	if err != nil {
		return nil, err
	}
	if err := s.devlogs.SyncHeader(w); err != nil {
		s.logger.Warn("failed to sync devlog header", "work_item_id", id, "error", err)
	}
	s.publish("updated", w, id)
	return w, nil
}

// Delete disassociates every session of the work item, then deletes it.
// A delete interrupted between the phases can simply be retried.
func (s *Service) Delete(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	if _, err := s.load(id); err != nil {
		return err
	}

	list, err := s.sessions.List(ctx, &models.ListSessionsRequest{WorkItemID: id})
	if err != nil {
		return err
	}
	for _, sess := range list {
		if _, err := s.sessions.SetWorkItem(ctx, sess.ID, nil); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("disassociate session %s: %w", sess.ID, err)
		}
	}

	if err := s.workItems.DeleteWorkItem(id); err != nil {
		return err
	}
	if err := s.devlogs.Delete(id); err != nil {
		s.logger.Warn("failed to delete devlog", "work_item_id", id, "error", err)
	}

	s.logger.Info("work item deleted", "work_item_id", id, "disassociated", len(list))
	s.publish("deleted", nil, id)
	return nil
}

// Associate points a session at a work item. A planning item moves to
// in_progress.
func (s *Service) Associate(ctx context.Context, sessionID, workItemID string) (*models.Session, error) {
	unlock := s.locks.lock(workItemID)
	defer unlock()

	w, err := s.load(workItemID)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.WorkItemID == nil || *sess.WorkItemID != workItemID {
		if sess, err = s.sessions.SetWorkItem(ctx, sessionID, &workItemID); err != nil {
			return nil, err
		}
	}

	if w.Status == models.WorkItemStatusPlanning {
		moved, err := s.workItems.TransitionStatus(workItemID, models.WorkItemStatusPlanning, models.WorkItemStatusInProgress)
		if err != nil {
			return nil, err
		}
		if moved {
			s.logger.Info("work item started", "work_item_id", workItemID, "session_id", sessionID)
			if w, err = s.load(workItemID); err == nil {
				if err := s.devlogs.SyncHeader(w); err != nil {
					s.logger.Warn("failed to sync devlog header", "work_item_id", workItemID, "error", err)
				}
				s.publish("updated", w, workItemID)
			}
		}
	}
	return sess, nil
}

// Disassociate clears a session's work-item reference. The work item's
// status is left as it is.
func (s *Service) Disassociate(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.sessions.SetWorkItem(ctx, sessionID, nil)
}

// Stats counts work items by status.
func (s *Service) Stats(ctx context.Context) (*models.WorkItemStats, error) {
	counts, err := s.workItems.CountByStatus()
	if err != nil {
		return nil, err
	}
	stats := &models.WorkItemStats{ByStatus: make(map[models.WorkItemStatus]int)}
	for _, status := range []models.WorkItemStatus{
		models.WorkItemStatusPlanning,
		models.WorkItemStatusInProgress,
		models.WorkItemStatusCompleted,
		models.WorkItemStatusCancelled,
	} {
		stats.ByStatus[status] = counts[status]
		stats.Total += counts[status]
	}
	return stats, nil
}

// ReadDevLog returns the work item's dev log, regenerating it if missing.
func (s *Service) ReadDevLog(ctx context.Context, id string) (*models.DevLogResponse, error) {
	w, err := s.load(id)
	if err != nil {
		return nil, err
	}
	content, err := s.devlogs.Read(w)
	if err != nil {
		return nil, err
	}
	return &models.DevLogResponse{WorkItemID: id, Content: content}, nil
}

// AppendDevLog adds a timestamped entry to the work item's dev log.
// <private> blocks and recognizable credentials never reach the document.
func (s *Service) AppendDevLog(ctx context.Context, id string, req *models.AppendDevLogRequest) (*models.DevLogResponse, error) {
	if strings.TrimSpace(req.Entry) == "" {
		return nil, apperrors.NewValidationError("entry", "is required")
	}
	if privacy.HasOnlyPrivateContent(req.Entry) {
		return nil, apperrors.NewValidationError("entry", "has no content outside <private> blocks")
	}
	w, err := s.load(id)
	if err != nil {
		return nil, err
	}
	content, err := s.devlogs.Append(w, privacy.Redact(req.Entry), time.Now())
	if err != nil {
		return nil, err
	}
	return &models.DevLogResponse{WorkItemID: id, Content: content}, nil
}

func (s *Service) load(id string) (*models.WorkItem, error) {
	w, err := s.workItems.GetWorkItem(id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, apperrors.NewNotFoundError("work item", id)
	}
	return w, nil
}

func (s *Service) publish(action string, w *models.WorkItem, id string) {
	s.pub.PublishGlobal(relay.ChannelWorkItems, models.WorkItemEvent{Action: action, WorkItem: w, ID: id})
}
