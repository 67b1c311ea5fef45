// Package sessions orchestrates agent sessions: it owns the session state
// machine, drives the process manager, persists the history reported by
// process events and forwards every event to the realtime relay.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	apperrors "github.com/iammorganparry/clive/apps/conductor/internal/errors"
	"github.com/iammorganparry/clive/apps/conductor/internal/metrics"
	"github.com/iammorganparry/clive/apps/conductor/internal/models"
	"github.com/iammorganparry/clive/apps/conductor/internal/process"
	"github.com/iammorganparry/clive/apps/conductor/internal/relay"
	"github.com/iammorganparry/clive/apps/conductor/internal/store"
)

const maxPageSize = 500

// Config tunes the orchestrator.
type Config struct {
	// ResponseTimeout bounds the wait for the agent's first response after a
	// message is sent. Zero disables it.
	ResponseTimeout time.Duration
	DefaultPageSize int
	// AutoStart spawns the agent process right after createSession.
	AutoStart bool
}

// Service is the session orchestrator.
type Service struct {
	sessions *store.SessionStore
	messages *store.MessageStore
	pm       ProcessManager
	pub      Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger

	defaultPageSize int
	autoStart       bool
	responseTimeout atomic.Int64

	mu   sync.Mutex
	ctls map[string]*sessionCtl

	reorderMu sync.Mutex
	starts    conc.WaitGroup
}

func NewService(
	cfg Config,
	sessions *store.SessionStore,
	messages *store.MessageStore,
	pm ProcessManager,
	pub Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 50
	}
	s := &Service{
		sessions:        sessions,
		messages:        messages,
		pm:              pm,
		pub:             pub,
		metrics:         m,
		logger:          logger,
		defaultPageSize: cfg.DefaultPageSize,
		autoStart:       cfg.AutoStart,
		ctls:            make(map[string]*sessionCtl),
	}
	s.SetResponseTimeout(cfg.ResponseTimeout)
	return s
}

// SetResponseTimeout changes the timeout for messages sent from now on.
func (s *Service) SetResponseTimeout(d time.Duration) {
	s.responseTimeout.Store(int64(d))
}

func (s *Service) ResponseTimeout() time.Duration {
	return time.Duration(s.responseTimeout.Load())
}

// Reconcile marks sessions that were live when the server last stopped as
// interrupted. No process survives a restart.
func (s *Service) Reconcile() error {
	for _, status := range []models.SessionStatus{models.SessionStatusRunning, models.SessionStatusWaitingForInput} {
		list, err := s.sessions.ListSessions(status, "")
		if err != nil {
			return err
		}
		for _, sess := range list {
			if _, err := s.sessions.UpdateState(sess.ID, store.StateUpdate{Status: models.SessionStatusInterrupted}); err != nil {
				return err
			}
			s.logger.Info("session interrupted by restart", "session_id", sess.ID, "was", sess.Status)
		}
	}
	return nil
}

// Create persists a new session in the created state and, with AutoStart,
// spawns its process in the background.
func (s *Service) Create(ctx context.Context, req *models.CreateSessionRequest) (sess *models.Session, err error) {
	defer func() { s.record("create", err) }()

	if strings.TrimSpace(req.WorkingDir) == "" {
		return nil, apperrors.NewValidationError("workingDir", "is required")
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	} else {
		existing, err := s.sessions.GetSession(id)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.Status.IsLive() {
				return nil, apperrors.NewAlreadyRunningError(id)
			}
			return nil, apperrors.NewValidationError("id", "session already exists")
		}
	}

	now := time.Now().Unix()
	sess = &models.Session{
		ID:         id,
		WorkingDir: req.WorkingDir,
		Status:     models.SessionStatusCreated,
		Model:      req.Model,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.sessions.CreateSession(sess); err != nil {
		return nil, err
	}
	s.control(id)
	s.logger.Info("session created", "session_id", id, "working_dir", req.WorkingDir)

	if s.autoStart {
		opts := process.StartOptions{Model: req.Model, AllowedTools: req.AllowedTools}
		s.starts.Go(func() { s.startInBackground(id, opts) })
	}
	return sess, nil
}

func (s *Service) startInBackground(id string, opts process.StartOptions) {
	c, sess, err := s.lock(id)
	if err != nil {
		return
	}
	defer c.cmd.Unlock()
	if sess.Status != models.SessionStatusCreated {
		return
	}
	if _, err := s.start(context.Background(), c, sess, opts); err != nil {
		s.logger.Warn("background start failed", "session_id", id, "error", err)
	}
}

// Get returns a session or NotFound.
func (s *Service) Get(ctx context.Context, id string) (*models.Session, error) {
	return s.load(id)
}

// List returns sessions in display order.
func (s *Service) List(ctx context.Context, req *models.ListSessionsRequest) ([]*models.Session, error) {
	if req.Status != "" && !req.Status.IsValid() {
		return nil, apperrors.NewValidationError("status", "unknown session status "+string(req.Status))
	}
	list, err := s.sessions.ListSessions(req.Status, req.WorkItemID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.Session{}
	}
	return list, nil
}

// Start spawns the process of a created session. Starting an interrupted
// session resumes it; starting a live one is a no-op.
func (s *Service) Start(ctx context.Context, id string) (sess *models.Session, err error) {
	defer func() { s.record("start", err) }()

	c, sess, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	defer c.cmd.Unlock()

	switch {
	case sess.Status.IsTerminal():
		return nil, apperrors.NewStateTransitionError(id, string(sess.Status), "start")
	case sess.Status == models.SessionStatusCreated:
		return s.start(ctx, c, sess, process.StartOptions{Model: sess.Model})
	case sess.Status.IsLive() && s.hasLive(c):
		return sess, nil
	}
	return s.resume(ctx, c, sess)
}

// SendMessage forwards content to the session's agent and returns the
// accepted message. The persisted copy is written when the process manager
// reports it, so without Wait the returned message has no ID or Seq. With
// Wait it is the persisted row.
func (s *Service) SendMessage(ctx context.Context, id string, req *models.SendMessageRequest) (msg *models.Message, err error) {
	defer func() { s.record("send", err) }()

	if strings.TrimSpace(req.Content) == "" {
		return nil, apperrors.NewValidationError("content", "is required")
	}

	c, sess, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	t, err := s.send(ctx, c, sess, req.Content)
	c.cmd.Unlock()
	if err != nil {
		return nil, err
	}

	msg = &models.Message{
		SessionID: id,
		Role:      models.RoleUser,
		Content:   req.Content,
		CreatedAt: time.Now().Unix(),
	}
	if !req.Wait {
		return msg, nil
	}

	select {
	case <-t.done:
		if t.err != nil {
			return nil, t.err
		}
		if t.user != nil {
			return t.user, nil
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) send(ctx context.Context, c *sessionCtl, sess *models.Session, content string) (*turn, error) {
	switch {
	case sess.Status.IsTerminal():
		return nil, apperrors.NewStateTransitionError(sess.ID, string(sess.Status), "send")
	case sess.Status == models.SessionStatusCreated && !s.hasLive(c):
		if _, err := s.start(ctx, c, sess, process.StartOptions{Model: sess.Model}); err != nil {
			return nil, err
		}
	case !s.hasLive(c):
		if _, err := s.resume(ctx, c, sess); err != nil {
			return nil, err
		}
	}

	c.state.Lock()
	rec := c.live
	if rec == nil || rec.handle == nil {
		c.state.Unlock()
		return nil, apperrors.NewProcessError(sess.ID, "send", errors.New("no live process"))
	}
	rec.clearTurn(nil)
	t := newTurn()
	rec.turn = t
	if timeout := s.ResponseTimeout(); timeout > 0 {
		rec.timer = time.AfterFunc(timeout, func() { s.onResponseTimeout(c, rec, t, timeout) })
	}
	h := rec.handle
	c.state.Unlock()

	if err := s.pm.Send(h, content); err != nil {
		c.state.Lock()
		if c.live == rec {
			s.failLocked(c, "send", err.Error(), err)
		}
		c.state.Unlock()
		return nil, err
	}
	return t, nil
}

// Interrupt stops the session's process and leaves it resumable.
func (s *Service) Interrupt(ctx context.Context, id string) (sess *models.Session, err error) {
	defer func() { s.record("interrupt", err) }()

	c, sess, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	defer c.cmd.Unlock()

	switch {
	case sess.Status == models.SessionStatusInterrupted:
		return sess, nil
	case !sess.Status.IsLive():
		return nil, apperrors.NewStateTransitionError(id, string(sess.Status), "interrupt")
	}

	if h := s.detach(c); h != nil {
		if err := s.pm.Interrupt(h); err != nil {
			s.logger.Warn("interrupt failed", "session_id", id, "error", err)
		}
	}
	return s.transition(c, store.StateUpdate{Status: models.SessionStatusInterrupted})
}

// Resume restarts an interrupted session, reattaching to its agent
// conversation. Resuming a live session is a no-op.
func (s *Service) Resume(ctx context.Context, id string) (sess *models.Session, err error) {
	defer func() { s.record("resume", err) }()

	c, sess, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	defer c.cmd.Unlock()

	switch {
	case sess.Status.IsTerminal():
		return nil, apperrors.NewStateTransitionError(id, string(sess.Status), "resume")
	case sess.Status == models.SessionStatusCreated:
		return s.start(ctx, c, sess, process.StartOptions{Model: sess.Model})
	case sess.Status.IsLive() && s.hasLive(c):
		return sess, nil
	}
	return s.resume(ctx, c, sess)
}

// Complete stops the session's process and marks the session completed.
func (s *Service) Complete(ctx context.Context, id string) (sess *models.Session, err error) {
	defer func() { s.record("complete", err) }()

	c, sess, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	defer c.cmd.Unlock()

	if sess.Status.IsTerminal() {
		return nil, apperrors.NewStateTransitionError(id, string(sess.Status), "complete")
	}
	if h := s.detach(c); h != nil {
		if err := s.pm.Stop(h); err != nil {
			s.logger.Warn("stop failed", "session_id", id, "error", err)
		}
	}
	now := time.Now().Unix()
	return s.transition(c, store.StateUpdate{Status: models.SessionStatusCompleted, CompletedAt: &now})
}

// Delete kills any live process and removes the session with its history.
func (s *Service) Delete(ctx context.Context, id string) (err error) {
	defer func() { s.record("delete", err) }()

	c, _, err := s.lock(id)
	if err != nil {
		return err
	}
	defer c.cmd.Unlock()

	if h := s.detach(c); h != nil {
		if err := s.pm.Interrupt(h); err != nil {
			s.logger.Warn("interrupt failed", "session_id", id, "error", err)
		}
	}
	if err := s.sessions.DeleteSession(id); err != nil {
		return err
	}
	s.drop(c)
	s.pm.Forget(id)
	s.logger.Info("session deleted", "session_id", id)
	return nil
}

// SetWorkItem sets or clears the session's work-item reference.
func (s *Service) SetWorkItem(ctx context.Context, id string, workItemID *string) (*models.Session, error) {
	c, _, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	defer c.cmd.Unlock()

	if err := s.sessions.SetWorkItem(id, workItemID); err != nil {
		return nil, err
	}
	return s.load(id)
}

// GetMessages returns one page of history in sequence order. Pages are
// 1-based; a page past the end is empty.
func (s *Service) GetMessages(ctx context.Context, id string, page, limit int) (*models.MessagePage, error) {
	if page == 0 {
		page = 1
	}
	if page < 1 {
		return nil, apperrors.NewValidationError("page", "must be at least 1")
	}
	if limit == 0 {
		limit = s.defaultPageSize
	}
	if limit < 1 || limit > maxPageSize {
		return nil, apperrors.NewValidationError("limit", "must be between 1 and 500")
	}
	if _, err := s.load(id); err != nil {
		return nil, err
	}

	total, err := s.messages.CountMessages(id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListMessages(id, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	return &models.MessagePage{Messages: msgs, Page: page, Limit: limit, Total: total}, nil
}

// Reorder moves the listed sessions to the front of their status column,
// keeping the rest in their prior order. Ids not in the column are ignored.
func (s *Service) Reorder(ctx context.Context, req *models.ReorderSessionsRequest) (list []*models.Session, err error) {
	defer func() { s.record("reorder", err) }()

	if !req.Status.IsValid() {
		return nil, apperrors.NewValidationError("status", "unknown session status "+string(req.Status))
	}
	if req.SessionIDs == nil {
		return nil, apperrors.NewValidationError("sessionIds", "is required")
	}

	s.reorderMu.Lock()
	defer s.reorderMu.Unlock()

	current, err := s.sessions.ListSessions(req.Status, "")
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Session, len(current))
	for _, sess := range current {
		byID[sess.ID] = sess
	}

	ordered := make([]*models.Session, 0, len(current))
	placed := make(map[string]bool, len(current))
	for _, id := range req.SessionIDs {
		if sess, ok := byID[id]; ok && !placed[id] {
			ordered = append(ordered, sess)
			placed[id] = true
		}
	}
	for _, sess := range current {
		if !placed[sess.ID] {
			ordered = append(ordered, sess)
		}
	}

	// Reuse the column's existing slots so positions relative to other
	// statuses are unchanged.
	ids := make([]string, len(ordered))
	slots := make([]int, len(ordered))
	for i, sess := range current {
		slots[i] = sess.DisplayOrder
		if i > 0 && slots[i] <= slots[i-1] {
			slots[i] = slots[i-1] + 1
		}
	}
	for i, sess := range ordered {
		ids[i] = sess.ID
		sess.DisplayOrder = slots[i]
	}

	if err := s.sessions.SetDisplayOrder(ids, slots); err != nil {
		return nil, err
	}
	s.pub.PublishGlobal(relay.ChannelReordered, models.ReorderEvent{Status: req.Status, SessionIDs: ids})
	return ordered, nil
}

// Stats counts sessions by status.
func (s *Service) Stats(ctx context.Context) (*models.SessionStats, error) {
	counts, err := s.sessions.CountByStatus()
	if err != nil {
		return nil, err
	}
	stats := &models.SessionStats{ByStatus: make(map[models.SessionStatus]int), Live: s.pm.LiveCount()}
	for _, status := range models.SessionStatuses {
		stats.ByStatus[status] = counts[status]
		stats.Total += counts[status]
	}
	return stats, nil
}

// Shutdown stops every live process and leaves those sessions interrupted.
func (s *Service) Shutdown(ctx context.Context) error {
	s.starts.Wait()

	s.mu.Lock()
	ctls := make([]*sessionCtl, 0, len(s.ctls))
	for _, c := range s.ctls {
		ctls = append(ctls, c)
	}
	s.mu.Unlock()

	var stopped []*sessionCtl
	for _, c := range ctls {
		if s.detach(c) != nil {
			stopped = append(stopped, c)
		}
	}

	err := s.pm.Shutdown(ctx)

	for _, c := range stopped {
		if _, uerr := s.transition(c, store.StateUpdate{Status: models.SessionStatusInterrupted}); uerr != nil {
			s.logger.Error("failed to persist interrupted state", "session_id", c.id, "error", uerr)
		}
	}
	for _, c := range ctls {
		c.sub.Cancel()
	}
	return err
}

// start spawns a process for sess. The caller holds c.cmd.
func (s *Service) start(ctx context.Context, c *sessionCtl, sess *models.Session, opts process.StartOptions) (*models.Session, error) {
	rec := s.reserve(c)
	h, err := s.pm.Start(ctx, sess.ID, sess.WorkingDir, opts)
	return s.attach(c, rec, h, err)
}

// resume reattaches an interrupted session. After a restart the process
// manager no longer knows the session, so it is started afresh against the
// persisted agent conversation.
func (s *Service) resume(ctx context.Context, c *sessionCtl, sess *models.Session) (*models.Session, error) {
	rec := s.reserve(c)
	h, err := s.pm.Resume(ctx, sess.ID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		h, err = s.pm.Start(ctx, sess.ID, sess.WorkingDir, process.StartOptions{
			Model:    sess.Model,
			ResumeID: sess.AgentSessionID,
		})
	}
	return s.attach(c, rec, h, err)
}

func (s *Service) reserve(c *sessionCtl) *liveSession {
	rec := &liveSession{}
	c.state.Lock()
	c.live = rec
	c.state.Unlock()
	return rec
}

// attach completes a spawn begun by reserve.
func (s *Service) attach(c *sessionCtl, rec *liveSession, h Handle, err error) (*models.Session, error) {
	c.state.Lock()
	defer c.state.Unlock()

	if err != nil {
		if c.live == rec {
			c.live = nil
		}
		if apperrors.Is(err, apperrors.ErrProcessFailure) {
			s.failLocked(c, "spawn", err.Error(), err)
			s.publishError(c.id, "spawn", err.Error())
		}
		return nil, err
	}
	if c.live != rec {
		// Either the process exited and ingestion already settled the
		// session, or a shutdown detached the spawn.
		go func() {
			if err := s.pm.Interrupt(h); err != nil {
				s.logger.Warn("interrupt failed", "session_id", c.id, "error", err)
			}
		}()
		return nil, apperrors.NewProcessError(c.id, "exit", errors.New("process exited during startup"))
	}
	rec.handle = h
	return s.transitionLocked(c, store.StateUpdate{Status: models.SessionStatusRunning})
}

// detach forgets the live process, returning its handle so the caller can
// stop it. Ingestion ignores the exit that follows.
func (s *Service) detach(c *sessionCtl) Handle {
	c.state.Lock()
	defer c.state.Unlock()
	rec := c.live
	if rec == nil {
		return nil
	}
	c.live = nil
	rec.stopping = true
	rec.clearTurn(nil)
	return rec.handle
}

func (s *Service) hasLive(c *sessionCtl) bool {
	c.state.Lock()
	defer c.state.Unlock()
	return c.live != nil && c.live.handle != nil
}

// failLocked moves the session to error and stops its process in the
// background. The caller holds c.state.
func (s *Service) failLocked(c *sessionCtl, errorType, lastError string, cause error) {
	if rec := c.live; rec != nil {
		c.live = nil
		rec.stopping = true
		rec.clearTurn(cause)
		if h := rec.handle; h != nil {
			go func() {
				if err := s.pm.Interrupt(h); err != nil {
					s.logger.Warn("interrupt failed", "session_id", c.id, "error", err)
				}
			}()
		}
	}

	s.logger.Warn("session failed", "session_id", c.id, "error_type", errorType, "error", lastError)
	if _, err := s.transitionLocked(c, store.StateUpdate{
		Status:    models.SessionStatusError,
		LastError: lastError,
		ErrorType: errorType,
	}); err != nil {
		s.logger.Error("failed to persist error state", "session_id", c.id, "error", err)
	}
}

func (s *Service) onResponseTimeout(c *sessionCtl, rec *liveSession, t *turn, after time.Duration) {
	c.state.Lock()
	defer c.state.Unlock()
	if c.live != rec || rec.turn != t {
		return
	}
	err := apperrors.NewTimeoutError(c.id, after)
	s.failLocked(c, apperrors.KindTimeout, err.Error(), err)
	s.publishError(c.id, apperrors.KindTimeout, err.Error())
}

func (s *Service) transition(c *sessionCtl, u store.StateUpdate) (*models.Session, error) {
	c.state.Lock()
	defer c.state.Unlock()
	return s.transitionLocked(c, u)
}

// transitionLocked persists a status change and announces it on the
// session's status channels.
func (s *Service) transitionLocked(c *sessionCtl, u store.StateUpdate) (*models.Session, error) {
	sess, err := s.sessions.UpdateState(c.id, u)
	if err != nil {
		return nil, err
	}
	s.pub.PublishProcessEvent(models.ProcessEvent{
		ID:        uuid.New().String(),
		SessionID: c.id,
		Type:      models.EventStatusUpdate,
		Timestamp: time.Now().UnixMilli(),
		Status:    u.Status,
		ErrorType: u.ErrorType,
	})
	return sess, nil
}

func (s *Service) publishError(id, errorType, msg string) {
	s.pub.PublishProcessEvent(models.ProcessEvent{
		ID:        uuid.New().String(),
		SessionID: id,
		Type:      models.EventError,
		Timestamp: time.Now().UnixMilli(),
		Error:     msg,
		ErrorType: errorType,
	})
}

func (s *Service) load(id string) (*models.Session, error) {
	sess, err := s.sessions.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperrors.NewNotFoundError("session", id)
	}
	return sess, nil
}

// control returns the session's in-memory state, subscribing to its
// process events on first use.
func (s *Service) control(id string) *sessionCtl {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.ctls[id]; ok {
		return c
	}
	c := &sessionCtl{id: id}
	c.sub = s.pm.Subscribe(id, func(ev models.ProcessEvent) { s.ingest(c, ev) })
	s.ctls[id] = c
	return c
}

func (s *Service) drop(c *sessionCtl) {
	s.mu.Lock()
	if s.ctls[c.id] == c {
		delete(s.ctls, c.id)
	}
	s.mu.Unlock()
	c.sub.Cancel()
}

// lock takes the session's command lock and returns its current state.
func (s *Service) lock(id string) (*sessionCtl, *models.Session, error) {
	if _, err := s.load(id); err != nil {
		return nil, nil, err
	}
	c := s.control(id)
	c.cmd.Lock()

	// Re-read: the session may have changed while we waited.
	sess, err := s.load(id)
	if err != nil {
		c.cmd.Unlock()
		if apperrors.Is(err, apperrors.ErrNotFound) {
			s.drop(c)
		}
		return nil, nil, err
	}
	return c, sess, nil
}

func (s *Service) record(command string, err error) {
	result := "ok"
	if err != nil {
		result = apperrors.KindOf(err)
	}
	s.metrics.Command(command, result)
}
