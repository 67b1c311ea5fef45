package sessions

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/iammorganparry/clive/apps/conductor/internal/errors"
	"github.com/iammorganparry/clive/apps/conductor/internal/models"
	"github.com/iammorganparry/clive/apps/conductor/internal/store"
)

// ingest applies one process event to the session and forwards it to the
// relay. It runs on the process manager's emitter goroutine for the
// session, so events arrive here in emission order.
func (s *Service) ingest(c *sessionCtl, ev models.ProcessEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session event ingestion panicked",
				"session_id", c.id,
				"event", ev.Type,
				"panic", r,
			)
			msg := fmt.Sprintf("event ingestion failed: %v", r)
			c.state.Lock()
			defer c.state.Unlock()
			if sess, err := s.sessions.GetSession(c.id); err == nil && sess != nil && !sess.Status.IsTerminal() {
				s.failLocked(c, "ingest", msg, apperrors.NewProcessError(c.id, "ingest", errors.New(msg)))
			}
			s.publishError(c.id, "ingest", msg)
		}
	}()

	s.metrics.EventIngested(string(ev.Type))

	switch ev.Type {
	case models.EventMessage:
		s.ingestMessage(c, &ev)
	case models.EventStatusUpdate:
		s.ingestStatus(c, ev)
	case models.EventProcessExit:
		s.ingestExit(c, ev)
	case models.EventError:
		s.ingestError(c, ev)
	}

	s.pub.PublishProcessEvent(ev)
}

func (s *Service) ingestMessage(c *sessionCtl, ev *models.ProcessEvent) {
	role := ev.Role
	if !role.IsValid() {
		role = models.RoleSystem
	}
	m := &models.Message{
		ID:        uuid.New().String(),
		SessionID: c.id,
		Role:      role,
		Content:   ev.Content,
		CreatedAt: time.Now().Unix(),
	}
	if err := s.messages.AppendMessage(m); err != nil {
		s.logger.Error("failed to persist message", "session_id", c.id, "error", err)
		return
	}
	ev.MessageID = m.ID

	c.state.Lock()
	defer c.state.Unlock()
	if c.live == nil {
		return
	}
	if role == models.RoleUser {
		if t := c.live.turn; t != nil && t.user == nil {
			t.user = m
		}
		return
	}
	c.live.clearTurn(nil)
}

func (s *Service) ingestStatus(c *sessionCtl, ev models.ProcessEvent) {
	if ev.AgentSessionID != "" {
		if err := s.sessions.SetAgentSessionID(c.id, ev.AgentSessionID); err != nil {
			s.logger.Error("failed to persist agent session id", "session_id", c.id, "error", err)
		}
	}

	c.state.Lock()
	defer c.state.Unlock()

	rec := c.live
	if rec == nil || rec.handle == nil || rec.stopping || !ev.Status.IsLive() {
		return
	}
	if ev.Status == models.SessionStatusWaitingForInput {
		rec.clearTurn(nil)
	}

	sess, err := s.sessions.GetSession(c.id)
	if err != nil || sess == nil {
		return
	}
	if sess.Status.IsLive() && sess.Status != ev.Status {
		if _, err := s.sessions.UpdateState(c.id, store.StateUpdate{Status: ev.Status}); err != nil {
			s.logger.Error("failed to persist status", "session_id", c.id, "status", ev.Status, "error", err)
		}
	}
}

// ingestExit settles an exit nobody asked for. A clean exit leaves the
// session resumable; anything else is a failure.
func (s *Service) ingestExit(c *sessionCtl, ev models.ProcessEvent) {
	c.state.Lock()
	defer c.state.Unlock()

	rec := c.live
	if rec == nil || rec.stopping || ev.Expected {
		return
	}
	c.live = nil

	code := -1
	if ev.ExitCode != nil {
		code = *ev.ExitCode
	}
	if code == 0 && ev.Signal == "" {
		rec.clearTurn(apperrors.NewProcessError(c.id, "exit", errors.New("agent exited")))
		s.logger.Info("agent exited on its own", "session_id", c.id)
		if _, err := s.transitionLocked(c, store.StateUpdate{Status: models.SessionStatusInterrupted}); err != nil {
			s.logger.Error("failed to persist interrupted state", "session_id", c.id, "error", err)
		}
		return
	}

	msg := fmt.Sprintf("agent exited with code %d", code)
	if ev.Signal != "" {
		msg = fmt.Sprintf("agent killed by %s", ev.Signal)
	}
	rec.clearTurn(apperrors.NewProcessError(c.id, "exit", errors.New(msg)))
	s.failLocked(c, "process_exit", msg, nil)
}

func (s *Service) ingestError(c *sessionCtl, ev models.ProcessEvent) {
	c.state.Lock()
	defer c.state.Unlock()

	// Errors from a process we are stopping, or no longer track, are
	// relayed but do not change state.
	if c.live == nil || c.live.stopping {
		return
	}
	sess, err := s.sessions.GetSession(c.id)
	if err != nil || sess == nil || sess.Status.IsTerminal() {
		return
	}

	errorType := ev.ErrorType
	if errorType == "" {
		errorType = "agent_error"
	}
	msg := ev.Error
	if msg == "" {
		msg = "agent reported an error"
	}
	s.failLocked(c, errorType, msg, apperrors.NewProcessError(c.id, errorType, errors.New(msg)))
}
