// Package sessionstest provides an in-memory process manager for tests of
// the session orchestrator and the layers above it.
package sessionstest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	apperrors "github.com/iammorganparry/clive/apps/conductor/internal/errors"
	"github.com/iammorganparry/clive/apps/conductor/internal/models"
	"github.com/iammorganparry/clive/apps/conductor/internal/process"
	"github.com/iammorganparry/clive/apps/conductor/internal/sessions"
)

var eventSeq atomic.Uint64

// Handle is a fake live process.
type Handle struct {
	id   string
	done chan struct{}
	once sync.Once
}

func (h *Handle) SessionID() string     { return h.id }
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) close() { h.once.Do(func() { close(h.done) }) }

// Manager implements sessions.ProcessManager. Events are delivered
// synchronously on the calling goroutine.
type Manager struct {
	// Reply makes every Send answer with an assistant message followed by
	// waiting_for_input.
	Reply     bool
	ReplyText string
	// Echo answers each message with "re: " plus its content instead of
	// ReplyText.
	Echo bool

	mu       sync.Mutex
	startErr error
	live     map[string]*Handle
	opts     map[string]process.StartOptions
	subs     map[string]map[int]func(models.ProcessEvent)
	nextSub  int
	starts   []StartCall
	sent     []string
	resumes  int
}

// StartCall records one Start.
type StartCall struct {
	SessionID  string
	WorkingDir string
	Opts       process.StartOptions
}

var _ sessions.ProcessManager = (*Manager)(nil)

func NewManager() *Manager {
	return &Manager{
		Reply:     true,
		ReplyText: "tests passed",
		live:      make(map[string]*Handle),
		opts:      make(map[string]process.StartOptions),
		subs:      make(map[string]map[int]func(models.ProcessEvent)),
	}
}

// FailStarts makes every later Start fail with a spawn error.
func (m *Manager) FailStarts(err error) {
	m.mu.Lock()
	m.startErr = err
	m.mu.Unlock()
}

func (m *Manager) Start(ctx context.Context, sessionID, workingDir string, opts process.StartOptions) (sessions.Handle, error) {
	m.mu.Lock()
	if m.startErr != nil {
		err := m.startErr
		m.mu.Unlock()
		return nil, apperrors.NewProcessError(sessionID, "spawn", err)
	}
	if _, ok := m.live[sessionID]; ok {
		m.mu.Unlock()
		return nil, apperrors.NewAlreadyRunningError(sessionID)
	}
	h := &Handle{id: sessionID, done: make(chan struct{})}
	m.live[sessionID] = h
	m.opts[sessionID] = opts
	m.starts = append(m.starts, StartCall{SessionID: sessionID, WorkingDir: workingDir, Opts: opts})
	m.mu.Unlock()

	m.Emit(sessionID, models.ProcessEvent{Type: models.EventProcessStarted, PID: 4242})
	m.Emit(sessionID, models.ProcessEvent{
		Type:           models.EventStatusUpdate,
		Status:         models.SessionStatusRunning,
		AgentSessionID: "agent-" + sessionID,
	})
	return h, nil
}

func (m *Manager) Resume(ctx context.Context, sessionID string) (sessions.Handle, error) {
	m.mu.Lock()
	opts, ok := m.opts[sessionID]
	m.resumes++
	m.mu.Unlock()
	if !ok {
		return nil, apperrors.NewNotFoundError("process", sessionID)
	}
	opts.ResumeID = "agent-" + sessionID
	return m.Start(ctx, sessionID, "", opts)
}

func (m *Manager) Send(h sessions.Handle, content string) error {
	id := h.SessionID()
	select {
	case <-h.Done():
		return apperrors.NewProcessError(id, "send", fmt.Errorf("process has exited"))
	default:
	}

	m.mu.Lock()
	m.sent = append(m.sent, content)
	reply, text := m.Reply, m.ReplyText
	if m.Echo {
		text = "re: " + content
	}
	m.mu.Unlock()

	m.Emit(id, models.ProcessEvent{Type: models.EventMessage, Role: models.RoleUser, Content: content})
	m.Emit(id, models.ProcessEvent{Type: models.EventStatusUpdate, Status: models.SessionStatusRunning})
	if reply {
		m.Emit(id, models.ProcessEvent{Type: models.EventMessage, Role: models.RoleAssistant, Content: text})
		m.Emit(id, models.ProcessEvent{Type: models.EventStatusUpdate, Status: models.SessionStatusWaitingForInput})
	}
	return nil
}

func (m *Manager) Interrupt(h sessions.Handle) error {
	m.exit(h.(*Handle), true, 130, "interrupt")
	return nil
}

func (m *Manager) Stop(h sessions.Handle) error {
	m.exit(h.(*Handle), true, 0, "")
	return nil
}

// Crash ends the session's live process as if it died on its own.
func (m *Manager) Crash(sessionID string, code int, signal string) {
	m.mu.Lock()
	h, ok := m.live[sessionID]
	m.mu.Unlock()
	if ok {
		m.exit(h, false, code, signal)
	}
}

func (m *Manager) exit(h *Handle, expected bool, code int, signal string) {
	m.mu.Lock()
	if m.live[h.id] != h {
		m.mu.Unlock()
		return
	}
	delete(m.live, h.id)
	h.close()
	m.mu.Unlock()

	m.Emit(h.id, models.ProcessEvent{
		Type:     models.EventProcessExit,
		ExitCode: &code,
		Signal:   signal,
		Expected: expected,
	})
}

// Emit delivers ev to the session's subscribers.
func (m *Manager) Emit(sessionID string, ev models.ProcessEvent) {
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("fake-%d", eventSeq.Add(1))
	}
	ev.SessionID = sessionID

	m.mu.Lock()
	fns := make([]func(models.ProcessEvent), 0, len(m.subs[sessionID]))
	for _, fn := range m.subs[sessionID] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (m *Manager) Subscribe(sessionID string, fn func(models.ProcessEvent)) sessions.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	if m.subs[sessionID] == nil {
		m.subs[sessionID] = make(map[int]func(models.ProcessEvent))
	}
	m.subs[sessionID][m.nextSub] = fn
	return &subscription{m: m, sessionID: sessionID, id: m.nextSub}
}

func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.opts, sessionID)
	m.mu.Unlock()
}

func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// IsLive reports whether the session has a live fake process.
func (m *Manager) IsLive(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[sessionID]
	return ok
}

func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.live))
	for _, h := range m.live {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	for _, h := range handles {
		m.exit(h, true, 130, "interrupt")
	}
	return nil
}

// Starts returns every recorded Start.
func (m *Manager) Starts() []StartCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StartCall(nil), m.starts...)
}

// Sent returns the content of every Send.
func (m *Manager) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// Subscribers returns the number of subscriptions for a session.
func (m *Manager) Subscribers(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[sessionID])
}

type subscription struct {
	m         *Manager
	sessionID string
	id        int
	once      sync.Once
}

func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.m.mu.Lock()
		defer s.m.mu.Unlock()
		delete(s.m.subs[s.sessionID], s.id)
		if len(s.m.subs[s.sessionID]) == 0 {
			delete(s.m.subs, s.sessionID)
		}
	})
}

// Publisher records everything published to it.
type Publisher struct {
	mu      sync.Mutex
	events  []models.ProcessEvent
	globals map[string][]any
}

var _ sessions.Publisher = (*Publisher)(nil)

func NewPublisher() *Publisher {
	return &Publisher{globals: make(map[string][]any)}
}

func (p *Publisher) PublishProcessEvent(ev models.ProcessEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *Publisher) PublishGlobal(channel string, payload any) {
	p.mu.Lock()
	p.globals[channel] = append(p.globals[channel], payload)
	p.mu.Unlock()
}

// Events returns the published events of one session.
func (p *Publisher) Events(sessionID string) []models.ProcessEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.ProcessEvent
	for _, ev := range p.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out
}

// Globals returns the payloads published on a global channel.
func (p *Publisher) Globals(channel string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.globals[channel]...)
}
