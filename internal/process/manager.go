package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	apperrors "github.com/iammorganparry/clive/apps/conductor/internal/errors"
	"github.com/iammorganparry/clive/apps/conductor/internal/metrics"
	"github.com/iammorganparry/clive/apps/conductor/internal/models"
)

// maxLineSize bounds a single stream-json line from the agent.
const maxLineSize = 1024 * 1024

// Config controls how agent processes are spawned.
type Config struct {
	Command        string
	Args           []string
	InterruptGrace time.Duration
	EventBuffer    int
}

// StartOptions are per-session spawn options.
type StartOptions struct {
	Model        string
	AllowedTools []string
	// ResumeID reattaches to an existing agent conversation.
	ResumeID string
}

type startParams struct {
	workingDir string
	opts       StartOptions
}

// Manager owns at most one live Handle per session id.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	handles  map[string]*Handle
	starting map[string]struct{}
	params   map[string]startParams
	subs     map[string]map[uint64]func(models.ProcessEvent)
	nextSub  uint64
	closed   bool
}

func NewManager(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.InterruptGrace <= 0 {
		cfg.InterruptGrace = 5 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		handles:  make(map[string]*Handle),
		starting: make(map[string]struct{}),
		params:   make(map[string]startParams),
		subs:     make(map[string]map[uint64]func(models.ProcessEvent)),
	}
}

// Start spawns the agent process for a session. It fails with
// AlreadyRunning if the session already has a live handle.
func (m *Manager) Start(ctx context.Context, sessionID, workingDir string, opts StartOptions) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, apperrors.NewProcessError(sessionID, "spawn", fmt.Errorf("process manager is shut down"))
	}
	_, live := m.handles[sessionID]
	_, pending := m.starting[sessionID]
	if live || pending {
		m.mu.Unlock()
		return nil, apperrors.NewAlreadyRunningError(sessionID)
	}
	m.starting[sessionID] = struct{}{}
	m.mu.Unlock()

	h, err := m.spawn(sessionID, workingDir, opts)

	m.mu.Lock()
	delete(m.starting, sessionID)
	if err == nil {
		m.handles[sessionID] = h
		m.params[sessionID] = startParams{workingDir: workingDir, opts: opts}
	}
	m.mu.Unlock()

	m.metrics.Spawn(err == nil)
	if err != nil {
		m.logger.Error("process spawn failed", "session_id", sessionID, "error", err)
		return nil, apperrors.NewProcessError(sessionID, "spawn", err)
	}

	m.metrics.LiveProcessesDelta(1)
	m.logger.Info("process started", "session_id", sessionID, "pid", h.PID(), "dir", workingDir)
	m.run(h)
	return h, nil
}

func (m *Manager) buildArgs(opts StartOptions) []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}
	return append(args, m.cfg.Args...)
}

func (m *Manager) spawn(sessionID, workingDir string, opts StartOptions) (*Handle, error) {
	info, err := os.Stat(workingDir)
	if err != nil {
		return nil, fmt.Errorf("working dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("working dir %s is not a directory", workingDir)
	}

	cmd := exec.Command(m.cfg.Command, m.buildArgs(opts)...)
	cmd.Dir = workingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", m.cfg.Command, err)
	}

	h := newHandle(sessionID, cmd, stdin, m.cfg.EventBuffer)
	h.stdout = stdout
	h.stderr = stderr
	return h, nil
}

// run starts the emitter, the output readers and the exit watcher.
func (m *Manager) run(h *Handle) {
	h.emit(models.ProcessEvent{Type: models.EventProcessStarted, PID: h.PID()})
	go m.dispatch(h)

	var wg conc.WaitGroup
	wg.Go(func() {
		scanner := bufio.NewScanner(h.stdout)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, maxLineSize)

		for scanner.Scan() {
			events, agentID := parseStreamLine(scanner.Text())
			if agentID != "" {
				m.rememberAgentSession(h, agentID)
			}
			for _, ev := range events {
				h.emit(ev)
			}
		}
		if err := scanner.Err(); err != nil {
			m.outputFailed(h, err)
		}
	})
	wg.Go(func() {
		scanner := bufio.NewScanner(h.stderr)
		for scanner.Scan() {
			h.emit(outputEvent(stripANSI(scanner.Text()), "stderr"))
		}
		if err := scanner.Err(); err != nil {
			m.logger.Warn("discarding agent stderr", "session_id", h.sessionID, "error", err)
			_, _ = io.Copy(io.Discard, h.stderr)
		}
	})

	go func() {
		// Readers must drain before Wait closes the pipes.
		wg.Wait()
		waitErr := h.cmd.Wait()
		close(h.done)

		m.mu.Lock()
		if m.handles[h.sessionID] == h {
			delete(m.handles, h.sessionID)
		}
		m.mu.Unlock()
		m.metrics.LiveProcessesDelta(-1)

		exit := exitEvent(h, waitErr)
		m.logger.Info("process exited",
			"session_id", h.sessionID,
			"code", *exit.ExitCode,
			"signal", exit.Signal,
			"expected", exit.Expected,
		)
		h.closeEvents(exit)
	}()
}

// outputFailed reports a stdout read failure and kills the process, which
// would otherwise block on a pipe nobody drains.
func (m *Manager) outputFailed(h *Handle, err error) {
	errorType := "output_read"
	msg := fmt.Sprintf("reading agent output: %v", err)
	if errors.Is(err, bufio.ErrTooLong) {
		errorType = "output_overflow"
		msg = fmt.Sprintf("agent output line exceeds %d bytes", maxLineSize)
	}
	m.logger.Error("agent output reader stopped",
		"session_id", h.sessionID,
		"error_type", errorType,
		"error", err,
	)
	h.emit(models.ProcessEvent{
		Type:      models.EventError,
		Error:     msg,
		ErrorType: errorType,
	})
	h.Kill()
}

func exitEvent(h *Handle, waitErr error) models.ProcessEvent {
	code := -1
	signal := ""
	if ps := h.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signal = ws.Signal().String()
		}
	}
	ev := models.ProcessEvent{
		Type:     models.EventProcessExit,
		ExitCode: &code,
		Signal:   signal,
		Expected: h.exitExpected(),
	}
	if waitErr != nil && code == -1 && signal == "" {
		ev.Details = waitErr.Error()
	}
	return ev
}

// dispatch delivers a handle's events to subscribers in order.
func (m *Manager) dispatch(h *Handle) {
	for ev := range h.events {
		m.mu.Lock()
		fns := make([]func(models.ProcessEvent), 0, len(m.subs[h.sessionID]))
		for _, fn := range m.subs[h.sessionID] {
			fns = append(fns, fn)
		}
		m.mu.Unlock()

		for _, fn := range fns {
			m.safeCall(fn, ev)
		}
	}
}

// safeCall invokes a subscriber, recovering from any panic so one faulty
// subscriber cannot take down the emitter.
func (m *Manager) safeCall(fn func(models.ProcessEvent), ev models.ProcessEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("process event subscriber panicked",
				"session_id", ev.SessionID,
				"event", ev.Type,
				"panic", r,
			)
		}
	}()
	fn(ev)
}

func (m *Manager) rememberAgentSession(h *Handle, agentID string) {
	h.setAgentSessionID(agentID)
	m.mu.Lock()
	if p, ok := m.params[h.sessionID]; ok {
		p.opts.ResumeID = agentID
		m.params[h.sessionID] = p
	}
	m.mu.Unlock()
}

// Send emits the user message, marks the session running and writes the
// content to the agent's stdin.
func (m *Manager) Send(h *Handle, content string) error {
	if !h.emit(models.ProcessEvent{Type: models.EventMessage, Role: models.RoleUser, Content: content}) {
		return apperrors.NewProcessError(h.sessionID, "send", fmt.Errorf("process has exited"))
	}
	h.emit(models.ProcessEvent{Type: models.EventStatusUpdate, Status: models.SessionStatusRunning})
	if err := h.SendMessage(content); err != nil {
		return apperrors.NewProcessError(h.sessionID, "send", err)
	}
	return nil
}

// Interrupt sends SIGINT and force-kills the process if it has not exited
// within the grace period. It returns once the process is gone or a second
// grace period has elapsed.
func (m *Manager) Interrupt(h *Handle) error {
	h.markExpected()
	h.Interrupt()
	if m.waitExit(h) {
		return nil
	}
	m.logger.Warn("process ignored interrupt, killing", "session_id", h.sessionID)
	h.Kill()
	if !m.waitExit(h) {
		m.logger.Error("process did not exit after kill", "session_id", h.sessionID)
	}
	return nil
}

// Stop closes stdin so the agent can finish, killing it after the grace
// period.
func (m *Manager) Stop(h *Handle) error {
	h.markExpected()
	h.CloseStdinWithTimeout(m.cfg.InterruptGrace)
	if !m.waitExit(h) {
		m.logger.Error("process did not exit after stop", "session_id", h.sessionID)
	}
	return nil
}

func (m *Manager) waitExit(h *Handle) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(m.cfg.InterruptGrace):
		return false
	}
}

// Resume respawns a session with the options it was last started with,
// reattaching to the captured agent conversation. It fails with NotFound when
// the manager has never started the session.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*Handle, error) {
	m.mu.Lock()
	p, ok := m.params[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, apperrors.NewNotFoundError("process", sessionID)
	}
	return m.Start(ctx, sessionID, p.workingDir, p.opts)
}

// Live returns the live handle for a session, if any.
func (m *Manager) Live(sessionID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[sessionID]
	return h, ok
}

// LiveCount returns the number of live handles.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Forget drops the remembered spawn options of a deleted session.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.params, sessionID)
	m.mu.Unlock()
}

// Subscription is a cancellable registration for one session's events.
type Subscription struct {
	m         *Manager
	sessionID string
	id        uint64
	once      sync.Once
}

// Subscribe registers fn for every event of sessionID, including events of
// handles started later.
func (m *Manager) Subscribe(sessionID string, fn func(models.ProcessEvent)) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	if m.subs[sessionID] == nil {
		m.subs[sessionID] = make(map[uint64]func(models.ProcessEvent))
	}
	m.subs[sessionID][m.nextSub] = fn
	return &Subscription{m: m, sessionID: sessionID, id: m.nextSub}
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.m.mu.Lock()
		defer s.m.mu.Unlock()
		delete(s.m.subs[s.sessionID], s.id)
		if len(s.m.subs[s.sessionID]) == 0 {
			delete(s.m.subs, s.sessionID)
		}
	})
}

// Shutdown stops every live process concurrently. Processes still running
// when ctx ends are killed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	if len(handles) == 0 {
		return nil
	}
	m.logger.Info("stopping agent processes", "count", len(handles))

	p := pool.New().WithErrors()
	for _, h := range handles {
		p.Go(func() error { return m.Interrupt(h) })
	}

	done := make(chan error, 1)
	go func() { done <- p.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		for _, h := range handles {
			h.Kill()
		}
		return ctx.Err()
	}
}
