package process

import (
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/iammorganparry/clive/apps/conductor/internal/models"
)

// Handle manages a spawned agent process for one session.
type Handle struct {
	sessionID string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	done      chan struct{}

	mu       sync.Mutex
	killed   bool
	expected bool // exit was requested by Interrupt or Stop

	emitMu sync.Mutex
	closed bool
	events chan models.ProcessEvent

	agentMu        sync.Mutex
	agentSessionID string
}

func newHandle(sessionID string, cmd *exec.Cmd, stdin io.WriteCloser, buffer int) *Handle {
	return &Handle{
		sessionID: sessionID,
		cmd:       cmd,
		stdin:     stdin,
		done:      make(chan struct{}),
		events:    make(chan models.ProcessEvent, buffer),
	}
}

// SessionID returns the session this handle belongs to.
func (h *Handle) SessionID() string { return h.sessionID }

// PID returns the OS process id, or 0 if the process never started.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// AgentSessionID returns the conversation id reported by the agent CLI.
func (h *Handle) AgentSessionID() string {
	h.agentMu.Lock()
	defer h.agentMu.Unlock()
	return h.agentSessionID
}

func (h *Handle) setAgentSessionID(id string) {
	h.agentMu.Lock()
	h.agentSessionID = id
	h.agentMu.Unlock()
}

// CloseStdin closes the stdin pipe to signal the process to exit.
func (h *Handle) CloseStdin() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdin != nil {
		h.stdin.Close()
		h.stdin = nil
	}
}

// CloseStdinWithTimeout closes stdin and kills the process if it doesn't exit
// within timeout.
func (h *Handle) CloseStdinWithTimeout(timeout time.Duration) {
	h.CloseStdin()

	select {
	case <-h.done:
		return
	case <-time.After(timeout):
		h.Kill()
	}
}

// Kill terminates the process.
func (h *Handle) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.killed && h.cmd.Process != nil {
		h.killed = true
		h.cmd.Process.Kill()
	}
}

// Interrupt sends SIGINT to the process.
func (h *Handle) Interrupt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.killed && h.cmd.Process != nil {
		h.cmd.Process.Signal(syscall.SIGINT)
	}
}

// Wait blocks until the process exits and returns its exit code.
func (h *Handle) Wait() int {
	<-h.done
	if h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// SendMessage writes a stream-json user message to stdin.
func (h *Handle) SendMessage(content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdin == nil || h.killed {
		return fmt.Errorf("stdin closed")
	}

	msg := map[string]interface{}{
		"type": "user",
		"message": map[string]string{
			"role":    "user",
			"content": content,
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, err = h.stdin.Write(append(data, '\n'))
	return err
}

func (h *Handle) markExpected() {
	h.mu.Lock()
	h.expected = true
	h.mu.Unlock()
}

func (h *Handle) exitExpected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expected
}

// emit queues an event for the emitter goroutine. Events after the final
// processExit are dropped.
func (h *Handle) emit(ev models.ProcessEvent) bool {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	if h.closed {
		return false
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.SessionID = h.sessionID
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	h.events <- ev
	return true
}

// closeEvents emits the final event and closes the queue.
func (h *Handle) closeEvents(final models.ProcessEvent) {
	h.emit(final)
	h.emitMu.Lock()
	h.closed = true
	close(h.events)
	h.emitMu.Unlock()
}
