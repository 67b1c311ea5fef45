package sessions

import (
	"context"

	"github.com/iammorganparry/clive/apps/conductor/internal/models"
	"github.com/iammorganparry/clive/apps/conductor/internal/process"
)

// Handle is the orchestrator's view of a live agent process.
type Handle interface {
	SessionID() string
	Done() <-chan struct{}
}

// Subscription is a cancellable event registration.
type Subscription interface {
	Cancel()
}

// ProcessManager is the process-level contract the orchestrator drives.
type ProcessManager interface {
	Start(ctx context.Context, sessionID, workingDir string, opts process.StartOptions) (Handle, error)
	Resume(ctx context.Context, sessionID string) (Handle, error)
	Send(h Handle, content string) error
	Interrupt(h Handle) error
	Stop(h Handle) error
	Subscribe(sessionID string, fn func(models.ProcessEvent)) Subscription
	Forget(sessionID string)
	LiveCount() int
	Shutdown(ctx context.Context) error
}

// Publisher forwards events to realtime subscribers.
type Publisher interface {
	PublishProcessEvent(ev models.ProcessEvent)
	PublishGlobal(channel string, payload any)
}

// NewProcessManager adapts a process.Manager to ProcessManager.
func NewProcessManager(m *process.Manager) ProcessManager {
	return managerAdapter{m: m}
}

type managerAdapter struct {
	m *process.Manager
}

func (a managerAdapter) Start(ctx context.Context, sessionID, workingDir string, opts process.StartOptions) (Handle, error) {
	h, err := a.m.Start(ctx, sessionID, workingDir, opts)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (a managerAdapter) Resume(ctx context.Context, sessionID string) (Handle, error) {
	h, err := a.m.Resume(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (a managerAdapter) Send(h Handle, content string) error {
	return a.m.Send(h.(*process.Handle), content)
}

func (a managerAdapter) Interrupt(h Handle) error {
	return a.m.Interrupt(h.(*process.Handle))
}

func (a managerAdapter) Stop(h Handle) error {
	return a.m.Stop(h.(*process.Handle))
}

func (a managerAdapter) Subscribe(sessionID string, fn func(models.ProcessEvent)) Subscription {
	return a.m.Subscribe(sessionID, fn)
}

func (a managerAdapter) Forget(sessionID string)            { a.m.Forget(sessionID) }
func (a managerAdapter) LiveCount() int                     { return a.m.LiveCount() }
func (a managerAdapter) Shutdown(ctx context.Context) error { return a.m.Shutdown(ctx) }
