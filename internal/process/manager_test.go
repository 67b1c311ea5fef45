package process

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/iammorganparry/clive/apps/conductor/internal/errors"
	"github.com/iammorganparry/clive/apps/conductor/internal/models"
)

// echoAgent announces a conversation id, then answers every stdin line.
const echoAgent = `#!/bin/sh
echo "argv: $*" >&2
echo '{"type":"system","subtype":"init","session_id":"agent-123"}'
while IFS= read -r line; do
  echo '{"type":"assistant","message":{"content":[{"type":"text","text":"tests passed"}]}}'
  echo '{"type":"result","subtype":"success","is_error":false,"result":"done"}'
done
`

const stubbornAgent = `#!/bin/sh
trap '' INT
while true; do sleep 0.1; done
`

const crashingAgent = `#!/bin/sh
echo "boom" >&2
exit 3
`

// floodingAgent writes a single stdout line larger than maxLineSize, then
// keeps talking as a healthy agent would.
const floodingAgent = `#!/bin/sh
head -c 2000000 /dev/zero | tr '\0' x
echo
echo '{"type":"result","subtype":"success","is_error":false,"result":"done"}'
exit 0
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newTestManager(t *testing.T, script string) *Manager {
	t.Helper()
	m := NewManager(Config{
		Command:        writeScript(t, script),
		InterruptGrace: 300 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

type collector struct {
	ch chan models.ProcessEvent
}

func collect(m *Manager, sessionID string) (*collector, *Subscription) {
	c := &collector{ch: make(chan models.ProcessEvent, 64)}
	sub := m.Subscribe(sessionID, func(ev models.ProcessEvent) { c.ch <- ev })
	return c, sub
}

// until reads events until one matches pred, returning everything seen.
func (c *collector) until(t *testing.T, pred func(models.ProcessEvent) bool) []models.ProcessEvent {
	t.Helper()
	var seen []models.ProcessEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.ch:
			seen = append(seen, ev)
			if pred(ev) {
				return seen
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event; saw %d events", len(seen))
		}
	}
}

func isType(typ models.EventType) func(models.ProcessEvent) bool {
	return func(ev models.ProcessEvent) bool { return ev.Type == typ }
}

func TestStartSendStop(t *testing.T) {
	m := newTestManager(t, echoAgent)
	c, sub := collect(m, "s1")
	defer sub.Cancel()

	h, err := m.Start(context.Background(), "s1", t.TempDir(), StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	first := c.until(t, isType(models.EventProcessStarted))
	if len(first) != 1 {
		t.Fatalf("expected processStarted first, got %v", first[0].Type)
	}
	if first[0].PID == 0 || first[0].ID == "" || first[0].SessionID != "s1" {
		t.Fatalf("unexpected processStarted event: %+v", first[0])
	}

	if err := m.Send(h, "run tests"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	seen := c.until(t, func(ev models.ProcessEvent) bool {
		return ev.Type == models.EventStatusUpdate && ev.Status == models.SessionStatusWaitingForInput
	})
	var roles []models.MessageRole
	for _, ev := range seen {
		if ev.Type == models.EventMessage {
			roles = append(roles, ev.Role)
		}
	}
	if len(roles) != 2 || roles[0] != models.RoleUser || roles[1] != models.RoleAssistant {
		t.Fatalf("expected user then assistant message, got %v", roles)
	}

	if got := h.AgentSessionID(); got != "agent-123" {
		t.Errorf("AgentSessionID = %q, want agent-123", got)
	}

	if err := m.Stop(h); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	exit := c.until(t, isType(models.EventProcessExit))
	last := exit[len(exit)-1]
	if !last.Expected {
		t.Error("expected processExit to be marked expected after Stop")
	}
	if _, ok := m.Live("s1"); ok {
		t.Error("expected no live handle after exit")
	}
}

func TestStartRejectsSecondHandle(t *testing.T) {
	m := newTestManager(t, echoAgent)
	if _, err := m.Start(context.Background(), "s1", t.TempDir(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	_, err := m.Start(context.Background(), "s1", t.TempDir(), StartOptions{})
	if !apperrors.Is(err, apperrors.ErrAlreadyRunning) {
		t.Fatalf("expected AlreadyRunning, got %v", err)
	}
	if m.LiveCount() != 1 {
		t.Fatalf("LiveCount = %d, want 1", m.LiveCount())
	}
}

func TestStartMissingWorkingDir(t *testing.T) {
	m := newTestManager(t, echoAgent)
	_, err := m.Start(context.Background(), "s1", filepath.Join(t.TempDir(), "missing"), StartOptions{})
	if !apperrors.Is(err, apperrors.ErrProcessFailure) {
		t.Fatalf("expected ProcessFailure, got %v", err)
	}
	if _, ok := m.Live("s1"); ok {
		t.Fatal("expected no handle after failed spawn")
	}
}

func TestInterruptForceKills(t *testing.T) {
	m := newTestManager(t, stubbornAgent)
	c, sub := collect(m, "s1")
	defer sub.Cancel()

	h, err := m.Start(context.Background(), "s1", t.TempDir(), StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	c.until(t, isType(models.EventProcessStarted))

	if err := m.Interrupt(h); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process still running after interrupt")
	}

	exit := c.until(t, isType(models.EventProcessExit))
	last := exit[len(exit)-1]
	if !last.Expected {
		t.Error("expected interrupt exit to be marked expected")
	}
	if last.Signal == "" {
		t.Error("expected a signal on the forced exit")
	}
}

func TestUnexpectedExit(t *testing.T) {
	m := newTestManager(t, crashingAgent)
	c, sub := collect(m, "s1")
	defer sub.Cancel()

	if _, err := m.Start(context.Background(), "s1", t.TempDir(), StartOptions{}); err != nil {
		t.Fatal(err)
	}

	seen := c.until(t, isType(models.EventProcessExit))
	exit := seen[len(seen)-1]
	if exit.Expected {
		t.Error("crash must not be marked expected")
	}
	if exit.ExitCode == nil || *exit.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %v", exit.ExitCode)
	}

	var sawStderr bool
	for _, ev := range seen {
		if ev.Type == models.EventOutput && ev.Stream == "stderr" && ev.Raw == "boom" {
			sawStderr = true
		}
	}
	if !sawStderr {
		t.Error("expected stderr output before processExit")
	}
	if seen[0].Type != models.EventProcessStarted {
		t.Errorf("first event = %s, want processStarted", seen[0].Type)
	}
}

func TestOversizedOutputLineFailsAndKills(t *testing.T) {
	m := newTestManager(t, floodingAgent)
	c, sub := collect(m, "s1")
	defer sub.Cancel()

	h, err := m.Start(context.Background(), "s1", t.TempDir(), StartOptions{})
	if err != nil {
		t.Fatal(err)
	}

	seen := c.until(t, isType(models.EventProcessExit))
	var overflow bool
	for _, ev := range seen {
		if ev.Type == models.EventError && ev.ErrorType == "output_overflow" {
			overflow = true
		}
	}
	if !overflow {
		t.Fatalf("expected an output_overflow error before processExit, got %v", eventTypes(seen))
	}

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("handle not done after overflow")
	}
	if m.LiveCount() != 0 {
		t.Errorf("live handles = %d, want 0", m.LiveCount())
	}
}

func eventTypes(evs []models.ProcessEvent) []models.EventType {
	out := make([]models.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestResumeReattachesConversation(t *testing.T) {
	m := newTestManager(t, echoAgent)
	c, sub := collect(m, "s1")
	defer sub.Cancel()

	if _, err := m.Resume(context.Background(), "s1"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected NotFound before first start, got %v", err)
	}

	h, err := m.Start(context.Background(), "s1", t.TempDir(), StartOptions{Model: "sonnet"})
	if err != nil {
		t.Fatal(err)
	}
	c.until(t, func(ev models.ProcessEvent) bool { return ev.AgentSessionID == "agent-123" })
	if err := m.Interrupt(h); err != nil {
		t.Fatal(err)
	}
	c.until(t, isType(models.EventProcessExit))

	if _, err := m.Resume(context.Background(), "s1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	seen := c.until(t, func(ev models.ProcessEvent) bool {
		return ev.Type == models.EventOutput && strings.HasPrefix(ev.Raw, "argv:") &&
			strings.Contains(ev.Raw, "--resume")
	})
	argv := seen[len(seen)-1].Raw
	if !strings.Contains(argv, "--resume agent-123") || !strings.Contains(argv, "--model sonnet") {
		t.Fatalf("resume args missing conversation or model: %q", argv)
	}
}

func TestSubscriptionCancelAndPanicRecovery(t *testing.T) {
	m := newTestManager(t, echoAgent)

	m.Subscribe("s1", func(models.ProcessEvent) { panic("bad subscriber") })
	cancelled, sub := collect(m, "s1")
	sub.Cancel()
	sub.Cancel()
	live, liveSub := collect(m, "s1")
	defer liveSub.Cancel()

	if _, err := m.Start(context.Background(), "s1", t.TempDir(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	live.until(t, isType(models.EventProcessStarted))

	select {
	case ev := <-cancelled.ch:
		t.Fatalf("cancelled subscription received %s", ev.Type)
	default:
	}
}
