package relay

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/iammorganparry/clive/apps/conductor/internal/models"
)

func newTestRelay(t *testing.T, queue, buffer int) *Relay {
	t.Helper()
	r := New(queue, buffer, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func receive(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case env, ok := <-c.C():
		if !ok {
			t.Fatal("client channel closed")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return Envelope{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case env := <-c.C():
		t.Fatalf("unexpected envelope %s/%s", env.Room, env.Channel)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMessageIsDuplicatedOnRoleChannel(t *testing.T) {
	r := newTestRelay(t, 16, 16)
	c := r.Connect()
	c.Join("s1")

	r.PublishProcessEvent(models.ProcessEvent{
		ID: "ev-1", SessionID: "s1", Type: models.EventMessage, Role: models.RoleAssistant, Content: "hi",
	})

	first := receive(t, c)
	second := receive(t, c)
	if first.Channel != "message" || second.Channel != "message:assistant" {
		t.Fatalf("channels = %s, %s", first.Channel, second.Channel)
	}
	if first.Room != "s1" || second.Room != "s1" {
		t.Fatalf("expected both in room s1")
	}
	if first.Event.(models.ProcessEvent).ID != second.Event.(models.ProcessEvent).ID {
		t.Fatal("duplicate deliveries must share the event id")
	}
}

func TestRoomIsolationAndGlobalChannels(t *testing.T) {
	r := newTestRelay(t, 16, 16)
	member := r.Connect()
	member.Join("s1")
	outsider := r.Connect()

	r.PublishProcessEvent(models.ProcessEvent{SessionID: "s1", Type: models.EventOutput, Raw: "compiling"})
	if env := receive(t, member); env.Channel != "output" {
		t.Fatalf("member got %s", env.Channel)
	}
	expectNothing(t, outsider)

	r.PublishProcessEvent(models.ProcessEvent{SessionID: "s1", Type: models.EventStatusUpdate, Status: models.SessionStatusWaitingForInput})
	if env := receive(t, member); env.Channel != "statusUpdate" {
		t.Fatalf("member room delivery = %s", env.Channel)
	}
	if env := receive(t, member); env.Channel != ChannelSessionStatus {
		t.Fatalf("member global delivery = %s", env.Channel)
	}
	if env := receive(t, outsider); env.Channel != ChannelSessionStatus || env.Room != "" {
		t.Fatalf("outsider got %s/%s", env.Room, env.Channel)
	}

	r.PublishProcessEvent(models.ProcessEvent{SessionID: "s2", Type: models.EventProcessStarted})
	if env := receive(t, outsider); env.Channel != ChannelSessionStarted {
		t.Fatalf("expected processStarted to be global, got %s", env.Channel)
	}
}

func TestLateSubscriberMissesEarlierEvents(t *testing.T) {
	r := newTestRelay(t, 16, 16)
	early := r.Connect()
	early.Join("s1")

	r.PublishProcessEvent(models.ProcessEvent{SessionID: "s1", Type: models.EventOutput, Raw: "one"})
	receive(t, early)

	late := r.Connect()
	late.Join("s1")
	expectNothing(t, late)
}

func TestSlowClientDoesNotBlockOthers(t *testing.T) {
	r := newTestRelay(t, 64, 1)
	slow := r.Connect()
	slow.Join("s1")
	fast := r.Connect()
	fast.Join("s1")

	for i := 0; i < 5; i++ {
		r.PublishProcessEvent(models.ProcessEvent{SessionID: "s1", Type: models.EventOutput})
		receive(t, fast)
	}

	// slow never read; it holds at most its buffer.
	if n := len(slow.C()); n != 1 {
		t.Fatalf("slow client buffered %d, want 1", n)
	}
}

func TestPublishNeverBlocksWhenQueueFull(t *testing.T) {
	// Not running the dispatcher, so the queue fills up.
	r := New(2, 2, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.PublishGlobal(ChannelReordered, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full queue")
	}
}

func TestLeaveAndDisconnect(t *testing.T) {
	r := newTestRelay(t, 16, 16)
	c := r.Connect()
	c.Join("s1")
	c.Leave("s1")

	r.PublishProcessEvent(models.ProcessEvent{SessionID: "s1", Type: models.EventOutput})
	expectNothing(t, c)

	r.Disconnect(c)
	r.Disconnect(c)
	if _, ok := <-c.C(); ok {
		t.Fatal("expected closed channel after disconnect")
	}
	if r.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d", r.ClientCount())
	}
}
