package workitems_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/iammorganparry/clive/apps/conductor/internal/devlog"
	apperrors "github.com/iammorganparry/clive/apps/conductor/internal/errors"
	"github.com/iammorganparry/clive/apps/conductor/internal/models"
	"github.com/iammorganparry/clive/apps/conductor/internal/relay"
	"github.com/iammorganparry/clive/apps/conductor/internal/sessions"
	"github.com/iammorganparry/clive/apps/conductor/internal/sessions/sessionstest"
	"github.com/iammorganparry/clive/apps/conductor/internal/store"
	"github.com/iammorganparry/clive/apps/conductor/internal/workitems"
)

type fixture struct {
	items    *workitems.Service
	sessions *sessions.Service
	devlogs  *devlog.Store
	pub      *sessionstest.Publisher
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := sessionstest.NewPublisher()
	sessSvc := sessions.NewService(sessions.Config{}, store.NewSessionStore(db), store.NewMessageStore(db),
		sessionstest.NewManager(), pub, nil, logger)
	t.Cleanup(func() { sessSvc.Shutdown(context.Background()) })

	devlogs := devlog.NewStore(filepath.Join(dir, "devlogs"), logger)
	return &fixture{
		items:    workitems.NewService(store.NewWorkItemStore(db), sessSvc, devlogs, pub, logger),
		sessions: sessSvc,
		devlogs:  devlogs,
		pub:      pub,
	}
}

func (f *fixture) newSession(t *testing.T) *models.Session {
	t.Helper()
	sess, err := f.sessions.Create(context.Background(), &models.CreateSessionRequest{WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func (f *fixture) newItem(t *testing.T, title string) *models.WorkItem {
	t.Helper()
	w, err := f.items.Create(context.Background(), &models.CreateWorkItemRequest{Title: title})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestCreate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if _, err := f.items.Create(ctx, &models.CreateWorkItemRequest{Title: " "}); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	w, err := f.items.Create(ctx, &models.CreateWorkItemRequest{Title: "Refactor auth", Description: "split the middleware"})
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != models.WorkItemStatusPlanning || w.CompletedAt != nil {
		t.Fatalf("unexpected new work item: %+v", w)
	}

	data, err := os.ReadFile(f.devlogs.Path(w.ID))
	if err != nil {
		t.Fatalf("devlog not written: %v", err)
	}
	if !strings.Contains(string(data), "title: Refactor auth") {
		t.Fatalf("devlog header missing title:\n%s", data)
	}
	if got := f.pub.Globals(relay.ChannelWorkItems); len(got) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(got))
	}
}

func TestCreateSurvivesDevLogFailure(t *testing.T) {
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	// A regular file where the devlog directory should be.
	blocker := filepath.Join(dir, "devlogs")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := workitems.NewService(store.NewWorkItemStore(db), nil, devlog.NewStore(blocker, logger),
		sessionstest.NewPublisher(), logger)

	w, err := svc.Create(context.Background(), &models.CreateWorkItemRequest{Title: "Still created"})
	if err != nil {
		t.Fatalf("Create failed because of the devlog: %v", err)
	}
	if w.Status != models.WorkItemStatusPlanning {
		t.Fatalf("status = %s", w.Status)
	}
}

func TestAssociate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.newItem(t, "Refactor auth")
	sess := f.newSession(t)

	if _, err := f.items.Associate(ctx, "missing", w.ID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected NotFound for session, got %v", err)
	}
	if _, err := f.items.Associate(ctx, sess.ID, "missing"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected NotFound for work item, got %v", err)
	}

	got, err := f.items.Associate(ctx, sess.ID, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.WorkItemID == nil || *got.WorkItemID != w.ID {
		t.Fatalf("session not associated: %+v", got)
	}
	detail, err := f.items.Get(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.WorkItem.Status != models.WorkItemStatusInProgress {
		t.Fatalf("status = %s, want in_progress", detail.WorkItem.Status)
	}

	// Idempotent.
	if _, err := f.items.Associate(ctx, sess.ID, w.ID); err != nil {
		t.Fatalf("second associate: %v", err)
	}

	t.Run("does not move a completed item", func(t *testing.T) {
		done := f.newItem(t, "Already done")
		status := models.WorkItemStatusCompleted
		if _, err := f.items.Update(ctx, done.ID, &models.UpdateWorkItemRequest{Status: &status}); err != nil {
			t.Fatal(err)
		}
		if _, err := f.items.Associate(ctx, f.newSession(t).ID, done.ID); err != nil {
			t.Fatal(err)
		}
		detail, _ := f.items.Get(ctx, done.ID)
		if detail.WorkItem.Status != models.WorkItemStatusCompleted {
			t.Fatalf("status = %s", detail.WorkItem.Status)
		}
	})

	t.Run("disassociate keeps status", func(t *testing.T) {
		got, err := f.items.Disassociate(ctx, sess.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.WorkItemID != nil {
			t.Fatal("reference not cleared")
		}
		detail, _ := f.items.Get(ctx, w.ID)
		if detail.WorkItem.Status != models.WorkItemStatusInProgress {
			t.Fatalf("status reverted to %s", detail.WorkItem.Status)
		}
	})
}

func TestUpdateStampsCompletedAtOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.newItem(t, "Ship it")
	completed := models.WorkItemStatusCompleted

	first, err := f.items.Update(ctx, w.ID, &models.UpdateWorkItemRequest{Status: &completed})
	if err != nil {
		t.Fatal(err)
	}
	if first.CompletedAt == nil {
		t.Fatal("completedAt not stamped")
	}
	second, err := f.items.Update(ctx, w.ID, &models.UpdateWorkItemRequest{Status: &completed})
	if err != nil {
		t.Fatal(err)
	}
	if second.CompletedAt == nil || *second.CompletedAt != *first.CompletedAt {
		t.Fatalf("completedAt changed: %v -> %v", *first.CompletedAt, second.CompletedAt)
	}

	data, _ := os.ReadFile(f.devlogs.Path(w.ID))
	if !strings.Contains(string(data), "status: completed") {
		t.Fatalf("devlog header not synced:\n%s", data)
	}

	bogus := models.WorkItemStatus("bogus")
	if _, err := f.items.Update(ctx, w.ID, &models.UpdateWorkItemRequest{Status: &bogus}); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, err := f.items.Update(ctx, "missing", &models.UpdateWorkItemRequest{Status: &completed}); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDeleteDisassociatesSessions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.newItem(t, "Doomed")
	a, b := f.newSession(t), f.newSession(t)
	for _, sess := range []*models.Session{a, b} {
		if _, err := f.items.Associate(ctx, sess.ID, w.ID); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.items.Delete(ctx, w.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for _, sess := range []*models.Session{a, b} {
		got, err := f.sessions.Get(ctx, sess.ID)
		if err != nil {
			t.Fatalf("session deleted with its work item: %v", err)
		}
		if got.WorkItemID != nil {
			t.Fatalf("session %s still references deleted item", sess.ID)
		}
	}
	if _, err := os.Stat(f.devlogs.Path(w.ID)); !os.IsNotExist(err) {
		t.Fatal("devlog survived delete")
	}
	if _, err := f.items.Get(ctx, w.ID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if err := f.items.Delete(ctx, w.ID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected NotFound on retry of a finished delete, got %v", err)
	}
}

func TestAssociateRacingDeleteLeavesNoDanglingReference(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		w := f.newItem(t, "Contended")
		list := make([]*models.Session, 5)
		for i := range list {
			list[i] = f.newSession(t)
		}

		var wg sync.WaitGroup
		for _, sess := range list {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := f.items.Associate(ctx, id, w.ID)
				if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
					t.Errorf("Associate: %v", err)
				}
			}(sess.ID)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.items.Delete(ctx, w.ID); err != nil {
				t.Errorf("Delete: %v", err)
			}
		}()
		wg.Wait()

		for _, sess := range list {
			got, err := f.sessions.Get(ctx, sess.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.WorkItemID != nil {
				t.Fatalf("round %d: session %s references deleted work item %s", round, sess.ID, *got.WorkItemID)
			}
		}
	}
}

func TestProgress(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.newItem(t, "Progress")

	detail, err := f.items.Get(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Progress.Completed != 0 || detail.Progress.Total != 1 {
		t.Fatalf("empty progress = %+v, want 0/1", detail.Progress)
	}
	if len(detail.Sessions) != 0 {
		t.Fatalf("expected no sessions, got %d", len(detail.Sessions))
	}

	done, idle, fresh := f.newSession(t), f.newSession(t), f.newSession(t)
	for _, sess := range []*models.Session{done, idle, fresh} {
		if _, err := f.items.Associate(ctx, sess.ID, w.ID); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.sessions.SendMessage(ctx, idle.ID, &models.SendMessageRequest{Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sessions.Complete(ctx, done.ID); err != nil {
		t.Fatal(err)
	}

	detail, _ = f.items.Get(ctx, w.ID)
	if detail.Progress.Completed != 2 || detail.Progress.Total != 3 {
		t.Fatalf("progress = %+v, want 2/3", detail.Progress)
	}
}

func TestListAndStats(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	first, err := f.items.Create(ctx, &models.CreateWorkItemRequest{Title: "A", ProjectID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	f.newItem(t, "B")
	completed := models.WorkItemStatusCompleted
	if _, err := f.items.Update(ctx, first.ID, &models.UpdateWorkItemRequest{Status: &completed}); err != nil {
		t.Fatal(err)
	}

	list, err := f.items.List(ctx, &models.ListWorkItemsRequest{ProjectID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != first.ID {
		t.Fatalf("unexpected project listing: %+v", list)
	}
	if _, err := f.items.List(ctx, &models.ListWorkItemsRequest{Status: "bogus"}); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	stats, err := f.items.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || stats.ByStatus[models.WorkItemStatusCompleted] != 1 || stats.ByStatus[models.WorkItemStatusPlanning] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDevLog(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := f.newItem(t, "Logged")

	if err := os.Remove(f.devlogs.Path(w.ID)); err != nil {
		t.Fatal(err)
	}
	got, err := f.items.ReadDevLog(ctx, w.ID)
	if err != nil {
		t.Fatalf("ReadDevLog: %v", err)
	}
	if !strings.Contains(got.Content, w.ID) {
		t.Fatalf("regenerated devlog missing id:\n%s", got.Content)
	}

	got, err = f.items.AppendDevLog(ctx, w.ID, &models.AppendDevLogRequest{Entry: "decided to split the handler"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.Content, "decided to split the handler") {
		t.Fatalf("entry missing:\n%s", got.Content)
	}
	if _, err := f.items.AppendDevLog(ctx, w.ID, &models.AppendDevLogRequest{Entry: ""}); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	got, err = f.items.AppendDevLog(ctx, w.ID, &models.AppendDevLogRequest{
		Entry: "rotated the staging key <private>old key was hunter2</private>",
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got.Content, "hunter2") || !strings.Contains(got.Content, "rotated the staging key") {
		t.Fatalf("private block not stripped:\n%s", got.Content)
	}
	if _, err := f.items.AppendDevLog(ctx, w.ID, &models.AppendDevLogRequest{Entry: "<private>only this</private>"}); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected ValidationError for private-only entry, got %v", err)
	}
	if _, err := f.items.ReadDevLog(ctx, "missing"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

// A work item moves through its whole life with one agent session.
func TestWorkItemWithSessionEndToEnd(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	w := f.newItem(t, "Refactor auth")
	sess, err := f.sessions.Create(ctx, &models.CreateSessionRequest{WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.items.Associate(ctx, sess.ID, w.ID); err != nil {
		t.Fatal(err)
	}
	detail, _ := f.items.Get(ctx, w.ID)
	if detail.WorkItem.Status != models.WorkItemStatusInProgress {
		t.Fatalf("work item status = %s", detail.WorkItem.Status)
	}

	if _, err := f.sessions.SendMessage(ctx, sess.ID, &models.SendMessageRequest{Content: "run tests"}); err != nil {
		t.Fatal(err)
	}
	page, err := f.sessions.GetMessages(ctx, sess.ID, 1, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 2 ||
		page.Messages[0].Role != models.RoleUser || page.Messages[0].Content != "run tests" ||
		page.Messages[1].Role != models.RoleAssistant || page.Messages[1].Content != "tests passed" {
		t.Fatalf("unexpected history: %+v", page.Messages)
	}

	done, err := f.sessions.Complete(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != models.SessionStatusCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected completed session: %+v", done)
	}
	detail, _ = f.items.Get(ctx, w.ID)
	if detail.Progress.Completed != 1 || detail.Progress.Total != 1 {
		t.Fatalf("progress = %+v", detail.Progress)
	}
}
