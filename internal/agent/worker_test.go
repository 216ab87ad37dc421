package agent

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crewroom/internal/domain"
	"crewroom/internal/messaging/inproc"
	"crewroom/internal/orchestrator"
	sqlitestore "crewroom/internal/store/sqlite"
)

func newTestService(t *testing.T) (*orchestrator.Service, *inproc.Bus) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	bus := inproc.New(16)
	svc := orchestrator.New(store, bus, orchestrator.Config{ReadyTTL: time.Minute}, log.New(os.Stderr, "test ", log.LstdFlags))
	return svc, bus
}

func eventually(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %s", timeout)
}

// A scripted planner answers the user's question and the chat task completes.
func TestWorkerAnswersAndCompletesTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, bus := newTestService(t)

	room, err := svc.CreateChatroom(ctx, orchestrator.CreateChatroomInput{
		Roles:     []string{"planner"},
		EntryRole: "planner",
	})
	if err != nil {
		t.Fatalf("create chatroom: %v", err)
	}

	worker := NewWorker(room.ID, "planner", svc, bus, func(msg domain.Message, _ string) (string, string) {
		return "the answer to: " + msg.Content, domain.RoleUser
	}, nil)
	if err := worker.Start(ctx); err != nil {
		t.Fatalf("start worker: %v", err)
	}

	_, task, err := svc.PostUserMessage(ctx, orchestrator.PostUserMessageInput{
		ChatroomID:     room.ID,
		Content:        "what time is it?",
		Classification: domain.ClassificationQuestion,
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	eventually(t, 5*time.Second, func() bool {
		got, err := svc.GetTask(ctx, task.ID)
		return err == nil && got.Status == domain.TaskStatusCompleted
	})

	msgs, err := svc.ListRoomMessages(ctx, room.ID, 20)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	foundAnswer := false
	for _, m := range msgs {
		if m.Type == domain.MessageTypeHandoff && m.TargetRole == domain.RoleUser {
			foundAnswer = true
		}
	}
	if !foundAnswer {
		t.Fatalf("no handoff back to the user in %d messages", len(msgs))
	}
}

// Two scripted agents relay work: planner forwards to builder, builder
// finishes and hands back to the user.
func TestWorkersRelayThroughHandoffChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, bus := newTestService(t)

	room, err := svc.CreateChatroom(ctx, orchestrator.CreateChatroomInput{
		Roles:     []string{"planner", "builder"},
		EntryRole: "planner",
	})
	if err != nil {
		t.Fatalf("create chatroom: %v", err)
	}

	planner := NewWorker(room.ID, "planner", svc, bus, func(msg domain.Message, _ string) (string, string) {
		return "build this: " + msg.Content, "builder"
	}, nil)
	builder := NewWorker(room.ID, "builder", svc, bus, func(msg domain.Message, _ string) (string, string) {
		return "built", domain.RoleUser
	}, nil)
	if err := planner.Start(ctx); err != nil {
		t.Fatalf("start planner: %v", err)
	}
	if err := builder.Start(ctx); err != nil {
		t.Fatalf("start builder: %v", err)
	}

	_, task, err := svc.PostUserMessage(ctx, orchestrator.PostUserMessageInput{
		ChatroomID:     room.ID,
		Content:        "small widget",
		Classification: domain.ClassificationQuestion,
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	eventually(t, 5*time.Second, func() bool {
		got, err := svc.GetTask(ctx, task.ID)
		return err == nil && got.Status == domain.TaskStatusCompleted
	})

	eventually(t, 5*time.Second, func() bool {
		tasks, err := svc.ListRoomTasks(ctx, room.ID)
		if err != nil {
			return false
		}
		for _, tk := range tasks {
			if tk.Origin == domain.TaskOriginNone && tk.Status == domain.TaskStatusCompleted {
				return true
			}
		}
		return false
	})
}
