// Package agent runs scripted in-process agents against the orchestration
// service. A worker joins its chatroom, long-polls the inbox, claims what the
// router offers, drives the matching task through its lifecycle, and hands
// off according to its script. Real agents speak the same HTTP surface; this
// package exists for demos and integration tests.
package agent

import (
	"context"
	"log"
	"time"

	"crewroom/internal/domain"
	"crewroom/internal/orchestrator"
)

// Orchestrator is the slice of the service a worker needs.
type Orchestrator interface {
	Join(ctx context.Context, roomID string, role string) (domain.Participant, error)
	Heartbeat(ctx context.Context, roomID string, role string) error
	Poll(ctx context.Context, roomID string, role string, cursor int64) (orchestrator.Delivery, bool, error)
	Claim(ctx context.Context, roomID string, role string, messageID string) (domain.Message, error)
	ClaimTask(ctx context.Context, taskID string, role string) (domain.Task, error)
	StartTask(ctx context.Context, taskID string) (domain.Task, error)
	Handoff(ctx context.Context, in orchestrator.HandoffInput) (orchestrator.HandoffResult, error)
	ListRoomTasks(ctx context.Context, roomID string) ([]domain.Task, error)
}

// Subscriber is the wake side of the in-process bus.
type Subscriber interface {
	Subscribe(roomID string, role string) <-chan struct{}
	Unsubscribe(roomID string, role string)
}

// Script decides the worker's reply to a delivered message: the content it
// produces and the role it hands off to (domain.RoleUser ends the chain).
type Script func(msg domain.Message, guidance string) (content string, handoffTo string)

type Worker struct {
	role   string
	roomID string
	orch   Orchestrator
	bus    Subscriber
	script Script
	logger *log.Logger

	heartbeatInterval time.Duration
	cursor            int64
}

func NewWorker(roomID string, role string, orch Orchestrator, bus Subscriber, script Script, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	if script == nil {
		script = func(msg domain.Message, _ string) (string, string) {
			return "done: " + msg.Content, domain.RoleUser
		}
	}
	return &Worker{
		role:              role,
		roomID:            roomID,
		orch:              orch,
		bus:               bus,
		script:            script,
		logger:            logger,
		heartbeatInterval: 30 * time.Second,
	}
}

// Start joins the chatroom and runs the worker loop until ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.orch.Join(ctx, w.roomID, w.role); err != nil {
		return err
	}
	wake := w.bus.Subscribe(w.roomID, w.role)

	go func() {
		defer w.bus.Unsubscribe(w.roomID, w.role)
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()

		w.drain(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.orch.Heartbeat(ctx, w.roomID, w.role); err != nil {
					w.logger.Printf("agent %s heartbeat: %v", w.role, err)
				}
			case <-wake:
				w.drain(ctx)
			}
		}
	}()
	return nil
}

// drain handles every currently deliverable message.
func (w *Worker) drain(ctx context.Context) {
	for {
		delivery, ok, err := w.orch.Poll(ctx, w.roomID, w.role, w.cursor)
		if err != nil {
			w.logger.Printf("agent %s poll: %v", w.role, err)
			return
		}
		if !ok {
			return
		}
		w.handle(ctx, delivery)
	}
}

func (w *Worker) handle(ctx context.Context, delivery orchestrator.Delivery) {
	msg := delivery.Message
	if msg.Seq > w.cursor {
		w.cursor = msg.Seq
	}

	if _, err := w.orch.Claim(ctx, w.roomID, w.role, msg.ID); err != nil {
		// Another role won the race; skip and keep scanning.
		w.logger.Printf("agent %s claim %s: %v", w.role, msg.ID, err)
		return
	}

	if err := w.adoptTask(ctx, msg); err != nil {
		w.logger.Printf("agent %s adopt task for %s: %v", w.role, msg.ID, err)
	}

	content, handoffTo := w.script(msg, delivery.Guidance)
	result, err := w.orch.Handoff(ctx, orchestrator.HandoffInput{
		ChatroomID: w.roomID,
		FromRole:   w.role,
		ToRole:     handoffTo,
		Content:    content,
	})
	if err != nil {
		w.logger.Printf("agent %s handoff to %s: %v", w.role, handoffTo, err)
		return
	}
	if result.Restricted {
		// The policy refused this target; route through the reviewer instead.
		w.logger.Printf("agent %s handoff restricted: %s", w.role, result.Reason)
		if _, err := w.orch.Handoff(ctx, orchestrator.HandoffInput{
			ChatroomID: w.roomID,
			FromRole:   w.role,
			ToRole:     "reviewer",
			Content:    content,
		}); err != nil {
			w.logger.Printf("agent %s handoff to reviewer: %v", w.role, err)
		}
	}
}

// adoptTask finds the task behind the claimed message (or the room's pending
// task assigned to this role) and moves it into progress so the subsequent
// handoff completes real work.
func (w *Worker) adoptTask(ctx context.Context, msg domain.Message) error {
	tasks, err := w.orch.ListRoomTasks(ctx, w.roomID)
	if err != nil {
		return err
	}

	var target *domain.Task
	for i := range tasks {
		t := tasks[i]
		if t.Status != domain.TaskStatusPending && t.Status != domain.TaskStatusAcknowledged {
			continue
		}
		if t.SourceMessageID == msg.ID || (t.AssignedTo == "" && t.SourceMessageID == "") || t.AssignedTo == w.role {
			target = &tasks[i]
			break
		}
	}
	if target == nil {
		// Also adopt the pending chat task created by the user message itself.
		for i := range tasks {
			if tasks[i].Status == domain.TaskStatusPending {
				target = &tasks[i]
				break
			}
		}
	}
	if target == nil {
		return nil
	}

	task := *target
	if task.Status == domain.TaskStatusPending {
		task, err = w.orch.ClaimTask(ctx, task.ID, w.role)
		if err != nil {
			return err
		}
	}
	if task.Status == domain.TaskStatusAcknowledged {
		if _, err := w.orch.StartTask(ctx, task.ID); err != nil {
			return err
		}
	}
	return nil
}
