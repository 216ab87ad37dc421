package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crewroom/internal/domain"
	"crewroom/internal/fsm"
	"crewroom/internal/store/sqlite"
)

type CreateBacklogTaskInput struct {
	ChatroomID string
	Content    string
	CreatedBy  string
}

// CreateBacklogTask records deferred work. Backlog tasks never compete for
// the active slot until they are attached or moved to the queue.
func (s *Service) CreateBacklogTask(ctx context.Context, in CreateBacklogTaskInput) (domain.Task, error) {
	now := time.Now().UTC()
	if in.CreatedBy == "" {
		in.CreatedBy = domain.RoleUser
	}

	var task domain.Task
	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		room, err := tx.GetChatroom(ctx, in.ChatroomID)
		if err != nil {
			return err
		}
		pos, err := tx.NextQueuePosition(ctx, room.ID, now)
		if err != nil {
			return err
		}
		task = domain.Task{
			ID:            uuid.NewString(),
			ChatroomID:    room.ID,
			Status:        domain.TaskStatusBacklog,
			Origin:        domain.TaskOriginBacklog,
			Content:       in.Content,
			CreatedBy:     in.CreatedBy,
			QueuePosition: pos,
			BacklogState:  domain.BacklogStateNotStarted,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return tx.InsertTask(ctx, task)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// ClaimTask assigns a pending task to the role and flips its participant to
// active.
func (s *Service) ClaimTask(ctx context.Context, taskID string, role string) (domain.Task, error) {
	now := time.Now().UTC()
	var task domain.Task
	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		task, err = tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := s.transitionAndSave(ctx, tx, &task, domain.TaskStatusAcknowledged, fsm.TriggerClaim, now, fsm.Fields{AssignedTo: role}); err != nil {
			return err
		}
		if err := tx.SetParticipantStatus(ctx, task.ChatroomID, role, domain.ParticipantStatusActive, now); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
			return err
		}
		return tx.TouchChatroom(ctx, task.ChatroomID, now)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// StartTask moves an acknowledged task into progress.
func (s *Service) StartTask(ctx context.Context, taskID string) (domain.Task, error) {
	return s.simpleTransition(ctx, taskID, domain.TaskStatusInProgress, fsm.TriggerStart)
}

// CompleteTask finishes an in-progress task without a handoff. The sender's
// participant returns to waiting and a promotion attempt runs in the same
// transaction.
func (s *Service) CompleteTask(ctx context.Context, taskID string) (domain.Task, error) {
	now := time.Now().UTC()
	var task domain.Task
	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		task, err = tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		assignee := task.AssignedTo
		if err := s.transitionAndSave(ctx, tx, &task, completionTarget(task), fsm.TriggerComplete, now, fsm.Fields{}); err != nil {
			return err
		}
		if task.SourceMessageID != "" {
			if err := tx.MarkMessageCompleted(ctx, task.SourceMessageID, now); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
				return err
			}
		}
		if assignee != "" {
			if err := tx.SetParticipantStatus(ctx, task.ChatroomID, assignee, domain.ParticipantStatusWaiting, now); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
				return err
			}
		}
		room, err := tx.GetChatroom(ctx, task.ChatroomID)
		if err != nil {
			return err
		}
		if _, _, err := s.promoteNext(ctx, tx, room, now); err != nil {
			return err
		}
		return tx.TouchChatroom(ctx, task.ChatroomID, now)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// MarkComplete is the user accepting reviewed work.
func (s *Service) MarkComplete(ctx context.Context, taskID string) (domain.Task, error) {
	return s.simpleTransition(ctx, taskID, domain.TaskStatusCompleted, fsm.TriggerMarkComplete)
}

// SendBackForRework returns reviewed work to the queue, wiping every
// progress field so the task restarts clean. It lands pending when the
// active slot is free, queued otherwise.
func (s *Service) SendBackForRework(ctx context.Context, taskID string) (domain.Task, error) {
	now := time.Now().UTC()
	var task domain.Task
	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		task, err = tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		target, err := s.enqueueTarget(ctx, tx, task.ChatroomID)
		if err != nil {
			return err
		}
		if err := s.transitionAndSave(ctx, tx, &task, target, fsm.TriggerSendBack, now, fsm.Fields{}); err != nil {
			return err
		}
		return tx.TouchChatroom(ctx, task.ChatroomID, now)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// MoveBacklogToQueue pulls a backlog task into the normal flow: pending if
// the active slot is free, queued otherwise.
func (s *Service) MoveBacklogToQueue(ctx context.Context, taskID string) (domain.Task, error) {
	now := time.Now().UTC()
	var task domain.Task
	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		task, err = tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		target, err := s.enqueueTarget(ctx, tx, task.ChatroomID)
		if err != nil {
			return err
		}
		if err := s.transitionAndSave(ctx, tx, &task, target, fsm.TriggerMoveToQueue, now, fsm.Fields{}); err != nil {
			return err
		}
		return tx.TouchChatroom(ctx, task.ChatroomID, now)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// AttachBacklogTask links a backlog task under running work, acknowledging
// it.
func (s *Service) AttachBacklogTask(ctx context.Context, taskID string, parentTaskIDs []string) (domain.Task, error) {
	if len(parentTaskIDs) == 0 {
		return domain.Task{}, fmt.Errorf("attach needs at least one parent task id")
	}
	now := time.Now().UTC()
	var task domain.Task
	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		task, err = tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		return s.transitionAndSave(ctx, tx, &task, domain.TaskStatusBacklogAck, fsm.TriggerAttach, now, fsm.Fields{ParentTaskIDs: parentTaskIDs})
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// CancelTask closes a task. Cancelling the active pending task frees the
// slot, so a promotion attempt runs before the transaction commits.
func (s *Service) CancelTask(ctx context.Context, taskID string) (domain.Task, error) {
	now := time.Now().UTC()
	var task domain.Task
	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		task, err = tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		freedSlot := task.ActiveSlot()
		if err := s.transitionAndSave(ctx, tx, &task, domain.TaskStatusClosed, fsm.TriggerCancel, now, fsm.Fields{}); err != nil {
			return err
		}
		if freedSlot {
			room, err := tx.GetChatroom(ctx, task.ChatroomID)
			if err != nil {
				return err
			}
			if _, _, err := s.promoteNext(ctx, tx, room, now); err != nil {
				return err
			}
		}
		return tx.TouchChatroom(ctx, task.ChatroomID, now)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// ForceCompleteTask is the administrative override that completes a task
// from any non-terminal state.
func (s *Service) ForceCompleteTask(ctx context.Context, taskID string) (domain.Task, error) {
	return s.simpleTransition(ctx, taskID, domain.TaskStatusCompleted, fsm.TriggerForceComplete)
}

// ReopenBacklogTask brings a finished backlog task back to user review.
func (s *Service) ReopenBacklogTask(ctx context.Context, taskID string) (domain.Task, error) {
	return s.simpleTransition(ctx, taskID, domain.TaskStatusPendingUserReview, fsm.TriggerReopen)
}

func (s *Service) simpleTransition(ctx context.Context, taskID string, to domain.TaskStatus, trigger fsm.Trigger) (domain.Task, error) {
	now := time.Now().UTC()
	var task domain.Task
	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		task, err = tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := s.transitionAndSave(ctx, tx, &task, to, trigger, now, fsm.Fields{}); err != nil {
			return err
		}
		return tx.TouchChatroom(ctx, task.ChatroomID, now)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// enqueueTarget picks pending when the chatroom's active slot is free and
// queued otherwise.
func (s *Service) enqueueTarget(ctx context.Context, tx *sqlite.Tx, roomID string) (domain.TaskStatus, error) {
	if _, occupied, err := tx.ActiveTask(ctx, roomID); err != nil {
		return "", err
	} else if occupied {
		return domain.TaskStatusQueued, nil
	}
	return domain.TaskStatusPending, nil
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	return s.store.Read().GetTask(ctx, taskID)
}

// ListRoomTasks returns every task in a chatroom ordered by queue position.
func (s *Service) ListRoomTasks(ctx context.Context, roomID string) ([]domain.Task, error) {
	return s.store.Read().ListRoomTasks(ctx, roomID)
}

// ListTaskAudit returns the transition history of one task, oldest first.
func (s *Service) ListTaskAudit(ctx context.Context, taskID string, limit int) ([]domain.AuditRecord, error) {
	return s.store.Read().ListTaskAudit(ctx, taskID, limit)
}

// GetChatroom returns one chatroom.
func (s *Service) GetChatroom(ctx context.Context, roomID string) (domain.Chatroom, error) {
	return s.store.Read().GetChatroom(ctx, roomID)
}

// ListChatrooms returns every chatroom, most recently active first.
func (s *Service) ListChatrooms(ctx context.Context) ([]domain.Chatroom, error) {
	return s.store.Read().ListChatrooms(ctx)
}

// ListRoomMessages returns the newest messages in a chatroom.
func (s *Service) ListRoomMessages(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	return s.store.Read().ListRoomMessages(ctx, roomID, limit)
}

// ListParticipants returns the participant roster of a chatroom.
func (s *Service) ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	return s.store.Read().ListParticipants(ctx, roomID)
}
